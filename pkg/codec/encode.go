package codec

import (
	"encoding/json"
	"fmt"
)

// Encode renders one message as a compact JSON document.
func Encode(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// EncodeLine renders one message as a single newline-terminated line.
// encoding/json never emits raw newlines, so the result holds exactly one.
func EncodeLine(msg any) ([]byte, error) {
	b, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
