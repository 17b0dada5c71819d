package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ID is a JSON-RPC request id held in canonical JSON text form, so that two
// ids are equal exactly when they denote the same JSON value. The zero value
// is the absent or null id and never equals a request id.
type ID struct {
	raw string
}

func IntID(n int64) ID {
	return ID{raw: strconv.FormatInt(n, 10)}
}

func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: string(b)}
}

// ParseID canonicalises a raw id member. Numbers compare by value (3 and 3.0
// are the same id), strings by content; a string never equals a number.
// It reports false for null, absent, or non-scalar ids.
func ParseID(raw json.RawMessage) (ID, bool) {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return ID{}, false
	}

	switch c := b[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return ID{}, false
		}
		return StringID(s), true
	case c == '-' || (c >= '0' && c <= '9'):
		return parseNumberID(string(b))
	default:
		return ID{}, false
	}
}

func parseNumberID(s string) (ID, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntID(n), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return ID{}, false
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		return IntID(int64(f)), true
	}
	return ID{raw: strconv.FormatFloat(f, 'g', -1, 64)}, true
}

func (id ID) IsZero() bool { return id.raw == "" }

func (id ID) String() string {
	if id.raw == "" {
		return "null"
	}
	return id.raw
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.raw == "" {
		return []byte("null"), nil
	}
	return []byte(id.raw), nil
}

func (id *ID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*id = ID{}
		return nil
	}
	parsed, ok := ParseID(b)
	if !ok {
		return fmt.Errorf("invalid JSON-RPC id: %s", b)
	}
	*id = parsed
	return nil
}

// Sequence hands out strictly increasing integer ids. It is not safe for
// concurrent use; a session issues requests one at a time.
type Sequence struct {
	next int64
}

func NewSequence(first int64) *Sequence {
	return &Sequence{next: first}
}

func (s *Sequence) Next() ID {
	id := IntID(s.next)
	s.next++
	return id
}

// Peek returns the id the next call to Next will hand out.
func (s *Sequence) Peek() ID {
	return IntID(s.next)
}
