package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jguan/mcpcheck/pkg/protocol"
)

var (
	// ErrUndecodable means a body parsed neither as JSON nor as an event stream
	// carrying JSON.
	ErrUndecodable = errors.New("body is neither JSON nor an event stream of JSON")
	// ErrNoMatch means no decoded message carried the wanted id.
	ErrNoMatch = errors.New("no message with matching id")
)

// DecodeHTTPBody extracts the JSON-RPC messages of an HTTP response body. The
// body is first parsed as one JSON document (an object, or a batch array of
// objects); failing that it is parsed as an event stream where each event's
// data is one document. Event data that is not JSON is skipped, and only
// objects carrying an id member are kept from an event stream.
func DecodeHTTPBody(body []byte) ([]protocol.Message, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if json.Valid(trimmed) {
		return decodeDocument(trimmed), nil
	}

	var msgs []protocol.Message
	parsed := false
	for _, ev := range ParseSSE(body) {
		msg, ok, err := protocol.DecodeObject([]byte(ev.Data))
		if err != nil {
			continue
		}
		parsed = true
		if ok && msg.HasID {
			msgs = append(msgs, msg)
		}
	}
	if !parsed {
		return nil, ErrUndecodable
	}
	return msgs, nil
}

func decodeDocument(doc []byte) []protocol.Message {
	if doc[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(doc, &batch); err != nil {
			return nil
		}
		var msgs []protocol.Message
		for _, item := range batch {
			if msg, ok, _ := protocol.DecodeObject(item); ok {
				msgs = append(msgs, msg)
			}
		}
		return msgs
	}

	msg, ok, _ := protocol.DecodeObject(doc)
	if !ok {
		return nil
	}
	return []protocol.Message{msg}
}

// FindByID decodes body and returns the first message answering id.
func FindByID(body []byte, id protocol.ID) (protocol.Message, error) {
	msgs, err := DecodeHTTPBody(body)
	if err != nil {
		return protocol.Message{}, err
	}
	for _, m := range msgs {
		if m.Matches(id) {
			return m, nil
		}
	}
	return protocol.Message{}, fmt.Errorf("id %s: %w", id, ErrNoMatch)
}

// DecodeLine decodes one stdio line. Invalid JSON is a framing error; valid
// JSON that is not an object yields ok=false.
func DecodeLine(line []byte) (protocol.Message, bool, error) {
	msg, ok, err := protocol.DecodeObject(line)
	if err != nil {
		return protocol.Message{}, false, fmt.Errorf("framing error on line %q: %w", truncate(line, 200), err)
	}
	return msg, ok, nil
}

// StdoutDecoder turns a chunked line-delimited stream into messages.
type StdoutDecoder struct {
	lines LineDecoder
}

// Feed returns the messages completed by chunk. It stops at the first line
// that is not valid JSON; messages decoded before it are still returned.
func (d *StdoutDecoder) Feed(chunk []byte) ([]protocol.Message, error) {
	return d.decode(d.lines.Feed(chunk))
}

// Flush decodes a final line that lacks a terminator.
func (d *StdoutDecoder) Flush() ([]protocol.Message, error) {
	rest := d.lines.Flush()
	if rest == nil {
		return nil, nil
	}
	return d.decode([][]byte{rest})
}

func (d *StdoutDecoder) decode(lines [][]byte) ([]protocol.Message, error) {
	var msgs []protocol.Message
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msg, ok, err := DecodeLine(line)
		if err != nil {
			return msgs, err
		}
		if ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
