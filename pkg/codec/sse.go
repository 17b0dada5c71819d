package codec

import (
	"strings"
)

// Event is one server-sent event block.
type Event struct {
	Type string
	ID   string
	Data string
}

// SSEDecoder incrementally parses an event stream. Blocks are separated by
// blank lines; within a block every "data:" line contributes its value with
// leading whitespace removed, and values are joined with "\n".
type SSEDecoder struct {
	lines LineDecoder

	data     []string
	hasData  bool
	event    string
	id       string
	dirtyBlk bool
}

// Feed consumes chunk and returns the events it completes.
func (d *SSEDecoder) Feed(chunk []byte) []Event {
	var events []Event
	for _, line := range d.lines.Feed(chunk) {
		if ev, ok := d.line(string(line)); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Flush terminates the stream. A final block that was not followed by a
// blank line is still emitted.
func (d *SSEDecoder) Flush() []Event {
	var events []Event
	if rest := d.lines.Flush(); rest != nil {
		if ev, ok := d.line(string(rest)); ok {
			events = append(events, ev)
		}
	}
	if ev, ok := d.dispatch(); ok {
		events = append(events, ev)
	}
	return events
}

func (d *SSEDecoder) line(line string) (Event, bool) {
	if line == "" {
		return d.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		return Event{}, false
	}

	d.dirtyBlk = true
	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimLeft(value, " \t")
	}

	switch field {
	case "data":
		d.data = append(d.data, value)
		d.hasData = true
	case "event":
		d.event = value
	case "id":
		d.id = value
	}
	return Event{}, false
}

func (d *SSEDecoder) dispatch() (Event, bool) {
	if !d.dirtyBlk {
		return Event{}, false
	}
	ev := Event{Type: d.event, ID: d.id, Data: strings.Join(d.data, "\n")}
	ok := d.hasData
	d.data, d.hasData, d.event, d.id, d.dirtyBlk = nil, false, "", "", false
	return ev, ok
}

// ParseSSE decodes a complete event stream.
func ParseSSE(body []byte) []Event {
	var d SSEDecoder
	events := d.Feed(body)
	return append(events, d.Flush()...)
}
