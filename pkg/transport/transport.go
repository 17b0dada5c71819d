// Package transport carries JSON-RPC messages to and from the system under
// test. HTTPTransport performs one POST per message and returns the reply in
// the same call; StdioTransport writes lines to a long-lived child process and
// collects replies from its output stream. Both expose the same contract so
// session logic is written once.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/jguan/mcpcheck/pkg/protocol"
)

type Kind string

const (
	KindHTTP  Kind = "http"
	KindStdio Kind = "stdio"
)

const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
)

// SessionContext is the per-call session state the driver hands to a
// transport. It is passed by value; transports never retain it.
type SessionContext struct {
	SessionID string
	APIKey    string
}

// Exchange is the HTTP status, headers and raw body of one request/response
// round trip, plus the JSON-RPC messages decoded from the body.
type Exchange struct {
	Status   int
	Header   http.Header
	Body     []byte
	Messages []protocol.Message
}

// SessionID returns the session header of the response.
func (e *Exchange) SessionID() string {
	if e == nil || e.Header == nil {
		return ""
	}
	return e.Header.Get(HeaderSessionID)
}

// Transport is the contract shared by the HTTP and stdio variants.
type Transport interface {
	Kind() Kind
	// Send delivers one message. HTTP returns the coupled Exchange; stdio
	// returns a nil Exchange once the line is written.
	Send(ctx context.Context, msg any, sc SessionContext) (*Exchange, error)
	// ReceiveByID returns the response whose id equals id, waiting until
	// deadline at most. Only responses to requests already sent through
	// Send and not yet matched are kept; any other response is discarded
	// on arrival. A failed receive stops waiting for id.
	ReceiveByID(ctx context.Context, id protocol.ID, deadline time.Time) (protocol.Message, error)
	Close() error
}

// requestID returns the id of msg when it is a request awaiting a response.
func requestID(msg any) (protocol.ID, bool) {
	var id protocol.ID
	switch m := msg.(type) {
	case *protocol.Request:
		if m != nil {
			id = m.ID
		}
	case protocol.Request:
		id = m.ID
	}
	return id, !id.IsZero()
}

var (
	_ Transport = (*HTTPTransport)(nil)
	_ Transport = (*StdioTransport)(nil)
)
