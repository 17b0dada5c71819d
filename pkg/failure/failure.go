// Package failure defines the error taxonomy shared by every layer of a
// conformance run. Any failure is fatal: callers wrap and propagate, and
// the runner aborts on the first one.
package failure

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindSetup     Kind = "SETUP"
	KindTransport Kind = "TRANSPORT"
	KindProtocol  Kind = "PROTOCOL"
	KindTimeout   Kind = "TIMEOUT"
	KindScenario  Kind = "SCENARIO"
)

// Sentinels for errors.Is checks against a kind.
var (
	ErrSetup     = &Error{Kind: KindSetup}
	ErrTransport = &Error{Kind: KindTransport}
	ErrProtocol  = &Error{Kind: KindProtocol}
	ErrTimeout   = &Error{Kind: KindTimeout}
	ErrScenario  = &Error{Kind: KindScenario}
)

type Error struct {
	Kind    Kind   `json:"kind"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
	// Detail holds the raw material a human needs to diagnose the failure:
	// a mismatched payload, a response body, captured stderr.
	Detail string `json:"detail,omitempty"`
	Err    error  `json:"-"`
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// WithDetail returns a copy of e carrying detail.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// WithPayload renders v as indented JSON into the detail.
func (e *Error) WithPayload(v any) *Error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return e.WithDetail(fmt.Sprintf("%v", v))
	}
	return e.WithDetail(string(b))
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, e.Message)
	}
	if e.Detail != "" {
		msg += "\n" + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}
