//go:build !linux && !darwin

package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/jguan/mcpcheck/pkg/failure"
	"github.com/jguan/mcpcheck/pkg/protocol"
)

type StdioConfig struct {
	Command         []string
	Dir             string
	Env             []string
	PollInterval    time.Duration
	ShutdownGrace   time.Duration
	DiagnosticLimit int
	Logger          *slog.Logger
}

// StdioTransport needs poll(2) on pipe descriptors and is not available on
// this platform.
type StdioTransport struct{}

func NewStdioTransport(StdioConfig) (*StdioTransport, error) {
	return nil, failure.New(failure.KindSetup, "stdio spawn", "stdio transport is not supported on this platform")
}

func (t *StdioTransport) Kind() Kind          { return KindStdio }
func (t *StdioTransport) Diagnostics() string { return "" }
func (t *StdioTransport) Close() error        { return nil }

func (t *StdioTransport) Send(context.Context, any, SessionContext) (*Exchange, error) {
	return nil, failure.New(failure.KindTransport, "stdio send", "unsupported platform")
}

func (t *StdioTransport) ReceiveByID(context.Context, protocol.ID, time.Time) (protocol.Message, error) {
	return protocol.Message{}, failure.New(failure.KindTransport, "stdio receive", "unsupported platform")
}
