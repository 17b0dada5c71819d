// Package session drives one MCP session over a transport: the initialize
// handshake, then tool listing and tool calls, with every response
// correlated to its request by id.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/jguan/mcpcheck/pkg/failure"
	"github.com/jguan/mcpcheck/pkg/infra/logger"
	"github.com/jguan/mcpcheck/pkg/protocol"
	"github.com/jguan/mcpcheck/pkg/transport"
)

// ErrInvalidState is returned for an operation attempted before the
// session reached the state it requires.
var ErrInvalidState = errors.New("session: invalid state")

// maxToolPages bounds tools/list cursor pagination.
const maxToolPages = 100

type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Timeouts bounds each kind of call. Request covers the handshake,
// tools/list and ping; ReadCall is the default for tools/call.
type Timeouts struct {
	Request  time.Duration
	ReadCall time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Request:  10 * time.Second,
		ReadCall: 30 * time.Second,
	}
}

// ServerIdentity is what initialize learned about the server.
type ServerIdentity struct {
	Name            string
	Version         string
	ProtocolVersion string
	SessionID       string
}

// ToolSet is the set of tool names a server advertises.
type ToolSet map[string]struct{}

func NewToolSet(names ...string) ToolSet {
	s := make(ToolSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s ToolSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the names in sorted order.
func (s ToolSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s ToolSet) Equal(o ToolSet) bool {
	if len(s) != len(o) {
		return false
	}
	for n := range s {
		if !o.Has(n) {
			return false
		}
	}
	return true
}

// Missing returns the names in want that s lacks, sorted.
func (s ToolSet) Missing(want ...string) []string {
	var missing []string
	for _, n := range want {
		if !s.Has(n) {
			missing = append(missing, n)
		}
	}
	sort.Strings(missing)
	return missing
}

type Option func(*Driver)

// WithFirstID sets the first request id of the session. Defaults to 1.
func WithFirstID(n int64) Option {
	return func(d *Driver) { d.seq = protocol.NewSequence(n) }
}

func WithTimeouts(t Timeouts) Option {
	return func(d *Driver) {
		if t.Request > 0 {
			d.timeouts.Request = t.Request
		}
		if t.ReadCall > 0 {
			d.timeouts.ReadCall = t.ReadCall
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithAPIKey sets the bearer credential sent on every HTTP request.
func WithAPIKey(key string) Option {
	return func(d *Driver) { d.sc.APIKey = key }
}

// RequireSessionID controls whether a successful initialize must carry an
// Mcp-Session-Id header. It defaults to true on HTTP transports.
func RequireSessionID(require bool) Option {
	return func(d *Driver) { d.requireSessionID = &require }
}

// TerminateOnClose makes Close end the HTTP session with a DELETE.
func TerminateOnClose(enabled bool) Option {
	return func(d *Driver) { d.terminate = enabled }
}

// sessionDeleter is implemented by transports that can end a server-side
// session explicitly.
type sessionDeleter interface {
	Delete(ctx context.Context, sc transport.SessionContext) (*transport.Exchange, error)
}

// Driver runs one session. It is not safe for concurrent use: calls are
// issued one at a time and each waits for its own response.
type Driver struct {
	t        transport.Transport
	seq      *protocol.Sequence
	state    State
	sc       transport.SessionContext
	timeouts Timeouts
	logger   *slog.Logger

	requireSessionID *bool
	terminate        bool
	acknowledged     bool

	// pending maps each outstanding request id to its deadline.
	pending  map[protocol.ID]time.Time
	identity ServerIdentity
}

// New returns a driver in the UNINITIALIZED state. The driver owns t and
// closes it in Close.
func New(t transport.Transport, opts ...Option) *Driver {
	d := &Driver{
		t:        t,
		seq:      protocol.NewSequence(1),
		state:    StateUninitialized,
		timeouts: DefaultTimeouts(),
		logger:   logger.Default(),
		pending:  make(map[protocol.ID]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.requireSessionID == nil {
		require := t.Kind() == transport.KindHTTP
		d.requireSessionID = &require
	}
	d.logger = d.logger.With("transport", string(t.Kind()))
	return d
}

func (d *Driver) State() State { return d.state }

func (d *Driver) SessionID() string { return d.sc.SessionID }

func (d *Driver) Identity() ServerIdentity { return d.identity }

func (d *Driver) Transport() transport.Transport { return d.t }

// Outstanding reports how many requests await a response.
func (d *Driver) Outstanding() int { return len(d.pending) }

// Initialize sends initialize and validates the reply. On HTTP it captures
// the session id for every later request.
func (d *Driver) Initialize(ctx context.Context, client protocol.Implementation, version string) (ServerIdentity, error) {
	if d.state != StateUninitialized {
		return ServerIdentity{}, d.invalid(protocol.MethodInitialize)
	}
	if version == "" {
		version = protocol.ProtocolVersion
	}
	d.state = StateInitializing

	params := protocol.InitializeParams{
		ProtocolVersion: version,
		Capabilities:    map[string]any{},
		ClientInfo:      client,
	}
	msg, ex, err := d.call(ctx, protocol.MethodInitialize, params, d.timeouts.Request)
	if err != nil {
		d.state = StateUninitialized
		return ServerIdentity{}, err
	}

	var res protocol.InitializeResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		d.state = StateUninitialized
		return ServerIdentity{}, failure.Wrap(failure.KindProtocol, protocol.MethodInitialize, err).
			WithDetail(string(msg.Raw))
	}
	if res.ServerInfo.Name == "" {
		d.state = StateUninitialized
		return ServerIdentity{}, failure.New(failure.KindProtocol, protocol.MethodInitialize,
			"result lacks serverInfo.name").WithDetail(string(msg.Raw))
	}

	sid := ex.SessionID()
	if sid == "" && *d.requireSessionID {
		d.state = StateUninitialized
		return ServerIdentity{}, failure.Newf(failure.KindScenario, protocol.MethodInitialize,
			"missing %s header after successful initialize", transport.HeaderSessionID).
			WithDetail(string(msg.Raw))
	}
	d.sc.SessionID = sid
	d.acknowledged = true

	d.identity = ServerIdentity{
		Name:            res.ServerInfo.Name,
		Version:         res.ServerInfo.Version,
		ProtocolVersion: res.ProtocolVersion,
		SessionID:       sid,
	}
	d.logger.Debug("session initialized",
		"server", d.identity.Name, "server_version", d.identity.Version, "session_id", sid)
	return d.identity, nil
}

// NotifyInitialized sends notifications/initialized and moves the session
// to READY. It does not wait for a reply; on HTTP the status must be 200
// or 202.
func (d *Driver) NotifyInitialized(ctx context.Context) error {
	if d.state != StateInitializing || !d.acknowledged {
		return d.invalid(protocol.MethodInitialized)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeouts.Request)
	defer cancel()

	ex, err := d.t.Send(ctx, protocol.NewNotification(protocol.MethodInitialized, nil), d.sc)
	if err != nil {
		return fmt.Errorf("%s: %w", protocol.MethodInitialized, err)
	}
	if ex != nil && ex.Status != http.StatusOK && ex.Status != http.StatusAccepted {
		return failure.Newf(failure.KindScenario, protocol.MethodInitialized,
			"expected HTTP 200 or 202, got %d", ex.Status).WithDetail(string(ex.Body))
	}

	d.state = StateReady
	return nil
}

// Handshake runs Initialize followed by NotifyInitialized.
func (d *Driver) Handshake(ctx context.Context, client protocol.Implementation, version string) (ServerIdentity, error) {
	id, err := d.Initialize(ctx, client, version)
	if err != nil {
		return ServerIdentity{}, err
	}
	if err := d.NotifyInitialized(ctx); err != nil {
		return ServerIdentity{}, err
	}
	return id, nil
}

// ListTools returns the names of every advertised tool, following
// nextCursor pagination.
func (d *Driver) ListTools(ctx context.Context) (ToolSet, error) {
	if d.state != StateReady {
		return nil, d.invalid(protocol.MethodToolsList)
	}

	tools := make(ToolSet)
	var cursor string
	for page := 0; page < maxToolPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		msg, _, err := d.call(ctx, protocol.MethodToolsList, params, d.timeouts.Request)
		if err != nil {
			return nil, err
		}

		var res struct {
			Tools      *[]protocol.Tool `json:"tools"`
			NextCursor string           `json:"nextCursor"`
		}
		if err := json.Unmarshal(msg.Result, &res); err != nil {
			return nil, failure.Wrap(failure.KindProtocol, protocol.MethodToolsList, err).WithDetail(string(msg.Raw))
		}
		if res.Tools == nil {
			return nil, failure.New(failure.KindProtocol, protocol.MethodToolsList,
				"result lacks tools array").WithDetail(string(msg.Raw))
		}
		for _, tool := range *res.Tools {
			tools[tool.Name] = struct{}{}
		}
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
	return nil, failure.Newf(failure.KindProtocol, protocol.MethodToolsList,
		"pagination did not end after %d pages", maxToolPages)
}

// CallTool invokes a tool and returns its result as-is. A timeout of zero
// uses the read-call default. Interpreting isError and structuredContent is
// left to the caller.
func (d *Driver) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*protocol.CallToolResult, error) {
	if d.state != StateReady {
		return nil, d.invalid(protocol.MethodToolsCall)
	}
	if timeout <= 0 {
		timeout = d.timeouts.ReadCall
	}
	if args == nil {
		args = map[string]any{}
	}

	op := fmt.Sprintf("%s %s", protocol.MethodToolsCall, name)
	msg, _, err := d.call(ctx, protocol.MethodToolsCall, protocol.CallToolParams{Name: name, Arguments: args}, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var res protocol.CallToolResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		return nil, failure.Wrap(failure.KindProtocol, op, err).WithDetail(string(msg.Raw))
	}
	res.Raw = msg.Result
	return &res, nil
}

// Ping checks the session is still live.
func (d *Driver) Ping(ctx context.Context) error {
	if d.state != StateReady {
		return d.invalid(protocol.MethodPing)
	}
	_, _, err := d.call(ctx, protocol.MethodPing, nil, d.timeouts.Request)
	return err
}

// Close ends the session and releases the transport. With TerminateOnClose
// an HTTP session is deleted on the server first; the outcome of that
// request is logged, not returned.
func (d *Driver) Close() error {
	if d.state == StateClosed {
		return nil
	}
	if del, ok := d.t.(sessionDeleter); ok && d.terminate && d.sc.SessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeouts.Request)
		ex, err := del.Delete(ctx, d.sc)
		cancel()
		switch {
		case err != nil:
			d.logger.Warn("session delete failed", "error", err)
		default:
			d.logger.Debug("session deleted", "status", ex.Status)
		}
	}
	d.state = StateClosed
	clear(d.pending)
	return d.t.Close()
}

// call issues one request and waits for the response with the same id.
// Any error member or a missing result fails the call.
func (d *Driver) call(ctx context.Context, method string, params any, timeout time.Duration) (protocol.Message, *transport.Exchange, error) {
	id := d.seq.Next()
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	d.pending[id] = deadline
	defer delete(d.pending, id)

	d.logger.Debug("sending request", "method", method, "id", id.String())
	start := time.Now()

	ex, err := d.t.Send(ctx, protocol.NewRequest(id, method, params), d.sc)
	if err != nil {
		return protocol.Message{}, ex, fmt.Errorf("%s: %w", method, err)
	}
	if ex != nil && ex.Status != http.StatusOK {
		return protocol.Message{}, ex, failure.Newf(failure.KindScenario, method,
			"expected HTTP 200, got %d", ex.Status).WithDetail(string(ex.Body))
	}

	msg, err := d.t.ReceiveByID(ctx, id, deadline)
	if err != nil {
		return protocol.Message{}, ex, fmt.Errorf("%s: %w", method, err)
	}
	d.logger.Debug("received response", "method", method, "id", id.String(),
		"duration_ms", time.Since(start).Milliseconds())

	if _, outstanding := d.pending[msg.ID]; !outstanding || !msg.Matches(id) {
		return protocol.Message{}, ex, failure.Newf(failure.KindProtocol, method,
			"response id %s does not match request id %s", msg.ID, id).WithDetail(string(msg.Raw))
	}
	if msg.Error != nil {
		return msg, ex, failure.Newf(failure.KindScenario, method,
			"server returned error %d: %s", msg.Error.Code, msg.Error.Message).WithDetail(string(msg.Raw))
	}
	if msg.Result == nil {
		return msg, ex, failure.New(failure.KindProtocol, method, "response lacks result").
			WithDetail(string(msg.Raw))
	}
	return msg, ex, nil
}

func (d *Driver) invalid(method string) error {
	return fmt.Errorf("%w: %s not allowed in state %s", ErrInvalidState, method, d.state)
}

// Probe sends one message outside any session and returns the raw
// exchange, so callers can observe transport-level rejections by status
// code. It requires a request/response transport.
func Probe(ctx context.Context, t transport.Transport, msg any, sc transport.SessionContext) (*transport.Exchange, error) {
	ex, err := t.Send(ctx, msg, sc)
	if err != nil {
		return ex, err
	}
	if ex == nil {
		return nil, failure.Newf(failure.KindTransport, "probe",
			"%s transport returns no exchange to inspect", t.Kind())
	}
	return ex, nil
}
