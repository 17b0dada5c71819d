package mcptest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jguan/mcpcheck/pkg/failure"
	"github.com/jguan/mcpcheck/pkg/infra/logger"
	"github.com/jguan/mcpcheck/pkg/provision"
)

// Environment provisions a Site in memory and serves it on a loopback
// port. The port is reserved at construction so the base URL is known
// before the server starts.
type Environment struct {
	Site *Site

	opts   HTTPOptions
	logger *slog.Logger
	addr   string

	mu       sync.Mutex
	ln       net.Listener
	srv      *http.Server
	failures map[string]error
	calls    []string
}

var _ provision.Environment = (*Environment)(nil)

func NewEnvironment(site *Site, opts HTTPOptions) (*Environment, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("reserve port: %w", err)
	}
	l := opts.Logger
	if l == nil {
		l = logger.Discard()
	}
	return &Environment{
		Site:     site,
		opts:     opts,
		logger:   l,
		addr:     ln.Addr().String(),
		ln:       ln,
		failures: make(map[string]error),
	}, nil
}

func (e *Environment) BaseURL() string {
	return "http://" + e.addr
}

// FailOn makes the named operation (e.g. "CreateAPIKey") fail with err.
func (e *Environment) FailOn(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = err
}

// Calls lists the operations invoked so far, in order.
func (e *Environment) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

func (e *Environment) record(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, op)
	if err := e.failures[op]; err != nil {
		return failure.Wrap(failure.KindSetup, op, err)
	}
	return nil
}

func (e *Environment) RequireFiles(context.Context) error {
	return e.record("RequireFiles")
}

func (e *Environment) EnableFeatures(_ context.Context, names []string) error {
	if err := e.record("EnableFeatures"); err != nil {
		return err
	}
	e.Site.EnableModules(names...)
	return nil
}

func (e *Environment) SetConfig(_ context.Context, namespace, key string, value any) error {
	if err := e.record("SetConfig"); err != nil {
		return err
	}
	if err := e.Site.SetConfig(namespace, key, value); err != nil {
		return failure.Wrap(failure.KindSetup, "SetConfig", err)
	}
	return nil
}

func (e *Environment) RebuildCaches(context.Context) error {
	if err := e.record("RebuildCaches"); err != nil {
		return err
	}
	e.Site.RebuildCaches()
	return nil
}

func (e *Environment) CreateAPIKey(_ context.Context, label string, scopes []string) (string, error) {
	if err := e.record("CreateAPIKey"); err != nil {
		return "", err
	}
	return e.Site.CreateAPIKey(label, scopes), nil
}

func (e *Environment) CreateRole(_ context.Context, name string, permissions []string) error {
	if err := e.record("CreateRole"); err != nil {
		return err
	}
	e.Site.CreateRole(name, permissions)
	return nil
}

func (e *Environment) CreateUser(_ context.Context, name string) (int, error) {
	if err := e.record("CreateUser"); err != nil {
		return 0, err
	}
	return e.Site.CreateUser(name), nil
}

func (e *Environment) AssignRole(_ context.Context, userID int, role string) error {
	if err := e.record("AssignRole"); err != nil {
		return err
	}
	if err := e.Site.AssignRole(userID, role); err != nil {
		return failure.Wrap(failure.KindSetup, "AssignRole", err)
	}
	return nil
}

func (e *Environment) SetAllowedIPs(ctx context.Context, ips []string) error {
	return e.SetConfig(ctx, provision.RemoteSettings, provision.KeyAllowedIPs, ips)
}

func (e *Environment) StartServer(context.Context) error {
	if err := e.record("StartServer"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.srv != nil {
		return failure.New(failure.KindSetup, "StartServer", "server already running")
	}
	if e.ln == nil {
		ln, err := net.Listen("tcp", e.addr)
		if err != nil {
			return failure.Wrap(failure.KindSetup, "StartServer", err)
		}
		e.ln = ln
	}

	srv := &http.Server{
		Handler:           e.Site.Handler(e.opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln := e.ln
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("reference site stopped", "error", err)
		}
	}()
	e.srv = srv
	e.logger.Debug("reference site listening", "addr", e.addr)
	return nil
}

func (e *Environment) StopServer(ctx context.Context) error {
	if err := e.record("StopServer"); err != nil {
		return err
	}
	return e.Close(ctx)
}

// Close stops the server if running and releases the reserved port.
func (e *Environment) Close(ctx context.Context) error {
	e.mu.Lock()
	srv, ln := e.srv, e.ln
	e.srv, e.ln = nil, nil
	e.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (e *Environment) WaitUntilReady(ctx context.Context, url string, timeout time.Duration) error {
	if err := e.record("WaitUntilReady"); err != nil {
		return err
	}
	return provision.WaitUntilReady(ctx, nil, url, timeout, 20*time.Millisecond)
}
