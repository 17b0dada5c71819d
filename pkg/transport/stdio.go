//go:build linux || darwin

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jguan/mcpcheck/pkg/codec"
	"github.com/jguan/mcpcheck/pkg/failure"
	"github.com/jguan/mcpcheck/pkg/infra/logger"
	"github.com/jguan/mcpcheck/pkg/protocol"
)

const (
	defaultPollInterval  = 100 * time.Millisecond
	defaultShutdownGrace = 5 * time.Second
	defaultDiagLimit     = 64 << 10
	readChunk            = 64 << 10
)

// StdioConfig describes the child process of a StdioTransport.
type StdioConfig struct {
	Command []string
	Dir     string
	// Env is appended to the harness environment.
	Env []string
	// PollInterval bounds each multiplexing wait. Defaults to 100ms.
	PollInterval time.Duration
	// ShutdownGrace is how long Close waits after closing stdin, and again
	// after SIGTERM, before escalating. Defaults to 5s.
	ShutdownGrace time.Duration
	// DiagnosticLimit caps the captured stderr bytes. Defaults to 64KiB.
	DiagnosticLimit int
	Logger          *slog.Logger
}

// StdioTransport owns one child process. Requests go to its stdin as single
// lines; replies come back one per line on stdout; stderr is captured as
// diagnostics and never parsed. Both output streams are read through
// non-blocking descriptors multiplexed with poll(2).
type StdioTransport struct {
	cfg    StdioConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File
	outFd  int
	errFd  int

	out     codec.StdoutDecoder
	errLine codec.LineDecoder
	diag    *tailBuffer
	inbox   *inbox

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
	closed    bool
}

// NewStdioTransport spawns the child and starts capturing its output.
func NewStdioTransport(cfg StdioConfig) (*StdioTransport, error) {
	if len(cfg.Command) == 0 {
		return nil, failure.New(failure.KindSetup, "stdio spawn", "empty command")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.DiagnosticLimit <= 0 {
		cfg.DiagnosticLimit = defaultDiagLimit
	}
	l := cfg.Logger
	if l == nil {
		l = logger.Default()
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, failure.Wrap(failure.KindSetup, "stdio pipe", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, failure.Wrap(failure.KindSetup, "stdio pipe", err)
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stdout = outW
	cmd.Stderr = errW
	// Own process group so shutdown signals reach grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, failure.Wrap(failure.KindSetup, "stdio pipe", err)
	}

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, failure.Wrap(failure.KindSetup, "stdio spawn", err).
			WithDetail(fmt.Sprintf("command: %q", cfg.Command))
	}
	// The child holds its own copies of the write ends.
	closeAll(outW, errW)

	t := &StdioTransport{
		cfg:    cfg,
		logger: l.With("pid", cmd.Process.Pid),
		cmd:    cmd,
		stdin:  stdin,
		stdout: outR,
		stderr: errR,
		diag:   newTailBuffer(cfg.DiagnosticLimit),
		inbox:  newInbox(0),
		exited: make(chan struct{}),
	}

	go func() {
		t.waitErr = cmd.Wait()
		close(t.exited)
	}()

	t.outFd = int(outR.Fd())
	t.errFd = int(errR.Fd())
	for _, fd := range []int{t.outFd, t.errFd} {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Close()
			return nil, failure.Wrap(failure.KindSetup, "stdio nonblock", err)
		}
	}

	t.logger.Debug("stdio child started", "command", cfg.Command)
	return t, nil
}

func (t *StdioTransport) Kind() Kind { return KindStdio }

// Pid returns the child's process id.
func (t *StdioTransport) Pid() int { return t.cmd.Process.Pid }

// Diagnostics returns the captured stderr text verbatim.
func (t *StdioTransport) Diagnostics() string { return t.diag.String() }

// Exited reports whether the child has terminated.
func (t *StdioTransport) Exited() bool {
	select {
	case <-t.exited:
		return true
	default:
		return false
	}
}

// Send writes msg as one line to the child's stdin. The session context is
// unused: the process lifetime is the session.
func (t *StdioTransport) Send(_ context.Context, msg any, _ SessionContext) (*Exchange, error) {
	if t.closed {
		return nil, failure.New(failure.KindTransport, "stdio send", "transport closed")
	}
	if t.Exited() {
		return nil, t.exitFailure("stdio send")
	}

	line, err := codec.EncodeLine(msg)
	if err != nil {
		return nil, failure.Wrap(failure.KindProtocol, "stdio send", err)
	}

	// Keep the child from stalling on a full stderr pipe.
	if err := t.drain(); err != nil {
		return nil, err
	}

	// Register only now: anything drained above for this id predates it.
	id, isRequest := requestID(msg)
	if isRequest {
		t.inbox.expect(id)
	}
	if _, err := t.stdin.Write(line); err != nil {
		t.inbox.forget(id)
		if t.Exited() {
			return nil, t.exitFailure("stdio send")
		}
		return nil, failure.Wrap(failure.KindTransport, "stdio send", err).WithDetail(t.Diagnostics())
	}
	return nil, nil
}

// ReceiveByID polls stdout and stderr until a response with id arrives, the
// deadline passes, ctx ends, or the child exits. Responses to other
// outstanding requests are held for a later call; on failure id is no
// longer awaited, so a late reply is discarded.
func (t *StdioTransport) ReceiveByID(ctx context.Context, id protocol.ID, deadline time.Time) (_ protocol.Message, err error) {
	defer func() {
		if err != nil {
			t.inbox.forget(id)
		}
	}()

	if m, ok := t.inbox.take(id); ok {
		return m, nil
	}
	if t.closed {
		return protocol.Message{}, failure.New(failure.KindTransport, "stdio receive", "transport closed")
	}

	op := fmt.Sprintf("stdio receive id=%s", id)
	for {
		if err := ctx.Err(); err != nil {
			kind := failure.KindTransport
			if errors.Is(err, context.DeadlineExceeded) {
				kind = failure.KindTimeout
			}
			return protocol.Message{}, (&failure.Error{Kind: kind, Op: op, Message: err.Error(), Err: err}).
				WithDetail(t.Diagnostics())
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Message{}, failure.Newf(failure.KindTimeout, op,
				"timed out waiting for response id=%s", id).WithDetail(t.Diagnostics())
		}

		if err := t.poll(min(t.cfg.PollInterval, remaining)); err != nil {
			return protocol.Message{}, err
		}
		if m, ok := t.inbox.take(id); ok {
			return m, nil
		}

		if t.Exited() {
			// Output written just before exit may still sit in the pipes.
			if err := t.drain(); err != nil {
				return protocol.Message{}, err
			}
			if m, ok := t.inbox.take(id); ok {
				return m, nil
			}
			return protocol.Message{}, t.exitFailure(op)
		}
	}
}

// Close ends the child: stdin is closed first, then SIGTERM and finally
// SIGKILL are sent to its process group if it outlives the grace period.
// Descriptors are always released. Close is idempotent.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed = true
		if t.stdin != nil {
			_ = t.stdin.Close()
		}

		if !t.waitExit(t.cfg.ShutdownGrace) {
			t.logger.Debug("stdio child ignored end of input, sending SIGTERM")
			t.closeErr = t.signal(unix.SIGTERM)
			if !t.waitExit(t.cfg.ShutdownGrace) {
				t.logger.Warn("stdio child ignored SIGTERM, killing")
				t.closeErr = t.signal(unix.SIGKILL)
				<-t.exited
			}
		}

		// Keep whatever the child said last.
		_ = t.drain()
		closeAll(t.stdout, t.stderr)
		t.inbox.clear()
	})
	return t.closeErr
}

// ExitCode returns the child's exit status, or -1 while it is running.
func (t *StdioTransport) ExitCode() int {
	if !t.Exited() {
		return -1
	}
	return t.cmd.ProcessState.ExitCode()
}

func (t *StdioTransport) waitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.exited:
		return true
	case <-timer.C:
		return false
	}
}

func (t *StdioTransport) signal(sig syscall.Signal) error {
	pid := t.cmd.Process.Pid
	err := unix.Kill(-pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	// Fall back to the child alone if the group is gone or not ours.
	if err := t.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %v: %w", sig, err)
	}
	return nil
}

// poll waits up to d for either stream to become readable and drains
// whatever is available.
func (t *StdioTransport) poll(d time.Duration) error {
	fds := []unix.PollFd{
		{Fd: int32(t.outFd), Events: unix.POLLIN},
		{Fd: int32(t.errFd), Events: unix.POLLIN},
	}
	ms := int(d / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}

	n, err := unix.Poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return failure.Wrap(failure.KindTransport, "stdio poll", err)
	}
	if n == 0 {
		return nil
	}
	return t.drain()
}

// drain reads both streams until they would block.
func (t *StdioTransport) drain() error {
	if t.errFd >= 0 {
		eof, err := t.readAll(t.errFd, t.onStderr)
		if err != nil {
			return err
		}
		if eof {
			t.errFd = -1
			t.flushStderr()
		}
	}
	if t.outFd >= 0 {
		eof, err := t.readAll(t.outFd, t.onStdout)
		if err != nil {
			return err
		}
		if eof {
			t.outFd = -1
			msgs, err := t.out.Flush()
			t.accept(msgs)
			if err != nil {
				return t.framingFailure(err)
			}
		}
	}
	return nil
}

func (t *StdioTransport) readAll(fd int, sink func([]byte) error) (eof bool, err error) {
	buf := make([]byte, readChunk)
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case n > 0:
			if err := sink(buf[:n]); err != nil {
				return false, err
			}
		case err == nil:
			return true, nil
		case errors.Is(err, unix.EAGAIN):
			return false, nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return false, failure.Wrap(failure.KindTransport, "stdio read", err)
		}
	}
}

func (t *StdioTransport) onStdout(chunk []byte) error {
	msgs, err := t.out.Feed(chunk)
	t.accept(msgs)
	if err != nil {
		return t.framingFailure(err)
	}
	return nil
}

func (t *StdioTransport) onStderr(chunk []byte) error {
	t.diag.Write(chunk)
	for _, line := range t.errLine.Feed(chunk) {
		if len(line) > 0 {
			t.logger.Debug("stdio stderr", "line", string(line))
		}
	}
	return nil
}

func (t *StdioTransport) flushStderr() {
	if rest := t.errLine.Flush(); rest != nil {
		t.logger.Debug("stdio stderr", "line", string(rest))
	}
}

func (t *StdioTransport) accept(msgs []protocol.Message) {
	for _, m := range msgs {
		if m.Kind() != protocol.KindResponse {
			t.logger.Debug("ignoring non-response message on stdout", "method", m.Method)
			continue
		}
		if !t.inbox.put(m) {
			t.logger.Debug("discarding unsolicited or duplicate response", "id", m.ID.String())
		}
	}
}

func (t *StdioTransport) framingFailure(err error) error {
	return failure.Wrap(failure.KindProtocol, "stdio framing", err).WithDetail(t.Diagnostics())
}

func (t *StdioTransport) exitFailure(op string) error {
	code := -1
	if t.cmd.ProcessState != nil {
		code = t.cmd.ProcessState.ExitCode()
	}
	return (&failure.Error{
		Kind:    failure.KindTransport,
		Op:      op,
		Message: fmt.Sprintf("stdio server exited early with code %d", code),
		Err:     t.waitErr,
	}).WithDetail("STDERR:\n" + t.Diagnostics())
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append([]byte(nil), b.buf[over:]...)
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
