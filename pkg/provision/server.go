package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jguan/mcpcheck/pkg/infra/logger"
)

// Server is a web server whose lifetime the harness manages.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// RequiredFiles lists files that must exist before Start.
	RequiredFiles() []string
}

// PHPServer runs PHP's built-in web server from the site's web root with
// Drupal's front-controller router.
type PHPServer struct {
	PHP     string
	WebRoot string
	Host    string
	Port    string
	Env     []string
	// Grace is how long Stop waits after SIGTERM before killing. Defaults
	// to 5s.
	Grace  time.Duration
	Logger *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

const routerScript = ".ht.router.php"

func (s *PHPServer) RequiredFiles() []string {
	return []string{filepath.Join(s.WebRoot, routerScript)}
}

func (s *PHPServer) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return errors.New("php server already running")
	}

	php := s.PHP
	if php == "" {
		php = "php"
	}
	addr := net.JoinHostPort(s.Host, s.Port)

	// The server outlives the start request, so it is not bound to ctx.
	cmd := exec.Command(php, "-S", addr, routerScript)
	cmd.Dir = s.WebRoot
	cmd.Env = append(append(os.Environ(), DrushEnv), s.Env...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start php server on %s: %w", addr, err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	s.cmd, s.done = cmd, done

	s.logger().Info("php server started", "addr", addr, "pid", cmd.Process.Pid, "web_root", s.WebRoot)
	return nil
}

// Stop terminates the server, escalating to kill after the grace period.
// Stopping a server that is not running is a no-op.
func (s *PHPServer) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	cmd, done := s.cmd, s.done
	s.cmd, s.done = nil, nil

	grace := s.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger().Warn("php server terminate failed", "error", err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}

	s.logger().Warn("php server ignored SIGTERM, killing", "pid", cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill php server: %w", err)
	}
	<-done
	return nil
}

func (s *PHPServer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logger.Default()
}
