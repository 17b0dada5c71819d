package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/jguan/mcpcheck/pkg/infra/docker"
	"github.com/jguan/mcpcheck/pkg/infra/logger"
)

// DrushEnv keeps Symfony deprecation notices out of command output.
const DrushEnv = "SYMFONY_DEPRECATIONS_HELPER=disabled"

// CommandError is a command that ran and exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s exited with code %d:\n%s",
		strings.Join(e.Args, " "), e.ExitCode, RedactAPIKeys(strings.TrimSpace(e.Output)))
}

// CommandRunner runs one command to completion and returns its combined
// output.
type CommandRunner interface {
	Run(ctx context.Context, args []string) (string, error)
}

// LocalRunner runs commands on this host.
type LocalRunner struct {
	Dir    string
	Env    []string
	Logger *slog.Logger
}

func (r *LocalRunner) Run(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("empty command")
	}
	l := r.Logger
	if l == nil {
		l = logger.Default()
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	l.Debug("running command", "args", args, "dir", r.Dir)
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), &CommandError{Args: args, ExitCode: exitErr.ExitCode(), Output: out.String()}
		}
		return out.String(), fmt.Errorf("run %s: %w", args[0], err)
	}
	return out.String(), nil
}

// DockerRunner runs commands inside an existing container.
type DockerRunner struct {
	Client     docker.Client
	Container  string
	WorkingDir string
	User       string
	Env        []string
	Logger     *slog.Logger
}

func (r *DockerRunner) Run(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("empty command")
	}
	l := r.Logger
	if l == nil {
		l = logger.Default()
	}

	l.Debug("running command in container", "container", r.Container, "args", args)
	res, err := r.Client.Exec(ctx, r.Container, docker.ExecOptions{
		Cmd:        args,
		Env:        r.Env,
		WorkingDir: r.WorkingDir,
		User:       r.User,
	})
	if err != nil {
		return "", fmt.Errorf("exec in %s: %w", r.Container, err)
	}

	out := res.Stdout + res.Stderr
	if res.ExitCode != 0 {
		return out, &CommandError{Args: args, ExitCode: res.ExitCode, Output: out}
	}
	return out, nil
}

// Command renders args as the command line that runs them through r, for
// processes the caller drives itself.
func (r *DockerRunner) Command(args []string) []string {
	return docker.ExecArgs(r.Container, docker.ExecOptions{
		Cmd:        args,
		Env:        r.Env,
		WorkingDir: r.WorkingDir,
		User:       r.User,
	})
}
