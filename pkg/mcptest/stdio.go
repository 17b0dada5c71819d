package mcptest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/jguan/mcpcheck/pkg/protocol"
)

// StdioOptions describe the principal a stdio server acts for.
type StdioOptions struct {
	Scopes []string
	UID    int
	// Quiet suppresses the startup notice on the diagnostic stream.
	Quiet bool
}

// ServeStdio answers line-delimited JSON-RPC from in on out until in is
// exhausted or ctx is cancelled. Diagnostics go to errOut and never to out.
func (s *Site) ServeStdio(ctx context.Context, opts StdioOptions, in io.Reader, out, errOut io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &conn{principal: Principal{Scopes: opts.Scopes, UID: opts.UID}}
	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	writeLine := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			fmt.Fprintf(errOut, "[error] marshal response: %v\n", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = out.Write(append(data, '\n'))
	}

	if !opts.Quiet {
		fmt.Fprintf(errOut, "[notice] MCP stdio server ready (scopes: %s)\n", strings.Join(opts.Scopes, ","))
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	defer wg.Wait()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		msg, ok, err := protocol.DecodeObject([]byte(line))
		if err != nil || !ok {
			writeLine(errorResponse(protocol.ID{}, protocol.CodeParseError, "parse error"))
			continue
		}

		// initialize is handled inline; everything after it sees a ready session.
		if msg.Method == protocol.MethodInitialize {
			if resp := s.handle(ctx, c, msg); resp != nil {
				writeLine(resp)
			}
			continue
		}

		wg.Add(1)
		go func(msg protocol.Message) {
			defer wg.Done()
			if resp := s.handle(ctx, c, msg); resp != nil {
				writeLine(resp)
			}
		}(msg)
	}
	return scanner.Err()
}

// StdioMain runs a stdio server for a fresh site with every tool module
// enabled, configured by command-line flags. It returns the exit code.
func StdioMain(args []string, in io.Reader, out, errOut io.Writer) int {
	fs := pflag.NewFlagSet("mcp-tools:serve", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	scope := fs.String("scope", ScopeRead, "Comma-separated scopes")
	uid := fs.Int("uid", 1, "Execution user id")
	quiet := fs.Bool("quiet", false, "Suppress the startup notice")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	site := NewSite()
	site.EnableModules("mcp_tools_cache", "mcp_tools_structure")

	opts := StdioOptions{UID: *uid, Quiet: *quiet}
	for _, sc := range strings.Split(*scope, ",") {
		if sc = strings.TrimSpace(sc); sc != "" {
			opts.Scopes = append(opts.Scopes, sc)
		}
	}

	if err := site.ServeStdio(context.Background(), opts, in, out, errOut); err != nil {
		fmt.Fprintf(errOut, "[error] %v\n", err)
		return 1
	}
	return 0
}
