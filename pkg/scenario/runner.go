// Package scenario runs the conformance plan: environment setup, then each
// selected scenario in order over a fresh session, producing a Report.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jguan/mcpcheck/pkg/config"
	"github.com/jguan/mcpcheck/pkg/failure"
	"github.com/jguan/mcpcheck/pkg/infra/logger"
	"github.com/jguan/mcpcheck/pkg/protocol"
	"github.com/jguan/mcpcheck/pkg/provision"
	"github.com/jguan/mcpcheck/pkg/session"
	"github.com/jguan/mcpcheck/pkg/transport"
)

// probeID is the request id of one-shot probes sent outside a session.
const probeID = 999

// contentTypeArgs creates the content type used by the config-only scenario.
var contentTypeArgs = map[string]any{
	"id":          "mcp_ci_type",
	"label":       "MCP CI Type",
	"description": "",
	"create_body": false,
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for the run.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithHTTPClient sets the client used by HTTP scenarios.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.httpClient = c }
}

// WithCommandRenderer wraps every stdio command line before it is started,
// e.g. to run it inside a container.
func WithCommandRenderer(render func([]string) []string) Option {
	return func(r *Runner) {
		if render == nil {
			return
		}
		base := r.stdioCommand
		r.stdioCommand = func(scope string) []string { return render(base(scope)) }
	}
}

// WithStdioProcess replaces the stdio child entirely. command receives the
// scope list of the scenario.
func WithStdioProcess(command func(scope string) []string, dir string, env []string) Option {
	return func(r *Runner) {
		r.stdioCommand = command
		r.stdioDir = dir
		r.stdioEnv = env
	}
}

// Runner executes the plan against one environment. A Runner is used for a
// single run.
type Runner struct {
	cfg    *config.Config
	env    provision.Environment
	logger *slog.Logger

	httpClient   *http.Client
	stdioCommand func(scope string) []string
	stdioDir     string
	stdioEnv     []string

	readKey  string
	writeKey string
	serving  bool
}

func NewRunner(cfg *config.Config, env provision.Environment, opts ...Option) *Runner {
	r := &Runner{
		cfg:          cfg,
		env:          env,
		logger:       logger.Default(),
		stdioCommand: cfg.StdioCommand,
		stdioEnv:     []string{provision.DrushEnv},
	}
	if cfg.Setup.DockerContainer == "" {
		r.stdioDir = cfg.General.DrupalRoot
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run provisions the environment and executes the selected scenarios in
// plan order. It stops at the first failing scenario; later ones are
// reported as skipped. The returned error is the first failure, and the
// report is complete either way unless the selection itself is invalid.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	sel, err := selectScenarios(r.cfg.Run.Transports, r.cfg.Run.Scenarios)
	if err != nil {
		return nil, failure.Wrap(failure.KindSetup, "select scenarios", err)
	}

	start := time.Now()
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: start,
		Setup:     Result{Name: "setup"},
	}
	ctx = logger.SetRunID(ctx, report.RunID)
	log := logger.Enrich(ctx, r.logger)
	log.Info("run started", "scenarios", len(sel.plan)-len(sel.skipped))

	defer r.teardown(ctx, log)

	runErr := r.setup(ctx, sel, log)
	report.Setup.finish(start, runErr)
	if runErr != nil {
		log.Error("setup failed", "error", runErr)
	}

	var failed string
	for _, sc := range sel.plan {
		res := Result{Name: sc.Name, Transport: string(sc.Transport), Description: sc.Description}
		switch {
		case !sel.runs(sc.Name):
			res.Status = StatusSkip
			res.SkipReason = sel.skipped[sc.Name]
		case report.Setup.Status == StatusFail:
			res.Status = StatusSkip
			res.SkipReason = "setup failed"
		case failed != "":
			res.Status = StatusSkip
			res.SkipReason = "aborted after " + failed
		default:
			t0 := time.Now()
			err := r.runScenario(ctx, sc)
			res.finish(t0, err)
			if err != nil {
				failed = sc.Name
				runErr = fmt.Errorf("%s: %w", sc.Name, err)
			}
		}
		report.Scenarios = append(report.Scenarios, res)
	}

	report.Passed = runErr == nil
	report.DurationMS = time.Since(start).Milliseconds()
	pass, fail, skip := report.Counts()
	log.Info("run finished", "passed", pass, "failed", fail, "skipped", skip, "duration", time.Since(start))
	return report, runErr
}

func (r *Runner) runScenario(ctx context.Context, sc Scenario) error {
	ctx = logger.SetTransport(logger.SetScenario(ctx, sc.Name), string(sc.Transport))
	log := logger.Enrich(ctx, r.logger)
	log.Info("scenario started")
	start := time.Now()
	if err := sc.run(r, ctx); err != nil {
		attrs := []any{"error", err, "duration", time.Since(start)}
		var fe *failure.Error
		if errors.As(err, &fe) && fe.Detail != "" {
			attrs = append(attrs, "detail", fe.Detail)
		}
		log.Error("scenario failed", attrs...)
		return err
	}
	log.Info("scenario passed", "duration", time.Since(start))
	return nil
}

// setup brings the site to the baseline every scenario assumes. Keys and
// the web server are only provisioned when an HTTP scenario is selected.
func (r *Runner) setup(ctx context.Context, sel *selection, log *slog.Logger) error {
	s := r.cfg.Setup
	steps := []struct {
		name string
		fn   func() error
	}{
		{"require files", func() error { return r.env.RequireFiles(ctx) }},
		{"enable modules", func() error { return r.env.EnableFeatures(ctx, s.Modules) }},
		{"enable remote endpoint", func() error {
			return r.env.SetConfig(ctx, provision.RemoteSettings, provision.KeyEnabled, true)
		}},
		{"reset config-only mode", func() error {
			return r.env.SetConfig(ctx, provision.ToolsSettings, provision.KeyConfigOnly, false)
		}},
		{"reset allowlist", func() error { return r.env.SetAllowedIPs(ctx, nil) }},
		{"rebuild caches", func() error { return r.env.RebuildCaches(ctx) }},
	}
	if s.ExecutionUser != "" {
		steps = append(steps, struct {
			name string
			fn   func() error
		}{"execution user", func() error { return r.executionUser(ctx) }})
	}

	for _, step := range steps {
		log.Debug("setup step", "step", step.name)
		if err := step.fn(); err != nil {
			return asSetup(step.name, err)
		}
	}

	if !sel.uses(transport.KindHTTP) {
		return nil
	}
	if err := r.createKeys(ctx); err != nil {
		return err
	}
	if err := r.env.StartServer(ctx); err != nil {
		return asSetup("start server", err)
	}
	r.serving = true
	if err := r.env.WaitUntilReady(ctx, r.cfg.General.BaseURL, r.cfg.Timeouts.ReadinessD); err != nil {
		return asSetup("wait for server", err)
	}
	log.Info("environment ready", "endpoint", r.cfg.Endpoint())
	return nil
}

// executionUser creates the account remote calls run as and grants it the
// configured tool categories.
func (r *Runner) executionUser(ctx context.Context) error {
	s := r.cfg.Setup
	perms := make([]string, len(s.RoleCategories))
	for i, c := range s.RoleCategories {
		perms[i] = provision.PermissionPrefix + c
	}
	if err := r.env.CreateRole(ctx, s.ExecutionRole, perms); err != nil {
		return err
	}
	uid, err := r.env.CreateUser(ctx, s.ExecutionUser)
	if err != nil {
		return err
	}
	if err := r.env.AssignRole(ctx, uid, s.ExecutionRole); err != nil {
		return err
	}
	return r.env.SetConfig(ctx, provision.RemoteSettings, provision.KeyRemoteUID, uid)
}

func (r *Runner) createKeys(ctx context.Context) error {
	var err error
	r.readKey, err = r.env.CreateAPIKey(ctx, r.cfg.Client.Name+" read", []string{"read"})
	if err != nil {
		return asSetup("create read key", err)
	}
	r.writeKey, err = r.env.CreateAPIKey(ctx, r.cfg.Client.Name+" write", []string{"read", "write"})
	if err != nil {
		return asSetup("create write key", err)
	}
	return nil
}

func (r *Runner) teardown(ctx context.Context, log *slog.Logger) {
	if !r.serving {
		return
	}
	r.serving = false
	if err := r.env.StopServer(context.WithoutCancel(ctx)); err != nil {
		log.Warn("stop server", "error", err)
	}
}

// asSetup classifies a collaborator error as a setup failure.
func asSetup(op string, err error) error {
	if kind, ok := failure.KindOf(err); ok && kind == failure.KindSetup {
		return err
	}
	return failure.Wrap(failure.KindSetup, op, err)
}

func (r *Runner) client(name string) protocol.Implementation {
	return protocol.Implementation{Name: name, Version: r.cfg.Client.Version}
}

func (r *Runner) httpTransport(ctx context.Context) *transport.HTTPTransport {
	opts := []transport.HTTPOption{transport.WithHTTPLogger(logger.Enrich(ctx, r.logger))}
	if r.httpClient != nil {
		opts = append(opts, transport.WithHTTPClient(r.httpClient))
	}
	return transport.NewHTTPTransport(r.cfg.Endpoint(), opts...)
}

// sessionLogger carries run and scenario; the driver adds the transport.
func (r *Runner) sessionLogger(ctx context.Context) *slog.Logger {
	return r.logger.With("run_id", logger.GetRunID(ctx), "scenario", logger.GetScenario(ctx))
}

func (r *Runner) httpSession(ctx context.Context, key string) *session.Driver {
	t := r.cfg.Timeouts
	return session.New(r.httpTransport(ctx),
		session.WithTimeouts(session.Timeouts{Request: t.RequestD, ReadCall: t.ReadCallD}),
		session.WithLogger(r.sessionLogger(ctx)),
		session.WithAPIKey(key),
		session.TerminateOnClose(r.cfg.Client.TerminateSessions),
	)
}

// handshake initializes d and checks the server identifies as expected.
func (r *Runner) handshake(ctx context.Context, d *session.Driver, clientName string) error {
	id, err := d.Handshake(ctx, r.client(clientName), r.cfg.Client.ProtocolVersion)
	if err != nil {
		return err
	}
	if want := r.cfg.Client.ExpectedServerName; want != "" && id.Name != want {
		return failure.Newf(failure.KindScenario, "initialize", "server name %q, want %q", id.Name, want)
	}
	return nil
}

// listTools lists the tools twice, requiring want to be present and both
// listings to agree.
func listTools(ctx context.Context, d *session.Driver, want ...string) error {
	tools, err := d.ListTools(ctx)
	if err != nil {
		return err
	}
	if missing := tools.Missing(want...); len(missing) > 0 {
		return failure.Newf(failure.KindScenario, "tools/list", "tools not registered: %s",
			strings.Join(missing, ", ")).WithDetail(strings.Join(tools.Names(), "\n"))
	}
	again, err := d.ListTools(ctx)
	if err != nil {
		return err
	}
	if !tools.Equal(again) {
		return failure.New(failure.KindScenario, "tools/list", "tool listing changed between calls").
			WithDetail(fmt.Sprintf("first: %v\nsecond: %v", tools.Names(), again.Names()))
	}
	return nil
}

func closeDriver(d *session.Driver, errp *error) {
	if err := d.Close(); err != nil && *errp == nil {
		*errp = failure.Wrap(failure.KindTransport, "close", err)
	}
}

func (r *Runner) unauthenticated(ctx context.Context) error {
	t := r.httpTransport(ctx)
	defer t.Close()

	req := protocol.NewRequest(protocol.IntID(probeID), protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: r.cfg.Client.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      r.client(r.cfg.Client.Name),
	})
	pctx, cancel := context.WithTimeout(ctx, r.cfg.Timeouts.RequestD)
	defer cancel()
	ex, err := session.Probe(pctx, t, req, transport.SessionContext{})
	if err != nil {
		return err
	}
	if err := expectRejected("initialize without API key", ex, http.StatusUnauthorized); err != nil {
		return err
	}
	if challenge := ex.Header.Get("WWW-Authenticate"); !strings.HasPrefix(challenge, "Bearer") {
		return failure.Newf(failure.KindScenario, "initialize without API key",
			"401 without a Bearer challenge (WWW-Authenticate: %q)", challenge)
	}
	return nil
}

// httpScope runs the read-then-write sequence with key and expects the
// cache clear to end in want.
func (r *Runner) httpScope(ctx context.Context, key string, want Outcome) (err error) {
	d := r.httpSession(ctx, key)
	defer closeDriver(d, &err)

	if err := r.handshake(ctx, d, r.cfg.Client.Name); err != nil {
		return err
	}
	if err := listTools(ctx, d, ToolSiteStatus, ToolCacheClear); err != nil {
		return err
	}
	res, err := d.CallTool(ctx, ToolSiteStatus, nil, r.cfg.Timeouts.ReadCallD)
	if err != nil {
		return err
	}
	if err := expectOutcome(ToolSiteStatus, res, OutcomeAllowed); err != nil {
		return err
	}
	res, err = d.CallTool(ctx, ToolCacheClear, nil, r.cfg.Timeouts.WriteCallD)
	if err != nil {
		return err
	}
	return expectOutcome(ToolCacheClear, res, want)
}

func (r *Runner) setConfigOnly(ctx context.Context, on bool) error {
	if err := r.env.SetConfig(ctx, provision.ToolsSettings, provision.KeyConfigOnly, on); err != nil {
		return asSetup("set config-only mode", err)
	}
	if err := r.env.RebuildCaches(ctx); err != nil {
		return asSetup("rebuild caches", err)
	}
	return nil
}

// configOnly turns config-only mode on for the duration of one write-key
// session: config writes pass, operational writes are denied.
func (r *Runner) configOnly(ctx context.Context) (err error) {
	if err := r.setConfigOnly(ctx, true); err != nil {
		return err
	}
	defer func() {
		if rerr := r.setConfigOnly(context.WithoutCancel(ctx), false); rerr != nil && err == nil {
			err = rerr
		}
	}()

	d := r.httpSession(ctx, r.writeKey)
	defer closeDriver(d, &err)

	if err := r.handshake(ctx, d, r.cfg.Client.Name+"_config_only"); err != nil {
		return err
	}
	if err := listTools(ctx, d, ToolCreateContentType, ToolCacheClear); err != nil {
		return err
	}
	res, err := d.CallTool(ctx, ToolCreateContentType, contentTypeArgs, r.cfg.Timeouts.WriteCallD)
	if err != nil {
		return err
	}
	if err := expectOutcome(ToolCreateContentType, res, OutcomeAllowed); err != nil {
		return err
	}
	res, err = d.CallTool(ctx, ToolCacheClear, nil, r.cfg.Timeouts.WriteCallD)
	if err != nil {
		return err
	}
	return expectOutcome(ToolCacheClear, res, OutcomeDenied)
}

// allowlist restricts the endpoint to an address the harness does not use
// and expects a valid key to be turned away.
func (r *Runner) allowlist(ctx context.Context) (err error) {
	if err := r.env.SetAllowedIPs(ctx, []string{r.cfg.Setup.DeniedIP}); err != nil {
		return asSetup("set allowlist", err)
	}
	defer func() {
		if rerr := r.env.SetAllowedIPs(context.WithoutCancel(ctx), nil); rerr != nil && err == nil {
			err = asSetup("reset allowlist", rerr)
		}
	}()

	t := r.httpTransport(ctx)
	defer t.Close()

	req := protocol.NewRequest(protocol.IntID(probeID), protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: r.cfg.Client.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      r.client(r.cfg.Client.Name),
	})
	pctx, cancel := context.WithTimeout(ctx, r.cfg.Timeouts.RequestD)
	defer cancel()
	ex, err := session.Probe(pctx, t, req, transport.SessionContext{APIKey: r.writeKey})
	if err != nil {
		return err
	}
	return expectRejected("initialize from outside the allowlist", ex, http.StatusNotFound)
}

// stdioScope starts the stdio server with scope and runs the read-then-write
// sequence over it.
func (r *Runner) stdioScope(ctx context.Context, scope string, want Outcome) (err error) {
	tm := r.cfg.Timeouts
	t, err := transport.NewStdioTransport(transport.StdioConfig{
		Command:       r.stdioCommand(scope),
		Dir:           r.stdioDir,
		Env:           r.stdioEnv,
		PollInterval:  tm.PollIntervalD,
		ShutdownGrace: tm.ShutdownGraceD,
		Logger:        logger.Enrich(ctx, r.logger),
	})
	if err != nil {
		return err
	}
	d := session.New(t,
		session.WithTimeouts(session.Timeouts{Request: tm.StdioResponseD, ReadCall: tm.StdioResponseD}),
		session.WithLogger(r.sessionLogger(ctx)),
	)
	defer func() {
		closeDriver(d, &err)
		err = withDiagnostics(err, t.Diagnostics())
	}()

	if err := r.handshake(ctx, d, r.cfg.Client.Name+"_stdio"); err != nil {
		return err
	}
	if err := listTools(ctx, d, ToolSiteStatus, ToolCacheClear); err != nil {
		return err
	}
	res, err := d.CallTool(ctx, ToolSiteStatus, nil, max(tm.ReadCallD, tm.StdioResponseD))
	if err != nil {
		return err
	}
	if err := expectOutcome(ToolSiteStatus, res, OutcomeAllowed); err != nil {
		return err
	}
	if _, ok := res.Field("data.drupal_version"); !ok {
		return failure.New(failure.KindScenario, ToolSiteStatus, "site status has no data.drupal_version").
			WithPayload(payload(res))
	}
	res, err = d.CallTool(ctx, ToolCacheClear, nil, max(tm.WriteCallD, tm.StdioResponseD))
	if err != nil {
		return err
	}
	return expectOutcome(ToolCacheClear, res, want)
}

// withDiagnostics appends the child's stderr tail to the detail of err,
// unless the detail already carries it. The message of any wrapping around
// the failure is kept.
func withDiagnostics(err error, diag string) error {
	if err == nil || diag == "" {
		return err
	}
	block := "stderr:\n" + diag

	var fe *failure.Error
	if !errors.As(err, &fe) {
		return fmt.Errorf("%w\n%s", err, block)
	}
	if strings.Contains(fe.Detail, diag) {
		return err
	}
	detail := block
	if fe.Detail != "" {
		detail = fe.Detail + "\n" + block
	}
	enriched := fe.WithDetail(detail)

	prefix, ok := strings.CutSuffix(err.Error(), fe.Error())
	switch {
	case !ok:
		return fmt.Errorf("%w\n%s", err, block)
	case prefix == "":
		return enriched
	default:
		return fmt.Errorf("%s%w", prefix, enriched)
	}
}
