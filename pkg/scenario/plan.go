package scenario

import (
	"context"
	"fmt"
	"slices"

	"github.com/jguan/mcpcheck/pkg/transport"
)

// Tools the plan calls.
const (
	ToolSiteStatus        = "mcp_tools_get_site_status"
	ToolCacheClear        = "mcp_cache_clear_all"
	ToolCreateContentType = "mcp_structure_create_content_type"
)

// Scenario names, in plan order.
const (
	HTTPUnauthenticated = "http_unauthenticated_rejected"
	HTTPReadScope       = "http_read_scope_denies_write"
	HTTPWriteScope      = "http_write_scope_allows_write"
	HTTPConfigOnly      = "http_config_only_mode"
	HTTPAllowlist       = "http_ip_allowlist_rejects"
	StdioReadScope      = "stdio_read_scope_denies_write"
	StdioWriteScope     = "stdio_write_scope_allows_write"
)

// Scenario is one fixed sequence of session calls with asserted outcomes.
type Scenario struct {
	Name        string
	Transport   transport.Kind
	Description string
	run         func(r *Runner, ctx context.Context) error
}

// Plan returns every scenario in the order they run. Order matters: the
// config-only and allowlist scenarios change site state and restore it.
func Plan() []Scenario {
	return []Scenario{
		{
			Name:        HTTPUnauthenticated,
			Transport:   transport.KindHTTP,
			Description: "initialize without an API key is rejected with 401",
			run:         (*Runner).unauthenticated,
		},
		{
			Name:        HTTPReadScope,
			Transport:   transport.KindHTTP,
			Description: "read-scoped key can read but not clear caches",
			run: func(r *Runner, ctx context.Context) error {
				return r.httpScope(ctx, r.readKey, OutcomeDenied)
			},
		},
		{
			Name:        HTTPWriteScope,
			Transport:   transport.KindHTTP,
			Description: "read,write-scoped key can clear caches",
			run: func(r *Runner, ctx context.Context) error {
				return r.httpScope(ctx, r.writeKey, OutcomeAllowed)
			},
		},
		{
			Name:        HTTPConfigOnly,
			Transport:   transport.KindHTTP,
			Description: "config-only mode allows config writes and denies ops writes",
			run:         (*Runner).configOnly,
		},
		{
			Name:        HTTPAllowlist,
			Transport:   transport.KindHTTP,
			Description: "client outside the IP allowlist is rejected with 404",
			run:         (*Runner).allowlist,
		},
		{
			Name:        StdioReadScope,
			Transport:   transport.KindStdio,
			Description: "stdio server with read scope can read but not clear caches",
			run: func(r *Runner, ctx context.Context) error {
				return r.stdioScope(ctx, "read", OutcomeDenied)
			},
		},
		{
			Name:        StdioWriteScope,
			Transport:   transport.KindStdio,
			Description: "stdio server with read,write scope can clear caches",
			run: func(r *Runner, ctx context.Context) error {
				return r.stdioScope(ctx, "read,write", OutcomeAllowed)
			},
		},
	}
}

// Names lists the scenario names of the plan.
func Names() []string {
	plan := Plan()
	names := make([]string, len(plan))
	for i, s := range plan {
		names[i] = s.Name
	}
	return names
}

// selection records which scenarios of the plan run and why the others
// are skipped.
type selection struct {
	plan    []Scenario
	skipped map[string]string
}

// selectScenarios filters the plan by transport and by name. Empty filters
// select everything. Unknown names are an error.
func selectScenarios(transports, names []string) (*selection, error) {
	known := Names()
	for _, n := range names {
		if !slices.Contains(known, n) {
			return nil, fmt.Errorf("unknown scenario %q (known: %v)", n, known)
		}
	}

	sel := &selection{plan: Plan(), skipped: make(map[string]string)}
	for _, s := range sel.plan {
		switch {
		case len(transports) > 0 && !slices.Contains(transports, string(s.Transport)):
			sel.skipped[s.Name] = fmt.Sprintf("transport %s not selected", s.Transport)
		case len(names) > 0 && !slices.Contains(names, s.Name):
			sel.skipped[s.Name] = "not selected"
		}
	}
	return sel, nil
}

func (s *selection) runs(name string) bool {
	_, skip := s.skipped[name]
	return !skip
}

func (s *selection) uses(kind transport.Kind) bool {
	for _, sc := range s.plan {
		if sc.Transport == kind && s.runs(sc.Name) {
			return true
		}
	}
	return false
}
