// Package mcptest is an in-process reference site speaking MCP over
// streamable HTTP and stdio. It models the access rules the harness
// asserts (key scopes, config-only mode, the remote allowlist and the
// execution user) so the scenario runner can be tested end to end.
package mcptest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/jguan/mcpcheck/pkg/protocol"
	"github.com/jguan/mcpcheck/pkg/provision"
)

const (
	ServerName    = "Drupal MCP Tools"
	ServerVersion = "1.0.0"
	DrupalVersion = "11.1.0"
)

// Write kinds gate writes in config-only mode.
const (
	WriteKindConfig = "config"
	WriteKindOps    = "ops"
)

const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// Site is the mutable state of the site under test.
type Site struct {
	mu sync.Mutex

	modules      map[string]bool
	enabled      bool
	allowedIPs   []string
	configOnly   bool
	remoteUID    int
	keys         map[string]apiKey
	nextKeyID    int
	roles        map[string][]string
	users        map[int]*user
	nextUID      int
	cacheClears  int
	rebuilds     int
	contentTypes map[string]string

	tools []Tool
}

type apiKey struct {
	id     int
	label  string
	scopes []string
}

type user struct {
	name  string
	roles []string
}

// Principal is the caller a request is evaluated for.
type Principal struct {
	Scopes []string
	UID    int
}

func (p Principal) hasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// NewSite returns a site with only the base module enabled and the remote
// endpoint off.
func NewSite() *Site {
	s := &Site{
		modules:      map[string]bool{"mcp_tools": true},
		keys:         make(map[string]apiKey),
		roles:        make(map[string][]string),
		users:        map[int]*user{1: {name: "admin"}},
		nextUID:      2,
		contentTypes: make(map[string]string),
	}
	s.tools = defaultTools()
	return s
}

// EnableModules turns modules on. Unknown names are accepted.
func (s *Site) EnableModules(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.modules[n] = true
	}
}

func (s *Site) ModuleEnabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modules[name]
}

// SetConfig applies one configuration value.
func (s *Site) SetConfig(namespace, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch namespace + ":" + key {
	case provision.RemoteSettings + ":" + provision.KeyEnabled:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%s %s: want bool, got %T", namespace, key, value)
		}
		s.enabled = v
	case provision.RemoteSettings + ":" + provision.KeyAllowedIPs:
		v, ok := value.([]string)
		if !ok {
			return fmt.Errorf("%s %s: want list, got %T", namespace, key, value)
		}
		ips, err := normalizeAllowlist(v)
		if err != nil {
			return err
		}
		s.allowedIPs = ips
	case provision.RemoteSettings + ":" + provision.KeyRemoteUID:
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("%s %s: want int, got %T", namespace, key, value)
		}
		s.remoteUID = v
	case provision.ToolsSettings + ":" + provision.KeyConfigOnly:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%s %s: want bool, got %T", namespace, key, value)
		}
		s.configOnly = v
	default:
		return fmt.Errorf("unknown config %s %s", namespace, key)
	}
	return nil
}

func (s *Site) RemoteEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Site) ConfigOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configOnly
}

func (s *Site) AllowedIPs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.allowedIPs)
}

func (s *Site) RemoteUID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteUID
}

func (s *Site) RebuildCaches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuilds++
}

// Rebuilds counts cache rebuilds requested through setup.
func (s *Site) Rebuilds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuilds
}

// CacheClears counts successful mcp_cache_clear_all calls.
func (s *Site) CacheClears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheClears
}

func (s *Site) ContentTypes() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.contentTypes))
	for k, v := range s.contentTypes {
		out[k] = v
	}
	return out
}

// CreateAPIKey mints a key. Unknown scopes are dropped and an empty
// result falls back to read.
func (s *Site) CreateAPIKey(label string, scopes []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []string
	for _, sc := range scopes {
		if sc == ScopeRead || sc == ScopeWrite {
			kept = append(kept, sc)
		}
	}
	if len(kept) == 0 {
		kept = []string{ScopeRead}
	}

	s.nextKeyID++
	secret := fmt.Sprintf("mcp_test_%d_%s", s.nextKeyID, strings.ReplaceAll(strings.ToLower(label), " ", "_"))
	s.keys[secret] = apiKey{id: s.nextKeyID, label: label, scopes: kept}
	return secret
}

func (s *Site) lookupKey(secret string) (apiKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[secret]
	return k, ok
}

// CreateRole creates or extends a role.
func (s *Site) CreateRole(name string, permissions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perms := s.roles[name]
	for _, p := range permissions {
		if !slices.Contains(perms, p) {
			perms = append(perms, p)
		}
	}
	s.roles[name] = perms
}

// CreateUser returns the id of name, creating the account if needed.
func (s *Site) CreateUser(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, u := range s.users {
		if u.name == name {
			return uid
		}
	}
	uid := s.nextUID
	s.nextUID++
	s.users[uid] = &user{name: name}
	return uid
}

func (s *Site) AssignRole(uid int, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return fmt.Errorf("user %d not found", uid)
	}
	if _, ok := s.roles[role]; !ok {
		return fmt.Errorf("role %s not found", role)
	}
	if !slices.Contains(u.roles, role) {
		u.roles = append(u.roles, role)
	}
	return nil
}

func (s *Site) userExists(uid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[uid]
	return ok
}

// permitted reports whether uid holds the tool category permission. The
// site admin and the unset uid hold every permission.
func (s *Site) permitted(uid int, category string) bool {
	if uid <= 1 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return false
	}
	want := provision.PermissionPrefix + category
	for _, r := range u.roles {
		if slices.Contains(s.roles[r], want) {
			return true
		}
	}
	return false
}

// availableTools lists the tools whose module is enabled, sorted by name.
func (s *Site) availableTools() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Tool
	for _, t := range s.tools {
		if s.modules[t.Module] {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Site) tool(name string) (Tool, bool) {
	for _, t := range s.availableTools() {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// authorize returns the denial message for calling t as p, or "".
func (s *Site) authorize(p Principal, t Tool) string {
	if t.Write {
		if !p.hasScope(ScopeWrite) {
			return fmt.Sprintf("Access denied: %s requires the write scope.", t.Name)
		}
		if s.ConfigOnly() && t.WriteKind != WriteKindConfig {
			return fmt.Sprintf("Access denied: config-only mode blocks %s writes.", t.WriteKind)
		}
	}
	if !s.permitted(p.UID, t.Category) {
		return fmt.Sprintf("Access denied: missing permission %q.", provision.PermissionPrefix+t.Category)
	}
	return ""
}

// conn is the per-session protocol state.
type conn struct {
	mu          sync.Mutex
	principal   Principal
	initialized bool
	client      protocol.Implementation
}

func (c *conn) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// handle answers one decoded message. Notifications get nil.
func (s *Site) handle(ctx context.Context, c *conn, msg protocol.Message) *protocol.Response {
	if msg.JSONRPC != protocol.JSONRPCVersion {
		return errorResponse(msg.ID, protocol.CodeInvalidRequest, "invalid JSON-RPC version")
	}
	if msg.Kind() == protocol.KindNotification {
		return nil
	}
	if msg.Kind() != protocol.KindRequest {
		return errorResponse(msg.ID, protocol.CodeInvalidRequest, "method is required")
	}

	switch msg.Method {
	case protocol.MethodInitialize:
		return s.handleInitialize(c, msg)
	case protocol.MethodPing:
		return successResponse(msg.ID, map[string]any{})
	}

	if !c.ready() {
		return errorResponse(msg.ID, protocol.CodeInvalidRequest, "session not initialized")
	}
	switch msg.Method {
	case protocol.MethodToolsList:
		return s.handleToolsList(msg)
	case protocol.MethodToolsCall:
		return s.handleToolsCall(ctx, c, msg)
	default:
		return errorResponse(msg.ID, protocol.CodeMethodNotFound, "method not found: "+msg.Method)
	}
}

func (s *Site) handleInitialize(c *conn, msg protocol.Message) *protocol.Response {
	var params protocol.InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorResponse(msg.ID, protocol.CodeInvalidParams, "invalid initialize params: "+err.Error())
		}
	}

	c.mu.Lock()
	c.client = params.ClientInfo
	c.initialized = true
	c.mu.Unlock()

	return successResponse(msg.ID, map[string]any{
		"protocolVersion": protocol.ProtocolVersion,
		"serverInfo":      protocol.Implementation{Name: ServerName, Version: ServerVersion},
		"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
	})
}

func (s *Site) handleToolsList(msg protocol.Message) *protocol.Response {
	tools := s.availableTools()
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": t.schema(),
			"annotations": map[string]any{"readOnlyHint": !t.Write},
		})
	}
	return successResponse(msg.ID, map[string]any{"tools": out})
}

func (s *Site) handleToolsCall(ctx context.Context, c *conn, msg protocol.Message) *protocol.Response {
	var params protocol.CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return errorResponse(msg.ID, protocol.CodeInvalidParams, "tools/call requires a tool name")
	}
	t, ok := s.tool(params.Name)
	if !ok {
		return errorResponse(msg.ID, protocol.CodeInvalidParams, "unknown tool: "+params.Name)
	}

	c.mu.Lock()
	p := c.principal
	c.mu.Unlock()

	if denial := s.authorize(p, t); denial != "" {
		return successResponse(msg.ID, toolError(denial))
	}
	data, err := t.Run(ctx, s, params.Arguments)
	if err != nil {
		return successResponse(msg.ID, toolError(err.Error()))
	}
	return successResponse(msg.ID, toolSuccess(data))
}

func toolSuccess(data map[string]any) map[string]any {
	structured := map[string]any{"success": true, "data": data}
	text, _ := json.Marshal(structured)
	return map[string]any{
		"content":           []protocol.Content{{Type: "text", Text: string(text)}},
		"structuredContent": structured,
	}
}

func toolError(message string) map[string]any {
	return map[string]any{
		"content":           []protocol.Content{{Type: "text", Text: message}},
		"structuredContent": map[string]any{"success": false, "error": message},
		"isError":           true,
	}
}

func successResponse(id protocol.ID, result any) *protocol.Response {
	return &protocol.Response{JSONRPC: protocol.JSONRPCVersion, ID: id, Result: result}
}

func errorResponse(id protocol.ID, code int, message string) *protocol.Response {
	return &protocol.Response{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      id,
		Error:   &protocol.RPCError{Code: code, Message: message},
	}
}
