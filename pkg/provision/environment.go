// Package provision prepares the site under test: modules, settings,
// credentials, the execution user and the web server. Every operation is
// synchronous and all-or-nothing; any failure is a setup failure.
package provision

import (
	"context"
	"time"
)

// Config namespaces and keys the harness touches.
const (
	RemoteSettings   = "mcp_tools_remote.settings"
	ToolsSettings    = "mcp_tools.settings"
	KeyEnabled       = "enabled"
	KeyAllowedIPs    = "allowed_ips"
	KeyRemoteUID     = "uid"
	KeyConfigOnly    = "access.config_only_mode"
	PermissionPrefix = "mcp_tools use "
)

// Environment is the collaborator that owns the site under test.
type Environment interface {
	// RequireFiles checks the site has the files the run depends on.
	RequireFiles(ctx context.Context) error
	EnableFeatures(ctx context.Context, names []string) error
	// SetConfig sets one configuration value. Lists are written as YAML.
	SetConfig(ctx context.Context, namespace, key string, value any) error
	RebuildCaches(ctx context.Context) error
	// CreateAPIKey mints a credential and returns its secret.
	CreateAPIKey(ctx context.Context, label string, scopes []string) (string, error)
	CreateRole(ctx context.Context, name string, permissions []string) error
	// CreateUser creates an account and returns its id.
	CreateUser(ctx context.Context, name string) (int, error)
	AssignRole(ctx context.Context, userID int, role string) error
	// SetAllowedIPs replaces the remote endpoint allowlist. An empty list
	// allows every client.
	SetAllowedIPs(ctx context.Context, ips []string) error
	StartServer(ctx context.Context) error
	StopServer(ctx context.Context) error
	// WaitUntilReady blocks until url answers or timeout elapses.
	WaitUntilReady(ctx context.Context, url string, timeout time.Duration) error
}
