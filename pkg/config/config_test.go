package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.General.BaseURL != "http://localhost:8888" {
		t.Errorf("General.BaseURL = %q, want %q", cfg.General.BaseURL, "http://localhost:8888")
	}
	if cfg.General.EndpointPath != "/_mcp_tools" {
		t.Errorf("General.EndpointPath = %q, want %q", cfg.General.EndpointPath, "/_mcp_tools")
	}
	if cfg.Client.ProtocolVersion != "2024-11-05" {
		t.Errorf("Client.ProtocolVersion = %q, want %q", cfg.Client.ProtocolVersion, "2024-11-05")
	}
	if cfg.Client.ExpectedServerName != "Drupal MCP Tools" {
		t.Errorf("Client.ExpectedServerName = %q", cfg.Client.ExpectedServerName)
	}
	if !cfg.Setup.ManageServer {
		t.Error("Setup.ManageServer should be true")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.postProcess(); err != nil {
		t.Fatalf("postProcess: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Timeouts.PollIntervalD != 100*time.Millisecond {
		t.Errorf("PollIntervalD = %v, want 100ms", cfg.Timeouts.PollIntervalD)
	}
	if !filepath.IsAbs(cfg.General.DrupalRoot) {
		t.Errorf("DrupalRoot should be absolute, got %q", cfg.General.DrupalRoot)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcpcheck.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
[general]
drupal_root = "/srv/drupal"
base_url = "http://127.0.0.1:8080/"
endpoint_path = "mcp"

[timeouts]
write_call = "90s"

[stdio]
command = ["{drush}", "mcp-tools:serve", "--scope={scope}"]

[run]
transports = ["http"]
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.General.DrupalRoot != "/srv/drupal" {
		t.Errorf("DrupalRoot = %q", cfg.General.DrupalRoot)
	}
	if cfg.General.BaseURL != "http://127.0.0.1:8080" {
		t.Errorf("BaseURL should be trimmed, got %q", cfg.General.BaseURL)
	}
	if cfg.Endpoint() != "http://127.0.0.1:8080/mcp" {
		t.Errorf("Endpoint() = %q", cfg.Endpoint())
	}
	if cfg.Timeouts.WriteCallD != 90*time.Second {
		t.Errorf("WriteCallD = %v", cfg.Timeouts.WriteCallD)
	}
	if len(cfg.Run.Transports) != 1 || cfg.Run.Transports[0] != "http" {
		t.Errorf("Transports = %v", cfg.Run.Transports)
	}
}

func TestLoadFromFile_NotExist(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/mcpcheck.toml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFromFile_BadDuration(t *testing.T) {
	path := writeConfig(t, `
[timeouts]
read_call = "soon"
`)
	_, err := LoadFromFile(path)
	if err == nil || !strings.Contains(err.Error(), "timeouts.read_call") {
		t.Errorf("expected read_call parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing port",
			mutate:  func(c *Config) { c.General.BaseURL = "http://localhost" },
			wantErr: "missing port",
		},
		{
			name:    "missing hostname",
			mutate:  func(c *Config) { c.General.BaseURL = "http://:8080" },
			wantErr: "missing hostname",
		},
		{
			name:    "bad scheme",
			mutate:  func(c *Config) { c.General.BaseURL = "ftp://localhost:21" },
			wantErr: "scheme",
		},
		{
			name:    "write shorter than read",
			mutate:  func(c *Config) { c.Timeouts.WriteCallD = time.Second },
			wantErr: "write_call",
		},
		{
			name:    "zero poll interval",
			mutate:  func(c *Config) { c.Timeouts.PollIntervalD = 0 },
			wantErr: "poll_interval",
		},
		{
			name:    "unknown transport",
			mutate:  func(c *Config) { c.Run.Transports = []string{"websocket"} },
			wantErr: "invalid transport",
		},
		{
			name:    "empty stdio command",
			mutate:  func(c *Config) { c.Stdio.Command = nil },
			wantErr: "stdio.command",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: "logging level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			if err := cfg.postProcess(); err != nil {
				t.Fatalf("postProcess: %v", err)
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MCPCHECK_BASE_URL", "http://10.0.0.5:9000")
	t.Setenv("MCPCHECK_DOCKER_CONTAINER", "drupal-web")
	t.Setenv("MCPCHECK_TRANSPORTS", "stdio, http")
	t.Setenv("MCPCHECK_SCENARIOS", "stdio_read_scope_denies_write")
	t.Setenv("MCPCHECK_LOG_LEVEL", "debug")

	cfg := Default()
	ApplyEnvOverrides(cfg)

	if cfg.General.BaseURL != "http://10.0.0.5:9000" {
		t.Errorf("BaseURL = %q", cfg.General.BaseURL)
	}
	if cfg.Setup.DockerContainer != "drupal-web" {
		t.Errorf("DockerContainer = %q", cfg.Setup.DockerContainer)
	}
	if len(cfg.Run.Transports) != 2 || cfg.Run.Transports[0] != "stdio" || cfg.Run.Transports[1] != "http" {
		t.Errorf("Transports = %v", cfg.Run.Transports)
	}
	if len(cfg.Run.Scenarios) != 1 {
		t.Errorf("Scenarios = %v", cfg.Run.Scenarios)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestApplyEnvOverrides_BooleanValues(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"false", false},
		{"0", false},
		{"no", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("MCPCHECK_MANAGE_SERVER", tt.value)
			cfg := Default()
			ApplyEnvOverrides(cfg)
			if cfg.Setup.ManageServer != tt.want {
				t.Errorf("ManageServer = %v, want %v", cfg.Setup.ManageServer, tt.want)
			}
		})
	}
}

func TestStdioCommand(t *testing.T) {
	cfg := Default()
	cfg.General.DrupalRoot = "/srv/drupal"
	cfg.Stdio.UID = 7

	got := cfg.StdioCommand("read,write")
	want := []string{"/srv/drupal/vendor/bin/drush", "mcp-tools:serve", "--uid=7", "--scope=read,write", "--quiet"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("StdioCommand = %v, want %v", got, want)
	}
	if cfg.Stdio.Command[0] != "{drush}" {
		t.Error("StdioCommand must not modify the template")
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"/abs/path", "/abs/path"},
		{"relative", "relative"},
		{"~/drupal", filepath.Join(homeDir, "drupal")},
	}

	for _, tt := range tests {
		got, err := expandPath(tt.input)
		if err != nil {
			t.Errorf("expandPath(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Timeouts.ReadCallD != 30*time.Second {
			t.Errorf("ReadCallD = %v", cfg.Timeouts.ReadCallD)
		}
	})

	t.Run("invalid file", func(t *testing.T) {
		path := writeConfig(t, `
[general]
base_url = "http://localhost"
`)
		if _, err := Load(path); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("env wins over file", func(t *testing.T) {
		path := writeConfig(t, `
[logging]
level = "warn"
`)
		t.Setenv("MCPCHECK_LOG_LEVEL", "error")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Logging.Level != "error" {
			t.Errorf("Logging.Level = %q, want error", cfg.Logging.Level)
		}
	})
}

func TestExample_MatchesDefaults(t *testing.T) {
	got := Default()
	if _, err := toml.Decode(Example, got); err != nil {
		t.Fatalf("decode example: %v", err)
	}
	if err := got.postProcess(); err != nil {
		t.Fatalf("postProcess: %v", err)
	}
	want := Default()
	if err := want.postProcess(); err != nil {
		t.Fatalf("postProcess: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("example config differs from defaults:\n got %+v\nwant %+v", got, want)
	}
}

func TestWriteTOML_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Client.Name = "round_trip"
	cfg.Run.Scenarios = []string{"http_ip_allowlist_rejects"}

	var sb strings.Builder
	if err := cfg.WriteTOML(&sb); err != nil {
		t.Fatalf("WriteTOML: %v", err)
	}
	if strings.Contains(sb.String(), "RequestD") {
		t.Errorf("derived durations should not be written:\n%s", sb.String())
	}

	path := writeConfig(t, sb.String())
	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Client.Name != "round_trip" {
		t.Errorf("Client.Name = %q", loaded.Client.Name)
	}
	if !reflect.DeepEqual(loaded.Run.Scenarios, cfg.Run.Scenarios) {
		t.Errorf("Run.Scenarios = %v", loaded.Run.Scenarios)
	}
}
