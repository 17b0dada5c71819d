package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	General  GeneralConfig  `toml:"general"`
	Client   ClientConfig   `toml:"client"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Setup    SetupConfig    `toml:"setup"`
	Stdio    StdioConfig    `toml:"stdio"`
	Run      RunConfig      `toml:"run"`
	Logging  LoggingConfig  `toml:"logging"`
}

type GeneralConfig struct {
	DrupalRoot   string `toml:"drupal_root"`
	BaseURL      string `toml:"base_url"`
	EndpointPath string `toml:"endpoint_path"`
}

type ClientConfig struct {
	Name               string `toml:"name"`
	Version            string `toml:"version"`
	ProtocolVersion    string `toml:"protocol_version"`
	ExpectedServerName string `toml:"expected_server_name"`
	// TerminateSessions sends DELETE for the session id when an HTTP
	// session is closed.
	TerminateSessions bool `toml:"terminate_sessions"`
}

type TimeoutsConfig struct {
	Request       string `toml:"request"`
	ReadCall      string `toml:"read_call"`
	WriteCall     string `toml:"write_call"`
	Readiness     string `toml:"readiness"`
	StdioResponse string `toml:"stdio_response"`
	ShutdownGrace string `toml:"shutdown_grace"`
	PollInterval  string `toml:"poll_interval"`

	RequestD       time.Duration `toml:"-"`
	ReadCallD      time.Duration `toml:"-"`
	WriteCallD     time.Duration `toml:"-"`
	ReadinessD     time.Duration `toml:"-"`
	StdioResponseD time.Duration `toml:"-"`
	ShutdownGraceD time.Duration `toml:"-"`
	PollIntervalD  time.Duration `toml:"-"`
}

type SetupConfig struct {
	Modules []string `toml:"modules"`
	// DockerContainer runs drush inside this container instead of locally.
	DockerContainer string `toml:"docker_container"`
	// WebPort is the container port of the web server, e.g. "80/tcp". When
	// set with DockerContainer, the base URL host and port are taken from
	// its published binding.
	WebPort   string `toml:"web_port"`
	PHPBinary string `toml:"php_binary"`
	// ManageServer starts the PHP built-in server for the run. Turn it off
	// when the site is already served elsewhere.
	ManageServer   bool     `toml:"manage_server"`
	ExecutionUser  string   `toml:"execution_user"`
	ExecutionRole  string   `toml:"execution_role"`
	RoleCategories []string `toml:"role_categories"`
	// DeniedIP is placed in the allowlist to prove that other clients are
	// turned away. It must not be the address the harness connects from.
	DeniedIP string `toml:"denied_ip"`
}

type StdioConfig struct {
	// Command is the child command line; "{drush}", "{scope}" and "{uid}"
	// are substituted per scenario.
	Command []string `toml:"command"`
	UID     int      `toml:"uid"`
}

type RunConfig struct {
	Transports []string `toml:"transports"`
	Scenarios  []string `toml:"scenarios"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() *Config {
	return &Config{
		General: GeneralConfig{
			DrupalRoot:   "drupal",
			BaseURL:      "http://localhost:8888",
			EndpointPath: "/_mcp_tools",
		},
		Client: ClientConfig{
			Name:               "mcp_tools_ci",
			Version:            "0.0.0",
			ProtocolVersion:    "2024-11-05",
			ExpectedServerName: "Drupal MCP Tools",
		},
		Timeouts: TimeoutsConfig{
			Request:       "10s",
			ReadCall:      "30s",
			WriteCall:     "60s",
			Readiness:     "15s",
			StdioResponse: "15s",
			ShutdownGrace: "5s",
			PollInterval:  "100ms",
		},
		Setup: SetupConfig{
			Modules:       []string{"mcp_tools_remote", "mcp_tools_cache", "mcp_tools_structure", "mcp_tools_stdio"},
			PHPBinary:     "php",
			ManageServer:  true,
			ExecutionRole: "mcp_tools_remote_executor",
			RoleCategories: []string{
				"site_health", "content", "config", "structure", "views",
				"blocks", "menus", "users", "media", "cache",
			},
			DeniedIP: "203.0.113.10",
		},
		Stdio: StdioConfig{
			Command: []string{"{drush}", "mcp-tools:serve", "--uid={uid}", "--scope={scope}", "--quiet"},
			UID:     1,
		},
		Run: RunConfig{
			Transports: []string{"http", "stdio"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func LoadFromFile(path string) (*Config, error) {
	expandedPath, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	return cfg, nil
}

func (c *Config) postProcess() error {
	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"timeouts.request", c.Timeouts.Request, &c.Timeouts.RequestD},
		{"timeouts.read_call", c.Timeouts.ReadCall, &c.Timeouts.ReadCallD},
		{"timeouts.write_call", c.Timeouts.WriteCall, &c.Timeouts.WriteCallD},
		{"timeouts.readiness", c.Timeouts.Readiness, &c.Timeouts.ReadinessD},
		{"timeouts.stdio_response", c.Timeouts.StdioResponse, &c.Timeouts.StdioResponseD},
		{"timeouts.shutdown_grace", c.Timeouts.ShutdownGrace, &c.Timeouts.ShutdownGraceD},
		{"timeouts.poll_interval", c.Timeouts.PollInterval, &c.Timeouts.PollIntervalD},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}

	root, err := expandPath(c.General.DrupalRoot)
	if err != nil {
		return fmt.Errorf("expand general.drupal_root: %w", err)
	}
	if root != "" && c.Setup.DockerContainer == "" {
		if root, err = filepath.Abs(root); err != nil {
			return fmt.Errorf("resolve general.drupal_root: %w", err)
		}
	}
	c.General.DrupalRoot = root

	c.General.BaseURL = strings.TrimRight(c.General.BaseURL, "/")
	if c.General.EndpointPath != "" && !strings.HasPrefix(c.General.EndpointPath, "/") {
		c.General.EndpointPath = "/" + c.General.EndpointPath
	}

	return nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.General.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url %q: %w", c.General.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base_url (scheme must be http or https): %s", c.General.BaseURL)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("invalid base_url (missing hostname): %s", c.General.BaseURL)
	}
	if u.Port() == "" {
		return fmt.Errorf("invalid base_url (missing port): %s", c.General.BaseURL)
	}

	if c.General.EndpointPath == "" {
		return fmt.Errorf("endpoint_path cannot be empty")
	}
	if c.Client.ProtocolVersion == "" {
		return fmt.Errorf("client.protocol_version cannot be empty")
	}

	for name, d := range map[string]time.Duration{
		"request":        c.Timeouts.RequestD,
		"read_call":      c.Timeouts.ReadCallD,
		"write_call":     c.Timeouts.WriteCallD,
		"readiness":      c.Timeouts.ReadinessD,
		"stdio_response": c.Timeouts.StdioResponseD,
		"poll_interval":  c.Timeouts.PollIntervalD,
	} {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive, got %s", name, d)
		}
	}
	if c.Timeouts.WriteCallD < c.Timeouts.ReadCallD {
		return fmt.Errorf("timeouts.write_call (%s) must not be shorter than timeouts.read_call (%s)",
			c.Timeouts.WriteCallD, c.Timeouts.ReadCallD)
	}

	validTransports := map[string]bool{"http": true, "stdio": true}
	for _, t := range c.Run.Transports {
		if !validTransports[t] {
			return fmt.Errorf("invalid transport: %s (valid: http, stdio)", t)
		}
	}

	if len(c.Stdio.Command) == 0 {
		return fmt.Errorf("stdio.command cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

// Endpoint is the absolute URL of the MCP endpoint.
func (c *Config) Endpoint() string {
	return c.General.BaseURL + c.General.EndpointPath
}

// DrushPath is the drush binary inside the Drupal project.
func (c *Config) DrushPath() string {
	return filepath.Join(c.General.DrupalRoot, "vendor", "bin", "drush")
}

// StdioCommand renders the stdio command line for one scope.
func (c *Config) StdioCommand(scope string) []string {
	r := strings.NewReplacer(
		"{drush}", c.DrushPath(),
		"{scope}", scope,
		"{uid}", strconv.Itoa(c.Stdio.UID),
	)
	out := make([]string, len(c.Stdio.Command))
	for i, arg := range c.Stdio.Command {
		out[i] = r.Replace(arg)
	}
	return out
}

func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MCPCHECK_DRUPAL_ROOT"); v != "" {
		cfg.General.DrupalRoot = v
	}
	if v := os.Getenv("MCPCHECK_BASE_URL"); v != "" {
		cfg.General.BaseURL = v
	}
	if v := os.Getenv("MCPCHECK_ENDPOINT_PATH"); v != "" {
		cfg.General.EndpointPath = v
	}
	if v := os.Getenv("MCPCHECK_PROTOCOL_VERSION"); v != "" {
		cfg.Client.ProtocolVersion = v
	}
	if v := os.Getenv("MCPCHECK_DOCKER_CONTAINER"); v != "" {
		cfg.Setup.DockerContainer = v
	}
	if v := os.Getenv("MCPCHECK_PHP_BINARY"); v != "" {
		cfg.Setup.PHPBinary = v
	}
	if v := os.Getenv("MCPCHECK_MANAGE_SERVER"); v != "" {
		cfg.Setup.ManageServer = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("MCPCHECK_EXECUTION_USER"); v != "" {
		cfg.Setup.ExecutionUser = v
	}
	if v := os.Getenv("MCPCHECK_TRANSPORTS"); v != "" {
		cfg.Run.Transports = splitList(v)
	}
	if v := os.Getenv("MCPCHECK_SCENARIOS"); v != "" {
		cfg.Run.Scenarios = splitList(v)
	}
	if v := os.Getenv("MCPCHECK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MCPCHECK_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	return path, nil
}

func Load(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
