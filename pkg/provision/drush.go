package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jguan/mcpcheck/pkg/config"
	"github.com/jguan/mcpcheck/pkg/failure"
	"github.com/jguan/mcpcheck/pkg/infra/docker"
	"github.com/jguan/mcpcheck/pkg/infra/logger"
)

// Drush provisions a Drupal site by running drush commands through a
// CommandRunner.
type Drush struct {
	Runner CommandRunner
	// Binary is the drush executable as the runner sees it.
	Binary string
	// Server is started and stopped for the run; nil when the site is
	// served elsewhere.
	Server Server
	// CheckFile reports whether a required file exists. Defaults to a
	// local stat.
	CheckFile     func(ctx context.Context, path string) error
	HTTPClient    *http.Client
	ProbeInterval time.Duration
	Logger        *slog.Logger

	users map[int]string
}

var _ Environment = (*Drush)(nil)

// FromConfig wires a Drush for cfg: local execution in the Drupal root, or
// docker exec when a container is configured. The returned stdio command
// renderer runs a command line the same way drush does.
func FromConfig(ctx context.Context, cfg *config.Config, l *slog.Logger) (*Drush, func([]string) []string, error) {
	if l == nil {
		l = logger.Default()
	}
	d := &Drush{
		Binary:        cfg.DrushPath(),
		ProbeInterval: defaultProbeInterval,
		Logger:        l,
	}

	if cfg.Setup.DockerContainer == "" {
		d.Runner = &LocalRunner{Dir: cfg.General.DrupalRoot, Env: []string{DrushEnv}, Logger: l}
		if cfg.Setup.ManageServer {
			u, err := url.Parse(cfg.General.BaseURL)
			if err != nil {
				return nil, nil, failure.Wrap(failure.KindSetup, "provision", err)
			}
			d.Server = &PHPServer{
				PHP:     cfg.Setup.PHPBinary,
				WebRoot: cfg.General.DrupalRoot + string(os.PathSeparator) + "web",
				Host:    u.Hostname(),
				Port:    u.Port(),
				Grace:   cfg.Timeouts.ShutdownGraceD,
				Logger:  l,
			}
		}
		local := func(args []string) []string { return args }
		return d, local, nil
	}

	client, err := docker.NewSDKClient()
	if err != nil {
		return nil, nil, failure.Wrap(failure.KindSetup, "provision", err)
	}
	status, err := client.ContainerStatus(ctx, cfg.Setup.DockerContainer)
	if err != nil {
		return nil, nil, failure.Wrap(failure.KindSetup, "provision", err)
	}
	if status != "running" {
		return nil, nil, failure.Newf(failure.KindSetup, "provision",
			"container %s is %s, not running", cfg.Setup.DockerContainer, status)
	}

	runner := &DockerRunner{
		Client:     client,
		Container:  cfg.Setup.DockerContainer,
		WorkingDir: cfg.General.DrupalRoot,
		Env:        []string{DrushEnv},
		Logger:     l,
	}
	d.Runner = runner
	d.CheckFile = func(ctx context.Context, path string) error {
		_, err := runner.Run(ctx, []string{"test", "-f", path})
		return err
	}

	if cfg.Setup.WebPort != "" {
		base, err := PublishedBaseURL(ctx, client, cfg.Setup.DockerContainer, cfg.Setup.WebPort, cfg.General.BaseURL)
		if err != nil {
			return nil, nil, failure.Wrap(failure.KindSetup, "provision", err)
		}
		l.Info("resolved published web port", "base_url", base)
		cfg.General.BaseURL = base
	}
	return d, runner.Command, nil
}

// PublishedBaseURL replaces the host and port of base with the host binding
// of the container's web port.
func PublishedBaseURL(ctx context.Context, client docker.Client, containerID, webPort, base string) (string, error) {
	host, port, err := client.PublishedPort(ctx, containerID, webPort)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Host = host + ":" + port
	return strings.TrimRight(u.String(), "/"), nil
}

func (d *Drush) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logger.Default()
}

func (d *Drush) drush(ctx context.Context, op string, args ...string) (string, error) {
	out, err := d.Runner.Run(ctx, append([]string{d.Binary}, args...))
	if err != nil {
		return out, failure.Wrap(failure.KindSetup, op, err)
	}
	return out, nil
}

func (d *Drush) RequireFiles(ctx context.Context) error {
	files := []string{d.Binary}
	if d.Server != nil {
		files = append(files, d.Server.RequiredFiles()...)
	}

	check := d.CheckFile
	if check == nil {
		check = statFile
	}
	for _, f := range files {
		if err := check(ctx, f); err != nil {
			return failure.Newf(failure.KindSetup, "require files", "missing required file: %s", f)
		}
	}
	return nil
}

func statFile(_ context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func (d *Drush) EnableFeatures(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	args := append([]string{"en"}, names...)
	_, err := d.drush(ctx, "enable modules", append(args, "-y")...)
	return err
}

func (d *Drush) SetConfig(ctx context.Context, namespace, key string, value any) error {
	v, isYAML, err := formatConfigValue(value)
	if err != nil {
		return failure.Wrap(failure.KindSetup, "set config", err)
	}
	args := []string{"config:set", namespace, key, v}
	if isYAML {
		args = append(args, "--input-format=yaml")
	}
	_, err = d.drush(ctx, fmt.Sprintf("set config %s:%s", namespace, key), append(args, "-y")...)
	return err
}

// formatConfigValue renders value for config:set. Lists become YAML.
func formatConfigValue(value any) (string, bool, error) {
	switch v := value.(type) {
	case string:
		return v, false, nil
	case bool:
		return strconv.FormatBool(v), false, nil
	case int:
		return strconv.Itoa(v), false, nil
	case []string:
		if v == nil {
			v = []string{}
		}
		out, err := yaml.Marshal(v)
		if err != nil {
			return "", false, err
		}
		return strings.TrimSpace(string(out)), true, nil
	default:
		return "", false, fmt.Errorf("unsupported config value type %T", value)
	}
}

func (d *Drush) RebuildCaches(ctx context.Context) error {
	_, err := d.drush(ctx, "rebuild caches", "cr")
	return err
}

func (d *Drush) CreateAPIKey(ctx context.Context, label string, scopes []string) (string, error) {
	out, err := d.drush(ctx, "create api key", "mcp-tools:remote-key-create",
		"--label="+label, "--scopes="+strings.Join(scopes, ","))
	if err != nil {
		return "", err
	}
	key, err := ParseAPIKey(out)
	if err != nil {
		return "", failure.Wrap(failure.KindSetup, "create api key", err)
	}
	d.logger().Info("api key created", "label", label, "scopes", scopes)
	return key, nil
}

func (d *Drush) CreateRole(ctx context.Context, name string, permissions []string) error {
	if _, err := d.drush(ctx, "create role", "role:create", name, name); err != nil && !alreadyExists(err) {
		return err
	}
	if len(permissions) == 0 {
		return nil
	}
	_, err := d.drush(ctx, "grant permissions", "role:perm:add", name, strings.Join(permissions, ","))
	return err
}

func (d *Drush) CreateUser(ctx context.Context, name string) (int, error) {
	if _, err := d.drush(ctx, "create user", "user:create", name, "--mail="+name+"@example.invalid"); err != nil && !alreadyExists(err) {
		return 0, err
	}

	out, err := d.drush(ctx, "user information", "user:information", name, "--format=json")
	if err != nil {
		return 0, err
	}
	uid, err := parseUserID(out, name)
	if err != nil {
		return 0, failure.Wrap(failure.KindSetup, "user information", err).WithDetail(out)
	}
	if d.users == nil {
		d.users = make(map[int]string)
	}
	d.users[uid] = name
	return uid, nil
}

// parseUserID reads the uid of name from user:information JSON output,
// which is keyed by uid.
func parseUserID(out, name string) (int, error) {
	start := strings.Index(out, "{")
	if start < 0 {
		return 0, fmt.Errorf("no JSON in user:information output")
	}
	var users map[string]map[string]any
	if err := json.Unmarshal([]byte(out[start:]), &users); err != nil {
		return 0, fmt.Errorf("decode user:information: %w", err)
	}
	for key, u := range users {
		if n, ok := u["name"].(string); ok && n != name {
			continue
		}
		raw := fmt.Sprint(u["uid"])
		if u["uid"] == nil {
			raw = key
		}
		uid, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid uid %q: %w", raw, err)
		}
		return uid, nil
	}
	return 0, fmt.Errorf("user %s not found", name)
}

func (d *Drush) AssignRole(ctx context.Context, userID int, role string) error {
	args := []string{"user:role:add", role}
	if name, ok := d.users[userID]; ok {
		args = append(args, name)
	} else {
		args = append(args, "--uid="+strconv.Itoa(userID))
	}
	_, err := d.drush(ctx, "assign role", args...)
	return err
}

func (d *Drush) SetAllowedIPs(ctx context.Context, ips []string) error {
	return d.SetConfig(ctx, RemoteSettings, KeyAllowedIPs, ips)
}

func (d *Drush) StartServer(ctx context.Context) error {
	if d.Server == nil {
		return nil
	}
	if err := d.Server.Start(ctx); err != nil {
		return failure.Wrap(failure.KindSetup, "start server", err)
	}
	return nil
}

func (d *Drush) StopServer(ctx context.Context) error {
	if d.Server == nil {
		return nil
	}
	if err := d.Server.Stop(ctx); err != nil {
		return failure.Wrap(failure.KindSetup, "stop server", err)
	}
	return nil
}

func (d *Drush) WaitUntilReady(ctx context.Context, url string, timeout time.Duration) error {
	return WaitUntilReady(ctx, d.HTTPClient, url, timeout, d.ProbeInterval)
}

func alreadyExists(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
