// Package config loads psfanout batch files.
//
// A batch file is YAML:
//
//	throttle_limit: 16
//	open_timeout: 30s
//	log:
//	  level: info
//	  format: text
//	defaults:
//	  transport: ssh
//	  user: admin
//	  key_file: ~/.ssh/id_ed25519
//	targets:
//	  - web01
//	  - web02:2222
//	  - target: db01
//	    name: db
//	    transport: container
//
// A target may be a plain string or a mapping; mapping fields override defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smnsjas/go-psfanout/connection"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

const (
	// DefaultThrottleLimit matches the orchestrator default.
	DefaultThrottleLimit = 32
	// DefaultOpenTimeout bounds each session open.
	DefaultOpenTimeout = 3 * time.Minute
	// DefaultCloseTimeout bounds each close handshake.
	DefaultCloseTimeout = 5 * time.Second
)

// Config is a parsed batch file.
type Config struct {
	ThrottleLimit int           `yaml:"throttle_limit"`
	OpenTimeout   time.Duration `yaml:"open_timeout"`
	CloseTimeout  time.Duration `yaml:"close_timeout"`

	Log         LogConfig         `yaml:"log"`
	Executables ExecutablesConfig `yaml:"executables"`
	Defaults    TargetDefaults    `yaml:"defaults"`
	Targets     []Target          `yaml:"targets"`
}

// LogConfig selects the slog level and the output format, text or json.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ExecutablesConfig names the programs used to start servers.
type ExecutablesConfig struct {
	Pwsh   string `yaml:"pwsh"`
	SSH    string `yaml:"ssh"`
	Docker string `yaml:"docker"`
}

// TargetDefaults apply to every target that does not override them.
type TargetDefaults struct {
	Transport         string `yaml:"transport"`
	Port              int    `yaml:"port"`
	UseSSL            bool   `yaml:"use_ssl"`
	ConfigurationName string `yaml:"configuration_name"`
	ApplicationName   string `yaml:"application_name"`
	User              string `yaml:"user"`
	KeyFile           string `yaml:"key_file"`
	// PasswordEnv names an environment variable holding the password.
	PasswordEnv string `yaml:"password_env"`
}

// Target is one entry of the targets list.
type Target struct {
	Target            string `yaml:"target"`
	Name              string `yaml:"name"`
	Transport         string `yaml:"transport"`
	Port              int    `yaml:"port"`
	UseSSL            *bool  `yaml:"use_ssl"`
	ConfigurationName string `yaml:"configuration_name"`
	ApplicationName   string `yaml:"application_name"`
	User              string `yaml:"user"`
	KeyFile           string `yaml:"key_file"`
	PasswordEnv       string `yaml:"password_env"`
}

// UnmarshalYAML accepts a bare scalar as shorthand for {target: value}.
func (t *Target) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		t.Target = value.Value
		return nil
	}
	type plain Target
	return value.Decode((*plain)(t))
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ThrottleLimit: DefaultThrottleLimit,
		OpenTimeout:   DefaultOpenTimeout,
		CloseTimeout:  DefaultCloseTimeout,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Defaults: TargetDefaults{
			Transport: "wsman",
		},
	}
}

// Load reads a batch file over the defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a batch file over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// Validate checks the settings that do not depend on individual targets.
// Target problems surface per target from Requests or the orchestrator.
func (c *Config) Validate() error {
	if c.ThrottleLimit < 1 {
		return fmt.Errorf("%w: throttle_limit must be >= 1, got %d", ErrInvalidConfig, c.ThrottleLimit)
	}
	if c.OpenTimeout < 0 {
		return fmt.Errorf("%w: open_timeout must not be negative", ErrInvalidConfig)
	}
	if c.CloseTimeout < 0 {
		return fmt.Errorf("%w: close_timeout must not be negative", ErrInvalidConfig)
	}
	if !slices.Contains(logLevels, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("%w: log level %q, want one of %s", ErrInvalidConfig, c.Log.Level, strings.Join(logLevels, ", "))
	}
	if !slices.Contains(logFormats, strings.ToLower(c.Log.Format)) {
		return fmt.Errorf("%w: log format %q, want text or json", ErrInvalidConfig, c.Log.Format)
	}
	if _, err := connection.ParseKind(c.Defaults.Transport); err != nil {
		return fmt.Errorf("%w: defaults: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Requests resolves every target against the defaults. A target whose
// transport name is unknown still yields a request; the orchestrator
// reports it as a validation error for that target alone.
func (c *Config) Requests() []connection.Request {
	reqs := make([]connection.Request, 0, len(c.Targets))
	for _, t := range c.Targets {
		reqs = append(reqs, c.request(t))
	}
	return reqs
}

func (c *Config) request(t Target) connection.Request {
	d := c.Defaults
	req := connection.Request{
		Target:            t.Target,
		Name:              t.Name,
		Port:              pick(t.Port, d.Port),
		UseSSL:            d.UseSSL,
		ConfigurationName: pick(t.ConfigurationName, d.ConfigurationName),
		ApplicationName:   pick(t.ApplicationName, d.ApplicationName),
		Credential: connection.Credential{
			User:    pick(t.User, d.User),
			KeyFile: expandHome(pick(t.KeyFile, d.KeyFile)),
		},
	}
	if t.UseSSL != nil {
		req.UseSSL = *t.UseSSL
	}
	if env := pick(t.PasswordEnv, d.PasswordEnv); env != "" {
		req.Credential.Password = os.Getenv(env)
	}

	kind, err := connection.ParseKind(pick(t.Transport, d.Transport))
	if err != nil {
		// An out of range kind makes the builder reject this target.
		kind = connection.Kind(-1)
	}
	req.Kind = kind
	return req
}

func pick[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
