package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/smnsjas/go-psfanout/connection"
)

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.yaml")
	if err := os.WriteFile(path, []byte("targets: [server01]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ThrottleLimit != DefaultThrottleLimit {
		t.Errorf("ThrottleLimit = %d, want %d", cfg.ThrottleLimit, DefaultThrottleLimit)
	}
	if cfg.OpenTimeout != DefaultOpenTimeout || cfg.CloseTimeout != DefaultCloseTimeout {
		t.Errorf("timeouts = %s/%s", cfg.OpenTimeout, cfg.CloseTimeout)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}

	reqs := cfg.Requests()
	want := []connection.Request{{Target: "server01", Kind: connection.KindWSMan}}
	if diff := cmp.Diff(want, reqs); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load error = %v, want ErrNotExist", err)
	}
}

func TestParseTargets(t *testing.T) {
	t.Setenv("PSFANOUT_TEST_PASSWORD", "hunter2")

	data := []byte(`
throttle_limit: 4
open_timeout: 30s
log:
  level: debug
  format: json
defaults:
  transport: ssh
  user: admin
  key_file: /keys/id
targets:
  - web01
  - target: db01
    name: db
    port: 2222
    user: dba
  - target: abc123
    transport: container
  - target: server01
    transport: wsman
    use_ssl: true
    password_env: PSFANOUT_TEST_PASSWORD
`)

	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ThrottleLimit != 4 || cfg.OpenTimeout != 30*time.Second {
		t.Errorf("limit/timeout = %d/%s", cfg.ThrottleLimit, cfg.OpenTimeout)
	}

	key := connection.Credential{User: "admin", KeyFile: "/keys/id"}
	want := []connection.Request{
		{Target: "web01", Kind: connection.KindSSH, Credential: key},
		{Target: "db01", Name: "db", Kind: connection.KindSSH, Port: 2222,
			Credential: connection.Credential{User: "dba", KeyFile: "/keys/id"}},
		{Target: "abc123", Kind: connection.KindContainer, Credential: key},
		{Target: "server01", Kind: connection.KindWSMan, UseSSL: true,
			Credential: connection.Credential{User: "admin", KeyFile: "/keys/id", Password: "hunter2"}},
	}
	if diff := cmp.Diff(want, cfg.Requests()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestUnknownTransportIsPerTarget(t *testing.T) {
	cfg, err := Parse([]byte("targets:\n  - target: host1\n    transport: carrier-pigeon\n  - host2\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	reqs := cfg.Requests()
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	if _, err := connection.Build(reqs[0]); !errors.Is(err, connection.ErrUnsupportedKind) {
		t.Errorf("Build(host1) error = %v, want ErrUnsupportedKind", err)
	}
	if _, err := connection.Build(reqs[1]); err != nil {
		t.Errorf("Build(host2) error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
	}{
		{"zero throttle", func(c *Config) { c.ThrottleLimit = 0 }},
		{"negative open timeout", func(c *Config) { c.OpenTimeout = -time.Second }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad default transport", func(c *Config) { c.Defaults.Transport = "telnet" }},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.edit(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	if _, err := Parse([]byte("throttle_limit: [1, 2]\n")); err == nil {
		t.Error("Parse accepted a list for throttle_limit")
	}
}
