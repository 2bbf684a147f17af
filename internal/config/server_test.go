package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig(writeConfigFile(t, "server.yaml", "config:\n  socks:\n    password: secret\n"))
	if err != nil {
		t.Fatalf("LoadServerConfig failed: %v", err)
	}

	if cfg.Server.Bind != "0.0.0.0" || cfg.Server.Port != 4900 {
		t.Errorf("tunnel listener = %s:%d, want 0.0.0.0:4900", cfg.Server.Bind, cfg.Server.Port)
	}
	if cfg.Config.Socks.Bind != "0.0.0.0" || cfg.Config.Socks.Port != 1080 {
		t.Errorf("socks listener = %s:%d, want 0.0.0.0:1080", cfg.Config.Socks.Bind, cfg.Config.Socks.Port)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Observability.Metrics.Enabled {
		t.Error("metrics should default to disabled")
	}
}

func TestLoadServerConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, "server.yaml", `
server:
  bind: 127.0.0.1
  port: 4950
config:
  socks:
    port: 1081
    password: hunter2
logging:
  level: debug
observability:
  metrics:
    enabled: true
    port: 9100
`)

	cfg, err := LoadServerConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadServerConfigFromFile failed: %v", err)
	}

	if cfg.Server.Bind != "127.0.0.1" || cfg.Server.Port != 4950 {
		t.Errorf("tunnel listener = %s:%d", cfg.Server.Bind, cfg.Server.Port)
	}
	if cfg.Config.Socks.Port != 1081 || cfg.Config.Socks.Password != "hunter2" {
		t.Errorf("socks config = %+v", cfg.Config.Socks)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level = %q, want debug", cfg.Logging.Level)
	}
	if !cfg.Observability.Metrics.Enabled || cfg.Observability.Metrics.Port != 9100 {
		t.Errorf("metrics config = %+v", cfg.Observability.Metrics)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	if _, err := LoadServerConfigFromFile("/nonexistent/server.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestServerConfigEnvOverride(t *testing.T) {
	t.Setenv("ZCPROXY_SERVER_SERVER_PORT", "5000")

	cfg, err := LoadServerConfig(writeConfigFile(t, "server.yaml", "config:\n  socks:\n    password: secret\n"))
	if err != nil {
		t.Fatalf("LoadServerConfig failed: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("env override ignored: port = %d, want 5000", cfg.Server.Port)
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
		errSub string
	}{
		{"missing password", func(c *ServerConfig) { c.Config.Socks.Password = "" }, "password"},
		{"bad tunnel port", func(c *ServerConfig) { c.Server.Port = 0 }, "tunnel port"},
		{"bad socks port", func(c *ServerConfig) { c.Config.Socks.Port = 70000 }, "socks port"},
		{"port collision", func(c *ServerConfig) { c.Config.Socks.Port = c.Server.Port }, "collide"},
		{"bad metrics port", func(c *ServerConfig) {
			c.Observability.Metrics.Enabled = true
			c.Observability.Metrics.Port = -1
		}, "metrics port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			cfg.Config.Socks.Password = "secret"
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.errSub)
			}
		})
	}
}

func TestServerConfigAddrs(t *testing.T) {
	cfg := DefaultServerConfig()
	if got := cfg.TunnelAddr(); got != "0.0.0.0:4900" {
		t.Errorf("TunnelAddr() = %q", got)
	}
	if got := cfg.SocksAddr(); got != "0.0.0.0:1080" {
		t.Errorf("SocksAddr() = %q", got)
	}
}
