package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/postalsys/diglett/internal/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAgent(t *testing.T) {
	path := writeConfig(t, `
gateway: gw.example.com:20000
backend: 127.0.0.1:9000
name: svc
token: hunter2
transport:
  kind: ws
log:
  level: debug
  format: json
`)

	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway != "gw.example.com:20000" {
		t.Errorf("gateway = %q", cfg.Gateway)
	}
	if cfg.Backend != "127.0.0.1:9000" {
		t.Errorf("backend = %q", cfg.Backend)
	}
	if cfg.Name != "svc" {
		t.Errorf("name = %q", cfg.Name)
	}
	if cfg.Token != "hunter2" {
		t.Errorf("token = %q", cfg.Token)
	}
	if cfg.Transport.Kind != transport.KindWebSocket {
		t.Errorf("transport kind = %q", cfg.Transport.Kind)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log config = %+v", cfg.Log)
	}
}

func TestLoadAgentMissingFields(t *testing.T) {
	path := writeConfig(t, `
gateway: gw.example.com:20000
`)

	if _, err := LoadAgent(path); err == nil {
		t.Fatal("expected validation error for missing backend and name")
	}
}

func TestLoadServer(t *testing.T) {
	path := writeConfig(t, `
listen: ":30000"
metrics_listen: "127.0.0.1:9090"
`)

	cfg, err := LoadServer(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":30000" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.MetricsListen != "127.0.0.1:9090" {
		t.Errorf("metrics_listen = %q", cfg.MetricsListen)
	}
	// Defaults survive a partial file.
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadAgent(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestAgentValidate(t *testing.T) {
	cfg := DefaultAgentConfig()
	cfg.Backend = "127.0.0.1:9000"
	cfg.Name = "svc"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.Transport.Kind = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for bogus transport kind")
	}
}

func TestServerValidate(t *testing.T) {
	cfg := DefaultServerConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}

	cfg.Listen = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty listen address")
	}
}
