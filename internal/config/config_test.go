package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{
		"server": {"base_url": "https://club.example.org", "token": "tok"},
		"stream": {"base_delay": "1s", "max_attempts": 5},
		"preference": {"ttl": "30s"},
		"permission": {"granted": true},
		"checkpoint": {"driver": "sqlite", "path": "./agent.db", "retention": "1h"},
		"logging": {"level": "INFO", "console": true, "file": {"enabled": false, "path": ""}}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BaseURL != "https://club.example.org" {
		t.Fatalf("base_url = %q", cfg.Server.BaseURL)
	}
	if cfg.Stream.MaxAttempts != 5 {
		t.Fatalf("max_attempts = %d", cfg.Stream.MaxAttempts)
	}
	if cfg.Checkpoint.Driver != "sqlite" {
		t.Fatalf("driver = %q", cfg.Checkpoint.Driver)
	}
	if !cfg.Permission.Granted {
		t.Fatalf("permission.granted not parsed")
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get should return the committed config")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", `
server:
  base_url: https://club.example.org
  token: tok
checkpoint:
  driver: file
  path: ./agent.db
logging:
  level: DEBUG
  console: true
  file:
    enabled: false
    path: ""
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BaseURL != "https://club.example.org" {
		t.Fatalf("base_url = %q", cfg.Server.BaseURL)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestParseYAMLRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	// The strict decoder must apply to YAML input too, not only JSON.
	path := writeFile(t, "config.yml", `
server:
  base_url: x
  token: t
streem:
  base_delay: 1s
checkpoint:
  driver: file
  path: p
logging:
  level: INFO
  console: true
  file:
    enabled: false
    path: ""
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatalf("typo'd yaml section must be rejected")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{
		"server": {"base_url": "x", "token": "t"},
		"checkpoint": {"driver": "file", "path": "p"},
		"logging": {"level": "INFO", "console": true, "file": {"enabled": false, "path": ""}},
		"streem": {}
	}`)

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatalf("typo'd section must be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", "1500ms"); err != nil || d != 1500*time.Millisecond {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty should be zero, got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "30"); err == nil {
		t.Fatalf("bare number must be rejected")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatalf("negative duration must be rejected")
	}
	if d, err := ParseDurationOrDefault("x", "", 30*time.Second); err != nil || d != 30*time.Second {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
}
