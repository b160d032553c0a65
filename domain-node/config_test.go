package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if got := cfg.RequestSubject(); got != "Domain.domain-dev.request" {
		t.Errorf("RequestSubject = %q", got)
	}
	if cfg.Replay.MaxAgeSeconds != 300 {
		t.Errorf("replay max age = %d, want 300", cfg.Replay.MaxAgeSeconds)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.NodeID != "domain-dev" {
		t.Errorf("expected defaults, got node_id %q", cfg.NodeID)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	data := `
node_id: canada
codec: cbor
nats:
  enabled: false
vsock:
  enabled: true
  port: 7000
identity:
  root_keys:
    - aabb
storage:
  cache_size: 0
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.NodeID != "canada" || cfg.Codec != "cbor" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.NATS.Enabled || !cfg.Vsock.Enabled || cfg.Vsock.Port != 7000 {
		t.Errorf("transport settings not applied: %+v %+v", cfg.NATS, cfg.Vsock)
	}
	// Unset keys keep their defaults.
	if cfg.NATS.URL != "nats://127.0.0.1:4222" || cfg.Health.Port != 8080 {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if len(cfg.Identity.RootKeys) != 1 {
		t.Errorf("root keys = %v", cfg.Identity.RootKeys)
	}
	if got := cfg.RequestSubject(); got != "Domain.canada.request" {
		t.Errorf("RequestSubject = %q", got)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":        "node_id: [",
		"empty node id":   "node_id: ''",
		"unknown codec":   "codec: xml",
		"no transport":    "nats: {enabled: false}\nvsock: {enabled: false}",
		"short retention": "replay: {max_age_seconds: 600, retention_seconds: 60}",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "node.yaml")
			if err := os.WriteFile(path, []byte(data), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRequestSubjectOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NATS.Subject = "Custom.subject"
	if got := cfg.RequestSubject(); got != "Custom.subject" {
		t.Errorf("RequestSubject = %q", got)
	}
}
