package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsUnderPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
database:
  path: /tmp/test.db
settings:
  routing:
    mode: bypass-china
  inbound:
    udp_support: false
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Settings.Routing.Mode != ModeBypassChina {
		t.Errorf("Routing.Mode = %q", cfg.Settings.Routing.Mode)
	}
	if cfg.Settings.Inbound.UDPSupport {
		t.Error("UDPSupport should be overridden to false")
	}
	if cfg.Settings.Inbound.SocksPort != 10806 || cfg.Settings.Inbound.HTTPPort != 10810 {
		t.Errorf("default ports lost: %+v", cfg.Settings.Inbound)
	}
	if !cfg.Settings.Inbound.Sniffing {
		t.Error("Sniffing default should survive")
	}
	if cfg.Settings.DNS.PrimaryDNS != "8.8.8.8" {
		t.Errorf("PrimaryDNS = %q", cfg.Settings.DNS.PrimaryDNS)
	}
	if cfg.Tester.PingTimeout != 3000*time.Millisecond {
		t.Errorf("PingTimeout = %v", cfg.Tester.PingTimeout)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("settings: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNormalizeFixesNonPositiveValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
tester:
  worker_count: 0
settings:
  advanced:
    mux:
      concurrency: -1
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tester.WorkerCount != 1 {
		t.Errorf("WorkerCount = %d, want 1", cfg.Tester.WorkerCount)
	}
	if cfg.Settings.Advanced.Mux.Concurrency != 8 {
		t.Errorf("Mux.Concurrency = %d, want 8", cfg.Settings.Advanced.Mux.Concurrency)
	}
}

func TestLoadWithoutFileUsesSeedDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	s := cfg.Settings
	if s.Routing.Mode != ModeBypassLAN || s.Routing.DomainStrategy != "IPIfNonMatch" {
		t.Errorf("Routing = %+v, want bypass-lan with IPIfNonMatch", s.Routing)
	}
	if !s.General.AutoEnableProxy {
		t.Error("AutoEnableProxy should default to true")
	}
	if s.Core.LogLevel != "warning" || !s.Core.ErrorLog {
		t.Errorf("Core = %+v", s.Core)
	}
}
