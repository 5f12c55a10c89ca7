package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/usenetsync/usenetsync/internal/bytesize"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for missing file, got error: %v", err)
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected default log level INFO, got %s", cfg.Logging.Level)
	}
	if cfg.Relay.Newsgroup != "alt.binaries.misc" {
		t.Errorf("expected default newsgroup, got %s", cfg.Relay.Newsgroup)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
relay:
  host: news.example.net
  tls: true
  max_connections: 8
  dial_timeout: 10s
transfer:
  segment_size: 512Ki
  redundancy: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("expected normalized DEBUG, got %s", cfg.Logging.Level)
	}
	if cfg.Relay.Host != "news.example.net" {
		t.Errorf("unexpected relay host: %s", cfg.Relay.Host)
	}
	if cfg.Relay.Port != 563 {
		t.Errorf("expected TLS default port 563, got %d", cfg.Relay.Port)
	}
	if cfg.Relay.DialTimeout != 10*time.Second {
		t.Errorf("expected 10s dial timeout, got %s", cfg.Relay.DialTimeout)
	}
	if cfg.Transfer.SegmentSize != 512*bytesize.KiB {
		t.Errorf("expected 512Ki segment size, got %d", cfg.Transfer.SegmentSize)
	}
	if cfg.Transfer.Redundancy != 2 {
		t.Errorf("expected redundancy 2, got %d", cfg.Transfer.Redundancy)
	}
	// Workers inherit the relay connection limit.
	if cfg.Transfer.UploadWorkers != 8 {
		t.Errorf("expected upload workers 8, got %d", cfg.Transfer.UploadWorkers)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "logging: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config file")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Relay.Host = "news.example.net"
	cfg.Transfer.Redundancy = 3

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("saved config missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.Relay.Host != "news.example.net" {
		t.Errorf("relay host lost in round trip: %s", loaded.Relay.Host)
	}
	if loaded.Transfer.Redundancy != 3 {
		t.Errorf("redundancy lost in round trip: %d", loaded.Transfer.Redundancy)
	}
}

func TestMustLoad_MissingExplicitFile(t *testing.T) {
	_, err := MustLoad(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
