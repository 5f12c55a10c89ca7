package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
// Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	cfg.Database.ApplyDefaults()
	applyRelayDefaults(&cfg.Relay)
	applyTransferDefaults(cfg)
	applyStagingDefaults(&cfg.Staging)
	applyMetricsDefaults(&cfg.Metrics)
	applySecurityDefaults(&cfg.Security)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyRelayDefaults sets NNTP relay defaults.
func applyRelayDefaults(cfg *RelayConfig) {
	if cfg.Port == 0 {
		if cfg.TLS {
			cfg.Port = 563
		} else {
			cfg.Port = 119
		}
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 4
	}
	if cfg.Newsgroup == "" {
		cfg.Newsgroup = "alt.binaries.misc"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.MaxArticleSize == 0 {
		cfg.MaxArticleSize = 4 * bytesize.MiB
	}
}

// applyTransferDefaults sets pipeline defaults. Worker counts default to the
// relay connection limit.
func applyTransferDefaults(cfg *Config) {
	t := &cfg.Transfer
	if t.SegmentSize == 0 {
		t.SegmentSize = 768 * bytesize.KiB
	}
	if t.PackSize == 0 {
		t.PackSize = 50 * bytesize.MiB
	}
	if t.UploadWorkers == 0 {
		t.UploadWorkers = cfg.Relay.MaxConnections
	}
	if t.DownloadWorkers == 0 {
		t.DownloadWorkers = cfg.Relay.MaxConnections
	}
}

// applyStagingDefaults sets the staging directory default.
func applyStagingDefaults(cfg *StagingConfig) {
	if cfg.Path == "" {
		cfg.Path = filepath.Join(getDataDir(), "staging")
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applySecurityDefaults sets key-protection defaults. The passphrase itself
// has no default; it comes from the environment or the config file.
func applySecurityDefaults(cfg *SecurityConfig) {
	if cfg.SaltPath == "" {
		cfg.SaltPath = filepath.Join(getDataDir(), "install.salt")
	}
}

// GetDefaultConfig returns a Config with all default values applied. Useful
// for generating sample configuration files and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Database: store.Config{
			Type: store.DatabaseTypeSQLite,
		},
		Relay: RelayConfig{
			TLS: true,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
