package commands

import (
	"fmt"
	"net/http"
	"os"
	"os/user"
	"path/filepath"

	"github.com/usenetsync/usenetsync/internal/cli/prompt"
	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/access"
	"github.com/usenetsync/usenetsync/pkg/config"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/engine"
	"github.com/usenetsync/usenetsync/pkg/metrics"
	prom "github.com/usenetsync/usenetsync/pkg/metrics/prometheus"
	"github.com/usenetsync/usenetsync/pkg/relay"
	"github.com/usenetsync/usenetsync/pkg/relay/nntp"
	"github.com/usenetsync/usenetsync/pkg/staging"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// loadConfig loads configuration and brings up logging and, when enabled,
// the metrics endpoint.
func loadConfig() (*config.Config, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, err
	}
	if err := InitLogger(cfg); err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		metrics.Init()
		if srv := metrics.NewServer(cfg.Metrics.Port); srv != nil {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Warn("Metrics server stopped", logger.KeyError, err)
				}
			}()
		}
	}
	return cfg, nil
}

// env bundles the opened subsystems a transfer command needs. Close releases
// them in reverse order.
type env struct {
	cfg    *config.Config
	store  *store.Store
	stage  *staging.Store
	relay  relay.Relay
	engine *engine.Engine
}

// openEnv opens the store, the staging area, the NNTP relay, and the engine.
// The installation key is derived from the configured passphrase, prompting
// when none is configured.
func openEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if cfg.Relay.Host == "" {
		return nil, fmt.Errorf("no relay configured: set relay.host in the config file or USENETSYNC_RELAY_HOST")
	}

	st, err := store.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	stage, err := staging.Open(cfg.Staging.Path)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open staging area: %w", err)
	}

	r := metrics.InstrumentRelay(nntp.New(nntp.Config{
		Host:            cfg.Relay.Host,
		Port:            cfg.Relay.Port,
		TLS:             cfg.Relay.TLS,
		Username:        cfg.Relay.Username,
		Password:        cfg.Relay.Password,
		MaxConnections:  cfg.Relay.MaxConnections,
		DialTimeout:     cfg.Relay.DialTimeout,
		MaxArticleBytes: int64(cfg.Relay.MaxArticleSize),
	}), prom.NewRelayMetrics())

	installKey, err := deriveInstallKey(cfg)
	if err != nil {
		stage.Close()
		st.Close()
		return nil, err
	}
	defer crypto.Zeroize(installKey)

	eng := engine.New(engine.Config{
		Newsgroup:       cfg.Relay.Newsgroup,
		SegmentSize:     int(cfg.Transfer.SegmentSize),
		PackSize:        int(cfg.Transfer.PackSize),
		Redundancy:      cfg.Transfer.Redundancy,
		UploadWorkers:   cfg.Transfer.UploadWorkers,
		DownloadWorkers: cfg.Transfer.DownloadWorkers,
		Metrics:         prom.NewQueueMetrics(),
	}, st, r, stage, installKey)

	return &env{cfg: cfg, store: st, stage: stage, relay: r, engine: eng}, nil
}

// Close releases the environment's resources.
func (e *env) Close() {
	if e.engine != nil {
		e.engine.Close()
	}
	if e.stage != nil {
		if err := e.stage.Close(); err != nil {
			logger.Warn("Failed to close staging area", logger.KeyError, err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			logger.Warn("Failed to close database", logger.KeyError, err)
		}
	}
}

// openStore opens only the database, for commands that never touch the relay.
func openStore() (*config.Config, *store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(&cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, st, nil
}

// deriveInstallKey stretches the passphrase with the per-installation salt.
// The passphrase comes from configuration or, interactively, from a prompt.
func deriveInstallKey(cfg *config.Config) ([]byte, error) {
	passphrase := cfg.Security.Passphrase
	if passphrase == "" {
		var err error
		passphrase, err = prompt.Password("Installation passphrase")
		if err != nil {
			return nil, err
		}
	}

	salt, err := ensureInstallSalt(cfg.Security.SaltPath)
	if err != nil {
		return nil, err
	}
	return access.DeriveInstallKey([]byte(passphrase), salt)
}

// ensureInstallSalt reads the installation salt, generating it on first use.
func ensureInstallSalt(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("security.salt_path is not configured")
	}
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) < 16 {
			return nil, fmt.Errorf("installation salt %s is corrupt", path)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read installation salt: %w", err)
	}

	salt, err = crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write installation salt: %w", err)
	}
	logger.Info("Generated installation salt", logger.KeyPath, path)
	return salt, nil
}

// currentActor names the local identity for audit logging.
func currentActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "local"
}
