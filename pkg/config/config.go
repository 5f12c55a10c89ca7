// Package config loads UsenetSync configuration from file, environment, and
// defaults.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (USENETSYNC_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// Config captures the static configuration of a UsenetSync installation.
// Folders, shares, and transfer state live in the database, not here.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Database configures the local state store (SQLite or PostgreSQL)
	Database store.Config `mapstructure:"database" yaml:"database"`

	// Relay configures the NNTP provider connection
	Relay RelayConfig `mapstructure:"relay" yaml:"relay"`

	// Transfer controls segmentation, packing, redundancy, and worker pools
	Transfer TransferConfig `mapstructure:"transfer" yaml:"transfer"`

	// Staging configures the local staging area for downloaded segments
	Staging StagingConfig `mapstructure:"staging" yaml:"staging"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Security controls how folder key material is protected at rest
	Security SecurityConfig `mapstructure:"security" yaml:"security"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format.
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written.
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// RelayConfig configures the NNTP relay connection.
//
// Environment variable overrides:
//
//	USENETSYNC_RELAY_USERNAME overrides Username
//	USENETSYNC_RELAY_PASSWORD overrides Password
type RelayConfig struct {
	// Host is the NNTP server hostname (required for relay operations)
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the NNTP server port.
	// Default: 563 with TLS, 119 without
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// TLS enables an encrypted connection to the provider.
	// Default: true
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Username and Password authenticate against the provider
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// MaxConnections bounds the connection pool; also the default worker
	// count for uploads and downloads.
	// Default: 4
	MaxConnections int `mapstructure:"max_connections" validate:"omitempty,min=1,max=64" yaml:"max_connections"`

	// Newsgroup is the posting group for all articles.
	// Default: alt.binaries.misc
	Newsgroup string `mapstructure:"newsgroup" yaml:"newsgroup"`

	// DialTimeout bounds connection establishment.
	// Default: 30s
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`

	// MaxArticleSize is the provider's article size limit.
	// Supports human-readable formats: "4MB", "1Mi"
	// Default: 4 MiB
	MaxArticleSize bytesize.ByteSize `mapstructure:"max_article_size" yaml:"max_article_size,omitempty"`
}

// TransferConfig controls the segmentation and transfer pipeline.
type TransferConfig struct {
	// SegmentSize is the fixed segment cut size.
	// Supports human-readable formats: "768Ki", "500KB"
	// Default: 768 KiB
	SegmentSize bytesize.ByteSize `mapstructure:"segment_size" yaml:"segment_size,omitempty"`

	// PackSize bounds one container article.
	// Default: 50 MiB
	PackSize bytesize.ByteSize `mapstructure:"pack_size" yaml:"pack_size,omitempty"`

	// Redundancy is the default replica count beyond the original.
	// Default: 0
	Redundancy int `mapstructure:"redundancy" validate:"omitempty,min=0,max=15" yaml:"redundancy"`

	// UploadWorkers and DownloadWorkers bound the task pools.
	// Default: the relay's MaxConnections
	UploadWorkers   int `mapstructure:"upload_workers" validate:"omitempty,min=1,max=64" yaml:"upload_workers"`
	DownloadWorkers int `mapstructure:"download_workers" validate:"omitempty,min=1,max=64" yaml:"download_workers"`
}

// StagingConfig configures the staging area for downloaded segments.
type StagingConfig struct {
	// Path is the staging database directory.
	// Default: $XDG_DATA_HOME/usenetsync/staging
	Path string `mapstructure:"path" validate:"required" yaml:"path"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics endpoint is served.
type MetricsConfig struct {
	// Enabled controls whether the metrics HTTP server runs
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint.
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// SecurityConfig controls protection of folder key material at rest.
//
// Environment variable override:
//
//	USENETSYNC_SECURITY_PASSPHRASE overrides Passphrase
type SecurityConfig struct {
	// Passphrase unlocks the installation key. Prefer the environment
	// variable over storing it in the config file.
	Passphrase string `mapstructure:"passphrase" yaml:"passphrase,omitempty"`

	// SaltPath is where the installation key salt lives.
	// Default: $XDG_DATA_HOME/usenetsync/install.salt
	SaltPath string `mapstructure:"salt_path" yaml:"salt_path"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the file is
// missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  usenetsync init\n\n"+
				"Or specify a custom config file:\n"+
				"  usenetsync <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  usenetsync init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to path in YAML. Restricted file mode:
// the file may contain relay credentials.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variable support and config file search.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the USENETSYNC_ prefix and underscores.
	// Example: USENETSYNC_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("USENETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing file is
// not an error; defaults apply.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the combined decode hook for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize so
// config files can say "768Ki" or "50MB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can
// say "30s" or "5m".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory: XDG_CONFIG_HOME if set,
// otherwise ~/.config, with the current directory as last resort.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "usenetsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "usenetsync")
}

// getDataDir returns the data directory: XDG_DATA_HOME if set, otherwise
// ~/.local/share.
func getDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "usenetsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "usenetsync")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the init
// command).
func GetConfigDir() string {
	return getConfigDir()
}
