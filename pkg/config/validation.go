package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against its struct tags plus the
// cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Relay host is only required once relay operations run; commands like
	// init and status work without one. Port/credential consistency is still
	// checked here.
	if cfg.Relay.Username != "" && cfg.Relay.Password == "" {
		return fmt.Errorf("relay: username set without password")
	}

	if cfg.Transfer.SegmentSize > cfg.Relay.MaxArticleSize {
		return fmt.Errorf("transfer: segment_size %s exceeds relay max_article_size %s",
			cfg.Transfer.SegmentSize, cfg.Relay.MaxArticleSize)
	}
	return nil
}
