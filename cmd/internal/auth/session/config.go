package session

import (
	"os"
	"strconv"
	"time"
)

// Config defines runtime configuration for the token lifecycle.
type Config struct {
	// RefreshTimeout bounds a single refresh round-trip.
	RefreshTimeout time.Duration

	// RefreshCeiling is the RetryBudget ceiling: consecutive failed refreshes
	// allowed before the next refresh tears the session down.
	RefreshCeiling int

	// LogoutGrace is the delay between teardown and the login redirect.
	// The teardown latch is held for the same window.
	LogoutGrace time.Duration
}

// DefaultConfig returns the defaults used by the CLI and tests.
func DefaultConfig() Config {
	return Config{
		RefreshTimeout: 15 * time.Second,
		RefreshCeiling: 3,
		LogoutGrace:    3 * time.Second,
	}
}

// Validate reports ErrConfig for values the manager cannot run with.
func (c Config) Validate() error {
	if c.RefreshTimeout <= 0 || c.RefreshCeiling < 1 || c.RefreshCeiling > 10 || c.LogoutGrace < 0 {
		return ErrConfig
	}
	return nil
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - CLUBHUB_REFRESH_TIMEOUT
//   - CLUBHUB_REFRESH_CEILING
//   - CLUBHUB_LOGOUT_GRACE
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	return ApplyEnv(DefaultConfig())
}

// ApplyEnv overlays the environment on cfg.
func ApplyEnv(cfg Config) (Config, error) {
	if v := os.Getenv("CLUBHUB_REFRESH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTimeout = d
	}

	if v := os.Getenv("CLUBHUB_REFRESH_CEILING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.RefreshCeiling = n
	}

	if v := os.Getenv("CLUBHUB_LOGOUT_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.LogoutGrace = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
