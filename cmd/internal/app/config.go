package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"clubhub/cmd/internal/auth/session"
	"clubhub/cmd/internal/notify"
)

// ErrConfig marks an invalid configuration.
var ErrConfig = errors.New("invalid config")

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// StoreConfig selects and configures the fallback store.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
	Schema      string `yaml:"schema"`
	Namespace   string `yaml:"namespace"`
	SealKey     string `yaml:"seal_key"`
	DBMaxConns  int    `yaml:"db_max_conns"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConfig is the optional client-side request throttle (0 rps = off).
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// NotificationsConfig bounds the local notification cache.
type NotificationsConfig struct {
	CacheLimit int `yaml:"cache_limit"`
}

// Config is the runtime configuration. Precedence: defaults < YAML < env < flags.
type Config struct {
	APIBaseURL     string        `yaml:"api_base_url"`
	WSURL          string        `yaml:"ws_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
	RefreshCeiling int           `yaml:"refresh_ceiling"`
	LogoutGrace    time.Duration `yaml:"logout_grace"`
	MetricsAddr    string        `yaml:"metrics_addr"`

	Store         StoreConfig         `yaml:"store"`
	Log           LogConfig           `yaml:"log"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	sess := session.DefaultConfig()
	return Config{
		APIBaseURL:     "http://localhost:8080",
		RequestTimeout: 30 * time.Second,
		RefreshTimeout: sess.RefreshTimeout,
		RefreshCeiling: sess.RefreshCeiling,
		LogoutGrace:    sess.LogoutGrace,
		MetricsAddr:    "127.0.0.1:9464",
		Store: StoreConfig{
			Driver:     StoreFile,
			Path:       defaultStorePath(),
			Schema:     "clubhub",
			Namespace:  "default",
			DBMaxConns: 4,
		},
		Log:           LogConfig{Level: "info", Format: "json"},
		RateLimit:     RateLimitConfig{Burst: 1},
		Notifications: NotificationsConfig{CacheLimit: notify.DefaultCacheLimit},
	}
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "clubhub-state.json"
	}
	return dir + string(os.PathSeparator) + "clubhub" + string(os.PathSeparator) + "state.json"
}

// LoadConfig layers defaults, the YAML file at path (if any) and the
// environment. path falls back to CLUBHUB_CONFIG.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = EnvString("CONFIG", "")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays CLUBHUB_* variables onto cfg. Token lifecycle values
// are strict: a malformed duration or ceiling is ErrConfig.
func ApplyEnv(cfg *Config) error {
	cfg.APIBaseURL = EnvString("API_BASE_URL", cfg.APIBaseURL)
	cfg.WSURL = EnvString("WS_URL", cfg.WSURL)
	cfg.RequestTimeout = EnvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.MetricsAddr = EnvString("METRICS_ADDR", cfg.MetricsAddr)

	cfg.Store.Driver = EnvString("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.Path = EnvString("STORE_PATH", cfg.Store.Path)
	cfg.Store.DatabaseURL = EnvString("DATABASE_URL", cfg.Store.DatabaseURL)
	cfg.Store.Schema = EnvString("STORE_SCHEMA", cfg.Store.Schema)
	cfg.Store.Namespace = EnvString("STORE_NAMESPACE", cfg.Store.Namespace)
	cfg.Store.SealKey = EnvString("SEAL_KEY", cfg.Store.SealKey)
	cfg.Store.DBMaxConns = EnvInt("DB_MAX_CONNS", cfg.Store.DBMaxConns)

	cfg.Log.Level = EnvString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = EnvString("LOG_FORMAT", cfg.Log.Format)

	cfg.RateLimit.RPS = EnvFloat("RATE_LIMIT_RPS", cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = EnvInt("RATE_LIMIT_BURST", cfg.RateLimit.Burst)

	cfg.Notifications.CacheLimit = EnvInt("NOTIFICATIONS_CACHE_LIMIT", cfg.Notifications.CacheLimit)

	sess, err := session.ApplyEnv(cfg.Session())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.RefreshTimeout = sess.RefreshTimeout
	cfg.RefreshCeiling = sess.RefreshCeiling
	cfg.LogoutGrace = sess.LogoutGrace
	return nil
}

// Session projects the token lifecycle settings.
func (c Config) Session() session.Config {
	return session.Config{
		RefreshTimeout: c.RefreshTimeout,
		RefreshCeiling: c.RefreshCeiling,
		LogoutGrace:    c.LogoutGrace,
	}
}

// FeedURL is WSURL, or the API base rewritten to ws(s) + /ws/notifications.
func (c Config) FeedURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	return wsBaseURL(c.APIBaseURL) + "/ws/notifications"
}

// Validate rejects unusable values with ErrConfig.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: api_base_url must be an absolute http(s) URL", ErrConfig)
	}
	if c.WSURL != "" {
		w, err := url.Parse(c.WSURL)
		if err != nil || (w.Scheme != "ws" && w.Scheme != "wss") {
			return fmt.Errorf("%w: ws_url must be a ws(s) URL", ErrConfig)
		}
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be > 0", ErrConfig)
	}
	if err := c.Session().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreFile:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("%w: store.path is required for the file driver", ErrConfig)
		}
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("%w: store.database_url is required for the postgres driver", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store.driver %q", ErrConfig, c.Store.Driver)
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "pretty", "text":
	default:
		return fmt.Errorf("%w: log.format must be json, pretty or text", ErrConfig)
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("%w: rate_limit.rps must be >= 0", ErrConfig)
	}
	if c.Notifications.CacheLimit <= 0 {
		return fmt.Errorf("%w: notifications.cache_limit must be > 0", ErrConfig)
	}
	return nil
}

// wsBaseURL maps http(s)://host to ws(s)://host; a bare host:port gets ws://.
func wsBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
