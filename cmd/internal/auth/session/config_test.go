package session

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("CLUBHUB_REFRESH_TIMEOUT", "")
	t.Setenv("CLUBHUB_REFRESH_CEILING", "")
	t.Setenv("CLUBHUB_LOGOUT_GRACE", "")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RefreshCeiling != 3 {
		t.Fatalf("ceiling mismatch: %d", cfg.RefreshCeiling)
	}
	if cfg.LogoutGrace != 3*time.Second {
		t.Fatalf("grace mismatch: %v", cfg.LogoutGrace)
	}
}

func TestLoadConfigFromEnv_InvalidDurations(t *testing.T) {
	t.Setenv("CLUBHUB_REFRESH_TIMEOUT", "-5s")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig for negative duration, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidCeiling(t *testing.T) {
	cases := []string{"0", "abc", "11"}
	for _, v := range cases {
		t.Setenv("CLUBHUB_REFRESH_CEILING", v)
		if _, err := LoadConfigFromEnv(); err != ErrConfig {
			t.Fatalf("ceiling %q: expected ErrConfig, got %v", v, err)
		}
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	t.Setenv("CLUBHUB_REFRESH_TIMEOUT", "5s")
	t.Setenv("CLUBHUB_REFRESH_CEILING", "5")
	t.Setenv("CLUBHUB_LOGOUT_GRACE", "0s")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RefreshTimeout != 5*time.Second {
		t.Fatalf("timeout mismatch: %v", cfg.RefreshTimeout)
	}
	if cfg.RefreshCeiling != 5 {
		t.Fatalf("ceiling mismatch: %d", cfg.RefreshCeiling)
	}
	if cfg.LogoutGrace != 0 {
		t.Fatalf("grace mismatch: %v", cfg.LogoutGrace)
	}
}
