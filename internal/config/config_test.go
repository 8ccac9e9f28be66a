package config

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, name := range []string{
		"CHATRELAY_ADDR", "CHATRELAY_STORE_DSN", "CHATRELAY_RATE_LIMIT_MAX",
		"CHATRELAY_RATE_LIMIT_WINDOW", "CHATRELAY_CONFIG_FILE",
	} {
		t.Setenv(name, "")
	}
	cfg := FromEnv()
	if cfg.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.StoreDSN != "memory://" {
		t.Fatalf("expected memory store default, got %q", cfg.StoreDSN)
	}
	if cfg.RateLimitWindow != time.Minute {
		t.Fatalf("expected 1m window default, got %s", cfg.RateLimitWindow)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CHATRELAY_ADDR", ":9999")
	t.Setenv("CHATRELAY_STORE_DSN", "postgres://localhost/chatrelay")
	t.Setenv("CHATRELAY_RATE_LIMIT_MAX", "30")
	t.Setenv("CHATRELAY_RATE_LIMIT_WINDOW", "30s")
	t.Setenv("CHATRELAY_OUTBOUND_RETRY_DELAY", "not-a-duration")

	cfg := FromEnv()
	if cfg.Addr != ":9999" || cfg.StoreDSN != "postgres://localhost/chatrelay" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.RateLimitMax != 30 || cfg.RateLimitWindow != 30*time.Second {
		t.Fatalf("rate limit overrides not applied: %+v", cfg)
	}
	if cfg.OutboundRetryDelay != 0 {
		t.Fatalf("invalid duration should fall back to zero, got %s", cfg.OutboundRetryDelay)
	}
}

func TestLoadMergesFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatrelay.json")
	content := `{
		"rate_limit_max": 5,
		"rate_limit_window": "10s",
		"provider_account_id": "acct-42"
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	base := Config{
		RateLimitMax:      100,
		RateLimitWindow:   time.Minute,
		ProviderAuthToken: "from-env",
		File:              path,
	}
	merged, err := base.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if merged.RateLimitMax != 5 || merged.RateLimitWindow != 10*time.Second {
		t.Fatalf("file overrides not applied: %+v", merged)
	}
	if merged.ProviderAccountID != "acct-42" {
		t.Fatalf("provider_account_id not applied: %+v", merged)
	}
	// Fields absent from the file keep the base value.
	if merged.ProviderAuthToken != "from-env" {
		t.Fatalf("unset file field must not clobber base: %+v", merged)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	base := Config{RateLimitMax: 7, File: filepath.Join(t.TempDir(), "absent.json")}
	merged, err := base.Load()
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if merged.RateLimitMax != 7 {
		t.Fatalf("base config should pass through: %+v", merged)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	if _, err := (Config{File: path}).Load(); err == nil {
		t.Fatalf("expected error for malformed file")
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatrelay.json")
	if err := os.WriteFile(path, []byte(`{"rate_limit_max": 1}`), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	base := Config{RateLimitWindow: time.Minute, File: path}
	reloaded := make(chan Config, 4)
	w, err := Watch(base, func(cfg Config) { reloaded <- cfg }, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`{"rate_limit_max": 9, "provider_auth_token": "rotated"}`), 0o600); err != nil {
		t.Fatalf("rewrite config file: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if cfg.RateLimitMax == 9 && cfg.ProviderAuthToken == "rotated" {
				return
			}
		case <-deadline:
			t.Fatalf("reload callback never saw the new config")
		}
	}
}

func TestWatcherIgnoresMalformedRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatrelay.json")
	if err := os.WriteFile(path, []byte(`{"rate_limit_max": 1}`), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	reloaded := make(chan Config, 4)
	w, err := Watch(Config{File: path}, func(cfg Config) { reloaded <- cfg }, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatalf("rewrite config file: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"rate_limit_max": 3}`), 0o600); err != nil {
		t.Fatalf("rewrite config file: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if cfg.RateLimitMax == 3 {
				return
			}
		case <-deadline:
			t.Fatalf("watcher did not recover after malformed rewrite")
		}
	}
}
