// Package config assembles the runtime configuration from CHATRELAY_*
// environment variables plus an optional JSON overrides file. The file
// holds the hot-reloadable subset (provider credentials, webhook rate
// limit) and is watched for changes so a credential rotation does not
// need a restart.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Config struct {
	Addr      string
	StoreDSN  string
	JWTSecret string

	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64

	OutboundWorkers     int
	OutboundQueueSize   int
	OutboundMaxAttempts int
	OutboundRetryDelay  time.Duration

	ProviderAccountID string
	ProviderAuthToken string

	// File is the optional JSON overrides file; empty disables watching.
	File string
}

func FromEnv() Config {
	return Config{
		Addr:                stringEnv("CHATRELAY_ADDR", ":8080"),
		StoreDSN:            stringEnv("CHATRELAY_STORE_DSN", "memory://"),
		JWTSecret:           os.Getenv("CHATRELAY_JWT_SECRET"),
		RateLimitMax:        intEnv("CHATRELAY_RATE_LIMIT_MAX", 0),
		RateLimitWindow:     durationEnv("CHATRELAY_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:        int64Env("CHATRELAY_MAX_BODY_BYTES", 0),
		OutboundWorkers:     intEnv("CHATRELAY_OUTBOUND_WORKERS", 0),
		OutboundQueueSize:   intEnv("CHATRELAY_OUTBOUND_QUEUE_SIZE", 0),
		OutboundMaxAttempts: intEnv("CHATRELAY_OUTBOUND_MAX_ATTEMPTS", 0),
		OutboundRetryDelay:  durationEnv("CHATRELAY_OUTBOUND_RETRY_DELAY", 0),
		ProviderAccountID:   os.Getenv("CHATRELAY_PROVIDER_ACCOUNT_ID"),
		ProviderAuthToken:   os.Getenv("CHATRELAY_PROVIDER_AUTH_TOKEN"),
		File:                strings.TrimSpace(os.Getenv("CHATRELAY_CONFIG_FILE")),
	}
}

type fileOverrides struct {
	RateLimitMax      *int    `json:"rate_limit_max"`
	RateLimitWindow   *string `json:"rate_limit_window"`
	ProviderAccountID *string `json:"provider_account_id"`
	ProviderAuthToken *string `json:"provider_auth_token"`
}

// Load applies the overrides file, if configured, on top of the base
// config. A missing file is not an error; a malformed one is.
func (c Config) Load() (Config, error) {
	if c.File == "" {
		return c, nil
	}
	raw, err := os.ReadFile(c.File)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return Config{}, err
	}
	var overrides fileOverrides
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", c.File, err)
	}
	if overrides.RateLimitMax != nil {
		c.RateLimitMax = *overrides.RateLimitMax
	}
	if overrides.RateLimitWindow != nil {
		window, err := time.ParseDuration(*overrides.RateLimitWindow)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: rate_limit_window: %w", c.File, err)
		}
		c.RateLimitWindow = window
	}
	if overrides.ProviderAccountID != nil {
		c.ProviderAccountID = *overrides.ProviderAccountID
	}
	if overrides.ProviderAuthToken != nil {
		c.ProviderAuthToken = *overrides.ProviderAuthToken
	}
	return c, nil
}

// Watcher re-applies the overrides file whenever it changes and hands the
// merged config to the reload callback.
type Watcher struct {
	base     Config
	onReload func(Config)
	logger   *log.Logger
	watcher  *fsnotify.Watcher

	closeOnce sync.Once
	done      chan struct{}
}

func Watch(base Config, onReload func(Config), logger *log.Logger) (*Watcher, error) {
	if base.File == "" {
		return nil, fmt.Errorf("no config file to watch")
	}
	if logger == nil {
		logger = log.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors and config writers
	// typically replace the file by rename, which drops a file-level watch.
	dir := filepath.Dir(base.File)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &Watcher{
		base:     base,
		onReload: onReload,
		logger:   logger,
		watcher:  fsw,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	target := filepath.Clean(w.base.File)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			merged, err := w.base.Load()
			if err != nil {
				w.logger.Printf("config reload skipped: %v", err)
				continue
			}
			w.logger.Printf("config reloaded from %s", w.base.File)
			w.onReload(merged)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func stringEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
