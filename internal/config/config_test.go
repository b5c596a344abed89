package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"camera-events/internal/device"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DEVICE_URL", "http://192.0.2.10/onvif/device_service")
	t.Setenv("WEBHOOK_URL", "https://hooks.example.com/alerts")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadDefaultsWithEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("THROTTLE_MAX_PER_WINDOW", "7")
	t.Setenv("ALERT_CATEGORIES", "motionalarm, tamper ,")
	t.Setenv("ALERT_SKIP_INITIALIZED", "false")

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode() != device.ModePoll {
		t.Fatalf("expected poll mode, got %s", cfg.Mode())
	}
	if cfg.Subscription.PollInterval != 2*time.Second {
		t.Fatalf("expected poll interval 2s, got %s", cfg.Subscription.PollInterval)
	}
	if cfg.Throttle.MaxPerWindow != 7 {
		t.Fatalf("expected max per window 7, got %d", cfg.Throttle.MaxPerWindow)
	}
	if len(cfg.Alerts.Categories) != 2 || cfg.Alerts.Categories[1] != "tamper" {
		t.Fatalf("unexpected categories %v", cfg.Alerts.Categories)
	}
	if cfg.Alerts.SkipInitialized {
		t.Fatalf("expected skip initialized disabled")
	}
	if cfg.Webhook.UserAgent != "camera-events/1.0" {
		t.Fatalf("expected default user agent, got %q", cfg.Webhook.UserAgent)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeFile(t, path, `
device:
  url: http://192.0.2.20/onvif/device_service
  username: admin
subscription:
  mode: push
  max_retries: 5
receiver:
  callback_url: http://192.0.2.1:8081/onvif/events
throttle:
  window: 30s
  debounce: 2s
webhook:
  url: https://hooks.example.com/a
  retry_delay: 250ms
`)
	t.Setenv("WEBHOOK_URL", "https://hooks.example.com/b")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode() != device.ModePush {
		t.Fatalf("expected push mode, got %s", cfg.Mode())
	}
	if cfg.Subscription.MaxRetries != 5 {
		t.Fatalf("expected 5 retries, got %d", cfg.Subscription.MaxRetries)
	}
	if cfg.Throttle.Window != 30*time.Second || cfg.Throttle.Debounce != 2*time.Second {
		t.Fatalf("unexpected throttle %+v", cfg.Throttle)
	}
	if cfg.Throttle.MaxPerWindow != 5 {
		t.Fatalf("expected default max per window kept, got %d", cfg.Throttle.MaxPerWindow)
	}
	if cfg.Webhook.URL != "https://hooks.example.com/b" {
		t.Fatalf("expected env to override file, got %s", cfg.Webhook.URL)
	}
	if cfg.Webhook.RetryDelay != 250*time.Millisecond {
		t.Fatalf("expected retry delay 250ms, got %s", cfg.Webhook.RetryDelay)
	}
	if cfg.Path != path {
		t.Fatalf("expected path recorded, got %q", cfg.Path)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name  string
		env   map[string]string
		field string
	}{
		{"missing device", map[string]string{"DEVICE_URL": ""}, "DEVICE_URL"},
		{"bad mode", map[string]string{"SUBSCRIPTION_MODE": "stream"}, "SUBSCRIPTION_MODE"},
		{"push without callback", map[string]string{"SUBSCRIPTION_MODE": "push"}, "PUSH_CALLBACK_URL"},
		{"bad prefix", map[string]string{"SUBSCRIPTION_MODE": "push", "PUSH_ENDPOINT_PREFIX": "events"}, "PUSH_ENDPOINT_PREFIX"},
		{"zero interval", map[string]string{"POLL_INTERVAL": "0s"}, "POLL_INTERVAL"},
		{"unparsable int", map[string]string{"POLL_MESSAGE_LIMIT": "ten"}, "POLL_MESSAGE_LIMIT"},
		{"webhook scheme", map[string]string{"WEBHOOK_URL": "ftp://hooks.example.com"}, "WEBHOOK_URL"},
		{"zero attempts", map[string]string{"WEBHOOK_RETRY_ATTEMPTS": "0"}, "WEBHOOK_RETRY_ATTEMPTS"},
		{"bad template", map[string]string{"ALERT_TEMPLATE": "{{.Label"}, "ALERT_TEMPLATE"},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadFile("")
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if cfgErr.Field != tc.field {
				t.Fatalf("expected field %s, got %s (%v)", tc.field, cfgErr.Field, err)
			}
			if !IsConfigurationError(err) {
				t.Fatalf("expected IsConfigurationError")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	setRequired(t)
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "CONFIG_FILE" {
		t.Fatalf("expected CONFIG_FILE error, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected wrapped not-exist error, got %v", err)
	}
}

func TestWatcherReloadPublishesChanges(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeFile(t, path, "throttle:\n  max_per_window: 2\n")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w, err := NewWatcher(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	ch := w.Subscribe(1)
	defer w.Unsubscribe(ch)

	published, err := w.Reload()
	if err != nil || published {
		t.Fatalf("expected unchanged reload to be skipped, got published=%v err=%v", published, err)
	}

	writeFile(t, path, "throttle:\n  max_per_window: 4\nwebhook:\n  retry_attempts: 6\n")
	published, err = w.Reload()
	if err != nil || !published {
		t.Fatalf("expected publish, got published=%v err=%v", published, err)
	}
	select {
	case rt := <-ch:
		if rt.Throttle.MaxPerWindow != 4 || rt.Delivery.RetryAttempts != 6 {
			t.Fatalf("unexpected runtime %+v", rt)
		}
	default:
		t.Fatalf("expected runtime on channel")
	}

	writeFile(t, path, "throttle:\n  window: -1s\n")
	if _, err := w.Reload(); err == nil {
		t.Fatalf("expected invalid file to be rejected")
	}
	if got := w.Current().Throttle.MaxPerWindow; got != 4 {
		t.Fatalf("expected last good config kept, got %d", got)
	}
}

func TestWatcherPublishKeepsNewest(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeFile(t, path, "throttle:\n  max_per_window: 1\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w, err := NewWatcher(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	ch := w.Subscribe(1)
	for _, n := range []string{"2", "3"} {
		writeFile(t, path, "throttle:\n  max_per_window: "+n+"\n")
		if _, err := w.Reload(); err != nil {
			t.Fatalf("reload: %v", err)
		}
	}
	rt := <-ch
	if rt.Throttle.MaxPerWindow != 3 {
		t.Fatalf("expected newest value 3, got %d", rt.Throttle.MaxPerWindow)
	}
	w.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
}

func TestWatcherRunDetectsWrite(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeFile(t, path, "throttle:\n  debounce: 1s\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w, err := NewWatcher(cfg, zerolog.Nop(), WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	ch := w.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case rt := <-ch:
			if rt.Throttle.Debounce != 3*time.Second {
				t.Fatalf("expected debounce 3s, got %s", rt.Throttle.Debounce)
			}
			return
		case <-tick.C:
			// rewrite until the watcher has registered the directory
			writeFile(t, path, "throttle:\n  debounce: 3s\n")
		case <-deadline:
			t.Fatalf("expected reload after file write")
		}
	}
}

func TestNewWatcherRequiresFile(t *testing.T) {
	if _, err := NewWatcher(Default(), zerolog.Nop()); err == nil {
		t.Fatalf("expected error without config file")
	}
}
