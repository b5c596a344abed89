package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"camera-events/internal/device"
	"camera-events/internal/observability/logging"
)

// Config is the complete relay configuration.
type Config struct {
	HTTPAddr     string             `yaml:"http_addr"`
	Receiver     ReceiverConfig     `yaml:"receiver"`
	Device       DeviceConfig       `yaml:"device"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Throttle     ThrottleConfig     `yaml:"throttle"`
	Webhook      WebhookConfig      `yaml:"webhook"`
	Alerts       AlertsConfig       `yaml:"alerts"`
	Log          LogConfig          `yaml:"log"`
	Auth         AuthConfig         `yaml:"auth"`
	Watch        bool               `yaml:"watch"`

	// Path is the YAML file the config was read from, empty when env-only.
	Path string `yaml:"-"`
}

// ReceiverConfig configures the push notification listener.
type ReceiverConfig struct {
	Addr         string `yaml:"addr"`
	Prefix       string `yaml:"prefix"`
	CallbackURL  string `yaml:"callback_url"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// DeviceConfig locates and authenticates the camera.
type DeviceConfig struct {
	URL       string        `yaml:"url"`
	EventsURL string        `yaml:"events_url"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SubscriptionConfig drives the subscription manager.
type SubscriptionConfig struct {
	Mode          string        `yaml:"mode"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MessageLimit  int           `yaml:"message_limit"`
	PollTimeout   time.Duration `yaml:"poll_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryCreate   bool          `yaml:"retry_create"`
	RenewInterval time.Duration `yaml:"renew_interval"`
	Termination   time.Duration `yaml:"termination"`
}

// ThrottleConfig is the per-category alert gate.
type ThrottleConfig struct {
	Window       time.Duration `yaml:"window"`
	MaxPerWindow int           `yaml:"max_per_window"`
	Debounce     time.Duration `yaml:"debounce"`
}

// WebhookConfig is the outbound alert channel.
type WebhookConfig struct {
	URL           string        `yaml:"url"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	Timeout       time.Duration `yaml:"timeout"`
	UserAgent     string        `yaml:"user_agent"`
	RatePerSec    float64       `yaml:"rate_per_sec"`
}

// AlertsConfig selects and formats alerts.
type AlertsConfig struct {
	Template        string   `yaml:"template"`
	Categories      []string `yaml:"categories"`
	SkipInitialized bool     `yaml:"skip_initialized"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Runtime is the subset of Config that can change without a restart.
type Runtime struct {
	Throttle ThrottleConfig `json:"throttle"`
	Delivery DeliveryConfig `json:"delivery"`
}

// DeliveryConfig is the hot-reloadable part of WebhookConfig.
type DeliveryConfig struct {
	RetryAttempts int           `json:"retryAttempts"`
	RetryDelay    time.Duration `json:"retryDelay"`
	Timeout       time.Duration `json:"timeout"`
	RatePerSec    float64       `json:"ratePerSec"`
}

// Runtime extracts the hot-reloadable settings.
func (c Config) Runtime() Runtime {
	return Runtime{
		Throttle: c.Throttle,
		Delivery: DeliveryConfig{
			RetryAttempts: c.Webhook.RetryAttempts,
			RetryDelay:    c.Webhook.RetryDelay,
			Timeout:       c.Webhook.Timeout,
			RatePerSec:    c.Webhook.RatePerSec,
		},
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Receiver: ReceiverConfig{
			Addr:         ":8081",
			Prefix:       "/onvif/events",
			MaxBodyBytes: 4 << 20,
		},
		Device: DeviceConfig{
			Timeout: 10 * time.Second,
		},
		Subscription: SubscriptionConfig{
			Mode:         string(device.ModePoll),
			PollInterval: 5 * time.Second,
			MessageLimit: 10,
			PollTimeout:  5 * time.Second,
			MaxRetries:   3,
			Termination:  time.Minute,
		},
		Throttle: ThrottleConfig{
			Window:       time.Minute,
			MaxPerWindow: 5,
			Debounce:     5 * time.Second,
		},
		Webhook: WebhookConfig{
			RetryAttempts: 3,
			RetryDelay:    time.Second,
			Timeout:       5 * time.Second,
			UserAgent:     "camera-events/1.0",
		},
		Alerts: AlertsConfig{
			SkipInitialized: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatConsole,
		},
	}
}

// Load builds the configuration from defaults, the CONFIG_FILE YAML file and
// environment overrides, in that order, and validates the result.
func Load() (Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit file path. An empty path skips the file layer.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, &ConfigurationError{Field: "CONFIG_FILE", Reason: "read " + path, Err: err}
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, &ConfigurationError{Field: "CONFIG_FILE", Reason: "parse " + path, Err: err}
		}
		cfg.Path = path
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	env := envReader{}
	env.str("HTTP_ADDR", &cfg.HTTPAddr)
	env.str("RECEIVER_ADDR", &cfg.Receiver.Addr)
	env.str("PUSH_ENDPOINT_PREFIX", &cfg.Receiver.Prefix)
	env.str("PUSH_CALLBACK_URL", &cfg.Receiver.CallbackURL)
	env.str("DEVICE_URL", &cfg.Device.URL)
	env.str("DEVICE_EVENTS_URL", &cfg.Device.EventsURL)
	env.str("DEVICE_USERNAME", &cfg.Device.Username)
	env.str("DEVICE_PASSWORD", &cfg.Device.Password)
	env.duration("DEVICE_TIMEOUT", &cfg.Device.Timeout)
	env.str("SUBSCRIPTION_MODE", &cfg.Subscription.Mode)
	env.duration("POLL_INTERVAL", &cfg.Subscription.PollInterval)
	env.integer("POLL_MESSAGE_LIMIT", &cfg.Subscription.MessageLimit)
	env.duration("POLL_TIMEOUT", &cfg.Subscription.PollTimeout)
	env.integer("SUBSCRIPTION_MAX_RETRIES", &cfg.Subscription.MaxRetries)
	env.boolean("SUBSCRIPTION_RETRY_CREATE", &cfg.Subscription.RetryCreate)
	env.duration("SUBSCRIPTION_RENEW_INTERVAL", &cfg.Subscription.RenewInterval)
	env.duration("SUBSCRIPTION_TERMINATION", &cfg.Subscription.Termination)
	env.duration("THROTTLE_WINDOW", &cfg.Throttle.Window)
	env.integer("THROTTLE_MAX_PER_WINDOW", &cfg.Throttle.MaxPerWindow)
	env.duration("THROTTLE_DEBOUNCE", &cfg.Throttle.Debounce)
	env.str("WEBHOOK_URL", &cfg.Webhook.URL)
	env.integer("WEBHOOK_RETRY_ATTEMPTS", &cfg.Webhook.RetryAttempts)
	env.duration("WEBHOOK_RETRY_DELAY", &cfg.Webhook.RetryDelay)
	env.duration("WEBHOOK_TIMEOUT", &cfg.Webhook.Timeout)
	env.str("WEBHOOK_USER_AGENT", &cfg.Webhook.UserAgent)
	env.float("WEBHOOK_RATE_PER_SEC", &cfg.Webhook.RatePerSec)
	env.str("ALERT_TEMPLATE", &cfg.Alerts.Template)
	env.list("ALERT_CATEGORIES", &cfg.Alerts.Categories)
	env.boolean("ALERT_SKIP_INITIALIZED", &cfg.Alerts.SkipInitialized)
	env.str("LOG_LEVEL", &cfg.Log.Level)
	env.str("LOG_FORMAT", &cfg.Log.Format)
	env.str("AUTH_JWT_SECRET", &cfg.Auth.JWTSecret)
	env.boolean("CONFIG_WATCH", &cfg.Watch)
	return env.err
}

// Validate checks cross-field constraints and returns the first violation.
func (c Config) Validate() error {
	mode := device.Mode(strings.ToLower(c.Subscription.Mode))
	if !mode.Valid() {
		return invalid("SUBSCRIPTION_MODE", fmt.Sprintf("unknown mode %q", c.Subscription.Mode))
	}
	if err := checkURL("DEVICE_URL", c.Device.URL, true); err != nil {
		return err
	}
	if err := checkURL("DEVICE_EVENTS_URL", c.Device.EventsURL, false); err != nil {
		return err
	}
	if c.HTTPAddr == "" {
		return invalid("HTTP_ADDR", "required")
	}
	if mode == device.ModePush {
		if c.Receiver.Addr == "" {
			return invalid("RECEIVER_ADDR", "required in push mode")
		}
		if !strings.HasPrefix(c.Receiver.Prefix, "/") {
			return invalid("PUSH_ENDPOINT_PREFIX", "must start with /")
		}
		if err := checkURL("PUSH_CALLBACK_URL", c.Receiver.CallbackURL, true); err != nil {
			return err
		}
	}
	if c.Receiver.MaxBodyBytes <= 0 {
		return invalid("receiver.max_body_bytes", "must be positive")
	}

	positive := []struct {
		field string
		value time.Duration
	}{
		{"DEVICE_TIMEOUT", c.Device.Timeout},
		{"POLL_INTERVAL", c.Subscription.PollInterval},
		{"POLL_TIMEOUT", c.Subscription.PollTimeout},
		{"SUBSCRIPTION_TERMINATION", c.Subscription.Termination},
		{"THROTTLE_WINDOW", c.Throttle.Window},
		{"WEBHOOK_TIMEOUT", c.Webhook.Timeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return invalid(p.field, "must be positive")
		}
	}
	if c.Subscription.RenewInterval < 0 {
		return invalid("SUBSCRIPTION_RENEW_INTERVAL", "must not be negative")
	}
	if c.Subscription.MessageLimit <= 0 {
		return invalid("POLL_MESSAGE_LIMIT", "must be positive")
	}
	if c.Subscription.MaxRetries <= 0 {
		return invalid("SUBSCRIPTION_MAX_RETRIES", "must be positive")
	}
	if err := c.Runtime().Validate(); err != nil {
		return err
	}

	if err := checkURL("WEBHOOK_URL", c.Webhook.URL, true); err != nil {
		return err
	}
	if c.Alerts.Template != "" {
		if _, err := template.New("alert").Parse(c.Alerts.Template); err != nil {
			return &ConfigurationError{Field: "ALERT_TEMPLATE", Reason: "parse", Err: err}
		}
	}
	if !logging.ValidLevel(c.Log.Level) {
		return invalid("LOG_LEVEL", fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		return invalid("LOG_FORMAT", fmt.Sprintf("unknown format %q", c.Log.Format))
	}
	return nil
}

// Validate checks the hot-reloadable settings on their own.
func (r Runtime) Validate() error {
	if r.Throttle.Window <= 0 {
		return invalid("THROTTLE_WINDOW", "must be positive")
	}
	if r.Throttle.MaxPerWindow < 0 {
		return invalid("THROTTLE_MAX_PER_WINDOW", "must not be negative")
	}
	if r.Throttle.Debounce < 0 {
		return invalid("THROTTLE_DEBOUNCE", "must not be negative")
	}
	if r.Delivery.RetryAttempts <= 0 {
		return invalid("WEBHOOK_RETRY_ATTEMPTS", "must be positive")
	}
	if r.Delivery.RetryDelay < 0 {
		return invalid("WEBHOOK_RETRY_DELAY", "must not be negative")
	}
	if r.Delivery.Timeout <= 0 {
		return invalid("WEBHOOK_TIMEOUT", "must be positive")
	}
	if r.Delivery.RatePerSec < 0 {
		return invalid("WEBHOOK_RATE_PER_SEC", "must not be negative")
	}
	return nil
}

// Mode returns the normalized subscription mode.
func (c Config) Mode() device.Mode {
	return device.Mode(strings.ToLower(c.Subscription.Mode))
}

func checkURL(field, raw string, required bool) error {
	if raw == "" {
		if required {
			return invalid(field, "required")
		}
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return &ConfigurationError{Field: field, Reason: "invalid url", Err: err}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return invalid(field, "scheme must be http or https")
	}
	if parsed.Host == "" {
		return invalid(field, "host required")
	}
	return nil
}

// envReader applies set environment variables and keeps the first parse failure.
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func (r *envReader) fail(key, value string, err error) {
	r.err = &ConfigurationError{Field: key, Reason: fmt.Sprintf("invalid value %q", value), Err: err}
}

func (r *envReader) str(key string, dst *string) {
	if value, ok := r.lookup(key); ok {
		*dst = value
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		r.fail(key, value, err)
		return
	}
	*dst = parsed
}

func (r *envReader) integer(key string, dst *int) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		r.fail(key, value, err)
		return
	}
	*dst = parsed
}

func (r *envReader) float(key string, dst *float64) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.fail(key, value, err)
		return
	}
	*dst = parsed
}

func (r *envReader) boolean(key string, dst *bool) {
	value, ok := r.lookup(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		r.fail(key, value, err)
		return
	}
	*dst = parsed
}

func (r *envReader) list(key string, dst *[]string) {
	if value, ok := r.lookup(key); ok {
		*dst = splitCSV(value)
	}
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
