// Package notify turns admitted events into webhook alerts and reports the
// outcome of every delivery.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"camera-events/internal/alerts/throttle"
	"camera-events/internal/events/domain"
	"camera-events/internal/observability/metrics"
)

// ErrClosed is returned by Handle after Close.
var ErrClosed = errors.New("alert dispatcher: closed")

const operationInitialized = "Initialized"

// DeliveryError reports an alert whose every attempt failed.
type DeliveryError struct {
	EventID  string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver alert %s: %d attempts failed: %v", e.EventID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Throttler decides whether an event may produce an alert.
type Throttler interface {
	Evaluate(category string, at time.Time) throttle.Decision
}

// Clock provides time for throttling and latency.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Settings are the delivery parameters that may change at runtime.
type Settings struct {
	RetryAttempts  int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
	// RatePerSec caps webhook attempts across all alerts; 0 disables the cap.
	RatePerSec float64
}

// Stats are the dispatcher counters.
type Stats struct {
	Sent       uint64 `json:"alertsSent"`
	Failed     uint64 `json:"alertsFailed"`
	Suppressed uint64 `json:"alertsSuppressed"`
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithSettings overrides the default delivery settings.
func WithSettings(settings Settings) Option {
	return func(d *Dispatcher) {
		d.applySettings(settings)
	}
}

// WithCategories restricts alerts to the listed categories.
func WithCategories(categories ...string) Option {
	return func(d *Dispatcher) {
		for _, c := range categories {
			c = strings.ToLower(strings.TrimSpace(c))
			if c == "" {
				continue
			}
			if d.categories == nil {
				d.categories = make(map[string]struct{})
			}
			d.categories[c] = struct{}{}
		}
	}
}

// WithInitializedAlerts controls whether Initialized property operations,
// which describe state at subscription time, produce alerts.
func WithInitializedAlerts(enabled bool) Option {
	return func(d *Dispatcher) {
		d.skipInitialized = !enabled
	}
}

// WithReporter adds an outcome reporter.
func WithReporter(reporter Reporter) Option {
	return func(d *Dispatcher) {
		if reporter != nil {
			d.reporters = append(d.reporters, reporter)
		}
	}
}

// Dispatcher throttles events and delivers alerts asynchronously.
type Dispatcher struct {
	channel   Channel
	throttler Throttler
	template  *Template
	logger    zerolog.Logger
	clock     Clock

	categories      map[string]struct{}
	skipInitialized bool
	reporters       []Reporter

	settingsMu sync.RWMutex
	settings   Settings
	limiter    *rate.Limiter

	camera atomic.Pointer[CameraInfo]

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	sent       atomic.Uint64
	failed     atomic.Uint64
	suppressed atomic.Uint64
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(channel Channel, throttler Throttler, template *Template, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	if channel == nil {
		return nil, errors.New("alert dispatcher: nil channel")
	}
	if throttler == nil {
		return nil, errors.New("alert dispatcher: nil throttler")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		channel:         channel,
		throttler:       throttler,
		template:        template,
		logger:          logger.With().Str("component", "dispatcher").Logger(),
		clock:           systemClock{},
		skipInitialized: true,
		ctx:             ctx,
		cancel:          cancel,
	}
	d.applySettings(Settings{RetryAttempts: 3, RetryDelay: time.Second, AttemptTimeout: 5 * time.Second})
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Handle is the event bus handler. Suppressed events are counted, never
// returned as errors.
func (d *Dispatcher) Handle(_ context.Context, evt domain.Event) error {
	if d.categories != nil {
		if _, ok := d.categories[evt.Category]; !ok {
			return nil
		}
	}
	if d.skipInitialized && evt.Operation == operationInitialized {
		d.logger.Debug().Str("event_id", evt.ID).Str("category", evt.Category).Msg("initial state event ignored")
		return nil
	}

	// The throttle only sees alerts that will be dispatched.
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrClosed
	}
	payload, err := BuildPayload(evt, d.camera.Load(), d.template)
	if err != nil {
		d.mu.RUnlock()
		d.failed.Add(1)
		d.logger.Error().Err(err).Str("event_id", evt.ID).Msg("build alert payload")
		return nil
	}
	admittedAt := d.clock.Now()
	decision := d.throttler.Evaluate(evt.Category, admittedAt)
	if !decision.Admitted {
		d.mu.RUnlock()
		d.suppressed.Add(1)
		d.logger.Debug().
			Str("event_id", evt.ID).
			Str("category", evt.Category).
			Str("reason", string(decision.Reason)).
			Msg("alert suppressed")
		return nil
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	go func() {
		defer d.wg.Done()
		d.deliver(payload, admittedAt)
	}()
	return nil
}

// Deliver sends payload synchronously with retries.
func (d *Dispatcher) Deliver(ctx context.Context, payload AlertPayload) (int, error) {
	settings, limiter := d.currentSettings()

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= settings.RetryAttempts; attempt++ {
		if attempt > 1 && settings.RetryDelay > 0 {
			timer := time.NewTimer(settings.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempts, &DeliveryError{EventID: payload.EventID, Attempts: attempts, Err: errors.Join(lastErr, ctx.Err())}
			case <-timer.C:
			}
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return attempts, &DeliveryError{EventID: payload.EventID, Attempts: attempts, Err: errors.Join(lastErr, err)}
			}
		}

		attempts++
		actx, cancel := context.WithTimeout(ctx, settings.AttemptTimeout)
		err := d.channel.Send(actx, payload)
		cancel()
		if err == nil {
			metrics.IncDeliveryAttempt(metrics.ResultSuccess)
			return attempts, nil
		}
		metrics.IncDeliveryAttempt(metrics.ResultError)
		lastErr = err
		d.logger.Warn().Err(err).
			Str("event_id", payload.EventID).
			Int("attempt", attempt).
			Int("max_attempts", settings.RetryAttempts).
			Msg("alert attempt failed")
	}
	return attempts, &DeliveryError{EventID: payload.EventID, Attempts: attempts, Err: lastErr}
}

func (d *Dispatcher) deliver(payload AlertPayload, admittedAt time.Time) {
	attempts, err := d.Deliver(d.ctx, payload)
	latency := d.clock.Now().Sub(admittedAt)

	report := DeliveryReport{
		EventID:   payload.EventID,
		Category:  payload.EventType,
		Severity:  payload.Severity,
		Delivered: err == nil,
		Attempts:  attempts,
		Latency:   latency,
		At:        d.clock.Now(),
	}
	if err != nil {
		d.failed.Add(1)
		report.Error = err.Error()
		report.Err = err
		metrics.ObserveDelivery(metrics.ResultError, latency)
	} else {
		d.sent.Add(1)
		metrics.ObserveDelivery(metrics.ResultSuccess, latency)
	}
	for _, r := range d.reporters {
		r.Report(report)
	}
}

// SetCameraInfo sets the device context attached to later alerts.
func (d *Dispatcher) SetCameraInfo(info *CameraInfo) {
	if info == nil {
		d.camera.Store(nil)
		return
	}
	cp := *info
	d.camera.Store(&cp)
}

// Apply swaps delivery settings for alerts that start after the call.
func (d *Dispatcher) Apply(settings Settings) {
	d.applySettings(settings)
}

func (d *Dispatcher) applySettings(settings Settings) {
	if settings.RetryAttempts <= 0 {
		settings.RetryAttempts = 1
	}
	if settings.AttemptTimeout <= 0 {
		settings.AttemptTimeout = 5 * time.Second
	}
	var limiter *rate.Limiter
	if settings.RatePerSec > 0 {
		burst := int(settings.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(settings.RatePerSec), burst)
	}
	d.settingsMu.Lock()
	d.settings = settings
	d.limiter = limiter
	d.settingsMu.Unlock()
}

func (d *Dispatcher) currentSettings() (Settings, *rate.Limiter) {
	d.settingsMu.RLock()
	defer d.settingsMu.RUnlock()
	return d.settings, d.limiter
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:       d.sent.Load(),
		Failed:     d.failed.Load(),
		Suppressed: d.suppressed.Load(),
	}
}

// Close stops accepting events and waits for in-flight deliveries. When ctx
// ends first, remaining deliveries are cancelled and ctx.Err is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
