// Package subscription owns the device event subscription: it creates it,
// keeps it alive by polling or renewing on a fixed schedule, and recreates
// it after repeated failures.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"camera-events/internal/device"
	"camera-events/internal/ingest"
	"camera-events/internal/observability/logging"
	"camera-events/internal/observability/metrics"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("subscription: already started")
	// ErrNotStarted is returned by Restart before Start.
	ErrNotStarted = errors.New("subscription: not started")
	// ErrNotDisabled is returned by Restart while automatic recovery is still active.
	ErrNotDisabled = errors.New("subscription: restart only allowed when disabled")
	// ErrBusy is returned when a maintenance cycle is in flight.
	ErrBusy = errors.New("subscription: cycle in progress")
)

// Config controls the subscription lifecycle.
type Config struct {
	Mode          device.Mode
	CallbackURL   string
	PollInterval  time.Duration
	MessageLimit  int
	PollTimeout   time.Duration
	DeviceTimeout time.Duration
	MaxRetries    int
	RetryCreate   bool
	RenewInterval time.Duration
}

// Clock provides current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the activity clock.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithTransitionHook is called after every state change, outside the lock.
func WithTransitionHook(hook func(from, to State)) Option {
	return func(m *Manager) {
		m.hook = hook
	}
}

// Manager drives the subscription state machine.
type Manager struct {
	gateway device.Gateway
	sink    ingest.Sink
	cfg     Config
	logger  zerolog.Logger
	clock   Clock
	hook    func(from, to State)

	mu           sync.Mutex
	state        State
	handle       device.Handle
	retryCount   int
	lastActivity time.Time
	lastErr      string
	lifetime     time.Duration

	inFlight atomic.Bool
	stopped  atomic.Bool

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager validates cfg and returns an idle manager.
func NewManager(gateway device.Gateway, sink ingest.Sink, cfg Config, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if gateway == nil {
		return nil, errors.New("subscription: nil gateway")
	}
	if sink == nil {
		return nil, errors.New("subscription: nil sink")
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("subscription: invalid mode %q", cfg.Mode)
	}
	if cfg.Mode == device.ModePush && cfg.CallbackURL == "" {
		return nil, errors.New("subscription: push mode requires a callback url")
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("subscription: poll interval must be positive")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = 1
	}
	m := &Manager{
		gateway: gateway,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With().Str("component", "subscription").Str("mode", string(cfg.Mode)).Logger(),
		clock:   systemClock{},
		state:   StateUninitialized,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	metrics.SetSubscriptionState(string(m.state), allStates)
	return m, nil
}

// Start creates the subscription and schedules maintenance cycles. A failed
// creation is not returned; it is reflected in the state.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateUninitialized || m.cron != nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	cronLog := logging.NewCronLogger(m.logger)
	m.cron = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	m.mu.Unlock()

	m.inFlight.Store(true)
	m.transition(StateSubscribing, "start")
	m.attemptCreate(ctx)
	m.inFlight.Store(false)

	interval := m.cfg.PollInterval
	if m.cfg.Mode == device.ModePush && m.cfg.RenewInterval > 0 {
		interval = m.cfg.RenewInterval
	}
	m.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		m.RunCycle(m.ctx)
	}))
	m.cron.Start()
	m.logger.Info().Dur("interval", interval).Str("state", string(m.State())).Msg("subscription manager started")
	return nil
}

// RunCycle performs one maintenance cycle. It reports false when another
// cycle was still in flight and this one was skipped.
func (m *Manager) RunCycle(ctx context.Context) bool {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug().Msg("cycle skipped: previous still running")
		metrics.IncPollCycle(metrics.ResultSkipped)
		return false
	}
	defer m.inFlight.Store(false)

	if m.stopped.Load() {
		return true
	}
	switch m.State() {
	case StateSubscribing:
		m.attemptCreate(ctx)
	case StateActive, StateDegraded:
		if m.cfg.Mode == device.ModePoll {
			m.poll(ctx)
			if m.renewDue() {
				m.renew(ctx)
			}
		} else if m.cfg.RenewInterval > 0 {
			m.renew(ctx)
		}
	case StateRecreating:
		m.recreate(ctx)
	default:
		// Disabled and Uninitialized cycles do nothing.
	}
	return true
}

// Restart leaves Disabled and creates a new subscription.
func (m *Manager) Restart(ctx context.Context) error {
	if m.stopped.Load() {
		return ErrNotStarted
	}
	m.mu.Lock()
	started := m.cron != nil
	state := m.state
	m.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if state != StateDisabled {
		return ErrNotDisabled
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer m.inFlight.Store(false)
	// Stop may have begun between the first check and the guard.
	if m.stopped.Load() {
		return ErrNotStarted
	}

	m.mu.Lock()
	if m.state != StateDisabled {
		m.mu.Unlock()
		return ErrNotDisabled
	}
	m.retryCount = 0
	m.mu.Unlock()
	m.transition(StateSubscribing, "manual restart")
	m.attemptCreate(ctx)
	return nil
}

// Stop halts scheduling, waits for a running cycle and releases the
// subscription on the device. Unsubscribe failures are logged.
func (m *Manager) Stop(ctx context.Context) {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	c := m.cron
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	// A manual Restart runs outside the scheduler; let it install its
	// handle before releasing it.
	if m.awaitIdle(ctx) {
		defer m.inFlight.Store(false)
	}

	m.mu.Lock()
	handle := m.handle
	m.handle = device.Handle{}
	m.mu.Unlock()
	if handle.IsZero() {
		return
	}
	uctx, ucancel := m.deviceContext(ctx, m.cfg.DeviceTimeout)
	defer ucancel()
	if err := m.gateway.Unsubscribe(uctx, handle); err != nil {
		m.logger.Warn().Err(err).Str("subscription", handle.ID).Msg("unsubscribe on shutdown failed")
		return
	}
	m.logger.Info().Str("subscription", handle.ID).Msg("unsubscribed")
}

// awaitIdle takes the in-flight guard, waiting for a running cycle or
// restart. It reports false when ctx ended first.
func (m *Manager) awaitIdle(ctx context.Context) bool {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for !m.inFlight.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
	return true
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the subscription record.
func (m *Manager) Snapshot() Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Subscription{
		ID:           m.handle.ID,
		Mode:         m.cfg.Mode,
		State:        m.state,
		RetryCount:   m.retryCount,
		LastActivity: m.lastActivity,
		TerminateAt:  m.handle.TerminateAt,
		LastError:    m.lastErr,
	}
}

func (m *Manager) attemptCreate(ctx context.Context) {
	handle, err := m.establish(ctx)
	if err == nil {
		m.install(handle)
		m.transition(StateActive, "subscription created")
		return
	}

	m.mu.Lock()
	m.lastErr = err.Error()
	retry := m.cfg.RetryCreate
	if retry {
		m.retryCount++
		retry = m.retryCount < m.cfg.MaxRetries
	}
	attempts := m.retryCount
	m.mu.Unlock()

	if retry {
		m.logger.Warn().Err(err).Int("retry_count", attempts).Msg("create subscription failed, will retry")
		return
	}
	m.logger.Error().Err(err).Msg("create subscription failed")
	m.transition(StateDisabled, "create failed")
}

// establish creates the subscription and, in push mode, registers the
// callback address.
func (m *Manager) establish(ctx context.Context) (device.Handle, error) {
	cctx, cancel := m.deviceContext(ctx, m.cfg.DeviceTimeout)
	defer cancel()
	handle, err := m.gateway.CreateSubscription(cctx, m.cfg.Mode)
	if err != nil {
		return device.Handle{}, err
	}
	if m.cfg.Mode != device.ModePush {
		return handle, nil
	}

	sctx, scancel := m.deviceContext(ctx, m.cfg.DeviceTimeout)
	defer scancel()
	return m.gateway.Subscribe(sctx, handle, m.cfg.CallbackURL)
}

// install records a freshly created subscription and the lifetime the
// device granted it.
func (m *Manager) install(handle device.Handle) {
	now := m.clock.Now()
	m.mu.Lock()
	m.handle = handle
	m.lifetime = 0
	if !handle.TerminateAt.IsZero() {
		m.lifetime = handle.TerminateAt.Sub(now)
	}
	m.retryCount = 0
	m.lastActivity = now
	m.lastErr = ""
	m.mu.Unlock()
}

func (m *Manager) poll(ctx context.Context) {
	m.mu.Lock()
	handle := m.handle
	m.mu.Unlock()

	pctx, cancel := m.deviceContext(ctx, m.cfg.PollTimeout+m.cfg.DeviceTimeout)
	notes, err := m.gateway.Poll(pctx, handle, m.cfg.MessageLimit, m.cfg.PollTimeout)
	cancel()
	if err != nil {
		m.fail(ctx, "poll", err)
		return
	}

	m.succeed()
	events := 0
	for _, raw := range notes {
		events += m.sink.Ingest(ctx, raw)
	}
	if len(notes) > 0 {
		m.logger.Debug().Int("notifications", len(notes)).Int("events", events).Msg("poll cycle delivered")
	}
}

func (m *Manager) renew(ctx context.Context) {
	m.mu.Lock()
	handle := m.handle
	m.mu.Unlock()

	rctx, cancel := m.deviceContext(ctx, m.cfg.DeviceTimeout)
	err := m.gateway.Renew(rctx, handle)
	cancel()
	if err != nil {
		m.fail(ctx, "renew", err)
		return
	}
	m.mu.Lock()
	if m.handle.ID == handle.ID && m.lifetime > 0 {
		m.handle.TerminateAt = m.clock.Now().Add(m.lifetime)
	}
	m.mu.Unlock()
	m.succeed()
}

// renewDue reports whether an active pull point would expire before the
// next cycle.
func (m *Manager) renewDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive || m.handle.TerminateAt.IsZero() {
		return false
	}
	return m.handle.TerminateAt.Sub(m.clock.Now()) <= m.cfg.PollInterval
}

func (m *Manager) succeed() {
	metrics.IncPollCycle(metrics.ResultSuccess)
	m.mu.Lock()
	m.retryCount = 0
	m.lastActivity = m.clock.Now()
	m.lastErr = ""
	m.mu.Unlock()
	m.transition(StateActive, "cycle succeeded")
}

func (m *Manager) fail(ctx context.Context, op string, err error) {
	metrics.IncPollCycle(metrics.ResultError)
	gone := device.IsSubscriptionGone(err)

	m.mu.Lock()
	if gone {
		m.retryCount = m.cfg.MaxRetries
	} else {
		m.retryCount++
	}
	retries := m.retryCount
	m.lastErr = err.Error()
	m.mu.Unlock()

	m.logger.Warn().Err(err).
		Str("op", op).
		Int("retry_count", retries).
		Bool("subscription_gone", gone).
		Msg("subscription cycle failed")

	m.transition(StateDegraded, op+" failed")
	if retries >= m.cfg.MaxRetries {
		m.transition(StateRecreating, "retries exhausted")
		m.recreate(ctx)
	}
}

func (m *Manager) recreate(ctx context.Context) {
	m.mu.Lock()
	old := m.handle
	m.handle = device.Handle{}
	m.mu.Unlock()

	if !old.IsZero() {
		uctx, cancel := m.deviceContext(ctx, m.cfg.DeviceTimeout)
		if err := m.gateway.Unsubscribe(uctx, old); err != nil {
			m.logger.Debug().Err(err).Str("subscription", old.ID).Msg("release of old subscription failed")
		}
		cancel()
	}

	handle, err := m.establish(ctx)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err.Error()
		m.mu.Unlock()
		m.logger.Error().Err(err).Msg("recreate subscription failed, polling disabled until restart")
		m.transition(StateDisabled, "recreate failed")
		return
	}

	m.install(handle)
	m.transition(StateActive, "subscription recreated")
}

func (m *Manager) transition(to State, reason string) {
	m.mu.Lock()
	from := m.state
	m.state = to
	retries := m.retryCount
	id := m.handle.ID
	m.mu.Unlock()

	if from == to {
		return
	}
	metrics.SetSubscriptionState(string(to), allStates)
	m.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Int("retry_count", retries).
		Str("subscription", id).
		Msg("subscription state changed")
	if m.hook != nil {
		m.hook(from, to)
	}
}

func (m *Manager) deviceContext(ctx context.Context, budget time.Duration) (context.Context, context.CancelFunc) {
	if budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget)
}
