// Package throttle decides, per event category, whether an alert may be sent.
//
// Two gates are evaluated in order: a per-window admission cap and a debounce
// interval measured from the last admitted alert. Suppression is a policy
// outcome and is reported through Decision, never as an error.
package throttle

import (
	"sync"
	"time"

	"camera-events/internal/observability/metrics"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonAdmitted    Reason = "admitted"
	ReasonRateLimited Reason = "rate_limited"
	ReasonDebounced   Reason = "debounced"
)

// Config is shared across all categories. MaxPerWindow <= 0 disables the
// window cap and Debounce <= 0 disables debouncing.
type Config struct {
	Window       time.Duration
	MaxPerWindow int
	Debounce     time.Duration
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Admitted bool
	Reason   Reason
}

// RecordStatus is a read-only view of a category record.
type RecordStatus struct {
	CountInWindow int       `json:"countInWindow"`
	WindowStart   time.Time `json:"windowStart"`
	LastAdmitted  time.Time `json:"lastAdmitted,omitempty"`
	Admitted      uint64    `json:"admitted"`
	RateLimited   uint64    `json:"rateLimited"`
	Debounced     uint64    `json:"debounced"`
}

type record struct {
	windowStart   time.Time
	countInWindow int
	lastAdmitted  time.Time

	admitted    uint64
	rateLimited uint64
	debounced   uint64
}

// Engine owns all throttle records. A single mutex serializes every access.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	records map[string]*record
}

// New creates an engine with cfg.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg,
		records: make(map[string]*record),
	}
}

// Evaluate applies both gates to an event of category arriving at at.
func (e *Engine) Evaluate(category string, at time.Time) Decision {
	e.mu.Lock()
	decision := e.evaluateLocked(category, at)
	e.mu.Unlock()

	metrics.IncThrottleDecision(category, string(decision.Reason))
	return decision
}

func (e *Engine) evaluateLocked(category string, at time.Time) Decision {
	rec, ok := e.records[category]
	if !ok {
		rec = &record{windowStart: at}
		e.records[category] = rec
	}

	if at.Sub(rec.windowStart) >= e.cfg.Window {
		rec.countInWindow = 0
		rec.windowStart = at
	}

	if e.cfg.MaxPerWindow > 0 && rec.countInWindow >= e.cfg.MaxPerWindow {
		rec.rateLimited++
		return Decision{Reason: ReasonRateLimited}
	}
	if e.cfg.Debounce > 0 && !rec.lastAdmitted.IsZero() && at.Sub(rec.lastAdmitted) < e.cfg.Debounce {
		rec.debounced++
		return Decision{Reason: ReasonDebounced}
	}

	rec.countInWindow++
	if at.After(rec.lastAdmitted) {
		rec.lastAdmitted = at
	}
	rec.admitted++
	return Decision{Admitted: true, Reason: ReasonAdmitted}
}

// Status returns a copy of every record.
func (e *Engine) Status() map[string]RecordStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]RecordStatus, len(e.records))
	for category, rec := range e.records {
		out[category] = RecordStatus{
			CountInWindow: rec.countInWindow,
			WindowStart:   rec.windowStart,
			LastAdmitted:  rec.lastAdmitted,
			Admitted:      rec.admitted,
			RateLimited:   rec.rateLimited,
			Debounced:     rec.debounced,
		}
	}
	return out
}

// Reset drops the record for category. It reports whether one existed.
func (e *Engine) Reset(category string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.records[category]
	delete(e.records, category)
	return ok
}

// ResetAll drops every record and returns how many were removed.
func (e *Engine) ResetAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.records)
	e.records = make(map[string]*record)
	return n
}

// Apply swaps the configuration. Existing records are kept and evaluated
// against the new parameters from the next call on.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}
