// Package status answers the operational status query and hosts the admin
// actions that act on live state.
package status

import (
	"context"
	"errors"
	"time"

	"camera-events/internal/alerts/notify"
	"camera-events/internal/alerts/throttle"
	"camera-events/internal/subscription"
)

// SubscriptionSource exposes the subscription manager.
type SubscriptionSource interface {
	Snapshot() subscription.Subscription
	Restart(ctx context.Context) error
}

// EventCounter exposes ingest counters.
type EventCounter interface {
	EventsProcessed() uint64
	LastEventAt() time.Time
}

// AlertStats exposes dispatcher counters.
type AlertStats interface {
	Stats() notify.Stats
}

// ThrottleState exposes and resets throttle records.
type ThrottleState interface {
	Status() map[string]throttle.RecordStatus
	Reset(category string) bool
	ResetAll() int
}

// Snapshot is the status query response.
type Snapshot struct {
	SubscriptionState subscription.State               `json:"subscriptionState"`
	Subscription      subscription.Subscription        `json:"subscription"`
	EventsProcessed   uint64                           `json:"eventsProcessed"`
	LastEventAt       *time.Time                       `json:"lastEventAt,omitempty"`
	AlertsSent        uint64                           `json:"alertsSent"`
	AlertsFailed      uint64                           `json:"alertsFailed"`
	AlertsSuppressed  uint64                           `json:"alertsSuppressed"`
	Throttle          map[string]throttle.RecordStatus `json:"perCategoryThrottleStatus"`
	StartedAt         time.Time                        `json:"startedAt"`
	Uptime            string                           `json:"uptime"`
}

// Service assembles status from the live components.
type Service struct {
	subscriptions SubscriptionSource
	events        EventCounter
	alerts        AlertStats
	throttle      ThrottleState
	startedAt     time.Time
	now           func() time.Time
}

// NewService constructs a status service.
func NewService(subscriptions SubscriptionSource, events EventCounter, alerts AlertStats, throttle ThrottleState) (*Service, error) {
	if subscriptions == nil || events == nil || alerts == nil || throttle == nil {
		return nil, errors.New("status: nil dependency")
	}
	return &Service{
		subscriptions: subscriptions,
		events:        events,
		alerts:        alerts,
		throttle:      throttle,
		startedAt:     time.Now().UTC(),
		now:           time.Now,
	}, nil
}

// Snapshot returns the current status.
func (s *Service) Snapshot() Snapshot {
	sub := s.subscriptions.Snapshot()
	stats := s.alerts.Stats()
	snap := Snapshot{
		SubscriptionState: sub.State,
		Subscription:      sub,
		EventsProcessed:   s.events.EventsProcessed(),
		AlertsSent:        stats.Sent,
		AlertsFailed:      stats.Failed,
		AlertsSuppressed:  stats.Suppressed,
		Throttle:          s.throttle.Status(),
		StartedAt:         s.startedAt,
		Uptime:            s.now().Sub(s.startedAt).Truncate(time.Second).String(),
	}
	if last := s.events.LastEventAt(); !last.IsZero() {
		snap.LastEventAt = &last
	}
	return snap
}

// RestartSubscription triggers manual recovery of a disabled subscription.
func (s *Service) RestartSubscription(ctx context.Context) (subscription.Subscription, error) {
	if err := s.subscriptions.Restart(ctx); err != nil {
		return s.subscriptions.Snapshot(), err
	}
	return s.subscriptions.Snapshot(), nil
}

// ResetThrottle clears one category, or every category when category is empty.
// It returns the number of records removed.
func (s *Service) ResetThrottle(category string) int {
	if category == "" {
		return s.throttle.ResetAll()
	}
	if s.throttle.Reset(category) {
		return 1
	}
	return 0
}
