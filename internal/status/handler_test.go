package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"camera-events/internal/alerts/notify"
	"camera-events/internal/alerts/throttle"
	"camera-events/internal/device"
	"camera-events/internal/subscription"
)

type stubSubscriptions struct {
	snap       subscription.Subscription
	restartErr error
	restarts   int
}

func (s *stubSubscriptions) Snapshot() subscription.Subscription { return s.snap }

func (s *stubSubscriptions) Restart(context.Context) error {
	s.restarts++
	if s.restartErr != nil {
		return s.restartErr
	}
	s.snap.State = subscription.StateActive
	return nil
}

type stubEvents struct {
	processed uint64
	last      time.Time
}

func (s stubEvents) EventsProcessed() uint64 { return s.processed }
func (s stubEvents) LastEventAt() time.Time  { return s.last }

type stubAlerts struct{ stats notify.Stats }

func (s stubAlerts) Stats() notify.Stats { return s.stats }

func newTestHandler(t *testing.T, subs *stubSubscriptions, engine *throttle.Engine) http.Handler {
	t.Helper()
	svc, err := NewService(subs, stubEvents{processed: 42, last: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}, stubAlerts{stats: notify.Stats{Sent: 5, Failed: 1, Suppressed: 7}}, engine)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h, err := NewHandler(svc, zerolog.Nop())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func TestStatusSnapshot(t *testing.T) {
	engine := throttle.New(throttle.Config{Window: time.Minute, MaxPerWindow: 5, Debounce: 5 * time.Second})
	engine.Evaluate("motionalarm", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	engine.Evaluate("motionalarm", time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC))
	subs := &stubSubscriptions{snap: subscription.Subscription{ID: "pp-1", Mode: device.ModePoll, State: subscription.StateDegraded, RetryCount: 2}}
	h := newTestHandler(t, subs, engine)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		SubscriptionState string `json:"subscriptionState"`
		Subscription      struct {
			RetryCount int `json:"retryCount"`
		} `json:"subscription"`
		EventsProcessed  uint64                           `json:"eventsProcessed"`
		AlertsSent       uint64                           `json:"alertsSent"`
		AlertsSuppressed uint64                           `json:"alertsSuppressed"`
		Throttle         map[string]throttle.RecordStatus `json:"perCategoryThrottleStatus"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SubscriptionState != "degraded" || body.Subscription.RetryCount != 2 {
		t.Fatalf("unexpected subscription fields: %+v", body)
	}
	if body.EventsProcessed != 42 || body.AlertsSent != 5 || body.AlertsSuppressed != 7 {
		t.Fatalf("unexpected counters: %+v", body)
	}
	motion, ok := body.Throttle["motionalarm"]
	if !ok || motion.CountInWindow != 1 || motion.Debounced != 1 {
		t.Fatalf("unexpected throttle status: %+v", body.Throttle)
	}
}

func TestRestartEndpoint(t *testing.T) {
	subs := &stubSubscriptions{snap: subscription.Subscription{State: subscription.StateDisabled}}
	h := newTestHandler(t, subs, throttle.New(throttle.Config{Window: time.Minute}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/subscription/restart", nil))
	if rec.Code != http.StatusOK || subs.restarts != 1 {
		t.Fatalf("expected restart, got %d after %d calls", rec.Code, subs.restarts)
	}

	subs.restartErr = subscription.ErrNotDisabled
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/subscription/restart", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/subscription/restart", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestThrottleResetEndpoint(t *testing.T) {
	engine := throttle.New(throttle.Config{Window: time.Minute, MaxPerWindow: 1})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.Evaluate("motionalarm", now)
	engine.Evaluate("tamper", now)
	engine.Evaluate("device", now)
	h := newTestHandler(t, &stubSubscriptions{}, engine)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/throttle/reset?category=MotionAlarm", nil))
	var body struct {
		Removed int `json:"removed"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusOK || body.Removed != 1 {
		t.Fatalf("expected one record removed, got %d %s", rec.Code, rec.Body.String())
	}
	if !engine.Evaluate("motionalarm", now.Add(time.Second)).Admitted {
		t.Fatalf("expected reset category to admit again")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/throttle/reset", nil))
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Removed != 3 {
		t.Fatalf("expected all 3 records removed, got %d", body.Removed)
	}
}
