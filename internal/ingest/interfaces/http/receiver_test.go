package http

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"camera-events/internal/events/domain"
)

type recordingSink struct {
	mu    sync.Mutex
	raws  []domain.RawNotification
	count int
}

func (s *recordingSink) Ingest(_ context.Context, raw domain.RawNotification) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raws = append(s.raws, raw)
	return s.count
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newReceiver(t *testing.T, sink *recordingSink, opts ...Option) *Receiver {
	t.Helper()
	r, err := NewReceiver("/onvif/notify/", sink, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	return r
}

func TestReceiverAcknowledgesPost(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	rc := newReceiver(t, sink, WithClock(fixedClock{now: now}))

	req := httptest.NewRequest(http.MethodPost, "/onvif/notify/sub-17", strings.NewReader("<Notify/>"))
	rec := httptest.NewRecorder()
	rc.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != ackContentType {
		t.Fatalf("expected soap content type, got %q", ct)
	}
	var env struct {
		XMLName xml.Name
		Body    *struct{} `xml:"Body"`
	}
	if err := xml.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if env.XMLName.Local != "Envelope" || env.Body == nil {
		t.Fatalf("expected empty envelope, got %s", rec.Body.String())
	}
	if len(sink.raws) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(sink.raws))
	}
	got := sink.raws[0]
	if string(got.Payload) != "<Notify/>" || got.Transport != domain.TransportPush || !got.ReceivedAt.Equal(now) {
		t.Fatalf("unexpected notification: %+v", got)
	}
}

func TestReceiverAcksWhenNothingNormalizes(t *testing.T) {
	sink := &recordingSink{}
	rc := newReceiver(t, sink)

	req := httptest.NewRequest(http.MethodPost, "/onvif/notify", strings.NewReader("garbage"))
	rec := httptest.NewRecorder()
	rc.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 regardless of parse outcome, got %d", rec.Code)
	}
}

func TestReceiverRejectsOtherRoutes(t *testing.T) {
	sink := &recordingSink{}
	rc := newReceiver(t, sink)

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/onvif/notify/sub-1"},
		{http.MethodPut, "/onvif/notify"},
		{http.MethodPost, "/onvif/notifyother"},
		{http.MethodPost, "/"},
		{http.MethodPost, "/api/v1/status"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		rc.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, strings.NewReader("<x/>")))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", tc.method, tc.path, rec.Code)
		}
	}
	if len(sink.raws) != 0 {
		t.Fatalf("expected no notifications, got %d", len(sink.raws))
	}
}

func TestReceiverBodyLimit(t *testing.T) {
	sink := &recordingSink{}
	rc := newReceiver(t, sink, WithMaxBodyBytes(8))

	rec := httptest.NewRecorder()
	rc.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/onvif/notify/a", strings.NewReader("<Notify>too long</Notify>")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if len(sink.raws) != 0 {
		t.Fatalf("expected nothing handed off")
	}
}

func TestReceiverResponseFailure(t *testing.T) {
	sink := &recordingSink{}
	rc := newReceiver(t, sink)
	rc.ack = func() ([]byte, error) { return nil, errors.New("encoder broke") }

	rec := httptest.NewRecorder()
	rc.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/onvif/notify/a", strings.NewReader("<Notify/>")))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if len(sink.raws) != 1 {
		t.Fatalf("expected body handed off before the failure")
	}
}

func TestNewReceiverValidates(t *testing.T) {
	if _, err := NewReceiver(" / ", &recordingSink{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for empty prefix")
	}
	if _, err := NewReceiver("/notify", nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for nil sink")
	}
}
