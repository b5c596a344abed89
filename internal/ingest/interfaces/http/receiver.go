package http

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"camera-events/internal/events/domain"
	"camera-events/internal/ingest"
)

// DefaultMaxBodyBytes bounds a single notification body.
const DefaultMaxBodyBytes int64 = 4 << 20

const ackContentType = "application/soap+xml; charset=utf-8"

// Clock provides receipt timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Receiver.
type Option func(*Receiver)

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(r *Receiver) {
		if n > 0 {
			r.maxBody = n
		}
	}
}

// WithClock overrides the receipt clock.
func WithClock(clock Clock) Option {
	return func(r *Receiver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Receiver accepts pushed device notifications under a path prefix.
type Receiver struct {
	prefix  string
	sink    ingest.Sink
	logger  zerolog.Logger
	clock   Clock
	maxBody int64
	ack     func() ([]byte, error)
}

// NewReceiver constructs a receiver for POST requests under prefix.
func NewReceiver(prefix string, sink ingest.Sink, logger zerolog.Logger, opts ...Option) (*Receiver, error) {
	prefix = "/" + strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "/" {
		return nil, errors.New("receiver: empty endpoint prefix")
	}
	if sink == nil {
		return nil, errors.New("receiver: nil sink")
	}
	r := &Receiver{
		prefix:  prefix,
		sink:    sink,
		logger:  logger.With().Str("component", "receiver").Logger(),
		clock:   systemClock{},
		maxBody: DefaultMaxBodyBytes,
		ack:     emptyEnvelope,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Prefix returns the normalized endpoint prefix.
func (rc *Receiver) Prefix() string { return rc.prefix }

// ServeHTTP handles a single pushed notification.
func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !rc.matches(r.URL.Path) {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rc.maxBody))
	_ = r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			rc.logger.Warn().Int64("limit", tooLarge.Limit).Str("path", r.URL.Path).Msg("notification body too large")
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		rc.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("read notification body")
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}

	raw := domain.RawNotification{
		Payload:    body,
		ReceivedAt: rc.clock.Now(),
		Transport:  domain.TransportPush,
	}
	// The request context ends with the response; the handoff must not.
	events := rc.sink.Ingest(context.WithoutCancel(r.Context()), raw)
	rc.logger.Debug().Str("path", r.URL.Path).Int("events", events).Msg("notification received")

	resp, err := rc.ack()
	if err != nil {
		rc.logger.Error().Err(err).Msg("build acknowledgement")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ackContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

func (rc *Receiver) matches(path string) bool {
	return path == rc.prefix || strings.HasPrefix(path, rc.prefix+"/")
}

type ackEnvelope struct {
	XMLName xml.Name `xml:"s:Envelope"`
	NS      string   `xml:"xmlns:s,attr"`
	Body    struct {
		XMLName xml.Name `xml:"s:Body"`
	}
}

func emptyEnvelope() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(ackEnvelope{NS: "http://www.w3.org/2003/05/soap-envelope"}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
