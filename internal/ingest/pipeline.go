// Package ingest moves raw device notifications through normalization onto
// the event bus. Both the push receiver and the poll loop feed it.
package ingest

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"camera-events/internal/events/domain"
	"camera-events/internal/observability/metrics"
)

// Sink accepts raw notifications and reports how many events they produced.
type Sink interface {
	Ingest(ctx context.Context, raw domain.RawNotification) int
}

// Normalizer decodes raw notifications.
type Normalizer interface {
	Normalize(raw domain.RawNotification) (iter.Seq[domain.Event], error)
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// Pipeline normalizes notifications and publishes the resulting events.
type Pipeline struct {
	normalizer Normalizer
	publisher  Publisher
	logger     zerolog.Logger

	processed atomic.Uint64
	lastEvent atomic.Int64
}

var _ Sink = (*Pipeline)(nil)

// NewPipeline wires a pipeline.
func NewPipeline(normalizer Normalizer, publisher Publisher, logger zerolog.Logger) (*Pipeline, error) {
	if normalizer == nil {
		return nil, errors.New("ingest: nil normalizer")
	}
	if publisher == nil {
		return nil, errors.New("ingest: nil publisher")
	}
	return &Pipeline{
		normalizer: normalizer,
		publisher:  publisher,
		logger:     logger.With().Str("component", "ingest").Logger(),
	}, nil
}

// Ingest never fails: parse problems are logged and handler errors are
// logged per event.
func (p *Pipeline) Ingest(ctx context.Context, raw domain.RawNotification) int {
	metrics.IncNotificationReceived(string(raw.Transport))

	events, err := p.normalizer.Normalize(raw)
	if err != nil {
		var parseErr *domain.ParseError
		if errors.As(err, &parseErr) {
			p.logger.Warn().Err(err).Str("transport", string(raw.Transport)).Int("bytes", len(raw.Payload)).Msg("notification dropped")
		} else {
			p.logger.Error().Err(err).Str("transport", string(raw.Transport)).Msg("normalize failed")
		}
		return 0
	}

	count := 0
	for evt := range events {
		count++
		p.processed.Add(1)
		p.lastEvent.Store(evt.Timestamp.UnixNano())
		if err := p.publisher.Publish(ctx, evt); err != nil {
			p.logger.Error().Err(err).
				Str("event_id", evt.ID).
				Str("category", evt.Category).
				Msg("publish event")
		}
	}
	if count > 0 {
		p.logger.Debug().Int("events", count).Str("transport", string(raw.Transport)).Msg("notification ingested")
	}
	return count
}

// EventsProcessed returns how many events were published since start.
func (p *Pipeline) EventsProcessed() uint64 {
	return p.processed.Load()
}

// LastEventAt returns the timestamp of the most recent event, or zero.
func (p *Pipeline) LastEventAt() time.Time {
	ns := p.lastEvent.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
