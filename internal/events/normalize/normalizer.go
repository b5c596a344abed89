package normalize

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"iter"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"camera-events/internal/events/domain"
	"camera-events/internal/observability/metrics"
)

var blockStartPattern = regexp.MustCompile(`<(?:[A-Za-z_][\w.\-]*:)?` + notificationElement + `[\s/>]`)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// Clock provides time for id generation.
type Clock interface {
	Now() time.Time
}

// Normalizer turns raw device notifications into events.
type Normalizer struct {
	logger zerolog.Logger
	clock  Clock
}

// Option configures the normalizer.
type Option func(*Normalizer)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Normalizer) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// New constructs a Normalizer.
func New(logger zerolog.Logger, opts ...Option) *Normalizer {
	n := &Normalizer{
		logger: logger.With().Str("component", "normalizer").Logger(),
		clock:  systemClock{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize decodes every embedded notification block in raw.
//
// The returned sequence can be ranged over once. Malformed blocks are logged
// and skipped. When the envelope itself is unreadable the sequence is empty
// and a *domain.ParseError is returned.
func (n *Normalizer) Normalize(raw domain.RawNotification) (iter.Seq[domain.Event], error) {
	blocks, err := n.scan(raw)
	if err != nil {
		metrics.IncParseError(string(raw.Transport))
		return emptySeq, err
	}

	var consumed atomic.Bool
	return func(yield func(domain.Event) bool) {
		if !consumed.CompareAndSwap(false, true) {
			return
		}
		for _, block := range blocks {
			evt, err := n.project(block.index, block.msg, raw)
			if err != nil {
				n.reportBlockError(raw, err)
				continue
			}
			if !yield(evt) {
				return
			}
		}
	}, nil
}

func (n *Normalizer) scan(raw domain.RawNotification) ([]scannedBlock, error) {
	payload := raw.Payload
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, &domain.ParseError{Block: -1, Reason: "empty payload"}
	}

	var (
		blocks  []scannedBlock
		index   int
		sawRoot bool
		base    int64
		resumed bool
	)
	dec := xml.NewDecoder(bytes.NewReader(payload))

	// resync restarts decoding at the next block start at or after from.
	// Prefixes declared on the envelope are not in scope afterwards, which is
	// harmless because blocks are matched by local name.
	resync := func(from int64) bool {
		next := nextBlockStart(payload, from)
		if next < 0 || next <= base {
			return false
		}
		base = next
		resumed = true
		dec = xml.NewDecoder(bytes.NewReader(payload[next:]))
		return true
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if index == 0 {
				return nil, &domain.ParseError{Block: -1, Reason: "malformed envelope", Err: err}
			}
			if resync(base + dec.InputOffset()) {
				continue
			}
			// A resumed decoder sees the envelope's closing tags unopened.
			if !resumed {
				n.reportBlockError(raw, &domain.ParseError{Block: index, Reason: "truncated envelope", Err: err})
			}
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		sawRoot = true
		if !isNotificationStart(start) {
			continue
		}
		afterStart := base + dec.InputOffset()
		var block notificationMessage
		if err := dec.DecodeElement(&block, &start); err != nil {
			n.reportBlockError(raw, &domain.ParseError{Block: index, Reason: "undecodable block", Err: err})
			index++
			if resync(afterStart) {
				continue
			}
			break
		}
		blocks = append(blocks, scannedBlock{index: index, msg: block})
		index++
	}
	if !sawRoot {
		return nil, &domain.ParseError{Block: -1, Reason: "no xml element found"}
	}
	return blocks, nil
}

// nextBlockStart returns the offset of the first NotificationMessage start
// tag at or after from, or -1.
func nextBlockStart(payload []byte, from int64) int64 {
	if from < 0 || from >= int64(len(payload)) {
		return -1
	}
	loc := blockStartPattern.FindIndex(payload[from:])
	if loc == nil {
		return -1
	}
	return from + int64(loc[0])
}

func (n *Normalizer) project(index int, block notificationMessage, raw domain.RawNotification) (domain.Event, error) {
	body := block.Message.Body
	if body == nil {
		return domain.Event{}, &domain.ParseError{Block: index, Reason: "missing message payload"}
	}

	receivedAt := raw.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = n.clock.Now()
	}
	ts, ok := parseTime(body.UtcTime)
	if !ok {
		ts = receivedAt
	}

	attributes := make(map[string]string, len(body.Source.SimpleItems)+len(body.Key.SimpleItems))
	collect(attributes, body.Source)
	collect(attributes, body.Key)
	data := make(map[string]string, len(body.Data.SimpleItems))
	collect(data, body.Data)

	topic := strings.TrimSpace(block.Topic.Value)
	category := domain.Classify(topic)
	metrics.IncEventNormalized(category)

	return domain.Event{
		ID:         domain.NewEventID(n.clock.Now()),
		Timestamp:  ts.UTC(),
		Category:   category,
		SourceTag:  string(raw.Transport),
		Topic:      topic,
		Operation:  strings.TrimSpace(body.PropertyOperation),
		Attributes: attributes,
		Data:       data,
		RawPayload: append([]byte(nil), block.Raw...),
	}, nil
}

func (n *Normalizer) reportBlockError(raw domain.RawNotification, err error) {
	metrics.IncParseError(string(raw.Transport))
	n.logger.Warn().Err(err).Str("transport", string(raw.Transport)).Msg("notification block skipped")
}

func collect(dst map[string]string, list itemList) {
	for _, item := range list.SimpleItems {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		dst[name] = item.Value
	}
	for _, item := range list.ElementItems {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		dst[name] = strings.TrimSpace(item.Inner)
	}
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func emptySeq(func(domain.Event) bool) {}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
