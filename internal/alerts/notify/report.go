package notify

import (
	"time"

	"github.com/rs/zerolog"
)

// DeliveryReport is emitted once per admitted alert after its final attempt.
type DeliveryReport struct {
	EventID   string        `json:"eventId"`
	Category  string        `json:"category"`
	Severity  string        `json:"severity"`
	Delivered bool          `json:"delivered"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
	Err       error         `json:"-"`
	Latency   time.Duration `json:"latencyNs"`
	At        time.Time     `json:"at"`
}

// Reporter observes delivery outcomes. Report must not block.
type Reporter interface {
	Report(report DeliveryReport)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(DeliveryReport)

// Report implements Reporter.
func (f ReporterFunc) Report(report DeliveryReport) { f(report) }

// MultiReporter forwards reports to several reporters.
type MultiReporter struct {
	reporters []Reporter
}

// NewMultiReporter constructs a MultiReporter.
func NewMultiReporter(reporters ...Reporter) *MultiReporter {
	return &MultiReporter{reporters: reporters}
}

// Report forwards report to all reporters.
func (m *MultiReporter) Report(report DeliveryReport) {
	if m == nil {
		return
	}
	for _, r := range m.reporters {
		if r != nil {
			r.Report(report)
		}
	}
}

// LogReporter writes delivery outcomes to a logger.
type LogReporter struct {
	logger zerolog.Logger
}

// NewLogReporter constructs a LogReporter.
func NewLogReporter(logger zerolog.Logger) LogReporter {
	return LogReporter{logger: logger.With().Str("component", "alerts").Logger()}
}

// Report implements Reporter.
func (l LogReporter) Report(report DeliveryReport) {
	if report.Delivered {
		l.logger.Info().
			Str("event_id", report.EventID).
			Str("category", report.Category).
			Int("attempts", report.Attempts).
			Dur("latency", report.Latency).
			Msg("alert delivered")
		return
	}
	l.logger.Error().
		Str("event_id", report.EventID).
		Str("category", report.Category).
		Int("attempts", report.Attempts).
		Str("error", report.Error).
		Msg("alert delivery failed")
}
