package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "camera_events_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	registerOnce sync.Once

	notificationsReceived *prometheus.CounterVec
	eventsNormalized      *prometheus.CounterVec
	parseErrors           *prometheus.CounterVec

	pollCycles        *prometheus.CounterVec
	subscriptionState *prometheus.GaugeVec

	throttleDecisions *prometheus.CounterVec

	alertDeliveries      *prometheus.CounterVec
	alertAttempts        *prometheus.CounterVec
	alertDeliveryLatency *prometheus.HistogramVec
)

// Init registers collectors with the default registry. Helpers are no-ops until Init runs.
func Init() {
	registerOnce.Do(func() {
		notificationsReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_received_total",
				Help: "Raw notifications received by transport",
			},
			[]string{"transport"},
		)
		eventsNormalized = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_normalized_total",
				Help: "Normalized events by category",
			},
			[]string{"category"},
		)
		parseErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "parse_errors_total",
				Help: "Notification envelopes or blocks that could not be parsed",
			},
			[]string{"transport"},
		)

		pollCycles = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_cycles_total",
				Help: "Subscription maintenance cycles by result",
			},
			[]string{"result"},
		)
		subscriptionState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "subscription_state",
				Help: "1 for the current subscription state, 0 otherwise",
			},
			[]string{"state"},
		)

		throttleDecisions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "throttle_decisions_total",
				Help: "Throttle decisions by category and result",
			},
			[]string{"category", "result"},
		)

		alertDeliveries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_deliveries_total",
				Help: "Alert deliveries by final result",
			},
			[]string{"result"},
		)
		alertAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_delivery_attempts_total",
				Help: "Individual webhook attempts by result",
			},
			[]string{"result"},
		)
		alertDeliveryLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "alert_delivery_latency_seconds",
				Help:    "Time from admission to final delivery result",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			notificationsReceived,
			eventsNormalized,
			parseErrors,
			pollCycles,
			subscriptionState,
			throttleDecisions,
			alertDeliveries,
			alertAttempts,
			alertDeliveryLatency,
		)
	})
}

// IncNotificationReceived counts one raw notification.
func IncNotificationReceived(transport string) {
	if transport == "" {
		transport = "unknown"
	}
	if notificationsReceived != nil {
		notificationsReceived.WithLabelValues(transport).Inc()
	}
}

// IncEventNormalized counts one normalized event.
func IncEventNormalized(category string) {
	if category == "" {
		category = "unknown"
	}
	if eventsNormalized != nil {
		eventsNormalized.WithLabelValues(category).Inc()
	}
}

// IncParseError counts a rejected envelope or block.
func IncParseError(transport string) {
	if transport == "" {
		transport = "unknown"
	}
	if parseErrors != nil {
		parseErrors.WithLabelValues(transport).Inc()
	}
}

// IncPollCycle counts a poll or renew cycle.
func IncPollCycle(result string) {
	if result == "" {
		result = ResultSuccess
	}
	if pollCycles != nil {
		pollCycles.WithLabelValues(result).Inc()
	}
}

// SetSubscriptionState marks current as the active state among all.
func SetSubscriptionState(current string, all []string) {
	if subscriptionState == nil {
		return
	}
	for _, state := range all {
		value := 0.0
		if state == current {
			value = 1
		}
		subscriptionState.WithLabelValues(state).Set(value)
	}
}

// IncThrottleDecision counts a throttle evaluation.
func IncThrottleDecision(category, result string) {
	if category == "" {
		category = "unknown"
	}
	if throttleDecisions != nil {
		throttleDecisions.WithLabelValues(category, result).Inc()
	}
}

// IncDeliveryAttempt counts one webhook attempt.
func IncDeliveryAttempt(result string) {
	if result == "" {
		result = ResultSuccess
	}
	if alertAttempts != nil {
		alertAttempts.WithLabelValues(result).Inc()
	}
}

// ObserveDelivery records the final result of an alert delivery.
func ObserveDelivery(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if alertDeliveries != nil {
		alertDeliveries.WithLabelValues(result).Inc()
	}
	if alertDeliveryLatency != nil {
		alertDeliveryLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}
