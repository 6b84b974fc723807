// Package metrics exposes Prometheus collectors for the offline delivery
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "teamchat"

// Send paths
const (
	PathImmediate = "immediate"
	PathQueue     = "queue"
)

// Metrics holds the collectors registered for one pipeline instance.
type Metrics struct {
	messagesQueued      prometheus.Counter
	sendAttempts        *prometheus.CounterVec
	sendDuration        *prometheus.HistogramVec
	messagesExhausted   prometheus.Counter
	messagesCleared     *prometheus.CounterVec
	queueEntries        *prometheus.GaugeVec
	connected           prometheus.Gauge
	connectivityChanges *prometheus.CounterVec
	probes              *prometheus.CounterVec
	receipts            *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	httpInFlight        prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_queued_total",
			Help:      "Messages placed in the offline queue.",
		}),
		sendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "send",
			Name:      "attempts_total",
			Help:      "Remote send attempts by path and result.",
		}, []string{"path", "result"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "send",
			Name:      "duration_seconds",
			Help:      "Latency of remote send attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
		messagesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_exhausted_total",
			Help:      "Queued messages that reached the retry ceiling.",
		}),
		messagesCleared: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_cleared_total",
			Help:      "Queued messages removed by user action.",
		}, []string{"scope"}),
		queueEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "entries",
			Help:      "Current queue entries by state.",
		}, []string{"state"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "connected",
			Help:      "1 when the committed connectivity state is connected.",
		}),
		connectivityChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "transitions_total",
			Help:      "Committed connectivity transitions.",
		}, []string{"connected"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "probes_total",
			Help:      "Reachability probes by target and result.",
		}, []string{"target", "result"}),
		receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "receipts_total",
			Help:      "Delivery receipts received over the realtime channel.",
		}, []string{"status", "applied"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Control API requests by method, route and status code.",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_active",
			Help:      "Control API requests currently being served.",
		}),
	}

	reg.MustRegister(
		m.messagesQueued,
		m.sendAttempts,
		m.sendDuration,
		m.messagesExhausted,
		m.messagesCleared,
		m.queueEntries,
		m.connected,
		m.connectivityChanges,
		m.probes,
		m.receipts,
		m.httpRequests,
		m.httpDuration,
		m.httpInFlight,
	)
	m.connected.Set(1)
	return m
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) MessageQueued() {
	if m == nil {
		return
	}
	m.messagesQueued.Inc()
}

// ObserveSend records one remote send attempt on the given path.
func (m *Metrics) ObserveSend(path string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sendAttempts.WithLabelValues(path, result(err == nil)).Inc()
	m.sendDuration.WithLabelValues(path).Observe(elapsed.Seconds())
}

func (m *Metrics) MessageExhausted() {
	if m == nil {
		return
	}
	m.messagesExhausted.Inc()
}

func (m *Metrics) MessagesCleared(scope string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesCleared.WithLabelValues(scope).Add(float64(n))
}

func (m *Metrics) SetQueueEntries(pending, failed int) {
	if m == nil {
		return
	}
	m.queueEntries.WithLabelValues("pending").Set(float64(pending))
	m.queueEntries.WithLabelValues("failed").Set(float64(failed))
}

func (m *Metrics) ConnectivityChanged(connected bool) {
	if m == nil {
		return
	}
	m.connectivityChanges.WithLabelValues(strconv.FormatBool(connected)).Inc()
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) ObserveProbe(target string, ok bool) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(target, result(ok)).Inc()
}

func (m *Metrics) ObserveReceipt(status string, applied bool) {
	if m == nil {
		return
	}
	m.receipts.WithLabelValues(status, strconv.FormatBool(applied)).Inc()
}

// HTTPStarted tracks a request entering the control API and returns the
// function that records its completion.
func (m *Metrics) HTTPStarted() func(method, route string, statusCode int, elapsed time.Duration) {
	if m == nil {
		return func(string, string, int, time.Duration) {}
	}
	m.httpInFlight.Inc()
	return func(method, route string, statusCode int, elapsed time.Duration) {
		m.httpInFlight.Dec()
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
	}
}
