// Package metrics holds the engine's Prometheus collectors and the optional
// HTTP listener that exposes them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Terminal outcomes recorded, partitioned by channel and outcome.
	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcastd_outcomes_total",
			Help: "Per-recipient delivery outcomes recorded",
		},
		[]string{"channel", "outcome"},
	)

	// Transport send attempts, partitioned by channel and result.
	sendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcastd_send_attempts_total",
			Help: "Channel adapter send attempts",
		},
		[]string{"channel", "result"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broadcastd_send_duration_seconds",
			Help:    "Channel adapter send latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcastd_transitions_total",
			Help: "Broadcast status transitions",
		},
		[]string{"to"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcastd_dispatch_queue_depth",
			Help: "Deliveries waiting in the dispatch queue",
		},
	)

	inFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcastd_dispatch_inflight",
			Help: "Deliveries currently being processed by workers",
		},
	)

	workerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcastd_worker_panics_total",
			Help: "Panics recovered at the dispatch worker boundary",
		},
	)
)

// Outcome counts one recorded terminal outcome.
func Outcome(channel, outcome string) { outcomesTotal.WithLabelValues(channel, outcome).Inc() }

// SendAttempt counts one adapter call and observes its latency.
func SendAttempt(channel, result string, took time.Duration) {
	sendAttempts.WithLabelValues(channel, result).Inc()
	sendDuration.WithLabelValues(channel).Observe(took.Seconds())
}

// Transition counts a broadcast entering status to.
func Transition(to string) { transitions.WithLabelValues(to).Inc() }

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

func InFlightInc() { inFlight.Inc() }
func InFlightDec() { inFlight.Dec() }

func WorkerPanic() { workerPanics.Inc() }
