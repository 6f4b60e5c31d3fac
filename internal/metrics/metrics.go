// Package metrics exposes Prometheus metrics for the reconciliation
// engine. A custom registry avoids dragging in the default Go collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "racesync"

var registry = prometheus.NewRegistry()

var (
	streamEvents = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "events_total",
		Help:      "Push events received, by kind.",
	}, []string{"kind"})

	streamReconnects = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Push connection reconnect attempts.",
	})

	mergesApplied = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "merges_total",
		Help:      "Accepted state merges, by update source.",
	}, []string{"source"})

	staleDrops = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "stale_updates_dropped_total",
		Help:      "Updates rejected by the merge rule as stale.",
	})

	subscribers = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "subscribers",
		Help:      "Active race state subscribers.",
	})

	fetchesStarted = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "started_total",
		Help:      "Snapshot fetches started.",
	})

	fetchesCanceled = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fetch",
		Name:      "canceled_total",
		Help:      "Snapshot fetches canceled by a successor.",
	})

	debounceFlushes = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "debounce",
		Name:      "flushes_total",
		Help:      "Debounce windows that fired their action.",
	})

	winnerResolution = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "winner",
		Name:      "resolution_seconds",
		Help:      "Time from race close to winner installation.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
)

func StreamEvent(kind string) { streamEvents.WithLabelValues(kind).Inc() }

func StreamReconnect() { streamReconnects.Inc() }

func MergeApplied(source string) { mergesApplied.WithLabelValues(source).Inc() }

func StaleDrop() { staleDrops.Inc() }

func SubscriberAdded() { subscribers.Inc() }

func SubscriberRemoved() { subscribers.Dec() }

func FetchStarted() { fetchesStarted.Inc() }

func FetchCanceled() { fetchesCanceled.Inc() }

func DebounceFlush() { debounceFlushes.Inc() }

// ObserveWinnerResolution records how long a close-to-winner transition
// took.
func ObserveWinnerResolution(d time.Duration) {
	winnerResolution.Observe(d.Seconds())
}

// Handler serves this registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
