// Package metrics exposes counters for the anomalies the tracer tolerates
// instead of failing on: dropped events, lost perf samples, registry overflow
// and the descriptor races seen by the correlation engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const eventKindLabel = "kind"

var (
	// Events counts domain events applied by the correlation engine.
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fdscope_events_total",
		Help: "Domain events applied by the correlation engine, by kind",
	}, []string{eventKindLabel})

	// EventsDropped counts records the in-process producer discarded because
	// the consumer channel was full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fdscope_events_dropped_total",
		Help: "Records dropped by the in-process producer on a full channel",
	})

	// LostSamples counts samples the kernel reported as lost on a perf buffer.
	LostSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fdscope_perf_lost_samples_total",
		Help: "Samples lost by the kernel perf buffers",
	})

	// RegistryOverflow counts children that could not be traced because every
	// registry slot was taken.
	RegistryOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fdscope_registry_overflow_total",
		Help: "Child processes not traced because the registry was full",
	})

	// FDOverwrites counts opens that replaced a live table entry.
	FDOverwrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fdscope_fd_overwrites_total",
		Help: "Opens returning a descriptor already present in the table",
	})

	// UnknownCloses counts closes of descriptors missing from the table.
	UnknownCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fdscope_unknown_closes_total",
		Help: "Closes of descriptors not present in the table",
	})

	// OpenFailures counts failed open calls.
	OpenFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fdscope_open_failures_total",
		Help: "Open calls that returned an error",
	})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
