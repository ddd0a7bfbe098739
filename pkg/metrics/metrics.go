// Package metrics exports append log and map counters to Prometheus.
//
// [Log] implements [applog.Metrics] and [Map] implements [recmap.Metrics].
// Both register their collectors on the given registerer; a nil registerer
// creates unregistered collectors, which is what tests use.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/calvinalkan/tsstore/pkg/applog"
	"github.com/calvinalkan/tsstore/pkg/recmap"
)

const namespace = "tsstore"

var (
	_ applog.Metrics = (*Log)(nil)
	_ recmap.Metrics = (*Map)(nil)
)

// Log collects append log metrics.
type Log struct {
	frames       *prometheus.CounterVec
	payloadBytes prometheus.Counter
	rotations    prometheus.Counter
	activeTerm   prometheus.Gauge
	cleaned      *prometheus.CounterVec
	polled       prometheus.Counter
}

// NewLog creates append log metrics. Collectors are labelled with the
// log name so several logs can share a registry.
func NewLog(reg prometheus.Registerer, name string) *Log {
	f := promauto.With(reg)
	labels := prometheus.Labels{"log": name}

	return &Log{
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "applog",
			Name:        "frames_total",
			Help:        "Frames finished by writers, by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}), // "committed", "aborted"
		payloadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "applog",
			Name:        "payload_bytes_total",
			Help:        "Payload bytes in committed frames",
			ConstLabels: labels,
		}),
		rotations: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "applog",
			Name:        "rotations_total",
			Help:        "Term rotations performed by this process",
			ConstLabels: labels,
		}),
		activeTerm: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "applog",
			Name:        "active_term_id",
			Help:        "Term id of the last rotation seen by this process",
			ConstLabels: labels,
		}),
		cleaned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "applog",
			Name:        "partitions_cleaned_total",
			Help:        "Partitions zeroed, by partition and by who cleaned them",
			ConstLabels: labels,
		}, []string{"partition", "by"}), // by: "cleaner", "writer"
		polled: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "applog",
			Name:        "frames_polled_total",
			Help:        "Data frames dispatched to the subscriber",
			ConstLabels: labels,
		}),
	}
}

// FrameCommitted implements [applog.Metrics].
func (m *Log) FrameCommitted(payloadLen int) {
	m.frames.WithLabelValues("committed").Inc()
	m.payloadBytes.Add(float64(payloadLen))
}

// FrameAborted implements [applog.Metrics].
func (m *Log) FrameAborted() {
	m.frames.WithLabelValues("aborted").Inc()
}

// Rotated implements [applog.Metrics].
func (m *Log) Rotated(termID int32) {
	m.rotations.Inc()
	m.activeTerm.Set(float64(termID))
}

// PartitionCleaned implements [applog.Metrics].
func (m *Log) PartitionCleaned(partition int, forced bool) {
	by := "cleaner"
	if forced {
		by = "writer"
	}

	m.cleaned.WithLabelValues(strconv.Itoa(partition), by).Inc()
}

// FramesPolled implements [applog.Metrics].
func (m *Log) FramesPolled(n int) {
	m.polled.Add(float64(n))
}

// Map collects map metrics.
type Map struct {
	stolen     prometheus.Counter
	recoveries prometheus.Counter
	steps      prometheus.Counter
	generation prometheus.Gauge
	resizes    prometheus.Counter
	retries    prometheus.Counter
}

// NewMap creates map metrics labelled with the map name.
func NewMap(reg prometheus.Registerer, name string) *Map {
	f := promauto.With(reg)
	labels := prometheus.Labels{"map": name}

	counter := func(metric, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "recmap",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &Map{
		stolen:     counter("locks_stolen_total", "Write locks taken over from dead owners"),
		recoveries: counter("recoveries_total", "Interrupted mutations rolled back"),
		steps:      counter("recovered_steps_total", "Journal steps undone during recovery"),
		resizes:    counter("resizes_total", "New generations added"),
		retries:    counter("read_retries_total", "Optimistic reads retried after a concurrent write"),
		generation: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "recmap",
			Name:        "generation",
			Help:        "Current bucket table generation",
			ConstLabels: labels,
		}),
	}
}

// LockStolen implements [recmap.Metrics].
func (m *Map) LockStolen() {
	m.stolen.Inc()
}

// Recovered implements [recmap.Metrics].
func (m *Map) Recovered(steps int) {
	m.recoveries.Inc()
	m.steps.Add(float64(steps))
}

// Resized implements [recmap.Metrics].
func (m *Map) Resized(generation int) {
	m.resizes.Inc()
	m.generation.Set(float64(generation))
}

// ReadRetried implements [recmap.Metrics].
func (m *Map) ReadRetried() {
	m.retries.Inc()
}
