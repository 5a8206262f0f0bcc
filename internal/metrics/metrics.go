package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"findmyspot-backend/internal/notification"
)

// Metrics holds all application metrics
type Metrics struct {
	// Detection frames
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	SourceErrors    atomic.Uint64

	// Latest unified status counts
	SpotsFree     atomic.Uint64
	SpotsOccupied atomic.Uint64
	SpotsReserved atomic.Uint64

	CycleLatencyUs atomic.Uint64

	events   *prometheus.CounterVec
	registry *prometheus.Registry
}

// New creates a new Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "findmyspot_events_total",
			Help: "Notification events emitted, by kind",
		}, []string{"kind"}),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.events)

	type series struct {
		name, help string
		v          *atomic.Uint64
	}
	load := func(v *atomic.Uint64) func() float64 {
		return func() float64 { return float64(v.Load()) }
	}

	counters := []series{
		{"findmyspot_frames_read_total", "Detection frames read from the source", &m.FramesRead},
		{"findmyspot_frames_processed_total", "Detection frames matched against spots", &m.FramesProcessed},
		{"findmyspot_source_errors_total", "Detection source read errors", &m.SourceErrors},
	}
	for _, c := range counters {
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help}, load(c.v)))
	}

	gauges := []series{
		{"findmyspot_spots_free", "Spots currently free", &m.SpotsFree},
		{"findmyspot_spots_occupied", "Spots currently occupied according to the detector", &m.SpotsOccupied},
		{"findmyspot_spots_reserved", "Spots currently reserved", &m.SpotsReserved},
		{"findmyspot_cycle_latency_us", "Duration of the last reconciliation pass in microseconds", &m.CycleLatencyUs},
	}
	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help}, load(g.v)))
	}
}

// Notify counts ev. It lets Metrics sit alongside the other notification sinks.
func (m *Metrics) Notify(ev notification.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
}

// ObserveCycle records the outcome of one reconciliation pass.
func (m *Metrics) ObserveCycle(d time.Duration, free, occupied, reserved int) {
	m.CycleLatencyUs.Store(uint64(d.Microseconds()))
	m.SpotsFree.Store(uint64(free))
	m.SpotsOccupied.Store(uint64(occupied))
	m.SpotsReserved.Store(uint64(reserved))
}

// FrameRead records a frame pulled from the detection source.
func (m *Metrics) FrameRead(processed bool) {
	m.FramesRead.Add(1)
	if processed {
		m.FramesProcessed.Add(1)
	}
}

// SourceError records a failed read from the detection source.
func (m *Metrics) SourceError() {
	m.SourceErrors.Add(1)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
