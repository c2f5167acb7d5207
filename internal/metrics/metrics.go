// Package metrics exposes Prometheus counters and gauges for the remux
// service on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame error kinds.
const (
	KindFraming = "framing"
	KindSPS     = "sps"
	KindDemux   = "demux"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    prometheus.Counter
	errorsTotal      prometheus.Counter
	framesTotal      prometheus.Counter
	fragmentsTotal   prometheus.Counter
	bytesTotal       prometheus.Counter
	frameErrorsTotal *prometheus.CounterVec
	viewerDropsTotal prometheus.Counter
	activeStreams    prometheus.Gauge
	activeViewers    *prometheus.GaugeVec
}

// New creates and registers the service metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avcmux_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avcmux_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		framesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avcmux_frames_ingested_total",
			Help: "Access units accepted from ingest",
		}),
		fragmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avcmux_fragments_emitted_total",
			Help: "Fragments or access-unit records emitted to viewers",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avcmux_bytes_emitted_total",
			Help: "Bytes written to viewers",
		}),
		frameErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avcmux_frame_errors_total",
			Help: "Frames dropped because they could not be parsed",
		}, []string{"kind"}),
		viewerDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avcmux_viewer_dropped_frames_total",
			Help: "Frames skipped for slow viewers",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "avcmux_active_streams",
			Help: "Number of live streams",
		}),
		activeViewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "avcmux_active_viewers",
			Help: "Number of connected viewers by mode",
		}, []string{"mode"}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.framesTotal,
		m.fragmentsTotal,
		m.bytesTotal,
		m.frameErrorsTotal,
		m.viewerDropsTotal,
		m.activeStreams,
		m.activeViewers,
	)
	return m
}

// Registry returns the private registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncRequests() { m.requestsTotal.Inc() }
func (m *Metrics) IncErrors()   { m.errorsTotal.Inc() }
func (m *Metrics) IncFrames()   { m.framesTotal.Inc() }

// AddOutput records one emitted chunk of n bytes.
func (m *Metrics) AddOutput(n int) {
	m.fragmentsTotal.Inc()
	m.bytesTotal.Add(float64(n))
}

// IncFrameError counts a dropped frame of the given kind.
func (m *Metrics) IncFrameError(kind string) {
	m.frameErrorsTotal.WithLabelValues(kind).Inc()
}

// AddViewerDrops counts frames skipped for slow viewers.
func (m *Metrics) AddViewerDrops(n int64) {
	if n > 0 {
		m.viewerDropsTotal.Add(float64(n))
	}
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// SetActiveViewers sets the viewer gauge for one mode.
func (m *Metrics) SetActiveViewers(mode string, n int) {
	m.activeViewers.WithLabelValues(mode).Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
