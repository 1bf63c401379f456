// Package metrics exposes pipeline, recorder and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/livepeer/brewdream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var statuses = []brewdream.Status{
	brewdream.StatusIdle,
	brewdream.StatusCreatingStream,
	brewdream.StatusPublishing,
	brewdream.StatusReady,
	brewdream.StatusStopped,
	brewdream.StatusError,
}

type Metrics struct {
	registry       *prometheus.Registry
	requestsTotal  prometheus.Counter
	errorsTotal    prometheus.Counter
	pipelineStatus *prometheus.GaugeVec
	pipelineErrors *prometheus.CounterVec
	frames         *prometheus.GaugeVec
	params         *prometheus.GaugeVec
	bitrate        prometheus.Gauge
	clipsTotal     *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brewdream_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brewdream_http_errors_total",
			Help: "Total number of HTTP responses with status >= 400",
		}),
		pipelineStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brewdream_pipeline_status",
			Help: "1 for the current pipeline status, 0 otherwise",
		}, []string{"status"}),
		pipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brewdream_pipeline_errors_total",
			Help: "Pipeline errors by phase",
		}, []string{"phase"}),
		frames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brewdream_compositor_frames",
			Help: "Compositor ticks by outcome since the pipeline was created",
		}, []string{"outcome"}),
		params: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brewdream_param_updates",
			Help: "Parameter updates by outcome for the current stream",
		}, []string{"outcome"}),
		bitrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brewdream_video_bitrate_bps",
			Help: "Current target video bitrate",
		}),
		clipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brewdream_clips_total",
			Help: "Recordings by terminal state",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.pipelineStatus,
		m.pipelineErrors,
		m.frames,
		m.params,
		m.bitrate,
		m.clipsTotal,
	)

	return m
}

func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

func (m *Metrics) IncPipelineError(phase brewdream.Phase) {
	m.pipelineErrors.WithLabelValues(string(phase)).Inc()
}

// IncClip counts a recording that ended as done, discarded or error.
func (m *Metrics) IncClip(result string) {
	m.clipsTotal.WithLabelValues(result).Inc()
}

// ObservePipeline copies a pipeline stats snapshot into the gauges.
func (m *Metrics) ObservePipeline(stats brewdream.Stats) {
	for _, s := range statuses {
		v := 0.0
		if s == stats.Status {
			v = 1
		}
		m.pipelineStatus.WithLabelValues(string(s)).Set(v)
	}

	m.frames.WithLabelValues("drawn").Set(float64(stats.Compositor.Drawn))
	m.frames.WithLabelValues("skipped").Set(float64(stats.Compositor.Skipped))
	m.frames.WithLabelValues("error").Set(float64(stats.Compositor.Errors))

	m.params.WithLabelValues("sent").Set(float64(stats.Params.Sent))
	m.params.WithLabelValues("failed").Set(float64(stats.Params.Failed))
	m.params.WithLabelValues("coalesced").Set(float64(stats.Params.Coalesced))

	m.bitrate.Set(float64(stats.Bitrate))
}

// Handler serves the registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, r)
	})
}
