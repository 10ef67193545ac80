// Package metrics provides Prometheus instrumentation for the inference
// subsystem: batch fill ratio, ticket wait latency, queue depth, inference
// latency/throughput, and interval-drop counts.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for the inference module.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	FramesFed          *prometheus.CounterVec
	FramesDropped      *prometheus.CounterVec
	BatchFillRatio      *prometheus.HistogramVec
	TicketWaitSeconds   *prometheus.HistogramVec
	RingQueueDepth      *prometheus.GaugeVec
	InferDuration       *prometheus.HistogramVec
	InferFatalErrors     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers the inference module's metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_http_requests_total",
				Help: "Total HTTP requests by endpoint and status code.",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inference_http_request_duration_seconds",
				Help:    "HTTP request latency distribution.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"endpoint"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "inference_http_active_requests",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		FramesFed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_frames_fed_total",
				Help: "Total frames fed to an engine, by channel.",
			},
			[]string{"channel"},
		),
		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_frames_dropped_total",
				Help: "Total frames skipped by infer_interval, by channel.",
			},
			[]string{"channel"},
		),
		BatchFillRatio: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inference_batch_fill_ratio",
				Help:    "Committed batch size divided by configured batch_size (1.0 = full batch, <1.0 = timeout/EOS flush).",
				Buckets: []float64{0.1, 0.25, 0.5, 0.75, 0.9, 1.0},
			},
			[]string{"channel"},
		),
		TicketWaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inference_ticket_wait_seconds",
				Help:    "Time a PickUpTicket caller spent blocked on a full ring.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"ring"},
		),
		RingQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "inference_ring_in_flight_batches",
				Help: "Number of ring slots currently claimed (not yet released).",
			},
			[]string{"ring"},
		),
		InferDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inference_model_run_duration_seconds",
				Help:    "Wall-clock time of one ModelRunner.Run call.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		InferFatalErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_fatal_errors_total",
				Help: "Total fatal InvariantViolation/TransientDeviceError occurrences, by op.",
			},
			[]string{"op"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.FramesFed,
		m.FramesDropped,
		m.BatchFillRatio,
		m.TicketWaitSeconds,
		m.RingQueueDepth,
		m.InferDuration,
		m.InferFatalErrors,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed HTTP request's metrics.
func (m *Metrics) RecordRequest(endpoint string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordCommit records one engine batch commit: its fill ratio and the
// model run's duration. Fatal errors are recorded separately (see
// RecordFatalError).
func (m *Metrics) RecordCommit(channel string, batchSize, configuredBatchSize int, runDuration time.Duration) {
	m.BatchFillRatio.WithLabelValues(channel).Observe(float64(batchSize) / float64(configuredBatchSize))
	m.InferDuration.WithLabelValues(channel).Observe(runDuration.Seconds())
}

// RecordDrop records one infer_interval-skipped frame.
func (m *Metrics) RecordDrop(channel string) {
	m.FramesDropped.WithLabelValues(channel).Inc()
}

// RecordFeed records one frame handed to an engine's FeedData. Frames the
// module drops by infer_interval, and EOS frames it fulfils itself, never
// reach the engine and are not counted here.
func (m *Metrics) RecordFeed(channel string) {
	m.FramesFed.WithLabelValues(channel).Inc()
}

// RecordTicketWait records how long a PickUpTicket caller blocked.
func (m *Metrics) RecordTicketWait(ring string, wait time.Duration) {
	m.TicketWaitSeconds.WithLabelValues(ring).Observe(wait.Seconds())
}

// SetRingInFlight sets the current count of claimed-but-unreleased slots.
func (m *Metrics) SetRingInFlight(ring string, n int) {
	m.RingQueueDepth.WithLabelValues(ring).Set(float64(n))
}

// RecordFatalError records one InvariantViolation/TransientDeviceError.
func (m *Metrics) RecordFatalError(op string) {
	m.InferFatalErrors.WithLabelValues(op).Inc()
}

// Middleware returns an HTTP middleware that instruments requests.
func (m *Metrics) Middleware(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.ActiveRequests.Inc()
		defer m.ActiveRequests.Dec()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rw, r)

		m.RecordRequest(endpoint, rw.statusCode, time.Since(start))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
