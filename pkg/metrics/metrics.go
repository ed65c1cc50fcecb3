package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/amoylab/replay/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Flush outcomes
const (
	FlushUploaded  = "uploaded"
	FlushHeld      = "held"
	FlushFailed    = "failed"
	FlushDiscarded = "discarded"
)

// Metrics groups the prometheus collectors of the agent and the ingest service.
// All recording methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpInfl   *prometheus.GaugeVec

	flushCnt     *prometheus.CounterVec
	flushDur     *prometheus.HistogramVec
	uploadInfl   prometheus.Gauge
	uploadBytes  *prometheus.CounterVec
	uploadEvents prometheus.Counter
	discards     prometheus.Counter
	finalizeCnt  *prometheus.CounterVec

	storedSegments *prometheus.CounterVec
	storedBytes    *prometheus.CounterVec
	tokenRejects   *prometheus.CounterVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: r,

		httpReqCnt: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"}),
		httpDur:    prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: buckets}, []string{"method", "route", "status"}),
		httpInfl:   prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"}),

		flushCnt:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "capture_flush_total"}, []string{"outcome"}),
		flushDur:     prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "capture_flush_duration_seconds", Buckets: buckets}, []string{"outcome"}),
		uploadInfl:   prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "capture_upload_inflight"}),
		uploadBytes:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "capture_uploaded_bytes_total"}, []string{"encoding"}),
		uploadEvents: prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "capture_uploaded_events_total"}),
		discards:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "capture_sessions_discarded_total"}),
		finalizeCnt:  prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "capture_finalize_total"}, []string{"status"}),

		storedSegments: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "ingest_segments_total"}, []string{"site"}),
		storedBytes:    prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "ingest_segment_bytes_total"}, []string{"site"}),
		tokenRejects:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "ingest_token_rejected_total"}, []string{"reason"}),
	}
	r.MustRegister(m.httpReqCnt, m.httpDur, m.httpInfl)
	r.MustRegister(m.flushCnt, m.flushDur, m.uploadInfl, m.uploadBytes, m.uploadEvents, m.discards, m.finalizeCnt)
	r.MustRegister(m.storedSegments, m.storedBytes, m.tokenRejects)
	return m
}

func (m *Metrics) FlushDone(outcome string, since time.Time) {
	if m == nil {
		return
	}
	m.flushCnt.WithLabelValues(outcome).Inc()
	m.flushDur.WithLabelValues(outcome).Observe(time.Since(since).Seconds())
}

func (m *Metrics) UploadStart() {
	if m == nil {
		return
	}
	m.uploadInfl.Inc()
}

func (m *Metrics) UploadDone() {
	if m == nil {
		return
	}
	m.uploadInfl.Dec()
}

func (m *Metrics) SegmentUploaded(events, bytes int, encoding string) {
	if m == nil {
		return
	}
	if encoding == "" {
		encoding = "none"
	}
	m.uploadEvents.Add(float64(events))
	m.uploadBytes.WithLabelValues(encoding).Add(float64(bytes))
}

func (m *Metrics) SessionDiscarded() {
	if m == nil {
		return
	}
	m.discards.Inc()
}

func (m *Metrics) FinalizeDone(status string) {
	if m == nil {
		return
	}
	m.finalizeCnt.WithLabelValues(status).Inc()
}

func (m *Metrics) SegmentStored(site string, bytes int64) {
	if m == nil {
		return
	}
	m.storedSegments.WithLabelValues(site).Inc()
	m.storedBytes.WithLabelValues(site).Add(float64(bytes))
}

func (m *Metrics) TokenRejected(reason string) {
	if m == nil {
		return
	}
	m.tokenRejects.WithLabelValues(reason).Inc()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
