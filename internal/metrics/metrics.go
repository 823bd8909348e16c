package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll cycle result labels.
const (
	CycleSuccess = "success"
	CycleFailed  = "failed"
	CycleSkipped = "skipped"
)

// Metrics encapsulates Prometheus instrumentation for the bridge. All
// methods are safe on a nil receiver so instrumentation stays optional
// in tests.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	apiRequestDuration *prometheus.HistogramVec
	apiRequestTotal    *prometheus.CounterVec
	pollCycleTotal     *prometheus.CounterVec
	pollCycleDuration  prometheus.Histogram
	tokenRefreshTotal  *prometheus.CounterVec
	messageEventTotal  prometheus.Counter
	devicesGauge       prometheus.Gauge
}

// New registers the bridge collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	apiRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "anio_api_request_duration_seconds",
		Help:    "Duration of upstream ANIO cloud API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	apiRequestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anio_api_requests_total",
		Help: "Total upstream ANIO cloud API requests",
	}, []string{"method", "path", "status"})

	pollCycleTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anio_poll_cycles_total",
		Help: "Total poll cycles by result",
	}, []string{"result"})

	pollCycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "anio_poll_cycle_duration_seconds",
		Help:    "Duration of complete poll cycles",
		Buckets: prometheus.DefBuckets,
	})

	tokenRefreshTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anio_token_refresh_total",
		Help: "Total access token refresh attempts by result",
	}, []string{"result"})

	messageEventTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anio_message_events_total",
		Help: "Total new watch message events emitted",
	})

	devicesGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anio_devices",
		Help: "Number of devices on the account as of the last snapshot",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(apiRequestDuration, apiRequestTotal, pollCycleTotal, pollCycleDuration, tokenRefreshTotal, messageEventTotal, devicesGauge, goroutines)

	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		apiRequestDuration: apiRequestDuration,
		apiRequestTotal:    apiRequestTotal,
		pollCycleTotal:     pollCycleTotal,
		pollCycleDuration:  pollCycleDuration,
		tokenRefreshTotal:  tokenRefreshTotal,
		messageEventTotal:  messageEventTotal,
		devicesGauge:       devicesGauge,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveAPIRequest records one upstream request.
func (m *Metrics) ObserveAPIRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.apiRequestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.apiRequestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObservePollCycle records a finished (or skipped) poll cycle.
func (m *Metrics) ObservePollCycle(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pollCycleTotal.WithLabelValues(result).Inc()
	if result != CycleSkipped {
		m.pollCycleDuration.Observe(duration.Seconds())
	}
}

// ObserveTokenRefresh counts refresh attempts.
func (m *Metrics) ObserveTokenRefresh(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failed"
	}
	m.tokenRefreshTotal.WithLabelValues(result).Inc()
}

// ObserveMessageEvent counts emitted watch message events.
func (m *Metrics) ObserveMessageEvent() {
	if m == nil {
		return
	}
	m.messageEventTotal.Inc()
}

// SetDeviceCount updates the device gauge after a snapshot.
func (m *Metrics) SetDeviceCount(n int) {
	if m == nil {
		return
	}
	m.devicesGauge.Set(float64(n))
}
