// Package metrics owns the service's Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Failure kinds counted in the hourly window.
const (
	WindowEarning = "earning"
	WindowRefund  = "refund"
	WindowOutbox  = "outbox"
)

// Registry holds every collector of the process. Failures are also counted in a window
// that the scheduler resets every hour; crossing the threshold logs an alert once per
// window.
type Registry struct {
	reg       *prometheus.Registry
	logger    *zap.Logger
	threshold int64

	mileageEarned   *prometheus.CounterVec
	earningFailures prometheus.Counter
	refunds         *prometheus.CounterVec
	refundDenials   prometheus.Counter
	outboxEvents    *prometheus.CounterVec
	outboxBacklog   *prometheus.GaugeVec
	windowFailures  *prometheus.GaugeVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestsError   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	mu      sync.Mutex
	window  map[string]int64
	alerted map[string]bool
}

func New(logger *zap.Logger, threshold int64) *Registry {
	r := &Registry{
		reg:       prometheus.NewRegistry(),
		logger:    logger,
		threshold: threshold,
		window:    map[string]int64{},
		alerted:   map[string]bool{},

		mileageEarned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_mileage_earned_points_total",
			Help: "Points credited by earning schedules",
		}, []string{"kind"}),
		earningFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_earning_failures_total",
			Help: "Earning schedules moved to FAILED",
		}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_refunds_total",
			Help: "Refunds by final gateway outcome",
		}, []string{"status"}),
		refundDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_refund_denials_total",
			Help: "Refund requests rejected after the deadline",
		}),
		outboxEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_outbox_events_total",
			Help: "Outbox deliveries by result",
		}, []string{"result"}),
		outboxBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settlement_outbox_events",
			Help: "Outbox rows by status",
		}, []string{"status"}),
		windowFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settlement_window_failures",
			Help: "Failures in the current hourly window",
		}, []string{"kind"}),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_http_requests_total",
			Help: "HTTP requests",
		}, []string{"path", "code"}),
		httpRequestsError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_http_errors_total",
			Help: "HTTP requests answered with an error",
		}, []string{"path", "code"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "code"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.mileageEarned, r.earningFailures, r.refunds, r.refundDenials,
		r.outboxEvents, r.outboxBacklog, r.windowFailures,
		r.httpRequestsTotal, r.httpRequestsError, r.httpRequestDuration,
	)
	return r
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) MileageEarned(kind string, points int64) {
	r.mileageEarned.WithLabelValues(kind).Add(float64(points))
}

func (r *Registry) EarningFailed() {
	r.earningFailures.Inc()
	r.fail(WindowEarning)
}

func (r *Registry) RefundFinished(status string) {
	r.refunds.WithLabelValues(status).Inc()
	if status == "FAILED" || status == "UNKNOWN" {
		r.fail(WindowRefund)
	}
}

func (r *Registry) RefundDenied() {
	r.refundDenials.Inc()
}

// OutboxDelivered counts one delivery attempt; result is completed, failed, requeued or
// exhausted.
func (r *Registry) OutboxDelivered(result string, n int64) {
	if n <= 0 {
		return
	}
	r.outboxEvents.WithLabelValues(result).Add(float64(n))
	if result == "failed" || result == "exhausted" {
		r.fail(WindowOutbox)
	}
}

func (r *Registry) OutboxBacklog(byStatus map[string]int64) {
	r.outboxBacklog.Reset()
	for status, n := range byStatus {
		r.outboxBacklog.WithLabelValues(status).Set(float64(n))
	}
}

func (r *Registry) ObserveHTTP(path string, code int, took time.Duration) {
	labels := prometheus.Labels{"path": path, "code": strconv.Itoa(code)}
	r.httpRequestsTotal.With(labels).Inc()
	r.httpRequestDuration.With(labels).Observe(took.Seconds())
	if code >= http.StatusBadRequest {
		r.httpRequestsError.With(labels).Inc()
	}
}

func (r *Registry) fail(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window[kind]++
	n := r.window[kind]
	r.windowFailures.WithLabelValues(kind).Set(float64(n))
	if r.threshold > 0 && n >= r.threshold && !r.alerted[kind] {
		r.alerted[kind] = true
		r.logger.Error("Failure threshold reached",
			zap.String("kind", kind),
			zap.Int64("failures", n),
			zap.Int64("threshold", r.threshold),
		)
	}
}

// ResetWindow starts a new window and returns the counts of the one that ended.
func (r *Registry) ResetWindow() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ended := r.window
	r.window = map[string]int64{}
	r.alerted = map[string]bool{}
	r.windowFailures.Reset()
	return ended
}
