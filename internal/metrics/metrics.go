// Package metrics exposes server-side throughput counters in the Prometheus
// text format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Arun445/tcp-bench/internal/report"
)

// Metrics methods are safe on a nil receiver so callers can run without a
// registry.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	AcceptErrors   prometheus.Counter
	ReceivedBytes  prometheus.Counter
	IntervalRate   prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tcpbench_sessions_active",
			Help: "Number of receiver sessions currently reading.",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tcpbench_sessions_total",
			Help: "Number of accepted connections.",
		}),
		AcceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tcpbench_accept_errors_total",
			Help: "Number of failed accepts.",
		}),
		ReceivedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "tcpbench_received_bytes_total",
			Help: "Bytes received by sessions that have ended.",
		}),
		IntervalRate: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tcpbench_interval_rate_mbps",
			Help:    "Per-session rate over each reporting interval.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12),
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) AcceptFailed() {
	if m == nil {
		return
	}
	m.AcceptErrors.Inc()
}

// Report implements report.Sink.
func (m *Metrics) Report(r report.Report) {
	if m == nil {
		return
	}
	switch r.Kind {
	case report.Interval:
		m.IntervalRate.Observe(r.Mbps())
	case report.Final:
		m.ReceivedBytes.Add(float64(r.Bytes))
	}
}

func instrumentHandler(reg prometheus.Registerer, handlerName string, handler http.Handler) http.Handler {
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"handler": handlerName}, reg)

	requestsTotal := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Tracks the number of HTTP requests.",
		}, []string{"method", "code"},
	)

	return promhttp.InstrumentHandlerCounter(requestsTotal, handler)
}

// Handler serves reg on /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", instrumentHandler(reg, "metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return mux
}

// Serve runs the exposition endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logrus.WithField("addr", addr).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
