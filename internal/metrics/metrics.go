// Package metrics exposes Prometheus collectors for experiment runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spice"

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	instances        *prometheus.CounterVec
	labels           *prometheus.CounterVec
	checkoutFailures *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	providerTokens   *prometheus.CounterVec
	groupsActive     prometheus.Gauge
}

// MustNewMetrics registers the collectors with reg and panics on conflicts.
// Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		instances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "instances_total",
			Help:      "Instances handled by the orchestrator, by outcome.",
		}, []string{"outcome"}),
		labels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "labeller",
			Name:      "results_total",
			Help:      "Labelling calls by capability and status.",
		}, []string{"capability", "status"}),
		checkoutFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workspace",
			Name:      "checkout_failures_total",
			Help:      "Repository checkouts that failed.",
		}, []string{"repo"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Model round-trips by provider and status.",
		}, []string{"provider", "status"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Latency of model round-trips.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"provider"}),
		providerTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "tokens_total",
			Help:      "Tokens reported by providers.",
		}, []string{"provider", "direction"}),
		groupsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "repo_groups_active",
			Help:      "Repository groups currently being processed.",
		}),
	}
	reg.MustRegister(m.instances, m.labels, m.checkoutFailures, m.providerRequests,
		m.providerLatency, m.providerTokens, m.groupsActive)
	return m
}

// Instance outcomes.
const (
	OutcomeDone    = "done"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

func (m *Metrics) IncInstance(outcome string) {
	if m == nil {
		return
	}
	m.instances.WithLabelValues(outcome).Inc()
}

// ObserveLabel records one labeller call. status is "ok" or "error".
func (m *Metrics) ObserveLabel(capability, status string) {
	if m == nil {
		return
	}
	m.labels.WithLabelValues(capability, status).Inc()
}

func (m *Metrics) IncCheckoutFailure(repo string) {
	if m == nil {
		return
	}
	m.checkoutFailures.WithLabelValues(repo).Inc()
}

func (m *Metrics) ObserveRequest(provider, status string, d time.Duration, in, out int) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(provider, status).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(d.Seconds())
	if in > 0 {
		m.providerTokens.WithLabelValues(provider, "in").Add(float64(in))
	}
	if out > 0 {
		m.providerTokens.WithLabelValues(provider, "out").Add(float64(out))
	}
}

func (m *Metrics) GroupStarted() {
	if m == nil {
		return
	}
	m.groupsActive.Inc()
}

func (m *Metrics) GroupFinished() {
	if m == nil {
		return
	}
	m.groupsActive.Dec()
}

// Serve exposes /metrics for g on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
