/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package guard

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Admission results used as the "result" label.
const (
	AdmissionAllowed        = "allowed"
	AdmissionDeniedExpired  = "denied_expired"
	AdmissionDeniedVolume   = "denied_volume"
	AdmissionDeniedMaxUsers = "denied_max_users"
	AdmissionStoreError     = "error"
)

// MetricsCollector collects metrics of guards.
type MetricsCollector interface {
	IncAdmissions(profile, result string)
	AddFlushedBytes(profile string, n int64)
	IncVolumeLimitExceeded(profile string)
	ObserveSessionDuration(profile string, d time.Duration)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is prepended to all metric names.
	Namespace string
	// SessionDurationBuckets is a list of buckets (in seconds) for the session duration histogram.
	SessionDurationBuckets []float64
}

// PrometheusMetrics is a MetricsCollector backed by Prometheus.
type PrometheusMetrics struct {
	AdmissionsTotal          *prometheus.CounterVec
	FlushedBytesTotal        *prometheus.CounterVec
	VolumeLimitExceededTotal *prometheus.CounterVec
	SessionDuration          *prometheus.HistogramVec
}

// NewPrometheusMetrics creates PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.SessionDurationBuckets
	if buckets == nil {
		buckets = []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600, 24 * 3600}
	}
	labels := []string{"profile"}
	return &PrometheusMetrics{
		AdmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "guard_admissions_total",
			Help:      "Number of session admission decisions.",
		}, []string{"profile", "result"}),
		FlushedBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "guard_flushed_bytes_total",
			Help:      "Number of bytes flushed into the usage counters.",
		}, labels),
		VolumeLimitExceededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "guard_volume_limit_exceeded_total",
			Help:      "Number of sessions terminated because the volume limit was exceeded.",
		}, labels),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "guard_session_duration_seconds",
			Help:      "Duration of closed sessions.",
			Buckets:   buckets,
		}, labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.AdmissionsTotal, pm.FlushedBytesTotal, pm.VolumeLimitExceededTotal, pm.SessionDuration)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.AdmissionsTotal)
	prometheus.Unregister(pm.FlushedBytesTotal)
	prometheus.Unregister(pm.VolumeLimitExceededTotal)
	prometheus.Unregister(pm.SessionDuration)
}

// IncAdmissions implements MetricsCollector.
func (pm *PrometheusMetrics) IncAdmissions(profile, result string) {
	pm.AdmissionsTotal.WithLabelValues(profile, result).Inc()
}

// AddFlushedBytes implements MetricsCollector.
func (pm *PrometheusMetrics) AddFlushedBytes(profile string, n int64) {
	pm.FlushedBytesTotal.WithLabelValues(profile).Add(float64(n))
}

// IncVolumeLimitExceeded implements MetricsCollector.
func (pm *PrometheusMetrics) IncVolumeLimitExceeded(profile string) {
	pm.VolumeLimitExceededTotal.WithLabelValues(profile).Inc()
}

// ObserveSessionDuration implements MetricsCollector.
func (pm *PrometheusMetrics) ObserveSessionDuration(profile string, d time.Duration) {
	pm.SessionDuration.WithLabelValues(profile).Observe(d.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) IncAdmissions(string, string)                 {}
func (disabledMetrics) AddFlushedBytes(string, int64)                {}
func (disabledMetrics) IncVolumeLimitExceeded(string)                {}
func (disabledMetrics) ObserveSessionDuration(string, time.Duration) {}
