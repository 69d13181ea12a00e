/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package kvstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Store operation names used as the "op" label.
const (
	OpGet    = "get"
	OpPut    = "put"
	OpIncrBy = "incr_by"
)

// MetricsCollector collects metrics of store operations.
type MetricsCollector interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is prepended to all metric names.
	Namespace string
	// DurationBuckets is a list of buckets for the operation duration histogram.
	DurationBuckets []float64
	// ConstLabels are applied to all metrics (e.g. {"backend": "redis"}).
	ConstLabels prometheus.Labels
}

// PrometheusMetrics is a MetricsCollector backed by Prometheus.
type PrometheusMetrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

// NewPrometheusMetrics creates PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.DurationBuckets
	if buckets == nil {
		buckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	}
	return &PrometheusMetrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   opts.Namespace,
				Name:        "kvstore_operations_total",
				Help:        "Number of key-value store operations.",
				ConstLabels: opts.ConstLabels,
			},
			[]string{"op", "result"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   opts.Namespace,
				Name:        "kvstore_operation_duration_seconds",
				Help:        "Duration of key-value store operations.",
				Buckets:     buckets,
				ConstLabels: opts.ConstLabels,
			},
			[]string{"op"},
		),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.OperationsTotal, pm.OperationDuration)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.OperationsTotal)
	prometheus.Unregister(pm.OperationDuration)
}

// ObserveOperation implements MetricsCollector.
func (pm *PrometheusMetrics) ObserveOperation(op string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	pm.OperationsTotal.WithLabelValues(op, result).Inc()
	pm.OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) ObserveOperation(string, error, time.Duration) {}
