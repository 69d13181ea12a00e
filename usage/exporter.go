/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package usage

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/quota"
	"github.com/acronis/go-quotaguard/service"
)

// Target is a profile whose usage is exported.
type Target struct {
	Profile string
	Limits  quota.Limits
}

// ExporterOpts represents options for Exporter.
type ExporterOpts struct {
	Namespace string
	Logger    log.FieldLogger
}

// Exporter publishes usage stats of the targets as Prometheus gauges labeled by profile
// ("" for the global namespace). Each Run refreshes all gauges once, so it's meant
// to be driven by service.PeriodicWorker.
type Exporter struct {
	reporter *Reporter
	targets  []Target
	logger   log.FieldLogger

	UsageBytes     *prometheus.GaugeVec
	RemainingBytes *prometheus.GaugeVec
	RemainingDays  *prometheus.GaugeVec
	ActiveSessions *prometheus.GaugeVec
}

var _ service.Worker = (*Exporter)(nil)
var _ service.MetricsRegisterer = (*Exporter)(nil)

// NewExporter creates a new Exporter.
func NewExporter(reporter *Reporter, targets []Target, opts ExporterOpts) *Exporter {
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	newGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Subsystem: "quota",
			Name:      name,
			Help:      help,
		}, []string{"profile"})
	}
	return &Exporter{
		reporter:       reporter,
		targets:        targets,
		logger:         opts.Logger,
		UsageBytes:     newGauge("usage_bytes", "Bytes transferred in the current validity window."),
		RemainingBytes: newGauge("remaining_bytes", "Bytes left before the volume limit (-1 if unlimited)."),
		RemainingDays:  newGauge("remaining_days", "Days left in the validity window (-1 if unlimited)."),
		ActiveSessions: newGauge("active_sessions", "Number of currently open sessions."),
	}
}

// Run implements service.Worker.
// A failing target doesn't prevent the others from being refreshed; all errors are returned joined.
func (e *Exporter) Run(ctx context.Context) error {
	var errs []error
	for _, t := range e.targets {
		stats, err := e.reporter.Stats(ctx, t.Limits, t.Profile)
		if err != nil {
			e.logger.Warn("failed to export usage stats", log.String("profile", t.Profile), log.Error(err))
			errs = append(errs, err)
			continue
		}
		e.UsageBytes.WithLabelValues(t.Profile).Set(float64(stats.UsageBytes))
		e.RemainingBytes.WithLabelValues(t.Profile).Set(float64(stats.RemainingBytes))
		e.RemainingDays.WithLabelValues(t.Profile).Set(float64(stats.RemainingDays))
		e.ActiveSessions.WithLabelValues(t.Profile).Set(float64(stats.ActiveSessions))
	}
	return errors.Join(errs...)
}

// MustRegisterMetrics implements service.MetricsRegisterer.
func (e *Exporter) MustRegisterMetrics() {
	prometheus.MustRegister(e.UsageBytes, e.RemainingBytes, e.RemainingDays, e.ActiveSessions)
}

// UnregisterMetrics implements service.MetricsRegisterer.
func (e *Exporter) UnregisterMetrics() {
	prometheus.Unregister(e.UsageBytes)
	prometheus.Unregister(e.RemainingBytes)
	prometheus.Unregister(e.RemainingDays)
	prometheus.Unregister(e.ActiveSessions)
}
