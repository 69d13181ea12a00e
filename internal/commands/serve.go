/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/acronis/go-quotaguard/guard"
	"github.com/acronis/go-quotaguard/httpserver"
	"github.com/acronis/go-quotaguard/internal/libinfo"
	"github.com/acronis/go-quotaguard/kvstore"
	"github.com/acronis/go-quotaguard/kvstore/backend"
	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/lrucache"
	"github.com/acronis/go-quotaguard/profserver"
	"github.com/acronis/go-quotaguard/quota"
	"github.com/acronis/go-quotaguard/relay"
	"github.com/acronis/go-quotaguard/restapi"
	"github.com/acronis/go-quotaguard/service"
	"github.com/acronis/go-quotaguard/usage"
)

const (
	metricsNamespace = "quotaguard"
	errorDomain      = "QuotaGuard"
	serviceNameInURL = "quota"
	healthComponent  = "kvstore"

	healthCheckTimeout = 3 * time.Second
)

func newServeCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the quota API, the metered TCP relay and the usage exporter",
		Long: `Runs the HTTP server (usage summary at /api/quota/v1/usage, /healthz and /metrics),
the metered TCP relay (if relay.enabled is true), the usage exporter and the profiling server
(if profserver.enabled is true) until SIGINT or SIGTERM is received.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAppConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger, closeLogger := log.NewLogger(cfg.Log)
			defer closeLogger()
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

type metricsRegisterer interface {
	MustRegister()
	Unregister()
}

type collectorRegisterer struct {
	prometheus.Collector
}

func (c collectorRegisterer) MustRegister() { prometheus.MustRegister(c.Collector) }
func (c collectorRegisterer) Unregister()   { prometheus.Unregister(c.Collector) }

// metricsGroup registers metrics of the parts that are not service units.
type metricsGroup []metricsRegisterer

func (g metricsGroup) MustRegisterMetrics() {
	for _, m := range g {
		m.MustRegister()
	}
}

func (g metricsGroup) UnregisterMetrics() {
	for _, m := range g {
		m.Unregister()
	}
}

func runServe(ctx context.Context, cfg *AppConfig, logger log.FieldLogger) error {
	logger.Info("starting quotaguard", log.String("version", libinfo.GetVersion()),
		log.String("store_backend", string(cfg.Store.Kind)))

	kvMetrics := kvstore.NewPrometheusMetricsWithOpts(kvstore.PrometheusMetricsOpts{Namespace: metricsNamespace})
	b, err := backend.Open(ctx, cfg.Store, backend.Opts{Logger: logger, MetricsCollector: kvMetrics})
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			logger.Error("failed to close kv store", log.Error(closeErr))
		}
	}()

	guardMetrics := guard.NewPrometheusMetricsWithOpts(guard.PrometheusMetricsOpts{Namespace: metricsNamespace})
	openerOpts := guard.Opts{
		FlushThreshold:   int64(cfg.Quota.FlushThreshold),
		CounterPolicy:    cfg.Store.CounterPolicy,
		Logger:           logger,
		MetricsCollector: guardMetrics,
	}
	metrics := metricsGroup{kvMetrics, guardMetrics, collectorRegisterer{libinfo.NewBuildInfoGauge(metricsNamespace)}}
	if cfg.Store.WindowCacheSize > 0 {
		cacheMetrics := lrucache.NewPrometheusMetrics(lrucache.PrometheusMetricsOpts{
			Namespace:   metricsNamespace,
			ConstLabels: prometheus.Labels{"cache": "window_start"},
		})
		if openerOpts.WindowCache, err = lrucache.New[string, int64](cfg.Store.WindowCacheSize, cacheMetrics); err != nil {
			return fmt.Errorf("create window cache: %w", err)
		}
		metrics = append(metrics, cacheMetrics)
	}
	opener, err := guard.NewOpener(b.Store, openerOpts)
	if err != nil {
		return fmt.Errorf("create session opener: %w", err)
	}

	limits := cfg.Quota.Limits()
	profile := quota.ProfileName(cfg.Quota.Profile)
	reporter := usage.NewReporter(b.Store, usage.ReporterOpts{DailyUsageDays: cfg.Quota.DailyUsageDays})

	metrics.MustRegisterMetrics()
	defer metrics.UnregisterMetrics()
	restapi.MustInitAndRegisterMetrics(metricsNamespace)
	defer restapi.UnregisterMetrics()

	httpServer, err := newHTTPServer(cfg, logger, b, reporter, limits, profile)
	if err != nil {
		return fmt.Errorf("create HTTP server: %w", err)
	}
	units := []service.Unit{httpServer}
	if cfg.Relay.Enabled {
		units = append(units, relay.New(cfg.Relay, opener, relay.Opts{
			Limits:           limits,
			Identity:         guard.Identity{UserID: cfg.Quota.UserID, Profile: profile},
			Logger:           logger,
			MetricsNamespace: metricsNamespace,
		}))
	}
	if cfg.Exporter.Enabled {
		exporter := usage.NewExporter(reporter, []usage.Target{{Profile: profile, Limits: limits}},
			usage.ExporterOpts{Namespace: metricsNamespace, Logger: logger})
		units = append(units, service.NewWorkerUnit(
			service.NewPeriodicWorker(exporter, time.Duration(cfg.Exporter.Interval), 0, logger),
			service.WorkerUnitOpts{MetricsRegisterer: exporter},
		))
	}
	if cfg.ProfServer.Enabled {
		units = append(units, profserver.New(cfg.ProfServer, logger))
	}

	return service.New(logger, service.NewCompositeUnit(units...)).Start(ctx)
}

func newHTTPServer(
	cfg *AppConfig, logger log.FieldLogger, b *backend.Backend, reporter *usage.Reporter, limits quota.Limits, profile string,
) (*httpserver.HTTPServer, error) {
	usageHandler := usage.NewHandler(reporter, usage.HandlerOpts{
		Limits:      limits,
		Profile:     profile,
		ErrorDomain: errorDomain,
		Logger:      logger,
	})
	return httpserver.New(cfg.Server, logger, httpserver.Opts{
		ServiceNameInURL: serviceNameInURL,
		APIRoutes:        map[httpserver.APIVersion]httpserver.APIRoute{1: func(r chi.Router) { usageHandler.Routes(r) }},
		ErrorDomain:      errorDomain,
		HealthCheck:      storeHealthCheck(b.Store, quota.Namespace(profile)),
		MetricsNamespace: metricsNamespace,
	})
}

// storeHealthCheck reads the window key of the namespace, which is enough to check both
// connectivity and permissions of the store.
func storeHealthCheck(store kvstore.Store, ns string) httpserver.HealthCheck {
	return func(ctx context.Context) (httpserver.HealthCheckResult, error) {
		ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		defer cancel()
		status := httpserver.HealthCheckStatusOK
		if _, _, err := store.Get(ctx, ns+guard.KeyWindowStart); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			status = httpserver.HealthCheckStatusFail
		}
		return httpserver.HealthCheckResult{healthComponent: status}, nil
	}
}
