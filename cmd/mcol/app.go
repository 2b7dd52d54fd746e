package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/franz/music-collection/internal/collection"
	"github.com/franz/music-collection/internal/config"
	"github.com/franz/music-collection/internal/report"
	"github.com/franz/music-collection/internal/store"
	"github.com/franz/music-collection/internal/util"
)

const metricsShutdownTimeout = 5 * time.Second

// app is an opened collection with everything a command needs around it
type app struct {
	cfg    *config.Config
	store  *store.Store
	coll   *collection.Collection
	events *report.EventLogger
	tuning *util.NetworkTuning

	registry      *prometheus.Registry
	metricsServer *http.Server
	unsubscribe   func()
}

// openApp loads the configuration, opens the database and the collection.
// roots are the music directories the command works on; they take part in
// network filesystem detection.
func openApp(ctx context.Context, roots []string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openAppWithConfig(ctx, cfg, roots)
}

func openAppWithConfig(ctx context.Context, cfg *config.Config, roots []string) (*app, error) {
	a := &app{cfg: cfg}
	var err error

	dbPath := ""
	if cfg.Database.Driver == "sqlite" {
		dbPath = cfg.Database.Path
	}
	a.tuning = util.TuneForPaths(cfg.Database.NetworkMode, dbPath, roots, cfg.Scan.Concurrency, cfg.RetryConfig())

	util.DebugLog("Opening database: %s", store.RedactDSN(cfg.Database.Driver, cfg.Target()))
	a.store, err = store.OpenDSN(cfg.Database.Driver, cfg.Target(), &store.OpenOptions{
		NetworkOptimized: a.tuning.Network,
		MaxStatementSize: cfg.Database.MaxStatementSize,
		Retry:            a.tuning.Retry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a.events = report.NullLogger()
	if cfg.Events.Path != "" {
		logger, err := report.NewEventLogger(cfg.Events.Path, report.ParseLevel(cfg.Events.Level))
		if err != nil {
			util.WarnLog("Failed to create event logger: %v", err)
		} else {
			a.events = logger
			util.InfoLog("Event log: %s", logger.Path())
		}
	}

	var metrics *collection.Metrics
	if cfg.Metrics.Listen != "" {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics, err = collection.NewMetrics(a.registry)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		a.serveMetrics(cfg.Metrics.Listen, a.registry)
	}

	a.coll, err = collection.Open(ctx, a.store, collection.Options{
		SweepInterval: cfg.Registry.SweepInterval,
		Workers:       cfg.Query.Workers,
		UIDProtocol:   cfg.Scan.UIDProtocol,
		Metrics:       metrics,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	if a.events != nil {
		a.unsubscribe = a.coll.Subscribe(a.events)
	}
	return a, nil
}

// serveMetrics starts the prometheus listener in the background
func (a *app) serveMetrics(listen string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	a.metricsServer = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		util.InfoLog("Metrics endpoint listening on %s", listen)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.ErrorLog("Metrics server error: %v", err)
		}
	}()
}

// close writes pending changes and releases everything openApp acquired.
// Errors are logged as well, since commands call it deferred.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.coll != nil {
		if a.unsubscribe != nil {
			a.unsubscribe()
		}
		if err := a.coll.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close collection: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	if a.events != nil {
		a.events.Close()
	}
	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		a.metricsServer.Shutdown(shutdownCtx)
	}
	for _, err := range errs {
		util.ErrorLog("%v", err)
	}
	return errors.Join(errs...)
}
