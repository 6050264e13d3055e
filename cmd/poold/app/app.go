/*
Package app provides the daemon container for the poold scheduler. It wires
the worker-pool registry to its operational surfaces: structured logging,
the Prometheus metrics endpoint, periodic stats snapshots, and signal-driven
lifecycle management including live configuration reload.
*/
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/Varulv1997/varnish-cache/internal/config"
	"github.com/Varulv1997/varnish-cache/pkg/logger"
	"github.com/Varulv1997/varnish-cache/pkg/metrics"
	"github.com/Varulv1997/varnish-cache/pkg/pool"
)

// statsInterval is how often the stats file snapshot is rewritten.
const statsInterval = time.Second

// App is the daemon container. It owns the registry and every side
// surface around it.
type App struct {
	log logger.Logger
	fs  afero.Fs

	mu     sync.RWMutex
	params config.Params

	registry *pool.Registry
	metrics  *http.Server

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	signals chan os.Signal
}

// New creates a daemon instance from a validated parameter set.
func New(params config.Params) *App {
	ctx, cancel := context.WithCancel(context.Background())

	log := logger.NewLogger(logger.Config{
		Verbosity: params.Verbose,
		Output:    os.Stderr,
	})

	a := &App{
		log:     log,
		fs:      afero.NewOsFs(),
		params:  params,
		ctx:     ctx,
		cancel:  cancel,
		signals: make(chan os.Signal, 1),
	}

	a.registry = pool.NewRegistry(
		PoolConfig(params), params.Pools, log,
		pool.Options{DropPools: params.DropPools},
	)

	a.log.WithFields(logger.Fields{
		"pools":       params.Pools,
		"min_threads": params.MinThreads,
		"max_threads": params.MaxThreads,
		"reserve":     params.EffectiveReserve(),
	}).Info("Daemon initialized")

	return a
}

// PoolConfig translates the daemon parameter set into the per-pool
// scheduler configuration.
func PoolConfig(p config.Params) pool.Config {
	return pool.Config{
		MinThreads:      p.MinThreads,
		MaxThreads:      p.MaxThreads,
		ReserveThreads:  p.EffectiveReserve(),
		IdleTimeout:     p.IdleTimeout,
		WatchdogTimeout: p.WatchdogTimeout,
		DestroyDelay:    p.DestroyDelay,
		AddDelay:        p.AddDelay,
		FailDelay:       p.FailDelay,
		StatsRate:       p.StatsRate,
		QueueLimit:      p.QueueLimit,
		StackSize:       p.StackSize,
	}
}

// Registry exposes the scheduler for task submission.
func (a *App) Registry() *pool.Registry {
	return a.registry
}

// Run starts the scheduler and its side surfaces and blocks until the
// context is cancelled or a shutdown signal arrives.
func (a *App) Run() error {
	a.setupSignalHandling()
	a.registry.Start(a.ctx)

	a.mu.RLock()
	params := a.params
	a.mu.RUnlock()

	if params.MetricsAddr != "" {
		if err := a.serveMetrics(params.MetricsAddr); err != nil {
			return err
		}
	}
	if params.StatsFile != "" {
		a.wg.Add(1)
		go a.statsFileLoop(params.StatsFile)
	}

	<-a.ctx.Done()
	return a.Shutdown()
}

// serveMetrics registers the scheduler collector and starts the
// Prometheus endpoint.
func (a *App) serveMetrics(addr string) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCollector("poold", a.registry)); err != nil {
		return fmt.Errorf("failed to register metrics collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	a.metrics = &http.Server{Addr: addr, Handler: mux}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.WithFields(logger.Fields{
			"addr": addr,
		}).Info("Metrics endpoint started")
		if err := a.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.WithFields(logger.Fields{
				"error": err.Error(),
			}).Error("Metrics endpoint failed")
		}
	}()
	return nil
}

// statsSnapshot is the stats file format: per-pool snapshots plus the
// herder-flushed global view.
type statsSnapshot struct {
	Time   time.Time              `json:"time"`
	Pools  []pool.PoolStats       `json:"pools"`
	Global pool.AggregateSnapshot `json:"global"`
}

// statsFileLoop periodically rewrites the stats snapshot file. Best
// effort: a failed write is logged and retried next interval.
func (a *App) statsFileLoop(path string) {
	defer a.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case now := <-ticker.C:
			snap := statsSnapshot{
				Time:   now,
				Pools:  a.registry.Snapshot(),
				Global: a.registry.Aggregate().Snapshot(),
			}
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				a.log.WithFields(logger.Fields{
					"error": err.Error(),
				}).Error("Failed to encode stats snapshot")
				continue
			}
			if err := afero.WriteFile(a.fs, path, data, 0644); err != nil {
				a.log.WithFields(logger.Fields{
					"error": err.Error(),
					"path":  path,
				}).Warn("Failed to write stats snapshot")
			}
		}
	}
}

// Reload re-reads the environment configuration and applies it to the
// running scheduler. Pool count may grow; shrinking is refused unless the
// drop flag was set at startup, matching the append-only registry.
func (a *App) Reload() error {
	fresh, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	a.mu.Lock()
	current := a.params
	a.mu.Unlock()

	if fresh.Pools < current.Pools && !current.DropPools {
		a.log.WithFields(logger.Fields{
			"current":   current.Pools,
			"requested": fresh.Pools,
		}).Warn("Pool count reduction ignored; registry is append-only")
		fresh.Pools = current.Pools
	}

	a.registry.ApplyConfig(PoolConfig(fresh))
	a.registry.Grow(fresh.Pools)

	a.mu.Lock()
	a.params = fresh
	a.mu.Unlock()

	a.log.WithFields(logger.Fields{
		"pools":       fresh.Pools,
		"min_threads": fresh.MinThreads,
		"max_threads": fresh.MaxThreads,
	}).Info("Configuration reloaded")
	return nil
}

// Shutdown stops the scheduler and side surfaces. Idempotent.
func (a *App) Shutdown() error {
	a.log.Info("Initiating graceful shutdown")
	a.cancel()

	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.log.WithFields(logger.Fields{
				"error": err.Error(),
			}).Error("Metrics endpoint shutdown failed")
		}
	}

	a.registry.Stop()
	a.wg.Wait()

	a.log.Info("Shutdown complete")
	return nil
}
