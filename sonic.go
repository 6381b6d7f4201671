// Package sonic wires the stores, executors, channel and tasker into one
// runtime. Pools are owned here and reach every component as shared
// borrows, never as owning references.
package sonic

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/valeriansaliou/sonic/channel"
	"github.com/valeriansaliou/sonic/config"
	"github.com/valeriansaliou/sonic/executor"
	"github.com/valeriansaliou/sonic/store"
	"github.com/valeriansaliou/sonic/tasker"
	"github.com/valeriansaliou/sonic/utils"
)

// Runtime is the process-scope handle returned by Bootstrap.
type Runtime struct {
	Log utils.Logger

	cfg *config.Config
	kv  *store.KVPool
	fst *store.FSTPool

	pool     *channel.SearchPool
	listener *channel.Listener
	tasker   *tasker.Tasker
	metrics  *http.Server

	stopping atomic.Bool
}

// Bootstrap opens the pools, starts the tasker and binds the channel
// listener. The returned runtime must be shut down with Shutdown.
func Bootstrap(cfg *config.Config) (*Runtime, error) {
	log := utils.NewDefaultLogger(utils.ParseLevel(cfg.Server.LogLevel))

	kv, err := store.NewKVPool(log, &cfg.Store.KV)
	if err != nil {
		return nil, err
	}
	fst, err := store.NewFSTPool(log, &cfg.Store.FST)
	if err != nil {
		kv.Close()
		return nil, err
	}

	r := &Runtime{
		Log: log,
		cfg: cfg,
		kv:  kv,
		fst: fst,
	}

	exec := executor.New(log, cfg, kv, fst)
	r.tasker = tasker.New(log, cfg, kv, fst)
	r.pool = channel.NewSearchPool(0)

	triggers := channel.Triggers{
		Consolidate: r.tasker.TriggerConsolidate,
		Backup: func(path string) error {
			return store.Backup(log, kv, fst, path)
		},
		Restore: func(path string) error {
			return store.Restore(log, kv, fst, path)
		},
	}

	stats := channel.NewStatistics()
	ch := channel.NewChannel(log, cfg, exec, kv, fst, stats, r.pool, triggers, &r.stopping)
	r.listener = channel.NewListener(log, ch)

	if err := r.listener.Listen(context.Background(), cfg.Channel.Inet); err != nil {
		kv.Close()
		fst.Close()
		return nil, err
	}

	r.tasker.Run()
	r.serveMetrics()

	log.Info("sonic is ready", "inet", cfg.Channel.Inet)
	return r, nil
}

func (r *Runtime) serveMetrics() {
	if r.cfg.Server.MetricsInet == "" {
		return
	}

	registry := prometheus.NewRegistry()
	store.RegisterMetrics(registry, r.kv, r.fst)
	channel.RegisterMetrics(registry)
	tasker.RegisterMetrics(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.metrics = &http.Server{Addr: r.cfg.Server.MetricsInet, Handler: mux}

	go func() {
		if err := r.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.Log.Error("metrics listener failed", "err", err)
		}
	}()
	r.Log.Info("metrics exposed", "inet", r.cfg.Server.MetricsInet)
}

// Shutdown raises the stopping flag, lets in-flight commands finish,
// persists what only lives in memory and tears the components down in
// dependency order.
func (r *Runtime) Shutdown() {
	r.stopping.Store(true)

	// pending graph words and unflushed memtables are memory-only; fold
	// them to disk before any pool handle closes
	r.fst.ConsolidateDue(true)
	r.kv.FlushAll()

	if r.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = r.metrics.Shutdown(ctx)
		cancel()
	}

	_ = r.listener.Close()
	r.pool.Close()
	r.tasker.Close()

	r.fst.Close()
	r.kv.Close()

	r.Log.Info("sonic is stopped")
}
