package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"crashmover/clock"
	"crashmover/config"
	"crashmover/crashstore"
	"crashmover/jobs"
	"crashmover/metrics"
	"crashmover/storage"
)

// app holds what the commands open from the config and closes in reverse
// order when done.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	clk     clock.Clock
	closers []func() error

	db   *gorm.DB
	pool *storage.Pool
}

func newApp(c *config.Config) *app {
	return &app{cfg: c, log: slog.Default(), clk: clock.System()}
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) openDB(ctx context.Context) (*gorm.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := jobs.OpenAndMigrate(ctx, a.cfg.DB(), a.log)
	if err != nil {
		return nil, err
	}
	a.onClose(func() error { return jobs.CloseDB(db) })
	a.db = db
	return db, nil
}

func (a *app) openStore(root string) (*crashstore.Store, error) {
	return crashstore.New(a.cfg.CrashStore(root, a.log, a.clk))
}

// openPrimary opens the configured primary backend. The backend is shared
// by every session.
func (a *app) openPrimary(ctx context.Context) (storage.Backend, error) {
	var (
		b   storage.Backend
		err error
	)
	switch a.cfg.Storage.Primary {
	case "badger":
		b, err = storage.OpenBadger(a.cfg.Badger(a.log))
	case "gcs":
		b, err = storage.NewGCSBackend(ctx, a.cfg.GCS())
	default:
		var raw *crashstore.Store
		raw, err = a.openStore(a.cfg.Store.Root)
		if err == nil {
			b, err = storage.NewFSBackend(raw, a.cfg.ProcessedRoot())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", a.cfg.Storage.Primary, err)
	}
	a.onClose(b.Close)
	return b, nil
}

func (a *app) openPool(ctx context.Context) (*storage.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	primary, err := a.openPrimary(ctx)
	if err != nil {
		return nil, err
	}
	pc := storage.PoolConfig{
		Primary: storage.Static(primary),
		MaxIdle: a.cfg.Storage.MaxIdle,
		TempDir: a.cfg.Storage.TempDir,
		Logger:  a.log,
	}
	if fb := a.cfg.Storage.Fallback; fb != nil {
		raw, err := a.openStore(fb.Root)
		if err != nil {
			return nil, fmt.Errorf("open fallback store: %w", err)
		}
		pc.Fallback, err = storage.NewFSBackend(raw, filepath.Join(fb.Root, "processed"))
		if err != nil {
			return nil, err
		}
	}
	pool, err := storage.NewPool(pc)
	if err != nil {
		return nil, err
	}
	a.onClose(pool.Close)
	a.pool = pool
	return pool, nil
}

// serveMetrics exposes /metrics until ctx is done. An empty listen address
// disables it.
func (a *app) serveMetrics(ctx context.Context) {
	addr := a.cfg.Metrics.Listen
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		a.log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics listener failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
