package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"crashmover/crashstore"
	"crashmover/metrics"
)

type ReconcileConfig struct {
	// Rate limits migrations per second. 0 means unlimited.
	Rate   float64
	Burst  int
	Logger *slog.Logger
}

type ReconcileStats struct {
	Seen     int
	Migrated int
	Skipped  int // already on primary, removed from fallback
	Failed   int
}

// Reconciler moves crashes that only reached the fallback backend into the
// primary one.
type Reconciler struct {
	pool    *Pool
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewReconciler(pool *Pool, cfg ReconcileConfig) (*Reconciler, error) {
	if pool.Fallback() == nil {
		return nil, errors.New("storage: reconciler needs a fallback backend")
	}
	if _, ok := As[Lister](pool.Fallback()); !ok {
		return nil, fmt.Errorf("storage: fallback backend %q cannot list its crashes", pool.Fallback().Name())
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		pool:    pool,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		log:     cfg.Logger.With("component", "reconciler"),
	}, nil
}

// Run walks the fallback once. Per-crash failures are logged and counted;
// only walk errors and cancellation end the run early.
func (r *Reconciler) Run(ctx context.Context) (ReconcileStats, error) {
	var stats ReconcileStats
	fb := r.pool.Fallback()
	lister, _ := As[Lister](fb)

	// Collect first: deleting while a filesystem walk is in progress would
	// pull entries out from under it.
	var ids []string
	if err := lister.Walk(ctx, func(id string) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		return stats, fmt.Errorf("storage: walk fallback: %w", err)
	}

	sess, err := r.pool.Session(ctx)
	if err != nil {
		return stats, err
	}
	defer sess.Release()
	if sess.primary == nil {
		return stats, errors.New("storage: primary backend unavailable")
	}

	for _, id := range ids {
		if err := r.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		stats.Seen++
		migrated, err := r.migrate(ctx, sess.primary, fb, id)
		switch {
		case err != nil:
			stats.Failed++
			r.log.Warn("reconcile failed", "crash_id", id, "error", err)
		case migrated:
			stats.Migrated++
			metrics.ReconcilerMigrated.Inc()
		default:
			stats.Skipped++
		}
	}
	r.log.Info("reconcile finished", "seen", stats.Seen, "migrated", stats.Migrated,
		"skipped", stats.Skipped, "failed", stats.Failed)
	return stats, nil
}

func (r *Reconciler) migrate(ctx context.Context, primary, fb Backend, id string) (bool, error) {
	exists, err := primary.Exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		meta, err := fb.FetchMetadata(ctx, id)
		if err != nil {
			return false, err
		}
		dump, err := fb.FetchDump(ctx, id)
		if err != nil {
			return false, err
		}
		if err := primary.SaveRaw(ctx, id, meta, dump, arrivedAt(id, meta)); err != nil {
			return false, err
		}
	}
	if rec, err := fb.FetchProcessed(ctx, id); err == nil {
		if _, perr := primary.FetchProcessed(ctx, id); errors.Is(perr, ErrNotFound) {
			if err := primary.SaveProcessed(ctx, id, rec); err != nil {
				return false, err
			}
		}
	}
	if err := fb.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	r.log.Debug("reconciled", "crash_id", id, "copied", !exists)
	return !exists, nil
}

// arrivedAt recovers the arrival time of a crash being moved so it keeps its
// place in the primary's arrival order. Metadata without a usable timestamp
// falls back to the day encoded in the crash id.
func arrivedAt(id string, raw []byte) time.Time {
	var meta map[string]any
	if json.Unmarshal(raw, &meta) == nil {
		if t, ok := SubmittedAt(meta); ok {
			return t
		}
	}
	if day, ok := crashstore.DateFromID(id); ok {
		return day
	}
	return time.Time{}
}
