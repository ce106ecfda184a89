// Package intake accepts new crashes: it samples them, stores them and
// queues the accepted ones for processing.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"gorm.io/gorm"

	"crashmover/clock"
	"crashmover/crashstore"
	"crashmover/jobs"
	"crashmover/metrics"
	"crashmover/storage"
)

var (
	ErrEmptyDump = errors.New("intake: empty dump")
	ErrInvalidID = errors.New("intake: invalid crash id")
)

// Metadata keys read and written by the gate.
const (
	KeySubmittedTimestamp = storage.KeySubmittedTimestamp
	KeyCrashID            = "uuid"
	KeyThrottleDecision   = "throttle_decision"
)

type Submission struct {
	// CrashID is generated when empty.
	CrashID  string
	Metadata map[string]any
	Dump     []byte
	// Timestamp is the arrival time. Zero falls back to the collector's
	// submitted_timestamp, then to now.
	Timestamp time.Time
	// Priority bypasses the throttle and queues the job ahead of others.
	Priority bool
}

type Result struct {
	CrashID  string
	Decision storage.Decision
	// Queued is false for deferred crashes and for crashes that already had
	// a job.
	Queued bool
}

type GateConfig struct {
	Pool *storage.Pool
	DB   *gorm.DB
	// Throttler nil accepts everything.
	Throttler *storage.Throttler
	Logger    *slog.Logger
	Clock     clock.Clock
}

// Gate is the single way crashes enter the system.
type Gate struct {
	pool      *storage.Pool
	db        *gorm.DB
	throttler *storage.Throttler
	log       *slog.Logger
	clk       clock.Clock
}

func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("intake: storage pool is required")
	}
	if cfg.DB == nil {
		return nil, fmt.Errorf("intake: database is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		pool:      cfg.Pool,
		db:        cfg.DB,
		throttler: cfg.Throttler,
		log:       cfg.Logger.With("component", "intake"),
		clk:       clock.OrSystem(cfg.Clock),
	}, nil
}

// Submit stores a crash and queues it when the throttle accepts it. A
// rejected crash is neither stored nor queued.
func (g *Gate) Submit(ctx context.Context, s Submission) (Result, error) {
	if len(s.Dump) == 0 {
		return Result{}, ErrEmptyDump
	}
	meta := make(map[string]any, len(s.Metadata)+3)
	for k, v := range s.Metadata {
		meta[k] = v
	}

	ts := s.Timestamp
	if ts.IsZero() {
		ts = ArrivalTime(meta, g.clk.Now())
	}
	ts = ts.UTC()

	id := s.CrashID
	if id == "" {
		id = crashstore.NewCrashID(ts)
	} else if !crashstore.ValidID(id) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	res := Result{CrashID: id, Decision: storage.Accept}

	if !s.Priority && g.throttler != nil {
		res.Decision = g.throttler.Decide(meta)
	}
	metrics.IntakeDecisions.WithLabelValues(res.Decision.String()).Inc()
	if res.Decision == storage.Reject {
		g.log.Debug("crash rejected", "crash_id", id)
		return res, nil
	}

	if _, ok := meta[KeySubmittedTimestamp]; !ok {
		meta[KeySubmittedTimestamp] = ts.Format(time.RFC3339Nano)
	}
	meta[KeyCrashID] = id
	meta[KeyThrottleDecision] = res.Decision.String()
	raw, err := json.Marshal(meta)
	if err != nil {
		return res, fmt.Errorf("intake: encode metadata: %w", err)
	}

	if err := g.pool.Do(ctx, func(sess *storage.Session) error {
		return sess.SaveRaw(ctx, id, raw, s.Dump, ts)
	}); err != nil {
		return res, fmt.Errorf("intake: store %s: %w", id, err)
	}
	metrics.IntakeDumpBytes.Observe(float64(len(s.Dump)))

	if res.Decision == storage.Accept {
		created, err := jobs.Enqueue(ctx, g.db, id, s.Priority, g.clk.Now())
		if err != nil {
			return res, err
		}
		res.Queued = created
	}
	g.log.Info("crash stored",
		"crash_id", id,
		"decision", res.Decision.String(),
		"queued", res.Queued,
		"priority", s.Priority,
		"dump_size", humanize.Bytes(uint64(len(s.Dump))))
	return res, nil
}

// ArrivalTime returns the collector arrival time recorded in meta, or def.
// Client supplied fields such as CrashTime are never used: a skewed client
// clock would file the crash under the wrong day.
func ArrivalTime(meta map[string]any, def time.Time) time.Time {
	if t, ok := storage.SubmittedAt(meta); ok {
		return t
	}
	return def
}
