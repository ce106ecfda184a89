// Package scheduler registers a processor identity in the job database,
// keeps it alive, and streams the jobs it claims to the local workers.
//
// Three loops share the gorm connection pool: dispatch (priority markers
// first, then claimed normal jobs), heartbeat, and cleanup (jobs of dead
// processors, completed jobs whose report went missing). Database trouble
// in those loops is logged and retried; only Register fails hard.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"crashmover/clock"
	"crashmover/jobs"
	"crashmover/metrics"
	"crashmover/retry"
)

var (
	ErrJobNotFound   = jobs.ErrJobNotFound
	ErrNotRegistered = errors.New("scheduler: not registered")
)

// DefaultBackoff is the wait schedule after database errors in the loops.
var DefaultBackoff = []time.Duration{
	time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

type Config struct {
	DB *gorm.DB
	// Name identifies this processor. Defaults to host_pid.
	Name string

	// StaleAfter is how long a processor may go without a heartbeat before
	// it is considered dead.
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	PollInterval      time.Duration
	BatchSize         int
	Backoff           []time.Duration

	Logger *slog.Logger
	Clock  clock.Clock
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = DefaultName()
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.StaleAfter / 4
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if len(c.Backoff) == 0 {
		c.Backoff = DefaultBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DefaultName is host_pid.
func DefaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s_%d", host, os.Getpid())
}

type Scheduler struct {
	cfg Config
	db  *gorm.DB
	log *slog.Logger
	clk clock.Clock

	mu sync.Mutex
	id uint

	// dispatched remembers jobs handed out but not yet marked started, so
	// the next cycle does not hand them out twice.
	dispatched map[uint]time.Time
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("scheduler: database is required")
	}
	cfg.applyDefaults()
	if cfg.HeartbeatInterval >= cfg.StaleAfter {
		return nil, fmt.Errorf("scheduler: heartbeat interval %s must be shorter than stale-after %s", cfg.HeartbeatInterval, cfg.StaleAfter)
	}
	return &Scheduler{
		cfg:        cfg,
		db:         cfg.DB,
		log:        cfg.Logger.With("component", "scheduler", "processor", cfg.Name),
		clk:        clock.OrSystem(cfg.Clock),
		dispatched: make(map[uint]time.Time),
	}, nil
}

// ID is the registered processor id, 0 before Register.
func (s *Scheduler) ID() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Register claims a processor identity. A row with this name, or else the
// longest-dead processor row, is taken over and its unfinished jobs are
// reset so they can be dispatched again. Otherwise a new row is inserted.
// The private priority table is created either way.
func (s *Scheduler) Register(ctx context.Context) (uint, error) {
	now := s.clk.Now().UTC()
	cutoff := now.Add(-s.cfg.StaleAfter)
	var (
		proc  jobs.Processor
		reset int64
		taken bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("name = ?", s.cfg.Name).Take(&proc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = tx.Where("last_seen_at < ?", cutoff).Order("last_seen_at").Take(&proc).Error
		}
		switch {
		case err == nil:
			res := tx.Model(&jobs.Processor{}).
				Where("id = ? AND (name = ? OR last_seen_at < ?)", proc.ID, s.cfg.Name, cutoff).
				Updates(map[string]any{"name": s.cfg.Name, "started_at": now, "last_seen_at": now})
			if res.Error != nil {
				return res.Error
			}
			taken = res.RowsAffected > 0
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		if taken {
			res := tx.Model(&jobs.Job{}).
				Where("owner = ? AND completed_at IS NULL AND started_at IS NOT NULL", proc.ID).
				Update("started_at", nil)
			if res.Error != nil {
				return res.Error
			}
			reset = res.RowsAffected
		} else {
			proc = jobs.Processor{Name: s.cfg.Name, StartedAt: now, LastSeenAt: now}
			if err := tx.Create(&proc).Error; err != nil {
				return err
			}
		}
		return jobs.CreatePriorityTable(ctx, tx, proc.ID)
	})
	if err != nil {
		return 0, fmt.Errorf("scheduler: register %s: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	s.id = proc.ID
	s.dispatched = make(map[uint]time.Time)
	s.mu.Unlock()
	s.log = s.log.With("processor_id", proc.ID)
	if taken {
		s.log.Info("processor registered, reusing identity", "reset_jobs", reset)
	} else {
		s.log.Info("processor registered")
	}
	return proc.ID, nil
}

// Unregister releases the jobs this processor claimed but never started,
// drops its priority table and marks it dead so the id can be reused at
// once. In-flight jobs are left alone.
func (s *Scheduler) Unregister(ctx context.Context) error {
	id := s.ID()
	if id == 0 {
		return ErrNotRegistered
	}
	res := s.db.WithContext(ctx).Model(&jobs.Job{}).
		Where("owner = ? AND started_at IS NULL AND completed_at IS NULL", id).
		Update("owner", nil)
	if res.Error != nil {
		return fmt.Errorf("scheduler: release jobs: %w", res.Error)
	}
	if err := jobs.DropPriorityTable(ctx, s.db, id); err != nil {
		return fmt.Errorf("scheduler: drop priority table: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&jobs.Processor{}).
		Where("id = ?", id).
		Update("last_seen_at", time.Unix(0, 0).UTC()).Error; err != nil {
		return fmt.Errorf("scheduler: retire processor: %w", err)
	}
	s.mu.Lock()
	s.id = 0
	s.mu.Unlock()
	s.log.Info("processor unregistered", "released_jobs", res.RowsAffected)
	return nil
}

// Run starts the dispatch, heartbeat and cleanup loops. The returned
// channel yields jobs owned by this processor and is closed once every
// loop has returned, which happens when ctx is done.
func (s *Scheduler) Run(ctx context.Context) (<-chan jobs.Job, error) {
	if s.ID() == 0 {
		return nil, ErrNotRegistered
	}
	out := make(chan jobs.Job)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatchLoop(gctx, out) })
	g.Go(func() error { return s.every(gctx, "heartbeat", s.cfg.HeartbeatInterval, s.heartbeat) })
	g.Go(func() error { return s.every(gctx, "cleanup", s.cfg.CleanupInterval, s.cleanup) })
	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("scheduler stopped", "error", err)
		}
		close(out)
	}()
	return out, nil
}

// every runs fn each interval until ctx is done. A failing fn is retried
// on the backoff schedule instead.
func (s *Scheduler) every(ctx context.Context, loop string, interval time.Duration, fn func(context.Context) error) error {
	b := retry.NewSchedule(s.cfg.Backoff, 0)
	for {
		wait := interval
		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.SchedulerDBErrors.WithLabelValues(loop).Inc()
			wait = b.NextBackOff()
			s.log.Warn("scheduler loop failed", "loop", loop, "error", err, "retry_in", wait)
		} else {
			b.Reset()
		}
		if err := s.clk.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (s *Scheduler) dispatchLoop(ctx context.Context, out chan<- jobs.Job) error {
	b := retry.NewSchedule(s.cfg.Backoff, 0)
	for {
		if ctx.Err() != nil {
			return nil
		}
		busy, err := s.dispatchOnce(ctx, out)
		wait := time.Duration(0)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			metrics.SchedulerDBErrors.WithLabelValues("dispatch").Inc()
			wait = b.NextBackOff()
			s.log.Warn("dispatch failed", "error", err, "retry_in", wait)
		case !busy:
			b.Reset()
			wait = s.cfg.PollInterval
		default:
			b.Reset()
		}
		if wait > 0 {
			if err := s.clk.Sleep(ctx, wait); err != nil {
				return nil
			}
		}
	}
}

// dispatchOnce runs one cycle: send every pending priority job, or failing
// that the next normal job. It reports false when neither source had work.
func (s *Scheduler) dispatchOnce(ctx context.Context, out chan<- jobs.Job) (bool, error) {
	sent, err := s.dispatchPriority(ctx, out)
	if err != nil || sent > 0 || ctx.Err() != nil {
		return sent > 0, err
	}
	j, ok, err := s.nextNormal(ctx)
	if err != nil || !ok {
		return false, err
	}
	return true, s.offer(ctx, out, j)
}

// nextNormal returns the oldest owned job not yet handed out, claiming a new
// batch when none is left.
func (s *Scheduler) nextNormal(ctx context.Context) (jobs.Job, bool, error) {
	owned, err := s.ownedUnstarted(ctx)
	if err != nil {
		return jobs.Job{}, false, err
	}
	if len(owned) == 0 {
		n, err := s.claim(ctx)
		if err != nil || n == 0 {
			return jobs.Job{}, false, err
		}
		if owned, err = s.ownedUnstarted(ctx); err != nil {
			return jobs.Job{}, false, err
		}
	}
	if len(owned) == 0 {
		return jobs.Job{}, false, nil
	}
	return owned[0], true, nil
}

// offer waits for a worker to take j. While it waits the priority table is
// polled, and j is put back when a marker shows up so the priority job goes
// out first.
func (s *Scheduler) offer(ctx context.Context, out chan<- jobs.Job, j jobs.Job) error {
	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()
	for {
		select {
		case out <- j:
			s.markDispatched(j.ID)
			metrics.SchedulerDispatched.WithLabelValues("normal").Inc()
			return nil
		case <-ctx.Done():
			return nil
		case <-tick.C:
			pending, err := s.hasPriorityMarkers(ctx)
			if err != nil {
				return err
			}
			if pending {
				s.log.Debug("priority marker waiting, holding back normal job", "crash_id", j.CrashID)
				return nil
			}
		}
	}
}

func (s *Scheduler) hasPriorityMarkers(ctx context.Context) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Table(jobs.PriorityTable(s.ID())).Limit(1).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("scheduler: count priority markers: %w", err)
	}
	return n > 0, nil
}

type markerRow struct {
	Seq     uint
	CrashID string
	JobID   *uint
	Done    bool
}

func (s *Scheduler) dispatchPriority(ctx context.Context, out chan<- jobs.Job) (int, error) {
	id := s.ID()
	table := jobs.PriorityTable(id)
	var rows []markerRow
	err := s.db.WithContext(ctx).
		Table(table+" AS m").
		Select("m.seq AS seq, m.crash_id AS crash_id, j.id AS job_id, (j.completed_at IS NOT NULL OR j.started_at IS NOT NULL) AS done").
		Joins("LEFT JOIN jobs j ON j.crash_id = m.crash_id").
		Order("m.seq").
		Limit(s.cfg.BatchSize).
		Scan(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("scheduler: read priority markers: %w", err)
	}

	sent := 0
	for _, r := range rows {
		if r.JobID == nil || r.Done {
			// Nothing to dispatch: the job is gone, done, or already being
			// processed.
			s.log.Warn("purging priority marker without a pending job", "crash_id", r.CrashID, "job_exists", r.JobID != nil)
			metrics.SchedulerPurgedMarkers.Inc()
			if err := s.deleteMarker(ctx, table, r.Seq); err != nil {
				return sent, err
			}
			continue
		}
		res := s.db.WithContext(ctx).Model(&jobs.Job{}).
			Where("id = ? AND completed_at IS NULL AND started_at IS NULL", *r.JobID).
			Updates(map[string]any{"owner": id, "priority": true})
		if res.Error != nil {
			return sent, fmt.Errorf("scheduler: take priority job %s: %w", r.CrashID, res.Error)
		}
		if err := s.deleteMarker(ctx, table, r.Seq); err != nil {
			return sent, err
		}
		if res.RowsAffected == 0 || s.wasDispatched(*r.JobID) {
			continue
		}
		job, err := jobs.Get(ctx, s.db, *r.JobID)
		if err != nil {
			return sent, err
		}
		if !s.send(ctx, out, job) {
			return sent, nil
		}
		metrics.SchedulerDispatched.WithLabelValues("priority").Inc()
		sent++
	}
	return sent, nil
}

func (s *Scheduler) deleteMarker(ctx context.Context, table string, seq uint) error {
	if err := s.db.WithContext(ctx).Table(table).Where("seq = ?", seq).Delete(&jobs.PriorityMarker{}).Error; err != nil {
		return fmt.Errorf("scheduler: delete priority marker: %w", err)
	}
	return nil
}

// claim takes ownership of up to BatchSize of the oldest free jobs,
// priority jobs first. The owner IS NULL guard makes a concurrent claim by
// another processor harmless.
func (s *Scheduler) claim(ctx context.Context) (int64, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&jobs.Job{}).
		Where("owner IS NULL AND started_at IS NULL AND completed_at IS NULL").
		Order("priority DESC, queued_at, id").
		Limit(s.cfg.BatchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("scheduler: find free jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&jobs.Job{}).
		Where("id IN ? AND owner IS NULL", ids).
		Update("owner", s.ID())
	if res.Error != nil {
		return 0, fmt.Errorf("scheduler: claim jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ownedUnstarted lists this processor's jobs waiting for a worker, minus
// those already handed out.
func (s *Scheduler) ownedUnstarted(ctx context.Context) ([]jobs.Job, error) {
	s.forgetDispatched(ctx)

	var owned []jobs.Job
	err := s.db.WithContext(ctx).
		Where("owner = ? AND started_at IS NULL AND completed_at IS NULL", s.ID()).
		Order("priority DESC, queued_at, id").
		Limit(s.cfg.BatchSize * 2).
		Find(&owned).Error
	if err != nil {
		return nil, fmt.Errorf("scheduler: list owned jobs: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := owned[:0]
	for _, j := range owned {
		if _, ok := s.dispatched[j.ID]; !ok {
			out = append(out, j)
		}
	}
	return out, nil
}

// forgetDispatched drops handed-out jobs that a worker has started, and
// jobs handed out so long ago that the worker must have lost them.
func (s *Scheduler) forgetDispatched(ctx context.Context) {
	s.mu.Lock()
	ids := make([]uint, 0, len(s.dispatched))
	for id := range s.dispatched {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return
	}
	var waiting []uint
	if err := s.db.WithContext(ctx).Model(&jobs.Job{}).
		Where("id IN ? AND started_at IS NULL AND completed_at IS NULL", ids).
		Pluck("id", &waiting).Error; err != nil {
		s.log.Debug("could not refresh dispatched jobs", "error", err)
		return
	}
	still := make(map[uint]struct{}, len(waiting))
	for _, id := range waiting {
		still[id] = struct{}{}
	}
	lost := s.clk.Now().Add(-s.cfg.StaleAfter)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.dispatched {
		if _, ok := still[id]; !ok || at.Before(lost) {
			delete(s.dispatched, id)
		}
	}
}

func (s *Scheduler) wasDispatched(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dispatched[id]
	return ok
}

func (s *Scheduler) markDispatched(id uint) {
	s.mu.Lock()
	s.dispatched[id] = s.clk.Now()
	s.mu.Unlock()
}

func (s *Scheduler) send(ctx context.Context, out chan<- jobs.Job, j jobs.Job) bool {
	select {
	case out <- j:
		s.markDispatched(j.ID)
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) heartbeat(ctx context.Context) error {
	res := s.db.WithContext(ctx).Model(&jobs.Processor{}).
		Where("id = ?", s.ID()).
		Update("last_seen_at", s.clk.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("scheduler: heartbeat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.log.Warn("heartbeat found no processor row")
	}
	return nil
}

// cleanup releases the unfinished jobs of dead processors and requeues
// successful jobs whose report row is missing. Processor rows are kept.
func (s *Scheduler) cleanup(ctx context.Context) error {
	cutoff := s.clk.Now().UTC().Add(-s.cfg.StaleAfter)
	var dead []uint
	if err := s.db.WithContext(ctx).Model(&jobs.Processor{}).
		Where("last_seen_at < ? AND id <> ?", cutoff, s.ID()).
		Pluck("id", &dead).Error; err != nil {
		return fmt.Errorf("scheduler: find dead processors: %w", err)
	}
	if len(dead) > 0 {
		res := s.db.WithContext(ctx).Model(&jobs.Job{}).
			Where("owner IN ? AND completed_at IS NULL", dead).
			Updates(map[string]any{"owner": nil, "started_at": nil})
		if res.Error != nil {
			return fmt.Errorf("scheduler: release jobs of dead processors: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			metrics.SchedulerReclaimed.Add(float64(res.RowsAffected))
			s.log.Info("released jobs of dead processors", "processors", dead, "jobs", res.RowsAffected)
		}
	}

	var lost []uint
	if err := s.db.WithContext(ctx).Model(&jobs.Job{}).
		Joins("LEFT JOIN reports r ON r.crash_id = jobs.crash_id").
		Where("jobs.success = ? AND r.id IS NULL", true).
		Limit(s.cfg.BatchSize*4).
		Pluck("jobs.id", &lost).Error; err != nil {
		return fmt.Errorf("scheduler: find jobs without report: %w", err)
	}
	if len(lost) > 0 {
		res := s.db.WithContext(ctx).Model(&jobs.Job{}).
			Where("id IN ? AND success = ?", lost, true).
			Updates(map[string]any{
				"owner":        nil,
				"started_at":   nil,
				"completed_at": nil,
				"success":      nil,
				"notes":        "requeued: completed without a stored report",
			})
		if res.Error != nil {
			return fmt.Errorf("scheduler: requeue jobs without report: %w", res.Error)
		}
		metrics.SchedulerRequeued.Add(float64(res.RowsAffected))
		s.log.Warn("requeued completed jobs without a report", "jobs", res.RowsAffected)
	}
	return nil
}

// Prioritize moves a crash ahead of the normal queue.
func (s *Scheduler) Prioritize(ctx context.Context, crashID string) error {
	return Prioritize(ctx, s.db, crashID, s.clk.Now(), s.log)
}

// Prioritize flags the job of crashID as priority. A job already claimed
// but not started also gets a marker in its owner's priority table; a free
// job is picked first by the next claim anyway.
func Prioritize(ctx context.Context, db *gorm.DB, crashID string, now time.Time, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	job, err := jobs.GetByCrashID(ctx, db, crashID)
	if err != nil {
		return err
	}
	if job.Done() {
		log.Info("job already processed, nothing to prioritize", "crash_id", crashID)
		return nil
	}
	if err := db.WithContext(ctx).Model(&jobs.Job{}).Where("id = ?", job.ID).Update("priority", true).Error; err != nil {
		return fmt.Errorf("scheduler: prioritize %s: %w", crashID, err)
	}
	if job.Owner == nil || job.StartedAt != nil {
		return nil
	}
	if err := jobs.AddPriorityMarker(ctx, db, *job.Owner, crashID, now); err != nil {
		// The owner is gone along with its table; free the job instead.
		log.Warn("could not mark priority job, releasing it", "crash_id", crashID, "owner", *job.Owner, "error", err)
		return db.WithContext(ctx).Model(&jobs.Job{}).
			Where("id = ? AND started_at IS NULL", job.ID).
			Update("owner", nil).Error
	}
	return nil
}
