// Package worker processes the jobs streamed by the scheduler: it runs the
// analyzer on each dump, derives the crash signature and stores the result.
//
// Shutdown has two levels. Closing the job stream (the scheduler stopping)
// lets every worker finish its current job and exit. Cancelling the context
// passed to Run aborts retry waits and skips committing partial results;
// an analyzer already running is still allowed to finish.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"crashmover/clock"
	"crashmover/jobs"
	"crashmover/metrics"
	"crashmover/retry"
	"crashmover/stackwalk"
	"crashmover/storage"
)

var tracer = otel.Tracer("crashmover/worker")

// Outcome is how one job ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	// OutcomeSkipped means the job was done or taken before this worker
	// got to it.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeAborted means shutdown interrupted the job before its result
	// was committed. The scheduler hands it out again later.
	OutcomeAborted Outcome = "aborted"
)

type Config struct {
	DB   *gorm.DB
	Pool *storage.Pool

	// Analyzer overrides the command below, mostly for tests.
	Analyzer Analyzer
	// Command and Args form the analyzer command line. Each argument is a
	// text/template over Invocation; an argument of exactly
	// {{.SymbolPathList}} expands to one argument per symbol path.
	Command         string
	Args            []string
	SymbolPaths     []string
	AnalyzerTimeout time.Duration

	Concurrency int

	// RetryWaits is the wait schedule between commit attempts; the last
	// wait repeats. MaxRetries bounds the attempts after the first.
	RetryWaits []time.Duration
	MaxRetries int

	PIIKeys []string
	// NotesKey names the metadata field searched for a managed stack.
	NotesKey string

	Parse         stackwalk.ParseOptions
	Signature     stackwalk.SignatureOptions
	FlashDebugIDs map[string]string

	Logger *slog.Logger
	Clock  clock.Clock
}

// DefaultArgs runs a minidump_stackwalk style analyzer in machine-readable
// mode.
var DefaultArgs = []string{"-m", "{{.DumpPath}}", symbolListArg}

func (c *Config) applyDefaults() {
	if c.Command == "" {
		c.Command = "minidump_stackwalk"
	}
	if c.Args == nil {
		c.Args = DefaultArgs
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if len(c.RetryWaits) == 0 {
		c.RetryWaits = retry.DefaultWaits
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.PIIKeys == nil {
		c.PIIKeys = DefaultPIIKeys
	}
	if c.NotesKey == "" {
		c.NotesKey = "Notes"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type Worker struct {
	cfg      Config
	db       *gorm.DB
	pool     *storage.Pool
	analyzer Analyzer
	signer   *stackwalk.Signer
	log      *slog.Logger
	clk      clock.Clock
}

func New(cfg Config) (*Worker, error) {
	if cfg.DB == nil {
		return nil, errors.New("worker: database is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("worker: storage pool is required")
	}
	cfg.applyDefaults()
	signer, err := stackwalk.NewSigner(cfg.Signature)
	if err != nil {
		return nil, err
	}
	an := cfg.Analyzer
	if an == nil {
		an, err = NewExecAnalyzer(cfg.Command, cfg.Args, cfg.Parse, cfg.AnalyzerTimeout)
		if err != nil {
			return nil, err
		}
	}
	return &Worker{
		cfg:      cfg,
		db:       cfg.DB,
		pool:     cfg.Pool,
		analyzer: an,
		signer:   signer,
		log:      cfg.Logger.With("component", "worker"),
		clk:      clock.OrSystem(cfg.Clock),
	}, nil
}

// Run processes jobs from stream with Concurrency goroutines until the
// stream is closed or ctx is done. Each goroutine holds its own storage
// session for its whole life.
func (w *Worker) Run(ctx context.Context, stream <-chan jobs.Job) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			sess, err := w.pool.Session(gctx)
			if err != nil {
				return err
			}
			defer sess.Release()
			for {
				select {
				case <-gctx.Done():
					return nil
				case job, ok := <-stream:
					if !ok {
						return nil
					}
					if gctx.Err() != nil {
						return nil
					}
					if _, err := w.process(gctx, sess, job); err != nil {
						w.log.Error("job not processed", "crash_id", job.CrashID, "job_id", job.ID, "error", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

// Process handles one job with a session of its own.
func (w *Worker) Process(ctx context.Context, job jobs.Job) (Outcome, error) {
	sess, err := w.pool.Session(ctx)
	if err != nil {
		return OutcomeAborted, err
	}
	defer sess.Release()
	return w.process(ctx, sess, job)
}

// process runs the job on a dedicated database connection.
func (w *Worker) process(ctx context.Context, sess *storage.Session, job jobs.Job) (Outcome, error) {
	var outcome Outcome
	err := w.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var err error
		outcome, err = w.processOn(ctx, conn, sess, job)
		return err
	})
	if outcome == "" {
		outcome = OutcomeAborted
	}
	metrics.JobsProcessed.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (w *Worker) processOn(ctx context.Context, db *gorm.DB, sess *storage.Session, job jobs.Job) (Outcome, error) {
	log := w.log.With("crash_id", job.CrashID, "job_id", job.ID)

	current, err := jobs.Get(ctx, db, job.ID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		log.Warn("job vanished before processing")
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeAborted, fmt.Errorf("worker: load job: %w", err)
	}
	if current.Done() {
		log.Info("job already completed, skipping")
		return OutcomeSkipped, nil
	}
	start := w.clk.Now().UTC()
	ok, err := jobs.MarkStarted(ctx, db, current.ID, start)
	if err != nil {
		return OutcomeAborted, fmt.Errorf("worker: mark started: %w", err)
	}
	if !ok {
		log.Info("job completed elsewhere, skipping")
		return OutcomeSkipped, nil
	}

	ctx, span := tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("crash_id", current.CrashID),
		attribute.Int64("job_id", int64(current.ID)),
		attribute.Bool("priority", current.Priority),
	))
	defer span.End()

	pc, err := w.analyze(ctx, sess, current, start, log)
	if ctx.Err() != nil {
		log.Warn("shutdown during processing, result not committed")
		span.SetStatus(codes.Error, "aborted")
		return OutcomeAborted, nil
	}
	if err != nil {
		pc = w.failed(current, start, err)
		span.RecordError(err)
	}
	pc.CompletedAt = w.clk.Now().UTC()

	if err := w.commit(ctx, db, sess, current.ID, pc, log); err != nil {
		if ctx.Err() != nil {
			log.Warn("shutdown while committing, result not committed")
			return OutcomeAborted, nil
		}
		span.SetStatus(codes.Error, err.Error())
		log.Error("could not store result, marking job failed", "error", err)
		note := "storing result failed: " + retry.Unwrap(err).Error()
		if cerr := jobs.Complete(ctx, db, current.ID, false, note, w.clk.Now()); cerr != nil {
			return OutcomeFailed, fmt.Errorf("worker: mark job failed: %w", cerr)
		}
		return OutcomeFailed, nil
	}

	metrics.ProcessingDuration.Observe(pc.CompletedAt.Sub(start).Seconds())
	if pc.Truncated {
		metrics.FramesTruncated.Inc()
	}
	span.SetAttributes(attribute.String("signature", pc.Signature), attribute.Bool("success", pc.Success))
	if !pc.Success {
		span.SetStatus(codes.Error, pc.Notes())
		log.Warn("crash processing failed", "notes", pc.Notes())
		return OutcomeFailed, nil
	}
	log.Info("crash processed", "signature", pc.Signature, "elapsed", pc.CompletedAt.Sub(start))
	return OutcomeSuccess, nil
}

func (w *Worker) schedule() *retry.Schedule {
	return retry.NewSchedule(w.cfg.RetryWaits, w.cfg.MaxRetries)
}

func (w *Worker) notify(log *slog.Logger, op string) retry.Notify {
	return func(err error, wait time.Duration) {
		metrics.RetryAttempts.Inc()
		log.Warn("transient failure, retrying", "operation", op, "error", err, "retry_in", wait)
	}
}

// fetch runs a storage read with retries. Missing crashes are not retried.
func fetch[T any](ctx context.Context, w *Worker, log *slog.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := retry.Do(ctx, w.clk, w.schedule(), func(ctx context.Context) error {
		v, err := fn(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		out = v
		return nil
	}, w.notify(log, op))
	return out, retry.Unwrap(err)
}

type localDump struct {
	path    string
	cleanup func()
}

func (w *Worker) analyze(ctx context.Context, sess *storage.Session, job jobs.Job, start time.Time, log *slog.Logger) (*ProcessedCrash, error) {
	raw, err := fetch(ctx, w, log, "fetch metadata", func(ctx context.Context) ([]byte, error) {
		return sess.FetchMetadata(ctx, job.CrashID)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	dump, err := fetch(ctx, w, log, "fetch dump", func(ctx context.Context) (localDump, error) {
		p, cleanup, err := sess.LocalDump(ctx, job.CrashID)
		return localDump{path: p, cleanup: cleanup}, err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch dump: %w", err)
	}
	defer dump.cleanup()

	an, err := w.analyzer.Analyze(ctx, Invocation{
		CrashID:        job.CrashID,
		DumpPath:       dump.path,
		SymbolPaths:    strings.Join(w.cfg.SymbolPaths, " "),
		SymbolPathList: w.cfg.SymbolPaths,
	})
	if err != nil {
		return nil, err
	}
	return w.build(job, meta, an, start), nil
}

func (w *Worker) build(job jobs.Job, meta map[string]any, an *Analysis, start time.Time) *ProcessedCrash {
	r := an.Report
	if r == nil {
		r = &stackwalk.Report{}
	}
	pc := &ProcessedCrash{
		CrashID:        job.CrashID,
		Truncated:      r.Truncated,
		OSName:         r.OSName,
		OSVersion:      r.OSVersion,
		CPUName:        r.CPUName,
		CPUInfo:        r.CPUInfo,
		CPUCount:       r.CPUCount,
		Reason:         r.Reason,
		Address:        r.Address,
		CrashingThread: r.CrashingThread,
		Frames:         r.Frames,
		Modules:        r.Modules,
		FlashVersion:   stackwalk.FlashVersion(r.Modules, w.cfg.FlashDebugIDs),
		Product:        stringField(meta, "ProductName"),
		Version:        stringField(meta, "Version"),
		StartedAt:      start,
		Success:        an.ExitCode == 0,
		ExitCode:       an.ExitCode,
		ProcessorNotes: append([]string(nil), r.Warnings...),
		Metadata:       Sanitize(meta, w.cfg.PIIKeys),
	}
	if an.ExitCode == 0 && r.Lines == 0 {
		pc.addNote("analyzer produced no crash information")
	}
	if an.ExitCode != 0 {
		pc.addNote("analyzer exited with code %d", an.ExitCode)
		if an.Stderr != "" {
			pc.addNote("analyzer stderr: %s", an.Stderr)
		}
	}
	pc.Signature = w.signer.Signature(r, stringField(meta, w.cfg.NotesKey))
	pc.ShortSignature = w.signer.ShortSignature(pc.Signature)
	pc.SignatureHash = stackwalk.SignatureHash(pc.Signature)
	return pc
}

// failed is the record of a job that could not be analyzed.
func (w *Worker) failed(job jobs.Job, start time.Time, err error) *ProcessedCrash {
	pc := &ProcessedCrash{CrashID: job.CrashID, StartedAt: start}
	pc.addNote("%v", err)
	return pc
}

// commit stores the report row, the processed record and the job result.
// Every step is idempotent, so a retry redoes all of them.
func (w *Worker) commit(ctx context.Context, db *gorm.DB, sess *storage.Session, jobID uint, pc *ProcessedCrash, log *slog.Logger) error {
	record, err := json.Marshal(pc)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode processed crash: %w", err))
	}
	return retry.Do(ctx, w.clk, w.schedule(), func(ctx context.Context) error {
		if err := jobs.SaveReport(ctx, db, pc.Report()); err != nil {
			return fmt.Errorf("save report: %w", err)
		}
		if err := sess.SaveProcessed(ctx, pc.CrashID, record); err != nil {
			return fmt.Errorf("save processed crash: %w", err)
		}
		if err := jobs.Complete(ctx, db, jobID, pc.Success, pc.Notes(), pc.CompletedAt); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return nil
	}, w.notify(log, "commit"))
}
