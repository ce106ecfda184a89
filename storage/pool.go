package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"crashmover/metrics"
)

var tracer = otel.Tracer("crashmover/storage")

var ErrPoolClosed = errors.New("storage: pool closed")

type PoolConfig struct {
	// Primary opens sessions to the primary backend. Required.
	Primary Factory
	// Fallback receives writes the primary refused and serves reads the
	// primary could not. Optional; it must be safe for concurrent use.
	Fallback Backend
	// MaxIdle bounds the number of idle primary sessions kept for reuse.
	MaxIdle int
	// TempDir holds dump copies for backends without local files.
	TempDir string
	Logger  *slog.Logger
}

// Pool hands out sessions to the primary backend. Each concurrent user holds
// its own session; released sessions are reused sequentially.
type Pool struct {
	cfg    PoolConfig
	log    *slog.Logger
	mu     sync.Mutex
	idle   []Backend
	closed bool
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Primary == nil {
		return nil, errors.New("storage: primary factory is required")
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 4
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{cfg: cfg, log: cfg.Logger.With("component", "storage")}, nil
}

// Session returns an idle primary session or opens a new one. When the
// primary cannot be reached the session still works against the fallback.
func (p *Pool) Session(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	var b Backend
	if n := len(p.idle); n > 0 {
		b = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if b == nil {
		var err error
		b, err = p.cfg.Primary(ctx)
		if err != nil {
			if p.cfg.Fallback == nil {
				return nil, fmt.Errorf("storage: open primary session: %w", err)
			}
			p.log.Warn("primary backend unavailable, session degraded to fallback", "error", err)
			metrics.StorageErrors.WithLabelValues("primary", "open").Inc()
			b = nil
		}
	}
	return &Session{pool: p, primary: b}, nil
}

func (p *Pool) put(b Backend) {
	p.mu.Lock()
	if !p.closed && len(p.idle) < p.cfg.MaxIdle {
		p.idle = append(p.idle, b)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	if err := b.Close(); err != nil {
		p.log.Warn("closing primary session", "error", err)
	}
}

// Do runs fn with a session and releases it afterwards.
func (p *Pool) Do(ctx context.Context, fn func(*Session) error) error {
	s, err := p.Session(ctx)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}

// Fallback returns the fallback backend, or nil.
func (p *Pool) Fallback() Backend { return p.cfg.Fallback }

// Close closes idle sessions and the fallback. Sessions still checked out are
// closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, b := range idle {
		errs = append(errs, b.Close())
	}
	if p.cfg.Fallback != nil {
		errs = append(errs, p.cfg.Fallback.Close())
	}
	return errors.Join(errs...)
}

// Session is one user's view of the pool. It is not safe for concurrent use.
type Session struct {
	pool     *Pool
	primary  Backend
	released bool
}

// Release returns the primary session to the pool. A session whose primary
// failed is closed instead of reused.
func (s *Session) Release() {
	if s.released {
		return
	}
	s.released = true
	if s.primary != nil {
		s.pool.put(s.primary)
	}
}

func (s *Session) discardPrimary() {
	if s.primary == nil {
		return
	}
	if err := s.primary.Close(); err != nil {
		s.pool.log.Debug("closing failed primary session", "error", err)
	}
	s.primary = nil
}

// reopen replaces a discarded primary with a fresh one from the factory, so
// a retry after a primary failure reaches the primary again.
func (s *Session) reopen(ctx context.Context) {
	if s.primary != nil || s.released {
		return
	}
	b, err := s.pool.cfg.Primary(ctx)
	if err != nil {
		s.pool.log.Debug("primary backend still unavailable", "error", err)
		return
	}
	s.primary = b
}

func (s *Session) primaryName() string {
	if s.primary == nil {
		return "none"
	}
	return s.primary.Name()
}

// SaveRaw stores a crash on the primary, or on the fallback when the primary
// fails. The degradation is logged and counted.
func (s *Session) SaveRaw(ctx context.Context, id string, metadata, dump []byte, ts time.Time) error {
	ctx, span := tracer.Start(ctx, "storage.SaveRaw")
	defer span.End()
	span.SetAttributes(attribute.String("crash_id", id), attribute.Int("dump_bytes", len(dump)))

	err := s.write(ctx, "save_raw", id, func(b Backend) error {
		return b.SaveRaw(ctx, id, metadata, dump, ts)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
	}
	return err
}

func (s *Session) SaveProcessed(ctx context.Context, id string, record []byte) error {
	return s.write(ctx, "save_processed", id, func(b Backend) error {
		return b.SaveProcessed(ctx, id, record)
	})
}

func (s *Session) write(ctx context.Context, op, id string, fn func(Backend) error) error {
	s.reopen(ctx)
	var primaryErr error
	if s.primary != nil {
		primaryErr = fn(s.primary)
		if primaryErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return primaryErr
		}
		metrics.StorageErrors.WithLabelValues(s.primaryName(), op).Inc()
		s.discardPrimary()
	} else {
		primaryErr = errors.New("no primary session")
	}
	fb := s.pool.cfg.Fallback
	if fb == nil {
		return primaryErr
	}
	if err := fn(fb); err != nil {
		metrics.StorageErrors.WithLabelValues(fb.Name(), op).Inc()
		return fmt.Errorf("storage: primary: %v; fallback: %w", primaryErr, err)
	}
	metrics.StorageFallbacks.WithLabelValues(op).Inc()
	s.pool.log.Warn("primary write failed, stored on fallback",
		"operation", op, "crash_id", id, "fallback", fb.Name(), "error", primaryErr)
	return nil
}

func read[T any](ctx context.Context, s *Session, op string, fn func(Backend) (T, error)) (T, error) {
	var zero T
	var primaryErr error = ErrNotFound
	s.reopen(ctx)
	if s.primary != nil {
		v, err := fn(s.primary)
		if err == nil {
			return v, nil
		}
		primaryErr = err
		if !errors.Is(err, ErrNotFound) {
			if ctx.Err() != nil {
				return zero, err
			}
			metrics.StorageErrors.WithLabelValues(s.primaryName(), op).Inc()
			s.discardPrimary()
		}
	}
	fb := s.pool.cfg.Fallback
	if fb == nil {
		return zero, primaryErr
	}
	v, err := fn(fb)
	if err != nil {
		if errors.Is(err, ErrNotFound) && !errors.Is(primaryErr, ErrNotFound) {
			return zero, primaryErr
		}
		return zero, err
	}
	if !errors.Is(primaryErr, ErrNotFound) {
		metrics.StorageFallbacks.WithLabelValues(op).Inc()
	}
	return v, nil
}

func (s *Session) FetchMetadata(ctx context.Context, id string) ([]byte, error) {
	return read(ctx, s, "fetch_metadata", func(b Backend) ([]byte, error) { return b.FetchMetadata(ctx, id) })
}

func (s *Session) FetchDump(ctx context.Context, id string) ([]byte, error) {
	return read(ctx, s, "fetch_dump", func(b Backend) ([]byte, error) { return b.FetchDump(ctx, id) })
}

func (s *Session) FetchProcessed(ctx context.Context, id string) ([]byte, error) {
	return read(ctx, s, "fetch_processed", func(b Backend) ([]byte, error) { return b.FetchProcessed(ctx, id) })
}

func (s *Session) Exists(ctx context.Context, id string) (bool, error) {
	found, err := read(ctx, s, "exists", func(b Backend) (bool, error) {
		ok, err := b.Exists(ctx, id)
		if err == nil && !ok {
			return false, ErrNotFound
		}
		return ok, err
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return found, err
}

// Delete removes the crash from both backends. It fails with ErrNotFound only
// when neither held it.
func (s *Session) Delete(ctx context.Context, id string) error {
	var errs []error
	found := false
	for _, b := range []Backend{s.primary, s.pool.cfg.Fallback} {
		if b == nil {
			continue
		}
		switch err := b.Delete(ctx, id); {
		case err == nil:
			found = true
		case errors.Is(err, ErrNotFound):
		default:
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// LocalDump returns a local file holding the dump of id. Backends that keep
// dumps on disk hand out their own path; otherwise the dump is copied to a
// temporary file that cleanup removes.
func (s *Session) LocalDump(ctx context.Context, id string) (path string, cleanup func(), err error) {
	noop := func() {}
	for _, b := range []Backend{s.primary, s.pool.cfg.Fallback} {
		dp, ok := As[DumpPather](b)
		if !ok {
			continue
		}
		p, err := dp.DumpPath(ctx, id)
		if err == nil {
			return p, noop, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", noop, err
		}
	}

	data, err := s.FetchDump(ctx, id)
	if err != nil {
		return "", noop, err
	}
	f, err := os.CreateTemp(s.pool.cfg.TempDir, id+".*.dump")
	if err != nil {
		return "", noop, fmt.Errorf("storage: temp dump: %w", err)
	}
	cleanup = func() { _ = os.Remove(f.Name()) }
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		cleanup()
		return "", noop, fmt.Errorf("storage: write temp dump: %w", werr)
	}
	return f.Name(), cleanup, nil
}
