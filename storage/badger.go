package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the embedded key/value primary store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for tests.
	InMemory bool

	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log garbage collection runs. 0 disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

const (
	badgerRawPrefix       = "raw/"
	badgerDumpPrefix      = "dump/"
	badgerProcessedPrefix = "processed/"
	badgerArrivalPrefix   = "arrival/"
	badgerArrivalRef      = "arrivalref/"
)

// BadgerBackend is the primary crash store: one key per metadata document,
// dump and processed record, plus an arrival-ordered index for Walk.
// The underlying *badger.DB is safe for concurrent use, so a single backend
// is normally shared through Static.
type BadgerBackend struct {
	db   *badger.DB
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func OpenBadger(cfg BadgerConfig) (*BadgerBackend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("storage: badger path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("storage: create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger database: %w", err)
	}
	b := &BadgerBackend{db: db, stop: make(chan struct{})}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		b.wg.Add(1)
		go b.gcLoop(cfg.GCInterval, ratio)
	}
	return b, nil
}

func (b *BadgerBackend) gcLoop(interval time.Duration, ratio float64) {
	defer b.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
			// RunValueLogGC rewrites at most one file per call.
			for b.db.RunValueLogGC(ratio) == nil {
			}
		}
	}
}

func (b *BadgerBackend) Name() string { return "badger" }

func arrivalKey(id string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", badgerArrivalPrefix, ts.UTC().UnixNano(), id))
}

func (b *BadgerBackend) SaveRaw(ctx context.Context, id string, metadata, dump []byte, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := removeArrival(txn, id); err != nil {
			return err
		}
		ak := arrivalKey(id, ts)
		for k, v := range map[string][]byte{
			badgerRawPrefix + id:  metadata,
			badgerDumpPrefix + id: dump,
			badgerArrivalRef + id: ak,
			string(ak):            nil,
		} {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func removeArrival(txn *badger.Txn, id string) error {
	item, err := txn.Get([]byte(badgerArrivalRef + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ak, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	return txn.Delete(ak)
}

func (b *BadgerBackend) get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

func (b *BadgerBackend) FetchMetadata(ctx context.Context, id string) ([]byte, error) {
	return b.get(ctx, badgerRawPrefix+id)
}

func (b *BadgerBackend) FetchDump(ctx context.Context, id string) ([]byte, error) {
	return b.get(ctx, badgerDumpPrefix+id)
}

func (b *BadgerBackend) FetchProcessed(ctx context.Context, id string) ([]byte, error) {
	return b.get(ctx, badgerProcessedPrefix+id)
}

func (b *BadgerBackend) Exists(ctx context.Context, id string) (bool, error) {
	_, err := b.get(ctx, badgerRawPrefix+id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *BadgerBackend) SaveProcessed(ctx context.Context, id string, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerProcessedPrefix+id), record)
	})
}

func (b *BadgerBackend) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	found, err := b.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		if _, perr := b.FetchProcessed(ctx, id); perr != nil {
			return ErrNotFound
		}
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := removeArrival(txn, id); err != nil {
			return err
		}
		for _, k := range []string{badgerRawPrefix, badgerDumpPrefix, badgerProcessedPrefix, badgerArrivalRef} {
			if err := txn.Delete([]byte(k + id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Walk visits raw crashes in arrival order.
func (b *BadgerBackend) Walk(ctx context.Context, fn func(id string) error) error {
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(badgerArrivalPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			// arrival/<20 digits>/<id>
			ids = append(ids, key[len(badgerArrivalPrefix)+21:])
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (b *BadgerBackend) Close() error {
	var err error
	b.once.Do(func() {
		close(b.stop)
		b.wg.Wait()
		err = b.db.Close()
	})
	return err
}
