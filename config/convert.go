package config

import (
	"log/slog"
	"os"
	"path/filepath"

	"gorm.io/gorm"

	"crashmover/clock"
	"crashmover/crashstore"
	"crashmover/intake"
	"crashmover/jobs"
	"crashmover/scheduler"
	"crashmover/stackwalk"
	"crashmover/storage"
	"crashmover/worker"
)

func (c *Config) DB() jobs.DBConfig {
	return jobs.DBConfig{
		Driver:          c.Database.Driver,
		DSN:             c.Database.DSN,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime.D(),
		LogSQL:          c.Database.LogSQL,
	}
}

// CrashStore returns the store settings rooted at root. The same layout is
// used for the primary store, the fallback and the collector store.
func (c *Config) CrashStore(root string, log *slog.Logger, clk clock.Clock) crashstore.Config {
	s := c.Store
	return crashstore.Config{
		Root:                root,
		IndexName:           s.IndexName,
		DateName:            s.DateName,
		DirPermissions:      os.FileMode(s.DirMode),
		DumpPermissions:     os.FileMode(s.DumpMode),
		DumpGID:             s.DumpGID,
		MinutesPerSlot:      s.MinutesPerSlot,
		MaxDirectoryEntries: s.MaxDirectoryEntries,
		Depth:               s.Depth,
		SegmentWidth:        s.SegmentWidth,
		Logger:              log,
		Clock:               clk,
	}
}

func (c *Config) ProcessedRoot() string {
	if c.Store.ProcessedRoot != "" {
		return c.Store.ProcessedRoot
	}
	return filepath.Join(c.Store.Root, "processed")
}

func (c *Config) Badger(log *slog.Logger) storage.BadgerConfig {
	b := c.Storage.Badger
	if b == nil {
		return storage.InMemoryBadgerConfig()
	}
	if b.InMemory {
		cfg := storage.InMemoryBadgerConfig()
		cfg.Logger = log
		return cfg
	}
	cfg := storage.DefaultBadgerConfig(b.Path)
	if b.SyncWrites != nil {
		cfg.SyncWrites = *b.SyncWrites
	}
	if b.GCInterval > 0 {
		cfg.GCInterval = b.GCInterval.D()
	}
	if b.GCDiscardRatio > 0 {
		cfg.GCDiscardRatio = b.GCDiscardRatio
	}
	cfg.Logger = log
	return cfg
}

func (c *Config) GCS() storage.GCSConfig {
	if c.Storage.GCS == nil {
		return storage.GCSConfig{}
	}
	return storage.GCSConfig{
		Bucket:          c.Storage.GCS.Bucket,
		CredentialsFile: c.Storage.GCS.CredentialsFile,
		Endpoint:        c.Storage.GCS.Endpoint,
	}
}

// Throttler builds the intake throttle. No rules and no default percentage
// means every crash is accepted, which is signalled by a nil Throttler.
func (c *Config) Throttler() (*storage.Throttler, error) {
	t := c.Throttle
	if len(t.Rules) == 0 && t.DefaultPercentage == nil && t.MinimumRate == 0 {
		return nil, nil
	}
	cfg := storage.ThrottleConfig{DefaultPercentage: 100, MinimumRate: t.MinimumRate}
	if t.DefaultPercentage != nil {
		cfg.DefaultPercentage = *t.DefaultPercentage
	}
	for _, r := range t.Rules {
		cfg.Rules = append(cfg.Rules, storage.ThrottleRule{
			Key:        r.Key,
			Pattern:    r.Pattern,
			Percentage: r.Percentage,
			Reject:     r.Reject,
		})
	}
	return storage.NewThrottler(cfg)
}

func (c *Config) Reconcile(log *slog.Logger) storage.ReconcileConfig {
	return storage.ReconcileConfig{
		Rate:   c.Storage.Reconcile.Rate,
		Burst:  c.Storage.Reconcile.Burst,
		Logger: log,
	}
}

func (c *Config) Spool(gate *intake.Gate, db *gorm.DB, collector *crashstore.Store, log *slog.Logger, clk clock.Clock) intake.SpoolConfig {
	in := c.Intake
	inputs := make([]intake.InputSpec, 0, len(in.Files.Items))
	for _, f := range in.Files.Items {
		inputs = append(inputs, intake.InputSpec{Glob: f.Glob, ErrorDir: f.ErrorDir})
	}
	return intake.SpoolConfig{
		Gate:          gate,
		DB:            db,
		Inputs:        inputs,
		Store:         collector,
		StoreErrorDir: in.CollectorErrorDir,
		OrphanAge:     in.OrphanAge.D(),
		Timeout:       in.Timeout.D(),
		Debug:         in.Debug,
		Logger:        log,
		Clock:         clk,
	}
}

func (c *Config) SchedulerOptions(db *gorm.DB, log *slog.Logger, clk clock.Clock) scheduler.Config {
	s := c.Scheduler
	return scheduler.Config{
		DB:                db,
		Name:              s.Name,
		StaleAfter:        s.StaleAfter.D(),
		HeartbeatInterval: s.HeartbeatInterval.D(),
		CleanupInterval:   s.CleanupInterval.D(),
		PollInterval:      s.PollInterval.D(),
		BatchSize:         s.BatchSize,
		Backoff:           durations(s.Backoff),
		Logger:            log,
		Clock:             clk,
	}
}

func (c *Config) WorkerOptions(db *gorm.DB, pool *storage.Pool, log *slog.Logger, clk clock.Clock) worker.Config {
	w, sw := c.Worker, c.Stackwalk
	return worker.Config{
		DB:              db,
		Pool:            pool,
		Command:         w.Command,
		Args:            w.Args,
		SymbolPaths:     w.SymbolPaths,
		AnalyzerTimeout: w.AnalyzerTimeout.D(),
		Concurrency:     w.Concurrency,
		RetryWaits:      durations(w.RetryWaits),
		MaxRetries:      w.MaxRetries,
		PIIKeys:         w.PIIKeys,
		NotesKey:        w.NotesKey,
		Parse: stackwalk.ParseOptions{
			Limits: stackwalk.FrameLimits{
				Head:      sw.HeadFrames,
				Tail:      sw.TailFrames,
				Threshold: sw.Threshold,
			},
			ManagedMarker:         sw.ManagedMarker,
			ManagedReasonPrefixes: sw.ManagedReasonPrefixes,
		},
		Signature: stackwalk.SignatureOptions{
			Irrelevant:     sw.Irrelevant,
			Prefix:         sw.Prefix,
			MaxLength:      sw.MaxLength,
			ShortMaxLength: sw.ShortMaxLength,
		},
		FlashDebugIDs: sw.FlashDebugIDs,
		Logger:        log,
		Clock:         clk,
	}
}
