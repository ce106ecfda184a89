package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gorm.io/gorm"

	"crashmover/clock"
	"crashmover/crashstore"
	"crashmover/jobs"
	"crashmover/metrics"
	"crashmover/storage"
)

// InputSpec is one collector drop location. Glob matches metadata files
// (<crash id>.json); the dump is the sibling <crash id>.dump.
type InputSpec struct {
	Glob     string
	ErrorDir string
}

type SpoolConfig struct {
	Gate *Gate
	// DB holds the intake ledger.
	DB *gorm.DB

	Inputs []InputSpec

	// Store is a collector-side crash store drained in arrival order.
	// Optional.
	Store         *crashstore.Store
	StoreErrorDir string

	// OrphanAge is how long a metadata file may wait for its dump before it
	// is moved to the error directory.
	OrphanAge time.Duration
	// Timeout bounds one RunOnce. 0 means no limit.
	Timeout time.Duration

	Debug  bool
	Logger *slog.Logger
	Clock  clock.Clock
}

// Spool moves crashes written by collectors into the system through a Gate.
type Spool struct {
	cfg SpoolConfig
	log *slog.Logger
	clk clock.Clock
}

type SpoolStats struct {
	Seen      int
	Submitted int
	Deferred  int
	Rejected  int
	Failed    int
	Skipped   int
	Bytes     int64
}

func NewSpool(cfg SpoolConfig) (*Spool, error) {
	if cfg.Gate == nil {
		return nil, fmt.Errorf("intake: gate is required")
	}
	if cfg.DB == nil {
		return nil, fmt.Errorf("intake: database is required")
	}
	if len(cfg.Inputs) == 0 && cfg.Store == nil {
		return nil, fmt.Errorf("intake: inputs or spool store is required")
	}
	if cfg.OrphanAge <= 0 {
		cfg.OrphanAge = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Spool{cfg: cfg, log: cfg.Logger.With("component", "spool"), clk: clock.OrSystem(cfg.Clock)}, nil
}

func (s *Spool) debugf(format string, args ...any) {
	if !s.cfg.Debug {
		return
	}
	s.log.Debug(fmt.Sprintf(format, args...))
}

// Run calls RunOnce every interval until ctx is done.
func (s *Spool) Run(ctx context.Context, interval time.Duration) error {
	for {
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("spool run failed", "error", err)
		}
		if err := s.clk.Sleep(ctx, interval); err != nil {
			return nil
		}
	}
}

// RunOnce drains every input once.
func (s *Spool) RunOnce(ctx context.Context) (SpoolStats, error) {
	start := s.clk.Now()
	stats := SpoolStats{}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	s.debugf("run_once start: inputs=%d store=%v", len(s.cfg.Inputs), s.cfg.Store != nil)

	items, err := s.expandInputs(s.cfg.Inputs)
	if err != nil {
		return stats, err
	}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		s.debugf("ingest path=%q", it.Path)
		if err := s.ingestPair(ctx, it, &stats); err != nil {
			s.log.Warn("spool entry failed", "path", it.Path, "error", err)
		}
	}

	if s.cfg.Store != nil {
		if err := s.drainStore(ctx, &stats); err != nil {
			return stats, err
		}
	}

	if stats.Seen > 0 {
		s.log.Info("spool run done",
			"seen", stats.Seen,
			"submitted", stats.Submitted,
			"deferred", stats.Deferred,
			"rejected", stats.Rejected,
			"failed", stats.Failed,
			"size", humanize.Bytes(uint64(stats.Bytes)),
			"elapsed", s.clk.Now().Sub(start))
	}
	return stats, nil
}

type inputItem struct {
	Path     string
	DumpPath string
	ErrorDir string
}

func (s *Spool) expandInputs(inputs []InputSpec) ([]inputItem, error) {
	seen := make(map[string]struct{})
	var out []inputItem
	for _, in := range inputs {
		if strings.TrimSpace(in.Glob) == "" {
			continue
		}
		matches, err := inboxMatches(in.Glob)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !strings.HasSuffix(m, ".json") {
				continue
			}
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, inputItem{
				Path:     m,
				DumpPath: strings.TrimSuffix(m, ".json") + ".dump",
				ErrorDir: in.ErrorDir,
			})
		}
	}
	return out, nil
}

// inboxMatches expands an inbox glob. Collectors may write into per-host
// subdirectories, so a "**" element matches any depth below the directory
// before it; only the file name pattern after it is then checked.
func inboxMatches(pattern string) ([]string, error) {
	slashed := filepath.ToSlash(pattern)
	i := strings.Index(slashed, "**")
	if i < 0 {
		return filepath.Glob(pattern)
	}
	root := slashed[:i]
	if len(root) > 1 {
		root = strings.TrimSuffix(root, "/")
	}
	if root == "" {
		root = "."
	}
	name := "*"
	if rest := strings.Trim(slashed[i+2:], "/"); rest != "" {
		name = path.Base(rest)
	}
	if _, err := path.Match(name, ""); err != nil {
		return nil, fmt.Errorf("intake: inbox glob %q: %w", pattern, err)
	}

	var out []string
	err := filepath.WalkDir(filepath.FromSlash(root), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == filepath.FromSlash(root) && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if ok, _ := path.Match(name, d.Name()); ok && d.Type().IsRegular() {
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func (s *Spool) ingestPair(ctx context.Context, it inputItem, stats *SpoolStats) error {
	info, err := os.Stat(it.Path)
	if err != nil || info.IsDir() {
		return err
	}
	dumpInfo, err := os.Stat(it.DumpPath)
	if err != nil {
		if s.clk.Now().Sub(info.ModTime()) > s.cfg.OrphanAge {
			s.log.Warn("metadata without dump, moving to error dir", "path", it.Path)
			metrics.SpoolFiles.WithLabelValues("orphaned").Inc()
			return s.moveFailed(it.ErrorDir, it.Path)
		}
		s.debugf("dump not there yet path=%q", it.DumpPath)
		stats.Skipped++
		return nil
	}
	stats.Seen++

	content, err := os.ReadFile(it.Path)
	if err != nil {
		stats.Failed++
		_ = s.moveFailed(it.ErrorDir, it.Path, it.DumpPath)
		return err
	}
	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])

	already, err := s.isAlreadyIngested(ctx, it.Path, sha)
	if err != nil {
		return err
	}
	if already {
		s.debugf("skip already ingested path=%q sha=%s", it.Path, sha)
		stats.Skipped++
		return s.deleteSource(ctx, it.Path, sha, it.Path, it.DumpPath)
	}

	var meta map[string]any
	if err := json.Unmarshal(content, &meta); err != nil {
		stats.Failed++
		s.record(ctx, "", it.Path, sha, info.Size(), "", fmt.Sprintf("decode metadata: %v", err))
		metrics.SpoolFiles.WithLabelValues("failed").Inc()
		return s.moveFailed(it.ErrorDir, it.Path, it.DumpPath)
	}
	dump, err := os.ReadFile(it.DumpPath)
	if err != nil {
		stats.Failed++
		return s.moveFailed(it.ErrorDir, it.Path, it.DumpPath)
	}

	id := strings.TrimSuffix(filepath.Base(it.Path), ".json")
	if !crashstore.ValidID(id) {
		id = ""
	}
	res, err := s.cfg.Gate.Submit(ctx, Submission{
		CrashID:   id,
		Metadata:  meta,
		Dump:      dump,
		Timestamp: ArrivalTime(meta, dumpInfo.ModTime()),
	})
	if err != nil {
		stats.Failed++
		metrics.SpoolFiles.WithLabelValues("failed").Inc()
		if errors.Is(err, ErrEmptyDump) || errors.Is(err, ErrInvalidID) {
			s.record(ctx, id, it.Path, sha, info.Size(), "", err.Error())
			return s.moveFailed(it.ErrorDir, it.Path, it.DumpPath)
		}
		// storage or database trouble: leave the pair for the next run
		return err
	}
	s.count(res, int64(len(dump)), stats)
	s.record(ctx, res.CrashID, it.Path, sha, info.Size()+dumpInfo.Size(), res.Decision.String(), "")
	return s.deleteSource(ctx, it.Path, sha, it.Path, it.DumpPath)
}

// drainStore submits the spool store entries in arrival order. Entries
// that failed on storage or database trouble get their date link back once
// the walk is over, so the next run retries them.
func (s *Spool) drainStore(ctx context.Context, stats *SpoolStats) error {
	var retry []string
	err := s.cfg.Store.WalkByDateDestructive(ctx, func(id string) error {
		if err := s.ingestStored(ctx, id, stats); err != nil {
			s.log.Warn("spool store entry failed", "crash_id", id, "error", err)
			if errors.Is(err, errRetryLater) {
				retry = append(retry, id)
			}
		}
		return ctx.Err()
	})
	for _, id := range retry {
		if rerr := s.cfg.Store.Relink(id); rerr != nil {
			s.log.Error("could not requeue spool store entry", "crash_id", id, "error", rerr)
		}
	}
	return err
}

var errRetryLater = errors.New("intake: retry on next run")

// ingestStored submits one entry of the spool store. Its date link is
// already gone; the name data is removed on success and moved aside when
// the entry can never be submitted. Other failures wrap errRetryLater.
func (s *Spool) ingestStored(ctx context.Context, id string, stats *SpoolStats) error {
	stats.Seen++
	metaPath, dumpPath, err := s.cfg.Store.Locate(id)
	if err != nil {
		stats.Failed++
		return err
	}
	metaRaw, dump, err := s.cfg.Store.ReadRaw(id)
	if err != nil {
		stats.Failed++
		return s.moveFailed(s.cfg.StoreErrorDir, metaPath, dumpPath)
	}
	var meta map[string]any
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		stats.Failed++
		s.log.Warn("undecodable spool metadata", "crash_id", id, "error", err)
		return s.moveFailed(s.cfg.StoreErrorDir, metaPath, dumpPath)
	}
	res, err := s.cfg.Gate.Submit(ctx, Submission{
		CrashID:  id,
		Metadata: meta,
		Dump:     dump,
	})
	if err != nil {
		stats.Failed++
		metrics.SpoolFiles.WithLabelValues("failed").Inc()
		if errors.Is(err, ErrEmptyDump) || errors.Is(err, ErrInvalidID) {
			return s.moveFailed(s.cfg.StoreErrorDir, metaPath, dumpPath)
		}
		return fmt.Errorf("%w: %w", errRetryLater, err)
	}
	s.count(res, int64(len(dump)), stats)
	if err := s.cfg.Store.Remove(id); err != nil && !errors.Is(err, crashstore.ErrNotFound) {
		return err
	}
	return nil
}

func (s *Spool) count(res Result, size int64, stats *SpoolStats) {
	stats.Bytes += size
	switch res.Decision {
	case storage.Accept:
		stats.Submitted++
	case storage.Defer:
		stats.Deferred++
	case storage.Reject:
		stats.Rejected++
	}
	metrics.SpoolFiles.WithLabelValues("submitted").Inc()
}

func (s *Spool) moveFailed(errorDir string, paths ...string) error {
	if strings.TrimSpace(errorDir) == "" {
		return nil
	}
	if _, err := Quarantine(errorDir, paths...); err != nil {
		return fmt.Errorf("intake: move to error dir: %w", err)
	}
	metrics.SpoolFiles.WithLabelValues("moved").Inc()
	return nil
}

func (s *Spool) isAlreadyIngested(ctx context.Context, path, sha string) (bool, error) {
	var rec jobs.IntakeRecord
	err := s.cfg.DB.WithContext(ctx).Where("source_path = ? AND sha256 = ? AND decision <> ''", path, sha).First(&rec).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Spool) record(ctx context.Context, crashID, path, sha string, size int64, decision, lastErr string) {
	rec := jobs.IntakeRecord{
		CrashID:    crashID,
		SourcePath: path,
		SHA256:     sha,
		SizeBytes:  size,
		Decision:   decision,
		IngestedAt: s.clk.Now().UTC(),
		LastError:  lastErr,
	}
	err := s.cfg.DB.WithContext(ctx).
		Where("source_path = ? AND sha256 = ?", path, sha).
		Assign(map[string]any{"crash_id": crashID, "decision": decision, "last_error": lastErr, "ingested_at": rec.IngestedAt}).
		FirstOrCreate(&rec).Error
	if err != nil {
		s.log.Warn("intake ledger write failed", "path", path, "error", err)
	}
}

func (s *Spool) deleteSource(ctx context.Context, ledgerPath, sha string, paths ...string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			_ = s.cfg.DB.WithContext(ctx).Model(&jobs.IntakeRecord{}).
				Where("source_path = ? AND sha256 = ?", ledgerPath, sha).
				Updates(map[string]any{"last_error": fmt.Sprintf("delete failed: %v", err)}).Error
			return err
		}
	}
	now := s.clk.Now().UTC()
	return s.cfg.DB.WithContext(ctx).Model(&jobs.IntakeRecord{}).
		Where("source_path = ? AND sha256 = ?", ledgerPath, sha).
		Updates(map[string]any{"deleted": true, "deleted_at": &now}).Error
}
