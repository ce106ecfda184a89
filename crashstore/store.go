// Package crashstore keeps (metadata, dump) pairs on a local or network
// filesystem under two indexes.
//
// The name index is content addressed: the leading characters of the crash id
// are split into fixed-width directories below a per-day root. The date index
// holds one symlink per stored crash, bucketed by day, hour and N-minute slot,
// so new work can be scanned in arrival order without listing all content.
//
//	root/20240301/name/ab/cd/<id>.json
//	root/20240301/name/ab/cd/<id>.dump
//	root/20240301/name/ab/cd/<id>     -> ../../../date/14/05   (back link)
//	root/20240301/date/14/05/<id>     -> ../../../name/ab/cd
//
// A date slot holding MaxDirectoryEntries links overflows into 05_1, 05_2...
package crashstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"crashmover/clock"
)

const dayLayout = "20060102"

var (
	ErrNotFound  = errors.New("crashstore: crash not found")
	ErrInvalidID = errors.New("crashstore: invalid crash id")
)

// IOError reports a filesystem failure while creating or removing an entry.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("crashstore: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

type Config struct {
	Root      string
	IndexName string
	DateName  string

	JSONSuffix string
	DumpSuffix string

	DirPermissions  os.FileMode
	DumpPermissions os.FileMode
	// DumpGID, when set, is applied to every directory and file created.
	DumpGID *int

	MinutesPerSlot      int
	MaxDirectoryEntries int

	// Depth is the number of radix directories; SegmentWidth their width.
	Depth        int
	SegmentWidth int

	Logger *slog.Logger
	Clock  clock.Clock
}

func (c *Config) applyDefaults() {
	if c.IndexName == "" {
		c.IndexName = "name"
	}
	if c.DateName == "" {
		c.DateName = "date"
	}
	if c.JSONSuffix == "" {
		c.JSONSuffix = ".json"
	}
	if c.DumpSuffix == "" {
		c.DumpSuffix = ".dump"
	}
	if c.DirPermissions == 0 {
		c.DirPermissions = 0o770
	}
	if c.DumpPermissions == 0 {
		c.DumpPermissions = 0o660
	}
	if c.MinutesPerSlot <= 0 || c.MinutesPerSlot > 60 {
		c.MinutesPerSlot = 5
	}
	if c.MaxDirectoryEntries <= 0 {
		c.MaxDirectoryEntries = 1024
	}
	if c.Depth <= 0 {
		c.Depth = 2
	}
	if c.SegmentWidth <= 0 {
		c.SegmentWidth = 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Clock = clock.OrSystem(c.Clock)
}

type Store struct {
	cfg Config
	log *slog.Logger
}

// New returns a Store rooted at cfg.Root. The root directory is created if
// missing.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("crashstore: Root is required")
	}
	cfg.applyDefaults()
	s := &Store{cfg: cfg, log: cfg.Logger.With("component", "crashstore", "root", cfg.Root)}
	if err := s.makeDirs(cfg.Root); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Root() string { return s.cfg.Root }

func (s *Store) dayDir(t time.Time) string {
	return filepath.Join(s.cfg.Root, t.UTC().Format(dayLayout))
}

func (s *Store) nameDir(id string, t time.Time) string {
	parts := append([]string{s.dayDir(t), s.cfg.IndexName}, radix(id, s.cfg.Depth, s.cfg.SegmentWidth)...)
	return filepath.Join(parts...)
}

// slotDir is the primary (non-overflow) date directory for t.
func (s *Store) slotDir(t time.Time) string {
	t = t.UTC()
	slot := t.Minute() / s.cfg.MinutesPerSlot * s.cfg.MinutesPerSlot
	return filepath.Join(s.dayDir(t), s.cfg.DateName, fmt.Sprintf("%02d", t.Hour()), fmt.Sprintf("%02d", slot))
}

// bucketTime picks the arrival time used for both indexes: the explicit
// timestamp, else the id's encoded day at the current time of day, else now.
func (s *Store) bucketTime(id string, ts time.Time) time.Time {
	if !ts.IsZero() {
		return ts.UTC()
	}
	now := s.cfg.Clock.Now().UTC()
	if day, ok := DateFromID(id); ok {
		return time.Date(day.Year(), day.Month(), day.Day(), now.Hour(), now.Minute(), now.Second(), 0, time.UTC)
	}
	return now
}

// Create registers id in both indexes and returns open handles for the
// metadata and dump files. Callers must close both handles.
func (s *Store) Create(id string, ts time.Time) (meta *os.File, dump *os.File, err error) {
	if !ValidID(id) {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	bt := s.bucketTime(id, ts)
	nameDir := s.nameDir(id, bt)
	if err := s.makeDirs(nameDir); err != nil {
		return nil, nil, err
	}
	if err := s.linkDate(id, nameDir, bt); err != nil {
		return nil, nil, err
	}

	meta, err = s.openForWrite(filepath.Join(nameDir, id+s.cfg.JSONSuffix))
	if err != nil {
		return nil, nil, err
	}
	dump, err = s.openForWrite(filepath.Join(nameDir, id+s.cfg.DumpSuffix))
	if err != nil {
		_ = meta.Close()
		return nil, nil, err
	}
	s.log.Debug("created entry", "crash_id", id, "name_dir", nameDir)
	return meta, dump, nil
}

// PutRaw stores metadata and dump bytes for id in one call.
func (s *Store) PutRaw(id string, metadata, dumpData []byte, ts time.Time) error {
	meta, dump, err := s.Create(id, ts)
	if err != nil {
		return err
	}
	_, werr := meta.Write(metadata)
	if cerr := meta.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		_, werr = dump.Write(dumpData)
	}
	if cerr := dump.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = s.Remove(id)
		return &IOError{Op: "write", Path: id, Err: werr}
	}
	return nil
}

func (s *Store) linkDate(id, nameDir string, bt time.Time) error {
	primary := s.slotDir(bt)
	slotDir, err := s.pickSlotDir(primary)
	if err != nil {
		return err
	}

	// date -> name
	target, err := filepath.Rel(slotDir, nameDir)
	if err != nil {
		return &IOError{Op: "relpath", Path: slotDir, Err: err}
	}
	linkPath := filepath.Join(slotDir, id)
	if err := s.symlinkRetry(target, linkPath, slotDir); err != nil {
		return err
	}

	// name -> primary date slot, used by Remove to find the date link again
	back, err := filepath.Rel(nameDir, primary)
	if err != nil {
		return &IOError{Op: "relpath", Path: nameDir, Err: err}
	}
	if err := s.symlinkRetry(back, filepath.Join(nameDir, id), nameDir); err != nil {
		_ = os.Remove(linkPath)
		return err
	}
	return nil
}

// Relink puts a date link for id back after a destructive walk consumed
// it, so the next walk visits id again. The link goes into the slot recorded
// by the name index back link, keeping the entry's place in arrival order.
func (s *Store) Relink(id string) error {
	mp, _, err := s.Locate(id)
	if err != nil {
		return err
	}
	nameDir := filepath.Dir(mp)
	target, err := os.Readlink(filepath.Join(nameDir, id))
	if err != nil {
		return s.linkDate(id, nameDir, s.bucketTime(id, time.Time{}))
	}
	primary := filepath.Clean(filepath.Join(nameDir, target))
	if _, ok := s.findDateLink(id, primary); ok {
		return nil
	}
	slotDir, err := s.pickSlotDir(primary)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(slotDir, nameDir)
	if err != nil {
		return &IOError{Op: "relpath", Path: slotDir, Err: err}
	}
	return s.symlinkRetry(rel, filepath.Join(slotDir, id), slotDir)
}

// symlinkRetry creates link -> target. When the holding directory vanished
// under us (another process pruned it), it is recreated and the link retried
// once.
func (s *Store) symlinkRetry(target, link, holder string) error {
	err := os.Symlink(target, link)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		if cur, rerr := os.Readlink(link); rerr == nil && cur == target {
			return nil
		}
		if rerr := os.Remove(link); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			return &IOError{Op: "symlink", Path: link, Err: err}
		}
	} else if errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("link directory vanished, recreating", "dir", holder)
		if merr := s.makeDirs(holder); merr != nil {
			return merr
		}
	} else {
		return &IOError{Op: "symlink", Path: link, Err: err}
	}
	if err := os.Symlink(target, link); err != nil {
		return &IOError{Op: "symlink", Path: link, Err: err}
	}
	return nil
}

// pickSlotDir returns the first of primary, primary_1, primary_2... that has
// room for another link, creating it if needed.
func (s *Store) pickSlotDir(primary string) (string, error) {
	for n := 0; ; n++ {
		dir := overflowName(primary, n)
		count, err := countEntries(dir, s.cfg.MaxDirectoryEntries)
		if errors.Is(err, fs.ErrNotExist) {
			if err := s.makeDirs(dir); err != nil {
				return "", err
			}
			return dir, nil
		}
		if err != nil {
			return "", &IOError{Op: "readdir", Path: dir, Err: err}
		}
		if count < s.cfg.MaxDirectoryEntries {
			return dir, nil
		}
	}
}

func overflowName(primary string, n int) string {
	if n == 0 {
		return primary
	}
	return primary + "_" + strconv.Itoa(n)
}

func countEntries(dir string, limit int) (int, error) {
	f, err := os.Open(dir)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	names, err := f.Readdirnames(limit)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	return len(names), nil
}

// makeDirs creates path and every missing parent below the filesystem root.
// A concurrent creator winning the race is fine as long as the result is a
// directory.
func (s *Store) makeDirs(path string) error {
	path = filepath.Clean(path)
	if fi, err := os.Stat(path); err == nil {
		if !fi.IsDir() {
			return &IOError{Op: "mkdir", Path: path, Err: fs.ErrExist}
		}
		return nil
	}
	parent := filepath.Dir(path)
	if parent != path {
		if err := s.makeDirs(parent); err != nil {
			return err
		}
	}
	err := os.Mkdir(path, s.cfg.DirPermissions)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			if fi, serr := os.Stat(path); serr == nil && fi.IsDir() {
				return nil
			}
		}
		return &IOError{Op: "mkdir", Path: path, Err: err}
	}
	// Mkdir is subject to umask.
	if err := os.Chmod(path, s.cfg.DirPermissions); err != nil {
		return &IOError{Op: "chmod", Path: path, Err: err}
	}
	if s.cfg.DumpGID != nil {
		if err := os.Lchown(path, -1, *s.cfg.DumpGID); err != nil {
			return &IOError{Op: "chown", Path: path, Err: err}
		}
	}
	return nil
}

func (s *Store) openForWrite(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, s.cfg.DumpPermissions)
	if err != nil {
		return nil, &IOError{Op: "create", Path: path, Err: err}
	}
	if err := f.Chmod(s.cfg.DumpPermissions); err != nil {
		_ = f.Close()
		return nil, &IOError{Op: "chmod", Path: path, Err: err}
	}
	if s.cfg.DumpGID != nil {
		if err := f.Chown(-1, *s.cfg.DumpGID); err != nil {
			_ = f.Close()
			return nil, &IOError{Op: "chown", Path: path, Err: err}
		}
	}
	return f, nil
}

// Locate returns the metadata and dump paths for id. Both files must exist
// and pass the permission-bit readability check.
func (s *Store) Locate(id string) (metaPath string, dumpPath string, err error) {
	if !ValidID(id) {
		return "", "", ErrNotFound
	}
	for _, dir := range s.nameDirCandidates(id) {
		mp := filepath.Join(dir, id+s.cfg.JSONSuffix)
		dp := filepath.Join(dir, id+s.cfg.DumpSuffix)
		if readable(mp) && readable(dp) {
			return mp, dp, nil
		}
	}
	return "", "", ErrNotFound
}

// DumpPath returns only the dump path for id.
func (s *Store) DumpPath(id string) (string, error) {
	_, dp, err := s.Locate(id)
	return dp, err
}

// ReadRaw loads both files for id.
func (s *Store) ReadRaw(id string) (metadata, dump []byte, err error) {
	mp, dp, err := s.Locate(id)
	if err != nil {
		return nil, nil, err
	}
	if metadata, err = os.ReadFile(mp); err != nil {
		return nil, nil, &IOError{Op: "read", Path: mp, Err: err}
	}
	if dump, err = os.ReadFile(dp); err != nil {
		return nil, nil, &IOError{Op: "read", Path: dp, Err: err}
	}
	return metadata, dump, nil
}

// nameDirCandidates lists the directories that may hold id: the one computed
// from the id's encoded date first, then every day directory newest first.
func (s *Store) nameDirCandidates(id string) []string {
	var out []string
	seen := map[string]bool{}
	if day, ok := DateFromID(id); ok {
		d := s.nameDir(id, day)
		out = append(out, d)
		seen[d] = true
	}
	days, _ := s.days()
	for i := len(days) - 1; i >= 0; i-- {
		d := s.nameDir(id, days[i])
		if !seen[d] {
			out = append(out, d)
			seen[d] = true
		}
	}
	return out
}

// days returns the parsed day directories under the root, oldest first.
func (s *Store) days() ([]time.Time, error) {
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for _, e := range entries {
		if !e.IsDir() || len(e.Name()) != len(dayLayout) {
			continue
		}
		t, err := time.ParseInLocation(dayLayout, e.Name(), time.UTC)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Remove deletes both files of id, its date link if still present, and any
// name directories left empty. Missing pieces are tolerated; ErrNotFound is
// returned only when nothing at all existed.
func (s *Store) Remove(id string) error {
	if !ValidID(id) {
		return ErrNotFound
	}
	found := false
	for _, dir := range s.nameDirCandidates(id) {
		ok, err := s.removeFromNameDir(id, dir)
		if err != nil {
			return err
		}
		found = found || ok
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *Store) removeFromNameDir(id, dir string) (bool, error) {
	found := false
	for _, suffix := range []string{s.cfg.JSONSuffix, s.cfg.DumpSuffix} {
		p := filepath.Join(dir, id+suffix)
		err := os.Remove(p)
		switch {
		case err == nil:
			found = true
		case errors.Is(err, fs.ErrNotExist):
		default:
			return found, &IOError{Op: "remove", Path: p, Err: err}
		}
	}

	back := filepath.Join(dir, id)
	if target, err := os.Readlink(back); err == nil {
		found = true
		primary := filepath.Clean(filepath.Join(dir, target))
		if link, ok := s.findDateLink(id, primary); ok {
			if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return found, &IOError{Op: "remove", Path: link, Err: err}
			}
			s.pruneEmpty(filepath.Dir(link), s.cfg.Root)
		}
		if err := os.Remove(back); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return found, &IOError{Op: "remove", Path: back, Err: err}
		}
	}
	if found {
		s.pruneEmpty(dir, s.cfg.Root)
	}
	return found, nil
}

// findDateLink looks for id in the primary slot directory and then in its
// overflow siblings.
func (s *Store) findDateLink(id, primary string) (string, bool) {
	for n := 0; ; n++ {
		dir := overflowName(primary, n)
		if _, err := os.Stat(dir); err != nil {
			if n == 0 {
				continue
			}
			return "", false
		}
		p := filepath.Join(dir, id)
		if fi, err := os.Lstat(p); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return p, true
		}
	}
}

// pruneEmpty removes dir and its parents while they are empty, stopping
// before stop.
func (s *Store) pruneEmpty(dir, stop string) {
	stop = filepath.Clean(stop)
	for dir = filepath.Clean(dir); dir != stop && strings.HasPrefix(dir, stop); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}
