package crashstore

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

var errStopWalk = errors.New("crashstore: stop walk")

type dateLink struct {
	ID     string
	Path   string
	Target string
	Bucket time.Time
}

type slotRef struct {
	dir    string
	bucket time.Time
	minute int
	n      int
}

// WalkByDateDestructive visits every date link in arrival order. Each link is
// removed before fn sees its id, and slot, hour and date directories are
// removed once they become empty. Name data is never touched. Stopping early
// (fn error or cancelled ctx) leaves the remaining links in place, so a later
// walk picks up where this one ended.
func (s *Store) WalkByDateDestructive(ctx context.Context, fn func(id string) error) error {
	days, err := s.days()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &IOError{Op: "readdir", Path: s.cfg.Root, Err: err}
	}
	for _, day := range days {
		err := s.walkDay(ctx, day, func(l dateLink) error {
			if err := os.Remove(l.Path); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					// another walker consumed it first
					return nil
				}
				return &IOError{Op: "remove", Path: l.Path, Err: err}
			}
			if !s.wellFormed(l) {
				s.log.Warn("skipping malformed date link", "link", l.Path, "target", l.Target)
				return nil
			}
			return fn(l.ID)
		}, true)
		if err != nil {
			return err
		}
	}
	return nil
}

// DateWalk is WalkByDateDestructive as an iterator. Walk errors end the
// sequence and are logged.
func (s *Store) DateWalk(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		err := s.WalkByDateDestructive(ctx, func(id string) error {
			if !yield(id) {
				return errStopWalk
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopWalk) && !errors.Is(err, context.Canceled) {
			s.log.Error("date walk failed", "error", err)
		}
	}
}

// Walk visits every date link in arrival order without removing anything.
func (s *Store) Walk(ctx context.Context, fn func(id string, bucket time.Time) error) error {
	days, err := s.days()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &IOError{Op: "readdir", Path: s.cfg.Root, Err: err}
	}
	for _, day := range days {
		err := s.walkDay(ctx, day, func(l dateLink) error {
			if !s.wellFormed(l) {
				s.log.Warn("skipping malformed date link", "link", l.Path, "target", l.Target)
				return nil
			}
			return fn(l.ID, l.Bucket)
		}, false)
		if err != nil {
			return err
		}
	}
	return nil
}

// RemoveOlderThan deletes every entry whose date bucket is strictly before
// cutoff, name data included. Entries at or after cutoff are left alone.
// It returns the number of entries removed.
func (s *Store) RemoveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	cutoff = cutoff.UTC()
	days, err := s.days()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, &IOError{Op: "readdir", Path: s.cfg.Root, Err: err}
	}
	removed := 0
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !day.Before(cutoff) {
			break
		}
		dir := s.dayDir(day)
		if !day.Add(24 * time.Hour).After(cutoff) {
			// the whole day is older than cutoff
			n := s.countNameEntries(dir)
			if err := os.RemoveAll(dir); err != nil {
				return removed, &IOError{Op: "removeall", Path: dir, Err: err}
			}
			s.log.Info("removed expired day", "day", day.Format(dayLayout), "entries", n)
			removed += n
			continue
		}
		err := s.walkDay(ctx, day, func(l dateLink) error {
			if !l.Bucket.Before(cutoff) {
				return nil
			}
			if s.wellFormed(l) {
				if _, err := s.removeFromNameDir(l.ID, filepath.Join(filepath.Dir(l.Path), l.Target)); err != nil {
					return err
				}
			}
			if err := os.Remove(l.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return &IOError{Op: "remove", Path: l.Path, Err: err}
			}
			removed++
			return nil
		}, true)
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *Store) countNameEntries(dayDir string) int {
	n := 0
	_ = filepath.WalkDir(filepath.Join(dayDir, s.cfg.IndexName), func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(d.Name(), s.cfg.JSONSuffix) {
			n++
		}
		return nil
	})
	return n
}

// walkDay calls fn for every symlink in the date tree of day, slots in time
// order. With prune set, slot/hour/date directories left empty are removed.
func (s *Store) walkDay(ctx context.Context, day time.Time, fn func(dateLink) error, prune bool) error {
	dayDir := s.dayDir(day)
	dateDir := filepath.Join(dayDir, s.cfg.DateName)
	slots, err := s.slots(day, dateDir)
	if err != nil {
		return err
	}
	for _, slot := range slots {
		entries, err := os.ReadDir(slot.dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return &IOError{Op: "readdir", Path: slot.dir, Err: err}
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if e.Type()&fs.ModeSymlink == 0 {
				continue
			}
			p := filepath.Join(slot.dir, e.Name())
			target, err := os.Readlink(p)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				target = ""
			}
			if err := fn(dateLink{ID: e.Name(), Path: p, Target: target, Bucket: slot.bucket}); err != nil {
				return err
			}
		}
		if prune {
			s.pruneEmpty(slot.dir, dayDir)
		}
	}
	return nil
}

// slots lists hour/slot directories below dateDir in time order, overflow
// siblings right after their primary.
func (s *Store) slots(day time.Time, dateDir string) ([]slotRef, error) {
	hours, err := os.ReadDir(dateDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &IOError{Op: "readdir", Path: dateDir, Err: err}
	}
	var out []slotRef
	for _, h := range hours {
		hour, err := strconv.Atoi(h.Name())
		if err != nil || !h.IsDir() || hour < 0 || hour > 23 {
			continue
		}
		hourDir := filepath.Join(dateDir, h.Name())
		entries, err := os.ReadDir(hourDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			minute, n, ok := parseSlotName(e.Name())
			if !ok {
				continue
			}
			out = append(out, slotRef{
				dir:    filepath.Join(hourDir, e.Name()),
				bucket: day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute),
				minute: minute,
				n:      n,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].bucket.Equal(out[j].bucket) {
			return out[i].bucket.Before(out[j].bucket)
		}
		return out[i].n < out[j].n
	})
	return out, nil
}

func parseSlotName(name string) (minute, n int, ok bool) {
	base, suffix, hasSuffix := strings.Cut(name, "_")
	minute, err := strconv.Atoi(base)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	if hasSuffix {
		n, err = strconv.Atoi(suffix)
		if err != nil || n < 1 {
			return 0, 0, false
		}
	}
	return minute, n, true
}

// wellFormed reports whether a date link points at a name directory inside
// this store.
func (s *Store) wellFormed(l dateLink) bool {
	if l.Target == "" || filepath.IsAbs(l.Target) || !ValidID(l.ID) {
		return false
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(l.Path), l.Target))
	root := filepath.Clean(s.cfg.Root) + string(filepath.Separator)
	if !strings.HasPrefix(resolved, root) {
		return false
	}
	rel := strings.TrimPrefix(resolved, root)
	parts := strings.Split(rel, string(filepath.Separator))
	return len(parts) >= 2 && parts[1] == s.cfg.IndexName
}

// WalkNames visits every id that has a metadata file in the name index,
// oldest day first, whether or not its date link was already consumed.
func (s *Store) WalkNames(ctx context.Context, fn func(id string) error) error {
	days, err := s.days()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &IOError{Op: "readdir", Path: s.cfg.Root, Err: err}
	}
	for _, day := range days {
		root := filepath.Join(s.dayDir(day), s.cfg.IndexName)
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), s.cfg.JSONSuffix) {
				return nil
			}
			id := strings.TrimSuffix(d.Name(), s.cfg.JSONSuffix)
			if !ValidID(id) {
				return nil
			}
			return fn(id)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
