package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crashmover/crashstore"
)

// FSBackend keeps raw crashes in a crashstore.Store and processed records as
// JSON files under a second radix tree.
type FSBackend struct {
	raw           *crashstore.Store
	processedRoot string
}

func NewFSBackend(raw *crashstore.Store, processedRoot string) (*FSBackend, error) {
	if raw == nil {
		return nil, fmt.Errorf("storage: raw store is required")
	}
	if strings.TrimSpace(processedRoot) == "" {
		processedRoot = filepath.Join(raw.Root(), "processed")
	}
	if err := os.MkdirAll(processedRoot, 0o770); err != nil {
		return nil, fmt.Errorf("storage: create processed root: %w", err)
	}
	return &FSBackend{raw: raw, processedRoot: processedRoot}, nil
}

func (b *FSBackend) Name() string { return "filesystem" }

func (b *FSBackend) Store() *crashstore.Store { return b.raw }

func (b *FSBackend) SaveRaw(_ context.Context, id string, metadata, dump []byte, ts time.Time) error {
	return b.raw.PutRaw(id, metadata, dump, ts)
}

func (b *FSBackend) FetchMetadata(_ context.Context, id string) ([]byte, error) {
	mp, _, err := b.raw.Locate(id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	return os.ReadFile(mp)
}

func (b *FSBackend) FetchDump(_ context.Context, id string) ([]byte, error) {
	_, dp, err := b.raw.Locate(id)
	if err != nil {
		return nil, translateNotFound(err)
	}
	return os.ReadFile(dp)
}

func (b *FSBackend) DumpPath(_ context.Context, id string) (string, error) {
	p, err := b.raw.DumpPath(id)
	return p, translateNotFound(err)
}

func (b *FSBackend) Exists(_ context.Context, id string) (bool, error) {
	_, _, err := b.raw.Locate(id)
	if errors.Is(err, crashstore.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *FSBackend) Delete(_ context.Context, id string) error {
	rawErr := b.raw.Remove(id)
	procErr := os.Remove(b.processedPath(id))
	switch {
	case rawErr == nil:
		return nil
	case errors.Is(rawErr, crashstore.ErrNotFound) && procErr == nil:
		return nil
	default:
		return translateNotFound(rawErr)
	}
}

func (b *FSBackend) processedPath(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) < 4 {
		return filepath.Join(b.processedRoot, id+".json")
	}
	return filepath.Join(b.processedRoot, compact[0:2], compact[2:4], id+".json")
}

// SaveProcessed writes the record atomically: readers see the old record or
// the new one, never a partial file.
func (b *FSBackend) SaveProcessed(_ context.Context, id string, record []byte) error {
	if !crashstore.ValidID(id) {
		return crashstore.ErrInvalidID
	}
	dst := b.processedPath(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o770); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+id+".*.tmp")
	if err != nil {
		return err
	}
	_, werr := tmp.Write(record)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return werr
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (b *FSBackend) FetchProcessed(_ context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(b.processedPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *FSBackend) Walk(ctx context.Context, fn func(id string) error) error {
	return b.raw.WalkNames(ctx, fn)
}

func (b *FSBackend) Close() error { return nil }

func translateNotFound(err error) error {
	if errors.Is(err, crashstore.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
