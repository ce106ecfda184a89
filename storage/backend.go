// Package storage puts crash storage backends behind one capability
// interface and pools sessions to a primary backend with automatic fallback
// to a secondary one.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Backend stores raw crashes (metadata + dump) and processed records.
type Backend interface {
	Name() string

	SaveRaw(ctx context.Context, id string, metadata, dump []byte, ts time.Time) error
	FetchMetadata(ctx context.Context, id string) ([]byte, error)
	FetchDump(ctx context.Context, id string) ([]byte, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error

	SaveProcessed(ctx context.Context, id string, record []byte) error
	FetchProcessed(ctx context.Context, id string) ([]byte, error)

	Close() error
}

// DumpPather is implemented by backends whose dumps already live in a local
// file, so the analyzer can read them in place.
type DumpPather interface {
	DumpPath(ctx context.Context, id string) (string, error)
}

// Lister is implemented by backends that can enumerate the raw crashes they
// hold, in arrival order.
type Lister interface {
	Walk(ctx context.Context, fn func(id string) error) error
}

// Factory opens a new session to a backend. Pools call it once per idle slot.
type Factory func(ctx context.Context) (Backend, error)

// Static returns a Factory that always hands out b. Use it for backends that
// are already safe for concurrent use.
func Static(b Backend) Factory {
	return func(context.Context) (Backend, error) { return sharedBackend{b}, nil }
}

// sharedBackend keeps Pool from closing a backend owned by somebody else.
type sharedBackend struct{ Backend }

func (sharedBackend) Close() error { return nil }

func (s sharedBackend) Unwrap() Backend { return s.Backend }

// As reports whether b, or the backend it wraps, implements T.
func As[T any](b Backend) (T, bool) {
	for b != nil {
		if t, ok := b.(T); ok {
			return t, true
		}
		u, ok := b.(interface{ Unwrap() Backend })
		if !ok {
			break
		}
		b = u.Unwrap()
	}
	var zero T
	return zero, false
}
