package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"crashmover/crashstore"
)

const (
	gcsRawPrefix       = "v1/raw_crash/"
	gcsDumpPrefix      = "v1/dump/"
	gcsProcessedPrefix = "v1/processed_crash/"
	gcsUndated         = "undated"
)

type GCSConfig struct {
	Bucket string
	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string
	// Endpoint overrides the API endpoint, e.g. for an emulator.
	Endpoint string
}

// GCSBackend keeps crashes as objects in a Cloud Storage bucket. The client
// is safe for concurrent use; share one backend through Static.
type GCSBackend struct {
	client *gcs.Client
	bucket string
	owned  bool
}

func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("storage: service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create gcs client: %w", err)
	}
	return &GCSBackend{client: client, bucket: cfg.Bucket, owned: true}, nil
}

// NewGCSBackendWithClient wraps an existing client. Close leaves it open.
func NewGCSBackendWithClient(client *gcs.Client, bucket string) *GCSBackend {
	return &GCSBackend{client: client, bucket: bucket}
}

func (b *GCSBackend) Name() string { return "gcs" }

// rawObject names the metadata object. The day comes from the id so the key
// can be rebuilt from the id alone.
func rawObject(id string) string {
	day := gcsUndated
	if t, ok := crashstore.DateFromID(id); ok {
		day = t.Format("20060102")
	}
	return gcsRawPrefix + day + "/" + id
}

func dumpObject(id string) string      { return gcsDumpPrefix + id }
func processedObject(id string) string { return gcsProcessedPrefix + id }

func (b *GCSBackend) write(ctx context.Context, name, contentType string, data []byte) error {
	w := b.client.Bucket(b.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: write gs://%s/%s: %w", b.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: close gcs writer for %s: %w", name, err)
	}
	return nil
}

func (b *GCSBackend) read(ctx context.Context, name string) ([]byte, error) {
	r, err := b.client.Bucket(b.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read gs://%s/%s: %w", b.bucket, name, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// SaveRaw writes the dump before the metadata, so a metadata object always
// has its dump.
func (b *GCSBackend) SaveRaw(ctx context.Context, id string, metadata, dump []byte, _ time.Time) error {
	if err := b.write(ctx, dumpObject(id), "application/octet-stream", dump); err != nil {
		return err
	}
	return b.write(ctx, rawObject(id), "application/json", metadata)
}

func (b *GCSBackend) FetchMetadata(ctx context.Context, id string) ([]byte, error) {
	return b.read(ctx, rawObject(id))
}

func (b *GCSBackend) FetchDump(ctx context.Context, id string) ([]byte, error) {
	return b.read(ctx, dumpObject(id))
}

func (b *GCSBackend) FetchProcessed(ctx context.Context, id string) ([]byte, error) {
	return b.read(ctx, processedObject(id))
}

func (b *GCSBackend) SaveProcessed(ctx context.Context, id string, record []byte) error {
	return b.write(ctx, processedObject(id), "application/json", record)
}

func (b *GCSBackend) Exists(ctx context.Context, id string) (bool, error) {
	_, err := b.client.Bucket(b.bucket).Object(rawObject(id)).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (b *GCSBackend) Delete(ctx context.Context, id string) error {
	found := false
	for _, name := range []string{rawObject(id), dumpObject(id), processedObject(id)} {
		err := b.client.Bucket(b.bucket).Object(name).Delete(ctx)
		switch {
		case err == nil:
			found = true
		case errors.Is(err, gcs.ErrObjectNotExist):
		default:
			return fmt.Errorf("storage: delete gs://%s/%s: %w", b.bucket, name, err)
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// Walk lists raw crash objects, oldest day first.
func (b *GCSBackend) Walk(ctx context.Context, fn func(id string) error) error {
	it := b.client.Bucket(b.bucket).Objects(ctx, &gcs.Query{Prefix: gcsRawPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage: list gs://%s/%s: %w", b.bucket, gcsRawPrefix, err)
		}
		id := attrs.Name[strings.LastIndex(attrs.Name, "/")+1:]
		if id == "" {
			continue
		}
		if err := fn(id); err != nil {
			return err
		}
	}
}

func (b *GCSBackend) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}
