package crawler

import (
	"context"
	"io"
	"time"
)

// ResultSink persists a completed result batch.
type ResultSink interface {
	WriteBatch(ctx context.Context, batch ResultBatch) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Notifier announces a persisted batch to downstream consumers.
type Notifier interface {
	Notify(ctx context.Context, batch ResultBatch) error
}

// Hasher computes digests for content-addressed artifact names.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashFile(path string) (string, error)
}

// Clock reads the time for run and job timing.
type Clock interface {
	Now() time.Time
	Since(start time.Time) time.Duration
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
