// Package gcs mirrors result batches into Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/JakeFAU/pagefleet/internal/crawler"
)

// Config captures the parameters required to mirror into GCS.
type Config struct {
	Bucket string
}

// BlobStore writes objects to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Dial creates a storage client and fails fast when the bucket is not
// reachable with the ambient credentials.
func Dial(ctx context.Context, cfg Config, opts ...option.ClientOption) (*BlobStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("get GCS bucket %q attributes: %w", cfg.Bucket, err)
	}
	store, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the storage client.
func (s *BlobStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close GCS client: %w", err)
	}
	return nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// Mirror is a result sink that copies each batch file into a blob store under
// <prefix>/<job id>.json.
type Mirror struct {
	store  crawler.BlobStore
	prefix string
}

// NewMirror wraps store as a result sink.
func NewMirror(store crawler.BlobStore, prefix string) (*Mirror, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	return &Mirror{store: store, prefix: strings.Trim(prefix, "/")}, nil
}

// WriteBatch uploads the encoded batch.
func (m *Mirror) WriteBatch(ctx context.Context, batch crawler.ResultBatch) error {
	if batch.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	data, err := crawler.EncodeRecords(batch.Records)
	if err != nil {
		return err
	}
	if _, err := m.store.PutObject(ctx, m.objectName(batch), "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("mirror batch %s: %w", batch.JobID, err)
	}
	return nil
}

func (m *Mirror) objectName(batch crawler.ResultBatch) string {
	name := batch.JobID + ".json"
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}
