// Package local writes result batches to the local filesystem.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/pagefleet/internal/crawler"
)

// Sink writes each batch as an indented JSON file at its destination.
type Sink struct{}

// New creates a filesystem sink.
func New() *Sink {
	return &Sink{}
}

// WriteBatch writes batch.Records to batch.Destination, replacing any previous
// file. Parent directories are created as needed.
func (s *Sink) WriteBatch(_ context.Context, batch crawler.ResultBatch) error {
	if strings.TrimSpace(batch.Destination) == "" {
		return fmt.Errorf("destination is required")
	}
	data, err := crawler.EncodeRecords(batch.Records)
	if err != nil {
		return err
	}

	dir := filepath.Dir(batch.Destination)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Write beside the destination and rename so readers never see a torn file.
	tmp, err := os.CreateTemp(dir, ".batch-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), batch.Destination); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}
