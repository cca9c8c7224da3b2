package gcs

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagefleet/internal/crawler"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	_, err = NewMirror(nil, "")
	require.Error(t, err)
}

func TestMirrorUploadsBatch(t *testing.T) {
	t.Parallel()

	store := &fakeBlobStore{}
	mirror, err := NewMirror(store, "/runs/42/")
	require.NoError(t, err)

	batch := crawler.ResultBatch{
		JobID:       "job-7",
		Destination: "/out/job-7.json",
		Records:     []crawler.ArtifactRecord{{URL: "https://a/", StatusCode: crawler.LabelStatus(crawler.StatusTimeout)}},
	}
	require.NoError(t, mirror.WriteBatch(context.Background(), batch))

	assert.Equal(t, "runs/42/job-7.json", store.path)
	assert.Equal(t, "application/json", store.contentType)
	want, err := crawler.EncodeRecords(batch.Records)
	require.NoError(t, err)
	assert.Equal(t, want, store.data)
}

func TestMirrorWithoutPrefix(t *testing.T) {
	t.Parallel()

	store := &fakeBlobStore{}
	mirror, err := NewMirror(store, "")
	require.NoError(t, err)
	require.NoError(t, mirror.WriteBatch(context.Background(), crawler.ResultBatch{JobID: "j"}))
	assert.Equal(t, "j.json", store.path)

	require.Error(t, mirror.WriteBatch(context.Background(), crawler.ResultBatch{}))
}

func TestMirrorPropagatesStoreError(t *testing.T) {
	t.Parallel()

	mirror, err := NewMirror(&fakeBlobStore{err: errors.New("denied")}, "p")
	require.NoError(t, err)
	err = mirror.WriteBatch(context.Background(), crawler.ResultBatch{JobID: "j"})
	require.ErrorContains(t, err, "denied")
}

// --- fakes ---

type fakeBlobStore struct {
	path        string
	contentType string
	data        []byte
	err         error
}

func (f *fakeBlobStore) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.path, f.contentType, f.data = path, contentType, data
	return "mem://" + path, nil
}
