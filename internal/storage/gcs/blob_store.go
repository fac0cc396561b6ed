// Package gcs stores page snapshots and run exports in a Google Cloud
// Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/localscope/prospector/internal/crawl"
)

// Config names the bucket snapshots upload to.
type Config struct {
	Bucket string
}

// BlobStore uploads snapshot and export objects to one GCS bucket. Missing
// objects read back as crawl.ErrNotFound, matching the local store.
type BlobStore struct {
	client *storage.Client
	bucket string
}

var _ crawl.BlobStore = (*BlobStore)(nil)

// New wraps an existing client. The caller owns client credentials; Close
// releases the client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// PutObject uploads data under path and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}

	// Snapshots are small, so the whole object goes out in a single request
	// at Close. That also means Close, not Write, carries the upload error.
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType
	w.ChunkSize = 0

	_, werr := w.Write(data)
	cerr := w.Close()
	switch {
	case werr != nil:
		return "", fmt.Errorf("upload %q: %w", path, werr)
	case cerr != nil:
		return "", fmt.Errorf("upload %q: %w", path, cerr)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// GetObject downloads the object stored under path.
func (s *BlobStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("path is required")
	}
	r, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, crawl.ErrNotFound
		}
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	return data, nil
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	return s.client.Close()
}
