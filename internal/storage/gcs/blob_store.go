// Package gcs stores page documents and exports in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// Config selects the bucket and an optional object prefix shared by every
// job, e.g. "campus" gives gs://bucket/campus/pages/<job>/<hash>.json.
type Config struct {
	Bucket string
	Prefix string
}

// BlobStore reads and writes objects in one bucket.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
	prefix string
}

// New wraps client. The bucket is not checked until the first write.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("gcs blob store: client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs blob store: bucket is required")
	}
	return &BlobStore{
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutObject uploads data and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, name string, contentType string, data io.Reader) (string, error) {
	key, err := s.key(name)
	if err != nil {
		return "", err
	}
	w := s.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return "", crawler.StorageError("upload "+key, err)
	}
	if err := w.Close(); err != nil {
		return "", crawler.StorageError("finalize "+key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.name, key), nil
}

// OpenObject streams an object back.
func (s *BlobStore) OpenObject(ctx context.Context, name string) (io.ReadCloser, error) {
	key, err := s.key(name)
	if err != nil {
		return nil, err
	}
	r, err := s.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("gs://%s/%s: %w", s.name, key, crawler.ErrObjectNotFound)
	}
	if err != nil {
		return nil, crawler.StorageError("open "+key, err)
	}
	return r, nil
}

func (s *BlobStore) key(name string) (string, error) {
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	if name == "" {
		return "", errors.New("object name is required")
	}
	if s.prefix == "" {
		return name, nil
	}
	return path.Join(s.prefix, name), nil
}
