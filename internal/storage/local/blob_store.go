// Package local implements filesystem persistence: a blob store for page
// documents and exports, plus atomic JSON files for queues and checkpoints.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// Config points the blob store at the crawler data directory.
type Config struct {
	BaseDir string
}

// BlobStore keeps documents under BaseDir, e.g. pages/<job>/<hash>.json and
// exports/<job>_pages.csv.
type BlobStore struct {
	root string
}

// New creates BaseDir if needed and checks that it accepts writes.
func New(cfg Config) (*BlobStore, error) {
	dir := strings.TrimSpace(cfg.BaseDir)
	if dir == "" {
		return nil, errors.New("local blob store: base directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, crawler.StorageError("create blob directory", err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return nil, crawler.StorageError("blob directory not writable", err)
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return nil, crawler.StorageError("close probe", err)
	}
	if err := os.Remove(name); err != nil {
		return nil, crawler.StorageError("remove probe", err)
	}
	return &BlobStore{root: filepath.Clean(dir)}, nil
}

// PutObject atomically replaces the file at path and returns its file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if err := WriteFileAtomic(full, body); err != nil {
		return "", err
	}
	return fileURI(full), nil
}

// OpenObject opens the file at path for reading.
func (s *BlobStore) OpenObject(_ context.Context, path string) (io.ReadCloser, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full) // #nosec G304 -- resolve keeps full under root.
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, crawler.ErrObjectNotFound)
	}
	if err != nil {
		return nil, crawler.StorageError("open blob", err)
	}
	return f, nil
}

// resolve maps a slash-separated blob path to a file under root, rejecting
// anything that would land outside it.
func (s *BlobStore) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("blob path is required")
	}
	full := filepath.Join(s.root, filepath.FromSlash(path))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("blob path %q escapes %s", path, s.root)
	}
	return full, nil
}

func fileURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file://" + filepath.ToSlash(path)
}
