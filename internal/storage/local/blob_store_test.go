package local_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/storage/local"
)

func newStore(t *testing.T) (*local.BlobStore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	return store, dir
}

func TestNewCreatesDataDir(t *testing.T) {
	t.Parallel()
	_, dir := newStore(t)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file is removed")
}

func TestNewRejectsBadBaseDir(t *testing.T) {
	t.Parallel()
	_, err := local.New(local.Config{BaseDir: "  "})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain-file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = local.New(local.Config{BaseDir: file})
	require.ErrorIs(t, err, crawler.ErrStorage)
}

func TestPutObjectWritesDocument(t *testing.T) {
	t.Parallel()
	store, dir := newStore(t)
	ctx := context.Background()
	path := "pages/job-1/3f2a.json"

	uri, err := store.PutObject(ctx, path, "application/json", strings.NewReader(`{"url":"https://example.edu/"}`))
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(dir, "pages", "job-1", "3f2a.json")), uri)

	_, err = store.PutObject(ctx, path, "application/json", strings.NewReader(`{"url":"https://example.edu/v2"}`))
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dir, "pages", "job-1", "3f2a.json")) // #nosec G304 -- temp dir.
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://example.edu/v2"}`, string(got))
}

func TestOpenObjectRoundTrip(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	ctx := context.Background()
	_, err := store.PutObject(ctx, "exports/job-1_pages.csv", "text/csv", bytes.NewReader([]byte("url,status\n")))
	require.NoError(t, err)

	rc, err := store.OpenObject(ctx, "exports/job-1_pages.csv")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "url,status\n", string(body))

	_, err = store.OpenObject(ctx, "exports/job-9_pages.csv")
	require.ErrorIs(t, err, crawler.ErrObjectNotFound)
}

func TestPathsMustStayUnderRoot(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	ctx := context.Background()
	for _, path := range []string{"", "../escape.txt", "pages/../../escape.txt", "."} {
		_, err := store.PutObject(ctx, path, "text/plain", strings.NewReader("x"))
		assert.Error(t, err, path)
		_, err = store.OpenObject(ctx, path)
		assert.Error(t, err, path)
	}
}
