package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/crawl-bucket/o")
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `{"url":"https://example.edu/"}`)
		assert.Contains(t, string(body), "campus/pages/job-1/abc.json")
		fmt.Fprintln(w, `{"name":"campus/pages/job-1/abc.json","bucket":"crawl-bucket"}`)
	})
	store := newTestStore(t, handler, Config{Bucket: "crawl-bucket", Prefix: "/campus/"})

	uri, err := store.PutObject(context.Background(), "/pages/job-1/abc.json", "application/json",
		strings.NewReader(`{"url":"https://example.edu/"}`))
	require.NoError(t, err)
	assert.Equal(t, "gs://crawl-bucket/campus/pages/job-1/abc.json", uri)
}

func TestPutObjectServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler, Config{Bucket: "crawl-bucket"})

	_, err := store.PutObject(context.Background(), "exports/job-1_pages.csv", "text/csv", strings.NewReader("a,b"))
	require.ErrorIs(t, err, crawler.ErrStorage)
	_, err = store.PutObject(context.Background(), "  ", "", strings.NewReader(""))
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestOpenObject(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "job-1_pages.csv") {
			w.Header().Set("Content-Type", "text/csv")
			fmt.Fprint(w, "url,status\n")
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	store := newTestStore(t, handler, Config{Bucket: "crawl-bucket", Prefix: "campus"})

	rc, err := store.OpenObject(context.Background(), "exports/job-1_pages.csv")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "url,status\n", string(body))

	_, err = store.OpenObject(context.Background(), "exports/job-2_pages.csv")
	require.ErrorIs(t, err, crawler.ErrObjectNotFound)
}
