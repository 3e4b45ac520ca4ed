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
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "snapshots", Prefix: "/pages/"})
	require.NoError(t, err)
	require.Equal(t, "pages/job-1/abc.html", store.ObjectName("/job-1/abc.html"))

	bare, err := New(client, Config{Bucket: "snapshots"})
	require.NoError(t, err)
	require.Equal(t, "job-1/abc.html", bare.ObjectName("job-1/abc.html"))

	_, err = store.PutObject(context.Background(), "", "text/html", strings.NewReader(""))
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/snapshots/o")
		assert.Equal(t, "pages/job-1/abc.html", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<h1>Arroz</h1>")
		fmt.Fprintln(w, `{"name": "pages/job-1/abc.html", "bucket": "snapshots"}`)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "snapshots", Prefix: "pages"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "job-1/abc.html", "text/html", strings.NewReader("<h1>Arroz</h1>"))
	require.NoError(t, err)
	require.Equal(t, "gs://snapshots/pages/job-1/abc.html", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "snapshots"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "job-1/abc.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}
