package gcs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestParseBucketURI(t *testing.T) {
	bucket, prefix, err := parseBucketURI("gs://images/status/cache/")
	require.NoError(t, err)
	assert.Equal(t, "images", bucket)
	assert.Equal(t, "status/cache/", prefix)

	bucket, prefix, err = parseBucketURI("gs://images")
	require.NoError(t, err)
	assert.Equal(t, "images", bucket)
	assert.Equal(t, "", prefix)
}

func TestParseBucketURIRejectsOtherSchemes(t *testing.T) {
	for _, uri := range []string{"s3://images/prefix", "gs:///prefix", "./data/", "%zz"} {
		_, _, err := parseBucketURI(uri)
		assert.Error(t, err, uri)
	}
}

func TestMissingObjectsReportNotExist(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"No such object"}}`))
	}))
	defer srv.Close()

	s := newTestStorage(t, srv.URL)
	ctx := context.Background()

	_, err := s.GetFile(ctx, "404.jpg")
	assert.True(t, errors.Is(err, os.ErrNotExist), "GetFile: %v", err)

	_, err = s.LoadMeta(ctx, "404.jpg")
	assert.True(t, errors.Is(err, os.ErrNotExist), "LoadMeta: %v", err)

	err = s.DeleteFile(ctx, "404.jpg")
	assert.True(t, errors.Is(err, os.ErrNotExist), "DeleteFile: %v", err)

	assert.GreaterOrEqual(t, requests.Load(), int32(3))
}

func TestOtherErrorsAreNotMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"Access denied"}}`))
	}))
	defer srv.Close()

	s := newTestStorage(t, srv.URL)
	ctx := context.Background()

	_, err := s.LoadMeta(ctx, "403.jpg")
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrNotExist))

	err = s.DeleteFile(ctx, "403.jpg")
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}

func newTestStorage(t *testing.T, endpoint string) *Storage {
	t.Helper()

	s, err := New(context.Background(), "gs://images/cache",
		option.WithEndpoint(endpoint),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}
