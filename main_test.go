package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/validator.v2"

	"github.com/Luzifer/statuscache/pkg/proxy"
	"github.com/Luzifer/statuscache/pkg/storage/local"
	"github.com/Luzifer/statuscache/pkg/storage/memory"
	"github.com/Luzifer/statuscache/pkg/upstream"
)

func TestEndToEnd(t *testing.T) {
	var upstreamHits atomic.Int32
	images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		if r.URL.Path != "/200" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte{0xff, 0xd8, 0xff})
	}))
	defer images.Close()

	dir := t.TempDir()
	store, _, err := getStorage(context.Background(), dir)
	require.NoError(t, err)

	fetcher, err := upstream.New(upstream.Config{BaseURL: images.URL})
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	handler := proxy.New(proxy.Config{Storage: store, Fetcher: fetcher, Logger: logger})
	srv := httptest.NewServer(newRouter(handler))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/200")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, body)

	handler.Wait()
	_, err = os.Stat(filepath.Join(dir, "200.jpg"))
	require.NoError(t, err)

	resp, err = http.Get(srv.URL + "/999")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	handler.Wait()
	_, err = os.Stat(filepath.Join(dir, "999.jpg"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, int32(2), upstreamHits.Load())
}

func TestRouterCleansPaths(t *testing.T) {
	handler := proxy.New(proxy.Config{Storage: memory.New()})

	resp := httptest.NewRecorder()
	newRouter(handler).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/cats/../200", nil))

	assert.Equal(t, http.StatusMovedPermanently, resp.Code)
	assert.Equal(t, "/200", resp.Header().Get("Location"))
}

func TestGetStorage(t *testing.T) {
	s, closer, err := getStorage(context.Background(), memoryStorage)
	require.NoError(t, err)
	assert.IsType(t, &memory.Storage{}, s)
	assert.IsType(t, nopCloser{}, closer)
	assert.NoError(t, closer.Close())

	dir := filepath.Join(t.TempDir(), "nested", "cache")
	s, closer, err = getStorage(context.Background(), dir)
	require.NoError(t, err)
	assert.IsType(t, local.Storage{}, s)
	assert.NoError(t, closer.Close())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "write check file must be removed")
}

func TestEnsureWritableDirRejectsFiles(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	assert.Error(t, ensureWritableDir(file))
}

func TestRouterKeepsTrailingSlashKeysApart(t *testing.T) {
	router, handler := newLocalTestRouter(t)

	require.Equal(t, http.StatusCreated, serve(router, http.MethodPut, "/200", "real").Code)
	require.Equal(t, http.StatusCreated, serve(router, http.MethodPut, "/200/", "slash").Code)

	resp := serve(router, http.MethodGet, "/200", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "real", resp.Body.String())

	resp = serve(router, http.MethodGet, "/200/", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "slash", resp.Body.String())

	assert.Equal(t, http.StatusOK, serve(router, http.MethodDelete, "/200/", "").Code)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodDelete, "/200", "").Code)

	handler.Wait()
}

func TestRouterDeleteOfDirectoryIsNotFound(t *testing.T) {
	router, _ := newLocalTestRouter(t)

	require.Equal(t, http.StatusCreated, serve(router, http.MethodPut, "/x.jpg/y", "nested").Code)
	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodDelete, "/x", "").Code)

	require.Equal(t, http.StatusOK, serve(router, http.MethodDelete, "/x.jpg/y", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(router, http.MethodDelete, "/x", "").Code)
}

func newLocalTestRouter(t *testing.T) (http.Handler, *proxy.Handler) {
	t.Helper()

	store, _, err := getStorage(context.Background(), t.TempDir())
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	// Unused upstream: every key under test is cached before being read
	fetcher, err := upstream.New(upstream.Config{BaseURL: "http://127.0.0.1:1/"})
	require.NoError(t, err)

	handler := proxy.New(proxy.Config{Storage: store, Fetcher: fetcher, Logger: logger})
	return newRouter(handler), handler
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(method, path, strings.NewReader(body)))
	return resp
}

func TestConfigValidation(t *testing.T) {
	valid := cfg
	valid.LogLevel = "info"
	valid.Port = 3000
	valid.StorageDir = "./data/"
	valid.Target = "https://http.cat/"
	require.NoError(t, validator.Validate(valid))

	for name, mutate := range map[string]func(){
		"port zero":     func() { valid.Port = 0 },
		"port too high": func() { valid.Port = 65536 },
		"no storage":    func() { valid.StorageDir = "" },
		"no target":     func() { valid.Target = "" },
	} {
		orig := valid
		mutate()
		assert.Error(t, validator.Validate(valid), name)
		valid = orig
	}
}
