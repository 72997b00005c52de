// Package proxy implements the cache-aside request handler serving
// images keyed by the request path
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/statuscache/pkg/metrics"
	"github.com/Luzifer/statuscache/pkg/storage"
	"github.com/Luzifer/statuscache/pkg/upstream"
)

// AllowedMethods is advertised on requests with unsupported methods
const AllowedMethods = "GET, PUT, DELETE"

var errMissingKey = errors.New("missing key")

type (
	// Config carries the collaborators of the Handler
	Config struct {
		Storage storage.Storage
		Fetcher upstream.Fetcher
		Logger  logrus.FieldLogger

		// WriteBackResults receives the outcome of every write-back
		// started after an upstream fetch. Sends never block: results
		// are dropped when the channel is not ready.
		WriteBackResults chan<- WriteBackResult
	}

	// Handler serves GET, PUT and DELETE requests against the cache
	Handler struct {
		fetcher upstream.Fetcher
		log     logrus.FieldLogger
		results chan<- WriteBackResult
		store   storage.Storage

		pending sync.WaitGroup
	}

	// WriteBackResult reports the outcome of storing a fetched image
	WriteBackResult struct {
		Key string
		Err error
	}
)

// New creates a Handler from the given config
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Handler{
		fetcher: cfg.Fetcher,
		log:     logger,
		results: cfg.WriteBackResults,
		store:   cfg.Storage,
	}
}

// ServeHTTP implements the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kind := kindFromMethod(r.Method)

	m := httpsnoop.CaptureMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.handle(w, r, kind)
	}), w, r)

	metrics.IncRequestsTotal(kind.String(), m.Code)
}

// Wait blocks until all running write-backs have finished
func (h *Handler) Wait() { h.pending.Wait() }

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, kind requestKind) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	logger := h.log.WithFields(logrus.Fields{
		"method":     r.Method,
		"request_id": requestID,
	})

	if kind == kindUnsupported {
		logger.Debug("Rejected unsupported method")
		w.Header().Set("Allow", AllowedMethods)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key, err := keyFromPath(r.URL.Path)
	if err != nil {
		logger.Debug("Rejected request without key")
		http.Error(w, "Missing key", http.StatusBadRequest)
		return
	}

	logger = logger.WithField("key", key)
	logger.Debug("Received request")

	switch kind {
	case kindRead:
		h.handleRead(w, r, key, logger)
	case kindWrite:
		h.handleWrite(w, r, key, logger)
	case kindDelete:
		h.handleDelete(w, r, key, logger)
	}
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, key string, logger logrus.FieldLogger) {
	cachePath := storage.KeyToCachePath(key)

	f, err := h.store.GetFile(r.Context(), cachePath)
	switch {
	case err == nil:
		// Cache hit

	case errors.Is(err, os.ErrNotExist):
		metrics.IncCacheLookups(metrics.LookupMiss)
		h.handleMiss(w, r, key, logger)
		return

	default:
		metrics.IncCacheLookups(metrics.LookupError)
		logger.WithError(err).Error("Unable to load cached file")
		http.Error(w, "Unable to access cache entry", http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.WithError(err).Error("closing cached file (leaked fd)")
		}
	}()

	metrics.IncCacheLookups(metrics.LookupHit)
	serveImage(w, r, h.loadMeta(r.Context(), cachePath, logger), f, "HIT")
}

func (h *Handler) handleMiss(w http.ResponseWriter, r *http.Request, key string, logger logrus.FieldLogger) {
	logger.Debug("Fetching from upstream")

	res, err := h.fetcher.Fetch(r.Context(), key)
	metrics.IncUpstreamFetches(err)
	if err != nil {
		logger.WithError(err).Warn("Unable to fetch from upstream")
		http.Error(w, upstreamFailureMessage(key, err), http.StatusNotFound)
		return
	}

	metadata := storage.Meta{
		ContentType:  imageContentType(res.ContentType),
		LastCached:   time.Now(),
		LastModified: res.LastModified,
	}

	h.writeBack(context.WithoutCancel(r.Context()), key, metadata, res.Data, logger)

	serveImage(w, r, metadata, bytes.NewReader(res.Data), "MISS")
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request, key string, logger logrus.FieldLogger) {
	metadata := &storage.Meta{
		ContentType:  imageContentType(r.Header.Get("Content-Type")),
		LastModified: time.Now(),
	}

	if err := h.store.StoreFile(r.Context(), storage.KeyToCachePath(key), metadata, r.Body); err != nil {
		logger.WithError(err).Error("Unable to store uploaded image")
		http.Error(w, "Unable to store image", http.StatusInternalServerError)
		return
	}

	logger.Info("Stored uploaded image")
	respondText(w, http.StatusCreated, "Image for key %q stored", key)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, key string, logger logrus.FieldLogger) {
	err := h.store.DeleteFile(r.Context(), storage.KeyToCachePath(key))
	switch {
	case err == nil:
		logger.Info("Deleted cached image")
		respondText(w, http.StatusOK, "Image for key %q deleted", key)

	case errors.Is(err, os.ErrNotExist):
		http.Error(w, fmt.Sprintf("No cached image for key %q", key), http.StatusNotFound)

	default:
		logger.WithError(err).Error("Unable to delete cached image")
		http.Error(w, "Unable to delete image", http.StatusInternalServerError)
	}
}

// loadMeta never fails: blobs placed without metadata are served
// with defaults
func (h *Handler) loadMeta(ctx context.Context, cachePath string, logger logrus.FieldLogger) storage.Meta {
	m, err := h.store.LoadMeta(ctx, cachePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.WithError(err).Warn("Unable to load meta, using defaults")
		}
		return storage.Meta{ContentType: storage.DefaultContentType}
	}

	m.ContentType = imageContentType(m.ContentType)
	return *m
}

// writeBack stores the fetched data in the background. The response
// never waits for it and never fails because of it.
func (h *Handler) writeBack(ctx context.Context, key string, metadata storage.Meta, data []byte, logger logrus.FieldLogger) {
	h.pending.Add(1)
	go func() {
		defer h.pending.Done()

		err := h.store.StoreFile(ctx, storage.KeyToCachePath(key), &metadata, bytes.NewReader(data))
		if err != nil {
			metrics.IncWriteBackFailures()
			logger.WithError(err).Error("Unable to write back fetched image")
		} else {
			logger.Debug("Wrote back fetched image")
		}

		if h.results == nil {
			return
		}

		select {
		case h.results <- WriteBackResult{Key: key, Err: err}:
		default:
			logger.Debug("Dropped write-back result")
		}
	}()
}

func imageContentType(contentType string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/") {
		return contentType
	}
	return storage.DefaultContentType
}

func keyFromPath(p string) (string, error) {
	key := strings.TrimPrefix(p, "/")
	if key == "" {
		return "", errMissingKey
	}
	return key, nil
}

func respondText(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprintf(w, format+"\n", args...) //nolint:errcheck // Client may have gone away
}

func serveImage(w http.ResponseWriter, r *http.Request, metadata storage.Meta, content io.ReadSeeker, cacheHeader string) {
	w.Header().Set("Content-Type", metadata.ContentType)
	w.Header().Set("X-Cache", cacheHeader)
	if !metadata.LastCached.IsZero() {
		w.Header().Set("X-Last-Cached", metadata.LastCached.UTC().Format(http.TimeFormat))
	}

	http.ServeContent(w, r, "", metadata.LastModified, content)
}

func upstreamFailureMessage(key string, err error) string {
	var serr upstream.StatusError
	if errors.As(err, &serr) {
		return fmt.Sprintf("Image not found for key %q: upstream returned status %d", key, serr.StatusCode)
	}
	return fmt.Sprintf("Image not found for key %q: upstream unavailable", key)
}
