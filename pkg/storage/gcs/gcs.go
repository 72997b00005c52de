// Package gcs implements a storage backend saving files in GCS
package gcs

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/Luzifer/statuscache/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

const (
	gcsMetaLastCached   = "x-statuscache-last-cached"
	gcsMetaLastModified = "x-statuscache-last-modified"
)

type nopSeekCloser struct {
	io.ReadSeeker
}

func (nopSeekCloser) Close() error { return nil }

// Storage implements the storage.Storage interface for GCS storage
type Storage struct {
	bucket string
	client *gcs.Client
	prefix string
}

// New returns a new GCS storage backend, opts are passed to the GCS client
func New(ctx context.Context, bucketURI string, opts ...option.ClientOption) (*Storage, error) {
	bucket, prefix, err := parseBucketURI(bucketURI)
	if err != nil {
		return nil, err
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create GCS client")
	}

	return &Storage{
		bucket: bucket,
		client: client,
		prefix: prefix,
	}, nil
}

// Close releases the underlying GCS client
func (s *Storage) Close() error {
	return errors.Wrap(s.client.Close(), "close GCS client")
}

// DeleteFile implements the storage.Storage DeleteFile method
func (s Storage) DeleteFile(ctx context.Context, cachePath string) error {
	err := s.object(cachePath).Delete(ctx)
	switch {
	case err == nil:
		return nil

	case errors.Is(err, gcs.ErrObjectNotExist):
		return os.ErrNotExist

	default:
		return errors.Wrap(err, "delete object")
	}
}

// GetFile implements the storage.Storage GetFile method
func (s Storage) GetFile(ctx context.Context, cachePath string) (io.ReadSeekCloser, error) {
	objHdl := s.object(cachePath)

	r, err := objHdl.NewReader(ctx)
	switch {
	case err == nil:
		// This is fine

	case errors.Is(err, gcs.ErrObjectNotExist):
		return nil, os.ErrNotExist

	default:
		return nil, errors.Wrap(err, "get object reader")
	}
	defer func() {
		if err := r.Close(); err != nil {
			logrus.WithError(err).Error("closing object reader (leaked fd)")
		}
	}()

	cache := new(bytes.Buffer)
	if _, err = io.Copy(cache, r); err != nil {
		return nil, errors.Wrap(err, "cache object in memory")
	}

	return nopSeekCloser{bytes.NewReader(cache.Bytes())}, nil
}

// LoadMeta implements the storage.Storage LoadMeta method
func (s Storage) LoadMeta(ctx context.Context, cachePath string) (*storage.Meta, error) {
	objHdl := s.object(cachePath)

	attrs, err := objHdl.Attrs(ctx)
	switch {
	case err == nil:
		// This is fine

	case errors.Is(err, gcs.ErrObjectNotExist):
		return nil, os.ErrNotExist // Surrounding code reacts on ErrNotExist

	default:
		return nil, errors.Wrap(err, "get object meta")
	}

	out := &storage.Meta{
		ContentType: attrs.ContentType,
	}

	// Objects uploaded by other tools carry no cache metadata
	if v, ok := attrs.Metadata[gcsMetaLastCached]; ok {
		if out.LastCached, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, errors.Wrap(err, "parse last-cached date")
		}
	} else {
		out.LastCached = attrs.Updated
	}

	if v, ok := attrs.Metadata[gcsMetaLastModified]; ok {
		if out.LastModified, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, errors.Wrap(err, "parse last-modified date")
		}
	} else {
		out.LastModified = attrs.Updated
	}

	return out, nil
}

// StoreFile implements the storage.Storage StoreFile method
func (s Storage) StoreFile(ctx context.Context, cachePath string, metadata *storage.Meta, data io.Reader) error {
	objHdl := s.object(cachePath)

	metadata.LastCached = time.Now()

	// Cancelling the upload context discards the object instead of committing a partial one
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := objHdl.NewWriter(ctx)
	w.ContentType = metadata.ContentType
	w.Metadata = map[string]string{
		gcsMetaLastCached:   metadata.LastCached.Format(time.RFC3339Nano),
		gcsMetaLastModified: metadata.LastModified.Format(time.RFC3339Nano),
	}

	if _, err := io.Copy(w, data); err != nil {
		cancel()
		if cerr := w.Close(); cerr != nil {
			logrus.WithError(cerr).Debug("aborted object upload")
		}
		return errors.Wrap(err, "upload content")
	}

	return errors.Wrap(w.Close(), "finish upload")
}

func (s Storage) object(cachePath string) *gcs.ObjectHandle {
	cachePath = strings.TrimLeft(path.Join(s.prefix, cachePath), "/")
	return s.client.Bucket(s.bucket).Object(cachePath)
}

func parseBucketURI(bucketURI string) (bucket, prefix string, err error) {
	uri, err := url.Parse(bucketURI)
	if err != nil {
		return "", "", errors.Wrap(err, "parse GCS bucket URI")
	}

	if uri.Scheme != "gs" || uri.Host == "" {
		return "", "", errors.New("invalid GCS bucket URI")
	}

	return uri.Host, strings.TrimLeft(uri.Path, "/"), nil
}
