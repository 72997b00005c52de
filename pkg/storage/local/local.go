// Package local implements a storage.Storage backend for local file storage
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Luzifer/statuscache/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	storageLocalDirPermission  = 0o700
	storageLocalFilePermission = 0o600
)

// Storage implements the storage.Storage interface for local file storage
type Storage struct {
	basePath string
}

// New returns a new local file storage
func New(basePath string) Storage { return Storage{basePath} }

// DeleteFile implements the storage.Storage DeleteFile method
func (s Storage) DeleteFile(_ context.Context, cachePath string) error {
	cachePath = s.fullPath(cachePath)

	info, err := os.Stat(cachePath)
	if err != nil {
		return fmt.Errorf("getting cache file stat: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("cache path is a directory: %w", os.ErrNotExist)
	}

	if err := os.Remove(cachePath); err != nil {
		return fmt.Errorf("removing cache file: %w", err)
	}

	if err := os.Remove(metaPath(cachePath)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove cache meta file")
	}

	return nil
}

// GetFile implements the storage.Storage GetFile method
func (s Storage) GetFile(_ context.Context, cachePath string) (io.ReadSeekCloser, error) {
	cachePath = s.fullPath(cachePath)

	info, err := os.Stat(cachePath)
	if err != nil {
		return nil, fmt.Errorf("getting cache file stat: %w", err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("cache path is a directory: %w", os.ErrNotExist)
	}

	rsc, err := os.Open(cachePath) //#nosec:G304 // Path is confined to basePath
	if err != nil {
		return nil, fmt.Errorf("opening cache file: %w", err)
	}

	return rsc, nil
}

// LoadMeta implements the storage.Storage LoadMeta method
func (s Storage) LoadMeta(_ context.Context, cachePath string) (*storage.Meta, error) {
	mp := metaPath(s.fullPath(cachePath))
	if _, err := os.Stat(mp); err != nil {
		return nil, fmt.Errorf("getting cache meta stat: %w", err)
	}

	f, err := os.Open(mp) //#nosec:G304 // Path is confined to basePath
	if err != nil {
		return nil, errors.Wrap(err, "open metadata file")
	}
	defer func() {
		if err := f.Close(); err != nil {
			logrus.WithError(err).Error("closing metadata file (leaked fd)")
		}
	}()

	out := new(storage.Meta)
	return out, errors.Wrap(
		json.NewDecoder(f).Decode(out),
		"decode metadata file",
	)
}

// StoreFile implements the storage.Storage StoreFile method. Content
// and metadata are written to temporary files and renamed into place.
func (s Storage) StoreFile(_ context.Context, cachePath string, metadata *storage.Meta, data io.Reader) (err error) {
	cachePath = s.fullPath(cachePath)

	if err = os.MkdirAll(filepath.Dir(cachePath), storageLocalDirPermission); err != nil {
		return errors.Wrap(err, "create cache dir")
	}

	if err = writeAtomic(cachePath, func(w io.Writer) error {
		_, err := io.Copy(w, data)
		return errors.Wrap(err, "write cache file")
	}); err != nil {
		return err
	}

	metadata.LastCached = time.Now()

	return writeAtomic(metaPath(cachePath), func(w io.Writer) error {
		return errors.Wrap(
			json.NewEncoder(w).Encode(metadata),
			"write cache meta file",
		)
	})
}

func (s Storage) fullPath(cachePath string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(strings.TrimLeft(path.Clean("/"+cachePath), "/")))
}

func metaPath(cachePath string) string {
	return strings.Join([]string{cachePath, "meta"}, ".")
}

func writeAtomic(target string, fill func(io.Writer) error) error {
	f, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return errors.Wrap(err, "create temporary file")
	}
	tmpName := f.Name()

	fillErr := fill(f)
	closeErr := f.Close()

	switch {
	case fillErr != nil:
		err = fillErr
	case closeErr != nil:
		err = errors.Wrap(closeErr, "close temporary file")
	default:
		if err = os.Chmod(tmpName, storageLocalFilePermission); err != nil {
			err = errors.Wrap(err, "set file permissions")
			break
		}
		err = errors.Wrap(os.Rename(tmpName, target), "move temporary file into place")
	}

	if err != nil {
		if rmErr := os.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
			logrus.WithError(rmErr).WithField("path", tmpName).Error("removing temporary file")
		}
		return err
	}

	return nil
}
