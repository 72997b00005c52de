// Package memory implements a storage.Storage backend keeping all
// entries in process memory
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Luzifer/statuscache/pkg/storage"
	"github.com/pkg/errors"
)

type (
	// Storage implements the storage.Storage interface in memory
	Storage struct {
		entries map[string]entry
		lock    sync.RWMutex
	}

	entry struct {
		data []byte
		meta storage.Meta
	}

	nopSeekCloser struct {
		io.ReadSeeker
	}
)

func (nopSeekCloser) Close() error { return nil }

// New returns an empty memory storage
func New() *Storage {
	return &Storage{entries: make(map[string]entry)}
}

// DeleteFile implements the storage.Storage DeleteFile method
func (s *Storage) DeleteFile(_ context.Context, cachePath string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.entries[cachePath]; !ok {
		return fmt.Errorf("deleting %q: %w", cachePath, os.ErrNotExist)
	}

	delete(s.entries, cachePath)
	return nil
}

// GetFile implements the storage.Storage GetFile method
func (s *Storage) GetFile(_ context.Context, cachePath string) (io.ReadSeekCloser, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	e, ok := s.entries[cachePath]
	if !ok {
		return nil, fmt.Errorf("getting %q: %w", cachePath, os.ErrNotExist)
	}

	// Stored slices are never modified, replacing an entry swaps the slice
	return nopSeekCloser{bytes.NewReader(e.data)}, nil
}

// LoadMeta implements the storage.Storage LoadMeta method
func (s *Storage) LoadMeta(_ context.Context, cachePath string) (*storage.Meta, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	e, ok := s.entries[cachePath]
	if !ok {
		return nil, fmt.Errorf("loading meta for %q: %w", cachePath, os.ErrNotExist)
	}

	m := e.meta
	return &m, nil
}

// StoreFile implements the storage.Storage StoreFile method
func (s *Storage) StoreFile(_ context.Context, cachePath string, metadata *storage.Meta, data io.Reader) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return errors.Wrap(err, "read content")
	}

	metadata.LastCached = time.Now()

	s.lock.Lock()
	defer s.lock.Unlock()

	s.entries[cachePath] = entry{data: buf, meta: *metadata}
	return nil
}

// Len returns the number of stored entries
func (s *Storage) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return len(s.entries)
}
