package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

type storedBlob struct {
	info    Info
	content []byte
}

// InMemoryStore is a thread-safe, in-memory Store for tests and development.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
	now   func() time.Time
}

// NewInMemoryStore returns a ready-to-use InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		blobs: make(map[string]*storedBlob),
		now:   time.Now,
	}
}

func (s *InMemoryStore) Put(ctx context.Context, kind Kind, ext string, content io.Reader) (string, error) {
	name, err := NewName(kind, ext, s.now())
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return "", fmt.Errorf("reading content: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.blobs[name] = &storedBlob{
		info: Info{
			Name:        name,
			Kind:        kind,
			ContentType: ContentType(name),
			Size:        int64(len(data)),
			ModTime:     s.now().UTC(),
		},
		content: data,
	}
	s.mu.Unlock()
	return name, nil
}

func (s *InMemoryStore) Open(_ context.Context, name string) (io.ReadCloser, *Info, error) {
	s.mu.RLock()
	blob, ok := s.blobs[name]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	info := blob.info // copy
	return io.NopCloser(bytes.NewReader(blob.content)), &info, nil
}

func (s *InMemoryStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[name]; !ok {
		return false, nil
	}
	delete(s.blobs, name)
	return true, nil
}

func (s *InMemoryStore) List(_ context.Context, kind Kind) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Info, 0, len(s.blobs))
	for _, b := range s.blobs {
		if b.info.Kind == kind {
			out = append(out, b.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Len returns the number of stored blobs.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Has reports whether a blob with the given name exists.
func (s *InMemoryStore) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[name]
	return ok
}
