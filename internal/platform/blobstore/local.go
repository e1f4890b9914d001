package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// LocalStore keeps blobs on the local filesystem under root/images and
// root/reports.
type LocalStore struct {
	root string
	now  func() time.Time
}

// NewLocalStore creates the kind directories under root if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	for _, k := range []Kind{KindImage, KindReport} {
		if err := os.MkdirAll(filepath.Join(root, k.Dir()), 0o755); err != nil {
			return nil, fmt.Errorf("create blob directory: %w", err)
		}
	}
	return &LocalStore{root: root, now: time.Now}, nil
}

func (s *LocalStore) path(name string) (string, Kind, error) {
	kind, err := ParseName(name)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(s.root, kind.Dir(), name), kind, nil
}

// Put writes to a temporary file in the target directory and renames it
// into place, so readers never observe a partial blob.
func (s *LocalStore) Put(ctx context.Context, kind Kind, ext string, content io.Reader) (string, error) {
	name, err := NewName(kind, ext, s.now())
	if err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, kind.Dir())

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: content}); err != nil {
		cleanup()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("chmod blob: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return name, nil
}

func (s *LocalStore) Open(_ context.Context, name string) (io.ReadCloser, *Info, error) {
	p, kind, err := s.path(name)
	if err != nil {
		return nil, nil, ErrBlobNotFound
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("open blob: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat blob: %w", err)
	}
	return f, &Info{
		Name:        name,
		Kind:        kind,
		ContentType: ContentType(name),
		Size:        st.Size(),
		ModTime:     st.ModTime().UTC(),
	}, nil
}

func (s *LocalStore) Delete(_ context.Context, name string) (bool, error) {
	p, _, err := s.path(name)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete blob: %w", err)
	}
	return true, nil
}

func (s *LocalStore) List(_ context.Context, kind Kind) ([]Info, error) {
	if !kind.valid() {
		return nil, ErrInvalidKind
	}
	entries, err := os.ReadDir(filepath.Join(s.root, kind.Dir()))
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	var out []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		k, err := ParseName(entry.Name())
		if err != nil || k != kind {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Name:        entry.Name(),
			Kind:        kind,
			ContentType: ContentType(entry.Name()),
			Size:        fi.Size(),
			ModTime:     fi.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// contextReader stops a copy once the context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
