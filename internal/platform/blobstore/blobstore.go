// Package blobstore stores uploaded images and generated reports as opaque
// named blobs. It defines the Store interface with in-memory, local
// filesystem and S3 backends, generates collision-free blob names, resolves
// names to client-facing URLs, and serves blobs over HTTP.
package blobstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrInvalidName     = errors.New("invalid blob name")
	ErrInvalidKind     = errors.New("unknown blob kind")
	ErrUnsupportedType = errors.New("unsupported file extension")
)

// ---------------------------------------------------------------------------
// Kinds and names
// ---------------------------------------------------------------------------

// Kind groups blobs by what they hold. Each kind lives in its own directory
// (or key prefix) and its own URL path segment.
type Kind string

const (
	KindImage  Kind = "image"
	KindReport Kind = "report"
)

// Dir returns the directory / URL segment for the kind ("images", "reports").
func (k Kind) Dir() string {
	return string(k) + "s"
}

func (k Kind) valid() bool {
	return k == KindImage || k == KindReport
}

// allowedExt lists the extensions each kind may carry.
var allowedExt = map[Kind]map[string]bool{
	KindImage:  {".jpg": true, ".jpeg": true, ".png": true},
	KindReport: {".pdf": true},
}

var nameRE = regexp.MustCompile(`^(image|report)_[0-9]+_[0-9a-f]{32}\.(jpg|jpeg|png|pdf)$`)

// NewName returns "{kind}_{unixMillis}_{32 hex}{ext}". The random part is
// 16 bytes from crypto/rand, so names never collide in practice.
func NewName(kind Kind, ext string, now time.Time) (string, error) {
	if !kind.valid() {
		return "", ErrInvalidKind
	}
	ext = strings.ToLower(ext)
	if !allowedExt[kind][ext] {
		return "", fmt.Errorf("%w: %q for %s", ErrUnsupportedType, ext, kind)
	}
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate blob name: %w", err)
	}
	return fmt.Sprintf("%s_%d_%s%s", kind, now.UnixMilli(), hex.EncodeToString(buf[:]), ext), nil
}

// ParseName validates a blob name and returns its kind. It rejects anything
// that could escape the storage directory.
func ParseName(name string) (Kind, error) {
	m := nameRE.FindStringSubmatch(name)
	if m == nil {
		return "", ErrInvalidName
	}
	kind := Kind(m[1])
	ext := "." + m[2]
	if !allowedExt[kind][ext] {
		return "", ErrInvalidName
	}
	return kind, nil
}

// ContentType returns the MIME type for a blob name based on its extension.
func ContentType(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "application/octet-stream"
	}
	switch strings.ToLower(name[i:]) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	}
	if t := mime.TypeByExtension(name[i:]); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ExtForContentType maps an accepted image MIME type to a file extension.
func ExtForContentType(contentType string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/jpeg", "image/jpg":
		return ".jpg", true
	case "image/png":
		return ".png", true
	case "application/pdf":
		return ".pdf", true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Info describes a stored blob.
type Info struct {
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"modTime"`
}

// Store is the contract for blob storage backends. Blobs are written once
// under a freshly generated name and never overwritten.
type Store interface {
	// Put stores the content under a new name of the given kind and
	// extension and returns that name.
	Put(ctx context.Context, kind Kind, ext string, content io.Reader) (string, error)
	// Open returns the blob content. The caller must close the reader.
	Open(ctx context.Context, name string) (io.ReadCloser, *Info, error)
	// Delete removes the blob. It reports false when the blob did not exist.
	Delete(ctx context.Context, name string) (bool, error)
	// List returns every blob of the given kind.
	List(ctx context.Context, kind Kind) ([]Info, error)
}

// ReadAll opens a blob and reads it fully, refusing blobs above limit bytes.
func ReadAll(ctx context.Context, s Store, name string, limit int64) ([]byte, error) {
	rc, _, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("blob %s exceeds %d bytes", name, limit)
	}
	return data, nil
}
