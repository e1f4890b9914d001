package submission

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists submissions. Implementations return apperr NotFound
// for unknown or malformed ids.
type Repository interface {
	// Create assigns ID, Version and timestamps.
	Create(ctx context.Context, s *Submission) error
	GetByID(ctx context.Context, id string) (*Submission, error)
	// ListByOwner returns the owner's submissions, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]*Submission, error)
	// List returns one page ordered by createdAt desc then id desc, and the
	// total matching the filter.
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Submission, int, error)
	// Update writes the mutable fields only if the stored version still
	// equals expectedVersion, then bumps Version and UpdatedAt on s. A lost
	// race yields apperr Conflict.
	Update(ctx context.Context, s *Submission, expectedVersion int) error
	// Delete removes the submission and returns it as it was.
	Delete(ctx context.Context, id string) (*Submission, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// ReferencedBlobs returns every blob name any submission points at.
	ReferencedBlobs(ctx context.Context) (map[string]bool, error)
}

type queryable interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
