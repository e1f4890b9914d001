package identity

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// UserRepository persists accounts. Lookups of unknown or malformed ids
// return apperr NotFound; unique violations return apperr Conflict naming
// the field.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	// PatientIDTaken reports whether another user than excludeID holds
	// patientID.
	PatientIDTaken(ctx context.Context, patientID, excludeID string) (bool, error)
	Update(ctx context.Context, u *User) error
	UpdatePassword(ctx context.Context, id, hash string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter UserFilter, limit, offset int) ([]*User, int, error)
}

type queryable interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
