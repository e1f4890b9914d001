package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oralvis/oralvis/internal/platform/apperr"
	"github.com/oralvis/oralvis/internal/platform/auth"
)

type userRepoPG struct {
	db queryable
}

func NewPostgresRepo(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{db: pool}
}

const userColumns = `id, name, email, password_hash, role, patient_id, created_at, updated_at`

var (
	errUserNotFound   = apperr.NotFound("User not found")
	errEmailTaken     = apperr.Conflict("User with this email already exists")
	errPatientIDTaken = apperr.Conflict("Patient ID already exists")
)

func translatePG(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errUserNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "users_patient_id_key" {
			return errPatientIDTaken
		}
		return errEmailTaken
	}
	return fmt.Errorf("%s user: %w", op, err)
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	id := uuid.New()
	err := r.db.QueryRow(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, patient_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		id, u.Name, u.Email, u.PasswordHash, string(u.Role), u.PatientID,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return translatePG(err, "create")
	}
	u.ID = id.String()
	return nil
}

func (r *userRepoPG) GetByID(ctx context.Context, id string) (*User, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, errUserNotFound
	}
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, uid)
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *userRepoPG) get(ctx context.Context, sql string, arg any) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, sql, arg))
	if err != nil {
		return nil, translatePG(err, "get")
	}
	return u, nil
}

func (r *userRepoPG) PatientIDTaken(ctx context.Context, patientID, excludeID string) (bool, error) {
	exclude, err := uuid.Parse(excludeID)
	if err != nil {
		exclude = uuid.Nil
	}
	var taken bool
	err = r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE patient_id = $1 AND id <> $2)`, patientID, exclude,
	).Scan(&taken)
	if err != nil {
		return false, translatePG(err, "check patient id of")
	}
	return taken, nil
}

func (r *userRepoPG) Update(ctx context.Context, u *User) error {
	uid, err := uuid.Parse(u.ID)
	if err != nil {
		return errUserNotFound
	}
	err = r.db.QueryRow(ctx, `
		UPDATE users SET name = $2, patient_id = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		uid, u.Name, u.PatientID,
	).Scan(&u.UpdatedAt)
	if err != nil {
		return translatePG(err, "update")
	}
	return nil
}

func (r *userRepoPG) UpdatePassword(ctx context.Context, id, hash string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return errUserNotFound
	}
	tag, err := r.db.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, uid, hash)
	if err != nil {
		return translatePG(err, "update password of")
	}
	if tag.RowsAffected() == 0 {
		return errUserNotFound
	}
	return nil
}

// Delete removes the user. Their submissions go with them through the
// foreign key cascade.
func (r *userRepoPG) Delete(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return errUserNotFound
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, uid)
	if err != nil {
		return translatePG(err, "delete")
	}
	if tag.RowsAffected() == 0 {
		return errUserNotFound
	}
	return nil
}

func (r *userRepoPG) List(ctx context.Context, filter UserFilter, limit, offset int) ([]*User, int, error) {
	where := ""
	var args []any
	if filter.Role != "" {
		where = ` WHERE role = $1`
		args = append(args, string(filter.Role))
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`+where, args...).Scan(&total); err != nil {
		return nil, 0, translatePG(err, "count")
	}

	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT `+userColumns+` FROM users%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, n+1, n+2), args...)
	if err != nil {
		return nil, 0, translatePG(err, "list")
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate users: %w", err)
	}
	return users, total, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u    User
		id   uuid.UUID
		role string
	)
	if err := row.Scan(&id, &u.Name, &u.Email, &u.PasswordHash, &role, &u.PatientID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.ID = id.String()
	u.Role = auth.Role(role)
	return &u, nil
}
