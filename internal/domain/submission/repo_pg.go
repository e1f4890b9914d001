package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oralvis/oralvis/internal/platform/apperr"
)

type submissionRepoPG struct {
	db queryable
}

func NewPostgresRepo(pool *pgxpool.Pool) Repository {
	return &submissionRepoPG{db: pool}
}

const submissionColumns = `id, owner_id, patient_name, patient_ref, patient_email, patient_note,
	original_image_path, annotated_image_path, annotation_data::text, review_text, report_path,
	status, version, created_at, updated_at`

var errSubmissionNotFound = apperr.NotFound("Submission not found")

func parseID(id string) (uuid.UUID, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, errSubmissionNotFound
	}
	return uid, nil
}

func translatePG(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errSubmissionNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return apperr.Conflict("Submission already exists")
		case "23503":
			return apperr.NotFound("User not found")
		}
	}
	return fmt.Errorf("%s submission: %w", op, err)
}

func jsonText(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *submissionRepoPG) Create(ctx context.Context, s *Submission) error {
	id := uuid.New()
	if s.Status == "" {
		s.Status = StatusUploaded
	}
	ownerID, err := uuid.Parse(s.OwnerID)
	if err != nil {
		return apperr.NotFound("User not found")
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO submissions (
			id, owner_id, patient_name, patient_ref, patient_email, patient_note,
			original_image_path, annotated_image_path, annotation_data, review_text, report_path,
			status, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text::jsonb, $10, $11, $12, 1)
		RETURNING version, created_at, updated_at`,
		id, ownerID, s.PatientDetails.Name, s.PatientDetails.PatientID, s.PatientDetails.Email,
		nullable(s.PatientDetails.Note), s.OriginalImagePath, s.AnnotatedImagePath,
		jsonText(s.AnnotationData), s.ReviewText, s.ReportPath, string(s.Status),
	).Scan(&s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return translatePG(err, "create")
	}
	s.ID = id.String()
	return nil
}

func (r *submissionRepoPG) GetByID(ctx context.Context, id string) (*Submission, error) {
	uid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	s, err := scanSubmission(r.db.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, uid))
	if err != nil {
		return nil, translatePG(err, "get")
	}
	return s, nil
}

func (r *submissionRepoPG) ListByOwner(ctx context.Context, ownerID string) ([]*Submission, error) {
	oid, err := uuid.Parse(ownerID)
	if err != nil {
		return []*Submission{}, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`, oid)
	if err != nil {
		return nil, translatePG(err, "list")
	}
	return collect(rows)
}

func (r *submissionRepoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Submission, int, error) {
	where := ""
	var args []any
	if filter.Status != "" {
		where = ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM submissions`+where, args...).Scan(&total); err != nil {
		return nil, 0, translatePG(err, "count")
	}

	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT `+submissionColumns+` FROM submissions%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, n+1, n+2), args...)
	if err != nil {
		return nil, 0, translatePG(err, "list")
	}
	items, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *submissionRepoPG) Update(ctx context.Context, s *Submission, expectedVersion int) error {
	uid, err := parseID(s.ID)
	if err != nil {
		return err
	}
	err = r.db.QueryRow(ctx, `
		UPDATE submissions SET
			annotated_image_path = $3, annotation_data = $4::text::jsonb, review_text = $5,
			report_path = $6, status = $7, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		uid, expectedVersion, s.AnnotatedImagePath, jsonText(s.AnnotationData), s.ReviewText,
		s.ReportPath, string(s.Status),
	).Scan(&s.Version, &s.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return translatePG(err, "update")
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM submissions WHERE id = $1)`, uid).Scan(&exists); err != nil {
		return translatePG(err, "update")
	}
	if !exists {
		return errSubmissionNotFound
	}
	return apperr.Conflict("Submission was modified by another request")
}

func (r *submissionRepoPG) Delete(ctx context.Context, id string) (*Submission, error) {
	uid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	s, err := scanSubmission(r.db.QueryRow(ctx,
		`DELETE FROM submissions WHERE id = $1 RETURNING `+submissionColumns, uid))
	if err != nil {
		return nil, translatePG(err, "delete")
	}
	return s, nil
}

func (r *submissionRepoPG) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM submissions GROUP BY status`)
	if err != nil {
		return nil, translatePG(err, "count")
	}
	defer rows.Close()

	counts := make(map[Status]int, len(Statuses))
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (r *submissionRepoPG) ReferencedBlobs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.Query(ctx,
		`SELECT original_image_path, annotated_image_path, report_path FROM submissions`)
	if err != nil {
		return nil, translatePG(err, "list blobs of")
	}
	defer rows.Close()

	refs := make(map[string]bool)
	for rows.Next() {
		var original string
		var annotated, report *string
		if err := rows.Scan(&original, &annotated, &report); err != nil {
			return nil, fmt.Errorf("scan blob names: %w", err)
		}
		refs[original] = true
		if annotated != nil {
			refs[*annotated] = true
		}
		if report != nil {
			refs[*report] = true
		}
	}
	return refs, rows.Err()
}

func collect(rows pgx.Rows) ([]*Submission, error) {
	defer rows.Close()
	items := []*Submission{}
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return items, nil
}

func scanSubmission(row pgx.Row) (*Submission, error) {
	var (
		s          Submission
		id, owner  uuid.UUID
		note       *string
		annotation *string
		status     string
	)
	err := row.Scan(
		&id, &owner, &s.PatientDetails.Name, &s.PatientDetails.PatientID, &s.PatientDetails.Email, &note,
		&s.OriginalImagePath, &s.AnnotatedImagePath, &annotation, &s.ReviewText, &s.ReportPath,
		&status, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.ID = id.String()
	s.OwnerID = owner.String()
	s.Status = Status(status)
	if note != nil {
		s.PatientDetails.Note = *note
	}
	if annotation != nil {
		s.AnnotationData = json.RawMessage(*annotation)
	}
	return &s, nil
}
