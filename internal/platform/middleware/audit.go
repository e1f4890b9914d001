package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/oralvis/oralvis/internal/platform/auth"
)

// AuditEntry records one access to patient data: who, what, when, from
// where, and the outcome.
type AuditEntry struct {
	UserID       string
	Role         string
	PatientID    string
	Resource     string // submissions, users, images, reports
	SubmissionID string
	Action       string // read, create, update, delete, report, download
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// AuditRecorder persists or counts audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc adapts a function to AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every access to submission, user and blob routes after the
// handler ran, so the entry carries the authenticated actor and the final
// status. A failing recorder is logged and never fails the request.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			resource := auditResource(path)
			if resource == "" {
				return next(c)
			}

			err := next(c)

			// Authentication replaces the request, so read it again.
			req := c.Request()
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}

			entry := AuditEntry{
				Timestamp:    time.Now().UTC(),
				Resource:     resource,
				SubmissionID: extractSubmissionID(path),
				Action:       auditAction(req.Method, path),
				Path:         path,
				Method:       req.Method,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				StatusCode:   status,
			}
			if actor, ok := auth.ActorFromContext(req.Context()); ok {
				entry.UserID = actor.UserID
				entry.Role = string(actor.Role)
				entry.PatientID = actor.PatientID
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("role", entry.Role).
				Str("patient_id", entry.PatientID).
				Str("resource", entry.Resource).
				Str("submission_id", entry.SubmissionID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

// auditResource names the audited resource behind path, or "" when the
// path carries no patient data.
func auditResource(path string) string {
	switch {
	case path == "/api/submissions" || strings.HasPrefix(path, "/api/submissions/"):
		return "submissions"
	case path == "/api/users" || strings.HasPrefix(path, "/api/users/"):
		return "users"
	case strings.HasPrefix(path, "/uploads/images/"):
		return "images"
	case strings.HasPrefix(path, "/uploads/reports/"):
		return "reports"
	}
	return ""
}

func auditAction(method, path string) string {
	if strings.HasPrefix(path, "/uploads/") {
		return "download"
	}
	switch method {
	case http.MethodPost:
		if strings.HasSuffix(path, "/generate-report") {
			return "report"
		}
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractSubmissionID returns the :id segment of /api/submissions/:id[/...].
func extractSubmissionID(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/submissions/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	switch id {
	case "", "my", "stats":
		return ""
	}
	return id
}
