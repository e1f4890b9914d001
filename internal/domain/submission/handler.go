package submission

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/oralvis/oralvis/internal/platform/apperr"
	"github.com/oralvis/oralvis/internal/platform/auth"
	"github.com/oralvis/oralvis/pkg/pagination"
	"github.com/oralvis/oralvis/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the submission routes on api (the authenticated
// /api group). uploadMiddleware wraps only the upload route.
func (h *Handler) RegisterRoutes(api *echo.Group, uploadMiddleware ...echo.MiddlewareFunc) {
	g := api.Group("/submissions")

	patient := auth.RequireRole(auth.RolePatient)
	admin := auth.RequireRole(auth.RoleAdmin)

	g.POST("", h.Create, append(uploadMiddleware, patient)...)
	g.GET("/my", h.ListOwn, patient)

	g.GET("", h.ListAll, admin)
	g.GET("/stats", h.Stats, admin)
	g.PUT("/:id", h.Update, admin)
	g.DELETE("/:id", h.Delete, admin)
	g.POST("/:id/generate-report", h.GenerateReport, admin)

	g.GET("/:id", h.Get)
}

func actorOf(c echo.Context) (auth.Actor, error) {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return auth.Actor{}, apperr.Authentication("Access denied. No token provided.")
	}
	return actor, nil
}

// formValue reads a patient detail sent either as patientDetails[key] or
// as a bare key.
func formValue(c echo.Context, key string) string {
	if v := c.FormValue("patientDetails[" + key + "]"); v != "" {
		return v
	}
	return c.FormValue(key)
}

func (h *Handler) Create(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}

	var upload *ImageUpload
	if fh, ferr := c.FormFile("image"); ferr == nil {
		f, err := fh.Open()
		if err != nil {
			return apperr.Field("image", "Could not read uploaded file")
		}
		defer f.Close()
		upload = &ImageUpload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			Size:        fh.Size,
			Content:     f,
		}
	}

	details := PatientDetails{
		Name:      formValue(c, "name"),
		PatientID: formValue(c, "patientId"),
		Email:     formValue(c, "email"),
		Note:      formValue(c, "note"),
	}
	if raw := c.FormValue("patientDetails"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &details); err != nil {
			return apperr.Field("patientDetails", "must be a JSON object")
		}
	}

	view, err := h.svc.Create(c.Request().Context(), actor, upload, details)
	if err != nil {
		return err
	}
	return response.OK(c, http.StatusCreated, "Submission created successfully", view)
}

func (h *Handler) ListOwn(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	views, err := h.svc.ListOwn(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	return response.List(c, http.StatusOK, views, len(views))
}

func (h *Handler) ListAll(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	page, err := h.svc.ListAll(c.Request().Context(), actor, c.QueryParam("status"), pagination.FromContext(c))
	if err != nil {
		return err
	}
	return response.Page(c, http.StatusOK, page.Items, page.Meta)
}

func (h *Handler) Stats(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	stats, err := h.svc.Stats(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	return response.OK(c, http.StatusOK, "", stats)
}

func (h *Handler) Get(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	view, err := h.svc.Get(c.Request().Context(), actor, c.Param("id"))
	if err != nil {
		return err
	}
	return response.OK(c, http.StatusOK, "", view)
}

type updateRequest struct {
	AnnotationData json.RawMessage `json:"annotationData"`
	ReviewText     *string         `json:"reviewText"`
	Status         *string         `json:"status"`
	Version        *int            `json:"version"`
}

func (h *Handler) Update(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var req updateRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return apperr.Validation("Invalid request body")
	}
	if req.Version == nil {
		if v, ok := ifMatchVersion(c.Request().Header.Get("If-Match")); ok {
			req.Version = &v
		}
	}

	view, err := h.svc.Update(c.Request().Context(), actor, c.Param("id"), UpdateInput{
		AnnotationData: req.AnnotationData,
		ReviewText:     req.ReviewText,
		Status:         req.Status,
		Version:        req.Version,
	})
	if err != nil {
		return err
	}
	c.Response().Header().Set("ETag", strconv.Quote(strconv.Itoa(view.Version)))
	return response.OK(c, http.StatusOK, "Submission updated successfully", view)
}

// ifMatchVersion reads a version from an If-Match header such as "3" or
// W/"3".
func ifMatchVersion(h string) (int, bool) {
	h = strings.TrimPrefix(strings.TrimSpace(h), "W/")
	v, err := strconv.Atoi(strings.Trim(h, `"`))
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

func (h *Handler) Delete(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), actor, c.Param("id")); err != nil {
		return err
	}
	return response.OK(c, http.StatusOK, "Submission deleted successfully", nil)
}

func (h *Handler) GenerateReport(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var in ReportInput
	if err := json.NewDecoder(c.Request().Body).Decode(&in); err != nil {
		return apperr.Validation("Invalid request body")
	}
	result, err := h.svc.GenerateReport(c.Request().Context(), actor, c.Param("id"), in)
	if err != nil {
		return err
	}
	return response.OK(c, http.StatusOK, "Report generated successfully", result)
}
