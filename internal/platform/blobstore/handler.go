package blobstore

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/oralvis/oralvis/internal/platform/apperr"
)

// Handler serves stored blobs at GET /uploads/:dir/:name.
type Handler struct {
	store Store
	urls  *URLResolver
}

// NewHandler creates a Handler backed by store. URLs are checked against
// urls when it uses the signed policy.
func NewHandler(store Store, urls *URLResolver) *Handler {
	return &Handler{store: store, urls: urls}
}

// RegisterRoutes mounts the download route on e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/uploads/:dir/:name", h.handleDownload)
	e.HEAD("/uploads/:dir/:name", h.handleDownload)
}

func (h *Handler) handleDownload(c echo.Context) error {
	dir := c.Param("dir")
	name := c.Param("name")

	kind, err := ParseName(name)
	if err != nil || kind.Dir() != dir {
		return apperr.NotFound("File not found")
	}
	if h.urls != nil {
		if err := h.urls.Verify(name, c.QueryParam("exp"), c.QueryParam("sig")); err != nil {
			if errors.Is(err, ErrURLExpired) {
				return apperr.Authorization("Link expired")
			}
			return apperr.Authorization("Invalid link signature")
		}
	}

	rc, info, err := h.store.Open(c.Request().Context(), name)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return apperr.NotFound("File not found")
		}
		return apperr.Storage("Failed to read file", err)
	}
	defer rc.Close()

	hdr := c.Response().Header()
	hdr.Set("Cross-Origin-Resource-Policy", "cross-origin")
	hdr.Set("X-Content-Type-Options", "nosniff")
	if info.Size > 0 {
		hdr.Set(echo.HeaderContentLength, strconv.FormatInt(info.Size, 10))
	}
	if h.urls != nil && h.urls.Policy() == PolicySigned {
		hdr.Set("Cache-Control", "private, max-age=300")
	} else {
		hdr.Set("Cache-Control", "public, max-age=86400, immutable")
	}
	if kind == KindReport {
		hdr.Set("Content-Disposition", `inline; filename="`+name+`"`)
	}
	if c.Request().Method == http.MethodHead {
		hdr.Set(echo.HeaderContentType, info.ContentType)
		return c.NoContent(http.StatusOK)
	}
	return c.Stream(http.StatusOK, info.ContentType, rc)
}
