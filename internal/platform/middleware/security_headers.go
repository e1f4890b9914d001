package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets hardening headers on every response. HSTS is only
// sent when hsts is true, which the server does in production.
//
// Blob downloads under /uploads/ keep a cross-origin resource policy so the
// client app can embed images served from the API origin.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "0")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			if strings.HasPrefix(c.Request().URL.Path, "/uploads/") {
				h.Set("Cross-Origin-Resource-Policy", "cross-origin")
				h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
				return next(c)
			}

			h.Set("Cross-Origin-Resource-Policy", "same-origin")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			// Responses may carry patient data.
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
