package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths lists route paths that bypass authentication: infrastructure
// endpoints, API docs and the credential-issuing auth routes.
var publicPaths = map[string]bool{
	"/health":             true,
	"/health/db":          true,
	"/metrics":            true,
	"/api/health":         true,
	"/api/openapi.json":   true,
	"/api/docs":           true,
	"/api/auth/register":  true,
	"/api/auth/login":     true,
	"/api/auth/refresh":   true,
	"/uploads/:dir/:name": true,
}

// AuthSkipper returns true for requests whose route should skip
// authentication. Blob downloads are authorized by their URL, not a bearer
// token.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

// IsPublicPath reports whether the given route path is public.
func IsPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	return strings.HasPrefix(path, "/uploads/")
}
