package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// TokenCookieName is the cookie that carries the access token for browser
// clients.
const TokenCookieName = "token"

// Verifier resolves a raw access token into an actor. Implementations check
// the signature, revocation and that the account still exists.
type Verifier interface {
	Verify(ctx context.Context, token string) (Actor, error)
}

// VerifierFunc is a function adapter for Verifier.
type VerifierFunc func(ctx context.Context, token string) (Actor, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (Actor, error) {
	return f(ctx, token)
}

// TokenFromRequest extracts the access token from the Authorization header,
// falling back to the token cookie. ok is false when neither is present.
func TokenFromRequest(c echo.Context) (token string, ok bool, err error) {
	if authHeader := c.Request().Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", true, echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
		}
		return strings.TrimSpace(parts[1]), true, nil
	}
	if cookie, cerr := c.Cookie(TokenCookieName); cerr == nil && cookie.Value != "" {
		return cookie.Value, true, nil
	}
	return "", false, nil
}

// JWTMiddleware authenticates every request not matched by skipper and puts
// the resulting Actor on the request context.
func JWTMiddleware(v Verifier, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			tokenStr, ok, err := TokenFromRequest(c)
			if err != nil {
				return err
			}
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "Access denied. No token provided.")
			}

			actor, err := v.Verify(c.Request().Context(), tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token").SetInternal(err)
			}

			c.Set("user_id", actor.UserID)
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), actor)))
			return next(c)
		}
	}
}

// SetTokenCookie sets the HTTP-only access token cookie.
func SetTokenCookie(c echo.Context, token string, maxAgeSeconds int, secure bool) {
	c.SetCookie(&http.Cookie{
		Name:     TokenCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAgeSeconds,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearTokenCookie expires the access token cookie.
func ClearTokenCookie(c echo.Context, secure bool) {
	c.SetCookie(&http.Cookie{
		Name:     TokenCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}
