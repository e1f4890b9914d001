package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/oralvis/oralvis/internal/platform/apperr"
	"github.com/oralvis/oralvis/internal/platform/auth"
)

const panicStackSize = 8 << 10

// Recovery turns a handler panic into a 500 with the standard envelope.
// http.ErrAbortHandler is re-raised so the server aborts the connection.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				stack := make([]byte, panicStackSize)
				stack = stack[:runtime.Stack(stack, false)]

				req := c.Request()
				logger.Error().
					Str("request_id", c.Response().Header().Get(RequestIDHeader)).
					Str("method", req.Method).
					Str("path", c.Path()).
					Str("user_id", auth.UserIDFromContext(req.Context())).
					Interface("panic", r).
					Bytes("stack", stack).
					Msg("panic recovered")

				err = apperr.Internal("Internal server error", fmt.Errorf("panic: %v", r))
			}()
			return next(c)
		}
	}
}
