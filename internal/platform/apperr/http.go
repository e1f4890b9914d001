package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/oralvis/oralvis/pkg/response"
)

// HTTPErrorHandler renders every error returned by a handler or middleware
// as a response envelope. Internal causes are only exposed when
// exposeInternal is set (development).
func HTTPErrorHandler(logger zerolog.Logger, exposeInternal bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := translate(err, exposeInternal)
		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", status).
				Msg("request failed")
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("failed to write error response")
		}
	}
}

func translate(err error, exposeInternal bool) (int, response.Envelope) {
	if e, ok := As(err); ok {
		status := e.Kind.HTTPStatus()
		body := response.Envelope{
			Success: false,
			Message: e.Message,
			Error:   e.Kind.String(),
		}
		for _, f := range e.Fields {
			body.Errors = append(body.Errors, response.FieldError{Field: f.Field, Message: f.Message})
		}
		if status >= http.StatusInternalServerError && exposeInternal && e.Err != nil {
			body.Error = e.Err.Error()
		}
		return status, body
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		body := response.Envelope{Success: false, Message: msg}
		if he.Internal != nil && exposeInternal {
			body.Error = he.Internal.Error()
		}
		return he.Code, body
	}

	body := response.Envelope{Success: false, Message: "Internal server error"}
	if exposeInternal {
		body.Error = err.Error()
	}
	return http.StatusInternalServerError, body
}
