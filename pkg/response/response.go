// Package response holds the JSON envelope every API endpoint responds with.
package response

import (
	"github.com/labstack/echo/v4"

	"github.com/oralvis/oralvis/pkg/pagination"
)

// FieldError is a per-field validation message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Envelope is {success, message?, data?, error?}. Count and Pagination are
// only set by list endpoints.
type Envelope struct {
	Success    bool             `json:"success"`
	Message    string           `json:"message,omitempty"`
	Data       interface{}      `json:"data,omitempty"`
	Count      *int             `json:"count,omitempty"`
	Pagination *pagination.Meta `json:"pagination,omitempty"`
	Error      string           `json:"error,omitempty"`
	Errors     []FieldError     `json:"errors,omitempty"`
}

// OK writes a successful envelope.
func OK(c echo.Context, status int, message string, data interface{}) error {
	return c.JSON(status, Envelope{Success: true, Message: message, Data: data})
}

// List writes a successful envelope with a count.
func List(c echo.Context, status int, data interface{}, count int) error {
	return c.JSON(status, Envelope{Success: true, Data: data, Count: &count})
}

// Page writes a successful envelope with pagination metadata.
func Page(c echo.Context, status int, data interface{}, meta pagination.Meta) error {
	return c.JSON(status, Envelope{Success: true, Data: data, Pagination: &meta})
}

// Fail writes an error envelope.
func Fail(c echo.Context, status int, message, detail string, fields []FieldError) error {
	return c.JSON(status, Envelope{
		Success: false,
		Message: message,
		Error:   detail,
		Errors:  fields,
	})
}
