package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 50
)

// Params holds page-based pagination parameters extracted from a request.
// Values are always clamped: Page >= 1 and 1 <= Limit <= MaxLimit.
type Params struct {
	Page  int
	Limit int
}

// New clamps the given page and limit into range. Callers that want the
// default page size for a missing limit pass DefaultLimit.
func New(page, limit int) Params {
	if page < 1 {
		page = DefaultPage
	}
	switch {
	case limit < 1:
		limit = 1
	case limit > MaxLimit:
		limit = MaxLimit
	}
	return Params{Page: page, Limit: limit}
}

// FromContext extracts pagination parameters from the echo context. An
// absent or unparseable limit uses DefaultLimit; limit=0 clamps to 1.
func FromContext(c echo.Context) Params {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil {
		limit = DefaultLimit
	}
	return New(page, limit)
}

// Offset returns the number of rows to skip for this page.
func (p Params) Offset() int {
	return (p.Page - 1) * p.Limit
}

// SQL returns the LIMIT and OFFSET clause for SQL queries.
func (p Params) SQL() string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", p.Limit, p.Offset())
}

// Meta is the pagination block returned alongside list responses.
type Meta struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// Meta builds the response metadata for a result set of size total.
func (p Params) Meta(total int) Meta {
	return Meta{
		Page:  p.Page,
		Limit: p.Limit,
		Total: total,
		Pages: Pages(total, p.Limit),
	}
}

// Pages returns ceil(total/limit). An empty result has zero pages.
func Pages(total, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset()+p.Limit < total
}
