package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Page != DefaultPage {
		t.Errorf("expected default page %d, got %d", DefaultPage, p.Page)
	}
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset() != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset())
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?page=3&limit=20", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)

	if p.Page != 3 {
		t.Errorf("expected page 3, got %d", p.Page)
	}
	if p.Limit != 20 {
		t.Errorf("expected limit 20, got %d", p.Limit)
	}
	if p.Offset() != 40 {
		t.Errorf("expected offset 40, got %d", p.Offset())
	}
}

func TestNew_Clamping(t *testing.T) {
	tests := []struct {
		name        string
		page, limit int
		wantPage    int
		wantLimit   int
	}{
		{"zero values", 0, 0, 1, 1},
		{"negative page", -4, 5, 1, 5},
		{"negative limit", 2, -3, 2, 1},
		{"limit above max", 1, 500, 1, 50},
		{"limit at max", 1, 50, 1, 50},
		{"limit one", 7, 1, 7, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.page, tt.limit)
			if p.Page != tt.wantPage || p.Limit != tt.wantLimit {
				t.Errorf("New(%d, %d) = {%d %d}, want {%d %d}",
					tt.page, tt.limit, p.Page, p.Limit, tt.wantPage, tt.wantLimit)
			}
		})
	}
}

func TestFromContext_InvalidValues(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?page=abc&limit=xyz", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	p := FromContext(c)
	if p.Page != 1 || p.Limit != DefaultLimit {
		t.Errorf("expected defaults for unparseable params, got %+v", p)
	}
}

func TestFromContext_ZeroLimitClampsToOne(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?limit=0", nil), httptest.NewRecorder())

	if p := FromContext(c); p.Limit != 1 {
		t.Errorf("expected limit 1, got %d", p.Limit)
	}
}

func TestPages(t *testing.T) {
	tests := []struct {
		total, limit, want int
	}{
		{0, 10, 0},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{25, 10, 3},
		{100, 50, 2},
	}
	for _, tt := range tests {
		if got := Pages(tt.total, tt.limit); got != tt.want {
			t.Errorf("Pages(%d, %d) = %d, want %d", tt.total, tt.limit, got, tt.want)
		}
	}
}

func TestParams_Meta(t *testing.T) {
	m := New(2, 10).Meta(25)
	if m.Page != 2 || m.Limit != 10 || m.Total != 25 || m.Pages != 3 {
		t.Errorf("unexpected meta: %+v", m)
	}
}

func TestParams_SQL(t *testing.T) {
	p := New(3, 15)
	if got := p.SQL(); got != "LIMIT 15 OFFSET 30" {
		t.Errorf("expected 'LIMIT 15 OFFSET 30', got %q", got)
	}
}

func TestParams_HasNext(t *testing.T) {
	p := New(1, 10)
	if !p.HasNext(11) {
		t.Error("expected HasNext for 11 results on first page of 10")
	}
	if p.HasNext(10) {
		t.Error("expected no next page for exactly 10 results")
	}
}
