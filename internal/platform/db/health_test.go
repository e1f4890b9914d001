package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakeChecker struct {
	err   error
	stats any
}

func (f fakeChecker) Driver() string             { return "fake" }
func (f fakeChecker) Ping(context.Context) error { return f.err }
func (f fakeChecker) Stats() any                 { return f.stats }

func callHealth(t *testing.T, checker Checker) (int, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(checker)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	code, body := callHealth(t, fakeChecker{stats: &PoolStats{TotalConns: 3, Healthy: true}})

	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["success"] != true {
		t.Errorf("expected success=true, got %v", body["success"])
	}
	data := body["data"].(map[string]interface{})
	if data["status"] != "healthy" || data["driver"] != "fake" {
		t.Errorf("unexpected data %v", data)
	}
	pool := data["pool"].(map[string]interface{})
	if pool["total_conns"] != float64(3) {
		t.Errorf("expected pool stats in body, got %v", pool)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	code, body := callHealth(t, fakeChecker{err: errors.New("connection refused")})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if body["success"] != false {
		t.Errorf("expected success=false, got %v", body["success"])
	}
	data := body["data"].(map[string]interface{})
	if data["error"] != "connection refused" {
		t.Errorf("expected error in body, got %v", data["error"])
	}
	if _, ok := data["pool"]; ok {
		t.Error("expected no pool stats when checker has none")
	}
}

func TestPoolStats_JSONTags(t *testing.T) {
	stats := &PoolStats{
		TotalConns:      10,
		IdleConns:       5,
		AcquiredConns:   5,
		MaxConns:        20,
		AcquireCount:    100,
		AcquireDuration: "1.5s",
		Healthy:         true,
	}

	data, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("failed to marshal PoolStats: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal PoolStats JSON: %v", err)
	}

	for _, key := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_count", "acquire_duration", "healthy"} {
		if _, ok := m[key]; !ok {
			t.Errorf("expected JSON key %q to be present", key)
		}
	}
}

func TestCheckers_Driver(t *testing.T) {
	if (PostgresChecker{}).Driver() != "postgres" {
		t.Error("unexpected postgres driver name")
	}
	if (MongoChecker{}).Driver() != "mongo" {
		t.Error("unexpected mongo driver name")
	}
}
