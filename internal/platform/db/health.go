package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Checker is a database the health endpoint can probe.
type Checker interface {
	// Driver names the backend ("postgres", "mongo").
	Driver() string
	Ping(ctx context.Context) error
	// Stats returns backend-specific details, or nil.
	Stats() any
}

// PostgresChecker probes a pgx pool.
type PostgresChecker struct {
	Pool *pgxpool.Pool
}

func (p PostgresChecker) Driver() string                 { return "postgres" }
func (p PostgresChecker) Ping(ctx context.Context) error { return p.Pool.Ping(ctx) }
func (p PostgresChecker) Stats() any                     { return GetPoolStats(p.Pool) }

// HealthHandler returns the /health/db handler: 200 when the database
// answers a ping within five seconds, 503 otherwise.
func HealthHandler(checker Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		start := time.Now()
		err := checker.Ping(ctx)
		body := map[string]interface{}{
			"driver":  checker.Driver(),
			"latency": time.Since(start).String(),
		}
		if stats := checker.Stats(); stats != nil {
			body["pool"] = stats
		}

		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"success": false,
				"message": "Database unavailable",
				"data":    body,
			})
		}

		body["status"] = "healthy"
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": true,
			"data":    body,
		})
	}
}
