package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitConfig describes one rate-limit tier: Limit requests per Window
// per client IP, refilled continuously.
type RateLimitConfig struct {
	Name    string
	Limit   int
	Window  time.Duration
	Message string
	// SkipSuccessful refunds the token when the handler answers below 400,
	// so only failed attempts count.
	SkipSuccessful bool
	Skipper        func(echo.Context) bool
}

// GeneralRateLimit is the default tier for every API route except health.
func GeneralRateLimit(limit int, window time.Duration) RateLimitConfig {
	return RateLimitConfig{
		Name:    "general",
		Limit:   limit,
		Window:  window,
		Message: "Too many requests from this IP, please try again later.",
		Skipper: func(c echo.Context) bool {
			p := c.Request().URL.Path
			return p == "/health" || p == "/api/health" || p == "/health/db" || p == "/metrics"
		},
	}
}

// AuthRateLimit limits failed login and registration attempts.
func AuthRateLimit(limit int, window time.Duration) RateLimitConfig {
	return RateLimitConfig{
		Name:           "auth",
		Limit:          limit,
		Window:         window,
		Message:        "Too many authentication attempts, please try again later.",
		SkipSuccessful: true,
	}
}

// UploadRateLimit limits image uploads.
func UploadRateLimit(limit int, window time.Duration) RateLimitConfig {
	return RateLimitConfig{
		Name:    "upload",
		Limit:   limit,
		Window:  window,
		Message: "Too many upload attempts, please try again later.",
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore holds one token bucket per client key and forgets clients
// idle for longer than two windows.
type limiterStore struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	every     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 1
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &limiterStore{
		visitors: make(map[string]*visitor),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		idleTTL:  2 * window,
	}
}

func (s *limiterStore) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) > time.Minute {
		for k, v := range s.visitors {
			if now.Sub(v.lastSeen) > s.idleTTL {
				delete(s.visitors, k)
			}
		}
		s.lastSweep = now
	}

	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.every, s.burst)}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}

// RateLimit returns a per-IP rate limiting middleware for one tier. Every
// response carries RateLimit-Limit and RateLimit-Remaining; rejected
// requests get 429 with Retry-After.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(cfg, newLimiterStore(cfg), time.Now)
}

func rateLimit(cfg RateLimitConfig, store *limiterStore, now func() time.Time) echo.MiddlewareFunc {
	limitHeader := strconv.Itoa(store.burst)
	policyHeader := fmt.Sprintf("%d;w=%d", store.burst, int((store.idleTTL / 2).Seconds()))
	tooMany := func() error {
		return echo.NewHTTPError(http.StatusTooManyRequests, cfg.Message).
			SetInternal(fmt.Errorf("%s rate limit exceeded", cfg.Name))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			t := now()
			lim := store.get(c.RealIP(), t)
			res := lim.ReserveN(t, 1)
			h := c.Response().Header()
			h.Set("RateLimit-Limit", limitHeader)
			h.Set("RateLimit-Policy", policyHeader)

			if !res.OK() {
				h.Set("RateLimit-Remaining", "0")
				h.Set("Retry-After", strconv.Itoa(int(store.idleTTL.Seconds()/2)))
				return tooMany()
			}
			if delay := res.DelayFrom(t); delay > 0 {
				res.CancelAt(t)
				h.Set("RateLimit-Remaining", "0")
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				return tooMany()
			}

			remaining := int(lim.TokensAt(t))
			if remaining < 0 {
				remaining = 0
			}
			h.Set("RateLimit-Remaining", strconv.Itoa(remaining))

			err := next(c)
			if cfg.SkipSuccessful && err == nil && c.Response().Status < http.StatusBadRequest {
				res.CancelAt(t)
			}
			return err
		}
	}
}
