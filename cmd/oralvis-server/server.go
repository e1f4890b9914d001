package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/oralvis/oralvis/internal/config"
	"github.com/oralvis/oralvis/internal/domain/identity"
	"github.com/oralvis/oralvis/internal/domain/submission"
	"github.com/oralvis/oralvis/internal/platform/apperr"
	"github.com/oralvis/oralvis/internal/platform/auth"
	"github.com/oralvis/oralvis/internal/platform/blobstore"
	"github.com/oralvis/oralvis/internal/platform/db"
	"github.com/oralvis/oralvis/internal/platform/middleware"
	"github.com/oralvis/oralvis/internal/platform/openapi"
	"github.com/oralvis/oralvis/internal/platform/render"
	"github.com/oralvis/oralvis/internal/platform/telemetry"
	"github.com/oralvis/oralvis/internal/platform/validate"
)

const version = "1.0.0"

// app is everything the HTTP server is assembled from.
type app struct {
	cfg         *config.Config
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	identity    *identity.Service
	submissions *submission.Service
	blobs       blobstore.Store
	urls        *blobstore.URLResolver
	dbChecker   db.Checker
	started     time.Time
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer backend.Close()
	logger.Info().Str("backend", describeBackend(cfg)).Msg("connected to database")

	store, err := openBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open blob store")
	}
	urls := newURLResolver(cfg)

	tokens, err := newTokenManager(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure tokens")
	}
	revocations, err := newRevocationStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer revocations.Close()

	metrics := telemetry.New()
	if backend.pool != nil {
		pool := backend.pool
		if err := metrics.WatchPool("postgres", func() (int32, int32, int32) {
			s := pool.Stat()
			return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
		}); err != nil {
			logger.Warn().Err(err).Msg("pool metrics disabled")
		}
	}

	identitySvc := identity.NewService(backend.users, tokens,
		identity.WithLogger(logger),
		identity.WithBcryptCost(cfg.BcryptCost),
		identity.WithRevocationStore(revocations),
	)

	subOpts := []submission.Option{
		submission.WithLogger(logger),
		submission.WithMetrics(metrics),
		submission.WithStrictLifecycle(cfg.StrictLifecycle),
		submission.WithUploadPolicy(cfg.AllowedImageTypes, cfg.MaxFileSize),
	}
	if cfg.FlattenAnnotations {
		subOpts = append(subOpts, submission.WithFlattener(render.NewFlattener(0)))
	}
	submissionSvc := submission.NewService(backend.submissions, store, urls,
		render.NewPDFRenderer(render.DefaultBranding()), userLookup(identitySvc), subOpts...)

	e := newServer(&app{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		identity:    identitySvc,
		submissions: submissionSvc,
		blobs:       store,
		urls:        urls,
		dbChecker:   backend.checker,
		started:     time.Now(),
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Str("env", cfg.Env).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer assembles the echo instance: global middleware, infrastructure
// endpoints, blob downloads and the authenticated /api routes.
func newServer(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(a.logger, cfg.IsDev())

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction() || cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:     []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID, "If-Match"},
		ExposeHeaders:    []string{echo.HeaderXRequestID, "ETag"},
		AllowCredentials: true,
	}))
	e.Use(middleware.Sanitize(a.logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.RateLimit(generalRateLimit(cfg)))
	e.Use(middleware.BodyLimit("1M", cfg.MaxFileSize+1<<20))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.Audit(a.logger, middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		a.metrics.PHIAccess(entry.Resource, entry.Action)
		return nil
	})))

	// Infrastructure
	health := healthHandler(cfg.Env, a.started)
	e.GET("/health", health)
	e.GET("/api/health", health)
	e.GET("/health/db", db.HealthHandler(a.dbChecker))
	e.GET("/metrics", a.metrics.Handler())

	blobstore.NewHandler(a.blobs, a.urls).RegisterRoutes(e)
	openapi.NewGenerator(version, cfg.BaseURL, auth.IsPublicPath).RegisterRoutes(e)

	api := e.Group("/api", auth.JWTMiddleware(a.identity, auth.AuthSkipper))

	authLimit := middleware.RateLimit(middleware.AuthRateLimit(cfg.AuthRateLimit, cfg.AuthRateWindow))
	identity.NewHandler(a.identity, cfg.IsProduction()).RegisterRoutes(api, authLimit)

	uploadLimit := middleware.RateLimit(middleware.UploadRateLimit(cfg.UploadRateLimit, cfg.UploadRateWindow))
	submission.NewHandler(a.submissions).RegisterRoutes(api, uploadLimit)

	return e
}

// healthHandler reports liveness with uptime and environment.
func healthHandler(env string, started time.Time) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success":     true,
			"status":      "ok",
			"message":     "OralVis Healthcare API is running",
			"version":     version,
			"environment": env,
			"uptime":      time.Since(started).Round(time.Second).String(),
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}
