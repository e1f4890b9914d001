package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/oralvis/oralvis/internal/config"
	"github.com/oralvis/oralvis/internal/domain/identity"
	"github.com/oralvis/oralvis/internal/domain/submission"
	"github.com/oralvis/oralvis/internal/platform/auth"
	"github.com/oralvis/oralvis/internal/platform/blobstore"
	"github.com/oralvis/oralvis/internal/platform/db"
	"github.com/oralvis/oralvis/internal/platform/middleware"
)

// newLogger builds the process logger: JSON on stdout, or a console writer
// in development.
func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// backend holds the repositories of the configured database driver.
type backend struct {
	users       identity.UserRepository
	submissions submission.Repository
	checker     db.Checker
	pool        *pgxpool.Pool
	closeFn     func()
}

func (b *backend) Close() {
	if b.closeFn != nil {
		b.closeFn()
	}
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.DBDriver {
	case "mongo":
		client, err := db.NewMongoClient(ctx, cfg.MongoURI, uint64(cfg.DBMaxConns))
		if err != nil {
			return nil, err
		}
		database := client.Database(cfg.MongoDatabase)
		return &backend{
			users:       identity.NewMongoRepo(database),
			submissions: submission.NewMongoRepo(database),
			checker:     db.MongoChecker{Client: client},
			closeFn: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = client.Disconnect(ctx)
			},
		}, nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		return &backend{
			users:       identity.NewPostgresRepo(pool),
			submissions: submission.NewPostgresRepo(pool),
			checker:     db.PostgresChecker{Pool: pool},
			pool:        pool,
			closeFn:     pool.Close,
		}, nil
	}
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	switch cfg.BlobBackend {
	case "s3":
		return blobstore.NewS3Store(ctx, blobstore.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	default:
		return blobstore.NewLocalStore(cfg.UploadDir)
	}
}

func newURLResolver(cfg *config.Config) *blobstore.URLResolver {
	return blobstore.NewURLResolver(cfg.BaseURL, blobstore.URLPolicy(cfg.BlobURLPolicy), cfg.SigningKey(), cfg.BlobURLTTL)
}

func newTokenManager(cfg *config.Config) (*auth.TokenManager, error) {
	return auth.NewTokenManager(auth.TokenConfig{
		Secret:     []byte(cfg.JWTSecret),
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		TTL:        cfg.JWTExpiresIn,
		RefreshTTL: cfg.JWTRefreshExpiresIn,
	})
}

// revocationStore is an auth.RevocationStore that needs closing.
type revocationStore interface {
	auth.RevocationStore
	Close()
}

type redisRevocations struct {
	*auth.RedisRevocationStore
	close func() error
}

func (r redisRevocations) Close() { _ = r.close() }

// newRevocationStore shares revocations through Redis when REDIS_URL is set
// and keeps them in process otherwise.
func newRevocationStore(ctx context.Context, cfg *config.Config) (revocationStore, error) {
	if cfg.RedisURL == "" {
		return auth.NewMemoryRevocationStore(), nil
	}
	client, err := auth.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return redisRevocations{RedisRevocationStore: auth.NewRedisRevocationStore(client), close: client.Close}, nil
}

// generalRateLimit turns the RPS and burst settings into the general tier:
// burst requests per burst/RPS seconds.
func generalRateLimit(cfg *config.Config) middleware.RateLimitConfig {
	limit := cfg.RateLimitBurst
	if limit <= 0 {
		limit = 100
	}
	window := 15 * time.Minute
	if cfg.RateLimitRPS > 0 {
		window = time.Duration(float64(limit) / cfg.RateLimitRPS * float64(time.Second))
	}
	return middleware.GeneralRateLimit(limit, window)
}

// userLookup adapts the identity service to what the submission engine needs
// to know about account holders.
func userLookup(svc *identity.Service) submission.UserLookup {
	return submission.UserLookupFunc(func(ctx context.Context, id string) (*submission.UserInfo, error) {
		u, err := svc.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return &submission.UserInfo{ID: u.ID, Name: u.Name, Email: u.Email}, nil
	})
}

func describeBackend(cfg *config.Config) string {
	if cfg.DBDriver == "mongo" {
		return fmt.Sprintf("mongo/%s", cfg.MongoDatabase)
	}
	return "postgres"
}
