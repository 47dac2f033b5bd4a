package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7ingest/internal/config"
	"github.com/ehr/hl7ingest/internal/domain/clinical"
	"github.com/ehr/hl7ingest/internal/domain/ingestion"
	"github.com/ehr/hl7ingest/internal/platform/auth"
	"github.com/ehr/hl7ingest/internal/platform/db"
	"github.com/ehr/hl7ingest/internal/platform/events"
	"github.com/ehr/hl7ingest/internal/platform/hl7v2"
	"github.com/ehr/hl7ingest/internal/platform/middleware"
)

// app holds the backends selected by configuration and the coordinator
// built on top of them.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	redis   *redis.Client
	store   clinical.Store
	ledger  ingestion.Ledger
	reports ingestion.ReportRepository
	coord   *ingestion.Coordinator
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.NeedsDatabase() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, db.WithSearchPath(cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		a.pool = pool
		logger.Info().Msg("connected to database")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			// Not fatal: the ledger ping in the pre-flight check reports
			// the outage per batch.
			logger.Warn().Err(err).Msg("redis not reachable at startup")
		}
	}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		a.store = clinical.NewPGStore(a.pool)
	default:
		a.store = clinical.NewMemoryStore()
	}

	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		a.ledger = ingestion.NewPostgresLedger(a.pool, cfg.LedgerReservationTTL)
	case config.BackendRedis:
		a.ledger = ingestion.NewRedisLedger(a.redis, "", cfg.LedgerReservationTTL)
	default:
		a.ledger = ingestion.NewMemoryLedger(cfg.LedgerReservationTTL)
	}

	switch cfg.ReportBackend {
	case config.BackendPostgres:
		a.reports = ingestion.NewPGReportRepository(a.pool)
	default:
		a.reports = ingestion.NewMemoryReportRepository()
	}

	publisher, err := a.publisher()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.coord = ingestion.NewCoordinator(a.store, a.ledger, ingestion.CoordinatorConfig{
		Concurrency:  cfg.IngestConcurrency,
		BatchTimeout: cfg.IngestBatchTimeout,
		Reports:      a.reports,
		Publisher:    publisher,
	}, logger)
	return a, nil
}

// publisher fans the batch report event out to the log and, when
// configured, a Redis stream and webhook subscribers.
func (a *app) publisher() (events.Publisher, error) {
	pubs := events.Multi{events.NewLogPublisher(a.logger)}
	if a.redis != nil && a.cfg.ReportStream != "" {
		pubs = append(pubs, events.NewRedisStreamPublisher(a.redis, a.cfg.ReportStream, a.cfg.ReportStreamMaxLen))
	}
	if len(a.cfg.WebhookURLs) > 0 {
		wh, err := events.NewWebhookPublisher(a.cfg.WebhookURLs, a.cfg.WebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("webhook publisher: %w", err)
		}
		pubs = append(pubs, wh)
	}
	return pubs, nil
}

func (a *app) idempotencyStore() middleware.IdempotencyStore {
	if a.redis != nil {
		return middleware.NewRedisIdempotencyStore(a.redis, "", a.cfg.IdempotencyTTL)
	}
	return middleware.NewMemoryIdempotencyStore(a.cfg.IdempotencyTTL)
}

func (a *app) dependencies() []db.Dependency {
	deps := []db.Dependency{
		{Name: "store", Ping: a.store.Ping},
		{Name: "ledger", Ping: a.ledger.Ping},
	}
	if a.redis != nil {
		deps = append(deps, db.Dependency{Name: "redis", Ping: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	return deps
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	if a.cfg.IsDev() {
		a.logger.Warn().Msg("development mode: unauthenticated requests run as admin")
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		JWKSURL:    a.cfg.AuthJWKSURL,
		SigningKey: []byte(a.cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	})
}

// routes builds the HTTP server.
//
//	GET  /health               liveness
//	GET  /health/ready         store, ledger and redis pings
//	     /api/v1/hl7/...       ingestion API
//	     /api/v1/hl7v2/...     decoder troubleshooting
func (a *app) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger, "/health", "/health/ready"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  a.cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.IdempotencyKeyHeader, ingestion.SourceSystemHeader},
		ExposeHeaders: []string{echo.HeaderXRequestID, "X-Batch-ID", middleware.IdempotencyReplayedHeader},
	}))
	e.Use(middleware.SecurityHeaders(a.cfg.IsProduction()))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit, a.cfg.BatchBodyLimit, "/hl7/batches"))
	e.Use(a.authMiddleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/ready", db.HealthHandler(a.pool, a.dependencies()...))

	api := e.Group("/api/v1")
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: a.cfg.RateLimitRPS,
		BurstSize:         a.cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))

	ingestion.NewHandler(a.coord, a.ledger, a.reports, auth.NewScopeAuthorizer(), a.cfg.IngestMaxBatchSize).
		RegisterRoutes(api, middleware.Idempotency(a.idempotencyStore(), a.logger))
	hl7v2.NewHandler().RegisterRoutes(api)

	return e
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
