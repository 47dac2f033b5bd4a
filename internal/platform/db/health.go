package db

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Dependency is a backend probed by the readiness endpoint.
type Dependency struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthHandler reports whether every dependency answers a ping within
// five seconds. pool may be nil when no database is configured; otherwise
// its statistics are included.
func HealthHandler(pool *pgxpool.Pool, deps ...Dependency) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		checks, healthy := runChecks(ctx, deps)
		body := map[string]interface{}{
			"status": "healthy",
			"checks": checks,
		}
		if pool != nil {
			body["pool"] = GetPoolStats(pool)
		}

		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}

// runChecks pings every dependency in parallel, so one slow backend costs
// the probe its own latency rather than the sum.
func runChecks(ctx context.Context, deps []Dependency) (map[string]string, bool) {
	var (
		mu      sync.Mutex
		checks  = make(map[string]string, len(deps))
		healthy = true
	)
	var g errgroup.Group
	for _, dep := range deps {
		dep := dep
		g.Go(func() error {
			result := "ok"
			if err := dep.Ping(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			checks[dep.Name] = result
			if result != "ok" {
				healthy = false
			}
			return nil
		})
	}
	g.Wait()
	return checks, healthy
}
