package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the connection pool snapshot reported by the health endpoint.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	AcquireCount  int64  `json:"acquire_count"`
	EmptyAcquires int64  `json:"empty_acquires"`
	AcquireWait   string `json:"acquire_wait"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		AcquireCount:  stat.AcquireCount(),
		EmptyAcquires: stat.EmptyAcquireCount(),
		AcquireWait:   stat.AcquireDuration().String(),
	}
}

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func runChecks(ctx context.Context, checks map[string]Check) ([]checkResult, bool) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	results := make([]checkResult, 0, len(names))
	for _, name := range names {
		r := checkResult{Name: name, Status: "up"}
		if err := checks[name](ctx); err != nil {
			r.Status = "down"
			r.Error = err.Error()
			healthy = false
		}
		results = append(results, r)
	}
	return results, healthy
}

// HealthHandler pings the database plus any extra checks (the notification
// broker, for one) and reports 503 when any of them fails.
func HealthHandler(pool *pgxpool.Pool, extra map[string]Check) echo.HandlerFunc {
	checks := map[string]Check{"postgres": pool.Ping}
	for name, check := range extra {
		checks[name] = check
	}

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		results, healthy := runChecks(ctx, checks)
		body := map[string]interface{}{
			"status": "healthy",
			"checks": results,
			"pool":   GetPoolStats(pool),
		}
		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
