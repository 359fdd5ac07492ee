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
	AcquireDuration string `json:"acquire_duration"`
}

// Checker is a named dependency probe reported by the health endpoint.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

func statsOf(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// HealthHandler pings the database and any extra dependencies (redis, broker).
// Any failing check turns the response into a 503.
func HealthHandler(pool *pgxpool.Pool, extra ...Checker) echo.HandlerFunc {
	checks := make([]Checker, 0, len(extra)+1)
	if pool != nil {
		checks = append(checks, Checker{Name: "database", Check: pool.Ping})
	}
	checks = append(checks, extra...)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status, results := runChecks(ctx, checks)
		body := map[string]interface{}{
			"status": status,
			"checks": results,
		}
		if pool != nil {
			body["pool"] = statsOf(pool)
		}
		if status != "healthy" {
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}

func runChecks(ctx context.Context, checks []Checker) (string, map[string]string) {
	status := "healthy"
	results := make(map[string]string, len(checks))
	for _, chk := range checks {
		if err := chk.Check(ctx); err != nil {
			results[chk.Name] = err.Error()
			status = "unhealthy"
			continue
		}
		results[chk.Name] = "ok"
	}
	return status, results
}
