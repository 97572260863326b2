package archive

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger is the part of Archive the health check needs.
type Pinger interface {
	TestConnection(ctx context.Context) (*SystemInfo, error)
}

// HealthHandler reports whether the archive answers its system endpoint.
func HealthHandler(a Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		start := time.Now()
		info, err := a.TestConnection(ctx)
		latency := time.Since(start).String()
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status":  "unhealthy",
				"error":   err.Error(),
				"latency": latency,
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "healthy",
			"archive": info,
			"latency": latency,
		})
	}
}
