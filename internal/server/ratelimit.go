package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/pscheid92/entitysync/internal/metrics"
)

const rateLimiterExpiry = 5 * time.Minute

// newRateLimiter throttles upgrade requests per client IP. Reconnect storms
// from a single misbehaving client get a 429 instead of a socket.
func newRateLimiter(ratePerSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     burst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			metrics.RateLimitedUpgradesTotal.Inc()
			slog.Warn("Throttling connection attempts", "client", identifier)
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "too many connection attempts, slow down and retry",
			})
		},
	})
}
