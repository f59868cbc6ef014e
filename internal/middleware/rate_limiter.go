package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// channelOpenRate bounds how many channel opens a single client IP may
// attempt per second. The in-memory store also uses it as the burst size.
const channelOpenRate = 20

// RateLimiter creates a rate limiter middleware for the channel endpoint.
// It limits connection attempts per client IP so a reconnect loop cannot
// exhaust the server.
func RateLimiter() echo.MiddlewareFunc {
	config := middleware.RateLimiterConfig{
		// NewRateLimiterMemoryStore keeps counts in memory, which is
		// suitable for single-instance deployments.
		Store: middleware.NewRateLimiterMemoryStore(channelOpenRate),

		// We identify clients by their real IP address.
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.String(http.StatusTooManyRequests, "Too many requests. Please try again later.")
		},
	}
	return middleware.RateLimiterWithConfig(config)
}
