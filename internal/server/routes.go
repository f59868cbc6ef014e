package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/blenny/internal/middleware"
)

// RegisterRoutes sets up all the application routes.
func (s *Server) RegisterRoutes() {
	rateLimiter := middleware.RateLimiter()

	s.E.GET("/ws", s.gateway.Handler, rateLimiter)

	s.E.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
}
