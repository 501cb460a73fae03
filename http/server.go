// Package http provides the shared Echo server setup used by the admin API:
// standard middleware, health checks, and graceful shutdown.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"dazzle.dev/core/config"
)

// NewEchoServer creates an Echo server with the standard middleware stack:
// request logging, panic recovery, CORS, request ids, body limit, and an
// optional in-memory rate limiter.
func NewEchoServer(cfg config.ServerConfig) *echo.Echo {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("10M"))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}

	return e
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service,omitempty"`
	Tier    string                 `json:"tier,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthCheckHandler returns a handler reporting the service healthy.
func HealthCheckHandler(serviceName, tier string, detailsFunc func() map[string]interface{}) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := HealthResponse{
			Status:  "healthy",
			Service: serviceName,
			Tier:    tier,
		}
		if detailsFunc != nil {
			resp.Details = detailsFunc()
		}
		return c.JSON(http.StatusOK, resp)
	}
}

// StartServer starts the Echo server with the configured timeouts. Blocks
// until the server stops.
func StartServer(e *echo.Echo, cfg config.ServerConfig, logger *logrus.Logger) error {
	s := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	logger.WithFields(logrus.Fields{
		"host": cfg.Host,
		"port": cfg.Port,
	}).Info("starting admin server")
	return e.StartServer(s)
}

// GracefulShutdown stops accepting connections and waits for in-flight
// requests up to the timeout.
func GracefulShutdown(e *echo.Echo, timeout time.Duration, logger *logrus.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("shutting down admin server")
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// ErrorResponse is the standard error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HTTPErrorHandler renders every error as a JSON ErrorResponse.
func HTTPErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := err.Error()

	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
	}

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
	})
}
