package server

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RequestIDHeader echoes a caller-supplied request ID, or a generated one
const RequestIDHeader = "X-Request-ID"

// quietPaths are polled often; they log at debug level only
var quietPaths = map[string]bool{
	"/metrics":   true,
	"/health":    true,
	"/api/doa":   true,
	"/api/stats": true,
}

// LoggingMiddleware tags each request with an ID and logs it
func LoggingMiddleware(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		id := c.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDHeader, id)

		// Process request
		err := c.Next()

		level := slog.LevelInfo
		path := c.Path()
		if quietPaths[path] {
			level = slog.LevelDebug
		}
		status := c.Response().StatusCode()
		if err != nil || status >= fiber.StatusInternalServerError {
			level = slog.LevelWarn
		}

		logger.Log(c.UserContext(), level, "http request",
			"request_id", id,
			"method", c.Method(),
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"ip", c.IP(),
		)

		return err
	}
}
