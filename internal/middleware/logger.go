package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Logger middleware for request logging. Health checks are logged at debug
// level so they do not drown the rest.
func Logger(log *zap.Logger, quiet ...string) fiber.Handler {
	skip := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		skip[p] = true
	}
	return func(c *fiber.Ctx) error {
		start := time.Now()

		// Process request
		err := c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", c.IP()),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		if skip[c.Path()] && err == nil {
			log.Debug("HTTP request", fields...)
		} else {
			log.Info("HTTP request", fields...)
		}
		return err
	}
}

// RequestID propagates X-Request-ID, generating one when the caller sent none
func RequestID(generate func() string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(fiber.HeaderXRequestID)
		if id == "" {
			id = generate()
		}
		c.Set(fiber.HeaderXRequestID, id)
		c.Locals("request_id", id)
		return c.Next()
	}
}
