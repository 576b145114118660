package api

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/proisp/radsync/internal/metrics"
	"github.com/proisp/radsync/internal/middleware"
)

// Check reports whether one dependency is usable
type Check func(ctx context.Context) error

// Options configures the health and metrics server
type Options struct {
	Checks       map[string]Check
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
	CheckTimeout time.Duration
}

// NewServer builds the fiber app serving /healthz and /metrics
func NewServer(opts Options) *fiber.App {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 2 * time.Second
	}

	app := fiber.New(fiber.Config{
		AppName:               "radsync",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	app.Use(recover.New())
	app.Use(middleware.RequestID(uuid.NewString))
	app.Use(middleware.Logger(opts.Logger, "/healthz", "/metrics"))

	app.Get("/healthz", healthHandler(opts.Checks, opts.CheckTimeout))
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(opts.Gatherer)))
	return app
}

func healthHandler(checks map[string]Check, timeout time.Duration) fiber.Handler {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()

		healthy := true
		results := make(fiber.Map, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				healthy = false
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		status, code := "healthy", fiber.StatusOK
		if !healthy {
			status, code = "unhealthy", fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status":  status,
			"service": "radsync",
			"checks":  results,
		})
	}
}
