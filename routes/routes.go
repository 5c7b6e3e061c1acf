package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	controller "mailscore/controllers"
	"mailscore/middleware"
)

const accessLogFormat = "[${time}] ${status} - ${latency} ${method} ${path}\n"

// Dependencies are the handlers and settings the HTTP surface is built from.
// Payment is nil when no database backs the service.
type Dependencies struct {
	Verification   *controller.VerificationController
	Payment        *controller.PaymentController
	JWTSecret      string
	RateLimit      int
	LimiterStorage fiber.Storage
	Gatherer       prometheus.Gatherer
	// Health reports storage reachability; nil means always healthy.
	Health func(ctx context.Context) error
	// AccessLog disables Fiber's request logger when false.
	AccessLog bool
}

func SetupVerificationRoutes(app *fiber.App, deps Dependencies) {
	vc := deps.Verification
	protected := middleware.Protected(deps.JWTSecret)

	handlers := []fiber.Handler{protected}
	if deps.AccessLog {
		handlers = append([]fiber.Handler{logger.New(logger.Config{Format: accessLogFormat})}, handlers...)
	}
	api := app.Group("/api/v1", handlers...)

	verify := api.Group("/verify")
	limited := middleware.VerifyRateLimiter(deps.RateLimit, deps.LimiterStorage)
	verify.Get("/email", limited, vc.VerifyEmail)
	verify.Post("/multiple", limited, vc.VerifyMultiple)
	verify.Post("/bulk", limited, vc.StartBulk)
	verify.Post("/batch/stream", limited, vc.BatchStream)
	verify.Post("/jobs", limited, vc.CreateJob)
	verify.Get("/jobs/:id", vc.GetJob)
	verify.Get("/results", vc.GetResults)
	verify.Get("/results/:email", vc.GetResult)

	api.Get("/credits", vc.GetCredits)

	// Bulk progress socket
	ws := app.Group("/ws", protected, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	ws.Get("/verify/progress/:session_id", websocket.New(vc.BulkProgressWS))
}

func SetupPaymentRoutes(app *fiber.App, deps Dependencies) {
	pc := deps.Payment
	protected := middleware.Protected(deps.JWTSecret)

	api := app.Group("/api/v1", protected)
	api.Get("/plans", pc.GetPlans)
	api.Post("/payment/create-intent", pc.CreatePaymentIntent)

	// Stripe authenticates webhooks by signature
	app.Post("/payment/webhook", pc.HandlePaymentWebhook)
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	app.Get("/health", func(c *fiber.Ctx) error {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			if err := deps.Health(ctx); err != nil {
				logrus.WithError(err).Warn("health check failed")
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
			}
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if deps.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	SetupVerificationRoutes(app, deps)
	if deps.Payment != nil {
		SetupPaymentRoutes(app, deps)
	}

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
