package routes

import (
	"time"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/config"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/tenant"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Setup(
	app *fiber.App,
	cfg *config.Config,
	registry *tenant.Registry,
	gatherer prometheus.Gatherer,
	healthHandler *handlers.HealthHandler,
	subscriptionHandler *handlers.SubscriptionHandler,
	webhookHandler *handlers.WebhookHandler,
) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := app.Group("/api")

	// General API rate limiter: 60 req/min per IP
	api.Use(limiter.New(limiter.Config{
		Max:               60,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
	}))

	// Health (no tenant required)
	api.Get("/health", healthHandler.Check)

	// Subscription (JWT + tenant)
	sub := api.Group("/subscription", middleware.JWTProtected(cfg), middleware.TenantMiddleware(registry))
	sub.Get("/products", subscriptionHandler.Products)
	sub.Get("/products/:id", subscriptionHandler.CachedProduct)
	sub.Get("/status", subscriptionHandler.Status)
	sub.Get("/receipt", subscriptionHandler.Receipt)
	sub.Put("/receipt", subscriptionHandler.UploadReceipt)

	// Store calls are stricter: 10 req/min per user
	storeCalls := limiter.New(limiter.Config{
		Max:               10,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID, err := tenant.GetUserID(c); err == nil {
				return tenant.GetAppID(c) + ":" + userID
			}
			return c.IP()
		},
	})
	sub.Post("/purchase", storeCalls, subscriptionHandler.Purchase)
	sub.Post("/restore", storeCalls, subscriptionHandler.Restore)
	sub.Post("/verify", storeCalls, subscriptionHandler.Verify)

	// Webhooks: per-app auth via :app_id path param (no JWT)
	webhooks := api.Group("/webhooks")
	webhooks.Post("/store/:app_id", webhookHandler.HandleStoreEvent)
}
