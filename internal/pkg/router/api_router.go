package router

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
	"github.com/ManuelReschke/PayFox/internal/pkg/usercontext"
)

type ApiRouter struct {
	deps          Dependencies
	payments      *controllers.PaymentController
	subscriptions *controllers.SubscriptionController
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api",
		middleware.APIKeyAuthMiddleware(h.deps.UpstreamAPIKey),
		middleware.UserContextMiddleware,
		h.rateLimiter(),
	)
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1", middleware.RequireUser)

	purchases := v1.Group("/purchases")
	purchases.Post("/tips", h.payments.HandlePurchaseTip)
	purchases.Post("/paid-posts", h.payments.HandlePurchasePaidPost)
	purchases.Post("/cameos", h.payments.HandlePurchaseCameo)
	purchases.Post("/gems", h.payments.HandlePurchaseGems)
	purchases.Post("/gem-tips", h.payments.HandleTipWithGems)

	v1.Get("/transactions/:id", h.payments.HandleGetTransaction)
	v1.Post("/transactions/:id/refund", h.payments.HandleRefund)
	v1.Get("/quotes", h.payments.HandleQuote)

	v1.Post("/subscriptions", h.subscriptions.HandleSubscribe)
	v1.Get("/subscriptions/:id", h.subscriptions.HandleGet)
	v1.Delete("/subscriptions/:id", h.subscriptions.HandleCancel)
}

// rateLimiter counts per asserted user, falling back to the client IP.
func (h ApiRouter) rateLimiter() fiber.Handler {
	limit := h.deps.LimiterMax
	if limit <= 0 {
		limit = 60
	}
	window := h.deps.LimiterWindow
	if window <= 0 {
		window = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        limit,
		Expiration: window,
		Storage:    h.deps.LimiterStorage,
		KeyGenerator: func(c *fiber.Ctx) string {
			if id := usercontext.GetUserID(c); id != 0 {
				return "user:" + strconv.FormatUint(uint64(id), 10)
			}
			return "ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "too many requests",
			})
		},
	})
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{
		deps:          deps,
		payments:      controllers.NewPaymentController(deps.Service),
		subscriptions: controllers.NewSubscriptionController(deps.Service),
	}
}
