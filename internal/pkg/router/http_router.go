package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/app/controllers"
)

// HttpRouter serves the unauthenticated surface: provider callbacks and
// health checks.
type HttpRouter struct {
	webhooks *controllers.WebhookController
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})

	hooks := app.Group("/webhooks")
	hooks.Post("/:provider", h.webhooks.HandleWebhook)
	hooks.Get("/:provider", h.webhooks.HandleWebhook)
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{webhooks: controllers.NewWebhookController(deps.Service)}
}
