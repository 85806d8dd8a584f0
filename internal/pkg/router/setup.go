package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/app/controllers"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the collaborators the routes are wired to.
type Dependencies struct {
	Service        controllers.PaymentService
	UpstreamAPIKey string
	// LimiterStorage is optional; nil keeps counters in memory.
	LimiterStorage fiber.Storage
	LimiterMax     int
	LimiterWindow  time.Duration
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Webhooks first: they must not pass the API key or rate limit.
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
