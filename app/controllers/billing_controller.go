package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

const webhookTimeout = 15 * time.Second

// WebhookController receives provider notifications. Anything that was
// durably handled or can never be handled answers 2xx; only a failure to
// persist answers 5xx so the provider re-delivers.
type WebhookController struct {
	svc PaymentService
}

func NewWebhookController(svc PaymentService) *WebhookController {
	return &WebhookController{svc: svc}
}

func (wc *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	provider := c.Params("provider")
	rawBody := append([]byte(nil), c.BodyRaw()...)
	if len(rawBody) == 0 && c.Method() == fiber.MethodGet {
		// Redirect gateways may call the result URL with query parameters.
		rawBody = append([]byte(nil), c.Request().URI().QueryString()...)
	}
	headers := requestHeaders(c)

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	res, err := wc.svc.HandleWebhook(ctx, provider, headers, rawBody)
	if err != nil {
		log.Errorf("[Webhook] %s delivery failed: %v", provider, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if res.Ack != "" {
		return c.Status(fiber.StatusOK).SendString(res.Ack)
	}
	body := fiber.Map{"ok": true, "outcome": res.Outcome}
	if res.EventID != "" {
		body["event_id"] = res.EventID
	}
	return c.Status(fiber.StatusOK).JSON(body)
}

// requestHeaders copies fasthttp headers into the net/http shape the
// adapters verify against. Form callbacks carry their fields in the body.
func requestHeaders(c *fiber.Ctx) http.Header {
	h := http.Header{}
	for k, vs := range c.GetReqHeaders() {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return h
}
