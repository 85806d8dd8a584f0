package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/fees"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/usercontext"
)

// PaymentService is the engine surface the HTTP layer needs.
type PaymentService interface {
	PurchaseTip(ctx context.Context, req billing.PurchaseRequest) (*billing.PurchaseResult, error)
	PurchasePaidPost(ctx context.Context, req billing.PurchaseRequest) (*billing.PurchaseResult, error)
	PurchaseCameo(ctx context.Context, req billing.PurchaseRequest) (*billing.PurchaseResult, error)
	PurchaseGems(ctx context.Context, req billing.PurchaseRequest) (*billing.PurchaseResult, error)
	TipWithGems(ctx context.Context, req billing.GemTipRequest) (*billing.PurchaseResult, error)
	Subscribe(ctx context.Context, req billing.SubscribeRequest) (*billing.SubscribeResult, error)
	CancelSubscription(ctx context.Context, id string, actorID uint) (*models.PaymentSubscription, error)
	RequestRefund(ctx context.Context, req billing.RefundRequest) (*billing.RefundResult, error)
	Quote(ctx context.Context, req billing.QuoteRequest) (fees.Breakdown, error)
	GetTransaction(ctx context.Context, id string, viewerID uint) (*models.Transaction, error)
	GetSubscription(ctx context.Context, id string, viewerID uint) (*models.PaymentSubscription, error)
	HandleWebhook(ctx context.Context, provider string, headers http.Header, body []byte) (*billing.WebhookResult, error)
}

var _ PaymentService = (*billing.Service)(nil)

// requestTimeout bounds a synchronous payment call. It must exceed the
// confirmation wait so the waiter reports the timeout, not the context.
const requestTimeout = 90 * time.Second

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

func currentUserID(c *fiber.Ctx) uint {
	return usercontext.GetUserID(c)
}

func errorJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// writeError maps engine errors to HTTP responses. Gateway reasons are
// passed through so the payer sees what the provider said.
func writeError(c *fiber.Ctx, err error) error {
	var verr *billing.ValidationError
	var perr *billing.PaymentError
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "field": verr.Field, "message": verr.Error()})
	case errors.Is(err, fees.ErrInvalidAmount):
		return errorJSON(c, fiber.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errorJSON(c, fiber.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, billing.ErrAlreadyPurchased):
		return errorJSON(c, fiber.StatusConflict, "already_purchased", err.Error())
	case errors.Is(err, billing.ErrAlreadySubscribed):
		return errorJSON(c, fiber.StatusConflict, "already_subscribed", err.Error())
	case errors.Is(err, billing.ErrConcurrentAttempt):
		return errorJSON(c, fiber.StatusConflict, "attempt_in_progress", err.Error())
	case errors.Is(err, billing.ErrInvalidState):
		return errorJSON(c, fiber.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, billing.ErrInsufficientGems):
		return errorJSON(c, fiber.StatusPaymentRequired, "insufficient_gems", err.Error())
	case errors.Is(err, gateway.ErrDeclined):
		return errorJSON(c, fiber.StatusPaymentRequired, "payment_declined", gateway.ReasonOf(err))
	case errors.As(err, &perr):
		return errorJSON(c, fiber.StatusPaymentRequired, "payment_failed", perr.Error())
	case errors.Is(err, gateway.ErrUnsupported):
		return errorJSON(c, fiber.StatusUnprocessableEntity, "unsupported", err.Error())
	case errors.Is(err, gateway.ErrGateway):
		return errorJSON(c, fiber.StatusBadGateway, "gateway_error", gateway.ReasonOf(err))
	case errors.Is(err, fees.ErrTaxLookupFailed):
		return errorJSON(c, fiber.StatusServiceUnavailable, "tax_unavailable", "tax service unavailable, nothing was charged")
	}
	log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
	return errorJSON(c, fiber.StatusInternalServerError, "internal_server_error", "unexpected error")
}
