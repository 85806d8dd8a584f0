package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
)

// PaymentController serves one-off purchases, refunds and reads.
type PaymentController struct {
	svc PaymentService
}

func NewPaymentController(svc PaymentService) *PaymentController {
	return &PaymentController{svc: svc}
}

type purchaseFunc func(ctx context.Context, req billing.PurchaseRequest) (*billing.PurchaseResult, error)

func (pc *PaymentController) HandlePurchaseTip(c *fiber.Ctx) error {
	return pc.purchase(c, pc.svc.PurchaseTip)
}

func (pc *PaymentController) HandlePurchasePaidPost(c *fiber.Ctx) error {
	return pc.purchase(c, pc.svc.PurchasePaidPost)
}

func (pc *PaymentController) HandlePurchaseCameo(c *fiber.Ctx) error {
	return pc.purchase(c, pc.svc.PurchaseCameo)
}

func (pc *PaymentController) HandlePurchaseGems(c *fiber.Ctx) error {
	return pc.purchase(c, pc.svc.PurchaseGems)
}

func (pc *PaymentController) purchase(c *fiber.Ctx, fn purchaseFunc) error {
	var req PurchaseRequest
	if err := parseBody(c, &req); err != nil {
		return writeError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	res, err := fn(ctx, billing.PurchaseRequest{
		PayerID:      currentUserID(c),
		PayeeID:      req.PayeeID,
		ProductRef:   req.ProductRef,
		Amount:       req.Amount,
		Provider:     req.Provider,
		ReferralCode: req.ReferralCode,
		Description:  req.Description,
	})
	return writePurchase(c, res, err)
}

func (pc *PaymentController) HandleTipWithGems(c *fiber.Ctx) error {
	var req GemTipRequest
	if err := parseBody(c, &req); err != nil {
		return writeError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	res, err := pc.svc.TipWithGems(ctx, billing.GemTipRequest{
		PayerID:      currentUserID(c),
		PayeeID:      req.PayeeID,
		ProductRef:   req.ProductRef,
		Amount:       req.Amount,
		ReferralCode: req.ReferralCode,
	})
	return writePurchase(c, res, err)
}

// writePurchase answers 200 for a settled payment, 202 while it is still
// processing or when the payer must continue at the gateway.
func writePurchase(c *fiber.Ctx, res *billing.PurchaseResult, err error) error {
	if res == nil || err != nil && !errors.Is(err, billing.ErrProcessingTimeout) {
		return writeError(c, err)
	}
	body := fiber.Map{
		"transaction": res.Transaction,
		"breakdown":   res.Breakdown,
	}
	switch {
	case err != nil:
		body["status"] = "processing"
		return c.Status(fiber.StatusAccepted).JSON(body)
	case res.RedirectURL != "":
		body["status"] = "redirect"
		body["redirect_url"] = res.RedirectURL
		return c.Status(fiber.StatusAccepted).JSON(body)
	}
	body["status"] = string(res.Transaction.Status)
	return c.Status(fiber.StatusOK).JSON(body)
}

func (pc *PaymentController) HandleRefund(c *fiber.Ctx) error {
	var req RefundRequest
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return writeError(c, err)
		}
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	res, err := pc.svc.RequestRefund(ctx, billing.RefundRequest{
		TransactionID: c.Params("id"),
		ActorID:       currentUserID(c),
		Reason:        req.Reason,
	})
	if err != nil {
		return writeError(c, err)
	}
	status := fiber.StatusAccepted
	if res.Completed {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"transaction":        res.Transaction,
		"provider_refund_id": res.ProviderRefundID,
		"completed":          res.Completed,
	})
}

func (pc *PaymentController) HandleGetTransaction(c *fiber.Ctx) error {
	tx, err := pc.svc.GetTransaction(c.UserContext(), c.Params("id"), currentUserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"transaction": tx})
}

func (pc *PaymentController) HandleQuote(c *fiber.Ctx) error {
	var q QuoteQuery
	if err := parseQuery(c, &q); err != nil {
		return writeError(c, err)
	}
	breakdown, err := pc.svc.Quote(c.UserContext(), billing.QuoteRequest{
		Kind:       models.TransactionKind(q.Kind),
		PayerID:    currentUserID(c),
		PayeeID:    q.PayeeID,
		ProductRef: q.ProductRef,
		Amount:     q.Amount,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"breakdown": breakdown})
}
