package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
)

type SubscriptionController struct {
	svc PaymentService
}

func NewSubscriptionController(svc PaymentService) *SubscriptionController {
	return &SubscriptionController{svc: svc}
}

func (sc *SubscriptionController) HandleSubscribe(c *fiber.Ctx) error {
	var req SubscribeRequest
	if err := parseBody(c, &req); err != nil {
		return writeError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	res, err := sc.svc.Subscribe(ctx, billing.SubscribeRequest{
		PayerID:          currentUserID(c),
		CreatorID:        req.CreatorID,
		TierRef:          req.TierRef,
		BundleMultiplier: req.BundleMultiplier,
		Provider:         req.Provider,
		ReferralCode:     req.ReferralCode,
	})
	if res == nil || err != nil && !errors.Is(err, billing.ErrProcessingTimeout) {
		return writeError(c, err)
	}

	body := fiber.Map{
		"subscription":      res.Subscription,
		"first_transaction": res.FirstTransaction,
		"campaign":          res.Terms,
		"breakdown":         res.Breakdown,
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
	body["status"] = string(res.Subscription.Status)
	return c.Status(fiber.StatusCreated).JSON(body)
}

func (sc *SubscriptionController) HandleCancel(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	sub, err := sc.svc.CancelSubscription(ctx, c.Params("id"), currentUserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"subscription": sub, "access_until": sub.EndDate})
}

func (sc *SubscriptionController) HandleGet(c *fiber.Ctx) error {
	sub, err := sc.svc.GetSubscription(c.UserContext(), c.Params("id"), currentUserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"subscription": sub})
}
