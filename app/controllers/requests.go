package controllers

import (
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
)

type PurchaseRequest struct {
	PayeeID      uint   `json:"payee_id" validate:"required"`
	ProductRef   string `json:"product_ref" validate:"omitempty,max=191"`
	Amount       int64  `json:"amount" validate:"gte=0"`
	Provider     string `json:"provider" validate:"required,max=20"`
	ReferralCode string `json:"referral_code" validate:"omitempty,max=64"`
	Description  string `json:"description" validate:"omitempty,max=255"`
}

type GemTipRequest struct {
	PayeeID      uint   `json:"payee_id" validate:"required"`
	ProductRef   string `json:"product_ref" validate:"omitempty,max=191"`
	Amount       int64  `json:"amount" validate:"required,gt=0"`
	ReferralCode string `json:"referral_code" validate:"omitempty,max=64"`
}

type SubscribeRequest struct {
	CreatorID        uint   `json:"creator_id" validate:"required"`
	TierRef          string `json:"tier_ref" validate:"required,max=191"`
	BundleMultiplier int    `json:"bundle_multiplier" validate:"gte=0,lte=12"`
	Provider         string `json:"provider" validate:"required,max=20"`
	ReferralCode     string `json:"referral_code" validate:"omitempty,max=64"`
}

type RefundRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=255"`
}

type QuoteQuery struct {
	Kind       string `query:"kind" validate:"required,oneof=tip paid_post cameo subscription_charge gem_purchase"`
	PayeeID    uint   `query:"payee_id"`
	ProductRef string `query:"product_ref" validate:"omitempty,max=191"`
	Amount     int64  `query:"amount" validate:"gte=0"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			for _, tag := range []string{"json", "query"} {
				if name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]; name != "" && name != "-" {
					return name
				}
			}
			return f.Name
		})
	})
	return validate
}

// validateStruct turns validator failures into billing validation errors so
// the handlers share one error mapping.
func validateStruct(v interface{}) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return &billing.ValidationError{Field: fe.Field(), Message: "failed on " + fe.Tag()}
	}
	return &billing.ValidationError{Message: err.Error()}
}

func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return &billing.ValidationError{Message: "invalid request body"}
	}
	return validateStruct(out)
}

func parseQuery(c *fiber.Ctx, out interface{}) error {
	if err := c.QueryParser(out); err != nil {
		return &billing.ValidationError{Message: "invalid query"}
	}
	return validateStruct(out)
}
