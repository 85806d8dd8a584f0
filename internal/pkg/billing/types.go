package billing

import (
	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/campaign"
	"github.com/ManuelReschke/PayFox/internal/pkg/fees"
)

// PurchaseRequest covers tips, paid posts, cameos and gem packages. Amount
// is only read for tips; every other kind is priced from ProductRef.
type PurchaseRequest struct {
	PayerID      uint
	PayeeID      uint
	ProductRef   string
	Amount       int64
	Provider     string
	ReferralCode string
	Description  string
}

type PurchaseResult struct {
	Transaction *models.Transaction
	Breakdown   fees.Breakdown
	// RedirectURL is set when the payer must finish on the gateway's pages.
	RedirectURL string
}

type GemTipRequest struct {
	PayerID      uint
	PayeeID      uint
	ProductRef   string
	Amount       int64
	ReferralCode string
}

type SubscribeRequest struct {
	PayerID          uint
	CreatorID        uint
	TierRef          string
	BundleMultiplier int
	Provider         string
	ReferralCode     string
}

type SubscribeResult struct {
	Subscription     *models.PaymentSubscription
	FirstTransaction *models.Transaction
	Terms            *campaign.Terms
	Breakdown        *fees.Breakdown
	RedirectURL      string
}

type RefundRequest struct {
	TransactionID string
	// ActorID must be the payee of the transaction.
	ActorID uint
	Reason  string
}

type RefundResult struct {
	Transaction      *models.Transaction
	ProviderRefundID string
	// Completed is true when the refund was applied locally (gem tips).
	// Gateway refunds complete when the provider's notification arrives.
	Completed bool
}

type QuoteRequest struct {
	Kind       models.TransactionKind
	PayerID    uint
	PayeeID    uint
	ProductRef string
	Amount     int64
}

// WebhookOutcome describes what happened to one inbound notification.
type WebhookOutcome string

const (
	WebhookApplied          WebhookOutcome = "applied"
	WebhookNoop             WebhookOutcome = "noop"
	WebhookIgnored          WebhookOutcome = "ignored"
	WebhookDuplicate        WebhookOutcome = "duplicate"
	WebhookUnmatched        WebhookOutcome = "unmatched"
	WebhookInvalidSignature WebhookOutcome = "invalid_signature"
	WebhookMalformed        WebhookOutcome = "malformed"
)

type WebhookResult struct {
	Outcome        WebhookOutcome
	EventID        string
	TransactionID  string
	SubscriptionID string
	// Ack is the response body a provider expects, if any.
	Ack string
}
