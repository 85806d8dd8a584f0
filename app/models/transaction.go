package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransactionKind identifies the product a transaction pays for.
type TransactionKind string

const (
	TransactionKindTip                TransactionKind = "tip"
	TransactionKindPaidPost           TransactionKind = "paid_post"
	TransactionKindCameo              TransactionKind = "cameo"
	TransactionKindSubscriptionCharge TransactionKind = "subscription_charge"
	TransactionKindGemPurchase        TransactionKind = "gem_purchase"
)

// ProviderGems marks transactions funded from the payer's gems wallet.
const ProviderGems = "gems"

// Transaction is the single record type for every one-off or recurring charge.
// Rows are never deleted; only the reconciliation engine mutates Status.
type Transaction struct {
	ID                    string          `gorm:"type:char(36);primaryKey" json:"id"`
	MerchantRef           string          `gorm:"type:varchar(20);uniqueIndex;not null" json:"merchant_ref"`
	Kind                  TransactionKind `gorm:"type:varchar(32);not null;index:idx_transactions_payer_product,priority:2" json:"kind"`
	PayerID               uint            `gorm:"not null;index:idx_transactions_payer_product,priority:1" json:"payer_id"`
	PayeeID               uint            `gorm:"not null;index" json:"payee_id"`
	ProductRef            string          `gorm:"type:varchar(191);not null;default:'';index:idx_transactions_payer_product,priority:3" json:"product_ref"`
	Amount                int64           `gorm:"not null" json:"amount"`
	ProcessingFee         int64           `gorm:"not null;default:0" json:"processing_fee"`
	PlatformFee           int64           `gorm:"not null;default:0" json:"platform_fee"`
	TaxFee                int64           `gorm:"not null;default:0" json:"tax_fee"`
	TotalAmount           int64           `gorm:"not null" json:"total_amount"`
	GemsAmount            int64           `gorm:"not null;default:0" json:"gems_amount,omitempty"`
	Currency              string          `gorm:"type:varchar(3);not null" json:"currency"`
	Provider              string          `gorm:"type:varchar(20);not null;index:ux_transactions_provider_txid,unique,priority:1" json:"provider"`
	ProviderTransactionID *string         `gorm:"type:varchar(191);index:ux_transactions_provider_txid,unique,priority:2" json:"provider_transaction_id,omitempty"`
	SubscriptionID        *string         `gorm:"type:char(36);index" json:"subscription_id,omitempty"`
	Status                PaymentStatus   `gorm:"type:varchar(20);not null;index" json:"status"`
	ReferralCode          string          `gorm:"type:varchar(64);default:''" json:"referral_code,omitempty"`
	ErrorMessage          string          `gorm:"type:text" json:"error_message,omitempty"`
	SettledAt             *time.Time      `gorm:"type:timestamp;default:null" json:"settled_at,omitempty"`
	CreatedAt             time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// NetAmount is what the payee side receives before referral splits.
func (t *Transaction) NetAmount() int64 {
	return t.Amount - t.PlatformFee
}

// ProviderTxID returns the provider id or an empty string.
func (t *Transaction) ProviderTxID() string {
	if t.ProviderTransactionID == nil {
		return ""
	}
	return *t.ProviderTransactionID
}

// NewPaymentID returns a time-ordered identifier (UUIDv7, millisecond
// timestamp in the leading bits).
func NewPaymentID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// PaymentIDTime extracts the creation timestamp embedded in a UUIDv7 id.
func PaymentIDTime(id string) (time.Time, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec), true
}

// MerchantRefFor derives the reference sent to gateways from a payment id.
// It is the id without dashes, cut to the last 20 hex characters, which is
// the tightest invoice number limit among supported gateways.
func MerchantRefFor(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) > 20 {
		return compact[len(compact)-20:]
	}
	return compact
}
