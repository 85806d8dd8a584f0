package models

import (
	"strconv"
	"time"
)

// PaymentSubscription is a recurring billing agreement between a payer and a
// creator. EndDate is set on cancellation or termination and marks the end of
// the entitlement, not necessarily the moment the record changed.
type PaymentSubscription struct {
	ID                        string        `gorm:"type:char(36);primaryKey" json:"id"`
	MerchantRef               string        `gorm:"type:varchar(20);uniqueIndex;not null" json:"merchant_ref"`
	PayerID                   uint          `gorm:"not null;index:idx_payment_subscriptions_pair,priority:1" json:"payer_id"`
	CreatorID                 uint          `gorm:"not null;index:idx_payment_subscriptions_pair,priority:2" json:"creator_id"`
	TierRef                   string        `gorm:"type:varchar(191);not null" json:"tier_ref"`
	Amount                    int64         `gorm:"not null" json:"amount"`
	PlatformFeeBps            int64         `gorm:"not null;default:0" json:"platform_fee_bps"`
	TaxRateBps                int64         `gorm:"not null;default:0" json:"tax_rate_bps"`
	Currency                  string        `gorm:"type:varchar(3);not null" json:"currency"`
	IntervalMonths            int           `gorm:"not null;default:1" json:"interval_months"`
	BundleMultiplier          int           `gorm:"not null;default:1" json:"bundle_multiplier"`
	CampaignID                *uint         `gorm:"index" json:"campaign_id,omitempty"`
	Provider                  string        `gorm:"type:varchar(20);not null;index:ux_payment_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID    *string       `gorm:"type:varchar(191);index:ux_payment_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id,omitempty"`
	FirstPaymentTransactionID *string       `gorm:"type:char(36);index" json:"first_payment_transaction_id,omitempty"`
	ReferralCode              string        `gorm:"type:varchar(64);default:''" json:"referral_code,omitempty"`
	Status                    PaymentStatus `gorm:"type:varchar(20);not null;index:idx_payment_subscriptions_pair,priority:3" json:"status"`
	OpenKey                   *string       `gorm:"type:varchar(64);uniqueIndex:ux_payment_subscriptions_open_key" json:"-"`
	StartDate                 time.Time     `gorm:"type:timestamp;not null" json:"start_date"`
	EndDate                   *time.Time    `gorm:"type:timestamp;default:null" json:"end_date,omitempty"`
	ErrorMessage              string        `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt                 time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// OpenKeyFor is the key an open subscription holds for its payer and
// creator. It is unique, and NULL once the subscription closes.
func OpenKeyFor(payerID, creatorID uint) string {
	return strconv.FormatUint(uint64(payerID), 10) + ":" + strconv.FormatUint(uint64(creatorID), 10)
}

// PeriodMonths is the length of one billed period including the bundle.
func (s *PaymentSubscription) PeriodMonths() int {
	interval := s.IntervalMonths
	if interval <= 0 {
		interval = 1
	}
	bundle := s.BundleMultiplier
	if bundle <= 0 {
		bundle = 1
	}
	return interval * bundle
}

// RecurringAmount is the amount charged each billed period.
func (s *PaymentSubscription) RecurringAmount() int64 {
	bundle := s.BundleMultiplier
	if bundle <= 0 {
		bundle = 1
	}
	return s.Amount * int64(bundle)
}

// ProviderSubID returns the provider subscription id or an empty string.
func (s *PaymentSubscription) ProviderSubID() string {
	if s.ProviderSubscriptionID == nil {
		return ""
	}
	return *s.ProviderSubscriptionID
}

// HasAccess reports whether the subscriber is entitled at the given time.
func (s *PaymentSubscription) HasAccess(at time.Time) bool {
	switch s.Status {
	case PaymentStatusActive:
		return true
	case PaymentStatusCancelled:
		return s.EndDate != nil && at.Before(*s.EndDate)
	default:
		return false
	}
}
