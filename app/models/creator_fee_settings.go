package models

import "time"

// CreatorFeeSettings holds creator-specific platform fee rates in basis
// points (1000 = 10%). A nil rate falls back to the platform default.
type CreatorFeeSettings struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	CreatorID             uint      `gorm:"uniqueIndex;not null" json:"creator_id"`
	TipFeeBps             *int64    `json:"tip_fee_bps,omitempty"`
	SubscriptionFeeBps    *int64    `json:"subscription_fee_bps,omitempty"`
	PaidPostFeeBps        *int64    `json:"paid_post_fee_bps,omitempty"`
	CameoFeeBps           *int64    `json:"cameo_fee_bps,omitempty"`
	ReferredByCreatorID   *uint     `gorm:"index" json:"referred_by_creator_id,omitempty"`
	CreatorReferralFeeBps int64     `gorm:"not null;default:0" json:"creator_referral_fee_bps"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FeeBps returns the platform fee rate that applies to the given kind.
func (s *CreatorFeeSettings) FeeBps(kind TransactionKind, fallback int64) int64 {
	if kind == TransactionKindGemPurchase {
		return 0
	}
	if s == nil {
		return fallback
	}
	var rate *int64
	switch kind {
	case TransactionKindTip:
		rate = s.TipFeeBps
	case TransactionKindSubscriptionCharge:
		rate = s.SubscriptionFeeBps
	case TransactionKindPaidPost:
		rate = s.PaidPostFeeBps
	case TransactionKindCameo:
		rate = s.CameoFeeBps
	}
	if rate == nil {
		return fallback
	}
	return *rate
}

// HasCreatorReferral reports whether a platform-funded referral payout is due
// to another creator on this creator's sales.
func (s *CreatorFeeSettings) HasCreatorReferral() bool {
	return s != nil && s.ReferredByCreatorID != nil && *s.ReferredByCreatorID != s.CreatorID && s.CreatorReferralFeeBps > 0
}
