package models

import "time"

// ReferralKind separates the two independent referral programs.
type ReferralKind string

const (
	// ReferralKindFan rewards the user who referred a paying fan. Funded
	// from the creator's net amount.
	ReferralKindFan ReferralKind = "fan"
	// ReferralKindCreator rewards the creator who referred the payee.
	// Funded by the platform.
	ReferralKindCreator ReferralKind = "creator"
)

// ReferralTransaction records one payout tied to one originating
// transaction. Deleted again when the transaction is reversed.
type ReferralTransaction struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	TransactionID string       `gorm:"type:char(36);not null;index:ux_referral_transactions_tx_kind,unique,priority:1" json:"transaction_id"`
	Kind          ReferralKind `gorm:"type:varchar(16);not null;index:ux_referral_transactions_tx_kind,unique,priority:2" json:"kind"`
	ReferrerID    uint         `gorm:"not null;index" json:"referrer_id"`
	Amount        int64        `gorm:"not null" json:"amount"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

// ReferralCode is a fan-referral code owned by a referrer. SharePercent is
// the whole-number share of the creator's net amount paid to the owner.
type ReferralCode struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Code         string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	OwnerID      uint      `gorm:"not null;index" json:"owner_id"`
	CreatorID    uint      `gorm:"not null;index" json:"creator_id"`
	SharePercent int64     `gorm:"not null;default:0" json:"share_percent"`
	Active       bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Usable reports whether the code may split a payment for the given creator.
func (c *ReferralCode) Usable(creatorID, payerID uint) bool {
	if c == nil || !c.Active || c.SharePercent <= 0 || c.SharePercent > 100 {
		return false
	}
	return c.CreatorID == creatorID && c.OwnerID != payerID && c.OwnerID != creatorID
}
