package models

import "time"

// BalanceKind distinguishes the wallets a user can hold.
type BalanceKind string

const (
	BalanceKindCreator  BalanceKind = "creator"
	BalanceKindGems     BalanceKind = "gems"
	BalanceKindReferral BalanceKind = "referral"
)

// Balance is an integer minor-unit accumulator. Amount is only changed by
// the ledger inside a database transaction.
type Balance struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	UserID    uint        `gorm:"not null;index:ux_balances_user_kind,unique,priority:1" json:"user_id"`
	Kind      BalanceKind `gorm:"type:varchar(16);not null;index:ux_balances_user_kind,unique,priority:2" json:"kind"`
	Amount    int64       `gorm:"not null;default:0" json:"amount"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// BalanceRef addresses a single wallet.
type BalanceRef struct {
	UserID uint
	Kind   BalanceKind
}

// LedgerReason explains why a ledger entry was written.
type LedgerReason string

const (
	LedgerReasonSettle    LedgerReason = "settle"
	LedgerReasonReverse   LedgerReason = "reverse"
	LedgerReasonDebit     LedgerReason = "debit"
	LedgerReasonCredit    LedgerReason = "credit"
	LedgerReasonReinstate LedgerReason = "reinstate"
)

// LedgerEntry is the append-only log of every balance delta, keyed by the
// transaction that caused it.
type LedgerEntry struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	TransactionID string       `gorm:"type:char(36);not null;index" json:"transaction_id"`
	UserID        uint         `gorm:"not null;index" json:"user_id"`
	Kind          BalanceKind  `gorm:"type:varchar(16);not null" json:"kind"`
	Delta         int64        `gorm:"not null" json:"delta"`
	Reason        LedgerReason `gorm:"type:varchar(16);not null" json:"reason"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

// Ref returns the wallet this entry touched.
func (e *LedgerEntry) Ref() BalanceRef {
	return BalanceRef{UserID: e.UserID, Kind: e.Kind}
}
