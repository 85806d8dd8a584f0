package models

import "time"

// ProductPrice is the platform's price source. Kind combined with Ref
// identifies a tier, paid post, cameo duration or gem package.
type ProductPrice struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	Kind           TransactionKind `gorm:"type:varchar(32);not null;index:ux_product_prices_kind_ref,unique,priority:1" json:"kind"`
	Ref            string          `gorm:"type:varchar(191);not null;index:ux_product_prices_kind_ref,unique,priority:2" json:"ref"`
	CreatorID      uint            `gorm:"not null;index" json:"creator_id"`
	Amount         int64           `gorm:"not null" json:"amount"`
	Currency       string          `gorm:"type:varchar(3);not null" json:"currency"`
	IntervalMonths int             `gorm:"not null;default:0" json:"interval_months,omitempty"`
	GemsAmount     int64           `gorm:"not null;default:0" json:"gems_amount,omitempty"`
	Active         bool            `gorm:"not null;default:true" json:"active"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
