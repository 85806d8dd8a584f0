package models

import "time"

// PaymentMethod is a stored payment profile at a provider, such as a
// customer/payment profile pair or a vaulted wallet token.
type PaymentMethod struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UserID            uint      `gorm:"not null;index:idx_payment_methods_user_provider,priority:1" json:"user_id"`
	Provider          string    `gorm:"type:varchar(20);not null;index:idx_payment_methods_user_provider,priority:2" json:"provider"`
	CustomerProfileID string    `gorm:"type:varchar(191)" json:"customer_profile_id,omitempty"`
	PaymentProfileID  string    `gorm:"type:varchar(191);not null" json:"payment_profile_id"`
	LastDigits        string    `gorm:"type:varchar(4)" json:"last_digits,omitempty"`
	Email             string    `gorm:"type:varchar(191)" json:"email,omitempty"`
	IsDefault         bool      `gorm:"not null;default:false" json:"is_default"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
