package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	NotificationTypePaymentReceived      = "payment_received"
	NotificationTypePaymentFailed        = "payment_failed"
	NotificationTypePaymentRefunded      = "payment_refunded"
	NotificationTypeSubscriptionStarted  = "subscription_started"
	NotificationTypeSubscriptionCanceled = "subscription_cancelled"
	NotificationTypeReferralPayout       = "referral_payout"
)

type Notification struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	UserID      uint           `gorm:"index" json:"user_id"`
	Type        string         `gorm:"type:varchar(50)" json:"type"`
	Content     string         `gorm:"type:text" json:"content"`
	IsRead      bool           `gorm:"default:false" json:"is_read"`
	ReferenceID string         `gorm:"type:char(36);index" json:"reference_id"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// CreateNotification stores a new unread in-app notification.
func CreateNotification(db *gorm.DB, userID uint, notificationType string, content string, referenceID string) error {
	notification := Notification{
		UserID:      userID,
		Type:        notificationType,
		Content:     content,
		ReferenceID: referenceID,
		IsRead:      false,
	}

	return db.Create(&notification).Error
}
