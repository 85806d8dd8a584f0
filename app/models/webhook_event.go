package models

import "time"

// ProcessedWebhookEvent marks a provider event as handled. The row is written
// in the same database transaction as the event's side effects, so its
// existence means the event must not be processed again.
type ProcessedWebhookEvent struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"type:varchar(20);not null;index:ux_processed_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string    `gorm:"type:varchar(191);not null;index:ux_processed_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string    `gorm:"type:varchar(100);not null;index" json:"event_type"`
	TransactionID   *string   `gorm:"type:char(36);index" json:"transaction_id,omitempty"`
	SubscriptionID  *string   `gorm:"type:char(36);index" json:"subscription_id,omitempty"`
	Outcome         string    `gorm:"type:varchar(32);not null;default:''" json:"outcome"`
	PayloadJSON     string    `gorm:"type:longtext;not null" json:"payload_json"`
	ProcessedAt     time.Time `gorm:"type:timestamp;not null" json:"processed_at"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}
