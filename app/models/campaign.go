package models

import "time"

type CampaignType string

const (
	CampaignTypeFreeTrial CampaignType = "free_trial"
	CampaignTypeDiscount  CampaignType = "discount"
)

// CampaignAudience selects which payers a campaign targets.
type CampaignAudience string

const (
	CampaignAudienceNew      CampaignAudience = "new"
	CampaignAudienceExisting CampaignAudience = "existing"
	CampaignAudienceBoth     CampaignAudience = "both"
)

// Campaign is a promotional rule attached to a subscribable item (a tier).
// UsageLimit 0 means unlimited. DiscountAmount is the per-period charge for
// the first DiscountPeriods periods, not a permanent price change.
type Campaign struct {
	ID               uint             `gorm:"primaryKey" json:"id"`
	CreatorID        uint             `gorm:"not null;index" json:"creator_id"`
	ItemRef          string           `gorm:"type:varchar(191);not null;index:idx_campaigns_item_created,priority:1" json:"item_ref"`
	Type             CampaignType     `gorm:"type:varchar(16);not null" json:"type"`
	Audience         CampaignAudience `gorm:"type:varchar(16);not null;default:'both'" json:"audience"`
	UsageLimit       int64            `gorm:"not null;default:0" json:"usage_limit"`
	FreeTrialPeriods int              `gorm:"not null;default:0" json:"free_trial_periods"`
	DiscountAmount   int64            `gorm:"not null;default:0" json:"discount_amount"`
	DiscountPeriods  int              `gorm:"not null;default:0" json:"discount_periods"`
	StartsAt         *time.Time       `gorm:"type:timestamp;default:null" json:"starts_at,omitempty"`
	EndsAt           *time.Time       `gorm:"type:timestamp;default:null" json:"ends_at,omitempty"`
	CreatedAt        time.Time        `gorm:"autoCreateTime;index:idx_campaigns_item_created,priority:2" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// Running reports whether the campaign's time box contains at.
func (c *Campaign) Running(at time.Time) bool {
	if c.StartsAt != nil && at.Before(*c.StartsAt) {
		return false
	}
	if c.EndsAt != nil && !at.Before(*c.EndsAt) {
		return false
	}
	return true
}

// Targets reports whether the audience includes the payer.
func (c *Campaign) Targets(existingUser bool) bool {
	switch c.Audience {
	case CampaignAudienceBoth, "":
		return true
	case CampaignAudienceNew:
		return !existingUser
	case CampaignAudienceExisting:
		return existingUser
	default:
		return false
	}
}
