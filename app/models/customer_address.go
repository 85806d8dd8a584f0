package models

import (
	"strings"
	"time"
)

// CustomerAddress is the billing address used as tax context.
type CustomerAddress struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"uniqueIndex;not null" json:"user_id"`
	Country   string    `gorm:"type:varchar(2);not null" json:"country"`
	State     string    `gorm:"type:varchar(64)" json:"state,omitempty"`
	City      string    `gorm:"type:varchar(128)" json:"city,omitempty"`
	Zip       string    `gorm:"type:varchar(16)" json:"zip,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Empty reports whether there is nothing to base a tax lookup on.
func (a *CustomerAddress) Empty() bool {
	return a == nil || strings.TrimSpace(a.Country) == ""
}
