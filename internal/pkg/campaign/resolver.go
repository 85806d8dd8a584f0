package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
)

// Store is the read side the resolver needs.
type Store interface {
	// ListCampaigns returns the campaigns of an item in creation order.
	ListCampaigns(ctx context.Context, itemRef string) ([]models.Campaign, error)
	// CountCampaignUsage counts subscriptions referencing the campaign.
	CountCampaignUsage(ctx context.Context, campaignID uint) (int64, error)
	// HasSuccessfulSubscriptionCharge reports whether the payer ever paid a
	// subscription charge to the creator.
	HasSuccessfulSubscriptionCharge(ctx context.Context, payerID, creatorID uint) (bool, error)
}

type Request struct {
	ItemRef   string
	CreatorID uint
	PayerID   uint
	At        time.Time
}

// Terms is the selected promotion. A nil *Terms means full price.
type Terms struct {
	CampaignID       uint
	FreeTrial        bool
	FreeTrialPeriods int
	Discount         bool
	DiscountAmount   int64
	DiscountPeriods  int
}

type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve picks the first campaign, in creation order, that is running,
// targets the payer and still has usage left.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Terms, error) {
	campaigns, err := r.store.ListCampaigns(ctx, req.ItemRef)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		return nil, nil
	}

	existing, err := r.store.HasSuccessfulSubscriptionCharge(ctx, req.PayerID, req.CreatorID)
	if err != nil {
		return nil, fmt.Errorf("payer history: %w", err)
	}

	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	for i := range campaigns {
		c := &campaigns[i]
		if !c.Running(at) || !c.Targets(existing) || !usable(c) {
			continue
		}
		if c.UsageLimit > 0 {
			used, err := r.store.CountCampaignUsage(ctx, c.ID)
			if err != nil {
				return nil, fmt.Errorf("campaign usage: %w", err)
			}
			if used >= c.UsageLimit {
				continue
			}
		}
		return termsFor(c), nil
	}
	return nil, nil
}

// usable filters campaigns whose configuration cannot change a charge.
func usable(c *models.Campaign) bool {
	switch c.Type {
	case models.CampaignTypeFreeTrial:
		return c.FreeTrialPeriods > 0
	case models.CampaignTypeDiscount:
		return c.DiscountPeriods > 0 && c.DiscountAmount >= 0
	}
	return false
}

func termsFor(c *models.Campaign) *Terms {
	t := &Terms{CampaignID: c.ID}
	if c.Type == models.CampaignTypeFreeTrial {
		t.FreeTrial = true
		t.FreeTrialPeriods = c.FreeTrialPeriods
		return t
	}
	t.Discount = true
	t.DiscountAmount = c.DiscountAmount
	t.DiscountPeriods = c.DiscountPeriods
	return t
}
