package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/campaign"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
)

const maxBundleMultiplier = 12

func validateSubscribe(req SubscribeRequest) error {
	switch {
	case req.PayerID == 0:
		return invalid("payer_id", "is required")
	case req.CreatorID == 0:
		return invalid("creator_id", "is required")
	case req.CreatorID == req.PayerID:
		return invalid("creator_id", "cannot subscribe to yourself")
	case strings.TrimSpace(req.TierRef) == "":
		return invalid("tier_ref", "is required")
	case strings.TrimSpace(req.Provider) == "":
		return invalid("provider", "is required")
	case req.BundleMultiplier < 0 || req.BundleMultiplier > maxBundleMultiplier:
		return invalid("bundle_multiplier", fmt.Sprintf("must be between 1 and %d", maxBundleMultiplier))
	}
	return nil
}

// Subscribe creates a recurring agreement. The first period is charged as a
// one-off transaction unless a free trial defers it; the gateway schedule
// then covers every following period.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (*SubscribeResult, error) {
	if err := validateSubscribe(req); err != nil {
		return nil, err
	}
	adapter, caps, err := s.adapterFor(req.Provider)
	if err != nil {
		return nil, err
	}
	if !caps.Recurring {
		return nil, invalid("provider", adapter.Name()+" does not support subscriptions")
	}
	provider := adapter.Name()

	price, err := s.priceFor(ctx, models.TransactionKindSubscriptionCharge, req.TierRef, req.CreatorID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockAttempt(ctx, fmt.Sprintf("subscribe:%d:%d", req.PayerID, req.CreatorID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	open, err := s.repo.FindOpenSubscription(ctx, req.PayerID, req.CreatorID)
	if err != nil {
		return nil, fmt.Errorf("open subscriptions: %w", err)
	}
	if open != nil {
		return nil, ErrAlreadySubscribed
	}

	now := s.now()
	terms, err := s.campaigns.Resolve(ctx, campaign.Request{ItemRef: req.TierRef, CreatorID: req.CreatorID, PayerID: req.PayerID, At: now})
	if err != nil {
		return nil, err
	}
	bps, err := s.feeBps(ctx, models.TransactionKindSubscriptionCharge, req.CreatorID)
	if err != nil {
		return nil, err
	}

	currency := price.Currency
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	sub := &models.PaymentSubscription{
		PayerID:          req.PayerID,
		CreatorID:        req.CreatorID,
		TierRef:          req.TierRef,
		Amount:           price.Amount,
		PlatformFeeBps:   bps,
		Currency:         currency,
		IntervalMonths:   max(price.IntervalMonths, 1),
		BundleMultiplier: max(req.BundleMultiplier, 1),
		Provider:         provider,
		ReferralCode:     strings.TrimSpace(req.ReferralCode),
		Status:           models.PaymentStatusInitialized,
		StartDate:        now,
	}
	sub.ID = models.NewPaymentID()
	sub.MerchantRef = models.MerchantRefFor(sub.ID)
	period := sub.PeriodMonths()

	// Renewals are charged gross by the gateway, so the schedule carries the
	// taxed total and the subscription keeps the rates to decompose it.
	recurring, err := s.calculate(ctx, models.TransactionKindSubscriptionCharge, req.PayerID, req.CreatorID, sub.RecurringAmount(), true)
	if err != nil {
		return nil, err
	}
	sub.TaxRateBps = recurring.TaxRateBps

	first := &recurring
	sched := gateway.Schedule{
		Reference:      sub.MerchantRef,
		PlanRef:        sub.TierRef,
		Description:    "subscription " + sub.TierRef,
		Amount:         recurring.TotalAmount,
		Currency:       currency,
		IntervalMonths: period,
		StartDate:      AddMonths(now, period),
	}
	if terms != nil {
		sub.CampaignID = &terms.CampaignID
		switch {
		case terms.FreeTrial:
			first = nil
			sub.StartDate = AddMonths(now, period*terms.FreeTrialPeriods)
			sched.StartDate = sub.StartDate
		case terms.Discount:
			// A zero discount amount makes the discounted periods free.
			first = nil
			var trialTotal int64
			if terms.DiscountAmount > 0 {
				discounted, err := s.calculate(ctx, models.TransactionKindSubscriptionCharge, req.PayerID, req.CreatorID, terms.DiscountAmount, true)
				if err != nil {
					return nil, err
				}
				first, trialTotal = &discounted, discounted.TotalAmount
			}
			if terms.DiscountPeriods > 1 {
				sched.TrialAmount = trialTotal
				sched.TrialOccurrences = terms.DiscountPeriods - 1
			}
		}
	}

	result := &SubscribeResult{Subscription: sub, Terms: terms}

	var firstTx *models.Transaction
	if first != nil {
		result.Breakdown = first
		id := models.NewPaymentID()
		firstTx = &models.Transaction{
			ID:             id,
			MerchantRef:    models.MerchantRefFor(id),
			Kind:           models.TransactionKindSubscriptionCharge,
			PayerID:        req.PayerID,
			PayeeID:        req.CreatorID,
			ProductRef:     req.TierRef,
			Amount:         first.Amount,
			PlatformFee:    first.PlatformFee,
			TaxFee:         first.VatFee,
			TotalAmount:    first.TotalAmount,
			Currency:       currency,
			Provider:       provider,
			SubscriptionID: &sub.ID,
			Status:         models.PaymentStatusInitialized,
			ReferralCode:   sub.ReferralCode,
		}
		sub.FirstPaymentTransactionID = &firstTx.ID
		result.FirstTransaction = firstTx
	}

	profile, err := s.profileFor(ctx, caps, req.PayerID, provider)
	if err != nil {
		return nil, err
	}
	sched.Profile = profile

	err = s.repo.Transaction(ctx, func(r Repository) error {
		if err := r.CreateSubscription(ctx, sub); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadySubscribed
			}
			return fmt.Errorf("create subscription: %w", err)
		}
		if firstTx != nil {
			if err := r.CreateTransaction(ctx, firstTx); err != nil {
				return fmt.Errorf("create first payment: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if firstTx != nil {
		gctx, cancel := s.gatewayCtx(ctx)
		charge, chargeErr := adapter.ChargeOneOff(gctx, gateway.ChargeRequest{
			Profile:     profile,
			Amount:      firstTx.TotalAmount,
			Currency:    currency,
			Reference:   firstTx.MerchantRef,
			Description: sched.Description,
			Metadata: map[string]string{
				"transaction_id":  firstTx.ID,
				"subscription_id": sub.ID,
				"kind":            string(firstTx.Kind),
			},
		})
		cancel()
		if chargeErr != nil {
			s.failTransaction(ctx, firstTx, gateway.ReasonOf(chargeErr))
			s.failSubscription(ctx, sub, gateway.ReasonOf(chargeErr))
			return result, chargeErr
		}
		if err := s.markSubmitted(ctx, firstTx, charge.ProviderTxID); err != nil {
			return result, err
		}
		result.RedirectURL = charge.RedirectURL
	}

	gctx, cancel := s.gatewayCtx(ctx)
	rec, recErr := adapter.CreateRecurring(gctx, sched)
	cancel()
	if recErr != nil {
		if err := s.failSetup(ctx, sub, firstTx, gateway.ReasonOf(recErr)); err != nil {
			log.Errorf("[Billing] subscription %s: recurring setup failed and cleanup failed: %v", sub.ID, err)
		}
		if firstTx != nil {
			if fresh, ferr := s.repo.GetTransaction(context.WithoutCancel(ctx), firstTx.ID); ferr == nil {
				result.FirstTransaction = fresh
			}
		}
		return result, recErr
	}
	if err := s.markSubscriptionSubmitted(ctx, sub, rec.ProviderSubID); err != nil {
		return result, err
	}
	if rec.RedirectURL != "" {
		result.RedirectURL = rec.RedirectURL
	}
	if result.RedirectURL != "" {
		return result, nil
	}

	final, err := s.waitSubscription(ctx, sub.ID)
	if final != nil {
		result.Subscription = final
	}
	if firstTx != nil {
		if fresh, ferr := s.repo.GetTransaction(context.WithoutCancel(ctx), firstTx.ID); ferr == nil {
			result.FirstTransaction = fresh
		}
	}
	return result, err
}

// failSetup fails a subscription whose recurring agreement could not be
// created. A first payment that already settled is refunded now; one still
// in flight is refunded when it settles. The transaction row is locked
// before the subscription, in the same order a settling webhook takes them,
// so exactly one of the two issues the refund.
func (s *Service) failSetup(ctx context.Context, sub *models.PaymentSubscription, firstTx *models.Transaction, reason string) error {
	ctx = context.WithoutCancel(ctx)
	fx := &effects{}
	err := s.repo.Transaction(ctx, func(r Repository) error {
		var tx *models.Transaction
		if firstTx != nil {
			locked, err := r.LockTransaction(ctx, firstTx.ID)
			if err != nil {
				return err
			}
			tx = locked
		}
		locked, err := r.LockSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		// Active too: the first payment may have settled while this call
		// waited on the provider.
		if !locked.Status.IsOpen() {
			*sub = *locked
			return nil
		}
		ok, err := r.CompareAndSetSubscriptionStatus(ctx, sub.ID, locked.Status, models.PaymentStatusFailed,
			map[string]interface{}{"error_message": truncateReason(reason)})
		if err != nil || !ok {
			return err
		}
		*sub = *locked
		sub.Status = models.PaymentStatusFailed
		sub.ErrorMessage = truncateReason(reason)

		if tx != nil && tx.Status == models.PaymentStatusSuccessful {
			log.Warnf("[Billing] subscription %s failed after first payment %s settled, refunding", sub.ID, tx.ID)
			fx.refunds = append(fx.refunds, *tx)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.flush(ctx, fx)
	return nil
}

func (s *Service) failSubscription(ctx context.Context, sub *models.PaymentSubscription, reason string) {
	for _, from := range []models.PaymentStatus{models.PaymentStatusInitialized, models.PaymentStatusSubmitted, models.PaymentStatusPending} {
		ok, err := s.repo.CompareAndSetSubscriptionStatus(ctx, sub.ID, from, models.PaymentStatusFailed,
			map[string]interface{}{"error_message": truncateReason(reason)})
		if err != nil {
			log.Errorf("[Billing] failed to mark subscription %s failed: %v", sub.ID, err)
			return
		}
		if ok {
			sub.Status = models.PaymentStatusFailed
			sub.ErrorMessage = truncateReason(reason)
			return
		}
	}
}

func (s *Service) markSubscriptionSubmitted(ctx context.Context, sub *models.PaymentSubscription, providerSubID string) error {
	updates := map[string]interface{}{}
	if providerSubID != "" {
		updates["provider_subscription_id"] = providerSubID
	}
	ok, err := s.repo.CompareAndSetSubscriptionStatus(ctx, sub.ID, models.PaymentStatusInitialized, models.PaymentStatusSubmitted, updates)
	if err != nil {
		return fmt.Errorf("mark subscription submitted: %w", err)
	}
	if ok {
		sub.Status = models.PaymentStatusSubmitted
		if providerSubID != "" {
			sub.ProviderSubscriptionID = &providerSubID
		}
		return nil
	}
	// A notification got there first.
	if providerSubID != "" {
		if err := s.repo.SetProviderSubscriptionID(ctx, sub.ID, providerSubID); err != nil {
			return fmt.Errorf("set provider subscription id: %w", err)
		}
	}
	fresh, err := s.repo.GetSubscription(ctx, sub.ID)
	if err != nil {
		return err
	}
	*sub = *fresh
	return nil
}

func (s *Service) waitSubscription(ctx context.Context, id string) (*models.PaymentSubscription, error) {
	_, werr := s.waiter.Wait(ctx, func(ctx context.Context) (models.PaymentStatus, error) {
		sub, err := s.repo.GetSubscription(ctx, id)
		if err != nil {
			return "", err
		}
		return sub.Status, nil
	})
	sub, err := s.repo.GetSubscription(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, err
	}
	if werr != nil {
		return sub, werr
	}
	if !sub.Status.IsSuccess() {
		return sub, &PaymentError{Status: sub.Status, Reason: sub.ErrorMessage}
	}
	return sub, nil
}

func cancellable(status models.PaymentStatus) bool {
	switch status {
	case models.PaymentStatusActive, models.PaymentStatusPending, models.PaymentStatusSubmitted:
		return true
	}
	return false
}

// CancelSubscription stops renewals. Access continues until the next
// unbilled period boundary.
func (s *Service) CancelSubscription(ctx context.Context, id string, actorID uint) (*models.PaymentSubscription, error) {
	sub, err := s.repo.GetSubscription(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if actorID == 0 || sub.PayerID != actorID {
		return nil, gorm.ErrRecordNotFound
	}
	if !cancellable(sub.Status) {
		return nil, ErrInvalidState
	}

	if subID := sub.ProviderSubID(); subID != "" {
		adapter, _, err := s.adapterFor(sub.Provider)
		if err != nil {
			return nil, err
		}
		gctx, cancel := s.gatewayCtx(ctx)
		err = adapter.CancelRecurring(gctx, subID)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	fx := &effects{}
	err = s.repo.Transaction(ctx, func(r Repository) error {
		locked, err := r.LockSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		applied, err := s.cancelLocked(ctx, r, locked, fx)
		if err != nil {
			return err
		}
		if !applied {
			return ErrInvalidState
		}
		*sub = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, fx)
	return sub, nil
}

// cancelLocked marks a locked subscription cancelled with its entitlement
// end date.
func (s *Service) cancelLocked(ctx context.Context, r Repository, sub *models.PaymentSubscription, fx *effects) (bool, error) {
	if !cancellable(sub.Status) {
		return false, nil
	}
	end := NextBoundary(sub.StartDate, sub.PeriodMonths(), s.now())
	ok, err := r.CompareAndSetSubscriptionStatus(ctx, sub.ID, sub.Status, models.PaymentStatusCancelled,
		map[string]interface{}{"end_date": end})
	if err != nil || !ok {
		return false, err
	}
	sub.Status, sub.EndDate = models.PaymentStatusCancelled, &end
	content := fmt.Sprintf("Subscription %s ends on %s", sub.TierRef, end.Format("2006-01-02"))
	fx.notify(paymentNotice(models.NotificationTypeSubscriptionCanceled, sub.PayerID, content, sub.ID))
	fx.notify(paymentNotice(models.NotificationTypeSubscriptionCanceled, sub.CreatorID, content, sub.ID))
	return true, nil
}
