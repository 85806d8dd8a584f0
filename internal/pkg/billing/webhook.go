package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/fees"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
)

// target is the local record a notification resolved to. A subscription
// without a transaction on a charge event is a renewal.
type target struct {
	tx  *models.Transaction
	sub *models.PaymentSubscription
}

// HandleWebhook verifies, deduplicates and applies one provider
// notification. A non-nil error means nothing was committed and the
// provider should deliver again.
func (s *Service) HandleWebhook(ctx context.Context, provider string, headers http.Header, body []byte) (*WebhookResult, error) {
	if s.gateways == nil {
		return nil, fmt.Errorf("%w: %s", gateway.ErrUnknownProvider, provider)
	}
	adapter, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}
	name := adapter.Name()

	valid, err := adapter.VerifyWebhookSignature(ctx, headers, body)
	if err != nil {
		return nil, fmt.Errorf("verify %s webhook: %w", name, err)
	}
	if !valid {
		log.Warnf("[Webhook] %s: invalid signature, dropped", name)
		return &WebhookResult{Outcome: WebhookInvalidSignature}, nil
	}

	ev, err := adapter.ParseWebhook(headers, body)
	if err != nil {
		log.Warnf("[Webhook] %s: %v", name, err)
		return &WebhookResult{Outcome: WebhookMalformed}, nil
	}
	ev.Provider = name
	ev.ID = strings.TrimSpace(ev.ID)
	if ev.ID == "" {
		sum := sha256.Sum256(body)
		ev.ID = "hash:" + hex.EncodeToString(sum[:])
	}

	result := &WebhookResult{EventID: ev.ID}
	if ack, ok := adapter.(gateway.Acknowledger); ok {
		result.Ack = ack.Acknowledge(ev)
	}

	if _, err := s.repo.FindWebhookEvent(ctx, name, ev.ID); err == nil {
		result.Outcome = WebhookDuplicate
		return result, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("webhook lookup: %w", err)
	}

	if ev.Kind == gateway.EventNone {
		result.Outcome = WebhookIgnored
		err := s.repo.CreateWebhookEvent(ctx, s.webhookRecord(ev, WebhookIgnored, body, nil))
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			result.Outcome = WebhookDuplicate
			return result, nil
		}
		if err != nil {
			return nil, fmt.Errorf("record webhook: %w", err)
		}
		s.archivePayload(ctx, ev, result.Outcome, body)
		return result, nil
	}

	t, err := s.resolve(ctx, adapter, ev)
	if err != nil {
		return nil, err
	}
	if t == nil {
		log.Infof("[Webhook] %s %s (%s): no matching record", name, ev.ID, ev.Type)
		result.Outcome = WebhookUnmatched
		return result, nil
	}

	var fx *effects
	err = s.repo.Transaction(ctx, func(r Repository) error {
		fx = &effects{}
		outcome, err := s.apply(ctx, r, ev, t, fx)
		if err != nil {
			return err
		}
		result.Outcome = outcome
		return r.CreateWebhookEvent(ctx, s.webhookRecord(ev, outcome, body, t))
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent delivery of the same event committed first.
		result.Outcome = WebhookDuplicate
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("apply %s %s: %w", name, ev.ID, err)
	}
	if t.tx != nil {
		result.TransactionID = t.tx.ID
	}
	if t.sub != nil {
		result.SubscriptionID = t.sub.ID
	}
	log.Infof("[Webhook] %s %s (%s): %s", name, ev.ID, ev.Kind, result.Outcome)

	s.flush(ctx, fx)
	s.archivePayload(ctx, ev, result.Outcome, body)
	return result, nil
}

func (s *Service) webhookRecord(ev *gateway.Event, outcome WebhookOutcome, body []byte, t *target) *models.ProcessedWebhookEvent {
	rec := &models.ProcessedWebhookEvent{
		Provider:        ev.Provider,
		ProviderEventID: ev.ID,
		EventType:       ev.Type,
		Outcome:         string(outcome),
		PayloadJSON:     string(body),
		ProcessedAt:     s.now(),
	}
	if t != nil && t.tx != nil {
		rec.TransactionID = &t.tx.ID
	}
	if t != nil && t.sub != nil {
		rec.SubscriptionID = &t.sub.ID
	}
	return rec
}

func (s *Service) archivePayload(ctx context.Context, ev *gateway.Event, outcome WebhookOutcome, body []byte) {
	if s.archive == nil {
		return
	}
	payload := jobqueue.WebhookArchiveJobPayload{
		Provider:   ev.Provider,
		EventID:    ev.ID,
		EventType:  ev.Type,
		Outcome:    string(outcome),
		ReceivedAt: s.now(),
		Body:       string(body),
	}
	if _, err := s.archive.EnqueueJob(context.WithoutCancel(ctx), jobqueue.JobTypeWebhookArchive, payload.ToMap()); err != nil {
		log.Warnf("[Webhook] archive %s %s: %v", ev.Provider, ev.ID, err)
	}
}

func missing(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// resolve finds the local record an event belongs to. It returns nil when
// the event matches nothing we know about. An error means the event may
// belong to a local record that could not be established yet.
func (s *Service) resolve(ctx context.Context, adapter gateway.Adapter, ev *gateway.Event) (*target, error) {
	if ev.Kind.IsSubscriptionLifecycle() {
		sub, err := s.findSubscription(ctx, ev)
		if err != nil || sub == nil {
			return nil, err
		}
		return &target{sub: sub}, nil
	}

	t, err := s.resolveCharge(ctx, ev)
	if err != nil || t != nil {
		return t, err
	}
	if ev.ProviderTxID == "" {
		return nil, nil
	}
	if err := s.enrich(ctx, adapter, ev); err != nil {
		return nil, err
	}
	return s.resolveCharge(ctx, ev)
}

// resolveCharge matches a transaction event against local transactions
// and, for renewals reported against the agreement, subscriptions.
func (s *Service) resolveCharge(ctx context.Context, ev *gateway.Event) (*target, error) {
	tx, err := s.findTransaction(ctx, ev)
	if err != nil {
		return nil, err
	}
	if tx != nil {
		return &target{tx: tx}, nil
	}
	if ev.Kind != gateway.EventChargeSucceeded && ev.Kind != gateway.EventChargeFailed {
		return nil, nil
	}
	sub, err := s.findSubscription(ctx, ev)
	if err != nil || sub == nil {
		return nil, err
	}
	return &target{sub: sub}, nil
}

func (s *Service) findTransaction(ctx context.Context, ev *gateway.Event) (*models.Transaction, error) {
	for _, id := range []string{ev.ProviderTxID, ev.ParentTxID} {
		if id == "" {
			continue
		}
		tx, err := s.repo.FindTransactionByProviderTxID(ctx, ev.Provider, id)
		if err == nil {
			return tx, nil
		}
		if !missing(err) {
			return nil, fmt.Errorf("transaction by provider id: %w", err)
		}
	}
	if ev.Reference == "" {
		return nil, nil
	}
	tx, err := s.repo.FindTransactionByMerchantRef(ctx, ev.Reference)
	if missing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transaction by reference: %w", err)
	}
	if !strings.EqualFold(tx.Provider, ev.Provider) {
		return nil, nil
	}
	return tx, nil
}

func (s *Service) findSubscription(ctx context.Context, ev *gateway.Event) (*models.PaymentSubscription, error) {
	if ev.ProviderSubID != "" {
		sub, err := s.repo.FindSubscriptionByProviderSubID(ctx, ev.Provider, ev.ProviderSubID)
		if err == nil {
			return sub, nil
		}
		if !missing(err) {
			return nil, fmt.Errorf("subscription by provider id: %w", err)
		}
	}
	if ev.Reference == "" {
		return nil, nil
	}
	sub, err := s.repo.FindSubscriptionByMerchantRef(ctx, ev.Reference)
	if missing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("subscription by reference: %w", err)
	}
	if !strings.EqualFold(sub.Provider, ev.Provider) {
		return nil, nil
	}
	return sub, nil
}

// enrich asks the provider about a transaction the event only names by id.
// Providers without a lookup leave the event as it is.
func (s *Service) enrich(ctx context.Context, adapter gateway.Adapter, ev *gateway.Event) error {
	gctx, cancel := s.gatewayCtx(ctx)
	defer cancel()
	details, err := adapter.FetchTransaction(gctx, ev.ProviderTxID)
	if errors.Is(err, gateway.ErrUnsupported) {
		return nil
	}
	if err != nil {
		log.Warnf("[Webhook] %s: fetch transaction %s: %v", ev.Provider, ev.ProviderTxID, err)
		return fmt.Errorf("enrich %s %s: %w", ev.Provider, ev.ProviderTxID, err)
	}
	if ev.ParentTxID == "" {
		ev.ParentTxID = details.ParentTxID
	}
	if ev.Reference == "" {
		ev.Reference = details.Reference
	}
	if ev.ProviderSubID == "" {
		ev.ProviderSubID = details.ProviderSubID
	}
	if ev.Amount == 0 {
		ev.Amount = details.Amount
	}
	return nil
}

func (s *Service) apply(ctx context.Context, r Repository, ev *gateway.Event, t *target, fx *effects) (WebhookOutcome, error) {
	switch {
	case t.tx != nil:
		return s.applyTransactionEvent(ctx, r, ev, t, fx)
	case ev.Kind.IsSubscriptionLifecycle():
		return s.applySubscriptionEvent(ctx, r, ev, t, fx)
	default:
		return s.applyRenewal(ctx, r, ev, t, fx)
	}
}

func appliedOutcome(applied bool) WebhookOutcome {
	if applied {
		return WebhookApplied
	}
	return WebhookNoop
}

func (s *Service) applyTransactionEvent(ctx context.Context, r Repository, ev *gateway.Event, t *target, fx *effects) (WebhookOutcome, error) {
	tx, err := r.LockTransaction(ctx, t.tx.ID)
	if err != nil {
		return "", err
	}
	t.tx = tx

	var applied bool
	switch ev.Kind {
	case gateway.EventChargeSucceeded:
		if tx.Status == models.PaymentStatusFailed {
			log.Warnf("[Webhook] %s reports success for failed transaction %s", ev.Provider, tx.ID)
			return WebhookNoop, nil
		}
		if ev.Amount > 0 && ev.Amount != tx.TotalAmount {
			log.Warnf("[Webhook] %s amount %d does not match transaction %s total %d", ev.Provider, ev.Amount, tx.ID, tx.TotalAmount)
		}
		applied, err = s.settleLocked(ctx, r, tx, ev.ProviderTxID, fx)
	case gateway.EventChargeFailed:
		applied, err = s.failLocked(ctx, r, tx, ev.Reason, fx)
	case gateway.EventRefunded:
		applied, err = s.reverseTransaction(ctx, r, tx, models.PaymentStatusRefunded, fx)
	case gateway.EventDisputed:
		applied, err = s.reverseTransaction(ctx, r, tx, models.PaymentStatusDisputed, fx)
	case gateway.EventReversed:
		applied, err = s.reverseTransaction(ctx, r, tx, models.PaymentStatusReversed, fx)
	}
	if err != nil {
		return "", err
	}
	return appliedOutcome(applied), nil
}

// settleLocked moves a pending transaction to Successful and credits the
// ledger in the same unit.
func (s *Service) settleLocked(ctx context.Context, r Repository, tx *models.Transaction, providerTxID string, fx *effects) (bool, error) {
	if tx.Status.IsTerminal() {
		return false, nil
	}
	now := s.now()
	updates := map[string]interface{}{"settled_at": now}
	if tx.ProviderTransactionID == nil && providerTxID != "" {
		updates["provider_transaction_id"] = providerTxID
	}
	ok, err := r.CompareAndSetTransactionStatus(ctx, tx.ID, tx.Status, models.PaymentStatusSuccessful, updates)
	if err != nil || !ok {
		return false, err
	}
	tx.Status, tx.SettledAt = models.PaymentStatusSuccessful, &now
	if tx.ProviderTransactionID == nil && providerTxID != "" {
		tx.ProviderTransactionID = &providerTxID
	}

	st, err := ledger.Settle(ctx, r, tx)
	if errors.Is(err, ledger.ErrAlreadySettled) {
		log.Warnf("[Billing] transaction %s already has settlement entries", tx.ID)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	s.settledNotices(fx, tx, st)

	if tx.SubscriptionID != nil {
		if err := s.activateOnFirstPayment(ctx, r, tx, fx); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Service) firstPaymentOf(ctx context.Context, r Repository, tx *models.Transaction) (*models.PaymentSubscription, error) {
	sub, err := r.LockSubscription(ctx, *tx.SubscriptionID)
	if missing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sub.FirstPaymentTransactionID == nil || *sub.FirstPaymentTransactionID != tx.ID {
		return nil, nil
	}
	return sub, nil
}

// activateOnFirstPayment activates the subscription a first payment belongs
// to. When the subscription already failed, the payment bought nothing and
// is refunded once the settlement commits.
func (s *Service) activateOnFirstPayment(ctx context.Context, r Repository, tx *models.Transaction, fx *effects) error {
	sub, err := s.firstPaymentOf(ctx, r, tx)
	if err != nil || sub == nil {
		return err
	}
	if sub.Status == models.PaymentStatusFailed {
		log.Warnf("[Webhook] first payment %s settled for failed subscription %s, refunding", tx.ID, sub.ID)
		fx.refunds = append(fx.refunds, *tx)
		return nil
	}
	_, err = s.activateLocked(ctx, r, sub, fx)
	return err
}

func (s *Service) activateLocked(ctx context.Context, r Repository, sub *models.PaymentSubscription, fx *effects) (bool, error) {
	switch sub.Status {
	case models.PaymentStatusInitialized, models.PaymentStatusSubmitted, models.PaymentStatusPending:
	default:
		return false, nil
	}
	ok, err := r.CompareAndSetSubscriptionStatus(ctx, sub.ID, sub.Status, models.PaymentStatusActive, nil)
	if err != nil || !ok {
		return false, err
	}
	sub.Status = models.PaymentStatusActive
	fx.notify(paymentNotice(models.NotificationTypeSubscriptionStarted, sub.PayerID, "Your subscription "+sub.TierRef+" is active", sub.ID))
	fx.notify(paymentNotice(models.NotificationTypeSubscriptionStarted, sub.CreatorID, "New subscriber for "+sub.TierRef, sub.ID))
	return true, nil
}

func (s *Service) failLocked(ctx context.Context, r Repository, tx *models.Transaction, reason string, fx *effects) (bool, error) {
	if tx.Status.IsTerminal() {
		return false, nil
	}
	if reason == "" {
		reason = "declined by provider"
	}
	ok, err := r.CompareAndSetTransactionStatus(ctx, tx.ID, tx.Status, models.PaymentStatusFailed,
		map[string]interface{}{"error_message": truncateReason(reason)})
	if err != nil || !ok {
		return false, err
	}
	tx.Status, tx.ErrorMessage = models.PaymentStatusFailed, truncateReason(reason)
	fx.notify(paymentNotice(models.NotificationTypePaymentFailed, tx.PayerID,
		fmt.Sprintf("Your %s payment failed: %s", tx.Kind, tx.ErrorMessage), tx.ID))

	if tx.SubscriptionID == nil {
		return true, nil
	}
	sub, err := s.firstPaymentOf(ctx, r, tx)
	if err != nil || sub == nil {
		return true, err
	}
	if !sub.Status.IsOpen() {
		return true, nil
	}
	ok, err = r.CompareAndSetSubscriptionStatus(ctx, sub.ID, sub.Status, models.PaymentStatusFailed,
		map[string]interface{}{"error_message": tx.ErrorMessage})
	if err != nil {
		return false, err
	}
	if ok {
		sub.Status = models.PaymentStatusFailed
		// The agreement may already exist at the provider.
		if id := sub.ProviderSubID(); id != "" {
			fx.cancels = append(fx.cancels, pendingCancel{provider: sub.Provider, providerSubID: id})
		}
	}
	return true, nil
}

// reverseTransaction moves a transaction between its settled and reversal
// states. Successful and Reversed hold the funds: a refund or dispute from
// either undoes the ledger deltas. Reversed is a chargeback decided for the
// merchant, so from Disputed it restores the undone deltas and from
// Successful it only changes status. A disputed transaction that is later
// refunded only changes status; its deltas are already undone.
func (s *Service) reverseTransaction(ctx context.Context, r Repository, tx *models.Transaction, to models.PaymentStatus, fx *effects) (bool, error) {
	from := tx.Status
	holdsFunds := from == models.PaymentStatusSuccessful || from == models.PaymentStatusReversed
	switch {
	case holdsFunds && from != to:
	case from == models.PaymentStatusDisputed && to != models.PaymentStatusDisputed:
	default:
		return false, nil
	}

	ok, err := r.CompareAndSetTransactionStatus(ctx, tx.ID, from, to, nil)
	if err != nil || !ok {
		return false, err
	}
	tx.Status = to

	switch {
	case holdsFunds && to.IsReversal():
		if _, err := ledger.Reverse(ctx, r, tx); err != nil {
			return false, err
		}
		content := fmt.Sprintf("Payment of %s %s was %s", gateway.FormatMinor(tx.TotalAmount), tx.Currency, to)
		fx.notify(paymentNotice(models.NotificationTypePaymentRefunded, tx.PayerID, content, tx.ID))
		if tx.PayeeID != 0 {
			fx.notify(paymentNotice(models.NotificationTypePaymentRefunded, tx.PayeeID, content, tx.ID))
		}
	case from == models.PaymentStatusDisputed && to == models.PaymentStatusReversed:
		if _, err := ledger.Reinstate(ctx, r, tx); err != nil {
			return false, err
		}
		if tx.PayeeID != 0 {
			content := fmt.Sprintf("Dispute over %s %s was resolved in your favour", gateway.FormatMinor(tx.TotalAmount), tx.Currency)
			fx.notify(paymentNotice(models.NotificationTypePaymentReceived, tx.PayeeID, content, tx.ID))
		}
	}
	return true, nil
}

// applyRenewal records a recurring charge the provider made on its own
// schedule as a new transaction of the subscription.
func (s *Service) applyRenewal(ctx context.Context, r Repository, ev *gateway.Event, t *target, fx *effects) (WebhookOutcome, error) {
	sub, err := r.LockSubscription(ctx, t.sub.ID)
	if err != nil {
		return "", err
	}
	t.sub = sub

	if ev.ProviderTxID != "" {
		existing, err := r.FindTransactionByProviderTxID(ctx, sub.Provider, ev.ProviderTxID)
		if err == nil {
			t.tx = existing
			return WebhookNoop, nil
		}
		if !missing(err) {
			return "", err
		}
	}

	total := ev.Amount
	if total <= 0 {
		amount := sub.RecurringAmount()
		total = amount + fees.ApplyBps(amount, sub.PlatformFeeBps) + fees.ApplyBps(amount, sub.TaxRateBps)
	}
	b := fees.Decompose(total, sub.PlatformFeeBps, sub.TaxRateBps)

	id := models.NewPaymentID()
	tx := &models.Transaction{
		ID:             id,
		MerchantRef:    models.MerchantRefFor(id),
		Kind:           models.TransactionKindSubscriptionCharge,
		PayerID:        sub.PayerID,
		PayeeID:        sub.CreatorID,
		ProductRef:     sub.TierRef,
		Amount:         b.Amount,
		PlatformFee:    b.PlatformFee,
		TaxFee:         b.VatFee,
		TotalAmount:    b.TotalAmount,
		Currency:       sub.Currency,
		Provider:       sub.Provider,
		SubscriptionID: &sub.ID,
		ReferralCode:   sub.ReferralCode,
	}
	if ev.ProviderTxID != "" {
		providerTxID := ev.ProviderTxID
		tx.ProviderTransactionID = &providerTxID
	}
	t.tx = tx

	if ev.Kind == gateway.EventChargeFailed {
		tx.Status = models.PaymentStatusFailed
		tx.ErrorMessage = truncateReason(ev.Reason)
		if err := r.CreateTransaction(ctx, tx); err != nil {
			return "", fmt.Errorf("create renewal: %w", err)
		}
		fx.notify(paymentNotice(models.NotificationTypePaymentFailed, sub.PayerID,
			"Renewal of "+sub.TierRef+" failed", tx.ID))
		return WebhookApplied, nil
	}

	now := s.now()
	tx.Status, tx.SettledAt = models.PaymentStatusSuccessful, &now
	if err := r.CreateTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("create renewal: %w", err)
	}
	st, err := ledger.Settle(ctx, r, tx)
	if err != nil {
		return "", err
	}
	s.settledNotices(fx, tx, st)

	// A successful retry after a failed renewal restores access, unless the
	// payer opened a new subscription to the creator in the meantime.
	if sub.Status == models.PaymentStatusFailed {
		ok, err := r.CompareAndSetSubscriptionStatus(ctx, sub.ID, sub.Status, models.PaymentStatusActive,
			map[string]interface{}{"error_message": ""})
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			log.Warnf("[Webhook] renewal %s for failed subscription %s recorded, a newer subscription is open", tx.ID, sub.ID)
			return WebhookApplied, nil
		}
		if err != nil {
			return "", err
		}
		if ok {
			sub.Status = models.PaymentStatusActive
		}
	} else if _, err := s.activateLocked(ctx, r, sub, fx); err != nil {
		return "", err
	}
	return WebhookApplied, nil
}

func (s *Service) applySubscriptionEvent(ctx context.Context, r Repository, ev *gateway.Event, t *target, fx *effects) (WebhookOutcome, error) {
	sub, err := r.LockSubscription(ctx, t.sub.ID)
	if err != nil {
		return "", err
	}
	t.sub = sub

	if ev.ProviderSubID != "" && sub.ProviderSubscriptionID == nil {
		if err := r.SetProviderSubscriptionID(ctx, sub.ID, ev.ProviderSubID); err != nil {
			return "", err
		}
		providerSubID := ev.ProviderSubID
		sub.ProviderSubscriptionID = &providerSubID
	}

	switch ev.Kind {
	case gateway.EventSubscriptionCreated:
		return s.confirmSubscription(ctx, r, sub, fx)
	case gateway.EventSubscriptionCancelled:
		applied, err := s.cancelLocked(ctx, r, sub, fx)
		return appliedOutcome(applied), err
	case gateway.EventSubscriptionTerminated:
		if !sub.Status.IsOpen() {
			return WebhookNoop, nil
		}
		now := s.now()
		ok, err := r.CompareAndSetSubscriptionStatus(ctx, sub.ID, sub.Status, models.PaymentStatusTerminated,
			map[string]interface{}{"end_date": now})
		if err != nil || !ok {
			return appliedOutcome(false), err
		}
		sub.Status, sub.EndDate = models.PaymentStatusTerminated, &now
		fx.notify(paymentNotice(models.NotificationTypeSubscriptionCanceled, sub.PayerID,
			"Your subscription "+sub.TierRef+" was ended by the payment provider", sub.ID))
		return WebhookApplied, nil
	case gateway.EventSubscriptionPaymentFailed:
		if sub.Status != models.PaymentStatusActive {
			return WebhookNoop, nil
		}
		reason := ev.Reason
		if reason == "" {
			reason = "recurring payment failed"
		}
		ok, err := r.CompareAndSetSubscriptionStatus(ctx, sub.ID, sub.Status, models.PaymentStatusFailed,
			map[string]interface{}{"error_message": truncateReason(reason)})
		if err != nil || !ok {
			return appliedOutcome(false), err
		}
		sub.Status, sub.ErrorMessage = models.PaymentStatusFailed, truncateReason(reason)
		fx.notify(paymentNotice(models.NotificationTypePaymentFailed, sub.PayerID,
			"Renewal of "+sub.TierRef+" failed: "+sub.ErrorMessage, sub.ID))
		return WebhookApplied, nil
	}
	return WebhookNoop, nil
}

// confirmSubscription handles the provider's confirmation that the
// agreement exists. Access starts once the first payment, if any, settled.
func (s *Service) confirmSubscription(ctx context.Context, r Repository, sub *models.PaymentSubscription, fx *effects) (WebhookOutcome, error) {
	switch sub.Status {
	case models.PaymentStatusInitialized, models.PaymentStatusSubmitted:
	default:
		return WebhookNoop, nil
	}
	if sub.FirstPaymentTransactionID != nil {
		first, err := r.GetTransaction(ctx, *sub.FirstPaymentTransactionID)
		if err != nil {
			return "", err
		}
		if first.Status != models.PaymentStatusSuccessful {
			ok, err := r.CompareAndSetSubscriptionStatus(ctx, sub.ID, sub.Status, models.PaymentStatusPending, nil)
			if err != nil || !ok {
				return appliedOutcome(false), err
			}
			sub.Status = models.PaymentStatusPending
			return WebhookApplied, nil
		}
	}
	applied, err := s.activateLocked(ctx, r, sub, fx)
	return appliedOutcome(applied), err
}
