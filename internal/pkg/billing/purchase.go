package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
)

func (s *Service) PurchaseTip(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if req.Amount <= 0 {
		return nil, invalid("amount", "must be positive")
	}
	return s.purchase(ctx, models.TransactionKindTip, req, nil)
}

func (s *Service) PurchasePaidPost(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	price, err := s.priceFor(ctx, models.TransactionKindPaidPost, req.ProductRef, req.PayeeID)
	if err != nil {
		return nil, err
	}
	return s.purchase(ctx, models.TransactionKindPaidPost, req, price)
}

func (s *Service) PurchaseCameo(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	price, err := s.priceFor(ctx, models.TransactionKindCameo, req.ProductRef, req.PayeeID)
	if err != nil {
		return nil, err
	}
	return s.purchase(ctx, models.TransactionKindCameo, req, price)
}

// PurchaseGems buys a gem package. The payee is the platform.
func (s *Service) PurchaseGems(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	price, err := s.priceFor(ctx, models.TransactionKindGemPurchase, req.ProductRef, 0)
	if err != nil {
		return nil, err
	}
	req.PayeeID = 0
	req.ReferralCode = ""
	return s.purchase(ctx, models.TransactionKindGemPurchase, req, price)
}

func validatePurchase(kind models.TransactionKind, req PurchaseRequest) error {
	if req.PayerID == 0 {
		return invalid("payer_id", "is required")
	}
	if kind != models.TransactionKindGemPurchase {
		if req.PayeeID == 0 {
			return invalid("payee_id", "is required")
		}
		if req.PayeeID == req.PayerID {
			return invalid("payee_id", "cannot pay yourself")
		}
	}
	if strings.TrimSpace(req.Provider) == "" {
		return invalid("provider", "is required")
	}
	return nil
}

func (s *Service) purchase(ctx context.Context, kind models.TransactionKind, req PurchaseRequest, price *models.ProductPrice) (*PurchaseResult, error) {
	if err := validatePurchase(kind, req); err != nil {
		return nil, err
	}
	adapter, caps, err := s.adapterFor(req.Provider)
	if err != nil {
		return nil, err
	}
	provider := adapter.Name()

	amount, currency, gems := req.Amount, s.cfg.DefaultCurrency, int64(0)
	if price != nil {
		amount, gems = price.Amount, price.GemsAmount
		if price.Currency != "" {
			currency = price.Currency
		}
	}

	unlock, err := s.lockAttempt(ctx, fmt.Sprintf("purchase:%d:%s:%d:%s", req.PayerID, kind, req.PayeeID, req.ProductRef))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.guardDuplicate(ctx, kind, req); err != nil {
		return nil, err
	}

	breakdown, err := s.calculate(ctx, kind, req.PayerID, req.PayeeID, amount, true)
	if err != nil {
		return nil, err
	}
	profile, err := s.profileFor(ctx, caps, req.PayerID, provider)
	if err != nil {
		return nil, err
	}

	id := models.NewPaymentID()
	tx := &models.Transaction{
		ID:           id,
		MerchantRef:  models.MerchantRefFor(id),
		Kind:         kind,
		PayerID:      req.PayerID,
		PayeeID:      req.PayeeID,
		ProductRef:   req.ProductRef,
		Amount:       breakdown.Amount,
		PlatformFee:  breakdown.PlatformFee,
		TaxFee:       breakdown.VatFee,
		TotalAmount:  breakdown.TotalAmount,
		GemsAmount:   gems,
		Currency:     currency,
		Provider:     provider,
		Status:       models.PaymentStatusInitialized,
		ReferralCode: strings.TrimSpace(req.ReferralCode),
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	result := &PurchaseResult{Transaction: tx, Breakdown: breakdown}

	description := req.Description
	if description == "" {
		description = string(kind)
	}
	gctx, cancel := s.gatewayCtx(ctx)
	charge, chargeErr := adapter.ChargeOneOff(gctx, gateway.ChargeRequest{
		Profile:     profile,
		Amount:      tx.TotalAmount,
		Currency:    tx.Currency,
		Reference:   tx.MerchantRef,
		Description: description,
		Metadata: map[string]string{
			"transaction_id": tx.ID,
			"kind":           string(kind),
		},
	})
	cancel()
	if chargeErr != nil {
		log.Infof("[Billing] charge %s via %s %s: %s", tx.ID, provider, gateway.CodeOf(chargeErr), gateway.ReasonOf(chargeErr))
		s.failTransaction(ctx, tx, gateway.ReasonOf(chargeErr))
		return result, chargeErr
	}

	if err := s.markSubmitted(ctx, tx, charge.ProviderTxID); err != nil {
		return result, err
	}
	if charge.RedirectURL != "" {
		result.RedirectURL = charge.RedirectURL
		return result, nil
	}

	final, err := s.waitTransaction(ctx, tx.ID)
	if final != nil {
		result.Transaction = final
	}
	return result, err
}

func (s *Service) guardDuplicate(ctx context.Context, kind models.TransactionKind, req PurchaseRequest) error {
	since := s.now().Add(-s.cfg.DuplicateWindow)
	recent, err := s.repo.FindRecentAttempt(ctx, req.PayerID, req.PayeeID, kind, req.ProductRef, since)
	if err != nil {
		return fmt.Errorf("recent attempts: %w", err)
	}
	if recent != nil {
		return ErrAlreadyPurchased
	}
	if kind == models.TransactionKindPaidPost {
		bought, err := s.repo.HasSuccessfulPurchase(ctx, req.PayerID, kind, req.ProductRef)
		if err != nil {
			return fmt.Errorf("purchase history: %w", err)
		}
		if bought {
			return ErrAlreadyPurchased
		}
	}
	return nil
}

// TipWithGems pays a tip from the payer's gems wallet (1 gem = 1 minor
// unit). It settles synchronously without a gateway.
func (s *Service) TipWithGems(ctx context.Context, req GemTipRequest) (*PurchaseResult, error) {
	switch {
	case req.PayerID == 0:
		return nil, invalid("payer_id", "is required")
	case req.PayeeID == 0:
		return nil, invalid("payee_id", "is required")
	case req.PayeeID == req.PayerID:
		return nil, invalid("payee_id", "cannot pay yourself")
	case req.Amount <= 0:
		return nil, invalid("amount", "must be positive")
	}

	// VAT was charged when the gems were bought.
	breakdown, err := s.calculate(ctx, models.TransactionKindTip, req.PayerID, req.PayeeID, req.Amount, false)
	if err != nil {
		return nil, err
	}

	id := models.NewPaymentID()
	tx := &models.Transaction{
		ID:           id,
		MerchantRef:  models.MerchantRefFor(id),
		Kind:         models.TransactionKindTip,
		PayerID:      req.PayerID,
		PayeeID:      req.PayeeID,
		ProductRef:   req.ProductRef,
		Amount:       breakdown.Amount,
		PlatformFee:  breakdown.PlatformFee,
		TotalAmount:  breakdown.TotalAmount,
		GemsAmount:   breakdown.TotalAmount,
		Currency:     s.cfg.DefaultCurrency,
		Provider:     models.ProviderGems,
		Status:       models.PaymentStatusInitialized,
		ReferralCode: strings.TrimSpace(req.ReferralCode),
	}

	fx := &effects{}
	err = s.repo.Transaction(ctx, func(r Repository) error {
		if err := r.CreateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		wallet := models.BalanceRef{UserID: req.PayerID, Kind: models.BalanceKindGems}
		if err := ledger.Debit(ctx, r, tx.ID, wallet, tx.TotalAmount); err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				return ErrInsufficientGems
			}
			return err
		}
		now := s.now()
		ok, err := r.CompareAndSetTransactionStatus(ctx, tx.ID, models.PaymentStatusInitialized, models.PaymentStatusSuccessful,
			map[string]interface{}{"settled_at": now})
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidState
		}
		tx.Status, tx.SettledAt = models.PaymentStatusSuccessful, &now
		settlement, err := ledger.Settle(ctx, r, tx)
		if err != nil {
			return err
		}
		s.settledNotices(fx, tx, settlement)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, fx)
	return &PurchaseResult{Transaction: tx, Breakdown: breakdown}, nil
}

// RequestRefund asks the gateway to refund a successful transaction. The
// status change arrives with the provider's refund notification. Gem tips
// are refunded locally and immediately.
func (s *Service) RequestRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	tx, err := s.repo.GetTransaction(ctx, strings.TrimSpace(req.TransactionID))
	if err != nil {
		return nil, err
	}
	if req.ActorID == 0 || tx.PayeeID != req.ActorID {
		return nil, invalid("transaction_id", "only the payee can refund")
	}
	if tx.Status != models.PaymentStatusSuccessful {
		return nil, ErrInvalidState
	}

	if tx.Provider == models.ProviderGems {
		return s.refundGems(ctx, tx)
	}

	adapter, _, err := s.adapterFor(tx.Provider)
	if err != nil {
		return nil, err
	}
	res, err := s.refundCharge(ctx, adapter, tx)
	if err != nil {
		return nil, err
	}
	return &RefundResult{Transaction: tx, ProviderRefundID: res.ProviderRefundID}, nil
}

// refundCharge asks the provider to refund the full amount of a charge.
func (s *Service) refundCharge(ctx context.Context, adapter gateway.Adapter, tx *models.Transaction) (*gateway.RefundResult, error) {
	var lastDigits string
	if pm, err := s.repo.FindPaymentMethod(ctx, tx.PayerID, tx.Provider); err == nil {
		lastDigits = pm.LastDigits
	}
	gctx, cancel := s.gatewayCtx(ctx)
	defer cancel()
	res, err := adapter.Refund(gctx, gateway.RefundRequest{
		ProviderTxID: tx.ProviderTxID(),
		LastDigits:   lastDigits,
		Amount:       tx.TotalAmount,
		Currency:     tx.Currency,
		Reference:    tx.MerchantRef,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] refund requested for %s at %s (refund id %s)", tx.ID, tx.Provider, res.ProviderRefundID)
	return res, nil
}

func (s *Service) refundGems(ctx context.Context, tx *models.Transaction) (*RefundResult, error) {
	fx := &effects{}
	err := s.repo.Transaction(ctx, func(r Repository) error {
		locked, err := r.LockTransaction(ctx, tx.ID)
		if err != nil {
			return err
		}
		_, err = s.reverseTransaction(ctx, r, locked, models.PaymentStatusRefunded, fx)
		if err != nil {
			return err
		}
		*tx = *locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, fx)
	return &RefundResult{Transaction: tx, Completed: true}, nil
}

func (s *Service) settledNotices(fx *effects, tx *models.Transaction, st *ledger.Settlement) {
	if tx.Kind == models.TransactionKindGemPurchase {
		fx.notify(paymentNotice(models.NotificationTypePaymentReceived, tx.PayerID,
			fmt.Sprintf("%d gems were added to your wallet", st.GemsCredit), tx.ID))
		return
	}
	fx.notify(paymentNotice(models.NotificationTypePaymentReceived, tx.PayeeID,
		fmt.Sprintf("You received a %s of %s %s", tx.Kind, gateway.FormatMinor(tx.Amount), tx.Currency), tx.ID))
	if st.FanReferral > 0 {
		fx.notify(paymentNotice(models.NotificationTypeReferralPayout, st.FanReferrerID,
			fmt.Sprintf("Referral payout of %s %s", gateway.FormatMinor(st.FanReferral), tx.Currency), tx.ID))
	}
	if st.CreatorReferral > 0 {
		fx.notify(paymentNotice(models.NotificationTypeReferralPayout, st.CreatorReferrerID,
			fmt.Sprintf("Creator referral payout of %s %s", gateway.FormatMinor(st.CreatorReferral), tx.Currency), tx.ID))
	}
}
