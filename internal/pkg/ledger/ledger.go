package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/fees"
)

var (
	ErrAlreadySettled    = errors.New("transaction already settled")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrInvalidDelta      = errors.New("invalid ledger delta")
)

// Store is the persistence the ledger needs. Every call must run inside the
// caller's database transaction.
type Store interface {
	AddToBalance(ctx context.Context, ref models.BalanceRef, delta int64) error
	GetBalance(ctx context.Context, ref models.BalanceRef) (int64, error)
	AppendLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, transactionID string) ([]models.LedgerEntry, error)
	CreateReferralTransaction(ctx context.Context, rt *models.ReferralTransaction) error
	DeleteReferralTransactions(ctx context.Context, transactionID string) (int64, error)
	// FindReferralCode returns nil without error when the code does not exist.
	FindReferralCode(ctx context.Context, code string) (*models.ReferralCode, error)
	// GetCreatorFeeSettings returns nil without error when none are stored.
	GetCreatorFeeSettings(ctx context.Context, creatorID uint) (*models.CreatorFeeSettings, error)
}

// Settlement summarises the deltas applied for one transaction.
type Settlement struct {
	TransactionID     string
	Net               int64
	CreatorCredit     int64
	GemsCredit        int64
	FanReferral       int64
	FanReferrerID     uint
	CreatorReferral   int64
	CreatorReferrerID uint
}

// ApplyDelta is the single mutation primitive: adjust a balance and record
// the delta against the transaction that caused it.
func ApplyDelta(ctx context.Context, store Store, transactionID string, ref models.BalanceRef, delta int64, reason models.LedgerReason) error {
	if delta == 0 {
		return nil
	}
	if transactionID == "" || ref.UserID == 0 || ref.Kind == "" {
		return ErrInvalidDelta
	}
	if err := store.AddToBalance(ctx, ref, delta); err != nil {
		return fmt.Errorf("balance %d/%s: %w", ref.UserID, ref.Kind, err)
	}
	entry := &models.LedgerEntry{
		TransactionID: transactionID,
		UserID:        ref.UserID,
		Kind:          ref.Kind,
		Delta:         delta,
		Reason:        reason,
	}
	if err := store.AppendLedgerEntry(ctx, entry); err != nil {
		return fmt.Errorf("ledger entry: %w", err)
	}
	return nil
}

// Debit removes amount from a wallet after checking it is covered.
func Debit(ctx context.Context, store Store, transactionID string, ref models.BalanceRef, amount int64) error {
	if amount <= 0 {
		return ErrInvalidDelta
	}
	current, err := store.GetBalance(ctx, ref)
	if err != nil {
		return err
	}
	if current < amount {
		return ErrInsufficientFunds
	}
	return ApplyDelta(ctx, store, transactionID, ref, -amount, models.LedgerReasonDebit)
}

// Split divides a net amount between creator and fan referrer. The share is
// floored so that creator + referral always equals net.
func Split(net, sharePercent int64) (creator, referral int64) {
	if net <= 0 || sharePercent <= 0 {
		return net, 0
	}
	if sharePercent > 100 {
		sharePercent = 100
	}
	referral = net * sharePercent / 100
	return net - referral, referral
}

// Settle credits the parties of a transaction that just became successful.
func Settle(ctx context.Context, store Store, tx *models.Transaction) (*Settlement, error) {
	entries, err := store.ListLedgerEntries(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Reason == models.LedgerReasonSettle {
			return nil, ErrAlreadySettled
		}
	}

	s, err := plan(ctx, store, tx)
	if err != nil {
		return nil, err
	}

	if tx.Kind == models.TransactionKindGemPurchase {
		ref := models.BalanceRef{UserID: tx.PayerID, Kind: models.BalanceKindGems}
		return s, ApplyDelta(ctx, store, tx.ID, ref, s.GemsCredit, models.LedgerReasonSettle)
	}

	creatorRef := models.BalanceRef{UserID: tx.PayeeID, Kind: models.BalanceKindCreator}
	if err := ApplyDelta(ctx, store, tx.ID, creatorRef, s.CreatorCredit, models.LedgerReasonSettle); err != nil {
		return nil, err
	}
	if s.FanReferral > 0 {
		if err := payReferral(ctx, store, tx.ID, models.ReferralKindFan, s.FanReferrerID, s.FanReferral); err != nil {
			return nil, err
		}
	}
	if s.CreatorReferral > 0 {
		if err := payReferral(ctx, store, tx.ID, models.ReferralKindCreator, s.CreatorReferrerID, s.CreatorReferral); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// plan computes the settlement of a transaction without writing anything.
func plan(ctx context.Context, store Store, tx *models.Transaction) (*Settlement, error) {
	s := &Settlement{TransactionID: tx.ID}

	if tx.Kind == models.TransactionKindGemPurchase {
		s.GemsCredit = tx.GemsAmount
		if s.GemsCredit <= 0 {
			s.GemsCredit = tx.Amount
		}
		return s, nil
	}

	s.Net = tx.NetAmount()
	s.CreatorCredit = s.Net

	if tx.ReferralCode != "" {
		code, err := store.FindReferralCode(ctx, tx.ReferralCode)
		if err != nil {
			return nil, err
		}
		if code.Usable(tx.PayeeID, tx.PayerID) {
			s.CreatorCredit, s.FanReferral = Split(s.Net, code.SharePercent)
			s.FanReferrerID = code.OwnerID
		}
	}
	if s.CreatorCredit+s.FanReferral != s.Net {
		return nil, fmt.Errorf("settlement of %s does not add up: %d + %d != %d", tx.ID, s.CreatorCredit, s.FanReferral, s.Net)
	}

	settings, err := store.GetCreatorFeeSettings(ctx, tx.PayeeID)
	if err != nil {
		return nil, err
	}
	if settings.HasCreatorReferral() {
		// Platform funded, computed on the gross amount.
		if payout := fees.ApplyBps(tx.Amount, settings.CreatorReferralFeeBps); payout > 0 {
			s.CreatorReferral = payout
			s.CreatorReferrerID = *settings.ReferredByCreatorID
		}
	}
	return s, nil
}

func payReferral(ctx context.Context, store Store, transactionID string, kind models.ReferralKind, referrerID uint, amount int64) error {
	ref := models.BalanceRef{UserID: referrerID, Kind: models.BalanceKindReferral}
	if err := ApplyDelta(ctx, store, transactionID, ref, amount, models.LedgerReasonSettle); err != nil {
		return err
	}
	return store.CreateReferralTransaction(ctx, &models.ReferralTransaction{
		TransactionID: transactionID,
		Kind:          kind,
		ReferrerID:    referrerID,
		Amount:        amount,
	})
}

// Reverse undoes every outstanding delta recorded for the transaction and
// deletes its referral payouts. Running it on a transaction that was never
// settled, or already reversed, changes nothing.
func Reverse(ctx context.Context, store Store, tx *models.Transaction) (*Settlement, error) {
	entries, err := store.ListLedgerEntries(ctx, tx.ID)
	if err != nil {
		return nil, err
	}

	outstanding := make(map[models.BalanceRef]int64)
	for _, e := range entries {
		outstanding[e.Ref()] += e.Delta
	}
	refs := make([]models.BalanceRef, 0, len(outstanding))
	for ref, sum := range outstanding {
		if sum != 0 {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].UserID != refs[j].UserID {
			return refs[i].UserID < refs[j].UserID
		}
		return refs[i].Kind < refs[j].Kind
	})

	s := &Settlement{TransactionID: tx.ID, Net: tx.NetAmount()}
	for _, ref := range refs {
		sum := outstanding[ref]
		if err := ApplyDelta(ctx, store, tx.ID, ref, -sum, models.LedgerReasonReverse); err != nil {
			return nil, err
		}
		switch ref.Kind {
		case models.BalanceKindCreator:
			s.CreatorCredit -= sum
		case models.BalanceKindGems:
			s.GemsCredit -= sum
		}
	}

	if _, err := store.DeleteReferralTransactions(ctx, tx.ID); err != nil {
		return nil, err
	}
	return s, nil
}

// Reinstate restores the settlement of a reversed transaction, for a
// chargeback decided in the merchant's favour. Balances return to exactly
// what the original settle entries credited. A transaction that was never
// settled, or is not reversed, changes nothing.
func Reinstate(ctx context.Context, store Store, tx *models.Transaction) (*Settlement, error) {
	entries, err := store.ListLedgerEntries(ctx, tx.ID)
	if err != nil {
		return nil, err
	}

	settled := make(map[models.BalanceRef]int64)
	outstanding := make(map[models.BalanceRef]int64)
	for _, e := range entries {
		outstanding[e.Ref()] += e.Delta
		if e.Reason == models.LedgerReasonSettle {
			settled[e.Ref()] += e.Delta
		}
	}
	refs := make([]models.BalanceRef, 0, len(settled))
	for ref, sum := range settled {
		if sum != outstanding[ref] {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].UserID != refs[j].UserID {
			return refs[i].UserID < refs[j].UserID
		}
		return refs[i].Kind < refs[j].Kind
	})

	s := &Settlement{TransactionID: tx.ID, Net: tx.NetAmount()}
	if len(refs) == 0 {
		return s, nil
	}
	restored := make(map[uint]int64)
	for _, ref := range refs {
		delta := settled[ref] - outstanding[ref]
		if err := ApplyDelta(ctx, store, tx.ID, ref, delta, models.LedgerReasonReinstate); err != nil {
			return nil, err
		}
		switch ref.Kind {
		case models.BalanceKindCreator:
			s.CreatorCredit += delta
		case models.BalanceKindGems:
			s.GemsCredit += delta
		case models.BalanceKindReferral:
			restored[ref.UserID] += delta
		}
	}

	// Referral rows were deleted by Reverse; rebuild the ones whose
	// balances came back.
	p, err := plan(ctx, store, tx)
	if err != nil {
		return nil, err
	}
	for _, r := range []struct {
		kind     models.ReferralKind
		referrer uint
		amount   int64
	}{
		{models.ReferralKindFan, p.FanReferrerID, p.FanReferral},
		{models.ReferralKindCreator, p.CreatorReferrerID, p.CreatorReferral},
	} {
		if r.amount <= 0 || restored[r.referrer] < r.amount {
			continue
		}
		restored[r.referrer] -= r.amount
		if err := store.CreateReferralTransaction(ctx, &models.ReferralTransaction{
			TransactionID: tx.ID,
			Kind:          r.kind,
			ReferrerID:    r.referrer,
			Amount:        r.amount,
		}); err != nil {
			return nil, err
		}
		if r.kind == models.ReferralKindFan {
			s.FanReferral, s.FanReferrerID = r.amount, r.referrer
		} else {
			s.CreatorReferral, s.CreatorReferrerID = r.amount, r.referrer
		}
	}
	return s, nil
}
