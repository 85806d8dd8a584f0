package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/campaign"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
)

// Repository provides DB operations used by the billing service. Finders
// return gorm.ErrRecordNotFound for missing rows unless documented
// otherwise; inserts return gorm.ErrDuplicatedKey on unique conflicts.
type Repository interface {
	ledger.Store
	campaign.Store

	// Transaction runs fn in one database transaction. The repository
	// passed to fn must be used for every call inside it.
	Transaction(ctx context.Context, fn func(repo Repository) error) error

	ProductPrice(ctx context.Context, kind models.TransactionKind, ref string) (*models.ProductPrice, error)
	// GetCustomerAddress returns nil without error when none is stored.
	GetCustomerAddress(ctx context.Context, userID uint) (*models.CustomerAddress, error)
	FindPaymentMethod(ctx context.Context, userID uint, provider string) (*models.PaymentMethod, error)

	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	// LockTransaction reads the row FOR UPDATE.
	LockTransaction(ctx context.Context, id string) (*models.Transaction, error)
	FindTransactionByProviderTxID(ctx context.Context, provider, providerTxID string) (*models.Transaction, error)
	FindTransactionByMerchantRef(ctx context.Context, merchantRef string) (*models.Transaction, error)
	// FindRecentAttempt returns nil without error when there is none.
	FindRecentAttempt(ctx context.Context, payerID, payeeID uint, kind models.TransactionKind, productRef string, since time.Time) (*models.Transaction, error)
	HasSuccessfulPurchase(ctx context.Context, payerID uint, kind models.TransactionKind, productRef string) (bool, error)
	// CompareAndSetTransactionStatus moves the row from one status to another
	// and reports whether this call won.
	CompareAndSetTransactionStatus(ctx context.Context, id string, from, to models.PaymentStatus, updates map[string]interface{}) (bool, error)
	// SetProviderTransactionID fills the provider id if it is still empty.
	SetProviderTransactionID(ctx context.Context, id, providerTxID string) error
	ListStaleSubmitted(ctx context.Context, before time.Time, limit int) ([]models.Transaction, error)

	CreateSubscription(ctx context.Context, sub *models.PaymentSubscription) error
	GetSubscription(ctx context.Context, id string) (*models.PaymentSubscription, error)
	LockSubscription(ctx context.Context, id string) (*models.PaymentSubscription, error)
	FindSubscriptionByProviderSubID(ctx context.Context, provider, providerSubID string) (*models.PaymentSubscription, error)
	FindSubscriptionByMerchantRef(ctx context.Context, merchantRef string) (*models.PaymentSubscription, error)
	// FindOpenSubscription returns nil without error when there is none.
	FindOpenSubscription(ctx context.Context, payerID, creatorID uint) (*models.PaymentSubscription, error)
	CompareAndSetSubscriptionStatus(ctx context.Context, id string, from, to models.PaymentStatus, updates map[string]interface{}) (bool, error)
	SetProviderSubscriptionID(ctx context.Context, id, providerSubID string) error

	FindWebhookEvent(ctx context.Context, provider, providerEventID string) (*models.ProcessedWebhookEvent, error)
	CreateWebhookEvent(ctx context.Context, ev *models.ProcessedWebhookEvent) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM. The handle
// should be opened with TranslateError so unique conflicts surface as
// gorm.ErrDuplicatedKey.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(repo Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) with(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func (r *gormRepository) forUpdate(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

// ledger.Store

func (r *gormRepository) AddToBalance(ctx context.Context, ref models.BalanceRef, delta int64) error {
	b := models.Balance{UserID: ref.UserID, Kind: ref.Kind, Amount: delta}
	return r.with(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "kind"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"amount":     gorm.Expr("amount + ?", delta),
			"updated_at": time.Now(),
		}),
	}).Create(&b).Error
}

func (r *gormRepository) GetBalance(ctx context.Context, ref models.BalanceRef) (int64, error) {
	var b models.Balance
	err := r.forUpdate(ctx).Where("user_id = ? AND kind = ?", ref.UserID, ref.Kind).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return b.Amount, nil
}

func (r *gormRepository) AppendLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error {
	return r.with(ctx).Create(entry).Error
}

func (r *gormRepository) ListLedgerEntries(ctx context.Context, transactionID string) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := r.with(ctx).Where("transaction_id = ?", transactionID).Order("id ASC").Find(&entries).Error
	return entries, err
}

func (r *gormRepository) CreateReferralTransaction(ctx context.Context, rt *models.ReferralTransaction) error {
	return r.with(ctx).Create(rt).Error
}

func (r *gormRepository) DeleteReferralTransactions(ctx context.Context, transactionID string) (int64, error) {
	res := r.with(ctx).Where("transaction_id = ?", transactionID).Delete(&models.ReferralTransaction{})
	return res.RowsAffected, res.Error
}

func (r *gormRepository) FindReferralCode(ctx context.Context, code string) (*models.ReferralCode, error) {
	var rc models.ReferralCode
	err := r.with(ctx).Where("code = ?", code).First(&rc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (r *gormRepository) GetCreatorFeeSettings(ctx context.Context, creatorID uint) (*models.CreatorFeeSettings, error) {
	var s models.CreatorFeeSettings
	err := r.with(ctx).Where("creator_id = ?", creatorID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// campaign.Store

func (r *gormRepository) ListCampaigns(ctx context.Context, itemRef string) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	err := r.with(ctx).Where("item_ref = ?", itemRef).Order("created_at ASC, id ASC").Find(&campaigns).Error
	return campaigns, err
}

func (r *gormRepository) CountCampaignUsage(ctx context.Context, campaignID uint) (int64, error) {
	var n int64
	err := r.with(ctx).Model(&models.PaymentSubscription{}).Where("campaign_id = ?", campaignID).Count(&n).Error
	return n, err
}

func (r *gormRepository) HasSuccessfulSubscriptionCharge(ctx context.Context, payerID, creatorID uint) (bool, error) {
	var n int64
	err := r.with(ctx).Model(&models.Transaction{}).
		Where("payer_id = ? AND payee_id = ? AND kind = ? AND status = ?",
			payerID, creatorID, models.TransactionKindSubscriptionCharge, models.PaymentStatusSuccessful).
		Limit(1).Count(&n).Error
	return n > 0, err
}

// collaborators

func (r *gormRepository) ProductPrice(ctx context.Context, kind models.TransactionKind, ref string) (*models.ProductPrice, error) {
	var p models.ProductPrice
	err := r.with(ctx).Where("kind = ? AND ref = ? AND active = ?", kind, ref, true).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) GetCustomerAddress(ctx context.Context, userID uint) (*models.CustomerAddress, error) {
	var a models.CustomerAddress
	err := r.with(ctx).Where("user_id = ?", userID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *gormRepository) FindPaymentMethod(ctx context.Context, userID uint, provider string) (*models.PaymentMethod, error) {
	var pm models.PaymentMethod
	err := r.with(ctx).Where("user_id = ? AND provider = ?", userID, provider).
		Order("is_default DESC, id DESC").First(&pm).Error
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

// transactions

func (r *gormRepository) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	return r.with(ctx).Create(tx).Error
}

func (r *gormRepository) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var t models.Transaction
	if err := r.with(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) LockTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var t models.Transaction
	if err := r.forUpdate(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) FindTransactionByProviderTxID(ctx context.Context, provider, providerTxID string) (*models.Transaction, error) {
	var t models.Transaction
	err := r.with(ctx).Where("provider = ? AND provider_transaction_id = ?", provider, providerTxID).First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) FindTransactionByMerchantRef(ctx context.Context, merchantRef string) (*models.Transaction, error) {
	var t models.Transaction
	if err := r.with(ctx).Where("merchant_ref = ?", merchantRef).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) FindRecentAttempt(ctx context.Context, payerID, payeeID uint, kind models.TransactionKind, productRef string, since time.Time) (*models.Transaction, error) {
	var t models.Transaction
	err := r.with(ctx).
		Where("payer_id = ? AND payee_id = ? AND kind = ? AND product_ref = ?", payerID, payeeID, kind, productRef).
		Where("status IN ? AND created_at >= ?", []models.PaymentStatus{models.PaymentStatusInitialized, models.PaymentStatusSubmitted}, since).
		Order("created_at DESC").
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) HasSuccessfulPurchase(ctx context.Context, payerID uint, kind models.TransactionKind, productRef string) (bool, error) {
	var n int64
	err := r.with(ctx).Model(&models.Transaction{}).
		Where("payer_id = ? AND kind = ? AND product_ref = ? AND status = ?", payerID, kind, productRef, models.PaymentStatusSuccessful).
		Limit(1).Count(&n).Error
	return n > 0, err
}

func (r *gormRepository) CompareAndSetTransactionStatus(ctx context.Context, id string, from, to models.PaymentStatus, updates map[string]interface{}) (bool, error) {
	res := r.with(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(withStatus(to, updates))
	return res.RowsAffected == 1, res.Error
}

func (r *gormRepository) SetProviderTransactionID(ctx context.Context, id, providerTxID string) error {
	return r.with(ctx).Model(&models.Transaction{}).
		Where("id = ? AND provider_transaction_id IS NULL", id).
		Update("provider_transaction_id", providerTxID).Error
}

func (r *gormRepository) ListStaleSubmitted(ctx context.Context, before time.Time, limit int) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := r.with(ctx).
		Where("status = ? AND updated_at < ? AND provider <> ?", models.PaymentStatusSubmitted, before, models.ProviderGems).
		Order("created_at ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// subscriptions

func (r *gormRepository) CreateSubscription(ctx context.Context, sub *models.PaymentSubscription) error {
	if sub.Status.IsOpen() && sub.OpenKey == nil {
		key := models.OpenKeyFor(sub.PayerID, sub.CreatorID)
		sub.OpenKey = &key
	}
	return r.with(ctx).Create(sub).Error
}

func (r *gormRepository) GetSubscription(ctx context.Context, id string) (*models.PaymentSubscription, error) {
	var s models.PaymentSubscription
	if err := r.with(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormRepository) LockSubscription(ctx context.Context, id string) (*models.PaymentSubscription, error) {
	var s models.PaymentSubscription
	if err := r.forUpdate(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormRepository) FindSubscriptionByProviderSubID(ctx context.Context, provider, providerSubID string) (*models.PaymentSubscription, error) {
	var s models.PaymentSubscription
	err := r.with(ctx).Where("provider = ? AND provider_subscription_id = ?", provider, providerSubID).First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormRepository) FindSubscriptionByMerchantRef(ctx context.Context, merchantRef string) (*models.PaymentSubscription, error) {
	var s models.PaymentSubscription
	if err := r.with(ctx).Where("merchant_ref = ?", merchantRef).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormRepository) FindOpenSubscription(ctx context.Context, payerID, creatorID uint) (*models.PaymentSubscription, error) {
	var s models.PaymentSubscription
	err := r.with(ctx).
		Where("payer_id = ? AND creator_id = ? AND status IN ?", payerID, creatorID, []models.PaymentStatus{
			models.PaymentStatusInitialized,
			models.PaymentStatusSubmitted,
			models.PaymentStatusPending,
			models.PaymentStatusActive,
		}).
		Order("created_at DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormRepository) CompareAndSetSubscriptionStatus(ctx context.Context, id string, from, to models.PaymentStatus, updates map[string]interface{}) (bool, error) {
	values := withStatus(to, updates)
	// Mirrors models.OpenKeyFor.
	if to.IsOpen() {
		values["open_key"] = gorm.Expr("CONCAT(payer_id, ':', creator_id)")
	} else {
		values["open_key"] = nil
	}
	res := r.with(ctx).Model(&models.PaymentSubscription{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	return res.RowsAffected == 1, res.Error
}

func (r *gormRepository) SetProviderSubscriptionID(ctx context.Context, id, providerSubID string) error {
	return r.with(ctx).Model(&models.PaymentSubscription{}).
		Where("id = ? AND provider_subscription_id IS NULL", id).
		Update("provider_subscription_id", providerSubID).Error
}

// webhooks

func (r *gormRepository) FindWebhookEvent(ctx context.Context, provider, providerEventID string) (*models.ProcessedWebhookEvent, error) {
	var ev models.ProcessedWebhookEvent
	err := r.with(ctx).Where("provider = ? AND provider_event_id = ?", provider, providerEventID).First(&ev).Error
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *gormRepository) CreateWebhookEvent(ctx context.Context, ev *models.ProcessedWebhookEvent) error {
	return r.with(ctx).Create(ev).Error
}

func withStatus(to models.PaymentStatus, updates map[string]interface{}) map[string]interface{} {
	values := make(map[string]interface{}, len(updates)+1)
	for k, v := range updates {
		values[k] = v
	}
	values["status"] = to
	return values
}
