package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/campaign"
	"github.com/ManuelReschke/PayFox/internal/pkg/fees"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/notify"
)

// Locker serialises concurrent attempts by the same payer across instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Enqueuer schedules background jobs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// Service is the reconciliation engine. It drives transactions and
// subscriptions through their lifecycle and applies gateway notifications.
type Service struct {
	repo      Repository
	gateways  *gateway.Registry
	fees      *fees.Calculator
	campaigns *campaign.Resolver
	waiter    *Waiter
	notifier  notify.Sink
	archive   Enqueuer
	locker    Locker
	cfg       Config
	now       func() time.Time
}

type Option func(*Service)

func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

func WithCalculator(c *fees.Calculator) Option {
	return func(s *Service) { s.fees = c }
}

func WithNotifier(n notify.Sink) Option {
	return func(s *Service) { s.notifier = n }
}

// WithArchive enables queueing raw webhook payloads for the archive.
func WithArchive(q Enqueuer) Option {
	return func(s *Service) { s.archive = q }
}

func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the engine from an injected repository and gateways.
func NewService(repo Repository, gateways *gateway.Registry, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		gateways: gateways,
		cfg:      DefaultConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fees == nil {
		s.fees = fees.NewCalculator(nil)
	}
	if s.notifier == nil {
		s.notifier = notify.LogSink{}
	}
	s.campaigns = campaign.NewResolver(repo)
	s.waiter = NewWaiter(s.cfg.ConfirmInterval, s.cfg.ConfirmTimeout)
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, gateways *gateway.Registry, opts ...Option) *Service {
	return NewService(NewRepository(db), gateways, opts...)
}

// Repository exposes the store, used by the stale-submission audit.
func (s *Service) Repository() Repository {
	return s.repo
}

func (s *Service) Config() Config {
	return s.cfg
}

// GetTransaction returns a transaction visible to the viewer (payer or
// payee). Anyone else gets gorm.ErrRecordNotFound.
func (s *Service) GetTransaction(ctx context.Context, id string, viewerID uint) (*models.Transaction, error) {
	tx, err := s.repo.GetTransaction(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if viewerID != 0 && tx.PayerID != viewerID && tx.PayeeID != viewerID {
		return nil, gorm.ErrRecordNotFound
	}
	return tx, nil
}

func (s *Service) GetSubscription(ctx context.Context, id string, viewerID uint) (*models.PaymentSubscription, error) {
	sub, err := s.repo.GetSubscription(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if viewerID != 0 && sub.PayerID != viewerID && sub.CreatorID != viewerID {
		return nil, gorm.ErrRecordNotFound
	}
	return sub, nil
}

// Quote prices a purchase without persisting anything.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (fees.Breakdown, error) {
	amount := req.Amount
	if req.Kind != models.TransactionKindTip {
		price, err := s.priceFor(ctx, req.Kind, req.ProductRef, req.PayeeID)
		if err != nil {
			return fees.Breakdown{}, err
		}
		amount = price.Amount
	}
	if amount <= 0 {
		return fees.Breakdown{}, invalid("amount", "must be positive")
	}
	return s.calculate(ctx, req.Kind, req.PayerID, req.PayeeID, amount, true)
}

func (s *Service) adapterFor(provider string) (gateway.Adapter, gateway.Capabilities, error) {
	if s.gateways == nil {
		return nil, gateway.Capabilities{}, invalid("provider", "no payment providers configured")
	}
	a, err := s.gateways.Get(provider)
	if err != nil {
		return nil, gateway.Capabilities{}, invalid("provider", err.Error())
	}
	return a, gateway.CapabilitiesOf(a), nil
}

// priceFor reads the price at the moment of purchase.
func (s *Service) priceFor(ctx context.Context, kind models.TransactionKind, ref string, payeeID uint) (*models.ProductPrice, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, invalid("product_ref", "is required")
	}
	price, err := s.repo.ProductPrice(ctx, kind, ref)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invalid("product_ref", fmt.Sprintf("unknown %s %q", kind, ref))
	}
	if err != nil {
		return nil, fmt.Errorf("price lookup: %w", err)
	}
	if kind != models.TransactionKindGemPurchase && price.CreatorID != payeeID {
		return nil, invalid("product_ref", "does not belong to this creator")
	}
	if price.Amount <= 0 {
		return nil, invalid("product_ref", "has no price")
	}
	return price, nil
}

func (s *Service) feeBps(ctx context.Context, kind models.TransactionKind, payeeID uint) (int64, error) {
	settings, err := s.repo.GetCreatorFeeSettings(ctx, payeeID)
	if err != nil {
		return 0, fmt.Errorf("fee settings: %w", err)
	}
	return settings.FeeBps(kind, s.cfg.DefaultPlatformFeeBps), nil
}

func (s *Service) calculate(ctx context.Context, kind models.TransactionKind, payerID, payeeID uint, amount int64, withTax bool) (fees.Breakdown, error) {
	bps, err := s.feeBps(ctx, kind, payeeID)
	if err != nil {
		return fees.Breakdown{}, err
	}
	var addr *models.CustomerAddress
	if withTax {
		addr, err = s.repo.GetCustomerAddress(ctx, payerID)
		if err != nil {
			return fees.Breakdown{}, fmt.Errorf("customer address: %w", err)
		}
	}
	return s.fees.Calculate(ctx, fees.Quote{Kind: kind, Amount: amount, PlatformFeeBps: bps, Address: addr})
}

// profileFor loads the stored instrument unless the provider collects it on
// its own pages.
func (s *Service) profileFor(ctx context.Context, caps gateway.Capabilities, payerID uint, provider string) (gateway.Profile, error) {
	if !caps.RequiresProfile || caps.Redirect {
		return gateway.Profile{}, nil
	}
	pm, err := s.repo.FindPaymentMethod(ctx, payerID, provider)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return gateway.Profile{}, invalid("provider", "no stored payment method for "+provider)
	}
	if err != nil {
		return gateway.Profile{}, fmt.Errorf("payment method: %w", err)
	}
	return gateway.Profile{
		CustomerProfileID: pm.CustomerProfileID,
		PaymentProfileID:  pm.PaymentProfileID,
		LastDigits:        pm.LastDigits,
		Email:             pm.Email,
	}, nil
}

// gatewayCtx bounds a single provider call independently of the waiter.
func (s *Service) gatewayCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.GatewayTimeout)
}

// lockAttempt takes the optional distributed lock. The recent-attempt query
// and the open-subscription unique key stay authoritative; the lock only
// narrows the race between two instances receiving the same double submit.
func (s *Service) lockAttempt(ctx context.Context, key string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	ok, err := s.locker.Acquire(ctx, key, 30*time.Second)
	if err != nil {
		log.Warnf("[Billing] attempt lock %s unavailable: %v", key, err)
		return func() {}, nil
	}
	if !ok {
		return nil, ErrConcurrentAttempt
	}
	return func() {
		if err := s.locker.Release(context.Background(), key); err != nil {
			log.Warnf("[Billing] release lock %s: %v", key, err)
		}
	}, nil
}

// failTransaction records a synchronous gateway failure.
func (s *Service) failTransaction(ctx context.Context, tx *models.Transaction, reason string) {
	ok, err := s.repo.CompareAndSetTransactionStatus(ctx, tx.ID, models.PaymentStatusInitialized, models.PaymentStatusFailed,
		map[string]interface{}{"error_message": truncateReason(reason)})
	if err != nil {
		log.Errorf("[Billing] failed to mark transaction %s failed: %v", tx.ID, err)
		return
	}
	if ok {
		tx.Status = models.PaymentStatusFailed
		tx.ErrorMessage = truncateReason(reason)
	}
}

// markSubmitted moves Initialized to Submitted. A webhook that already
// finalised the row wins; only the missing provider id is filled in.
func (s *Service) markSubmitted(ctx context.Context, tx *models.Transaction, providerTxID string) error {
	updates := map[string]interface{}{}
	if providerTxID != "" {
		updates["provider_transaction_id"] = providerTxID
	}
	ok, err := s.repo.CompareAndSetTransactionStatus(ctx, tx.ID, models.PaymentStatusInitialized, models.PaymentStatusSubmitted, updates)
	if err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	if ok {
		tx.Status = models.PaymentStatusSubmitted
		if providerTxID != "" {
			tx.ProviderTransactionID = &providerTxID
		}
		return nil
	}
	if providerTxID != "" {
		if err := s.repo.SetProviderTransactionID(ctx, tx.ID, providerTxID); err != nil {
			return fmt.Errorf("set provider id: %w", err)
		}
	}
	fresh, err := s.repo.GetTransaction(ctx, tx.ID)
	if err != nil {
		return err
	}
	*tx = *fresh
	return nil
}

func (s *Service) waitTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	_, werr := s.waiter.Wait(ctx, func(ctx context.Context) (models.PaymentStatus, error) {
		tx, err := s.repo.GetTransaction(ctx, id)
		if err != nil {
			return "", err
		}
		return tx.Status, nil
	})
	tx, err := s.repo.GetTransaction(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, err
	}
	if werr != nil {
		return tx, werr
	}
	if !tx.Status.IsSuccess() {
		return tx, &PaymentError{Status: tx.Status, Reason: tx.ErrorMessage}
	}
	return tx, nil
}

func truncateReason(s string) string {
	const limit = 1000
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

// effects are side effects collected inside an atomic unit and run only
// after it commits.
type effects struct {
	messages []notify.Message
	cancels  []pendingCancel
	refunds  []models.Transaction
}

type pendingCancel struct {
	provider      string
	providerSubID string
}

func (e *effects) notify(msg notify.Message) {
	e.messages = append(e.messages, msg)
}

func (s *Service) flush(ctx context.Context, fx *effects) {
	ctx = context.WithoutCancel(ctx)
	for _, msg := range fx.messages {
		if err := s.notifier.Notify(ctx, msg); err != nil {
			log.Warnf("[Billing] notification %s for user %d failed: %v", msg.Type, msg.UserID, err)
		}
	}
	for _, c := range fx.cancels {
		a, err := s.gateways.Get(c.provider)
		if err != nil {
			continue
		}
		gctx, cancel := s.gatewayCtx(ctx)
		if err := a.CancelRecurring(gctx, c.providerSubID); err != nil {
			log.Warnf("[Billing] cancel recurring %s/%s failed: %v", c.provider, c.providerSubID, err)
		}
		cancel()
	}
	for i := range fx.refunds {
		tx := &fx.refunds[i]
		a, err := s.gateways.Get(tx.Provider)
		if err != nil {
			log.Errorf("[Billing] cannot refund %s: %v", tx.ID, err)
			continue
		}
		if _, err := s.refundCharge(ctx, a, tx); err != nil {
			log.Errorf("[Billing] refund of %s at %s failed, refund it manually: %v", tx.ID, tx.Provider, err)
		}
	}
}

func paymentNotice(kind string, userID uint, content, ref string) notify.Message {
	return notify.Message{UserID: userID, Type: kind, Content: content, ReferenceID: ref}
}
