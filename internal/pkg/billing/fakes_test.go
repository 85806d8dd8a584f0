package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/notify"
)

// memData is an in-memory store. A Transaction holds the mutex for its
// whole duration and restores a snapshot when fn fails.
type memData struct {
	mu sync.Mutex

	prices      map[string]models.ProductPrice
	addresses   map[uint]models.CustomerAddress
	methods     []models.PaymentMethod
	txs         map[string]models.Transaction
	subs        map[string]models.PaymentSubscription
	balances    map[models.BalanceRef]int64
	entries     []models.LedgerEntry
	referrals   []models.ReferralTransaction
	codes       map[string]models.ReferralCode
	feeSettings map[uint]models.CreatorFeeSettings
	campaigns   []models.Campaign
	events      map[string]models.ProcessedWebhookEvent

	failEventInsert error
}

type memRepo struct {
	d    *memData
	inTx bool
}

var _ Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{d: &memData{
		prices:      make(map[string]models.ProductPrice),
		addresses:   make(map[uint]models.CustomerAddress),
		txs:         make(map[string]models.Transaction),
		subs:        make(map[string]models.PaymentSubscription),
		balances:    make(map[models.BalanceRef]int64),
		codes:       make(map[string]models.ReferralCode),
		feeSettings: make(map[uint]models.CreatorFeeSettings),
		events:      make(map[string]models.ProcessedWebhookEvent),
	}}
}

func (r *memRepo) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.d.mu.Lock()
	return r.d.mu.Unlock
}

type memSnapshot struct {
	txs       map[string]models.Transaction
	subs      map[string]models.PaymentSubscription
	balances  map[models.BalanceRef]int64
	entries   []models.LedgerEntry
	referrals []models.ReferralTransaction
	events    map[string]models.ProcessedWebhookEvent
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (d *memData) snapshot() memSnapshot {
	return memSnapshot{
		txs:       copyMap(d.txs),
		subs:      copyMap(d.subs),
		balances:  copyMap(d.balances),
		entries:   append([]models.LedgerEntry(nil), d.entries...),
		referrals: append([]models.ReferralTransaction(nil), d.referrals...),
		events:    copyMap(d.events),
	}
}

func (d *memData) restore(s memSnapshot) {
	d.txs, d.subs, d.balances = s.txs, s.subs, s.balances
	d.entries, d.referrals, d.events = s.entries, s.referrals, s.events
}

func (r *memRepo) Transaction(ctx context.Context, fn func(repo Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	snap := r.d.snapshot()
	if err := fn(&memRepo{d: r.d, inTx: true}); err != nil {
		r.d.restore(snap)
		return err
	}
	return nil
}

// seeding helpers

func priceKey(kind models.TransactionKind, ref string) string {
	return string(kind) + "/" + ref
}

func (r *memRepo) addPrice(p models.ProductPrice) {
	defer r.lock()()
	p.Active = true
	r.d.prices[priceKey(p.Kind, p.Ref)] = p
}

func (r *memRepo) addAddress(a models.CustomerAddress) {
	defer r.lock()()
	r.d.addresses[a.UserID] = a
}

func (r *memRepo) addPaymentMethod(pm models.PaymentMethod) {
	defer r.lock()()
	r.d.methods = append(r.d.methods, pm)
}

func (r *memRepo) addReferralCode(c models.ReferralCode) {
	defer r.lock()()
	r.d.codes[c.Code] = c
}

func (r *memRepo) addFeeSettings(s models.CreatorFeeSettings) {
	defer r.lock()()
	r.d.feeSettings[s.CreatorID] = s
}

func (r *memRepo) addCampaign(c models.Campaign) {
	defer r.lock()()
	c.ID = uint(len(r.d.campaigns) + 1)
	r.d.campaigns = append(r.d.campaigns, c)
}

func (r *memRepo) setBalance(ref models.BalanceRef, amount int64) {
	defer r.lock()()
	r.d.balances[ref] = amount
}

func (r *memRepo) balance(userID uint, kind models.BalanceKind) int64 {
	defer r.lock()()
	return r.d.balances[models.BalanceRef{UserID: userID, Kind: kind}]
}

func (r *memRepo) transactionCount() int {
	defer r.lock()()
	return len(r.d.txs)
}

func (r *memRepo) eventCount() int {
	defer r.lock()()
	return len(r.d.events)
}

func (r *memRepo) referralCount() int {
	defer r.lock()()
	return len(r.d.referrals)
}

func (r *memRepo) subscriptionTransactions(subID string) []models.Transaction {
	defer r.lock()()
	var out []models.Transaction
	for _, tx := range r.d.txs {
		if tx.SubscriptionID != nil && *tx.SubscriptionID == subID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ledger.Store

func (r *memRepo) AddToBalance(_ context.Context, ref models.BalanceRef, delta int64) error {
	defer r.lock()()
	r.d.balances[ref] += delta
	return nil
}

func (r *memRepo) GetBalance(_ context.Context, ref models.BalanceRef) (int64, error) {
	defer r.lock()()
	return r.d.balances[ref], nil
}

func (r *memRepo) AppendLedgerEntry(_ context.Context, entry *models.LedgerEntry) error {
	defer r.lock()()
	entry.ID = uint(len(r.d.entries) + 1)
	r.d.entries = append(r.d.entries, *entry)
	return nil
}

func (r *memRepo) ListLedgerEntries(_ context.Context, transactionID string) ([]models.LedgerEntry, error) {
	defer r.lock()()
	var out []models.LedgerEntry
	for _, e := range r.d.entries {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRepo) CreateReferralTransaction(_ context.Context, rt *models.ReferralTransaction) error {
	defer r.lock()()
	for _, existing := range r.d.referrals {
		if existing.TransactionID == rt.TransactionID && existing.Kind == rt.Kind {
			return gorm.ErrDuplicatedKey
		}
	}
	r.d.referrals = append(r.d.referrals, *rt)
	return nil
}

func (r *memRepo) DeleteReferralTransactions(_ context.Context, transactionID string) (int64, error) {
	defer r.lock()()
	kept := r.d.referrals[:0]
	var n int64
	for _, rt := range r.d.referrals {
		if rt.TransactionID == transactionID {
			n++
			continue
		}
		kept = append(kept, rt)
	}
	r.d.referrals = kept
	return n, nil
}

func (r *memRepo) FindReferralCode(_ context.Context, code string) (*models.ReferralCode, error) {
	defer r.lock()()
	c, ok := r.d.codes[code]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *memRepo) GetCreatorFeeSettings(_ context.Context, creatorID uint) (*models.CreatorFeeSettings, error) {
	defer r.lock()()
	s, ok := r.d.feeSettings[creatorID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// campaign.Store

func (r *memRepo) ListCampaigns(_ context.Context, itemRef string) ([]models.Campaign, error) {
	defer r.lock()()
	var out []models.Campaign
	for _, c := range r.d.campaigns {
		if c.ItemRef == itemRef {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memRepo) CountCampaignUsage(_ context.Context, campaignID uint) (int64, error) {
	defer r.lock()()
	var n int64
	for _, s := range r.d.subs {
		if s.CampaignID != nil && *s.CampaignID == campaignID {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) HasSuccessfulSubscriptionCharge(_ context.Context, payerID, creatorID uint) (bool, error) {
	defer r.lock()()
	for _, tx := range r.d.txs {
		if tx.PayerID == payerID && tx.PayeeID == creatorID &&
			tx.Kind == models.TransactionKindSubscriptionCharge && tx.Status == models.PaymentStatusSuccessful {
			return true, nil
		}
	}
	return false, nil
}

// collaborators

func (r *memRepo) ProductPrice(_ context.Context, kind models.TransactionKind, ref string) (*models.ProductPrice, error) {
	defer r.lock()()
	p, ok := r.d.prices[priceKey(kind, ref)]
	if !ok || !p.Active {
		return nil, gorm.ErrRecordNotFound
	}
	return &p, nil
}

func (r *memRepo) GetCustomerAddress(_ context.Context, userID uint) (*models.CustomerAddress, error) {
	defer r.lock()()
	a, ok := r.d.addresses[userID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r *memRepo) FindPaymentMethod(_ context.Context, userID uint, provider string) (*models.PaymentMethod, error) {
	defer r.lock()()
	for _, pm := range r.d.methods {
		if pm.UserID == userID && pm.Provider == provider {
			found := pm
			return &found, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// transactions

func (r *memRepo) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	defer r.lock()()
	if _, ok := r.d.txs[tx.ID]; ok {
		return gorm.ErrDuplicatedKey
	}
	for _, existing := range r.d.txs {
		if existing.MerchantRef == tx.MerchantRef {
			return gorm.ErrDuplicatedKey
		}
		if tx.ProviderTransactionID != nil && existing.Provider == tx.Provider && existing.ProviderTxID() == *tx.ProviderTransactionID {
			return gorm.ErrDuplicatedKey
		}
	}
	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	r.d.txs[tx.ID] = *tx
	return nil
}

func (r *memRepo) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	defer r.lock()()
	tx, ok := r.d.txs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &tx, nil
}

func (r *memRepo) LockTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return r.GetTransaction(ctx, id)
}

func (r *memRepo) FindTransactionByProviderTxID(_ context.Context, provider, providerTxID string) (*models.Transaction, error) {
	defer r.lock()()
	for _, tx := range r.d.txs {
		if tx.Provider == provider && tx.ProviderTxID() == providerTxID {
			return &tx, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) FindTransactionByMerchantRef(_ context.Context, merchantRef string) (*models.Transaction, error) {
	defer r.lock()()
	for _, tx := range r.d.txs {
		if tx.MerchantRef == merchantRef {
			return &tx, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) FindRecentAttempt(_ context.Context, payerID, payeeID uint, kind models.TransactionKind, productRef string, since time.Time) (*models.Transaction, error) {
	defer r.lock()()
	for _, tx := range r.d.txs {
		if tx.PayerID == payerID && tx.PayeeID == payeeID && tx.Kind == kind && tx.ProductRef == productRef &&
			(tx.Status == models.PaymentStatusInitialized || tx.Status == models.PaymentStatusSubmitted) &&
			!tx.CreatedAt.Before(since) {
			return &tx, nil
		}
	}
	return nil, nil
}

func (r *memRepo) HasSuccessfulPurchase(_ context.Context, payerID uint, kind models.TransactionKind, productRef string) (bool, error) {
	defer r.lock()()
	for _, tx := range r.d.txs {
		if tx.PayerID == payerID && tx.Kind == kind && tx.ProductRef == productRef && tx.Status == models.PaymentStatusSuccessful {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) CompareAndSetTransactionStatus(_ context.Context, id string, from, to models.PaymentStatus, updates map[string]interface{}) (bool, error) {
	defer r.lock()()
	tx, ok := r.d.txs[id]
	if !ok || tx.Status != from {
		return false, nil
	}
	tx.Status = to
	for k, v := range updates {
		switch k {
		case "error_message":
			tx.ErrorMessage = v.(string)
		case "settled_at":
			at := v.(time.Time)
			tx.SettledAt = &at
		case "provider_transaction_id":
			pid := v.(string)
			tx.ProviderTransactionID = &pid
		default:
			return false, fmt.Errorf("memRepo: unsupported transaction column %q", k)
		}
	}
	tx.UpdatedAt = time.Now()
	r.d.txs[id] = tx
	return true, nil
}

func (r *memRepo) SetProviderTransactionID(_ context.Context, id, providerTxID string) error {
	defer r.lock()()
	tx, ok := r.d.txs[id]
	if !ok || tx.ProviderTransactionID != nil {
		return nil
	}
	tx.ProviderTransactionID = &providerTxID
	r.d.txs[id] = tx
	return nil
}

func (r *memRepo) ListStaleSubmitted(_ context.Context, before time.Time, limit int) ([]models.Transaction, error) {
	defer r.lock()()
	var out []models.Transaction
	for _, tx := range r.d.txs {
		if tx.Status == models.PaymentStatusSubmitted && tx.UpdatedAt.Before(before) && tx.Provider != models.ProviderGems {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// subscriptions

func (r *memRepo) CreateSubscription(_ context.Context, sub *models.PaymentSubscription) error {
	defer r.lock()()
	if _, ok := r.d.subs[sub.ID]; ok {
		return gorm.ErrDuplicatedKey
	}
	if sub.Status.IsOpen() && r.openPairTaken(sub.ID, sub.PayerID, sub.CreatorID) {
		return gorm.ErrDuplicatedKey
	}
	now := time.Now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	r.d.subs[sub.ID] = *sub
	return nil
}

func (r *memRepo) GetSubscription(_ context.Context, id string) (*models.PaymentSubscription, error) {
	defer r.lock()()
	sub, ok := r.d.subs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &sub, nil
}

func (r *memRepo) LockSubscription(ctx context.Context, id string) (*models.PaymentSubscription, error) {
	return r.GetSubscription(ctx, id)
}

func (r *memRepo) FindSubscriptionByProviderSubID(_ context.Context, provider, providerSubID string) (*models.PaymentSubscription, error) {
	defer r.lock()()
	for _, sub := range r.d.subs {
		if sub.Provider == provider && sub.ProviderSubID() == providerSubID {
			return &sub, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) FindSubscriptionByMerchantRef(_ context.Context, merchantRef string) (*models.PaymentSubscription, error) {
	defer r.lock()()
	for _, sub := range r.d.subs {
		if sub.MerchantRef == merchantRef {
			return &sub, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// openPairTaken mirrors the unique open_key index. Callers hold the lock.
func (r *memRepo) openPairTaken(exceptID string, payerID, creatorID uint) bool {
	for id, sub := range r.d.subs {
		if id != exceptID && sub.PayerID == payerID && sub.CreatorID == creatorID && sub.Status.IsOpen() {
			return true
		}
	}
	return false
}

func (r *memRepo) FindOpenSubscription(_ context.Context, payerID, creatorID uint) (*models.PaymentSubscription, error) {
	defer r.lock()()
	for _, sub := range r.d.subs {
		if sub.PayerID == payerID && sub.CreatorID == creatorID && sub.Status.IsOpen() {
			return &sub, nil
		}
	}
	return nil, nil
}

func (r *memRepo) CompareAndSetSubscriptionStatus(_ context.Context, id string, from, to models.PaymentStatus, updates map[string]interface{}) (bool, error) {
	defer r.lock()()
	sub, ok := r.d.subs[id]
	if !ok || sub.Status != from {
		return false, nil
	}
	if to.IsOpen() && !from.IsOpen() && r.openPairTaken(id, sub.PayerID, sub.CreatorID) {
		return false, gorm.ErrDuplicatedKey
	}
	sub.Status = to
	for k, v := range updates {
		switch k {
		case "error_message":
			sub.ErrorMessage = v.(string)
		case "end_date":
			at := v.(time.Time)
			sub.EndDate = &at
		case "provider_subscription_id":
			pid := v.(string)
			sub.ProviderSubscriptionID = &pid
		default:
			return false, fmt.Errorf("memRepo: unsupported subscription column %q", k)
		}
	}
	sub.UpdatedAt = time.Now()
	r.d.subs[id] = sub
	return true, nil
}

func (r *memRepo) SetProviderSubscriptionID(_ context.Context, id, providerSubID string) error {
	defer r.lock()()
	sub, ok := r.d.subs[id]
	if !ok || sub.ProviderSubscriptionID != nil {
		return nil
	}
	sub.ProviderSubscriptionID = &providerSubID
	r.d.subs[id] = sub
	return nil
}

// webhooks

func eventKey(provider, id string) string {
	return provider + "/" + id
}

func (r *memRepo) FindWebhookEvent(_ context.Context, provider, providerEventID string) (*models.ProcessedWebhookEvent, error) {
	defer r.lock()()
	ev, ok := r.d.events[eventKey(provider, providerEventID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &ev, nil
}

func (r *memRepo) CreateWebhookEvent(_ context.Context, ev *models.ProcessedWebhookEvent) error {
	defer r.lock()()
	if r.d.failEventInsert != nil {
		return r.d.failEventInsert
	}
	key := eventKey(ev.Provider, ev.ProviderEventID)
	if _, ok := r.d.events[key]; ok {
		return gorm.ErrDuplicatedKey
	}
	ev.ID = uint(len(r.d.events) + 1)
	r.d.events[key] = *ev
	return nil
}

func (r *memRepo) setFailEventInsert(err error) {
	defer r.lock()()
	r.d.failEventInsert = err
}

// fakeGateway records calls and parses a small JSON webhook format.
type fakeGateway struct {
	mu sync.Mutex

	name         string
	caps         gateway.Capabilities
	chargeErr    error
	recurringErr error
	fetchErr     error
	redirectURL  string
	details      map[string]*gateway.TransactionDetails
	// onRecurring runs before CreateRecurring answers, outside the lock.
	onRecurring func()

	nextID    int
	charges   []gateway.ChargeRequest
	schedules []gateway.Schedule
	refunds   []gateway.RefundRequest
	cancelled []string
}

func newFakeGateway(name string) *fakeGateway {
	return &fakeGateway{
		name:    name,
		caps:    gateway.Capabilities{Recurring: true},
		details: make(map[string]*gateway.TransactionDetails),
	}
}

func (f *fakeGateway) Name() string { return f.name }

func (f *fakeGateway) Capabilities() gateway.Capabilities { return f.caps }

func (f *fakeGateway) ChargeOneOff(_ context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges = append(f.charges, req)
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	f.nextID++
	return &gateway.ChargeResult{ProviderTxID: fmt.Sprintf("ptx-%d", f.nextID), RedirectURL: f.redirectURL}, nil
}

func (f *fakeGateway) Refund(_ context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, req)
	return &gateway.RefundResult{ProviderRefundID: "refund-" + req.ProviderTxID}, nil
}

func (f *fakeGateway) CreateRecurring(_ context.Context, sched gateway.Schedule) (*gateway.RecurringResult, error) {
	if f.onRecurring != nil {
		f.onRecurring()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules = append(f.schedules, sched)
	if f.recurringErr != nil {
		return nil, f.recurringErr
	}
	f.nextID++
	return &gateway.RecurringResult{ProviderSubID: fmt.Sprintf("psub-%d", f.nextID)}, nil
}

func (f *fakeGateway) CancelRecurring(_ context.Context, providerSubID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, providerSubID)
	return nil
}

func (f *fakeGateway) FetchTransaction(_ context.Context, providerTxID string) (*gateway.TransactionDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	d, ok := f.details[providerTxID]
	if !ok {
		return nil, gateway.Failure(f.name, "transaction not found", nil)
	}
	return d, nil
}

func (f *fakeGateway) VerifyWebhookSignature(_ context.Context, headers http.Header, _ []byte) (bool, error) {
	return headers.Get("X-Test-Signature") == "valid", nil
}

type fakeEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Kind      string `json:"kind"`
	TxID      string `json:"tx"`
	ParentID  string `json:"parent"`
	SubID     string `json:"sub"`
	Reference string `json:"ref"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

func (f *fakeGateway) ParseWebhook(_ http.Header, body []byte) (*gateway.Event, error) {
	var in fakeEvent
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, errors.New("missing type")
	}
	return &gateway.Event{
		ID:            in.ID,
		Type:          in.Type,
		Kind:          gateway.EventKind(in.Kind),
		ProviderTxID:  in.TxID,
		ParentTxID:    in.ParentID,
		ProviderSubID: in.SubID,
		Reference:     in.Reference,
		Amount:        in.Amount,
		Reason:        in.Reason,
		Raw:           body,
	}, nil
}

func (f *fakeGateway) chargeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.charges)
}

// recordingSink keeps every notification.
type recordingSink struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (r *recordingSink) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingSink) types(userID uint) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.messages {
		if m.UserID == userID {
			out = append(out, m.Type)
		}
	}
	return out
}

const (
	payerID   uint = 10
	creatorID uint = 20
	friendID  uint = 30
	otherID   uint = 40
)

type harness struct {
	repo *memRepo
	gw   *fakeGateway
	sink *recordingSink
	svc  *Service
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ConfirmInterval = 5 * time.Millisecond
	cfg.ConfirmTimeout = 2 * time.Second
	cfg.GatewayTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{repo: newMemRepo(), gw: newFakeGateway("fakepay"), sink: &recordingSink{}}
	all := append([]Option{WithConfig(fastConfig()), WithNotifier(h.sink)}, opts...)
	h.svc = NewService(h.repo, gateway.NewRegistry(h.gw), all...)
	return h
}

// deliver sends a signed fake webhook.
func (h *harness) deliver(t *testing.T, ev fakeEvent) *WebhookResult {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set("X-Test-Signature", "valid")
	res, err := h.svc.HandleWebhook(context.Background(), h.gw.name, headers, body)
	require.NoError(t, err)
	return res
}

// settleWhenSubmitted delivers charge_succeeded for the first submitted
// transaction it sees, mimicking the gateway reporting while a caller waits.
func (h *harness) settleWhenSubmitted(t *testing.T) <-chan *WebhookResult {
	t.Helper()
	done := make(chan *WebhookResult, 1)
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			for _, tx := range h.repo.submitted() {
				body, _ := json.Marshal(fakeEvent{ID: "evt-" + tx.ProviderTxID(), Type: "capture", Kind: string(gateway.EventChargeSucceeded), TxID: tx.ProviderTxID()})
				headers := http.Header{}
				headers.Set("X-Test-Signature", "valid")
				res, _ := h.svc.HandleWebhook(context.Background(), h.gw.name, headers, body)
				done <- res
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
		done <- nil
	}()
	return done
}

func (h *harness) refundCount() int {
	h.gw.mu.Lock()
	defer h.gw.mu.Unlock()
	return len(h.gw.refunds)
}

func (r *memRepo) submitted() []models.Transaction {
	defer r.lock()()
	var out []models.Transaction
	for _, tx := range r.d.txs {
		if tx.Status == models.PaymentStatusSubmitted && tx.ProviderTransactionID != nil {
			out = append(out, tx)
		}
	}
	return out
}
