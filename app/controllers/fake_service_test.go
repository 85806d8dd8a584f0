package controllers

import (
	"context"
	"net/http"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/billing"
	"github.com/ManuelReschke/PayFox/internal/pkg/fees"
)

// fakeService records the last request and returns canned results.
type fakeService struct {
	purchaseReq  billing.PurchaseRequest
	purchaseKind string
	purchaseRes  *billing.PurchaseResult
	gemTipReq    billing.GemTipRequest
	subscribeReq billing.SubscribeRequest
	subscribeRes *billing.SubscribeResult
	refundReq    billing.RefundRequest
	refundRes    *billing.RefundResult
	quoteReq     billing.QuoteRequest
	quote        fees.Breakdown
	tx           *models.Transaction
	sub          *models.PaymentSubscription
	viewerID     uint
	webhookRes   *billing.WebhookResult
	webhookBody  []byte
	webhookHdr   http.Header
	err          error
}

func (f *fakeService) purchase(kind string, req billing.PurchaseRequest) (*billing.PurchaseResult, error) {
	f.purchaseKind, f.purchaseReq = kind, req
	return f.purchaseRes, f.err
}

func (f *fakeService) PurchaseTip(_ context.Context, req billing.PurchaseRequest) (*billing.PurchaseResult, error) {
	return f.purchase("tip", req)
}

func (f *fakeService) PurchasePaidPost(_ context.Context, req billing.PurchaseRequest) (*billing.PurchaseResult, error) {
	return f.purchase("paid_post", req)
}

func (f *fakeService) PurchaseCameo(_ context.Context, req billing.PurchaseRequest) (*billing.PurchaseResult, error) {
	return f.purchase("cameo", req)
}

func (f *fakeService) PurchaseGems(_ context.Context, req billing.PurchaseRequest) (*billing.PurchaseResult, error) {
	return f.purchase("gem_purchase", req)
}

func (f *fakeService) TipWithGems(_ context.Context, req billing.GemTipRequest) (*billing.PurchaseResult, error) {
	f.gemTipReq = req
	return f.purchaseRes, f.err
}

func (f *fakeService) Subscribe(_ context.Context, req billing.SubscribeRequest) (*billing.SubscribeResult, error) {
	f.subscribeReq = req
	return f.subscribeRes, f.err
}

func (f *fakeService) CancelSubscription(_ context.Context, _ string, actorID uint) (*models.PaymentSubscription, error) {
	f.viewerID = actorID
	return f.sub, f.err
}

func (f *fakeService) RequestRefund(_ context.Context, req billing.RefundRequest) (*billing.RefundResult, error) {
	f.refundReq = req
	return f.refundRes, f.err
}

func (f *fakeService) Quote(_ context.Context, req billing.QuoteRequest) (fees.Breakdown, error) {
	f.quoteReq = req
	return f.quote, f.err
}

func (f *fakeService) GetTransaction(_ context.Context, _ string, viewerID uint) (*models.Transaction, error) {
	f.viewerID = viewerID
	return f.tx, f.err
}

func (f *fakeService) GetSubscription(_ context.Context, _ string, viewerID uint) (*models.PaymentSubscription, error) {
	f.viewerID = viewerID
	return f.sub, f.err
}

func (f *fakeService) HandleWebhook(_ context.Context, _ string, headers http.Header, body []byte) (*billing.WebhookResult, error) {
	f.webhookHdr, f.webhookBody = headers, body
	return f.webhookRes, f.err
}
