package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payPalStub struct {
	tokenCalls atomic.Int32
	routes     map[string]func(w http.ResponseWriter, body map[string]any)
}

func newPayPalTestAdapter(t *testing.T, routes map[string]func(w http.ResponseWriter, body map[string]any)) (*PayPalAdapter, *payPalStub) {
	t.Helper()
	stub := &payPalStub{routes: routes}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/oauth2/token" {
			stub.tokenCalls.Add(1)
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "cid", user)
			assert.Equal(t, "secret", pass)
			_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":32400}`))
			return
		}
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		handler, ok := stub.routes[r.Method+" "+r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		handler(w, body)
	}))
	t.Cleanup(srv.Close)
	return &PayPalAdapter{
		ClientID:     "cid",
		ClientSecret: "secret",
		WebhookID:    "WH-ID",
		APIBaseURL:   srv.URL,
		HTTPClient:   &http.Client{Timeout: time.Second},
	}, stub
}

func TestPayPalChargeCapturesAndCachesToken(t *testing.T) {
	a, stub := newPayPalTestAdapter(t, map[string]func(http.ResponseWriter, map[string]any){
		"POST /v2/checkout/orders": func(w http.ResponseWriter, body map[string]any) {
			units := body["purchase_units"].([]any)
			unit := units[0].(map[string]any)
			assert.Equal(t, "ref-1", unit["custom_id"])
			assert.Equal(t, "5.50", unit["amount"].(map[string]any)["value"])
			_, _ = w.Write([]byte(`{"id":"ORDER1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP1","status":"COMPLETED"}]}}]}`))
		},
	})

	for i := 0; i < 2; i++ {
		res, err := a.ChargeOneOff(context.Background(), ChargeRequest{Amount: 550, Currency: "usd", Reference: "ref-1", Profile: Profile{PaymentProfileID: "vault"}})
		require.NoError(t, err)
		assert.Equal(t, "CAP1", res.ProviderTxID)
	}
	assert.Equal(t, int32(1), stub.tokenCalls.Load())
}

func TestPayPalChargeDeclined(t *testing.T) {
	a, _ := newPayPalTestAdapter(t, map[string]func(http.ResponseWriter, map[string]any){
		"POST /v2/checkout/orders": func(w http.ResponseWriter, _ map[string]any) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"INSTRUMENT_DECLINED","description":"The instrument presented was declined."}]}`))
		},
	})

	_, err := a.ChargeOneOff(context.Background(), ChargeRequest{Amount: 100, Currency: "USD", Reference: "r"})
	assert.ErrorIs(t, err, ErrDeclined)
	assert.Equal(t, "The instrument presented was declined.", ReasonOf(err))
}

func TestPayPalServerErrorIsGatewayError(t *testing.T) {
	a, _ := newPayPalTestAdapter(t, map[string]func(http.ResponseWriter, map[string]any){
		"POST /v2/checkout/orders": func(w http.ResponseWriter, _ map[string]any) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	})
	_, err := a.ChargeOneOff(context.Background(), ChargeRequest{Amount: 100, Currency: "USD", Reference: "r"})
	assert.ErrorIs(t, err, ErrGateway)
}

func TestPayPalCreateRecurringReturnsApprovalLink(t *testing.T) {
	a, _ := newPayPalTestAdapter(t, map[string]func(http.ResponseWriter, map[string]any){
		"POST /v1/billing/subscriptions": func(w http.ResponseWriter, body map[string]any) {
			assert.Equal(t, "P-PLAN", body["plan_id"])
			assert.Equal(t, "sub-ref", body["custom_id"])
			_, _ = w.Write([]byte(`{"id":"I-SUB1","status":"APPROVAL_PENDING","links":[{"href":"https://paypal.test/approve","rel":"approve"}]}`))
		},
	})

	res, err := a.CreateRecurring(context.Background(), Schedule{Reference: "sub-ref", PlanRef: "P-PLAN", Amount: 999, Currency: "USD", StartDate: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "I-SUB1", res.ProviderSubID)
	assert.Equal(t, "https://paypal.test/approve", res.RedirectURL)

	_, err = a.CreateRecurring(context.Background(), Schedule{Reference: "x"})
	assert.ErrorIs(t, err, ErrDeclined)
}

func TestPayPalVerifyWebhookSignature(t *testing.T) {
	var failVerification atomic.Bool
	a, _ := newPayPalTestAdapter(t, map[string]func(http.ResponseWriter, map[string]any){
		"POST /v1/notifications/verify-webhook-signature": func(w http.ResponseWriter, body map[string]any) {
			assert.Equal(t, "WH-ID", body["webhook_id"])
			assert.Equal(t, "WH-1", body["webhook_event"].(map[string]any)["id"])
			status := "SUCCESS"
			if failVerification.Load() {
				failVerification.Store(true)
			}
			_, _ = w.Write([]byte(`{"verification_status":"` + status + `"}`))
		},
	})
	h := header(
		"PAYPAL-AUTH-ALGO", "SHA256withRSA",
		"PAYPAL-CERT-URL", "https://api.paypal.com/cert",
		"PAYPAL-TRANSMISSION-ID", "t1",
		"PAYPAL-TRANSMISSION-SIG", "sig",
		"PAYPAL-TRANSMISSION-TIME", "2026-01-01T00:00:00Z",
	)
	body := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED"}`)

	ok, err := a.VerifyWebhookSignature(context.Background(), h, body)
	require.NoError(t, err)
	assert.True(t, ok)

	failVerification.Store(true)
	ok, err = a.VerifyWebhookSignature(context.Background(), h, body)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.VerifyWebhookSignature(context.Background(), http.Header{}, body)
	require.NoError(t, err)
	assert.False(t, ok, "missing transmission headers")
}

func TestPayPalParseWebhook(t *testing.T) {
	a := &PayPalAdapter{}

	ev, err := a.ParseWebhook(nil, []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP1","status":"COMPLETED","amount":{"currency_code":"USD","value":"11.00"},"custom_id":"ref-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventChargeSucceeded, ev.Kind)
	assert.Equal(t, "CAP1", ev.ProviderTxID)
	assert.Equal(t, "ref-1", ev.Reference)
	assert.Equal(t, int64(1100), ev.Amount)

	ev, err = a.ParseWebhook(nil, []byte(`{"id":"WH-2","event_type":"PAYMENT.CAPTURE.REFUNDED","resource":{"id":"REF9","status":"COMPLETED","links":[{"rel":"self","href":"https://api.paypal.com/v2/payments/refunds/REF9"},{"rel":"up","href":"https://api.paypal.com/v2/payments/captures/CAP1"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, EventRefunded, ev.Kind)
	assert.Equal(t, "REF9", ev.ProviderTxID)
	assert.Equal(t, "CAP1", ev.ParentTxID)

	ev, err = a.ParseWebhook(nil, []byte(`{"id":"WH-3","event_type":"PAYMENT.SALE.COMPLETED","resource":{"id":"SALE7","billing_agreement_id":"I-SUB1","amount":{"value":"9.99"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "SALE7", ev.ProviderTxID)
	assert.Equal(t, "I-SUB1", ev.ProviderSubID)

	ev, err = a.ParseWebhook(nil, []byte(`{"id":"WH-4","event_type":"CUSTOMER.DISPUTE.CREATED","resource":{"id":"PP-D-1","disputed_transactions":[{"seller_transaction_id":"CAP1"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, EventDisputed, ev.Kind)
	assert.Equal(t, "CAP1", ev.ProviderTxID)

	ev, err = a.ParseWebhook(nil, []byte(`{"id":"WH-6","event_type":"PAYMENT.CAPTURE.REVERSED","resource":{"id":"REV1","links":[{"rel":"up","href":"https://api.paypal.com/v2/payments/captures/CAP1"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, EventDisputed, ev.Kind, "a reversal takes the funds back")
	assert.Equal(t, "CAP1", ev.ParentTxID)

	ev, err = a.ParseWebhook(nil, []byte(`{"id":"WH-7","event_type":"CUSTOMER.DISPUTE.RESOLVED","resource":{"id":"PP-D-1","disputed_transactions":[{"seller_transaction_id":"CAP1"}],"dispute_outcome":{"outcome_code":"RESOLVED_SELLER_FAVOUR"}}}`))
	require.NoError(t, err)
	assert.Equal(t, EventReversed, ev.Kind)
	assert.Equal(t, "CAP1", ev.ProviderTxID)

	ev, err = a.ParseWebhook(nil, []byte(`{"id":"WH-8","event_type":"CUSTOMER.DISPUTE.RESOLVED","resource":{"id":"PP-D-2","disputed_transactions":[{"seller_transaction_id":"CAP1"}],"dispute_outcome":{"outcome_code":"RESOLVED_BUYER_FAVOUR"}}}`))
	require.NoError(t, err)
	assert.Equal(t, EventRefunded, ev.Kind)

	ev, err = a.ParseWebhook(nil, []byte(`{"id":"WH-5","event_type":"BILLING.SUBSCRIPTION.CANCELLED","resource":{"id":"I-SUB1","custom_id":"subref"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventSubscriptionCancelled, ev.Kind)
	assert.Equal(t, "I-SUB1", ev.ProviderSubID)
	assert.Equal(t, "subref", ev.Reference)

	_, err = a.ParseWebhook(nil, []byte(`not json`))
	assert.Error(t, err)
}
