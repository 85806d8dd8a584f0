package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthNetTestAdapter(t *testing.T, handler func(req map[string]map[string]any) string) *AuthNetAdapter {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("\xef\xbb\xbf" + handler(req)))
	}))
	t.Cleanup(srv.Close)
	return &AuthNetAdapter{
		LoginID:        "login",
		TransactionKey: "key",
		SignatureKey:   "sigkey",
		APIURL:         srv.URL,
		HTTPClient:     &http.Client{Timeout: time.Second},
	}
}

func TestAuthNetChargeApproved(t *testing.T) {
	a := newAuthNetTestAdapter(t, func(req map[string]map[string]any) string {
		body, ok := req["createTransactionRequest"]
		assert.True(t, ok)
		txReq := body["transactionRequest"].(map[string]any)
		assert.Equal(t, "authCaptureTransaction", txReq["transactionType"])
		assert.Equal(t, "11.00", txReq["amount"])
		assert.Equal(t, "7c4d8e5fa1b2c3d4e5f6", txReq["order"].(map[string]any)["invoiceNumber"])
		return `{"transactionResponse":{"responseCode":"1","transId":"60020981676"},"messages":{"resultCode":"Ok","message":[{"code":"I00001","text":"Successful."}]}}`
	})

	res, err := a.ChargeOneOff(context.Background(), ChargeRequest{
		Profile:   Profile{CustomerProfileID: "c1", PaymentProfileID: "p1"},
		Amount:    1100,
		Currency:  "USD",
		Reference: "7c4d8e5fa1b2c3d4e5f6",
	})
	require.NoError(t, err)
	assert.Equal(t, "60020981676", res.ProviderTxID)
}

func TestAuthNetChargeDeclined(t *testing.T) {
	a := newAuthNetTestAdapter(t, func(map[string]map[string]any) string {
		return `{"transactionResponse":{"responseCode":"2","transId":"0","errors":[{"errorCode":"2","errorText":"This transaction has been declined."}]},"messages":{"resultCode":"Error","message":[{"code":"E00027","text":"The transaction was unsuccessful."}]}}`
	})

	_, err := a.ChargeOneOff(context.Background(), ChargeRequest{Amount: 500, Currency: "USD", Reference: "r"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeclined)
	assert.Equal(t, "This transaction has been declined.", ReasonOf(err))
}

func TestAuthNetChargeError(t *testing.T) {
	a := newAuthNetTestAdapter(t, func(map[string]map[string]any) string {
		return `{"transactionResponse":{"responseCode":"3","errors":[{"errorCode":"11","errorText":"A duplicate transaction has been submitted."}]},"messages":{"resultCode":"Error","message":[]}}`
	})

	_, err := a.ChargeOneOff(context.Background(), ChargeRequest{Amount: 500, Currency: "USD", Reference: "r"})
	assert.ErrorIs(t, err, ErrGateway)
}

func TestAuthNetTimeoutIsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	a := &AuthNetAdapter{LoginID: "l", TransactionKey: "k", APIURL: srv.URL, HTTPClient: &http.Client{Timeout: 20 * time.Millisecond}}

	_, err := a.ChargeOneOff(context.Background(), ChargeRequest{Amount: 100, Reference: "r"})
	assert.Equal(t, ResultError, CodeOf(err))
}

func TestAuthNetRefundUsesRefTransID(t *testing.T) {
	a := newAuthNetTestAdapter(t, func(req map[string]map[string]any) string {
		txReq := req["createTransactionRequest"]["transactionRequest"].(map[string]any)
		assert.Equal(t, "refundTransaction", txReq["transactionType"])
		assert.Equal(t, "60020981676", txReq["refTransId"])
		card := txReq["payment"].(map[string]any)["creditCard"].(map[string]any)
		assert.Equal(t, "1111", card["cardNumber"])
		order := txReq["order"].(map[string]any)
		assert.Equal(t, "0192f3a4b5c6d7e8f9a0", order["invoiceNumber"], "refund notifications resolve by merchant reference")
		return `{"transactionResponse":{"responseCode":"1","transId":"60020999999"},"messages":{"resultCode":"Ok","message":[]}}`
	})

	res, err := a.Refund(context.Background(), RefundRequest{ProviderTxID: "60020981676", LastDigits: "1111", Amount: 1100, Reference: "0192f3a4b5c6d7e8f9a0"})
	require.NoError(t, err)
	assert.Equal(t, "60020999999", res.ProviderRefundID)

	_, err = a.Refund(context.Background(), RefundRequest{ProviderTxID: "x", Amount: 1})
	assert.ErrorIs(t, err, ErrDeclined)
}

func TestAuthNetCreateAndCancelRecurring(t *testing.T) {
	a := newAuthNetTestAdapter(t, func(req map[string]map[string]any) string {
		if body, ok := req["ARBCreateSubscriptionRequest"]; ok {
			sub := body["subscription"].(map[string]any)
			sched := sub["paymentSchedule"].(map[string]any)
			assert.Equal(t, "2026-02-28", sched["startDate"])
			assert.Equal(t, "1", sched["trialOccurrences"])
			assert.Equal(t, "1.99", sub["trialAmount"])
			return `{"subscriptionId":"9001","messages":{"resultCode":"Ok","message":[]}}`
		}
		_, ok := req["ARBCancelSubscriptionRequest"]
		assert.True(t, ok)
		return `{"messages":{"resultCode":"Ok","message":[]}}`
	})

	res, err := a.CreateRecurring(context.Background(), Schedule{
		Reference:        "sub",
		Amount:           999,
		IntervalMonths:   1,
		StartDate:        time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC),
		TrialAmount:      199,
		TrialOccurrences: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "9001", res.ProviderSubID)
	assert.NoError(t, a.CancelRecurring(context.Background(), "9001"))
}

func TestAuthNetFetchTransaction(t *testing.T) {
	a := newAuthNetTestAdapter(t, func(map[string]map[string]any) string {
		return `{"transaction":{"transId":"222","refTransId":"111","transactionStatus":"refundSettledSuccessfully","settleAmount":11.0,"order":{"invoiceNumber":"abc"},"subscription":{"id":9001,"payNum":2}},"messages":{"resultCode":"Ok","message":[]}}`
	})

	d, err := a.FetchTransaction(context.Background(), "222")
	require.NoError(t, err)
	assert.Equal(t, "111", d.ParentTxID)
	assert.Equal(t, "9001", d.ProviderSubID)
	assert.Equal(t, "abc", d.Reference)
	assert.Equal(t, int64(1100), d.Amount)
	assert.Equal(t, ResultOk, d.Code)
	assert.True(t, d.Settled)
}

func TestAuthNetWebhookSignature(t *testing.T) {
	a := &AuthNetAdapter{SignatureKey: "sigkey"}
	body := []byte(`{"notificationId":"n1"}`)
	mac := hmac.New(sha512.New, []byte("sigkey"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	ok, err := a.VerifyWebhookSignature(context.Background(), header("X-ANET-Signature", "sha512="+sig), body)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = a.VerifyWebhookSignature(context.Background(), header("X-ANET-Signature", "SHA512="+sig), body)
	assert.True(t, ok, "prefix and hex case do not matter")

	ok, _ = a.VerifyWebhookSignature(context.Background(), header("X-ANET-Signature", "sha512="+sig), []byte(`{"tampered":true}`))
	assert.False(t, ok)

	ok, _ = a.VerifyWebhookSignature(context.Background(), http.Header{}, body)
	assert.False(t, ok)
}

func TestAuthNetParseWebhook(t *testing.T) {
	a := &AuthNetAdapter{}

	ev, err := a.ParseWebhook(nil, []byte(`{
		"notificationId":"d0e8e7fe-c3e7-4add-a480-27bc5ce28e71",
		"eventType":"net.authorize.payment.authcapture.created",
		"payload":{"responseCode":1,"entityName":"transaction","id":"60020981676","authAmount":11.00,"invoiceNumber":"7c4d8e5fa1b2c3d4e5f6"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, EventChargeSucceeded, ev.Kind)
	assert.Equal(t, "60020981676", ev.ProviderTxID)
	assert.Equal(t, "7c4d8e5fa1b2c3d4e5f6", ev.Reference)
	assert.Equal(t, int64(1100), ev.Amount)

	ev, err = a.ParseWebhook(nil, []byte(`{"notificationId":"n2","eventType":"net.authorize.payment.authcapture.created","payload":{"responseCode":2,"entityName":"transaction","id":"5"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventChargeFailed, ev.Kind)

	ev, err = a.ParseWebhook(nil, []byte(`{"notificationId":"n3","eventType":"net.authorize.customer.subscription.cancelled","payload":{"entityName":"subscription","id":"9001"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventSubscriptionCancelled, ev.Kind)
	assert.Equal(t, "9001", ev.ProviderSubID)
	assert.Empty(t, ev.ProviderTxID)

	ev, err = a.ParseWebhook(nil, []byte(`{"notificationId":"n4","eventType":"net.authorize.payment.fraud.held","payload":{"id":"7"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventNone, ev.Kind)

	_, err = a.ParseWebhook(nil, []byte(`{"payload":{}}`))
	assert.Error(t, err)
}
