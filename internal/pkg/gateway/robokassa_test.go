package gateway

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5Upper(s string) string {
	sum := md5.Sum([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func TestRobokassaChargeBuildsSignedURL(t *testing.T) {
	a := &RobokassaAdapter{MerchantLogin: "shop", Password1: "p1", PaymentURL: defaultRobokassaPaymentURL, IsTest: true}

	res, err := a.ChargeOneOff(context.Background(), ChargeRequest{Amount: 1100, Reference: "ref123", Description: "Tip"})
	require.NoError(t, err)
	assert.Empty(t, res.ProviderTxID)

	u, err := url.Parse(res.RedirectURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "11.00", q.Get("OutSum"))
	assert.Equal(t, "ref123", q.Get("Shp_ref"))
	assert.Equal(t, "1", q.Get("IsTest"))
	assert.Equal(t, md5Upper("shop:11.00:0:p1:Shp_ref=ref123"), q.Get("SignatureValue"))
}

func TestRobokassaResultCallback(t *testing.T) {
	a := &RobokassaAdapter{Password2: "p2"}
	sig := md5Upper("11.00:4711:p2:Shp_ref=ref123")
	body := []byte("OutSum=11.00&InvId=4711&Shp_ref=ref123&SignatureValue=" + strings.ToLower(sig))

	ok, err := a.VerifyWebhookSignature(context.Background(), nil, body)
	require.NoError(t, err)
	assert.True(t, ok)

	tampered := []byte("OutSum=1.00&InvId=4711&Shp_ref=ref123&SignatureValue=" + sig)
	ok, _ = a.VerifyWebhookSignature(context.Background(), nil, tampered)
	assert.False(t, ok)

	ev, err := a.ParseWebhook(nil, body)
	require.NoError(t, err)
	assert.Equal(t, "result-4711", ev.ID)
	assert.Equal(t, EventChargeSucceeded, ev.Kind)
	assert.Equal(t, "4711", ev.ProviderTxID)
	assert.Equal(t, "ref123", ev.Reference)
	assert.Equal(t, int64(1100), ev.Amount)
	assert.Equal(t, "OK4711", a.Acknowledge(ev))
}

func TestRobokassaRecurringUnsupported(t *testing.T) {
	a := &RobokassaAdapter{}
	caps := CapabilitiesOf(a)
	assert.True(t, caps.Redirect)
	assert.False(t, caps.Recurring)
	assert.True(t, CapabilitiesOf(&AuthNetAdapter{}).RequiresProfile)

	_, err := a.CreateRecurring(context.Background(), Schedule{})
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, a.CancelRecurring(context.Background(), "x"), ErrUnsupported)
}

func TestRobokassaFetchTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/OpStateExt", r.URL.Path)
		assert.Equal(t, md5Upper("shop:4711:p2"), r.URL.Query().Get("Signature"))
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="utf-8"?>
<OperationStateResponse>
  <Result><Code>0</Code></Result>
  <State><Code>100</Code></State>
  <Info><OutSum>11.00</OutSum><OpKey>OPKEY</OpKey></Info>
  <UserField><Field><Name>shp_ref</Name><Value>ref123</Value></Field></UserField>
</OperationStateResponse>`))
	}))
	defer srv.Close()

	a := &RobokassaAdapter{MerchantLogin: "shop", Password2: "p2", ServiceURL: srv.URL, HTTPClient: &http.Client{Timeout: time.Second}}
	d, err := a.FetchTransaction(context.Background(), "4711")
	require.NoError(t, err)
	assert.Equal(t, ResultOk, d.Code)
	assert.True(t, d.Settled)
	assert.Equal(t, "ref123", d.Reference)
	assert.Equal(t, int64(1100), d.Amount)
}

func TestRobokassaRefundSignsJWT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(string(raw), claims, func(*jwt.Token) (any, error) {
			return []byte("p3"), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		assert.NoError(t, err)
		assert.Equal(t, "OPKEY", claims["OpKey"])
		assert.Equal(t, 11.0, claims["RefundSum"])
		_, _ = w.Write([]byte(`{"success":true,"requestId":"req-1"}`))
	}))
	defer srv.Close()

	a := &RobokassaAdapter{Password3: "p3", RefundURL: srv.URL, HTTPClient: &http.Client{Timeout: time.Second}}
	res, err := a.Refund(context.Background(), RefundRequest{ProviderTxID: "OPKEY", Amount: 1100, Reference: "ref123"})
	require.NoError(t, err)
	assert.Equal(t, "req-1", res.ProviderRefundID)
}
