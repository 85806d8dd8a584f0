package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

const (
	ProviderAuthNet = "authnet"

	defaultAuthNetAPIURL        = "https://api.authorize.net/xml/v1/request.api"
	defaultAuthNetSandboxAPIURL = "https://apitest.authorize.net/xml/v1/request.api"
)

// authNetEvents is the fixed mapping of Authorize.Net webhook event types.
var authNetEvents = map[string]EventKind{
	"net.authorize.payment.authcapture.created":      EventChargeSucceeded,
	"net.authorize.payment.capture.created":          EventChargeSucceeded,
	"net.authorize.payment.priorAuthCapture.created": EventChargeSucceeded,
	"net.authorize.payment.void.created":             EventChargeFailed,
	"net.authorize.payment.fraud.declined":           EventChargeFailed,
	"net.authorize.payment.refund.created":           EventRefunded,
	"net.authorize.customer.subscription.created":    EventSubscriptionCreated,
	"net.authorize.customer.subscription.cancelled":  EventSubscriptionCancelled,
	"net.authorize.customer.subscription.terminated": EventSubscriptionTerminated,
	"net.authorize.customer.subscription.expired":    EventSubscriptionTerminated,
	"net.authorize.customer.subscription.suspended":  EventSubscriptionPaymentFailed,
	"net.authorize.customer.subscription.failed":     EventSubscriptionPaymentFailed,
}

// AuthNetAdapter talks to the Authorize.Net JSON API using stored customer
// payment profiles (CIM) and ARB subscriptions.
type AuthNetAdapter struct {
	LoginID        string
	TransactionKey string
	SignatureKey   string
	APIURL         string
	HTTPClient     *http.Client
}

func NewAuthNetAdapterFromEnv(timeout time.Duration) *AuthNetAdapter {
	apiURL := defaultAuthNetAPIURL
	if env.GetEnvBool("AUTHNET_SANDBOX", false) {
		apiURL = defaultAuthNetSandboxAPIURL
	}
	return &AuthNetAdapter{
		LoginID:        strings.TrimSpace(env.GetEnv("AUTHNET_LOGIN_ID", "")),
		TransactionKey: strings.TrimSpace(env.GetEnv("AUTHNET_TRANSACTION_KEY", "")),
		SignatureKey:   strings.TrimSpace(env.GetEnv("AUTHNET_SIGNATURE_KEY", "")),
		APIURL:         strings.TrimSpace(env.GetEnv("AUTHNET_API_URL", apiURL)),
		HTTPClient:     newHTTPClient(timeout),
	}
}

func (a *AuthNetAdapter) Name() string { return ProviderAuthNet }

type authNetMerchantAuth struct {
	Name           string `json:"name"`
	TransactionKey string `json:"transactionKey"`
}

type authNetMessages struct {
	ResultCode string `json:"resultCode"`
	Message    []struct {
		Code string `json:"code"`
		Text string `json:"text"`
	} `json:"message"`
}

func (m authNetMessages) text() string {
	parts := make([]string, 0, len(m.Message))
	for _, msg := range m.Message {
		parts = append(parts, msg.Text)
	}
	return strings.Join(parts, "; ")
}

type authNetTxResponse struct {
	ResponseCode string `json:"responseCode"`
	TransID      string `json:"transId"`
	Messages     []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"messages"`
	Errors []struct {
		ErrorCode string `json:"errorCode"`
		ErrorText string `json:"errorText"`
	} `json:"errors"`
}

func (r *authNetTxResponse) reason() string {
	if r == nil {
		return ""
	}
	if len(r.Errors) > 0 {
		return r.Errors[0].ErrorText
	}
	if len(r.Messages) > 0 {
		return r.Messages[0].Description
	}
	return ""
}

type authNetEnvelope struct {
	RefID               string             `json:"refId"`
	Messages            authNetMessages    `json:"messages"`
	TransactionResponse *authNetTxResponse `json:"transactionResponse"`
	SubscriptionID      string             `json:"subscriptionId"`
	Transaction         *struct {
		TransID           string      `json:"transId"`
		RefTransID        string      `json:"refTransId"`
		TransactionStatus string      `json:"transactionStatus"`
		ResponseCode      int         `json:"responseCode"`
		SettleAmount      json.Number `json:"settleAmount"`
		AuthAmount        json.Number `json:"authAmount"`
		Order             struct {
			InvoiceNumber string `json:"invoiceNumber"`
		} `json:"order"`
		Subscription *struct {
			ID     json.Number `json:"id"`
			PayNum int         `json:"payNum"`
		} `json:"subscription"`
	} `json:"transaction"`
}

func (a *AuthNetAdapter) auth() authNetMerchantAuth {
	return authNetMerchantAuth{Name: a.LoginID, TransactionKey: a.TransactionKey}
}

// call posts one request document. Authorize.Net prefixes responses with a
// UTF-8 byte order mark.
func (a *AuthNetAdapter) call(ctx context.Context, payload any) (*authNetEnvelope, error) {
	if a.LoginID == "" || a.TransactionKey == "" {
		return nil, Failure(ProviderAuthNet, "gateway not configured", errors.New("AUTHNET_LOGIN_ID/AUTHNET_TRANSACTION_KEY are not configured"))
	}
	status, body, err := doJSON(ctx, a.HTTPClient, http.MethodPost, a.APIURL, nil, payload)
	if err != nil {
		return nil, Failure(ProviderAuthNet, "gateway unreachable", err)
	}
	if status < 200 || status >= 300 {
		return nil, Failure(ProviderAuthNet, "gateway unavailable", fmt.Errorf("status=%d body=%s", status, truncate(body, 256)))
	}
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))

	var env authNetEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, Failure(ProviderAuthNet, "malformed gateway response", err)
	}
	return &env, nil
}

// txOutcome maps responseCode 1 approved, 2 declined, 3 error, 4 held.
func authNetTxOutcome(env *authNetEnvelope) (string, error) {
	tr := env.TransactionResponse
	if tr == nil {
		if env.Messages.ResultCode != "Ok" {
			return "", Failure(ProviderAuthNet, env.Messages.text(), nil)
		}
		return "", Failure(ProviderAuthNet, "missing transaction response", nil)
	}
	switch tr.ResponseCode {
	case "1", "4":
		return tr.TransID, nil
	case "2":
		return tr.TransID, Declined(ProviderAuthNet, tr.reason())
	default:
		reason := tr.reason()
		if reason == "" {
			reason = env.Messages.text()
		}
		return tr.TransID, Failure(ProviderAuthNet, reason, nil)
	}
}

func (a *AuthNetAdapter) ChargeOneOff(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	payload := map[string]any{
		"createTransactionRequest": map[string]any{
			"merchantAuthentication": a.auth(),
			"refId":                  shortRef(req.Reference),
			"transactionRequest": map[string]any{
				"transactionType": "authCaptureTransaction",
				"amount":          FormatMinor(req.Amount),
				"profile": map[string]any{
					"customerProfileId": req.Profile.CustomerProfileID,
					"paymentProfile": map[string]any{
						"paymentProfileId": req.Profile.PaymentProfileID,
					},
				},
				"order": map[string]any{
					"invoiceNumber": shortRef(req.Reference),
					"description":   req.Description,
				},
			},
		},
	}
	env, err := a.call(ctx, payload)
	if err != nil {
		return nil, err
	}
	transID, err := authNetTxOutcome(env)
	if err != nil {
		return nil, err
	}
	return &ChargeResult{ProviderTxID: transID}, nil
}

func (a *AuthNetAdapter) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.LastDigits == "" {
		return nil, Declined(ProviderAuthNet, "card last digits required for refund")
	}
	payload := map[string]any{
		"createTransactionRequest": map[string]any{
			"merchantAuthentication": a.auth(),
			"refId":                  shortRef(req.Reference),
			"transactionRequest": map[string]any{
				"transactionType": "refundTransaction",
				"amount":          FormatMinor(req.Amount),
				"payment": map[string]any{
					"creditCard": map[string]any{
						"cardNumber":     req.LastDigits,
						"expirationDate": "XXXX",
					},
				},
				"refTransId": req.ProviderTxID,
				"order":      map[string]any{"invoiceNumber": shortRef(req.Reference)},
			},
		},
	}
	env, err := a.call(ctx, payload)
	if err != nil {
		return nil, err
	}
	transID, err := authNetTxOutcome(env)
	if err != nil {
		return nil, err
	}
	return &RefundResult{ProviderRefundID: transID}, nil
}

func (a *AuthNetAdapter) CreateRecurring(ctx context.Context, sched Schedule) (*RecurringResult, error) {
	interval := sched.IntervalMonths
	if interval <= 0 {
		interval = 1
	}
	schedule := map[string]any{
		"interval":         map[string]any{"length": interval, "unit": "months"},
		"startDate":        sched.StartDate.UTC().Format("2006-01-02"),
		"totalOccurrences": "9999",
	}
	subscription := map[string]any{
		"name":            truncateString(sched.Description, 50),
		"paymentSchedule": schedule,
		"amount":          FormatMinor(sched.Amount),
		"profile": map[string]any{
			"customerProfileId":        sched.Profile.CustomerProfileID,
			"customerPaymentProfileId": sched.Profile.PaymentProfileID,
		},
		"order": map[string]any{"invoiceNumber": shortRef(sched.Reference)},
	}
	if sched.TrialOccurrences > 0 {
		schedule["trialOccurrences"] = strconv.Itoa(sched.TrialOccurrences)
		subscription["trialAmount"] = FormatMinor(sched.TrialAmount)
	}
	payload := map[string]any{
		"ARBCreateSubscriptionRequest": map[string]any{
			"merchantAuthentication": a.auth(),
			"refId":                  shortRef(sched.Reference),
			"subscription":           subscription,
		},
	}
	env, err := a.call(ctx, payload)
	if err != nil {
		return nil, err
	}
	if env.Messages.ResultCode != "Ok" || env.SubscriptionID == "" {
		return nil, Declined(ProviderAuthNet, env.Messages.text())
	}
	return &RecurringResult{ProviderSubID: env.SubscriptionID}, nil
}

func (a *AuthNetAdapter) CancelRecurring(ctx context.Context, providerSubID string) error {
	payload := map[string]any{
		"ARBCancelSubscriptionRequest": map[string]any{
			"merchantAuthentication": a.auth(),
			"subscriptionId":         providerSubID,
		},
	}
	env, err := a.call(ctx, payload)
	if err != nil {
		return err
	}
	if env.Messages.ResultCode != "Ok" {
		return Failure(ProviderAuthNet, env.Messages.text(), nil)
	}
	return nil
}

func (a *AuthNetAdapter) FetchTransaction(ctx context.Context, providerTxID string) (*TransactionDetails, error) {
	payload := map[string]any{
		"getTransactionDetailsRequest": map[string]any{
			"merchantAuthentication": a.auth(),
			"transId":                providerTxID,
		},
	}
	env, err := a.call(ctx, payload)
	if err != nil {
		return nil, err
	}
	if env.Messages.ResultCode != "Ok" || env.Transaction == nil {
		return nil, Failure(ProviderAuthNet, env.Messages.text(), nil)
	}
	tx := env.Transaction
	details := &TransactionDetails{
		ProviderTxID: tx.TransID,
		ParentTxID:   tx.RefTransID,
		Reference:    tx.Order.InvoiceNumber,
		Status:       tx.TransactionStatus,
		Code:         authNetStatusCode(tx.TransactionStatus),
	}
	if tx.Subscription != nil {
		details.ProviderSubID = tx.Subscription.ID.String()
	}
	amount := tx.SettleAmount
	if amount == "" {
		amount = tx.AuthAmount
	}
	if amount != "" {
		if v, err := ParseMinor(amount.String()); err == nil {
			details.Amount = v
		}
	}
	details.Settled = tx.TransactionStatus == "settledSuccessfully" || tx.TransactionStatus == "refundSettledSuccessfully"
	return details, nil
}

func authNetStatusCode(status string) ResultCode {
	switch status {
	case "settledSuccessfully", "capturedPendingSettlement", "refundSettledSuccessfully", "refundPendingSettlement", "FDSPendingReview", "FDSAuthorizedPendingReview", "authorizedPendingCapture":
		return ResultOk
	case "declined", "voided", "expired", "FDSDeclined":
		return ResultDeclined
	default:
		return ResultError
	}
}

// VerifyWebhookSignature checks X-ANET-Signature: sha512=<HMAC-SHA512 hex>.
func (a *AuthNetAdapter) VerifyWebhookSignature(_ context.Context, headers http.Header, body []byte) (bool, error) {
	header := strings.TrimSpace(headers.Get("X-ANET-Signature"))
	if header == "" || a.SignatureKey == "" {
		return false, nil
	}
	algo, sig, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(algo, "sha512") {
		return false, nil
	}
	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false, nil
	}
	mac := hmac.New(sha512.New, []byte(a.SignatureKey))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded), nil
}

type authNetWebhook struct {
	NotificationID string `json:"notificationId"`
	EventType      string `json:"eventType"`
	EventDate      string `json:"eventDate"`
	Payload        struct {
		ResponseCode  int         `json:"responseCode"`
		EntityName    string      `json:"entityName"`
		ID            json.Number `json:"id"`
		AuthAmount    json.Number `json:"authAmount"`
		Amount        json.Number `json:"amount"`
		InvoiceNumber string      `json:"invoiceNumber"`
		MerchantRefID string      `json:"merchantReferenceId"`
		Status        string      `json:"status"`
	} `json:"payload"`
}

func (a *AuthNetAdapter) ParseWebhook(_ http.Header, body []byte) (*Event, error) {
	var wh authNetWebhook
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&wh); err != nil {
		return nil, fmt.Errorf("authnet webhook: %w", err)
	}
	if wh.NotificationID == "" || wh.EventType == "" {
		return nil, errors.New("authnet webhook: missing notificationId or eventType")
	}

	ev := &Event{
		Provider: ProviderAuthNet,
		ID:       wh.NotificationID,
		Type:     wh.EventType,
		Kind:     authNetEvents[wh.EventType],
		Raw:      body,
	}
	entityID := wh.Payload.ID.String()
	if wh.Payload.EntityName == "subscription" || ev.Kind.IsSubscriptionLifecycle() {
		ev.ProviderSubID = entityID
	} else {
		ev.ProviderTxID = entityID
	}
	ev.Reference = wh.Payload.InvoiceNumber
	if ev.Reference == "" {
		ev.Reference = wh.Payload.MerchantRefID
	}

	amount := wh.Payload.AuthAmount
	if amount == "" {
		amount = wh.Payload.Amount
	}
	if amount != "" {
		if v, err := ParseMinor(amount.String()); err == nil {
			ev.Amount = v
		}
	}

	// authcapture notifications are sent for declines as well.
	if ev.Kind == EventChargeSucceeded && wh.Payload.ResponseCode != 0 && wh.Payload.ResponseCode != 1 && wh.Payload.ResponseCode != 4 {
		ev.Kind = EventChargeFailed
		ev.Reason = "declined by issuer"
	}
	return ev, nil
}

// shortRef enforces the 20 character limit of invoiceNumber and refId.
func shortRef(ref string) string {
	compact := strings.ReplaceAll(ref, "-", "")
	if len(compact) > 20 {
		return compact[len(compact)-20:]
	}
	return compact
}

func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
