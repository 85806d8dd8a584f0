package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

const (
	ProviderPayPal = "paypal"

	defaultPayPalAPIBaseURL        = "https://api-m.paypal.com"
	defaultPayPalSandboxAPIBaseURL = "https://api-m.sandbox.paypal.com"
)

// payPalEvents is the fixed mapping of PayPal webhook event types.
var payPalEvents = map[string]EventKind{
	"PAYMENT.CAPTURE.COMPLETED":           EventChargeSucceeded,
	"PAYMENT.SALE.COMPLETED":              EventChargeSucceeded,
	"PAYMENT.CAPTURE.DENIED":              EventChargeFailed,
	"PAYMENT.CAPTURE.DECLINED":            EventChargeFailed,
	"PAYMENT.SALE.DENIED":                 EventChargeFailed,
	"PAYMENT.CAPTURE.REFUNDED":            EventRefunded,
	"PAYMENT.SALE.REFUNDED":               EventRefunded,
	"PAYMENT.CAPTURE.REVERSED":            EventDisputed,
	"PAYMENT.SALE.REVERSED":               EventDisputed,
	"CUSTOMER.DISPUTE.CREATED":            EventDisputed,
	"CUSTOMER.DISPUTE.RESOLVED":           EventReversed,
	"BILLING.SUBSCRIPTION.ACTIVATED":      EventSubscriptionCreated,
	"BILLING.SUBSCRIPTION.CANCELLED":      EventSubscriptionCancelled,
	"BILLING.SUBSCRIPTION.EXPIRED":        EventSubscriptionTerminated,
	"BILLING.SUBSCRIPTION.SUSPENDED":      EventSubscriptionTerminated,
	"BILLING.SUBSCRIPTION.PAYMENT.FAILED": EventSubscriptionPaymentFailed,
}

// PayPalAdapter charges vaulted PayPal wallets through the Orders v2 API and
// manages billing subscriptions.
type PayPalAdapter struct {
	ClientID     string
	ClientSecret string
	WebhookID    string
	APIBaseURL   string
	HTTPClient   *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewPayPalAdapterFromEnv(timeout time.Duration) *PayPalAdapter {
	base := defaultPayPalAPIBaseURL
	if env.GetEnvBool("PAYPAL_SANDBOX", false) {
		base = defaultPayPalSandboxAPIBaseURL
	}
	return &PayPalAdapter{
		ClientID:     strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_ID", "")),
		ClientSecret: strings.TrimSpace(env.GetEnv("PAYPAL_CLIENT_SECRET", "")),
		WebhookID:    strings.TrimSpace(env.GetEnv("PAYPAL_WEBHOOK_ID", "")),
		APIBaseURL:   strings.TrimRight(strings.TrimSpace(env.GetEnv("PAYPAL_API_BASE_URL", base)), "/"),
		HTTPClient:   newHTTPClient(timeout),
	}
}

func (p *PayPalAdapter) Name() string { return ProviderPayPal }

type payPalTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (p *PayPalAdapter) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && time.Now().Before(p.tokenExpiry) {
		return p.token, nil
	}
	if p.ClientID == "" || p.ClientSecret == "" {
		return "", Failure(ProviderPayPal, "gateway not configured", errors.New("PAYPAL_CLIENT_ID/PAYPAL_CLIENT_SECRET are not configured"))
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.APIBaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", Failure(ProviderPayPal, "token request", err)
	}
	req.SetBasicAuth(p.ClientID, p.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return "", Failure(ProviderPayPal, "gateway unreachable", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", Failure(ProviderPayPal, "token request rejected", fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(body, 256)))
	}
	var out payPalTokenResponse
	if err := json.Unmarshal(body, &out); err != nil || out.AccessToken == "" {
		return "", Failure(ProviderPayPal, "malformed token response", err)
	}
	p.token = out.AccessToken
	// Refresh a minute early.
	p.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - time.Minute)
	return p.token, nil
}

type payPalErrorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e payPalErrorBody) reason() string {
	if len(e.Details) > 0 && e.Details[0].Description != "" {
		return e.Details[0].Description
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Name
}

// api performs an authenticated call and maps the HTTP outcome. 422 with a
// business issue is a decline; other non-2xx statuses are gateway errors.
func (p *PayPalAdapter) api(ctx context.Context, method, path, requestID string, payload, out any) error {
	token, err := p.accessToken(ctx)
	if err != nil {
		return err
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	if requestID != "" {
		headers["PayPal-Request-Id"] = requestID
	}
	status, body, err := doJSON(ctx, p.HTTPClient, method, p.APIBaseURL+path, headers, payload)
	if err != nil {
		return Failure(ProviderPayPal, "gateway unreachable", err)
	}
	if status < 200 || status >= 300 {
		var perr payPalErrorBody
		_ = json.Unmarshal(body, &perr)
		if status == http.StatusUnprocessableEntity {
			return Declined(ProviderPayPal, perr.reason())
		}
		return Failure(ProviderPayPal, perr.reason(), fmt.Errorf("status=%d", status))
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return Failure(ProviderPayPal, "malformed gateway response", err)
		}
	}
	return nil
}

type payPalMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type payPalCapture struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	Amount        payPalMoney `json:"amount"`
	CustomID      string      `json:"custom_id"`
	InvoiceID     string      `json:"invoice_id"`
	StatusDetails struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
	Links []payPalLink `json:"links"`
}

type payPalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type payPalOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []payPalCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (p *PayPalAdapter) ChargeOneOff(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	currency := strings.ToUpper(req.Currency)
	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.Reference,
			"custom_id":    req.Reference,
			"invoice_id":   req.Reference,
			"description":  truncateString(req.Description, 127),
			"amount":       payPalMoney{CurrencyCode: currency, Value: FormatMinor(req.Amount)},
		}},
		"payment_source": map[string]any{
			"paypal": map[string]any{"vault_id": req.Profile.PaymentProfileID},
		},
	}

	var order payPalOrder
	if err := p.api(ctx, http.MethodPost, "/v2/checkout/orders", req.Reference, payload, &order); err != nil {
		return nil, err
	}
	if len(order.PurchaseUnits) == 0 || len(order.PurchaseUnits[0].Payments.Captures) == 0 {
		if order.Status == "PAYER_ACTION_REQUIRED" {
			return nil, Declined(ProviderPayPal, "payer action required")
		}
		return nil, Failure(ProviderPayPal, "order has no capture", fmt.Errorf("order=%s status=%s", order.ID, order.Status))
	}
	capture := order.PurchaseUnits[0].Payments.Captures[0]
	switch capture.Status {
	case "COMPLETED", "PENDING":
		return &ChargeResult{ProviderTxID: capture.ID}, nil
	case "DECLINED", "FAILED":
		reason := capture.StatusDetails.Reason
		if reason == "" {
			reason = "capture declined"
		}
		return nil, Declined(ProviderPayPal, reason)
	default:
		return nil, Failure(ProviderPayPal, "unexpected capture status "+capture.Status, nil)
	}
}

func (p *PayPalAdapter) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	payload := map[string]any{
		"amount":        payPalMoney{CurrencyCode: strings.ToUpper(req.Currency), Value: FormatMinor(req.Amount)},
		"invoice_id":    req.Reference,
		"note_to_payer": "Refund",
	}
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	path := "/v2/payments/captures/" + url.PathEscape(req.ProviderTxID) + "/refund"
	if err := p.api(ctx, http.MethodPost, path, "refund-"+req.Reference, payload, &out); err != nil {
		return nil, err
	}
	if out.Status == "FAILED" || out.Status == "CANCELLED" {
		return nil, Declined(ProviderPayPal, "refund "+strings.ToLower(out.Status))
	}
	return &RefundResult{ProviderRefundID: out.ID}, nil
}

func (p *PayPalAdapter) CreateRecurring(ctx context.Context, sched Schedule) (*RecurringResult, error) {
	if sched.PlanRef == "" {
		return nil, Declined(ProviderPayPal, "no billing plan configured for tier")
	}
	payload := map[string]any{
		"plan_id":    sched.PlanRef,
		"custom_id":  sched.Reference,
		"start_time": sched.StartDate.UTC().Format(time.RFC3339),
		"plan": map[string]any{
			"billing_cycles": []map[string]any{{
				"sequence": 1,
				"pricing_scheme": map[string]any{
					"fixed_price": payPalMoney{CurrencyCode: strings.ToUpper(sched.Currency), Value: FormatMinor(sched.Amount)},
				},
			}},
		},
	}
	if sched.Profile.Email != "" {
		payload["subscriber"] = map[string]any{"email_address": sched.Profile.Email}
	}

	var out struct {
		ID     string       `json:"id"`
		Status string       `json:"status"`
		Links  []payPalLink `json:"links"`
	}
	if err := p.api(ctx, http.MethodPost, "/v1/billing/subscriptions", "sub-"+sched.Reference, payload, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, Failure(ProviderPayPal, "subscription id missing", nil)
	}
	res := &RecurringResult{ProviderSubID: out.ID}
	if out.Status == "APPROVAL_PENDING" {
		res.RedirectURL = linkByRel(out.Links, "approve")
	}
	return res, nil
}

func (p *PayPalAdapter) CancelRecurring(ctx context.Context, providerSubID string) error {
	path := "/v1/billing/subscriptions/" + url.PathEscape(providerSubID) + "/cancel"
	return p.api(ctx, http.MethodPost, path, "", map[string]any{"reason": "Cancelled by subscriber"}, nil)
}

func (p *PayPalAdapter) FetchTransaction(ctx context.Context, providerTxID string) (*TransactionDetails, error) {
	var capture payPalCapture
	if err := p.api(ctx, http.MethodGet, "/v2/payments/captures/"+url.PathEscape(providerTxID), "", nil, &capture); err != nil {
		return nil, err
	}
	details := &TransactionDetails{
		ProviderTxID: capture.ID,
		Reference:    firstNonEmpty(capture.CustomID, capture.InvoiceID),
		Status:       capture.Status,
		Settled:      capture.Status == "COMPLETED",
	}
	switch capture.Status {
	case "COMPLETED", "PENDING", "REFUNDED", "PARTIALLY_REFUNDED":
		details.Code = ResultOk
	case "DECLINED", "FAILED":
		details.Code = ResultDeclined
	default:
		details.Code = ResultError
	}
	if v, err := ParseMinor(capture.Amount.Value); err == nil {
		details.Amount = v
	}
	return details, nil
}

// VerifyWebhookSignature delegates to the verify-webhook-signature API.
// A transport failure is returned as an error so the delivery is retried.
func (p *PayPalAdapter) VerifyWebhookSignature(ctx context.Context, headers http.Header, body []byte) (bool, error) {
	if p.WebhookID == "" {
		return false, nil
	}
	required := []string{"PAYPAL-AUTH-ALGO", "PAYPAL-CERT-URL", "PAYPAL-TRANSMISSION-ID", "PAYPAL-TRANSMISSION-SIG", "PAYPAL-TRANSMISSION-TIME"}
	for _, h := range required {
		if strings.TrimSpace(headers.Get(h)) == "" {
			return false, nil
		}
	}
	if !json.Valid(body) {
		return false, nil
	}
	payload := map[string]any{
		"auth_algo":         headers.Get("PAYPAL-AUTH-ALGO"),
		"cert_url":          headers.Get("PAYPAL-CERT-URL"),
		"transmission_id":   headers.Get("PAYPAL-TRANSMISSION-ID"),
		"transmission_sig":  headers.Get("PAYPAL-TRANSMISSION-SIG"),
		"transmission_time": headers.Get("PAYPAL-TRANSMISSION-TIME"),
		"webhook_id":        p.WebhookID,
		"webhook_event":     json.RawMessage(body),
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.api(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", payload, &out); err != nil {
		if CodeOf(err) == ResultDeclined {
			return false, nil
		}
		return false, err
	}
	return out.VerificationStatus == "SUCCESS", nil
}

type payPalWebhook struct {
	ID           string `json:"id"`
	EventType    string `json:"event_type"`
	ResourceType string `json:"resource_type"`
	Resource     struct {
		ID                   string       `json:"id"`
		Status               string       `json:"status"`
		Amount               *payPalMoney `json:"amount"`
		CustomID             string       `json:"custom_id"`
		InvoiceID            string       `json:"invoice_id"`
		BillingAgreementID   string       `json:"billing_agreement_id"`
		Links                []payPalLink `json:"links"`
		Reason               string       `json:"reason"`
		DisputedTransactions []struct {
			SellerTransactionID string `json:"seller_transaction_id"`
		} `json:"disputed_transactions"`
		DisputeOutcome struct {
			OutcomeCode string `json:"outcome_code"`
		} `json:"dispute_outcome"`
		StatusDetails struct {
			Reason string `json:"reason"`
		} `json:"status_details"`
	} `json:"resource"`
}

func (p *PayPalAdapter) ParseWebhook(_ http.Header, body []byte) (*Event, error) {
	var wh payPalWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("paypal webhook: %w", err)
	}
	if wh.ID == "" || wh.EventType == "" {
		return nil, errors.New("paypal webhook: missing id or event_type")
	}

	res := wh.Resource
	ev := &Event{
		Provider:  ProviderPayPal,
		ID:        wh.ID,
		Type:      wh.EventType,
		Kind:      payPalEvents[wh.EventType],
		Reference: firstNonEmpty(res.CustomID, res.InvoiceID),
		Reason:    firstNonEmpty(res.StatusDetails.Reason, res.Reason),
		Raw:       body,
	}
	if res.Amount != nil {
		if v, err := ParseMinor(res.Amount.Value); err == nil {
			ev.Amount = v
		}
	}

	switch {
	case strings.HasPrefix(wh.EventType, "BILLING.SUBSCRIPTION."):
		ev.ProviderSubID = res.ID
	case strings.HasPrefix(wh.EventType, "CUSTOMER.DISPUTE."):
		if len(res.DisputedTransactions) > 0 {
			ev.ProviderTxID = res.DisputedTransactions[0].SellerTransactionID
		}
		ev.Reference = ""
		if wh.EventType == "CUSTOMER.DISPUTE.RESOLVED" && buyerWonDispute(res.DisputeOutcome.OutcomeCode) {
			ev.Kind = EventRefunded
		}
	default:
		ev.ProviderTxID = res.ID
		ev.ProviderSubID = res.BillingAgreementID
		// Refunds and reversals carry their own id and point at the capture.
		if ev.Kind == EventRefunded || strings.HasSuffix(wh.EventType, ".REVERSED") {
			ev.ParentTxID = parentFromLinks(res.Links)
		}
	}
	return ev, nil
}

// buyerWonDispute reports whether a resolved dispute kept the funds with
// the buyer. Any other outcome returns them to the merchant.
func buyerWonDispute(code string) bool {
	switch code {
	case "RESOLVED_BUYER_FAVOUR", "ACCEPTED":
		return true
	default:
		return false
	}
}

func linkByRel(links []payPalLink, rel string) string {
	for _, l := range links {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}

// parentFromLinks extracts the capture id from the "up" link of a refund.
func parentFromLinks(links []payPalLink) string {
	href := linkByRel(links, "up")
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || (parts[len(parts)-2] != "captures" && parts[len(parts)-2] != "sale") {
		return ""
	}
	return parts[len(parts)-1]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
