package gateway

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ProviderRobokassa = "robokassa"

	defaultRobokassaPaymentURL = "https://auth.robokassa.ru/Merchant/Index.aspx"
	defaultRobokassaServiceURL = "https://auth.robokassa.ru/Merchant/WebService/Service.asmx"
	defaultRobokassaRefundURL  = "https://services.robokassa.ru/RefundService/Refund/Create"

	robokassaRefField = "Shp_ref"
)

// robokassaStates maps OpStateExt state codes: 5 initiated, 10 cancelled,
// 50 received, 60 returned to payer, 80 suspended, 100 completed.
var robokassaStates = map[string]ResultCode{
	"5":   ResultError,
	"10":  ResultDeclined,
	"50":  ResultOk,
	"60":  ResultOk,
	"80":  ResultError,
	"100": ResultOk,
}

// RobokassaAdapter is a redirect gateway: the payer completes the charge on
// the provider's page and the result arrives on the ResultURL callback.
type RobokassaAdapter struct {
	MerchantLogin string
	Password1     string
	Password2     string
	Password3     string
	PaymentURL    string
	ServiceURL    string
	RefundURL     string
	IsTest        bool
	HTTPClient    *http.Client
}

func NewRobokassaAdapterFromEnv(timeout time.Duration) *RobokassaAdapter {
	return &RobokassaAdapter{
		MerchantLogin: strings.TrimSpace(env.GetEnv("ROBOKASSA_LOGIN", "")),
		Password1:     strings.TrimSpace(env.GetEnv("ROBOKASSA_PASSWORD1", "")),
		Password2:     strings.TrimSpace(env.GetEnv("ROBOKASSA_PASSWORD2", "")),
		Password3:     strings.TrimSpace(env.GetEnv("ROBOKASSA_PASSWORD3", "")),
		PaymentURL:    strings.TrimSpace(env.GetEnv("ROBOKASSA_PAYMENT_URL", defaultRobokassaPaymentURL)),
		ServiceURL:    strings.TrimRight(strings.TrimSpace(env.GetEnv("ROBOKASSA_SERVICE_URL", defaultRobokassaServiceURL)), "/"),
		RefundURL:     strings.TrimSpace(env.GetEnv("ROBOKASSA_REFUND_URL", defaultRobokassaRefundURL)),
		IsTest:        env.GetEnvBool("ROBOKASSA_TEST", false),
		HTTPClient:    newHTTPClient(timeout),
	}
}

func (r *RobokassaAdapter) Name() string { return ProviderRobokassa }

func (r *RobokassaAdapter) Capabilities() Capabilities {
	return Capabilities{Redirect: true}
}

// ChargeOneOff builds the signed payment page URL. InvId is left to the
// provider; our reference travels as a Shp_ parameter.
func (r *RobokassaAdapter) ChargeOneOff(_ context.Context, req ChargeRequest) (*ChargeResult, error) {
	if r.MerchantLogin == "" || r.Password1 == "" {
		return nil, Failure(ProviderRobokassa, "gateway not configured", errors.New("ROBOKASSA_LOGIN/ROBOKASSA_PASSWORD1 are not configured"))
	}
	u, err := url.Parse(r.PaymentURL)
	if err != nil {
		return nil, Failure(ProviderRobokassa, "invalid payment url", err)
	}
	outSum := FormatMinor(req.Amount)
	shp := map[string]string{robokassaRefField: req.Reference}

	q := u.Query()
	q.Set("MerchantLogin", r.MerchantLogin)
	q.Set("OutSum", outSum)
	q.Set("InvId", "0")
	q.Set("Description", truncateString(req.Description, 100))
	q.Set("SignatureValue", r.sign([]string{r.MerchantLogin, outSum, "0", r.Password1}, shp))
	q.Set(robokassaRefField, req.Reference)
	if req.Profile.Email != "" {
		q.Set("Email", req.Profile.Email)
	}
	if r.IsTest {
		q.Set("IsTest", "1")
	}
	u.RawQuery = q.Encode()
	return &ChargeResult{RedirectURL: u.String()}, nil
}

type robokassaRefundClaims struct {
	OpKey     string      `json:"OpKey"`
	RefundSum json.Number `json:"RefundSum"`
	jwt.RegisteredClaims
}

// Refund calls the refund service with an HS256 token signed by Password3.
// ProviderTxID holds the operation key reported by OpStateExt.
func (r *RobokassaAdapter) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if r.Password3 == "" {
		return nil, Failure(ProviderRobokassa, "refunds not configured", errors.New("ROBOKASSA_PASSWORD3 is not configured"))
	}
	claims := robokassaRefundClaims{
		OpKey:     req.ProviderTxID,
		RefundSum: json.Number(FormatMinor(req.Amount)),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
			ID:       req.Reference,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(r.Password3))
	if err != nil {
		return nil, Failure(ProviderRobokassa, "sign refund request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.RefundURL, strings.NewReader(token))
	if err != nil {
		return nil, Failure(ProviderRobokassa, "refund request", err)
	}
	httpReq.Header.Set("Content-Type", "text/plain")
	resp, err := r.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, Failure(ProviderRobokassa, "gateway unreachable", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, Failure(ProviderRobokassa, "refund service unavailable", fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(body, 256)))
	}

	var out struct {
		Success   bool   `json:"success"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, Failure(ProviderRobokassa, "malformed refund response", err)
	}
	if !out.Success {
		return nil, Declined(ProviderRobokassa, out.Message)
	}
	return &RefundResult{ProviderRefundID: out.RequestID}, nil
}

func (r *RobokassaAdapter) CreateRecurring(context.Context, Schedule) (*RecurringResult, error) {
	return nil, ErrUnsupported
}

func (r *RobokassaAdapter) CancelRecurring(context.Context, string) error {
	return ErrUnsupported
}

type robokassaOpState struct {
	XMLName xml.Name `xml:"OperationStateResponse"`
	Result  struct {
		Code        int    `xml:"Code"`
		Description string `xml:"Description"`
	} `xml:"Result"`
	State struct {
		Code string `xml:"Code"`
	} `xml:"State"`
	Info struct {
		OutSum string `xml:"OutSum"`
		OpKey  string `xml:"OpKey"`
	} `xml:"Info"`
	UserField struct {
		Fields []struct {
			Name  string `xml:"Name"`
			Value string `xml:"Value"`
		} `xml:"Field"`
	} `xml:"UserField"`
}

func (r *RobokassaAdapter) FetchTransaction(ctx context.Context, providerTxID string) (*TransactionDetails, error) {
	q := url.Values{}
	q.Set("MerchantLogin", r.MerchantLogin)
	q.Set("InvoiceID", providerTxID)
	q.Set("Signature", r.sign([]string{r.MerchantLogin, providerTxID, r.Password2}, nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.ServiceURL+"/OpStateExt?"+q.Encode(), nil)
	if err != nil {
		return nil, Failure(ProviderRobokassa, "state request", err)
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, Failure(ProviderRobokassa, "gateway unreachable", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, Failure(ProviderRobokassa, "state service unavailable", fmt.Errorf("status=%d", resp.StatusCode))
	}

	var state robokassaOpState
	if err := xml.Unmarshal(body, &state); err != nil {
		return nil, Failure(ProviderRobokassa, "malformed state response", err)
	}
	if state.Result.Code != 0 {
		return nil, Failure(ProviderRobokassa, state.Result.Description, nil)
	}

	details := &TransactionDetails{
		ProviderTxID: providerTxID,
		Status:       state.State.Code,
		Code:         ResultError,
		Settled:      state.State.Code == "100",
	}
	if code, ok := robokassaStates[state.State.Code]; ok {
		details.Code = code
	}
	for _, f := range state.UserField.Fields {
		if strings.EqualFold(f.Name, robokassaRefField) {
			details.Reference = f.Value
		}
	}
	if v, err := ParseMinor(state.Info.OutSum); err == nil {
		details.Amount = v
	}
	return details, nil
}

// VerifyWebhookSignature checks the ResultURL signature
// MD5(OutSum:InvId:Password2[:Shp_key=value...]).
func (r *RobokassaAdapter) VerifyWebhookSignature(_ context.Context, _ http.Header, body []byte) (bool, error) {
	if r.Password2 == "" {
		return false, nil
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return false, nil
	}
	received := strings.TrimSpace(form.Get("SignatureValue"))
	if received == "" {
		return false, nil
	}
	expected := r.sign([]string{form.Get("OutSum"), form.Get("InvId"), r.Password2}, shpParams(form))
	return strings.EqualFold(expected, received), nil
}

// ParseWebhook handles the ResultURL callback, which is only sent for paid
// invoices. Robokassa has no event id; InvId is stable across retries.
func (r *RobokassaAdapter) ParseWebhook(_ http.Header, body []byte) (*Event, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("robokassa callback: %w", err)
	}
	invID := strings.TrimSpace(form.Get("InvId"))
	if invID == "" {
		return nil, errors.New("robokassa callback: missing InvId")
	}
	ev := &Event{
		Provider:     ProviderRobokassa,
		ID:           "result-" + invID,
		Type:         "ResultURL",
		Kind:         EventChargeSucceeded,
		ProviderTxID: invID,
		Reference:    form.Get(robokassaRefField),
		Raw:          body,
	}
	if v, err := ParseMinor(form.Get("OutSum")); err == nil {
		ev.Amount = v
	}
	return ev, nil
}

// Acknowledge returns the body Robokassa expects on a handled callback.
func (r *RobokassaAdapter) Acknowledge(ev *Event) string {
	if ev == nil {
		return "OK"
	}
	return "OK" + ev.ProviderTxID
}

// sign joins parts and sorted Shp_ parameters with ':' and returns the
// upper-case MD5 hex digest.
func (r *RobokassaAdapter) sign(parts []string, shp map[string]string) string {
	keys := make([]string, 0, len(shp))
	for k := range shp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+shp[k])
	}
	sum := md5.Sum([]byte(strings.Join(parts, ":")))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func shpParams(form url.Values) map[string]string {
	out := make(map[string]string)
	for k, v := range form {
		if strings.HasPrefix(strings.ToLower(k), "shp_") && len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
