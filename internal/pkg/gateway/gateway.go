package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ResultCode is the canonical outcome of a gateway call. Provider specific
// codes never leave the adapter.
type ResultCode string

const (
	ResultOk       ResultCode = "ok"
	ResultDeclined ResultCode = "declined"
	ResultError    ResultCode = "error"
)

var (
	ErrDeclined         = errors.New("gateway declined")
	ErrGateway          = errors.New("gateway error")
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrUnsupported      = errors.New("operation not supported by gateway")
	ErrUnknownProvider  = errors.New("unknown payment provider")
)

// Error carries the canonical code and the reason text reported by the
// provider, suitable for showing to the payer.
type Error struct {
	Provider string
	Code     ResultCode
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrDeclined:
		return e.Code == ResultDeclined
	case ErrGateway:
		return e.Code == ResultError
	}
	return false
}

// Declined builds a terminal decline error.
func Declined(provider, reason string) error {
	return &Error{Provider: provider, Code: ResultDeclined, Reason: reason}
}

// Failure builds a transient gateway error. Transport failures and timeouts
// end up here.
func Failure(provider, reason string, err error) error {
	return &Error{Provider: provider, Code: ResultError, Reason: reason, Err: err}
}

// CodeOf maps any adapter error onto the canonical triplet.
func CodeOf(err error) ResultCode {
	if err == nil {
		return ResultOk
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return ResultError
}

// ReasonOf returns the provider supplied reason, or the error text.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.Reason != "" {
		return gwErr.Reason
	}
	return err.Error()
}

// Profile identifies the stored payment instrument at the provider.
type Profile struct {
	CustomerProfileID string
	PaymentProfileID  string
	LastDigits        string
	Email             string
}

type ChargeRequest struct {
	Profile     Profile
	Amount      int64
	Currency    string
	Reference   string // our transaction id, echoed back by the provider
	Description string
	Metadata    map[string]string
}

type ChargeResult struct {
	ProviderTxID string
	// RedirectURL is set by gateways that complete the payment on their own
	// pages. The charge is then accepted but not yet attempted.
	RedirectURL string
}

type RefundRequest struct {
	ProviderTxID string
	LastDigits   string
	Amount       int64
	Currency     string
	Reference    string
}

type RefundResult struct {
	ProviderRefundID string
}

// Schedule describes a recurring agreement to create at the provider.
type Schedule struct {
	Profile          Profile
	Reference        string // our subscription id
	PlanRef          string
	Description      string
	Amount           int64
	Currency         string
	IntervalMonths   int
	StartDate        time.Time
	TrialAmount      int64
	TrialOccurrences int
}

type RecurringResult struct {
	ProviderSubID string
	RedirectURL   string
}

// TransactionDetails is what a provider reports about one of its
// transactions, used to enrich webhooks that carry only an id.
type TransactionDetails struct {
	ProviderTxID  string
	ParentTxID    string
	ProviderSubID string
	Reference     string
	Status        string
	Code          ResultCode
	Amount        int64
	Settled       bool
}

// EventKind is the canonical webhook vocabulary shared by all providers.
type EventKind string

const (
	EventNone                      EventKind = ""
	EventChargeSucceeded           EventKind = "charge_succeeded"
	EventChargeFailed              EventKind = "charge_failed"
	EventRefunded                  EventKind = "refunded"
	EventDisputed                  EventKind = "disputed"
	EventReversed                  EventKind = "reversed"
	EventSubscriptionCreated       EventKind = "subscription_created"
	EventSubscriptionCancelled     EventKind = "subscription_cancelled"
	EventSubscriptionTerminated    EventKind = "subscription_terminated"
	EventSubscriptionPaymentFailed EventKind = "subscription_payment_failed"
)

// IsSubscriptionLifecycle reports whether the event targets the agreement
// rather than a single charge.
func (k EventKind) IsSubscriptionLifecycle() bool {
	switch k {
	case EventSubscriptionCreated, EventSubscriptionCancelled, EventSubscriptionTerminated, EventSubscriptionPaymentFailed:
		return true
	}
	return false
}

// Event is a parsed, provider independent webhook notification.
type Event struct {
	Provider      string
	ID            string
	Type          string
	Kind          EventKind
	ProviderTxID  string
	ParentTxID    string
	ProviderSubID string
	Reference     string
	Amount        int64
	Reason        string
	Raw           []byte
}

// Adapter is the capability set every provider implements.
type Adapter interface {
	Name() string
	ChargeOneOff(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	CreateRecurring(ctx context.Context, sched Schedule) (*RecurringResult, error)
	CancelRecurring(ctx context.Context, providerSubID string) error
	FetchTransaction(ctx context.Context, providerTxID string) (*TransactionDetails, error)
	VerifyWebhookSignature(ctx context.Context, headers http.Header, body []byte) (bool, error)
	ParseWebhook(headers http.Header, body []byte) (*Event, error)
}

// Capabilities describes what a provider can do beyond the common surface.
type Capabilities struct {
	Recurring       bool
	Redirect        bool
	RequiresProfile bool
}

// CapabilityReporter is implemented by adapters that deviate from the
// default of recurring support with a stored payment profile.
type CapabilityReporter interface {
	Capabilities() Capabilities
}

func CapabilitiesOf(a Adapter) Capabilities {
	if r, ok := a.(CapabilityReporter); ok {
		return r.Capabilities()
	}
	return Capabilities{Recurring: true, RequiresProfile: true}
}

// Acknowledger is implemented by providers that expect a specific response
// body to accept a notification.
type Acknowledger interface {
	Acknowledge(ev *Event) string
}

// FormatMinor renders minor units as a decimal string with two places.
func FormatMinor(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

// ParseMinor parses a decimal amount such as "45.5" or "45.00" into minor
// units. Extra precision beyond two places is rejected.
func ParseMinor(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, errors.New("empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		if strings.Trim(frac[2:], "0") != "" {
			return 0, fmt.Errorf("amount %q has more than two decimals", raw)
		}
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	v := w*100 + f
	if neg {
		v = -v
	}
	return v, nil
}
