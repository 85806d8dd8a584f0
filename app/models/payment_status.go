package models

// PaymentStatus is shared by transactions and payment subscriptions.
type PaymentStatus string

const (
	PaymentStatusInitialized PaymentStatus = "initialized"
	PaymentStatusSubmitted   PaymentStatus = "submitted"
	PaymentStatusPending     PaymentStatus = "pending"
	PaymentStatusSuccessful  PaymentStatus = "successful"
	PaymentStatusFailed      PaymentStatus = "failed"
	PaymentStatusRefunded    PaymentStatus = "refunded"
	PaymentStatusDisputed    PaymentStatus = "disputed"
	PaymentStatusReversed    PaymentStatus = "reversed"

	// Subscription-only states.
	PaymentStatusActive     PaymentStatus = "active"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusTerminated PaymentStatus = "terminated"
)

// IsTerminal reports whether a waiter observing this status can stop polling.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusInitialized, PaymentStatusSubmitted, PaymentStatusPending:
		return false
	default:
		return true
	}
}

// IsSuccess reports whether the status represents a completed payment or an
// entitled subscription.
func (s PaymentStatus) IsSuccess() bool {
	return s == PaymentStatusSuccessful || s == PaymentStatusActive
}

// IsOpen reports whether a subscription in this status blocks a new one for
// the same payer and creator.
func (s PaymentStatus) IsOpen() bool {
	switch s {
	case PaymentStatusInitialized, PaymentStatusSubmitted, PaymentStatusPending, PaymentStatusActive:
		return true
	default:
		return false
	}
}

// IsReversal reports whether the status takes the funds of a settled
// payment back. Reversed is a chargeback decided for the merchant and
// leaves the funds where they were.
func (s PaymentStatus) IsReversal() bool {
	switch s {
	case PaymentStatusRefunded, PaymentStatusDisputed:
		return true
	default:
		return false
	}
}
