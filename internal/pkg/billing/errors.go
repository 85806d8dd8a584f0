package billing

import (
	"errors"
	"fmt"

	"github.com/ManuelReschke/PayFox/app/models"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrAlreadyPurchased  = errors.New("already purchased")
	ErrAlreadySubscribed = errors.New("already subscribed")
	// ErrProcessingTimeout is not a failure. The payment may still settle.
	ErrProcessingTimeout = errors.New("payment still processing")
	ErrInvalidState      = errors.New("operation not allowed in current state")
	ErrInsufficientGems  = errors.New("insufficient gems balance")
	ErrConcurrentAttempt = errors.New("another payment attempt is in progress")
)

// ValidationError rejects a request before anything is persisted or sent to
// a gateway.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// PaymentError is returned when a payment reached a failed terminal state
// while the caller was waiting for it.
type PaymentError struct {
	Status models.PaymentStatus
	Reason string
}

func (e *PaymentError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("payment %s", e.Status)
	}
	return fmt.Sprintf("payment %s: %s", e.Status, e.Reason)
}
