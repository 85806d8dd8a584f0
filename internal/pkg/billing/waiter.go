package billing

import (
	"context"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
)

// PollFunc reads the current persisted status. It must not mutate state.
type PollFunc func(ctx context.Context) (models.PaymentStatus, error)

// Waiter blocks a synchronous caller until a payment reaches a terminal
// status or the budget runs out. It re-reads state on every tick and holds
// no lock in between.
type Waiter struct {
	interval time.Duration
	timeout  time.Duration
}

func NewWaiter(interval, timeout time.Duration) *Waiter {
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Waiter{interval: interval, timeout: timeout}
}

// Wait returns the first terminal status seen. On budget exhaustion it
// returns the last observed status together with ErrProcessingTimeout.
func (w *Waiter) Wait(ctx context.Context, poll PollFunc) (models.PaymentStatus, error) {
	deadline := time.NewTimer(w.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last models.PaymentStatus
	for {
		status, err := poll(ctx)
		if err != nil {
			return last, err
		}
		last = status
		if status.IsTerminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, ErrProcessingTimeout
		case <-ticker.C:
		}
	}
}
