package billing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ManuelReschke/PayFox/app/models"
)

func TestWaiterReturnsTerminalStatus(t *testing.T) {
	var calls atomic.Int32
	w := NewWaiter(time.Millisecond, time.Second)
	status, err := w.Wait(context.Background(), func(context.Context) (models.PaymentStatus, error) {
		if calls.Add(1) < 3 {
			return models.PaymentStatusSubmitted, nil
		}
		return models.PaymentStatusSuccessful, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccessful, status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaiterTimeout(t *testing.T) {
	w := NewWaiter(time.Millisecond, 20*time.Millisecond)
	status, err := w.Wait(context.Background(), func(context.Context) (models.PaymentStatus, error) {
		return models.PaymentStatusPending, nil
	})
	assert.ErrorIs(t, err, ErrProcessingTimeout)
	assert.Equal(t, models.PaymentStatusPending, status)
}

func TestWaiterStopsOnPollError(t *testing.T) {
	boom := errors.New("db gone")
	w := NewWaiter(time.Millisecond, time.Second)
	_, err := w.Wait(context.Background(), func(context.Context) (models.PaymentStatus, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWaiterHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewWaiter(time.Millisecond, time.Second)
	_, err := w.Wait(ctx, func(context.Context) (models.PaymentStatus, error) {
		return models.PaymentStatusSubmitted, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewWaiterDefaults(t *testing.T) {
	w := NewWaiter(0, -1)
	assert.Equal(t, time.Second, w.interval)
	assert.Equal(t, 60*time.Second, w.timeout)
}
