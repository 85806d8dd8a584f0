package fees

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingLookup struct{}

func (failingLookup) RateBps(context.Context, models.CustomerAddress) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestCalculateWithoutTax(t *testing.T) {
	calc := NewCalculator(nil)

	b, err := calc.Calculate(context.Background(), Quote{
		Kind:           models.TransactionKindTip,
		Amount:         1000,
		PlatformFeeBps: 1000,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1000), b.Amount)
	assert.Equal(t, int64(100), b.PlatformFee)
	assert.Equal(t, int64(0), b.VatFee)
	assert.Equal(t, int64(1100), b.TotalAmount)
	assert.Equal(t, int64(900), b.Net())
}

func TestCalculateWithStaticTax(t *testing.T) {
	calc := NewCalculator(StaticTaxLookup{Rates: map[string]int64{"DE": 1900}})
	addr := &models.CustomerAddress{Country: "de"}

	b, err := calc.Calculate(context.Background(), Quote{
		Kind:           models.TransactionKindPaidPost,
		Amount:         499,
		PlatformFeeBps: 2000,
		Address:        addr,
	})
	require.NoError(t, err)

	// 499*0.2 = 99.8, 499*0.19 = 94.81
	assert.Equal(t, int64(100), b.PlatformFee)
	assert.Equal(t, int64(95), b.VatFee)
	assert.Equal(t, int64(499+100+95), b.TotalAmount)
	assert.Equal(t, int64(1900), b.TaxRateBps)
}

func TestCalculateGemPurchaseHasNoPlatformFee(t *testing.T) {
	b, err := NewCalculator(nil).Calculate(context.Background(), Quote{
		Kind:           models.TransactionKindGemPurchase,
		Amount:         2500,
		PlatformFeeBps: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.PlatformFee)
	assert.Equal(t, int64(2500), b.TotalAmount)
}

func TestCalculateTaxFailureIsTyped(t *testing.T) {
	calc := NewCalculator(failingLookup{})

	_, err := calc.Calculate(context.Background(), Quote{
		Kind:           models.TransactionKindCameo,
		Amount:         1000,
		PlatformFeeBps: 1000,
		Address:        &models.CustomerAddress{Country: "US", Zip: "94105"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTaxLookupFailed))
}

func TestCalculateSkipsLookupWithoutAddress(t *testing.T) {
	calc := NewCalculator(failingLookup{})

	b, err := calc.Calculate(context.Background(), Quote{Kind: models.TransactionKindTip, Amount: 1000, PlatformFeeBps: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.VatFee)
}

func TestCalculateRejectsInvalidInput(t *testing.T) {
	calc := NewCalculator(nil)
	for _, q := range []Quote{
		{Amount: 0, PlatformFeeBps: 1000},
		{Amount: -5, PlatformFeeBps: 1000},
		{Amount: 100, PlatformFeeBps: -1},
		{Amount: 100, PlatformFeeBps: 10001},
	} {
		_, err := calc.Calculate(context.Background(), q)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
}

func TestApplyBpsRounding(t *testing.T) {
	tests := []struct {
		amount, bps, want int64
	}{
		{1000, 1000, 100},
		{5, 1000, 1},  // 0.5 rounds up
		{4, 1000, 0},  // 0.4 rounds down
		{15, 3333, 5}, // 4.9995
		{0, 1000, 0},
		{1000, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ApplyBps(tt.amount, tt.bps), "ApplyBps(%d, %d)", tt.amount, tt.bps)
	}
}

func TestParseRateBps(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "0.0825", want: 825},
		{in: "0.19", want: 1900},
		{in: ".07", want: 700},
		{in: "0.08875", want: 888},
		{in: "1", want: 10000},
		{in: "0", want: 0},
		{in: "1.5", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
		{in: "-0.1", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseRateBps(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestTaxServiceClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/rates/94105", r.URL.Path)
		assert.Equal(t, "US", r.URL.Query().Get("country"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rate":{"combined_rate":"0.0863"}}`))
	}))
	defer srv.Close()

	client := &TaxServiceClient{BaseURL: srv.URL, APIKey: "secret", HTTPClient: &http.Client{Timeout: time.Second}}
	rate, err := client.RateBps(context.Background(), models.CustomerAddress{Country: "us", Zip: "94105"})
	require.NoError(t, err)
	assert.Equal(t, int64(863), rate)
}

func TestTaxServiceClientUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	calc := NewCalculator(&TaxServiceClient{BaseURL: srv.URL, HTTPClient: &http.Client{Timeout: time.Second}})
	_, err := calc.Calculate(context.Background(), Quote{
		Kind:           models.TransactionKindTip,
		Amount:         1000,
		PlatformFeeBps: 1000,
		Address:        &models.CustomerAddress{Country: "US", Zip: "10001"},
	})
	assert.ErrorIs(t, err, ErrTaxLookupFailed)
}

func TestDecompose(t *testing.T) {
	tests := []struct {
		name                 string
		total, feeBps, taxBp int64
		want                 Breakdown
	}{
		{"fee only", 1100, 1000, 0, Breakdown{Amount: 1000, PlatformFee: 100, VatFee: 0, TotalAmount: 1100}},
		{"fee and vat", 1190, 1000, 900, Breakdown{Amount: 1000, PlatformFee: 100, VatFee: 90, TotalAmount: 1190, TaxRateBps: 900}},
		{"rounding stays inside total", 1099, 1000, 0, Breakdown{Amount: 999, PlatformFee: 100, VatFee: 0, TotalAmount: 1099}},
		{"no fees", 500, 0, 0, Breakdown{Amount: 500, TotalAmount: 500}},
		{"empty", 0, 1000, 0, Breakdown{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decompose(tt.total, tt.feeBps, tt.taxBp)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got.TotalAmount, got.Amount+got.PlatformFee+got.VatFee)
		})
	}
}
