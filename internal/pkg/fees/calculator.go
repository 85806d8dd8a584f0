package fees

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuelReschke/PayFox/app/models"
)

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator = 10000

// ErrTaxLookupFailed blocks a purchase. Callers must not substitute a zero tax.
var ErrTaxLookupFailed = errors.New("tax lookup failed")

// ErrInvalidAmount is returned for non-positive prices or negative rates.
var ErrInvalidAmount = errors.New("invalid amount")

// TaxLookup resolves a tax rate in basis points for a billing address.
type TaxLookup interface {
	RateBps(ctx context.Context, addr models.CustomerAddress) (int64, error)
}

// Quote is the calculator input.
type Quote struct {
	Kind           models.TransactionKind
	Amount         int64
	PlatformFeeBps int64
	Address        *models.CustomerAddress
}

// Breakdown is the price split of one charge in minor units.
type Breakdown struct {
	Amount      int64 `json:"amount"`
	PlatformFee int64 `json:"platform_fee"`
	VatFee      int64 `json:"vat_fee"`
	TotalAmount int64 `json:"total_amount"`
	TaxRateBps  int64 `json:"tax_rate_bps"`
}

// Net is what the payee side receives before referral splits.
func (b Breakdown) Net() int64 {
	return b.Amount - b.PlatformFee
}

type Calculator struct {
	tax TaxLookup
}

// NewCalculator builds a calculator. A nil lookup means no tax is charged.
func NewCalculator(tax TaxLookup) *Calculator {
	return &Calculator{tax: tax}
}

// Calculate splits a price into platform fee, VAT and total.
func (c *Calculator) Calculate(ctx context.Context, q Quote) (Breakdown, error) {
	if q.Amount <= 0 || q.PlatformFeeBps < 0 || q.PlatformFeeBps > BpsDenominator {
		return Breakdown{}, ErrInvalidAmount
	}

	feeBps := q.PlatformFeeBps
	if q.Kind == models.TransactionKindGemPurchase {
		feeBps = 0
	}

	var taxBps int64
	if c.tax != nil && !q.Address.Empty() {
		rate, err := c.tax.RateBps(ctx, *q.Address)
		if err != nil {
			return Breakdown{}, fmt.Errorf("%w: %v", ErrTaxLookupFailed, err)
		}
		if rate < 0 {
			return Breakdown{}, fmt.Errorf("%w: negative rate %d", ErrTaxLookupFailed, rate)
		}
		taxBps = rate
	}

	b := Breakdown{
		Amount:      q.Amount,
		PlatformFee: ApplyBps(q.Amount, feeBps),
		VatFee:      ApplyBps(q.Amount, taxBps),
		TaxRateBps:  taxBps,
	}
	b.TotalAmount = b.Amount + b.PlatformFee + b.VatFee
	return b, nil
}

// ApplyBps returns amount*bps/10000 rounded half up.
func ApplyBps(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return (amount*bps + BpsDenominator/2) / BpsDenominator
}

// Decompose splits a total already charged by a gateway back into amount,
// platform fee and VAT using the rates the charge was priced with. The parts
// always add up to total; rounding lands in the VAT share.
func Decompose(total, platformFeeBps, taxBps int64) Breakdown {
	if total <= 0 {
		return Breakdown{}
	}
	if platformFeeBps < 0 {
		platformFeeBps = 0
	}
	if taxBps < 0 {
		taxBps = 0
	}
	denom := BpsDenominator + platformFeeBps + taxBps
	amount := (total*BpsDenominator + denom/2) / denom
	fee := ApplyBps(amount, platformFeeBps)
	vat := total - amount - fee
	if vat < 0 {
		fee += vat
		vat = 0
	}
	return Breakdown{
		Amount:      amount,
		PlatformFee: fee,
		VatFee:      vat,
		TotalAmount: total,
		TaxRateBps:  taxBps,
	}
}
