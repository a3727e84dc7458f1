package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"colisflow/delivery"
)

// ErrInvalidAmount rejects non-positive amounts and insurance above the amount.
var ErrInvalidAmount = fmt.Errorf("ledger: invalid amount: %w", delivery.ErrValidation)

// Split is the decomposition of a gross amount.
type Split struct {
	Commission decimal.Decimal
	Carrier    decimal.Decimal
	Insurance  decimal.Decimal
}

var one = decimal.NewFromInt(1)

// ComputeSplit applies the commission rate to the amount net of insurance.
// Commission is rounded to cents and the carrier takes the remainder, so the
// three parts always sum to amount exactly.
func ComputeSplit(amount, rate, insurance decimal.Decimal) (Split, error) {
	if !amount.IsPositive() {
		return Split{}, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if insurance.IsNegative() || insurance.GreaterThan(amount) {
		return Split{}, fmt.Errorf("%w: insurance must be between 0 and amount", ErrInvalidAmount)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
		return Split{}, fmt.Errorf("%w: commission rate must be in [0,1)", delivery.ErrValidation)
	}
	if err := delivery.CheckAmount("amount", amount); err != nil {
		return Split{}, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	if err := delivery.CheckAmount("insurance", insurance); err != nil {
		return Split{}, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	if err := delivery.CheckRate("commission rate", rate); err != nil {
		return Split{}, err
	}
	commission := amount.Sub(insurance).Mul(rate).Round(2)
	return Split{
		Commission: commission,
		Carrier:    amount.Sub(commission).Sub(insurance),
		Insurance:  insurance,
	}, nil
}

// CheckInvariant verifies the amount decomposition and the settlement totals.
func CheckInvariant(t Transaction) error {
	var errs []error
	sum := t.CarrierAmount.Add(t.CommissionAmount).Add(t.InsuranceAmount)
	if !sum.Equal(t.Amount) {
		errs = append(errs, fmt.Errorf("carrier %s + commission %s + insurance %s != amount %s",
			t.CarrierAmount, t.CommissionAmount, t.InsuranceAmount, t.Amount))
	}
	expected := t.Amount.Sub(t.InsuranceAmount).Mul(t.CommissionRate).Round(2)
	if !expected.Equal(t.CommissionAmount) {
		errs = append(errs, fmt.Errorf("commission %s != %s at rate %s", t.CommissionAmount, expected, t.CommissionRate))
	}
	if t.RefundedAmount.IsNegative() || t.ReleasedAmount.IsNegative() {
		errs = append(errs, fmt.Errorf("negative settlement amount"))
	}
	settled := t.RefundedAmount.Add(t.ReleasedAmount)
	if settled.GreaterThan(t.Amount) {
		errs = append(errs, fmt.Errorf("settled %s exceeds amount %s", settled, t.Amount))
	}
	if t.Status.Terminal() && !settled.Equal(t.Amount) {
		errs = append(errs, fmt.Errorf("terminal %s settles %s of %s", t.Status, settled, t.Amount))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: transaction %s: %w", delivery.ErrLedgerInvariant, t.ID, errors.Join(errs...))
}
