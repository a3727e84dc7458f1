package delivery

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is stored as NUMERIC(14,2) and rates as NUMERIC(6,4); values that do
// not fit are refused instead of being rounded by the database.
const (
	AmountPlaces = 2
	RatePlaces   = 4
)

var maxAmount = decimal.New(1, 12)

// CheckAmount fails with ErrValidation when d has more than two decimal
// places or does not fit twelve integer digits.
func CheckAmount(field string, d decimal.Decimal) error {
	if !d.Equal(d.Truncate(AmountPlaces)) {
		return fmt.Errorf("%s %s has more than %d decimal places: %w", field, d, AmountPlaces, ErrValidation)
	}
	if d.Abs().GreaterThanOrEqual(maxAmount) {
		return fmt.Errorf("%s %s is too large: %w", field, d, ErrValidation)
	}
	return nil
}

// CheckRate fails with ErrValidation when d has more than four decimal places.
func CheckRate(field string, d decimal.Decimal) error {
	if !d.Equal(d.Truncate(RatePlaces)) {
		return fmt.Errorf("%s %s has more than %d decimal places: %w", field, d, RatePlaces, ErrValidation)
	}
	return nil
}
