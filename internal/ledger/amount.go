package ledger

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MicroUnitsPerUSD is the number of micro-units in one unit of the stable asset.
const MicroUnitsPerUSD = 1_000_000

// microExp is the decimal exponent of one micro-unit.
const microExp = -6

// Amount is an integer quantity of micro-units.
type Amount int64

// ErrAmountOutOfRange is returned when a USD value does not fit in an Amount.
var ErrAmountOutOfRange = errors.New("amount out of range")

var (
	maxMicro = decimal.NewFromInt(math.MaxInt64)
	minMicro = decimal.NewFromInt(math.MinInt64)
)

// USD returns the amount as a decimal USD value.
func (a Amount) USD() decimal.Decimal {
	return ToUSD(a)
}

// Float returns the USD value as float64 for exports and display.
func (a Amount) Float() float64 {
	return ToUSD(a).InexactFloat64()
}

// String renders the amount with six fractional digits.
func (a Amount) String() string {
	return ToUSD(a).StringFixed(6)
}

// ToUSD converts micro-units to USD.
func ToUSD(a Amount) decimal.Decimal {
	return decimal.New(int64(a), microExp)
}

// FromUSD converts a USD value to micro-units, truncating sub-micro fractions.
// Values outside the int64 micro-unit range return ErrAmountOutOfRange.
func FromUSD(usd decimal.Decimal) (Amount, error) {
	micro := usd.Shift(-microExp).Truncate(0)
	if micro.GreaterThan(maxMicro) || micro.LessThan(minMicro) {
		return 0, fmt.Errorf("%w: %s usd", ErrAmountOutOfRange, usd.String())
	}
	return Amount(micro.IntPart()), nil
}

// FromFloat converts a float USD value. It goes through decimal so 0.1 maps to
// exactly 100000 micro-units.
func FromFloat(usd float64) (Amount, error) {
	if math.IsNaN(usd) || math.IsInf(usd, 0) {
		return 0, fmt.Errorf("%w: %v usd", ErrAmountOutOfRange, usd)
	}
	return FromUSD(decimal.NewFromFloat(usd))
}

// ParseUSD parses a decimal USD string such as "12.50".
func ParseUSD(value string) (Amount, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("parse usd amount %q: %w", value, err)
	}
	return FromUSD(d)
}

// AtLeastUSD reports whether the amount is greater than or equal to a USD
// threshold.
func (a Amount) AtLeastUSD(threshold float64) bool {
	return ToUSD(a).GreaterThanOrEqual(decimal.NewFromFloat(threshold))
}
