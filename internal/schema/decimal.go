package schema

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// maxDecimalDigits bounds the digits a parsed decimal may expand to, so an
// exponent like 1e99999999 is rejected instead of rendered.
const maxDecimalDigits = 1024

// Decimal is an exact fixed-point number. The exponent of the parsed text is
// kept, so trailing fractional zeros survive formatting.
type Decimal struct {
	d decimal.Decimal
}

var errBadDecimal = errors.New("invalid decimal")

// ParseDecimal parses a plain or scientific decimal string exactly.
func ParseDecimal(s string) (Decimal, error) {
	if s == "" {
		return Decimal{}, errBadDecimal
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("%w: %s", errBadDecimal, s)
	}
	exp := int64(d.Exponent())
	if exp > 0 && int64(coefficientDigits(d))+exp > maxDecimalDigits || -exp > maxDecimalDigits {
		return Decimal{}, fmt.Errorf("%w: %s exceeds %d digits", errBadDecimal, s, maxDecimalDigits)
	}
	return Decimal{d: d}, nil
}

// MustDecimal is ParseDecimal for literals.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(fmt.Sprintf("decimal %q: %v", s, err))
	}
	return d
}

// String renders d in plain notation, never scientific.
func (d Decimal) String() string {
	return d.d.StringFixed(max(0, -d.d.Exponent()))
}

// Cmp compares d and o numerically.
func (d Decimal) Cmp(o Decimal) int {
	return d.d.Cmp(o.d)
}

// Scale returns the number of fractional digits.
func (d Decimal) Scale() int {
	return max(0, -int(d.d.Exponent()))
}

// IntegerDigits returns the number of digits left of the decimal point.
func (d Decimal) IntegerDigits() int {
	if d.d.IsZero() {
		return 0
	}
	return max(0, coefficientDigits(d.d)+int(d.d.Exponent()))
}

// CheckPrecision verifies d fits DECIMAL(precision, scale). Zero precision
// means unconstrained.
func (d Decimal) CheckPrecision(precision, scale int) error {
	if precision == 0 {
		return nil
	}
	if d.Scale() > scale {
		return fmt.Errorf("scale %d exceeds declared scale %d", d.Scale(), scale)
	}
	if n := d.IntegerDigits(); n > precision-scale {
		return fmt.Errorf("%d integer digits exceed declared precision %d,%d", n, precision, scale)
	}
	return nil
}

func coefficientDigits(d decimal.Decimal) int {
	c := d.Coefficient()
	if c.Sign() == 0 {
		return 1
	}
	return len(new(big.Int).Abs(c).String())
}
