// Package money converts between integer minor units and decimal strings.
package money

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by a Cents value.
const Scale = 2

// Cents is a monetary amount in minor units.
type Cents int64

// String renders the amount with exactly Scale fractional digits, e.g. "150.00".
func (c Cents) String() string {
	return decimal.New(int64(c), -Scale).StringFixed(Scale)
}

// MarshalJSON encodes the amount as a decimal string.
func (c Cents) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts either a decimal string or a JSON number.
func (c *Cents) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Parse reads a decimal string such as "12.5" into minor units.
// Amounts with more precision than Scale are rejected rather than rounded.
func Parse(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// FromFloat converts a float (as produced by JSON numbers) into minor units.
func FromFloat(f float64) (Cents, error) {
	return FromDecimal(decimal.NewFromFloat(f))
}

// FromDecimal converts d into minor units.
func FromDecimal(d decimal.Decimal) (Cents, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("amount must not be negative: %s", d)
	}
	shifted := d.Shift(Scale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", d, Scale)
	}
	return Cents(shifted.IntPart()), nil
}
