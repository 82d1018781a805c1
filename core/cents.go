package core

import (
	"fmt"
	"math"
)

// Cents is a fixed-point monetary amount stored as ten-thousandths of a
// cent (four implied fractional digits, per I3), never float64. One cent
// is CentsScale units: Cents(45000) == 4.5 cents.
type Cents int64

// CentsScale converts a decimal-cents float into Cents: value * CentsScale.
const CentsScale = 10000

// NewCentsFromFloat rounds a floating-point cents amount (e.g. the output of
// a price-table calculation) into fixed-point Cents.
func NewCentsFromFloat(cents float64) Cents {
	return Cents(math.Round(cents * CentsScale))
}

// Add returns the sum of c and other.
func (c Cents) Add(other Cents) Cents { return c + other }

// Float64 returns the decimal-cents value, for display/serialization only;
// never use it for further arithmetic.
func (c Cents) Float64() float64 { return float64(c) / CentsScale }

// String renders the amount with 4 fractional digits, e.g. "4.5000".
func (c Cents) String() string {
	return fmt.Sprintf("%.4f", c.Float64())
}

// SumCents adds a slice of Cents, the building block for C7's cost rollup.
func SumCents(values []Cents) Cents {
	var total Cents
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
