package detector

import "github.com/shopspring/decimal"

// SizingFunc turns the absolute price gap between two venues into a trade
// amount in asset units. Implementations must be non-decreasing in absSpread
// for a fixed price and must respect their own notional cap.
type SizingFunc func(absSpread, price decimal.Decimal) decimal.Decimal

// LinearCappedSizer sizes proportionally to the gap and caps the notional
// (amount × price) at maxNotional.
func LinearCappedSizer(scale, maxNotional decimal.Decimal) SizingFunc {
	return func(absSpread, price decimal.Decimal) decimal.Decimal {
		if !absSpread.IsPositive() || !price.IsPositive() {
			return decimal.Zero
		}
		amount := absSpread.Mul(scale)
		if maxNotional.IsPositive() {
			limit := maxNotional.Div(price)
			if amount.GreaterThan(limit) {
				amount = limit
			}
		}
		return amount
	}
}
