package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Direction is the side of the position being protected.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// StopLossResult carries the clamped stop price and how it was derived. The
// clamp flags are deliberate test and logging seams: a run of max-clamped
// stops means the ATR multiplier is fighting the configured range.
type StopLossResult struct {
	Price        decimal.Decimal
	Pct          decimal.Decimal
	ClampedByMin bool
	ClampedByMax bool
}

// StopLoss derives a volatility-based stop from entry and ATR. The raw stop
// distance is atr*multiplier; its percentage of entry is clamped into
// [minPct, maxPct]; direction flips which side of entry the stop sits on.
func StopLoss(entry, atr, multiplier, minPct, maxPct decimal.Decimal, dir Direction) (StopLossResult, error) {
	if !entry.IsPositive() {
		return StopLossResult{}, fmt.Errorf("pricing: entry must be positive, got %s", entry)
	}
	if atr.IsNegative() {
		return StopLossResult{}, fmt.Errorf("pricing: atr must not be negative, got %s", atr)
	}
	if !multiplier.IsPositive() {
		return StopLossResult{}, fmt.Errorf("pricing: multiplier must be positive, got %s", multiplier)
	}
	if minPct.GreaterThan(maxPct) {
		return StopLossResult{}, fmt.Errorf("pricing: minPct %s exceeds maxPct %s", minPct, maxPct)
	}

	res := StopLossResult{Pct: atr.Mul(multiplier).Div(entry)}
	if res.Pct.LessThan(minPct) {
		res.Pct = minPct
		res.ClampedByMin = true
	} else if res.Pct.GreaterThan(maxPct) {
		res.Pct = maxPct
		res.ClampedByMax = true
	}

	offset := entry.Mul(res.Pct)
	if dir == Short {
		res.Price = entry.Add(offset)
	} else {
		res.Price = entry.Sub(offset)
	}
	return res, nil
}

// Target projects the take-profit price: entry +/- stopDistance*rewardMultiple,
// direction-aware (above entry for longs, below for shorts).
func Target(entry, stopDistance, rewardMultiple decimal.Decimal, dir Direction) decimal.Decimal {
	offset := stopDistance.Abs().Mul(rewardMultiple)
	if dir == Short {
		return entry.Sub(offset)
	}
	return entry.Add(offset)
}
