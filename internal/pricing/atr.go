package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"auto-trade-bot-go/internal/models"
)

// ErrInsufficientData is returned when fewer candles are supplied than an
// indicator needs.
var ErrInsufficientData = errors.New("pricing: insufficient data")

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(c models.Candle, prevClose decimal.Decimal) decimal.Decimal {
	hl := c.High.Sub(c.Low)
	hc := c.High.Sub(prevClose).Abs()
	lc := c.Low.Sub(prevClose).Abs()

	tr := hl
	if hc.GreaterThan(tr) {
		tr = hc
	}
	if lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

// ATR computes Wilder's average true range over the supplied candles, oldest
// first. At least period+1 candles are required (the first only seeds the
// previous close). The first `period` true ranges are averaged as the seed and
// any remaining candles are smoothed in with ATR = (prev*(period-1) + TR)/period.
func ATR(candles []models.Candle, period int) (decimal.Decimal, error) {
	if period <= 0 {
		return decimal.Zero, fmt.Errorf("pricing: invalid ATR period %d", period)
	}
	if len(candles) < period+1 {
		return decimal.Zero, fmt.Errorf("%w: need %d candles for ATR(%d), got %d",
			ErrInsufficientData, period+1, period, len(candles))
	}

	trs := make([]decimal.Decimal, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, TrueRange(candles[i], candles[i-1].Close))
	}

	p := decimal.NewFromInt(int64(period))
	atr := decimal.Zero
	for _, tr := range trs[:period] {
		atr = atr.Add(tr)
	}
	atr = atr.Div(p)

	pm1 := decimal.NewFromInt(int64(period - 1))
	for _, tr := range trs[period:] {
		atr = atr.Mul(pm1).Add(tr).Div(p)
	}
	return atr, nil
}

// SMA is the simple moving average of the last `period` closes.
func SMA(candles []models.Candle, period int) (decimal.Decimal, error) {
	if period <= 0 {
		return decimal.Zero, fmt.Errorf("pricing: invalid SMA period %d", period)
	}
	if len(candles) < period {
		return decimal.Zero, fmt.Errorf("%w: need %d candles for SMA(%d), got %d",
			ErrInsufficientData, period, period, len(candles))
	}

	sum := decimal.Zero
	for _, c := range candles[len(candles)-period:] {
		sum = sum.Add(c.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), nil
}
