// Package account reads the shared store's view of cash, positions, and
// prices. The collector owns these tables; this engine only reads them.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"auto-trade-bot-go/internal/models"
)

// ErrNoPrice is returned when the candle store has no close for a symbol.
var ErrNoPrice = errors.New("account: no price available for symbol")

// QuoteCurrency returns the cash currency a market settles in.
func QuoteCurrency(m models.Market) string {
	if m == models.MarketUS {
		return "USD"
	}
	return "KRW"
}

// Snapshot is one market's account state at read time, with positions priced
// at the latest close.
type Snapshot struct {
	Broker        models.Broker
	Market        models.Market
	Cash          decimal.Decimal
	Positions     []models.Position
	PositionValue decimal.Decimal
	Equity        decimal.Decimal
}

// Reader queries account state from the shared store.
type Reader struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewReader creates a new account state reader.
func NewReader(db *gorm.DB, logger *zap.Logger) *Reader {
	return &Reader{db: db, logger: logger.Named("account")}
}

// Cash returns available cash for a broker in a market's quote currency.
func (r *Reader) Cash(ctx context.Context, broker models.Broker, market models.Market) (decimal.Decimal, error) {
	var balance models.Balance
	err := r.db.WithContext(ctx).
		Where("broker = ? AND market = ? AND currency = ?", broker, market, QuoteCurrency(market)).
		First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read cash balance: %w", err)
	}
	return balance.Amount, nil
}

// OpenPositions returns all positions with a positive quantity in a market.
func (r *Reader) OpenPositions(ctx context.Context, market models.Market) ([]models.Position, error) {
	var positions []models.Position
	err := r.db.WithContext(ctx).
		Where("market = ? AND quantity > 0", market).
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read open positions: %w", err)
	}
	return positions, nil
}

// OpenPosition returns the open position for a symbol, or nil when flat.
func (r *Reader) OpenPosition(ctx context.Context, broker models.Broker, market models.Market, symbol string) (*models.Position, error) {
	var position models.Position
	err := r.db.WithContext(ctx).
		Where("broker = ? AND market = ? AND symbol = ?", broker, market, symbol).
		First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read position: %w", err)
	}
	if !position.Open() {
		return nil, nil
	}
	return &position, nil
}

// LatestClose returns the most recent close price for a symbol.
func (r *Reader) LatestClose(ctx context.Context, market models.Market, symbol string) (decimal.Decimal, error) {
	var candle models.Candle
	err := r.db.WithContext(ctx).
		Where("market = ? AND symbol = ?", market, symbol).
		Order("timestamp DESC").
		First(&candle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrNoPrice, market, symbol)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read latest close: %w", err)
	}
	return candle.Close, nil
}

// RecentCandles returns the newest count candles for a symbol in ascending
// time order, the shape the ATR calculation expects.
func (r *Reader) RecentCandles(ctx context.Context, market models.Market, symbol string, count int) ([]models.Candle, error) {
	var candles []models.Candle
	err := r.db.WithContext(ctx).
		Where("market = ? AND symbol = ?", market, symbol).
		Order("timestamp DESC").
		Limit(count).
		Find(&candles).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read candles: %w", err)
	}
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// Snapshot assembles cash, open positions, and equity for one market.
// Positions without a price are valued at cost so a collector gap cannot
// zero out the equity a risk check is about to divide by.
func (r *Reader) Snapshot(ctx context.Context, broker models.Broker, market models.Market) (*Snapshot, error) {
	cash, err := r.Cash(ctx, broker, market)
	if err != nil {
		return nil, err
	}

	positions, err := r.OpenPositions(ctx, market)
	if err != nil {
		return nil, err
	}

	positionValue := decimal.Zero
	for _, p := range positions {
		price, err := r.LatestClose(ctx, market, p.Symbol)
		if err != nil {
			if !errors.Is(err, ErrNoPrice) {
				return nil, err
			}
			r.logger.Warn("No price for open position, valuing at cost",
				zap.String("symbol", p.Symbol),
				zap.String("market", string(market)),
			)
			price = p.AvgCost
		}
		positionValue = positionValue.Add(p.Value(price))
	}

	return &Snapshot{
		Broker:        broker,
		Market:        market,
		Cash:          cash,
		Positions:     positions,
		PositionValue: positionValue,
		Equity:        cash.Add(positionValue),
	}, nil
}

// DailyPnL returns realized plus unrealized PnL for a market since local
// midnight. Realized comes from audit outcomes closed today; unrealized from
// open positions marked to the latest close.
func (r *Reader) DailyPnL(ctx context.Context, broker models.Broker, market models.Market, now time.Time) (decimal.Decimal, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	type row struct{ Total decimal.Decimal }
	var realized row
	err := r.db.WithContext(ctx).
		Model(&models.ACELog{}).
		Select("COALESCE(SUM(net_pnl), 0) AS total").
		Where("market = ? AND outcome_at >= ?", market, dayStart).
		Scan(&realized).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum realized pnl: %w", err)
	}

	positions, err := r.OpenPositions(ctx, market)
	if err != nil {
		return decimal.Zero, err
	}

	unrealized := decimal.Zero
	for _, p := range positions {
		price, err := r.LatestClose(ctx, market, p.Symbol)
		if err != nil {
			if !errors.Is(err, ErrNoPrice) {
				return decimal.Zero, err
			}
			continue // unpriced position contributes nothing
		}
		unrealized = unrealized.Add(price.Sub(p.AvgCost).Mul(p.Quantity))
	}

	return realized.Total.Add(unrealized), nil
}
