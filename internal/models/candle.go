package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar written by the market-data collectors. This engine
// only reads candles, for current-price lookups and ATR input.
type Candle struct {
	ID        uint            `gorm:"primaryKey"`
	Market    Market          `gorm:"type:varchar(10);not null;uniqueIndex:idx_candle_key"`
	Symbol    string          `gorm:"type:varchar(32);not null;uniqueIndex:idx_candle_key"`
	Timestamp time.Time       `gorm:"not null;uniqueIndex:idx_candle_key"`
	Open      decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	High      decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Low       decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Close     decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Volume    decimal.Decimal `gorm:"type:numeric(30,10)"`
}
