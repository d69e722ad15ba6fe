package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Signal is a proposed trade produced by the decision feed. Rows are immutable
// after creation except for the consume-once mark set by the execution loop.
type Signal struct {
	gorm.Model
	Symbol      string          `gorm:"type:varchar(32);not null;index:idx_signal_market_symbol"`
	Market      Market          `gorm:"type:varchar(10);not null;index:idx_signal_market_symbol"`
	Broker      Broker          `gorm:"type:varchar(10);not null"`
	Decision    SignalDecision  `gorm:"type:varchar(10);not null"`
	Confidence  decimal.Decimal `gorm:"type:numeric(6,4);not null"`
	EntryPrice  decimal.Decimal `gorm:"type:numeric(30,10)"`
	TargetPrice decimal.Decimal `gorm:"type:numeric(30,10)"`
	StopLoss    decimal.Decimal `gorm:"type:numeric(30,10)"`
	Rationale   string          `gorm:"type:text"`
	Indicators  datatypes.JSON
	AnalysisID  *string    `gorm:"type:varchar(64);index"`
	ConsumedAt  *time.Time `gorm:"index"`
}

// Consumed reports whether the execution loop has already taken this signal.
func (s *Signal) Consumed() bool {
	return s.ConsumedAt != nil
}
