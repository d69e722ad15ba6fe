package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Position is the current holding for one (broker, market, symbol). A row with
// quantity <= 0 is considered closed. Mutated only by confirmed fills.
type Position struct {
	gorm.Model
	Broker   Broker          `gorm:"type:varchar(10);not null;uniqueIndex:idx_position_key"`
	Market   Market          `gorm:"type:varchar(10);not null;uniqueIndex:idx_position_key"`
	Symbol   string          `gorm:"type:varchar(32);not null;uniqueIndex:idx_position_key"`
	Quantity decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	AvgCost  decimal.Decimal `gorm:"type:numeric(30,10);not null"`
}

// Open reports whether the position still holds any quantity.
func (p *Position) Open() bool {
	return p.Quantity.IsPositive()
}

// Value returns the position's market value at the given price.
func (p *Position) Value(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(price)
}

// UnrealizedReturn is (price - avgCost) / avgCost, zero when avgCost is zero.
func (p *Position) UnrealizedReturn(price decimal.Decimal) decimal.Decimal {
	if p.AvgCost.IsZero() {
		return decimal.Zero
	}
	return price.Sub(p.AvgCost).Div(p.AvgCost)
}
