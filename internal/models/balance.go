package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Balance is available cash per (broker, market, currency), synced from the
// brokerage by the collectors and read here for position sizing.
type Balance struct {
	gorm.Model
	Broker   Broker          `gorm:"type:varchar(10);not null;uniqueIndex:idx_balance_key"`
	Market   Market          `gorm:"type:varchar(10);not null;uniqueIndex:idx_balance_key"`
	Currency string          `gorm:"type:varchar(10);not null;uniqueIndex:idx_balance_key"`
	Amount   decimal.Decimal `gorm:"type:numeric(30,10);not null"`
}
