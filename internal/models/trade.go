package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Trade is one persisted attempt at order placement. Rows are created in a
// terminal (or pending) status and never deleted: this table is the financial
// ledger. Exactly one row exists per executor call, success or failure.
type Trade struct {
	gorm.Model
	Symbol         string          `gorm:"type:varchar(32);not null;index"`
	Broker         Broker          `gorm:"type:varchar(10);not null"`
	Market         Market          `gorm:"type:varchar(10);not null;index"`
	Side           Side            `gorm:"type:varchar(4);not null"`
	RequestedQty   decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	ExecutedQty    decimal.Decimal `gorm:"type:numeric(30,10)"`
	RequestedPrice decimal.Decimal `gorm:"type:numeric(30,10)"`
	ExecutedPrice  decimal.Decimal `gorm:"type:numeric(30,10)"`
	OrderID        string          `gorm:"type:varchar(64);index"`
	Status         TradeStatus     `gorm:"type:varchar(10);not null;index"`
	Fee            decimal.Decimal `gorm:"type:numeric(30,10)"`
	Tax            decimal.Decimal `gorm:"type:numeric(30,10)"`
	CostSource     CostSource      `gorm:"type:varchar(12)"`
	ErrorMessage   string          `gorm:"type:text"`
	DryRun         bool            `gorm:"not null;default:false"`
	IdempotencyKey *string         `gorm:"type:varchar(160);uniqueIndex"`
	Metadata       datatypes.JSON
}

// Terminal reports whether the trade has reached a final status.
func (t *Trade) Terminal() bool {
	return t.Status != TradeStatusPending
}

// Costs returns fee + tax.
func (t *Trade) Costs() decimal.Decimal {
	return t.Fee.Add(t.Tax)
}
