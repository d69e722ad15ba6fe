package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ACELog is one Aspiration-Capability-Execution-Outcome audit row per trade
// decision lifecycle. Aspiration/Capability/Execution are written atomically
// with order execution; Outcome stays null until an exit is observed and is
// back-filled by the reconciler.
type ACELog struct {
	gorm.Model
	ACEID    string `gorm:"type:varchar(36);not null;uniqueIndex"`
	TradeID  *uint  `gorm:"index"`
	SignalID *uint  `gorm:"index"`
	Symbol   string `gorm:"type:varchar(32);not null;index"`
	Market   Market `gorm:"type:varchar(10);not null"`
	Broker   Broker `gorm:"type:varchar(10);not null"`
	Side     Side   `gorm:"type:varchar(4);not null"`

	// Aspiration: what the trade set out to achieve.
	TargetProfitPct decimal.Decimal `gorm:"type:numeric(12,6)"`
	MaxLossPct      decimal.Decimal `gorm:"type:numeric(12,6)"`
	HorizonHours    int
	RewardRisk      decimal.Decimal `gorm:"type:numeric(12,6)"`

	// Capability: signal + risk snapshot at decision time.
	Capability datatypes.JSON

	// Execution: what actually happened at entry.
	EntryPrice    decimal.Decimal `gorm:"type:numeric(30,10)"`
	StopPrice     decimal.Decimal `gorm:"type:numeric(30,10)"`
	TargetPrice   decimal.Decimal `gorm:"type:numeric(30,10)"`
	Quantity      decimal.Decimal `gorm:"type:numeric(30,10)"`
	BrokerOrderID string          `gorm:"type:varchar(64)"`
	ExecutedAt    *time.Time
	EntryReason   string `gorm:"type:text"`

	// Outcome: back-filled once a matching exit fill is found.
	// Explicit column names because default GORM naming turns "PnL" into "pn_l".
	ExitPrice       *decimal.Decimal `gorm:"type:numeric(30,10)"`
	GrossPnL        *decimal.Decimal `gorm:"column:gross_pnl;type:numeric(30,10)"`
	NetPnL          *decimal.Decimal `gorm:"column:net_pnl;type:numeric(30,10)"`
	PnLPct          *decimal.Decimal `gorm:"column:pnl_pct;type:numeric(12,6)"`
	HoldingDuration *int64
	Result          *OutcomeResult `gorm:"type:varchar(10);index"`
	ExitReason      *ExitReason    `gorm:"type:varchar(20)"`
	OutcomeAt       *time.Time
}

// HasOutcome reports whether the exit side has been reconciled.
func (a *ACELog) HasOutcome() bool {
	return a.OutcomeAt != nil
}
