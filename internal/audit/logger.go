// Package audit maintains the Aspiration-Capability-Execution-Outcome trail:
// one row per trade lifecycle recording what the trade set out to do, what
// the signal and risk checks knew at the time, what actually executed, and
// eventually what it realized.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/metrics"
	"auto-trade-bot-go/internal/models"
	"auto-trade-bot-go/internal/risk"
)

// breakevenBandPct is the realized PnL% band treated as neither win nor loss.
var breakevenBandPct = decimal.RequireFromString("0.1")

var hundred = decimal.NewFromInt(100)

// Logger writes ACE rows.
type Logger struct {
	db           *gorm.DB
	logger       *zap.Logger
	horizonHours int
}

func NewLogger(db *gorm.DB, cfg *config.Audit, logger *zap.Logger) *Logger {
	return &Logger{
		db:     db,
		logger: logger.Named("audit"),
		// The reconciler stops matching exits after the lookback window, so
		// it doubles as the aspiration horizon.
		horizonHours: cfg.LookbackHours,
	}
}

// EntryRecord carries everything known at decision time.
type EntryRecord struct {
	Signal     *models.Signal
	Validation *risk.Validation
	// Trade is the executed (or simulated) entry. Nil when execution failed
	// before a fill; the aspiration and capability are still worth keeping.
	Trade  *models.Trade
	Reason string
}

// LogEntry persists the Aspiration, Capability and Execution sections
// immediately after order execution and returns the new row's ACE id.
func (l *Logger) LogEntry(ctx context.Context, rec EntryRecord) (string, error) {
	if rec.Signal == nil {
		return "", fmt.Errorf("audit: entry record needs a signal")
	}

	side := models.SideBuy
	if rec.Signal.Decision == models.DecisionSell {
		side = models.SideSell
	}

	entryPrice := rec.Signal.EntryPrice
	quantity := decimal.Zero
	orderID := ""
	var tradeID *uint
	var executedAt *time.Time

	if rec.Validation != nil {
		quantity = rec.Validation.PositionSize
	}
	if rec.Trade != nil {
		side = rec.Trade.Side
		tradeID = &rec.Trade.ID
		orderID = rec.Trade.OrderID
		if rec.Trade.ExecutedPrice.IsPositive() {
			entryPrice = rec.Trade.ExecutedPrice
		}
		if rec.Trade.ExecutedQty.IsPositive() {
			quantity = rec.Trade.ExecutedQty
		}
		at := rec.Trade.CreatedAt
		if at.IsZero() {
			at = time.Now()
		}
		executedAt = &at
	}

	targetPct := directionalPct(side, entryPrice, rec.Signal.TargetPrice)
	lossPct := directionalPct(side.Opposite(), entryPrice, rec.Signal.StopLoss)
	rewardRisk := decimal.Zero
	if lossPct.IsPositive() {
		rewardRisk = targetPct.Div(lossPct).Round(6)
	}

	row := &models.ACELog{
		ACEID:    uuid.NewString(),
		TradeID:  tradeID,
		SignalID: &rec.Signal.ID,
		Symbol:   rec.Signal.Symbol,
		Market:   rec.Signal.Market,
		Broker:   rec.Signal.Broker,
		Side:     side,

		TargetProfitPct: targetPct,
		MaxLossPct:      lossPct,
		HorizonHours:    l.horizonHours,
		RewardRisk:      rewardRisk,

		Capability: l.capabilitySnapshot(rec),

		EntryPrice:    entryPrice,
		StopPrice:     rec.Signal.StopLoss,
		TargetPrice:   rec.Signal.TargetPrice,
		Quantity:      quantity,
		BrokerOrderID: orderID,
		ExecutedAt:    executedAt,
		EntryReason:   rec.Reason,
	}

	if err := l.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", fmt.Errorf("create ace log: %w", err)
	}

	l.logger.Info("ACE entry logged",
		zap.String("ace_id", row.ACEID),
		zap.String("symbol", row.Symbol),
		zap.String("side", string(side)),
		zap.String("target_pct", targetPct.String()),
		zap.String("max_loss_pct", lossPct.String()))
	return row.ACEID, nil
}

// capabilitySnapshot freezes the signal and risk verdict as they were at
// decision time. The live rows keep changing; this copy does not.
func (l *Logger) capabilitySnapshot(rec EntryRecord) []byte {
	snap := map[string]any{
		"signal": map[string]any{
			"id":          rec.Signal.ID,
			"decision":    rec.Signal.Decision,
			"confidence":  rec.Signal.Confidence,
			"entry_price": rec.Signal.EntryPrice,
			"target":      rec.Signal.TargetPrice,
			"stop_loss":   rec.Signal.StopLoss,
			"rationale":   rec.Signal.Rationale,
		},
	}
	if rec.Validation != nil {
		snap["risk"] = rec.Validation
	}
	buf, err := json.Marshal(snap)
	if err != nil {
		l.logger.Warn("Failed to marshal capability snapshot", zap.Error(err))
		return nil
	}
	return buf
}

// directionalPct returns how far target sits from entry in the profitable
// direction for the given side, as a percentage of entry.
func directionalPct(side models.Side, entry, target decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() || !target.IsPositive() {
		return decimal.Zero
	}
	diff := target.Sub(entry)
	if side == models.SideSell {
		diff = diff.Neg()
	}
	return diff.Div(entry).Mul(hundred).Round(6)
}

// OutcomeInput is everything needed to settle one closed trade.
type OutcomeInput struct {
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Size       decimal.Decimal
	Side       models.Side
	EntryFees  decimal.Decimal
	ExitFees   decimal.Decimal
	Taxes      decimal.Decimal
	EntryTime  time.Time
	ExitTime   time.Time
}

// Outcome is the realized result.
type Outcome struct {
	ExitPrice      decimal.Decimal
	GrossPnL       decimal.Decimal
	NetPnL         decimal.Decimal
	PnLPct         decimal.Decimal
	HoldingSeconds int64
	Result         models.OutcomeResult
}

// ComputeOutcome settles a round trip. Gross PnL is side-aware, net deducts
// all fees and taxes, and PnL% is measured against the cost basis (entry
// value plus entry-side costs). Within ±0.1% the trade is a breakeven.
func ComputeOutcome(in OutcomeInput) Outcome {
	gross := in.ExitPrice.Sub(in.EntryPrice).Mul(in.Size)
	if in.Side == models.SideSell {
		gross = gross.Neg()
	}
	net := gross.Sub(in.EntryFees).Sub(in.ExitFees).Sub(in.Taxes)

	costBasis := in.EntryPrice.Mul(in.Size).Add(in.EntryFees)
	pct := decimal.Zero
	if costBasis.IsPositive() {
		pct = net.Div(costBasis).Mul(hundred).Round(6)
	}

	result := models.OutcomeBreakeven
	switch {
	case pct.GreaterThan(breakevenBandPct):
		result = models.OutcomeWin
	case pct.LessThan(breakevenBandPct.Neg()):
		result = models.OutcomeLoss
	}

	return Outcome{
		ExitPrice:      in.ExitPrice,
		GrossPnL:       gross,
		NetPnL:         net,
		PnLPct:         pct,
		HoldingSeconds: int64(in.ExitTime.Sub(in.EntryTime).Seconds()),
		Result:         result,
	}
}

// LogOutcome back-fills the Outcome section of one ACE row. Calling it again
// for an already settled row is a no-op.
func (l *Logger) LogOutcome(ctx context.Context, aceID string, in OutcomeInput, reason models.ExitReason) error {
	var row models.ACELog
	err := l.db.WithContext(ctx).Where("ace_id = ?", aceID).First(&row).Error
	if err != nil {
		return fmt.Errorf("load ace log %s: %w", aceID, err)
	}
	if row.HasOutcome() {
		return nil
	}

	out := ComputeOutcome(in)
	updates := map[string]any{
		"exit_price":       out.ExitPrice,
		"gross_pnl":        out.GrossPnL,
		"net_pnl":          out.NetPnL,
		"pnl_pct":          out.PnLPct,
		"holding_duration": out.HoldingSeconds,
		"result":           out.Result,
		"exit_reason":      reason,
		"outcome_at":       in.ExitTime,
	}
	if err := l.db.WithContext(ctx).Model(&row).Updates(updates).Error; err != nil {
		return fmt.Errorf("update ace outcome %s: %w", aceID, err)
	}

	metrics.OutcomesTotal.WithLabelValues(string(row.Market), string(out.Result)).Inc()
	l.logger.Info("ACE outcome settled",
		zap.String("ace_id", aceID),
		zap.String("symbol", row.Symbol),
		zap.String("result", string(out.Result)),
		zap.String("net_pnl", out.NetPnL.String()),
		zap.String("pnl_pct", out.PnLPct.String()),
		zap.String("exit_reason", string(reason)))
	return nil
}
