package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/models"
)

// Reconciler settles open ACE rows. Exits happen arbitrarily later than
// entries and are only visible as opposite-side fills in the trade ledger,
// so settlement is a polling pass, not a synchronous step.
type Reconciler struct {
	db       *gorm.DB
	auditLog *Logger
	logger   *zap.Logger
	interval time.Duration
	lookback time.Duration
}

func NewReconciler(db *gorm.DB, auditLog *Logger, cfg *config.Audit, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		db:       db,
		auditLog: auditLog,
		logger:   logger.Named("audit_reconciler"),
		interval: time.Duration(cfg.ReconcileIntervalSeconds) * time.Second,
		lookback: time.Duration(cfg.LookbackHours) * time.Hour,
	}
}

// Run loops until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Outcome reconciler started",
		zap.Duration("interval", r.interval),
		zap.Duration("lookback", r.lookback))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outcome reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Error("Outcome reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce scans ACE rows without an outcome and settles each one for
// which an opposite-side fill exists. Returns how many rows were settled.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.lookback)

	var rows []models.ACELog
	err := r.db.WithContext(ctx).
		Where("outcome_at IS NULL AND created_at >= ?", cutoff).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	settled := 0
	for i := range rows {
		ok, err := r.settleRow(ctx, &rows[i])
		if err != nil {
			r.logger.Warn("Failed to settle ACE row",
				zap.String("ace_id", rows[i].ACEID),
				zap.Error(err))
			continue
		}
		if ok {
			settled++
		}
	}
	if settled > 0 {
		r.logger.Info("Settled trade outcomes", zap.Int("settled", settled), zap.Int("open", len(rows)-settled))
	}
	return settled, nil
}

// settleRow finds the first opposite-side fill after the entry and settles
// the row against it. Partial exits settle at the entry size; the ledger
// keeps the individual fills for anyone who needs finer granularity.
func (r *Reconciler) settleRow(ctx context.Context, row *models.ACELog) (bool, error) {
	entryTime := row.CreatedAt
	if row.ExecutedAt != nil {
		entryTime = *row.ExecutedAt
	}

	var exit models.Trade
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND market = ? AND broker = ? AND side = ? AND status IN ? AND created_at > ?",
			row.Symbol, row.Market, row.Broker, row.Side.Opposite(),
			[]models.TradeStatus{models.TradeStatusFilled, models.TradeStatusSimulated}, entryTime).
		Order("created_at ASC").
		First(&exit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	entryFees, entryTaxes := r.entryCosts(ctx, row)

	in := OutcomeInput{
		EntryPrice: row.EntryPrice,
		ExitPrice:  exit.ExecutedPrice,
		Size:       row.Quantity,
		Side:       row.Side,
		EntryFees:  entryFees,
		ExitFees:   exit.Fee,
		Taxes:      entryTaxes.Add(exit.Tax),
		EntryTime:  entryTime,
		ExitTime:   exit.CreatedAt,
	}
	if err := r.auditLog.LogOutcome(ctx, row.ACEID, in, exitReasonOf(&exit)); err != nil {
		return false, err
	}
	return true, nil
}

// entryCosts loads the entry trade's booked fee and tax. Zero when the entry
// trade is unknown or its costs were never reconciled; the outcome is then
// gross of entry costs rather than left unsettled forever.
func (r *Reconciler) entryCosts(ctx context.Context, row *models.ACELog) (decimal.Decimal, decimal.Decimal) {
	if row.TradeID == nil {
		return decimal.Zero, decimal.Zero
	}
	var entry models.Trade
	if err := r.db.WithContext(ctx).First(&entry, *row.TradeID).Error; err != nil {
		r.logger.Warn("Entry trade missing for ACE row",
			zap.String("ace_id", row.ACEID),
			zap.Error(err))
		return decimal.Zero, decimal.Zero
	}
	return entry.Fee, entry.Tax
}

// exitReasonOf classifies the exit from the reason string the engine put in
// the trade metadata.
func exitReasonOf(exit *models.Trade) models.ExitReason {
	if len(exit.Metadata) == 0 {
		return models.ExitReasonUnknown
	}
	var meta struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(exit.Metadata, &meta); err != nil {
		return models.ExitReasonUnknown
	}
	reason := strings.ToLower(meta.Reason)
	switch {
	case strings.Contains(reason, "liquidation"):
		return models.ExitReasonLiquidation
	case strings.Contains(reason, "stop"):
		return models.ExitReasonStopLoss
	case strings.Contains(reason, "profit") || strings.Contains(reason, "target"):
		return models.ExitReasonTakeProfit
	case strings.Contains(reason, "signal"):
		return models.ExitReasonSignal
	case strings.Contains(reason, "manual"):
		return models.ExitReasonManual
	}
	return models.ExitReasonUnknown
}
