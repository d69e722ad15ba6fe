package execution

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"auto-trade-bot-go/internal/broker"
	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/models"
)

// CostReconciler back-fills fee and tax figures for filled trades whose
// costs the broker could not report at placement time. Brokers with
// asynchronous settlement return fills before per-order costs exist; this
// pass re-queries order detail until the costs show up or the trade ages out
// of the lookback window.
type CostReconciler struct {
	registry *broker.Registry
	db       *gorm.DB
	logger   *zap.Logger
	interval time.Duration
	lookback time.Duration
}

func NewCostReconciler(registry *broker.Registry, db *gorm.DB, cfg *config.Audit, logger *zap.Logger) *CostReconciler {
	return &CostReconciler{
		registry: registry,
		db:       db,
		logger:   logger.Named("cost_reconciler"),
		interval: time.Duration(cfg.ReconcileIntervalSeconds) * time.Second,
		lookback: time.Duration(cfg.LookbackHours) * time.Hour,
	}
}

// Run loops until the context is cancelled.
func (r *CostReconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Cost reconciler started",
		zap.Duration("interval", r.interval),
		zap.Duration("lookback", r.lookback))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Cost reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Error("Cost reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce scans recent filled trades still missing broker costs and
// asks each broker for order detail. Returns how many rows were updated.
func (r *CostReconciler) ReconcileOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.lookback)

	var trades []models.Trade
	err := r.db.WithContext(ctx).
		Where("status = ? AND cost_source = ? AND order_id <> '' AND created_at >= ?",
			models.TradeStatusFilled, models.CostSourceUnavailable, cutoff).
		Find(&trades).Error
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range trades {
		trade := &trades[i]
		if r.reconcileTrade(ctx, trade) {
			updated++
		}
	}
	if updated > 0 {
		r.logger.Info("Reconciled trade costs", zap.Int("updated", updated), zap.Int("scanned", len(trades)))
	}
	return updated, nil
}

func (r *CostReconciler) reconcileTrade(ctx context.Context, trade *models.Trade) bool {
	client, err := r.registry.Resolve(trade.Market, trade.Broker)
	if err != nil {
		r.logger.Warn("No client for trade during cost reconcile",
			zap.String("symbol", trade.Symbol),
			zap.String("broker", string(trade.Broker)))
		return false
	}

	detail, err := client.OrderDetail(ctx, trade.Market, trade.Symbol, trade.OrderID)
	if err != nil {
		r.logger.Warn("Order detail lookup failed",
			zap.String("symbol", trade.Symbol),
			zap.String("order_id", trade.OrderID),
			zap.Error(err))
		return false
	}

	updates := map[string]any{}
	if detail.ExecutedQty.IsPositive() {
		updates["executed_qty"] = detail.ExecutedQty
		updates["executed_price"] = detail.ExecutedPrice
	}
	if detail.CostsKnown {
		updates["fee"] = detail.Fee
		updates["tax"] = detail.Tax
		updates["cost_source"] = models.CostSourceBroker
	}
	if len(updates) == 0 {
		return false
	}

	if err := r.db.WithContext(ctx).Model(trade).Updates(updates).Error; err != nil {
		r.logger.Error("Failed to update reconciled costs",
			zap.String("symbol", trade.Symbol),
			zap.String("order_id", trade.OrderID),
			zap.Error(err))
		return false
	}

	if detail.CostsKnown {
		r.logger.Info("Broker costs recorded",
			zap.String("symbol", trade.Symbol),
			zap.String("order_id", trade.OrderID),
			zap.String("fee", detail.Fee.String()),
			zap.String("tax", detail.Tax.String()))
		return true
	}
	return false
}
