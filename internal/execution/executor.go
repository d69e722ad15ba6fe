// Package execution turns approved trade requests into broker orders and a
// durable trade ledger. Every call to Execute produces exactly one trade row,
// whether the order filled, was simulated, or failed before reaching the
// broker.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"auto-trade-bot-go/internal/broker"
	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/metrics"
	"auto-trade-bot-go/internal/models"
)

const orderTimeout = 30 * time.Second

// ErrDailyCapReached is returned when the per-day trade count limit blocks an
// order before it reaches the broker.
var ErrDailyCapReached = errors.New("execution: daily trade cap reached")

// ErrNotionalCapExceeded is returned when a single order's value exceeds the
// configured per-trade limit.
var ErrNotionalCapExceeded = errors.New("execution: notional cap exceeded")

// Request describes one order the engine wants placed.
type Request struct {
	Symbol    string
	Market    models.Market
	Broker    models.Broker
	Side      models.Side
	OrderType broker.OrderType
	Quantity  decimal.Decimal
	// Price is the reference price for the order. Market orders still carry
	// it so simulated fills and limit fallbacks have a price to settle at.
	Price  decimal.Decimal
	DryRun bool
	// SignalRef identifies the originating signal. It feeds the idempotency
	// key; an empty ref disables deduplication for this request.
	SignalRef string
	Reason    string
	// BypassCaps skips the daily and notional limits. Emergency liquidation
	// must never be blocked by a trading cap.
	BypassCaps bool
}

// Result reports what happened to a single request.
type Result struct {
	Success       bool
	Reused        bool
	DryRun        bool
	TradeID       uint
	OrderID       string
	ExecutedQty   decimal.Decimal
	ExecutedPrice decimal.Decimal
	Error         string
}

// Executor places orders through the broker registry and records every
// attempt in the trades table.
type Executor struct {
	registry *broker.Registry
	db       *gorm.DB
	cfg      *config.Trading
	logger   *zap.Logger
}

func NewExecutor(registry *broker.Registry, db *gorm.DB, cfg *config.Trading, logger *zap.Logger) *Executor {
	return &Executor{
		registry: registry,
		db:       db,
		cfg:      cfg,
		logger:   logger.Named("executor"),
	}
}

// IdempotencyKey builds the dedupe key for a signal-driven order. Two
// requests with the same key refer to the same intent and must not produce
// two broker orders.
func IdempotencyKey(brk models.Broker, market models.Market, symbol string, side models.Side, signalRef string) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", brk, market, symbol, side, signalRef)
}

// Execute places one order and writes its trade row. The returned error is
// non-nil only for broker or infrastructure failures; policy stops such as
// the daily cap come back as ErrDailyCapReached so callers can tell them
// apart from execution faults.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	key := e.dedupeKey(req)

	if key != nil {
		existing, err := e.findByKey(ctx, *key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			e.logger.Info("Reusing existing trade for duplicate request",
				zap.String("symbol", req.Symbol),
				zap.String("idempotency_key", *key),
				zap.Uint("trade_id", existing.ID))
			metrics.RecordOrder(string(req.Market), string(req.Broker), string(req.Side), "reused")
			return resultFromTrade(existing, true), nil
		}
	}

	if !req.BypassCaps {
		if capped, err := e.dailyCapReached(ctx); err != nil {
			return nil, err
		} else if capped {
			trade := e.newTrade(req, key)
			trade.Status = models.TradeStatusFailed
			trade.ErrorMessage = fmt.Sprintf("daily trade cap reached (%d)", e.cfg.MaxTradesPerDay)
			e.persistTrade(ctx, trade)
			e.logger.Warn("Order blocked by daily trade cap",
				zap.String("symbol", req.Symbol),
				zap.Int("max_trades_per_day", e.cfg.MaxTradesPerDay))
			metrics.RecordOrder(string(req.Market), string(req.Broker), string(req.Side), "capped")
			return resultFromTrade(trade, false), ErrDailyCapReached
		}

		if msg := e.notionalCapExceeded(req); msg != "" {
			trade := e.newTrade(req, key)
			trade.Status = models.TradeStatusFailed
			trade.ErrorMessage = msg
			e.persistTrade(ctx, trade)
			e.logger.Warn("Order blocked by notional cap", zap.String("symbol", req.Symbol), zap.String("reason", msg))
			metrics.RecordOrder(string(req.Market), string(req.Broker), string(req.Side), "capped")
			return resultFromTrade(trade, false), ErrNotionalCapExceeded
		}
	}

	if req.DryRun {
		return e.simulate(ctx, req, key)
	}

	client, err := e.registry.Resolve(req.Market, req.Broker)
	if err != nil {
		trade := e.newTrade(req, key)
		trade.Status = models.TradeStatusFailed
		trade.ErrorMessage = err.Error()
		e.persistTrade(ctx, trade)
		metrics.RecordOrder(string(req.Market), string(req.Broker), string(req.Side), "failed")
		return resultFromTrade(trade, false), err
	}

	order := broker.Order{
		Symbol:        req.Symbol,
		Market:        req.Market,
		Side:          req.Side,
		Type:          req.OrderType,
		Quantity:      req.Quantity,
		Price:         req.Price,
		ClientOrderID: uuid.NewString(),
	}

	callCtx, cancel := context.WithTimeout(ctx, orderTimeout)
	defer cancel()

	start := time.Now()
	placed, err := client.PlaceOrder(callCtx, order)
	metrics.OrderLatency.WithLabelValues(string(req.Broker)).Observe(time.Since(start).Seconds())

	if err != nil {
		trade := e.newTrade(req, key)
		trade.Status = models.TradeStatusFailed
		trade.ErrorMessage = err.Error()
		e.persistTrade(ctx, trade)
		e.logger.Error("Order placement failed",
			zap.String("symbol", req.Symbol),
			zap.String("broker", string(req.Broker)),
			zap.Error(err))
		metrics.RecordOrder(string(req.Market), string(req.Broker), string(req.Side), "failed")
		return resultFromTrade(trade, false), fmt.Errorf("place order for %s: %w", req.Symbol, err)
	}

	trade := e.newTrade(req, key)
	trade.Status = models.TradeStatusFilled
	trade.OrderID = placed.OrderID
	trade.ExecutedQty = placed.ExecutedQty
	trade.ExecutedPrice = placed.ExecutedPrice
	trade.Fee = placed.Fee
	trade.Tax = placed.Tax
	if placed.CostsKnown {
		trade.CostSource = models.CostSourceBroker
	}
	trade.Metadata = e.buildMetadata(req, placed.Raw)
	e.persistTrade(ctx, trade)
	e.applyFill(ctx, trade)

	e.logger.Info("Order filled",
		zap.String("symbol", req.Symbol),
		zap.String("broker", string(req.Broker)),
		zap.String("side", string(req.Side)),
		zap.String("order_id", placed.OrderID),
		zap.String("executed_qty", placed.ExecutedQty.String()),
		zap.String("executed_price", placed.ExecutedPrice.String()),
		zap.Bool("costs_known", placed.CostsKnown))
	metrics.RecordOrder(string(req.Market), string(req.Broker), string(req.Side), "filled")
	return resultFromTrade(trade, false), nil
}

// simulate settles a dry-run request at the reference price without touching
// the broker. Simulated fills still move the local position book so a paper
// session sees consistent sizing on later ticks.
func (e *Executor) simulate(ctx context.Context, req Request, key *string) (*Result, error) {
	trade := e.newTrade(req, key)
	trade.Status = models.TradeStatusSimulated
	trade.ExecutedQty = req.Quantity
	trade.ExecutedPrice = req.Price
	trade.Metadata = e.buildMetadata(req, nil)
	e.persistTrade(ctx, trade)
	e.applyFill(ctx, trade)

	e.logger.Info("Simulated order",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("qty", req.Quantity.String()),
		zap.String("price", req.Price.String()))
	metrics.RecordOrder(string(req.Market), string(req.Broker), string(req.Side), "simulated")
	return resultFromTrade(trade, false), nil
}

func (e *Executor) dedupeKey(req Request) *string {
	if req.SignalRef == "" {
		return nil
	}
	k := IdempotencyKey(req.Broker, req.Market, req.Symbol, req.Side, req.SignalRef)
	return &k
}

func (e *Executor) findByKey(ctx context.Context, key string) (*models.Trade, error) {
	var existing models.Trade
	err := e.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	return &existing, nil
}

// dailyCapReached counts today's filled and simulated trades across all
// markets. Failed attempts do not consume the budget.
func (e *Executor) dailyCapReached(ctx context.Context) (bool, error) {
	if e.cfg.MaxTradesPerDay <= 0 {
		return false, nil
	}
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var count int64
	err := e.db.WithContext(ctx).Model(&models.Trade{}).
		Where("status IN ? AND created_at >= ?",
			[]models.TradeStatus{models.TradeStatusFilled, models.TradeStatusSimulated}, midnight).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count today's trades: %w", err)
	}
	return count >= int64(e.cfg.MaxTradesPerDay), nil
}

func (e *Executor) notionalCapExceeded(req Request) string {
	if e.cfg.MaxNotionalPerTrade <= 0 {
		return ""
	}
	limit := decimal.NewFromFloat(e.cfg.MaxNotionalPerTrade)
	notional := req.Quantity.Mul(req.Price)
	if notional.GreaterThan(limit) {
		return fmt.Sprintf("notional %s exceeds per-trade limit %s", notional.String(), limit.String())
	}
	return ""
}

func (e *Executor) newTrade(req Request, key *string) *models.Trade {
	return &models.Trade{
		Symbol:         req.Symbol,
		Broker:         req.Broker,
		Market:         req.Market,
		Side:           req.Side,
		RequestedQty:   req.Quantity,
		RequestedPrice: req.Price,
		DryRun:         req.DryRun,
		IdempotencyKey: key,
		CostSource:     models.CostSourceUnavailable,
	}
}

func (e *Executor) buildMetadata(req Request, raw json.RawMessage) datatypes.JSON {
	meta := map[string]any{}
	if req.Reason != "" {
		meta["reason"] = req.Reason
	}
	if req.SignalRef != "" {
		meta["signal_ref"] = req.SignalRef
	}
	if len(raw) > 0 {
		meta["broker_response"] = json.RawMessage(raw)
	}
	if len(meta) == 0 {
		return nil
	}
	buf, err := json.Marshal(meta)
	if err != nil {
		e.logger.Warn("Failed to marshal trade metadata", zap.Error(err))
		return nil
	}
	return datatypes.JSON(buf)
}

// persistTrade writes the row, keeping the ledger authoritative even when a
// concurrent retry won the idempotency race. A duplicate key on a real fill
// means the broker already accepted both orders, so the second row is kept
// with its key stripped rather than losing a fill from the ledger.
func (e *Executor) persistTrade(ctx context.Context, trade *models.Trade) {
	err := e.db.WithContext(ctx).Create(trade).Error
	if err == nil {
		return
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) && trade.IdempotencyKey != nil {
		key := *trade.IdempotencyKey
		trade.IdempotencyKey = nil
		e.logger.Warn("Duplicate idempotency key at insert, keeping row without key",
			zap.String("symbol", trade.Symbol),
			zap.String("idempotency_key", key))
		if err = e.db.WithContext(ctx).Create(trade).Error; err == nil {
			return
		}
	}
	e.logger.Error("Failed to persist trade row",
		zap.String("symbol", trade.Symbol),
		zap.String("status", string(trade.Status)),
		zap.Error(err))
}

// applyFill folds an executed trade into the positions table. Buys raise the
// weighted average cost, sells reduce the open quantity and never take it
// below zero. Position bookkeeping failures are logged but do not fail the
// call; the broker order is already final at this point.
func (e *Executor) applyFill(ctx context.Context, trade *models.Trade) {
	if !trade.ExecutedQty.IsPositive() {
		return
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pos models.Position
		err := tx.Where("broker = ? AND market = ? AND symbol = ?",
			trade.Broker, trade.Market, trade.Symbol).First(&pos).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			pos = models.Position{
				Broker:  trade.Broker,
				Market:  trade.Market,
				Symbol:  trade.Symbol,
				AvgCost: decimal.Zero,
			}
		} else if err != nil {
			return err
		}

		if trade.Side == models.SideBuy {
			newQty := pos.Quantity.Add(trade.ExecutedQty)
			totalCost := pos.AvgCost.Mul(pos.Quantity).Add(trade.ExecutedPrice.Mul(trade.ExecutedQty))
			pos.AvgCost = totalCost.Div(newQty)
			pos.Quantity = newQty
		} else {
			pos.Quantity = pos.Quantity.Sub(trade.ExecutedQty)
			if pos.Quantity.IsNegative() {
				pos.Quantity = decimal.Zero
			}
		}
		return tx.Save(&pos).Error
	})
	if err != nil {
		e.logger.Error("Failed to update position after fill",
			zap.String("symbol", trade.Symbol),
			zap.String("side", string(trade.Side)),
			zap.Error(err))
	}
}

func resultFromTrade(trade *models.Trade, reused bool) *Result {
	return &Result{
		Success:       trade.Status == models.TradeStatusFilled || trade.Status == models.TradeStatusSimulated,
		Reused:        reused,
		DryRun:        trade.DryRun,
		TradeID:       trade.ID,
		OrderID:       trade.OrderID,
		ExecutedQty:   trade.ExecutedQty,
		ExecutedPrice: trade.ExecutedPrice,
		Error:         trade.ErrorMessage,
	}
}
