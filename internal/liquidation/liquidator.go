// Package liquidation performs the emergency unwind: sell every open
// position across every connected broker, best effort, and report what
// happened. It runs when the daily loss limit trips the circuit breaker or
// when an operator asks for a flat book.
package liquidation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"auto-trade-bot-go/internal/backoff"
	"auto-trade-bot-go/internal/broker"
	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/execution"
	"auto-trade-bot-go/internal/metrics"
	"auto-trade-bot-go/internal/models"
	"auto-trade-bot-go/internal/notify"
	"auto-trade-bot-go/internal/pricing"
)

// OrderPlacer is the slice of the executor the liquidator needs.
type OrderPlacer interface {
	Execute(ctx context.Context, req execution.Request) (*execution.Result, error)
}

// PriceSource supplies reference prices for market sells.
type PriceSource interface {
	LatestClose(ctx context.Context, market models.Market, symbol string) (decimal.Decimal, error)
}

// Notifier writes events to the notification outbox.
type Notifier interface {
	Publish(ctx context.Context, e notify.Event)
}

// Options controls one liquidation run.
type Options struct {
	// Reason is carried into trade metadata and the summary notification.
	Reason string
	// Markets limits the run; empty means every market.
	Markets []models.Market
	DryRun  bool
}

// SymbolResult is the outcome for one held symbol.
type SymbolResult struct {
	Broker   models.Broker
	Market   models.Market
	Symbol   string
	Quantity decimal.Decimal
	Sold     bool
	Skipped  bool
	Error    string
}

// Summary aggregates a full run. Failed counts symbols whose sell never went
// through after all retries; Errors collects broker-level faults that
// prevented a balance listing entirely.
type Summary struct {
	Sold    int
	Failed  int
	Skipped int
	Results []SymbolResult
	Errors  []string
}

// Liquidator sells open positions through the execution layer so every
// attempt lands in the trade ledger.
type Liquidator struct {
	registry *broker.Registry
	executor OrderPlacer
	prices   PriceSource
	outbox   Notifier
	cfg      *config.Liquidation
	logger   *zap.Logger
}

func NewLiquidator(registry *broker.Registry, executor OrderPlacer, prices PriceSource, outbox Notifier, cfg *config.Liquidation, logger *zap.Logger) *Liquidator {
	return &Liquidator{
		registry: registry,
		executor: executor,
		prices:   prices,
		outbox:   outbox,
		cfg:      cfg,
		logger:   logger.Named("liquidator"),
	}
}

// LiquidateAll sells the configured fraction of every holding. One symbol's
// failure never stops the rest; the run always completes and always reports.
func (l *Liquidator) LiquidateAll(ctx context.Context, opts Options) Summary {
	l.logger.Warn("Emergency liquidation started",
		zap.String("reason", opts.Reason),
		zap.Bool("dry_run", opts.DryRun))

	percent := decimal.NewFromFloat(l.cfg.Percent)
	if !percent.IsPositive() {
		percent = decimal.NewFromInt(1)
	}
	minQty := decimal.NewFromFloat(l.cfg.MinQuantity)

	var summary Summary
	for _, client := range l.registry.All() {
		for _, market := range client.Markets() {
			if !marketSelected(opts.Markets, market) {
				continue
			}
			balances, err := client.Balances(ctx, market)
			if err != nil {
				msg := fmt.Sprintf("%s/%s: list balances: %v", client.Name(), market, err)
				summary.Errors = append(summary.Errors, msg)
				l.logger.Error("Failed to list balances for liquidation",
					zap.String("broker", string(client.Name())),
					zap.String("market", string(market)),
					zap.Error(err))
				continue
			}
			for symbol, held := range balances {
				res := l.sellPosition(ctx, client.Name(), market, symbol, held.Mul(percent), minQty, opts)
				summary.Results = append(summary.Results, res)
				switch {
				case res.Skipped:
					summary.Skipped++
					metrics.LiquidationResults.WithLabelValues("skipped").Inc()
				case res.Sold:
					summary.Sold++
					metrics.LiquidationResults.WithLabelValues("success").Inc()
				default:
					summary.Failed++
					metrics.LiquidationResults.WithLabelValues("failed").Inc()
				}
			}
		}
	}

	// Map iteration above is unordered; sort for stable summaries.
	sort.Slice(summary.Results, func(i, j int) bool {
		a, b := summary.Results[i], summary.Results[j]
		if a.Broker != b.Broker {
			return a.Broker < b.Broker
		}
		if a.Market != b.Market {
			return a.Market < b.Market
		}
		return a.Symbol < b.Symbol
	})

	l.notifySummary(ctx, opts, &summary)
	l.logger.Warn("Emergency liquidation finished",
		zap.Int("sold", summary.Sold),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	return summary
}

// sellPosition market-sells one symbol with per-symbol retry. The backoff is
// local to the symbol so one stubborn order never delays the others' retries.
func (l *Liquidator) sellPosition(ctx context.Context, brk models.Broker, market models.Market, symbol string, qty, minQty decimal.Decimal, opts Options) SymbolResult {
	qty = pricing.QuantizeQty(market, qty)
	result := SymbolResult{Broker: brk, Market: market, Symbol: symbol, Quantity: qty}

	if !qty.IsPositive() || qty.LessThan(minQty) {
		result.Skipped = true
		l.logger.Info("Skipping dust position",
			zap.String("symbol", symbol),
			zap.String("qty", qty.String()))
		return result
	}

	price, err := l.prices.LatestClose(ctx, market, symbol)
	if err != nil {
		// Market sells go through without a reference; only simulated
		// fills and overseas limit fallbacks care about the price.
		l.logger.Warn("No reference price for liquidation sell",
			zap.String("symbol", symbol), zap.Error(err))
		price = decimal.Zero
	}

	req := execution.Request{
		Symbol:     symbol,
		Market:     market,
		Broker:     brk,
		Side:       models.SideSell,
		OrderType:  broker.OrderTypeMarket,
		Quantity:   qty,
		Price:      price,
		DryRun:     opts.DryRun,
		Reason:     "liquidation: " + opts.Reason,
		BypassCaps: true,
	}

	attempts := l.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	bo := backoff.New(time.Duration(l.cfg.BaseDelayMS)*time.Millisecond, 0)

	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := l.executor.Execute(ctx, req)
		if err == nil && res.Success {
			result.Sold = true
			result.Quantity = res.ExecutedQty
			return result
		}
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Error = res.Error
		}
		l.logger.Warn("Liquidation sell attempt failed",
			zap.String("symbol", symbol),
			zap.Int("attempt", attempt),
			zap.String("error", result.Error))
		if attempt < attempts {
			select {
			case <-ctx.Done():
				result.Error = ctx.Err().Error()
				return result
			case <-time.After(bo.Next()):
			}
		}
	}
	return result
}

func (l *Liquidator) notifySummary(ctx context.Context, opts Options, s *Summary) {
	l.outbox.Publish(ctx, notify.Event{
		Type:     "liquidation_completed",
		Severity: models.SeverityHigh,
		Title:    "Emergency liquidation completed",
		Message: fmt.Sprintf("sold %d, failed %d, skipped %d (reason: %s)",
			s.Sold, s.Failed, s.Skipped, opts.Reason),
		Payload: map[string]any{
			"sold":    s.Sold,
			"failed":  s.Failed,
			"skipped": s.Skipped,
			"errors":  s.Errors,
			"reason":  opts.Reason,
			"dry_run": opts.DryRun,
		},
	})
}

func marketSelected(selected []models.Market, m models.Market) bool {
	if len(selected) == 0 {
		return true
	}
	for _, s := range selected {
		if s == m {
			return true
		}
	}
	return false
}
