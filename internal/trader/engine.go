// Package trader runs the per-market control loops: wake on a timer, gate on
// the system guard, turn fresh signals into risk-checked orders, and sweep
// open positions for stop-loss/take-profit exits.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"auto-trade-bot-go/internal/account"
	"auto-trade-bot-go/internal/audit"
	"auto-trade-bot-go/internal/broker"
	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/execution"
	"auto-trade-bot-go/internal/liquidation"
	"auto-trade-bot-go/internal/metrics"
	"auto-trade-bot-go/internal/models"
	"auto-trade-bot-go/internal/pricing"
	"auto-trade-bot-go/internal/risk"
	"auto-trade-bot-go/internal/rules"
)

// errTradingHalted aborts the rest of a tick after the failure counter trips
// the breaker mid-loop.
var errTradingHalted = errors.New("trader: circuit breaker tripped mid-tick")

// GuardService is the circuit breaker surface the engine drives.
type GuardService interface {
	Ensure(ctx context.Context) (bool, error)
	RecordFailure(ctx context.Context, cause string) (bool, error)
	RecordSuccess(ctx context.Context) error
	CheckDailyLoss(ctx context.Context, market models.Market, dailyPnL, equity decimal.Decimal) (bool, error)
}

// AccountReader supplies account, position and price state.
type AccountReader interface {
	Snapshot(ctx context.Context, broker models.Broker, market models.Market) (*account.Snapshot, error)
	DailyPnL(ctx context.Context, broker models.Broker, market models.Market, now time.Time) (decimal.Decimal, error)
	OpenPositions(ctx context.Context, market models.Market) ([]models.Position, error)
	OpenPosition(ctx context.Context, broker models.Broker, market models.Market, symbol string) (*models.Position, error)
	LatestClose(ctx context.Context, market models.Market, symbol string) (decimal.Decimal, error)
	RecentCandles(ctx context.Context, market models.Market, symbol string, count int) ([]models.Candle, error)
}

// RiskGatekeeper validates and sizes entries.
type RiskGatekeeper interface {
	ValidateTradeRisk(ctx context.Context, in risk.Input) (*risk.Validation, error)
}

// OrderExecutor places orders and owns the trade ledger.
type OrderExecutor interface {
	Execute(ctx context.Context, req execution.Request) (*execution.Result, error)
}

// AuditLogger records entry intent.
type AuditLogger interface {
	LogEntry(ctx context.Context, rec audit.EntryRecord) (string, error)
}

// Liquidator unwinds all positions on a daily-loss trip.
type Liquidator interface {
	LiquidateAll(ctx context.Context, opts liquidation.Options) liquidation.Summary
}

// Engine composes the trading pipeline and schedules it per market.
type Engine struct {
	logger     *zap.Logger
	cfg        *config.Config
	db         *gorm.DB
	account    AccountReader
	guard      GuardService
	gatekeeper RiskGatekeeper
	rules      *rules.Engine
	executor   OrderExecutor
	auditLog   AuditLogger
	liquidator Liquidator

	// now is replaceable so market-hours gating is testable.
	now   func() time.Time
	locks map[models.Market]*sync.Mutex
}

// NewEngine creates a new trading engine.
func NewEngine(
	logger *zap.Logger,
	cfg *config.Config,
	db *gorm.DB,
	accountReader AccountReader,
	guardSvc GuardService,
	gatekeeper RiskGatekeeper,
	ruleEngine *rules.Engine,
	executor OrderExecutor,
	auditLog AuditLogger,
	liquidator Liquidator,
) *Engine {
	locks := make(map[models.Market]*sync.Mutex, len(models.AllMarkets))
	for _, m := range models.AllMarkets {
		locks[m] = &sync.Mutex{}
	}
	return &Engine{
		logger:     logger.Named("engine"),
		cfg:        cfg,
		db:         db,
		account:    accountReader,
		guard:      guardSvc,
		gatekeeper: gatekeeper,
		rules:      ruleEngine,
		executor:   executor,
		auditLog:   auditLog,
		liquidator: liquidator,
		now:        time.Now,
		locks:      locks,
	}
}

// Run starts one loop per enabled market and blocks until the context ends.
func (e *Engine) Run(ctx context.Context) {
	if !e.cfg.App.Enabled {
		e.logger.Warn("Trading disabled by configuration, engine idle")
		<-ctx.Done()
		return
	}

	loops := map[models.Market]config.MarketLoop{
		models.MarketCrypto: e.cfg.Markets.Crypto,
		models.MarketKRX:    e.cfg.Markets.KRX,
		models.MarketUS:     e.cfg.Markets.US,
	}

	var wg sync.WaitGroup
	for market, loop := range loops {
		if !loop.Enabled {
			e.logger.Info("Market loop disabled", zap.String("market", string(market)))
			continue
		}
		wg.Add(1)
		go func(market models.Market, interval time.Duration) {
			defer wg.Done()
			e.runMarketLoop(ctx, market, interval)
		}(market, time.Duration(loop.IntervalSeconds)*time.Second)
	}
	wg.Wait()
	e.logger.Info("All market loops stopped")
}

func (e *Engine) runMarketLoop(ctx context.Context, market models.Market, interval time.Duration) {
	logger := e.logger.With(zap.String("market", string(market)))
	logger.Info("Market loop started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Market loop stopped")
			return
		case <-ticker.C:
			e.TickOnce(ctx, market)
		}
	}
}

// TickOnce runs a single guarded tick for one market. An overlapping call
// for the same market is skipped, never queued: skipping is always safe (the
// next tick retries) while concurrent mutation of one market's positions is
// not. One market's failure never touches another's loop.
func (e *Engine) TickOnce(ctx context.Context, market models.Market) {
	mu := e.locks[market]
	if !mu.TryLock() {
		e.logger.Warn("Previous tick still running, skipping",
			zap.String("market", string(market)))
		metrics.RecordTick(string(market), "skipped", 0)
		return
	}
	defer mu.Unlock()

	if e.cfg.Markets.HoursGating && !MarketOpen(market, e.now()) {
		metrics.RecordTick(string(market), "closed", 0)
		return
	}

	start := time.Now()
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			e.logger.Error("Tick panicked",
				zap.String("market", string(market)),
				zap.Any("panic", r))
		}
		metrics.RecordTick(string(market), result, time.Since(start))
	}()

	res, err := e.tick(ctx, market)
	if err != nil {
		result = "error"
		e.logger.Error("Tick failed",
			zap.String("market", string(market)),
			zap.Error(err))
		return
	}
	result = res
}

// tick is one pass of the pipeline: guard gate, daily loss check, signal
// candidates, then the exit sweep. Candidates are processed strictly one at
// a time so sizing reads are never stale relative to an execution earlier in
// the same tick.
func (e *Engine) tick(ctx context.Context, market models.Market) (string, error) {
	logger := e.logger.With(zap.String("market", string(market)))

	// 1. Circuit breaker gate.
	enabled, err := e.guard.Ensure(ctx)
	if err != nil {
		return "error", fmt.Errorf("guard check: %w", err)
	}
	metrics.SetBreaker(!enabled)
	if !enabled {
		logger.Info("Trading disabled by system guard, skipping tick")
		return "disabled", nil
	}

	brk := brokerFor(market)

	// 2. Account state and the daily loss limit.
	snap, err := e.account.Snapshot(ctx, brk, market)
	if err != nil {
		return "error", fmt.Errorf("account snapshot: %w", err)
	}
	pnl, err := e.account.DailyPnL(ctx, brk, market, e.now())
	if err != nil {
		return "error", fmt.Errorf("daily pnl: %w", err)
	}
	equity, _ := snap.Equity.Float64()
	pnlF, _ := pnl.Float64()
	metrics.EquityGauge.WithLabelValues(string(market)).Set(equity)
	metrics.DailyPnLGauge.WithLabelValues(string(market)).Set(pnlF)

	tripped, err := e.guard.CheckDailyLoss(ctx, market, pnl, snap.Equity)
	if err != nil {
		logger.Warn("Daily loss check failed", zap.Error(err))
	}
	if tripped {
		metrics.SetBreaker(true)
		e.liquidator.LiquidateAll(ctx, liquidation.Options{
			Reason: fmt.Sprintf("daily loss limit breached on %s", market),
			DryRun: e.cfg.App.DryRun,
		})
		return "tripped", nil
	}

	// 3. Fresh signals, ranked, one at a time.
	candidates, err := e.collectCandidates(ctx, market, brk)
	if err != nil {
		return "error", err
	}
	rules.Rank(candidates)

	handled := make(map[string]bool)
	for i := range candidates {
		cand := &candidates[i]
		metrics.SignalsTotal.WithLabelValues(string(market), string(cand.Result.Action)).Inc()
		if !cand.Result.Action.Executable() {
			logger.Debug("Signal not executable",
				zap.String("symbol", cand.Signal.Symbol),
				zap.String("action", string(cand.Result.Action)),
				zap.String("reason", cand.Result.Reason))
			continue
		}
		handled[cand.Signal.Symbol] = true

		err := e.processCandidate(ctx, market, brk, cand)
		switch {
		case err == nil:
		case errors.Is(err, execution.ErrDailyCapReached):
			// A policy stop, not a failure. Exits still run below.
			logger.Warn("Daily trade cap reached, no more entries this tick")
		case errors.Is(err, execution.ErrNotionalCapExceeded):
			logger.Warn("Trade over notional cap, skipping candidate",
				zap.String("symbol", cand.Signal.Symbol))
		case errors.Is(err, errTradingHalted):
			logger.Warn("Breaker tripped mid-tick, abandoning remaining candidates")
			return "tripped", nil
		default:
			logger.Error("Candidate processing failed",
				zap.String("symbol", cand.Signal.Symbol),
				zap.Error(err))
		}
		if errors.Is(err, execution.ErrDailyCapReached) {
			break
		}
	}

	// 4. Stop-loss/take-profit sweep over positions without a fresh signal.
	if err := e.sweepExits(ctx, market, brk, handled); err != nil {
		if errors.Is(err, errTradingHalted) {
			return "tripped", nil
		}
		logger.Error("Exit sweep failed", zap.Error(err))
	}

	return "ok", nil
}

// collectCandidates drains unconsumed signals and attaches a rule verdict to
// each, using the caller's position and latest price state.
func (e *Engine) collectCandidates(ctx context.Context, market models.Market, brk models.Broker) ([]rules.Candidate, error) {
	signals, err := e.takeSignals(ctx, market)
	if err != nil {
		return nil, err
	}

	candidates := make([]rules.Candidate, 0, len(signals))
	for _, sig := range signals {
		pos, err := e.account.OpenPosition(ctx, brk, market, sig.Symbol)
		if err != nil {
			e.logger.Warn("Position lookup failed for signal",
				zap.String("symbol", sig.Symbol), zap.Error(err))
			continue
		}
		price, err := e.account.LatestClose(ctx, market, sig.Symbol)
		if err != nil {
			// No collector data yet; the signal's own reference is the
			// best available price.
			price = sig.EntryPrice
		}

		in := rules.Input{
			Decision:        sig.Decision,
			Confidence:      sig.Confidence,
			HasOpenPosition: pos != nil,
			CurrentPrice:    price,
		}
		if pos != nil {
			in.AvgCost = pos.AvgCost
		}
		candidates = append(candidates, rules.Candidate{Signal: sig, Result: e.rules.Decide(in)})
	}
	return candidates, nil
}

// takeSignals fetches unconsumed signals for the market and marks them
// consumed before any processing: a signal gets exactly one shot, even if
// the tick dies halfway through.
func (e *Engine) takeSignals(ctx context.Context, market models.Market) ([]models.Signal, error) {
	var signals []models.Signal
	err := e.db.WithContext(ctx).
		Where("market = ? AND consumed_at IS NULL", market).
		Order("created_at ASC").
		Find(&signals).Error
	if err != nil {
		return nil, fmt.Errorf("fetch signals: %w", err)
	}
	if len(signals) == 0 {
		return nil, nil
	}

	ids := make([]uint, len(signals))
	for i := range signals {
		ids[i] = signals[i].ID
	}
	now := e.now()
	err = e.db.WithContext(ctx).Model(&models.Signal{}).
		Where("id IN ? AND consumed_at IS NULL", ids).
		Update("consumed_at", now).Error
	if err != nil {
		return nil, fmt.Errorf("mark signals consumed: %w", err)
	}
	for i := range signals {
		signals[i].ConsumedAt = &now
	}

	e.logger.Info("Signals taken for processing",
		zap.String("market", string(market)),
		zap.Int("count", len(signals)))
	return signals, nil
}

func (e *Engine) processCandidate(ctx context.Context, market models.Market, brk models.Broker, cand *rules.Candidate) error {
	sig := &cand.Signal
	switch cand.Result.Action {
	case models.ActionBuy:
		return e.enterPosition(ctx, market, brk, sig, cand.Result)
	case models.ActionSell:
		pos, err := e.account.OpenPosition(ctx, brk, market, sig.Symbol)
		if err != nil {
			return fmt.Errorf("position lookup: %w", err)
		}
		if pos == nil {
			e.logger.Info("Exit signal without open position, nothing to do",
				zap.String("symbol", sig.Symbol))
			return nil
		}
		return e.exitPosition(ctx, market, brk, pos, cand.Result.Reason, signalRef(sig))
	}
	return nil
}

// enterPosition runs one BUY candidate through the risk gate and executor.
func (e *Engine) enterPosition(ctx context.Context, market models.Market, brk models.Broker, sig *models.Signal, verdict rules.Result) error {
	logger := e.logger.With(
		zap.String("market", string(market)),
		zap.String("symbol", sig.Symbol))

	entry := sig.EntryPrice
	if latest, err := e.account.LatestClose(ctx, market, sig.Symbol); err == nil && latest.IsPositive() {
		entry = latest
	}
	if !entry.IsPositive() {
		logger.Warn("No usable entry price for signal, skipping")
		return nil
	}

	stop, target := e.protectivePrices(ctx, market, sig, entry)
	if !stop.IsPositive() {
		logger.Warn("No usable stop price for signal, skipping")
		return nil
	}
	// The signal snapshot handed to the audit trail carries the derived
	// prices; the signal row itself stays untouched.
	sig.StopLoss = stop
	sig.TargetPrice = target

	validation, err := e.gatekeeper.ValidateTradeRisk(ctx, risk.Input{
		Symbol:     sig.Symbol,
		Market:     market,
		Broker:     brk,
		Entry:      entry,
		StopLoss:   stop,
		Confidence: sig.Confidence,
	})
	if err != nil {
		return fmt.Errorf("risk validation: %w", err)
	}
	if !validation.Approved {
		logger.Info("Trade rejected by risk gate",
			zap.Strings("violations", validation.Violations))
		return nil
	}

	res, err := e.executor.Execute(ctx, execution.Request{
		Symbol:    sig.Symbol,
		Market:    market,
		Broker:    brk,
		Side:      models.SideBuy,
		OrderType: broker.OrderTypeMarket,
		Quantity:  validation.PositionSize,
		Price:     entry,
		DryRun:    e.cfg.App.DryRun,
		SignalRef: signalRef(sig),
		Reason:    verdict.Reason,
	})
	if err != nil {
		if errors.Is(err, execution.ErrDailyCapReached) || errors.Is(err, execution.ErrNotionalCapExceeded) {
			return err
		}
		return e.recordExecutionFailure(ctx, logger, err)
	}
	if res.Reused {
		logger.Info("Duplicate signal, existing trade reused", zap.Uint("trade_id", res.TradeID))
		return nil
	}
	if err := e.guard.RecordSuccess(ctx); err != nil {
		logger.Warn("Failed to reset failure counter", zap.Error(err))
	}

	e.auditEntry(ctx, sig, validation, res, verdict.Reason)
	logger.Info("Entered position",
		zap.String("qty", res.ExecutedQty.String()),
		zap.String("price", res.ExecutedPrice.String()),
		zap.Bool("dry_run", res.DryRun))
	return nil
}

// exitPosition sells the whole open quantity at market. Exits bypass the
// trade caps: a capital-protection order must not queue behind the day's
// entry budget.
func (e *Engine) exitPosition(ctx context.Context, market models.Market, brk models.Broker, pos *models.Position, reason, ref string) error {
	logger := e.logger.With(
		zap.String("market", string(market)),
		zap.String("symbol", pos.Symbol))

	price, err := e.account.LatestClose(ctx, market, pos.Symbol)
	if err != nil {
		price = decimal.Zero
	}

	res, err := e.executor.Execute(ctx, execution.Request{
		Symbol:     pos.Symbol,
		Market:     market,
		Broker:     brk,
		Side:       models.SideSell,
		OrderType:  broker.OrderTypeMarket,
		Quantity:   pos.Quantity,
		Price:      price,
		DryRun:     e.cfg.App.DryRun,
		SignalRef:  ref,
		Reason:     reason,
		BypassCaps: true,
	})
	if err != nil {
		return e.recordExecutionFailure(ctx, logger, err)
	}
	if !res.Reused {
		if err := e.guard.RecordSuccess(ctx); err != nil {
			logger.Warn("Failed to reset failure counter", zap.Error(err))
		}
	}
	logger.Info("Position exit placed",
		zap.String("qty", res.ExecutedQty.String()),
		zap.String("reason", reason))
	return nil
}

// recordExecutionFailure feeds the guard's consecutive-failure counter. The
// failed trade row already exists; a tick only stops early when the counter
// trips the breaker.
func (e *Engine) recordExecutionFailure(ctx context.Context, logger *zap.Logger, cause error) error {
	logger.Error("Order execution failed", zap.Error(cause))
	tripped, err := e.guard.RecordFailure(ctx, cause.Error())
	if err != nil {
		logger.Error("Failed to record execution failure", zap.Error(err))
		return nil
	}
	if tripped {
		return errTradingHalted
	}
	return nil
}

// sweepExits applies the price-based exit rules to open positions that had
// no fresh signal this tick. The rules run with a neutral decision at full
// confidence so only the stop-loss/take-profit bands decide.
func (e *Engine) sweepExits(ctx context.Context, market models.Market, brk models.Broker, handled map[string]bool) error {
	positions, err := e.account.OpenPositions(ctx, market)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	for i := range positions {
		pos := &positions[i]
		if handled[pos.Symbol] || pos.Broker != brk {
			continue
		}
		price, err := e.account.LatestClose(ctx, market, pos.Symbol)
		if err != nil {
			e.logger.Debug("No price for exit sweep",
				zap.String("symbol", pos.Symbol))
			continue
		}

		verdict := e.rules.Decide(rules.Input{
			Decision:        models.DecisionHold,
			Confidence:      decimal.NewFromInt(1),
			HasOpenPosition: true,
			AvgCost:         pos.AvgCost,
			CurrentPrice:    price,
		})
		if verdict.Action != models.ActionSell {
			continue
		}
		e.logger.Info("Exit sweep triggered",
			zap.String("symbol", pos.Symbol),
			zap.String("reason", verdict.Reason),
			zap.String("unrealized_return", verdict.UnrealizedReturn.String()))
		if err := e.exitPosition(ctx, market, brk, pos, verdict.Reason, ""); err != nil {
			return err
		}
	}
	return nil
}

// protectivePrices fills in the stop and target when the signal left them
// out: ATR-derived stop when there is enough candle history, flat percentage
// fallback otherwise, both clamped into the risk gate's allowed range.
func (e *Engine) protectivePrices(ctx context.Context, market models.Market, sig *models.Signal, entry decimal.Decimal) (stop, target decimal.Decimal) {
	stop = sig.StopLoss
	target = sig.TargetPrice
	if stop.IsPositive() && target.IsPositive() {
		return stop, target
	}

	minPct, maxPct := risk.StopRange(market)
	if !stop.IsPositive() {
		if atrStop, ok := e.atrStop(ctx, market, sig.Symbol, entry, minPct, maxPct); ok {
			stop = atrStop
		} else {
			pct := decimal.NewFromFloat(e.cfg.Trading.StopLossPct)
			if pct.LessThan(minPct) {
				pct = minPct
			}
			if pct.GreaterThan(maxPct) {
				pct = maxPct
			}
			stop = entry.Mul(decimal.NewFromInt(1).Sub(pct))
		}
	}
	if !target.IsPositive() {
		target = pricing.Target(entry, entry.Sub(stop),
			decimal.NewFromFloat(e.cfg.Trading.RewardMultiple), pricing.Long)
	}
	return pricing.QuantizePrice(market, stop), pricing.QuantizePrice(market, target)
}

func (e *Engine) atrStop(ctx context.Context, market models.Market, symbol string, entry, minPct, maxPct decimal.Decimal) (decimal.Decimal, bool) {
	candles, err := e.account.RecentCandles(ctx, market, symbol, e.cfg.Trading.ATRPeriod+1)
	if err != nil {
		return decimal.Zero, false
	}
	atr, err := pricing.ATR(candles, e.cfg.Trading.ATRPeriod)
	if err != nil {
		return decimal.Zero, false
	}
	res, err := pricing.StopLoss(entry, atr,
		decimal.NewFromFloat(e.cfg.Trading.ATRMultiplier), minPct, maxPct, pricing.Long)
	if err != nil {
		return decimal.Zero, false
	}
	return res.Price, true
}

// auditEntry writes the ACE row for a fresh entry. Audit failures are loud
// but never unwind an already-placed order.
func (e *Engine) auditEntry(ctx context.Context, sig *models.Signal, validation *risk.Validation, res *execution.Result, reason string) {
	var trade *models.Trade
	if res.TradeID != 0 {
		var row models.Trade
		if err := e.db.WithContext(ctx).First(&row, res.TradeID).Error; err == nil {
			trade = &row
		}
	}
	if _, err := e.auditLog.LogEntry(ctx, audit.EntryRecord{
		Signal:     sig,
		Validation: validation,
		Trade:      trade,
		Reason:     reason,
	}); err != nil {
		e.logger.Error("Failed to write audit entry",
			zap.String("symbol", sig.Symbol),
			zap.Error(err))
	}
}

// signalRef prefers the originating analysis id so a re-emitted analysis
// dedupes across signal rows; the row id covers feeds that do not set one.
func signalRef(sig *models.Signal) string {
	if sig.AnalysisID != nil && *sig.AnalysisID != "" {
		return *sig.AnalysisID
	}
	return fmt.Sprintf("signal-%d", sig.ID)
}

func brokerFor(market models.Market) models.Broker {
	if market == models.MarketCrypto {
		return models.BrokerUpbit
	}
	return models.BrokerKIS
}

// Session timezones. Holidays are not modeled; an off-day order simply fails
// at the broker.
var (
	seoulTZ = mustLoadLocation("Asia/Seoul")
	nyTZ    = mustLoadLocation("America/New_York")
)

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// MarketOpen reports whether a market is in its regular session: crypto
// never closes, KRX trades 09:00-15:30 KST and US 09:30-16:00 ET, weekdays.
func MarketOpen(market models.Market, now time.Time) bool {
	switch market {
	case models.MarketCrypto:
		return true
	case models.MarketKRX:
		return inSession(now.In(seoulTZ), 9, 0, 15, 30)
	case models.MarketUS:
		return inSession(now.In(nyTZ), 9, 30, 16, 0)
	}
	return false
}

func inSession(t time.Time, openH, openM, closeH, closeM int) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	mins := t.Hour()*60 + t.Minute()
	return mins >= openH*60+openM && mins < closeH*60+closeM
}
