// Package risk is the gate between a trading decision and real money: an
// ordered pipeline of circuit breaker, event risk, position sizing, leverage,
// exposure, and stop-range checks. The breaker and event gates short-circuit;
// everything after sizing accumulates violations so the caller sees the full
// picture in one verdict.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"auto-trade-bot-go/internal/account"
	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/models"
	"auto-trade-bot-go/internal/pricing"
)

// eventRiskWindow is how far ahead the event-risk gate looks.
const eventRiskWindow = 24 * time.Hour

// Stop distance bounds as a fraction of entry. Crypto's ceiling is wider to
// match its volatility.
var (
	stopRangeMin       = decimal.NewFromFloat(0.005)
	stopRangeMaxEquity = decimal.NewFromFloat(0.05)
	stopRangeMaxCrypto = decimal.NewFromFloat(0.15)

	two = decimal.NewFromInt(2)
)

// StopRange returns the allowed stop distance bounds for a market. Stop
// derivation must clamp into the same range the gate enforces or computed
// stops would be rejected by their own pipeline.
func StopRange(market models.Market) (min, max decimal.Decimal) {
	if market == models.MarketCrypto {
		return stopRangeMin, stopRangeMaxCrypto
	}
	return stopRangeMin, stopRangeMaxEquity
}

// AccountReader is the account state the gatekeeper sizes against.
type AccountReader interface {
	Snapshot(ctx context.Context, broker models.Broker, market models.Market) (*account.Snapshot, error)
}

// Breaker is the circuit breaker gate.
type Breaker interface {
	Ensure(ctx context.Context) (bool, error)
}

// Input is one proposed entry to validate.
type Input struct {
	Symbol     string
	Market     models.Market
	Broker     models.Broker
	Entry      decimal.Decimal
	StopLoss   decimal.Decimal
	Confidence decimal.Decimal
}

// LeverageCheck reports the would-be leverage after the proposed entry.
type LeverageCheck struct {
	SymbolLeverage    decimal.Decimal
	PortfolioLeverage decimal.Decimal
	Passed            bool
}

// ExposureCheck reports the would-be exposure after the proposed entry.
type ExposureCheck struct {
	SymbolExposurePct decimal.Decimal
	TotalExposurePct  decimal.Decimal
	Passed            bool
}

// Validation is the gatekeeper's verdict. Approved is true exactly when
// Violations is empty; Warnings never block.
type Validation struct {
	Approved             bool
	PositionSize         decimal.Decimal
	PositionValue        decimal.Decimal
	Violations           []string
	Warnings             []string
	CircuitBreakerActive bool
	LimitedByMaxExposure bool
	EventRiskHalved      bool
	StopDistancePct      decimal.Decimal
	AccountEquity        decimal.Decimal
	Leverage             LeverageCheck
	Exposure             ExposureCheck
}

// Gatekeeper validates proposed trades against the risk policy.
type Gatekeeper struct {
	account  AccountReader
	breaker  Breaker
	calendar EventCalendar
	db       *gorm.DB
	logger   *zap.Logger

	riskPct         decimal.Decimal
	maxPositionPct  decimal.Decimal
	maxTotalPct     decimal.Decimal
	maxSymbolLev    decimal.Decimal
	maxPortfolioLev decimal.Decimal
}

// NewGatekeeper creates a new risk gatekeeper. calendar may be nil to run
// without the event-risk gate.
func NewGatekeeper(acct AccountReader, breaker Breaker, calendar EventCalendar, db *gorm.DB, cfg *config.Trading, logger *zap.Logger) *Gatekeeper {
	return &Gatekeeper{
		account:         acct,
		breaker:         breaker,
		calendar:        calendar,
		db:              db,
		logger:          logger.Named("risk"),
		riskPct:         decimal.NewFromFloat(cfg.RiskPct),
		maxPositionPct:  decimal.NewFromFloat(cfg.MaxPositionExposurePct),
		maxTotalPct:     decimal.NewFromFloat(cfg.MaxTotalExposurePct),
		maxSymbolLev:    decimal.NewFromFloat(cfg.MaxSymbolLeverage),
		maxPortfolioLev: decimal.NewFromFloat(cfg.MaxPortfolioLeverage),
	}
}

// ValidateTradeRisk runs the ordered checks against one proposed entry.
// An infrastructure failure (store unreachable) is an error; a policy
// rejection is a normal Validation with Approved=false.
func (g *Gatekeeper) ValidateTradeRisk(ctx context.Context, in Input) (*Validation, error) {
	v := &Validation{}

	// 1. Circuit breaker. Active breaker rejects with exactly one violation
	// and runs nothing downstream.
	enabled, err := g.breaker.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		v.CircuitBreakerActive = true
		v.reject("circuit breaker active")
		g.recordEvent(ctx, in, models.RiskEventCircuitBreaker, models.SeverityCritical, map[string]any{
			"reason": "validation rejected while circuit breaker active",
		})
		return v, nil
	}

	// 2. Event risk. A read failure here downgrades to a warning rather than
	// blocking all trading on a broken calendar table.
	halveSize := false
	if g.calendar != nil {
		event, err := g.calendar.UpcomingEvent(ctx, in.Market, in.Symbol, eventRiskWindow)
		if err != nil {
			g.logger.Warn("Event calendar unavailable, skipping event-risk gate", zap.Error(err))
			v.Warnings = append(v.Warnings, "event calendar unavailable")
		} else if event != nil {
			switch event.Severity {
			case models.SeverityCritical:
				v.reject(fmt.Sprintf("imminent %s for %s at %s", event.EventType, in.Symbol, event.ScheduledAt.Format(time.RFC3339)))
				g.recordEvent(ctx, in, models.RiskEventEventRisk, models.SeverityMedium, map[string]any{
					"event_type":   event.EventType,
					"scheduled_at": event.ScheduledAt,
				})
				return v, nil
			case models.SeverityHigh:
				halveSize = true
				v.EventRiskHalved = true
				v.Warnings = append(v.Warnings, fmt.Sprintf("position halved: %s scheduled at %s", event.EventType, event.ScheduledAt.Format(time.RFC3339)))
			}
		}
	}

	// 3. Position sizing.
	snap, err := g.account.Snapshot(ctx, in.Broker, in.Market)
	if err != nil {
		return nil, err
	}
	v.AccountEquity = snap.Equity

	if !snap.Equity.IsPositive() {
		v.reject("no account equity")
		g.recordEvent(ctx, in, models.RiskEventExposureLimit, models.SeverityMedium, map[string]any{
			"equity": snap.Equity,
		})
		return v, nil
	}
	if !in.Entry.IsPositive() {
		v.reject("entry price must be positive")
		g.recordEvent(ctx, in, models.RiskEventStopLossViolation, models.SeverityMedium, map[string]any{
			"entry": in.Entry,
		})
		return v, nil
	}
	stopDistance := in.Entry.Sub(in.StopLoss).Abs()
	if stopDistance.IsZero() {
		v.reject("stop distance is zero")
		g.recordEvent(ctx, in, models.RiskEventStopLossViolation, models.SeverityMedium, map[string]any{
			"entry": in.Entry, "stop": in.StopLoss,
		})
		return v, nil
	}

	riskAmount := snap.Equity.Mul(g.riskPct)
	size := riskAmount.Div(stopDistance)
	if halveSize {
		size = size.Div(two)
	}
	size = pricing.QuantizeQty(in.Market, size)
	value := size.Mul(in.Entry)

	positionCap := snap.Equity.Mul(g.maxPositionPct)
	if value.GreaterThan(positionCap) {
		size = pricing.QuantizeQty(in.Market, positionCap.Div(in.Entry))
		value = size.Mul(in.Entry)
		v.LimitedByMaxExposure = true
		v.Warnings = append(v.Warnings, fmt.Sprintf("position capped at %s%% of equity", g.maxPositionPct.Mul(decimal.NewFromInt(100))))
	}
	if !size.IsPositive() {
		v.reject("position size rounds to zero")
		return v, nil
	}
	v.PositionSize = size
	v.PositionValue = value

	// Existing exposure in this symbol, marked at the proposed entry price.
	existingSymbolValue := decimal.Zero
	for _, p := range snap.Positions {
		if p.Symbol == in.Symbol {
			existingSymbolValue = existingSymbolValue.Add(p.Quantity.Mul(in.Entry))
		}
	}
	symbolExposure := existingSymbolValue.Add(value)
	totalExposure := snap.PositionValue.Add(value)

	// 4. Leverage. Violations accumulate; later checks still run.
	v.Leverage.SymbolLeverage = symbolExposure.Div(snap.Equity)
	v.Leverage.PortfolioLeverage = totalExposure.Div(snap.Equity)
	v.Leverage.Passed = true
	if v.Leverage.SymbolLeverage.GreaterThan(g.maxSymbolLev) {
		v.Leverage.Passed = false
		v.reject(fmt.Sprintf("symbol leverage %s exceeds limit %s", v.Leverage.SymbolLeverage.StringFixed(2), g.maxSymbolLev.StringFixed(2)))
	}
	if v.Leverage.PortfolioLeverage.GreaterThan(g.maxPortfolioLev) {
		v.Leverage.Passed = false
		v.reject(fmt.Sprintf("portfolio leverage %s exceeds limit %s", v.Leverage.PortfolioLeverage.StringFixed(2), g.maxPortfolioLev.StringFixed(2)))
	}
	if !v.Leverage.Passed {
		g.recordEvent(ctx, in, models.RiskEventLeverageViolation, models.SeverityMedium, map[string]any{
			"symbol_leverage":    v.Leverage.SymbolLeverage,
			"portfolio_leverage": v.Leverage.PortfolioLeverage,
		})
	}

	// 5. Exposure.
	v.Exposure.SymbolExposurePct = symbolExposure.Div(snap.Equity)
	v.Exposure.TotalExposurePct = totalExposure.Div(snap.Equity)
	v.Exposure.Passed = true
	if v.Exposure.SymbolExposurePct.GreaterThan(g.maxPositionPct) {
		v.Exposure.Passed = false
		v.reject(fmt.Sprintf("symbol exposure %s%% exceeds limit %s%%",
			v.Exposure.SymbolExposurePct.Mul(decimal.NewFromInt(100)).StringFixed(1),
			g.maxPositionPct.Mul(decimal.NewFromInt(100)).StringFixed(1)))
	}
	if v.Exposure.TotalExposurePct.GreaterThan(g.maxTotalPct) {
		v.Exposure.Passed = false
		v.reject(fmt.Sprintf("total exposure %s%% exceeds limit %s%%",
			v.Exposure.TotalExposurePct.Mul(decimal.NewFromInt(100)).StringFixed(1),
			g.maxTotalPct.Mul(decimal.NewFromInt(100)).StringFixed(1)))
	}
	if !v.Exposure.Passed {
		g.recordEvent(ctx, in, models.RiskEventExposureLimit, models.SeverityMedium, map[string]any{
			"symbol_exposure_pct": v.Exposure.SymbolExposurePct,
			"total_exposure_pct":  v.Exposure.TotalExposurePct,
		})
	}

	// 6. Stop-loss range.
	v.StopDistancePct = stopDistance.Div(in.Entry)
	stopMax := stopRangeMaxEquity
	if in.Market == models.MarketCrypto {
		stopMax = stopRangeMaxCrypto
	}
	if v.StopDistancePct.LessThan(stopRangeMin) || v.StopDistancePct.GreaterThan(stopMax) {
		v.reject(fmt.Sprintf("stop distance %s%% outside allowed range [%s%%, %s%%]",
			v.StopDistancePct.Mul(decimal.NewFromInt(100)).StringFixed(2),
			stopRangeMin.Mul(decimal.NewFromInt(100)).StringFixed(1),
			stopMax.Mul(decimal.NewFromInt(100)).StringFixed(1)))
		g.recordEvent(ctx, in, models.RiskEventStopLossViolation, models.SeverityMedium, map[string]any{
			"stop_distance_pct": v.StopDistancePct,
		})
	}

	v.Approved = len(v.Violations) == 0
	if v.Approved {
		g.logger.Info("Trade risk approved",
			zap.String("symbol", in.Symbol),
			zap.String("market", string(in.Market)),
			zap.String("position_size", v.PositionSize.String()),
			zap.String("position_value", v.PositionValue.String()),
			zap.Bool("capped", v.LimitedByMaxExposure),
		)
	} else {
		g.logger.Warn("Trade risk rejected",
			zap.String("symbol", in.Symbol),
			zap.String("market", string(in.Market)),
			zap.Strings("violations", v.Violations),
		)
	}
	return v, nil
}

func (v *Validation) reject(reason string) {
	v.Violations = append(v.Violations, reason)
}

// recordEvent appends a RiskEvent row. The write is log-and-continue: audit
// plumbing must never block a risk verdict.
func (g *Gatekeeper) recordEvent(ctx context.Context, in Input, typ models.RiskEventType, sev models.RiskSeverity, detail map[string]any) {
	payload, err := json.Marshal(detail)
	if err != nil {
		g.logger.Warn("Failed to marshal risk event detail", zap.Error(err))
	}
	event := models.RiskEvent{
		EventType: typ,
		Severity:  sev,
		Symbol:    in.Symbol,
		Market:    in.Market,
		Detail:    payload,
	}
	if err := g.db.WithContext(ctx).Create(&event).Error; err != nil {
		g.logger.Error("Failed to record risk event",
			zap.Error(err),
			zap.String("event_type", string(typ)),
		)
	}
}
