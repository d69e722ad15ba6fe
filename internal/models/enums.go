package models

// Market identifies a tradable market segment.
type Market string

const (
	MarketCrypto Market = "CRYPTO"
	MarketKRX    Market = "KRX"
	MarketUS     Market = "US"
)

// AllMarkets lists every market the engine can schedule.
var AllMarkets = []Market{MarketCrypto, MarketKRX, MarketUS}

// Broker identifies a brokerage integration.
type Broker string

const (
	BrokerUpbit Broker = "UPBIT"
	BrokerKIS   Broker = "KIS"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Action is the per-symbol verdict of the trading rule engine.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
	ActionSkip Action = "SKIP"
)

// Executable reports whether the action places an order.
func (a Action) Executable() bool {
	return a == ActionBuy || a == ActionSell
}

// SignalDecision is the verdict carried by an inbound AI signal.
type SignalDecision string

const (
	DecisionBuy   SignalDecision = "BUY"
	DecisionSell  SignalDecision = "SELL"
	DecisionHold  SignalDecision = "HOLD"
	DecisionAvoid SignalDecision = "AVOID"
)

// Blocking reports whether the decision asks the engine to get out or stay out.
func (d SignalDecision) Blocking() bool {
	return d == DecisionSell || d == DecisionAvoid
}

// TradeStatus is the terminal (or pending) state of a trade record.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "PENDING"
	TradeStatusFilled    TradeStatus = "FILLED"
	TradeStatusFailed    TradeStatus = "FAILED"
	TradeStatusSimulated TradeStatus = "SIMULATED"
)

// CostSource marks whether fee/tax figures came from the broker or are still unknown.
type CostSource string

const (
	CostSourceBroker      CostSource = "BROKER"
	CostSourceUnavailable CostSource = "UNAVAILABLE"
)

// RiskEventType classifies a safety-relevant occurrence.
type RiskEventType string

const (
	RiskEventCircuitBreaker    RiskEventType = "circuit_breaker"
	RiskEventLeverageViolation RiskEventType = "leverage_violation"
	RiskEventExposureLimit     RiskEventType = "exposure_limit"
	RiskEventStopLossViolation RiskEventType = "stop_loss_violation"
	RiskEventEventRisk         RiskEventType = "event_risk"
)

// RiskSeverity grades a risk or notification event.
type RiskSeverity string

const (
	SeverityLow      RiskSeverity = "low"
	SeverityMedium   RiskSeverity = "medium"
	SeverityHigh     RiskSeverity = "high"
	SeverityCritical RiskSeverity = "critical"
)

// OutcomeResult classifies a closed trade's realized PnL.
type OutcomeResult string

const (
	OutcomeWin       OutcomeResult = "WIN"
	OutcomeLoss      OutcomeResult = "LOSS"
	OutcomeBreakeven OutcomeResult = "BREAKEVEN"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitReasonStopLoss    ExitReason = "STOP_LOSS"
	ExitReasonTakeProfit  ExitReason = "TAKE_PROFIT"
	ExitReasonSignal      ExitReason = "SIGNAL"
	ExitReasonLiquidation ExitReason = "LIQUIDATION"
	ExitReasonManual      ExitReason = "MANUAL"
	ExitReasonUnknown     ExitReason = "UNKNOWN"
)
