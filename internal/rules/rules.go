// Package rules turns an AI signal plus current position state into a
// BUY/SELL/HOLD/SKIP action. Decide is a pure function so every branch is
// directly testable; nothing here touches the store or the network.
package rules

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/models"
)

// Input is the complete state Decide looks at.
type Input struct {
	Decision        models.SignalDecision
	Confidence      decimal.Decimal
	HasOpenPosition bool
	AvgCost         decimal.Decimal
	CurrentPrice    decimal.Decimal
}

// Result is the verdict for one candidate.
type Result struct {
	Action           models.Action
	Reason           string
	UnrealizedReturn decimal.Decimal
	ExitReason       models.ExitReason
}

// Engine evaluates the trading rules with configured thresholds.
type Engine struct {
	minConfidence   decimal.Decimal
	entryConfidence decimal.Decimal
	stopLossPct     decimal.Decimal
	takeProfitPct   decimal.Decimal
}

// NewEngine creates a rule engine from the trading thresholds.
func NewEngine(cfg *config.Trading) *Engine {
	return &Engine{
		minConfidence:   decimal.NewFromFloat(cfg.MinConfidence),
		entryConfidence: decimal.NewFromFloat(cfg.EntryConfidence),
		stopLossPct:     decimal.NewFromFloat(cfg.StopLossPct),
		takeProfitPct:   decimal.NewFromFloat(cfg.TakeProfitPct),
	}
}

// Decide applies the rules in priority order.
func (e *Engine) Decide(in Input) Result {
	unrealized := decimal.Zero
	if in.HasOpenPosition && in.AvgCost.IsPositive() {
		unrealized = in.CurrentPrice.Sub(in.AvgCost).Div(in.AvgCost)
	}

	// 1. Signal gate: low-confidence signals are never acted on. Price-based
	// exits re-enter through the position sweep with full confidence.
	if in.Confidence.LessThan(e.minConfidence) {
		return Result{
			Action:           models.ActionSkip,
			Reason:           fmt.Sprintf("confidence %s below signal gate %s", in.Confidence.StringFixed(2), e.minConfidence.StringFixed(2)),
			UnrealizedReturn: unrealized,
		}
	}

	// 2. A sell/avoid signal against an open position exits it.
	if in.Decision.Blocking() && in.HasOpenPosition {
		return Result{
			Action:           models.ActionSell,
			Reason:           fmt.Sprintf("exit on %s signal", in.Decision),
			UnrealizedReturn: unrealized,
			ExitReason:       models.ExitReasonSignal,
		}
	}

	// 3. Entry: buy signal, confident enough, not already in.
	if in.Decision == models.DecisionBuy && !in.HasOpenPosition {
		if in.Confidence.GreaterThanOrEqual(e.entryConfidence) {
			return Result{
				Action: models.ActionBuy,
				Reason: fmt.Sprintf("entry signal at confidence %s", in.Confidence.StringFixed(2)),
			}
		}
		return Result{
			Action: models.ActionSkip,
			Reason: fmt.Sprintf("confidence %s below entry gate %s", in.Confidence.StringFixed(2), e.entryConfidence.StringFixed(2)),
		}
	}

	// 4. Stop loss / 5. take profit on the open position.
	if in.HasOpenPosition {
		if unrealized.LessThanOrEqual(e.stopLossPct.Neg()) {
			return Result{
				Action:           models.ActionSell,
				Reason:           fmt.Sprintf("stop loss at %s%%", unrealized.Mul(decimal.NewFromInt(100)).StringFixed(2)),
				UnrealizedReturn: unrealized,
				ExitReason:       models.ExitReasonStopLoss,
			}
		}
		if unrealized.GreaterThanOrEqual(e.takeProfitPct) {
			return Result{
				Action:           models.ActionSell,
				Reason:           fmt.Sprintf("take profit at +%s%%", unrealized.Mul(decimal.NewFromInt(100)).StringFixed(2)),
				UnrealizedReturn: unrealized,
				ExitReason:       models.ExitReasonTakeProfit,
			}
		}
		return Result{
			Action:           models.ActionHold,
			Reason:           "holding within exit bounds",
			UnrealizedReturn: unrealized,
		}
	}

	return Result{Action: models.ActionSkip, Reason: "no entry conditions met"}
}

// Candidate pairs a signal with its rule verdict for ranking.
type Candidate struct {
	Signal models.Signal
	Result Result
}

// Rank orders candidates for execution: executable actions before SKIP/HOLD,
// then by descending confidence. Stable so equal candidates keep feed order.
func Rank(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		ei, ej := candidates[i].Result.Action.Executable(), candidates[j].Result.Action.Executable()
		if ei != ej {
			return ei
		}
		return candidates[i].Signal.Confidence.GreaterThan(candidates[j].Signal.Confidence)
	})
}
