package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/models"
	"auto-trade-bot-go/internal/notify"
)

// casAttempts bounds the read-modify-write retries on version conflicts.
// Losing every round means another loop is actively writing the same
// transition, which is safe to yield to.
const casAttempts = 3

// Service is the circuit breaker state machine over the persisted guard row.
type Service struct {
	store  *Store
	cfg    *config.Guard
	outbox *notify.Outbox
	logger *zap.Logger
}

// NewService creates a new guard service.
func NewService(store *Store, cfg *config.Guard, outbox *notify.Outbox, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		cfg:    cfg,
		outbox: outbox,
		logger: logger.Named("guard"),
	}
}

// Ensure reports whether trading is allowed right now. A disable whose
// cooldown has elapsed is auto-recovered here, unless a human initiated it.
func (s *Service) Ensure(ctx context.Context) (bool, error) {
	g, err := s.store.Get(ctx)
	if err != nil {
		return false, err
	}
	if g.TradingEnabled {
		return true, nil
	}
	if g.ManuallyDisabled() {
		return false, nil
	}
	if !g.CooldownElapsed(time.Now()) {
		return false, nil
	}

	g.TradingEnabled = true
	g.ConsecutiveErrors = 0
	g.DisabledReason = ""
	g.DisabledAt = nil
	g.CooldownUntil = nil

	if err := s.store.Save(ctx, g); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// Another loop is writing; skip this tick and let the next read decide.
			return false, nil
		}
		return false, err
	}

	s.logger.Info("Circuit breaker auto-recovered, trading re-enabled")
	s.outbox.Publish(ctx, notify.Event{
		Type:      "circuit_breaker_recovered",
		Severity:  models.SeverityMedium,
		Title:     "Trading re-enabled",
		Message:   "Cooldown elapsed, circuit breaker auto-recovered.",
		DedupeKey: fmt.Sprintf("breaker_recovered:%d", time.Now().Unix()),
	})
	return true, nil
}

// RecordFailure increments the consecutive error counter and trips the
// breaker when the streak reaches the configured limit. Returns whether this
// call tripped it.
func (s *Service) RecordFailure(ctx context.Context, cause string) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		g, err := s.store.Get(ctx)
		if err != nil {
			return false, err
		}
		if !g.TradingEnabled {
			return false, nil
		}

		g.ConsecutiveErrors++
		tripped := g.ConsecutiveErrors >= s.cfg.MaxConsecutiveFailures
		if tripped {
			s.disable(g, fmt.Sprintf("consecutive execution failures (%d): %s", g.ConsecutiveErrors, cause))
		}

		err = s.store.Save(ctx, g)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, err
		}

		if tripped {
			s.notifyTrip(ctx, g.DisabledReason)
		}
		return tripped, nil
	}
	return false, ErrVersionConflict
}

// RecordSuccess resets the consecutive error counter.
func (s *Service) RecordSuccess(ctx context.Context) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		g, err := s.store.Get(ctx)
		if err != nil {
			return err
		}
		if g.ConsecutiveErrors == 0 {
			return nil
		}

		g.ConsecutiveErrors = 0
		err = s.store.Save(ctx, g)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return err
	}
	return ErrVersionConflict
}

// Trip disables trading now. Tripping an already-disabled guard is a no-op,
// which is what makes the two-markets-trip-at-once race harmless.
func (s *Service) Trip(ctx context.Context, reason string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		g, err := s.store.Get(ctx)
		if err != nil {
			return err
		}
		if !g.TradingEnabled {
			return nil
		}

		s.disable(g, reason)
		err = s.store.Save(ctx, g)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}

		s.notifyTrip(ctx, reason)
		return nil
	}
	return ErrVersionConflict
}

// CheckDailyLoss compares the day's realized+unrealized PnL against the loss
// limit. On a breach it trips the breaker and reports that liquidation is due.
func (s *Service) CheckDailyLoss(ctx context.Context, market models.Market, dailyPnL, equity decimal.Decimal) (bool, error) {
	if !equity.IsPositive() || !dailyPnL.IsNegative() {
		return false, nil
	}

	limit := equity.Mul(decimal.NewFromFloat(s.cfg.DailyLossLimitPct)).Neg()
	if dailyPnL.GreaterThan(limit) {
		return false, nil
	}

	reason := fmt.Sprintf("daily loss limit breached on %s: pnl %s against equity %s",
		market, dailyPnL.StringFixed(2), equity.StringFixed(2))
	s.logger.Error("Daily loss limit breached",
		zap.String("market", string(market)),
		zap.String("daily_pnl", dailyPnL.String()),
		zap.String("equity", equity.String()),
	)
	if err := s.Trip(ctx, reason); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) disable(g *models.SystemGuard, reason string) {
	now := time.Now()
	cooldown := now.Add(time.Duration(s.cfg.CooldownMinutes) * time.Minute)
	g.TradingEnabled = false
	g.DisabledReason = reason
	g.DisabledAt = &now
	g.CooldownUntil = &cooldown
}

func (s *Service) notifyTrip(ctx context.Context, reason string) {
	s.logger.Error("Circuit breaker tripped", zap.String("reason", reason))
	s.outbox.Publish(ctx, notify.Event{
		Type:      "circuit_breaker_tripped",
		Severity:  models.SeverityCritical,
		Title:     "Trading disabled",
		Message:   reason,
		DedupeKey: fmt.Sprintf("breaker_tripped:%d", time.Now().Unix()),
	})
}
