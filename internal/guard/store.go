// Package guard owns the circuit breaker: a single persisted row gating all
// trading, flipped by daily-loss breaches, error streaks, or a human.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"auto-trade-bot-go/internal/models"
)

const guardRowID = 1

// ErrVersionConflict means another writer updated the guard row between our
// read and write. Callers re-read and retry; the tripped state they raced
// against is idempotent.
var ErrVersionConflict = errors.New("guard: concurrent guard update")

// Store persists the singleton guard row with an optimistic version check.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new guard store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get loads the guard row, creating the enabled default if migration seeding
// has not run.
func (s *Store) Get(ctx context.Context) (*models.SystemGuard, error) {
	var g models.SystemGuard
	err := s.db.WithContext(ctx).
		Where(models.SystemGuard{ID: guardRowID}).
		Attrs(models.SystemGuard{TradingEnabled: true}).
		FirstOrCreate(&g).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load system guard: %w", err)
	}
	return &g, nil
}

// Save writes the row only if its version is unchanged since Get, then bumps
// the version. RowsAffected == 0 means somebody else won the race.
func (s *Store) Save(ctx context.Context, g *models.SystemGuard) error {
	expected := g.Version
	res := s.db.WithContext(ctx).
		Model(&models.SystemGuard{}).
		Where("id = ? AND version = ?", g.ID, expected).
		Updates(map[string]any{
			"trading_enabled":      g.TradingEnabled,
			"consecutive_errors":   g.ConsecutiveErrors,
			"disabled_reason":      g.DisabledReason,
			"disabled_at":          g.DisabledAt,
			"cooldown_until":       g.CooldownUntil,
			"kis_access_token":     g.KISAccessToken,
			"kis_token_expires_at": g.KISTokenExpiresAt,
			"version":              expected + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to save system guard: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	g.Version = expected + 1
	return nil
}

// Token implements the broker session cache read side.
func (s *Store) Token(ctx context.Context) (string, time.Time, error) {
	g, err := s.Get(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	if g.KISTokenExpiresAt == nil {
		return g.KISAccessToken, time.Time{}, nil
	}
	return g.KISAccessToken, *g.KISTokenExpiresAt, nil
}

// SaveToken persists a refreshed broker session token. Retries once on a
// version race; losing twice just means the next refresh writes it.
func (s *Store) SaveToken(ctx context.Context, token string, expiresAt time.Time) error {
	for attempt := 0; attempt < 2; attempt++ {
		g, err := s.Get(ctx)
		if err != nil {
			return err
		}
		g.KISAccessToken = token
		g.KISTokenExpiresAt = &expiresAt

		err = s.Save(ctx, g)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return ErrVersionConflict
}
