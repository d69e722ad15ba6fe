package models

import (
	"strings"
	"time"
)

// ManualDisableMarker inside DisabledReason blocks auto-recovery: a disable a
// human asked for is never cleared by the cooldown timer.
const ManualDisableMarker = "manual"

// SystemGuard is the single row of cross-service mutable safety state. It is
// read before every trading decision and written with an optimistic version
// check so two market loops cannot silently overwrite each other's trip.
type SystemGuard struct {
	ID                uint `gorm:"primaryKey"`
	TradingEnabled    bool `gorm:"not null;default:true"`
	ConsecutiveErrors int  `gorm:"not null;default:0"`
	DisabledReason    string
	DisabledAt        *time.Time
	CooldownUntil     *time.Time
	Version           int64 `gorm:"not null;default:0"`

	// Broker session cache. KIS issues short-lived OAuth tokens that must be
	// reused across loops and restarts; Upbit tokens are per-request.
	KISAccessToken    string `gorm:"type:text"`
	KISTokenExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ManuallyDisabled reports whether a human initiated the current disable.
func (g *SystemGuard) ManuallyDisabled() bool {
	return !g.TradingEnabled && strings.Contains(strings.ToLower(g.DisabledReason), ManualDisableMarker)
}

// CooldownElapsed reports whether the auto-recovery cooldown has passed.
func (g *SystemGuard) CooldownElapsed(now time.Time) bool {
	return g.CooldownUntil == nil || !now.Before(*g.CooldownUntil)
}
