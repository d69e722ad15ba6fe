package models

import (
	"time"

	"gorm.io/gorm"
)

// CalendarEvent is a scheduled high-impact event (earnings, rate decisions)
// used by the event-risk gate. Written externally; read-only here.
type CalendarEvent struct {
	gorm.Model
	Symbol      string       `gorm:"type:varchar(32);not null;index:idx_calendar_lookup"`
	Market      Market       `gorm:"type:varchar(10);not null"`
	EventType   string       `gorm:"type:varchar(40);not null"`
	Severity    RiskSeverity `gorm:"type:varchar(10);not null"`
	ScheduledAt time.Time    `gorm:"not null;index:idx_calendar_lookup"`
}
