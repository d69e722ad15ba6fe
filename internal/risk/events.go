package risk

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"auto-trade-bot-go/internal/models"
)

// EventCalendar reports the most severe scheduled high-impact event for a
// symbol inside a lookahead window, or nil when the calendar is clear.
type EventCalendar interface {
	UpcomingEvent(ctx context.Context, market models.Market, symbol string, within time.Duration) (*models.CalendarEvent, error)
}

// CalendarStore reads the externally maintained event calendar table.
type CalendarStore struct {
	db *gorm.DB
}

var _ EventCalendar = (*CalendarStore)(nil)

// NewCalendarStore creates a calendar reader over the shared store.
func NewCalendarStore(db *gorm.DB) *CalendarStore {
	return &CalendarStore{db: db}
}

var severityRank = map[models.RiskSeverity]int{
	models.SeverityLow:      1,
	models.SeverityMedium:   2,
	models.SeverityHigh:     3,
	models.SeverityCritical: 4,
}

// UpcomingEvent returns the highest-severity event scheduled within the
// window. Severity ordering is done here because the column is a string.
func (c *CalendarStore) UpcomingEvent(ctx context.Context, market models.Market, symbol string, within time.Duration) (*models.CalendarEvent, error) {
	now := time.Now()
	var events []models.CalendarEvent
	err := c.db.WithContext(ctx).
		Where("market = ? AND symbol = ? AND scheduled_at BETWEEN ? AND ?", market, symbol, now, now.Add(within)).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read event calendar: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	top := events[0]
	for _, e := range events[1:] {
		if severityRank[e.Severity] > severityRank[top.Severity] {
			top = e
		}
	}
	return &top, nil
}
