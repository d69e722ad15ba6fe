// Package notify writes outbound notification events to the outbox table.
// Delivery is someone else's job; this engine only enqueues. A Publish failure
// must never break the trading path that triggered it.
package notify

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"auto-trade-bot-go/internal/models"
)

// Event is one outbound notification.
type Event struct {
	Type     string
	Severity models.RiskSeverity
	Title    string
	Message  string
	Payload  map[string]any
	// DedupeKey collapses repeats. Same key, one delivery; empty means
	// always deliver.
	DedupeKey string
}

// Outbox enqueues notification events.
type Outbox struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewOutbox creates a new outbox writer.
func NewOutbox(db *gorm.DB, logger *zap.Logger) *Outbox {
	return &Outbox{db: db, logger: logger.Named("notify")}
}

// Publish enqueues an event. Dedupe-key collisions are silently ignored, and
// any write failure is logged and swallowed so callers never fail on it.
func (o *Outbox) Publish(ctx context.Context, e Event) {
	row := models.NotificationEvent{
		EventType: e.Type,
		Severity:  e.Severity,
		Title:     e.Title,
		Message:   e.Message,
		DedupeKey: e.DedupeKey,
	}
	if row.Severity == "" {
		row.Severity = models.SeverityLow
	}
	if row.DedupeKey == "" {
		row.DedupeKey = randomDedupeKey(e.Type)
	}
	if e.Payload != nil {
		if raw, err := json.Marshal(e.Payload); err == nil {
			row.Payload = raw
		} else {
			o.logger.Warn("Failed to marshal notification payload", zap.Error(err))
		}
	}

	err := o.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedupe_key"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if err != nil {
		o.logger.Error("Failed to enqueue notification",
			zap.Error(err),
			zap.String("event_type", e.Type),
			zap.String("dedupe_key", row.DedupeKey),
		)
		return
	}

	o.logger.Debug("Notification enqueued",
		zap.String("event_type", e.Type),
		zap.String("severity", string(row.Severity)),
	)
}

func randomDedupeKey(eventType string) string {
	return eventType + ":" + uuid.NewString()
}
