package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NotificationEvent is an outbox row. This engine only writes these; an
// unrelated consumer delivers them. DedupeKey gives the downstream notifier
// at-most-once-effective delivery.
type NotificationEvent struct {
	gorm.Model
	EventType   string       `gorm:"type:varchar(40);not null;index"`
	Severity    RiskSeverity `gorm:"type:varchar(10);not null"`
	Title       string       `gorm:"type:varchar(200);not null"`
	Message     string       `gorm:"type:text"`
	Payload     datatypes.JSON
	DedupeKey   string     `gorm:"type:varchar(160);not null;uniqueIndex"`
	DeliveredAt *time.Time `gorm:"index"`
}
