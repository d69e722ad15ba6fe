package models

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RiskEvent records a safety-relevant occurrence. Append-only.
type RiskEvent struct {
	gorm.Model
	EventType RiskEventType `gorm:"type:varchar(32);not null;index"`
	Severity  RiskSeverity  `gorm:"type:varchar(10);not null;index"`
	Symbol    string        `gorm:"type:varchar(32);index"`
	Market    Market        `gorm:"type:varchar(10)"`
	Detail    datatypes.JSON
}
