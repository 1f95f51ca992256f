package models

import (
	"time"

	"gorm.io/datatypes"
)

// CircuitEvent records a circuit breaker state transition.
type CircuitEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Dependency string         `gorm:"type:varchar(255);not null;index"` // Dependency name.
	FromState  string         `gorm:"type:varchar(32);not null"`        // Previous state.
	ToState    string         `gorm:"type:varchar(32);not null"`        // New state.
	Stats      datatypes.JSON `gorm:"not null"`                         // Stats snapshot at transition.

	OccurredAt time.Time `gorm:"not null;index"`          // Transition time.
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TableName pins the table name independent of gorm pluralization.
func (CircuitEvent) TableName() string { return "circuit_events" }
