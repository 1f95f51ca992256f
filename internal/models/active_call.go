package models

import "time"

// ActiveCall is the ledger row for a call holding a concurrency slot.
type ActiveCall struct {
	CallID   string `gorm:"type:varchar(64);primaryKey"`      // Call identifier.
	TenantID string `gorm:"type:varchar(255);not null;index"` // Owning tenant.

	StartedAt time.Time `gorm:"not null;index"` // Slot acquisition time.
}

// TableName pins the table name independent of gorm pluralization.
func (ActiveCall) TableName() string { return "active_calls" }
