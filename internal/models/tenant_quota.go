package models

import "time"

// TenantQuota stores a tenant's plan assignment and any per-tenant ceiling overrides.
type TenantQuota struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	TenantID string `gorm:"type:varchar(255);not null;uniqueIndex"`      // Tenant identifier.
	Plan     string `gorm:"type:varchar(64);not null;default:'starter'"` // Plan tier name.

	MaxConcurrentCalls  int `gorm:"not null;default:0"` // Concurrent call ceiling.
	DailyMinutesLimit   int `gorm:"not null;default:0"` // Minutes per UTC day.
	MonthlyMinutesLimit int `gorm:"not null;default:0"` // Minutes per UTC month.
	APIRateLimit        int `gorm:"not null;default:0"` // API requests per minute.
	Priority            int `gorm:"not null;default:0"` // Fair queue priority.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName pins the table name independent of gorm pluralization.
func (TenantQuota) TableName() string { return "tenant_quotas" }
