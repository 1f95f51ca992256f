package db

import (
	"fmt"

	"github.com/churnguard/tenant-governor/internal/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

func autoMigrate(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(
		&models.TenantQuota{},
		&models.ActiveCall{},
		&models.CircuitEvent{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return nil
}

// migratePostgres applies PostgreSQL-specific schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	if errMigrate := autoMigrate(conn); errMigrate != nil {
		return errMigrate
	}

	// ddl defines an index or DDL statement to apply.
	type ddl struct {
		name string // Human-readable name for error reporting.
		sql  string // SQL to execute.
	}
	ddls := []ddl{
		{
			name: "idx_circuit_events_dependency_occurred_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_circuit_events_dependency_occurred_at
				ON circuit_events (dependency, occurred_at DESC)
			`,
		},
		{
			name: "idx_active_calls_tenant_id_started_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_active_calls_tenant_id_started_at
				ON active_calls (tenant_id, started_at)
			`,
		},
		{
			name: "idx_tenant_quotas_plan",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_tenant_quotas_plan
				ON tenant_quotas (plan)
			`,
		},
	}
	for _, stmt := range ddls {
		if errExec := conn.Exec(stmt.sql).Error; errExec != nil {
			return fmt.Errorf("db: create %s: %w", stmt.name, errExec)
		}
	}
	return nil
}

// migrateSQLite applies SQLite schema updates and indexes.
func migrateSQLite(conn *gorm.DB) error {
	if errMigrate := autoMigrate(conn); errMigrate != nil {
		return errMigrate
	}
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_circuit_events_dependency_occurred_at ON circuit_events (dependency, occurred_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_active_calls_tenant_id_started_at ON active_calls (tenant_id, started_at)`,
	}
	for _, stmt := range stmts {
		if errExec := conn.Exec(stmt).Error; errExec != nil {
			return fmt.Errorf("db: sqlite index: %w", errExec)
		}
	}
	return nil
}
