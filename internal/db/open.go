package db

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// defaultSQLitePath is the SQLite file used when the DSN is empty.
const defaultSQLitePath = "governor.db"

// Open connects to PostgreSQL or SQLite depending on the DSN shape.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if IsPostgresDSN(dsn) {
		if _, errParse := pgx.ParseConfig(dsn); errParse != nil {
			return nil, fmt.Errorf("db: parse postgres dsn: %w", errParse)
		}
		conn, errOpen := gorm.Open(postgres.Open(dsn), cfg)
		if errOpen != nil {
			return nil, fmt.Errorf("db: open postgres: %w", errOpen)
		}
		return conn, nil
	}

	conn, errOpen := gorm.Open(sqlite.Open(SQLiteDSN(dsn)), cfg)
	if errOpen != nil {
		return nil, fmt.Errorf("db: open sqlite: %w", errOpen)
	}
	if sqlDB, errDB := conn.DB(); errDB == nil {
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	return conn, nil
}

// IsPostgresDSN reports whether dsn targets PostgreSQL (URL or key/value form).
func IsPostgresDSN(dsn string) bool {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return true
	}
	return strings.Contains(lower, "host=") && !strings.HasPrefix(lower, "file:")
}

// SQLiteDSN constructs a SQLite DSN with default pragmas.
func SQLiteDSN(path string) string {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = defaultSQLitePath
	}
	if strings.Contains(dsn, ":memory:") {
		return dsn
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = "file:" + dsn
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join([]string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
	}, "&")
}
