package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/churnguard/tenant-governor/internal/config"
	"github.com/churnguard/tenant-governor/internal/db"
	"github.com/churnguard/tenant-governor/internal/security"
	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// InitRequest contains parameters for generating a starter config file.
type InitRequest struct {
	DatabaseType     string
	DatabaseHost     string
	DatabasePort     int
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	DatabasePath     string
	DatabaseSSLMode  string
	RedisAddr        string
	FailPolicy       string
	ServerPort       int
}

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// defaultSQLitePath is the default SQLite database file name.
const defaultSQLitePath = "governor.db"

// BuildDSN builds a database DSN from the init request.
func BuildDSN(req InitRequest) (string, error) {
	switch strings.ToLower(strings.TrimSpace(req.DatabaseType)) {
	case "", "sqlite":
		path := strings.TrimSpace(req.DatabasePath)
		if path == "" {
			path = defaultSQLitePath
		}
		return db.SQLiteDSN(path), nil
	case "postgres":
		sslMode := req.DatabaseSSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			req.DatabaseUser,
			req.DatabasePassword,
			req.DatabaseHost,
			req.DatabasePort,
			req.DatabaseName,
			sslMode,
		), nil
	default:
		return "", fmt.Errorf("unsupported database type")
	}
}

// TestDatabaseConnection validates that the DSN can connect and ping.
func TestDatabaseConnection(dsn string) error {
	conn, err := db.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	defer func() {
		if errClose := sqlDB.Close(); errClose != nil {
			log.Errorf("sql db close error: %v", errClose)
		}
	}()
	return sqlDB.Ping()
}

// ValidateInitRequest normalizes and validates init input data.
func ValidateInitRequest(req *InitRequest) error {
	dbType := strings.ToLower(strings.TrimSpace(req.DatabaseType))
	if dbType == "" {
		dbType = "sqlite"
	}
	req.DatabaseType = dbType

	switch dbType {
	case "postgres":
		if strings.TrimSpace(req.DatabaseHost) == "" {
			return fmt.Errorf("database host is required")
		}
		if req.DatabasePort <= 0 {
			return fmt.Errorf("invalid database port")
		}
		if strings.TrimSpace(req.DatabaseUser) == "" {
			return fmt.Errorf("database username is required")
		}
		if strings.TrimSpace(req.DatabaseName) == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite":
		if strings.TrimSpace(req.DatabasePath) == "" {
			req.DatabasePath = defaultSQLitePath
		}
	default:
		return fmt.Errorf("unsupported database type")
	}

	req.RedisAddr = strings.TrimSpace(req.RedisAddr)
	if req.RedisAddr == "" {
		req.RedisAddr = internalsettings.DefaultRedisAddr
	}
	req.FailPolicy = strings.ToLower(strings.TrimSpace(req.FailPolicy))
	if req.FailPolicy == "" {
		req.FailPolicy = internalsettings.DefaultFailPolicy
	}
	if req.FailPolicy != internalsettings.FailPolicyOpen && req.FailPolicy != internalsettings.FailPolicyClosed {
		return fmt.Errorf("fail policy must be %q or %q", internalsettings.FailPolicyOpen, internalsettings.FailPolicyClosed)
	}
	if req.ServerPort == 0 {
		req.ServerPort = config.Default().Server.Port
	}
	if req.ServerPort < 0 || req.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", req.ServerPort)
	}
	return nil
}

// configFile maps YAML fields for the generated config file.
type configFile struct {
	Server     serverCfg `yaml:"server"`
	Database   dbCfg     `yaml:"database"`
	Redis      redisCfg  `yaml:"redis"`
	FailPolicy string    `yaml:"fail-policy"`
	LogLevel   string    `yaml:"log-level"`
	JWT        jwtCfg    `yaml:"jwt"`
}

// serverCfg holds the listener for the generated config file.
type serverCfg struct {
	Port int `yaml:"port"`
}

// dbCfg holds the DSN for the generated config file.
type dbCfg struct {
	DSN string `yaml:"dsn"`
}

// redisCfg holds the store address for the generated config file.
type redisCfg struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

// jwtCfg holds JWT settings for the generated config file.
type jwtCfg struct {
	Secret string `yaml:"secret"`
	Expiry string `yaml:"expiry"`
}

// generateJWTSecret creates a random JWT secret string.
func generateJWTSecret() (string, error) {
	return security.GenerateRandomString(32)
}

// WriteConfigFile writes a starter config file to disk. Plans, rate limits and
// breakers are left to their defaults.
func WriteConfigFile(configPath string, req InitRequest) error {
	if ConfigExists(configPath) {
		return fmt.Errorf("config file already exists: %s", configPath)
	}
	dsn, errDSN := BuildDSN(req)
	if errDSN != nil {
		return errDSN
	}
	secret, errSecret := generateJWTSecret()
	if errSecret != nil {
		return errSecret
	}

	cfg := configFile{
		Server:     serverCfg{Port: req.ServerPort},
		Database:   dbCfg{DSN: dsn},
		Redis:      redisCfg{Addr: req.RedisAddr, Prefix: internalsettings.DefaultRedisPrefix},
		FailPolicy: req.FailPolicy,
		LogLevel:   "info",
		JWT: jwtCfg{
			Secret: secret,
			Expiry: (12 * time.Hour).String(),
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
		return fmt.Errorf("create config dir: %w", errMkdir)
	}
	if errWrite := os.WriteFile(configPath, data, 0o600); errWrite != nil {
		return fmt.Errorf("write config file: %w", errWrite)
	}
	return nil
}
