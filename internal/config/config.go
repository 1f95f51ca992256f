package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath    = "CONFIG_PATH"
	EnvDBConnection  = "DB_CONNECTION"
	EnvJWTSecret     = "JWT_SECRET"
	EnvJWTExpiry     = "JWT_EXPIRY"
	EnvRedisAddr     = "REDIS_ADDR"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvRedisDB       = "REDIS_DB"
	EnvFailPolicy    = "GOVERNOR_FAIL_POLICY"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the gorm DSN.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig describes the shared counter store connection.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial-timeout"`
}

// RateLimitConfig is the policy for one rate limited resource.
type RateLimitConfig struct {
	Limit           int           `yaml:"limit"`
	Window          time.Duration `yaml:"window"`
	Algorithm       string        `yaml:"algorithm"`
	BurstMultiplier float64       `yaml:"burst-multiplier"`
}

// BreakerConfig tunes one circuit breaker. Zero fields inherit the defaults.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure-threshold"`
	SuccessThreshold int           `yaml:"success-threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenMaxCalls int           `yaml:"half-open-max-calls"`
}

// CircuitBreakersConfig holds breaker defaults plus per-dependency overrides.
type CircuitBreakersConfig struct {
	Defaults     BreakerConfig            `yaml:"defaults"`
	Dependencies map[string]BreakerConfig `yaml:"dependencies"`
}

// PlanConfig is one plan tier's resource ceilings.
type PlanConfig struct {
	MaxConcurrentCalls  int `yaml:"max-concurrent-calls"`
	DailyMinutesLimit   int `yaml:"daily-minutes-limit"`
	MonthlyMinutesLimit int `yaml:"monthly-minutes-limit"`
	APIRateLimit        int `yaml:"api-rate-limit"`
	Priority            int `yaml:"priority"`
}

// QueueConfig controls the fair queue dispatcher.
type QueueConfig struct {
	PollTimeout  time.Duration `yaml:"poll-timeout"`
	Workers      int           `yaml:"workers"`
	DispatchRate int           `yaml:"dispatch-rate"`
	Dependency   string        `yaml:"dependency"`
}

// ReconcileConfig controls the concurrency slot reconciler.
type ReconcileConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	SlotTTL  time.Duration `yaml:"slot-ttl"`
}

// Config is the full governor configuration.
type Config struct {
	Server          ServerConfig               `yaml:"server"`
	Database        DatabaseConfig             `yaml:"database"`
	Redis           RedisConfig                `yaml:"redis"`
	FailPolicy      string                     `yaml:"fail-policy"`
	LogLevel        string                     `yaml:"log-level"`
	LogJSON         bool                       `yaml:"log-json"`
	RateLimits      map[string]RateLimitConfig `yaml:"rate-limits"`
	CircuitBreakers CircuitBreakersConfig      `yaml:"circuit-breakers"`
	Plans           map[string]PlanConfig      `yaml:"plans"`
	Queue           QueueConfig                `yaml:"queue"`
	Reconcile       ReconcileConfig            `yaml:"reconcile"`
	JWT             JWTConfig                  `yaml:"jwt"`
}

// DefaultPlans returns the stock plan table.
func DefaultPlans() map[string]PlanConfig {
	return map[string]PlanConfig{
		internalsettings.PlanStarter: {
			MaxConcurrentCalls:  5,
			DailyMinutesLimit:   500,
			MonthlyMinutesLimit: 5000,
			APIRateLimit:        30,
			Priority:            1,
		},
		internalsettings.PlanProfessional: {
			MaxConcurrentCalls:  20,
			DailyMinutesLimit:   2000,
			MonthlyMinutesLimit: 20000,
			APIRateLimit:        100,
			Priority:            5,
		},
		internalsettings.PlanEnterprise: {
			MaxConcurrentCalls:  100,
			DailyMinutesLimit:   10000,
			MonthlyMinutesLimit: 100000,
			APIRateLimit:        500,
			Priority:            10,
		},
	}
}

// Default returns a configuration usable without a config file.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8320},
		Database: DatabaseConfig{
			DSN: "governor.db",
		},
		Redis: RedisConfig{
			Addr:        internalsettings.DefaultRedisAddr,
			Prefix:      internalsettings.DefaultRedisPrefix,
			DialTimeout: internalsettings.DefaultRedisDialTimeout,
		},
		FailPolicy: internalsettings.DefaultFailPolicy,
		LogLevel:   "info",
		RateLimits: map[string]RateLimitConfig{
			internalsettings.ResourceAPI: {
				Limit:           60,
				Window:          time.Minute,
				Algorithm:       internalsettings.AlgorithmTokenBucket,
				BurstMultiplier: internalsettings.DefaultBurstMultiplier,
			},
			internalsettings.ResourceCalls: {
				Limit:           internalsettings.DefaultCallsPerHour,
				Window:          time.Hour,
				Algorithm:       internalsettings.AlgorithmSlidingWindow,
				BurstMultiplier: internalsettings.DefaultBurstMultiplier,
			},
		},
		CircuitBreakers: CircuitBreakersConfig{
			Defaults: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 3,
				Timeout:          30 * time.Second,
				HalfOpenMaxCalls: 3,
			},
			Dependencies: map[string]BreakerConfig{
				"ultravox": {FailureThreshold: 3, Timeout: 60 * time.Second},
				"openai":   {FailureThreshold: 5, Timeout: 30 * time.Second},
				"twilio":   {FailureThreshold: 5, Timeout: 60 * time.Second},
				"odoo":     {FailureThreshold: 10, Timeout: 120 * time.Second},
			},
		},
		Plans: DefaultPlans(),
		Queue: QueueConfig{
			PollTimeout:  internalsettings.DefaultDequeuePollTimeout,
			Workers:      internalsettings.DefaultDispatchWorkers,
			DispatchRate: internalsettings.DefaultDispatchRate,
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Interval: internalsettings.DefaultReconcileInterval,
			SlotTTL:  internalsettings.DefaultSlotTTL,
		},
		JWT: JWTConfig{Expiry: defaultJWTExpiry},
	}
}

// Load reads the YAML config at configPath over Default and applies env overrides.
// A missing file is not an error.
func Load(configPath string) (Config, error) {
	cfg := Default()

	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		// yaml merges into the stock maps; an entry named in the file replaces the stock entry.
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config file: %w", errRead)
	}

	if errEnv := cfg.applyEnv(); errEnv != nil {
		return Config{}, errEnv
	}
	cfg.normalize()
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		c.Database.DSN = dsn
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		c.Redis.Addr = addr
	}
	if password, ok := os.LookupEnv(EnvRedisPassword); ok {
		c.Redis.Password = strings.TrimSpace(password)
	}
	if rawDB := strings.TrimSpace(os.Getenv(EnvRedisDB)); rawDB != "" {
		db, errParse := strconv.Atoi(rawDB)
		if errParse != nil || db < 0 {
			return fmt.Errorf("invalid %s: %q", EnvRedisDB, rawDB)
		}
		c.Redis.DB = db
	}
	if policy := strings.TrimSpace(os.Getenv(EnvFailPolicy)); policy != "" {
		c.FailPolicy = policy
	}
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		c.JWT.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			c.JWT.Expiry = expiry
		}
	}
	return nil
}

func (c *Config) normalize() {
	c.FailPolicy = strings.ToLower(strings.TrimSpace(c.FailPolicy))
	if c.FailPolicy == "" {
		c.FailPolicy = internalsettings.DefaultFailPolicy
	}
	c.Redis.Prefix = strings.TrimSpace(c.Redis.Prefix)
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = internalsettings.DefaultRedisPrefix
	}
	if c.Redis.DialTimeout <= 0 {
		c.Redis.DialTimeout = internalsettings.DefaultRedisDialTimeout
	}
	for name, rl := range c.RateLimits {
		rl.Algorithm = strings.ToLower(strings.TrimSpace(rl.Algorithm))
		if rl.Algorithm == "" {
			rl.Algorithm = internalsettings.AlgorithmTokenBucket
		}
		if rl.Window == 0 {
			rl.Window = internalsettings.DefaultRateWindow
		}
		if rl.BurstMultiplier == 0 {
			rl.BurstMultiplier = internalsettings.DefaultBurstMultiplier
		}
		c.RateLimits[name] = rl
	}
	if c.Queue.PollTimeout <= 0 {
		c.Queue.PollTimeout = internalsettings.DefaultDequeuePollTimeout
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = internalsettings.DefaultDispatchWorkers
	}
	if c.Queue.DispatchRate <= 0 {
		c.Queue.DispatchRate = internalsettings.DefaultDispatchRate
	}
	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = internalsettings.DefaultReconcileInterval
	}
	if c.Reconcile.SlotTTL <= 0 {
		c.Reconcile.SlotTTL = internalsettings.DefaultSlotTTL
	}
	if c.JWT.Expiry <= 0 {
		c.JWT.Expiry = defaultJWTExpiry
	}
}

// Validate rejects limits, windows and thresholds that cannot be enforced.
func (c Config) Validate() error {
	switch c.FailPolicy {
	case internalsettings.FailPolicyOpen, internalsettings.FailPolicyClosed:
	default:
		return fmt.Errorf("config: fail-policy must be %q or %q, got %q", internalsettings.FailPolicyOpen, internalsettings.FailPolicyClosed, c.FailPolicy)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("config: redis.addr is required")
	}
	for name, rl := range c.RateLimits {
		if rl.Limit <= 0 {
			return fmt.Errorf("config: rate-limits.%s.limit must be positive, got %d", name, rl.Limit)
		}
		if rl.Window <= 0 {
			return fmt.Errorf("config: rate-limits.%s.window must be positive, got %s", name, rl.Window)
		}
		if rl.BurstMultiplier < 1 {
			return fmt.Errorf("config: rate-limits.%s.burst-multiplier must be >= 1, got %g", name, rl.BurstMultiplier)
		}
		switch rl.Algorithm {
		case internalsettings.AlgorithmTokenBucket, internalsettings.AlgorithmSlidingWindow:
		default:
			return fmt.Errorf("config: rate-limits.%s.algorithm unknown: %q", name, rl.Algorithm)
		}
	}
	if errBreaker := validateBreaker("defaults", c.CircuitBreakers.Defaults); errBreaker != nil {
		return errBreaker
	}
	for name, dep := range c.CircuitBreakers.Dependencies {
		if errBreaker := validateBreaker(name, dep); errBreaker != nil {
			return errBreaker
		}
	}
	if _, ok := c.Plans[internalsettings.DefaultPlan]; !ok {
		return fmt.Errorf("config: plans must define %q", internalsettings.DefaultPlan)
	}
	for name, plan := range c.Plans {
		if plan.MaxConcurrentCalls <= 0 || plan.DailyMinutesLimit <= 0 || plan.MonthlyMinutesLimit <= 0 || plan.APIRateLimit <= 0 {
			return fmt.Errorf("config: plans.%s limits must be positive", name)
		}
		if plan.Priority < internalsettings.MinQueuePriority || plan.Priority > internalsettings.MaxQueuePriority {
			return fmt.Errorf("config: plans.%s.priority out of range: %d", name, plan.Priority)
		}
	}
	return nil
}

func validateBreaker(name string, b BreakerConfig) error {
	if b.FailureThreshold < 0 || b.SuccessThreshold < 0 || b.HalfOpenMaxCalls < 0 || b.Timeout < 0 {
		return fmt.Errorf("config: circuit-breakers.%s thresholds must not be negative", name)
	}
	return nil
}

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// defaultJWTExpiry is used when the config omits or invalidates JWT expiry.
const defaultJWTExpiry = 30 * 24 * time.Hour

// LoadJWTConfig loads JWT settings from the YAML config file.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	// fileConfig maps the YAML fields needed for JWT settings.
	type fileConfig struct {
		JWT JWTConfig `yaml:"jwt"`
	}

	result := JWTConfig{Expiry: defaultJWTExpiry}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.JWT
		}
	}

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		result.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			result.Expiry = expiry
		}
	}

	if result.Expiry <= 0 {
		result.Expiry = defaultJWTExpiry
	}
	return result, nil
}
