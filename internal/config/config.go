package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Env      string
	LogLevel string

	HTTPPort           string
	AllowedOrigins     []string
	RequestTimeout     time.Duration
	ShutdownTimeout    time.Duration
	MaxRequestBodySize int64

	DBDriver       string
	DBHost         string
	DBPort         int
	DBUser         string
	DBPassword     string
	DBName         string
	SQLitePath     string
	MigrationsPath string

	// RedisAddr empty disables the cart cache
	RedisAddr string

	// KafkaBrokers empty disables the outbox relay
	KafkaBrokers []string
	KafkaTopic   string
	OutboxTick   time.Duration

	CheckoutMaxAttempts int
	CheckoutBaseBackoff time.Duration
	CheckoutMaxBackoff  time.Duration
}

func Load() (*Config, error) {
	dbPort, err := getEnvInt("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}
	attempts, err := getEnvInt("CHECKOUT_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	requestTimeout, err := getEnvDuration("REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	outboxTick, err := getEnvDuration("OUTBOX_TICK", time.Second)
	if err != nil {
		return nil, err
	}
	baseBackoff, err := getEnvDuration("CHECKOUT_BASE_BACKOFF", 20*time.Millisecond)
	if err != nil {
		return nil, err
	}
	maxBackoff, err := getEnvDuration("CHECKOUT_MAX_BACKOFF", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}

	driver := getEnv("DB_DRIVER", DriverPostgres)
	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		AllowedOrigins:     splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
		RequestTimeout:     requestTimeout,
		ShutdownTimeout:    10 * time.Second,
		MaxRequestBodySize: 1 << 20, // 1MB

		DBDriver:       driver,
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         dbPort,
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", "postgres"),
		DBName:         getEnv("DB_NAME", "shopcart"),
		SQLitePath:     getEnv("SQLITE_PATH", "./shopcart.db"),
		MigrationsPath: getEnv("MIGRATIONS_PATH", defaultMigrationsPath(driver)),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "shopcart-orders"),
		OutboxTick:   outboxTick,

		CheckoutMaxAttempts: attempts,
		CheckoutBaseBackoff: baseBackoff,
		CheckoutMaxBackoff:  maxBackoff,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case DriverPostgres, DriverPgx, DriverSQLite, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver))
	}
	if c.CheckoutMaxAttempts < 1 {
		errs = append(errs, errors.New("CHECKOUT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.CheckoutBaseBackoff <= 0 || c.CheckoutMaxBackoff < c.CheckoutBaseBackoff {
		errs = append(errs, errors.New("checkout backoff must be positive with max >= base"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if len(c.KafkaBrokers) > 0 && c.OutboxTick <= 0 {
		errs = append(errs, errors.New("OUTBOX_TICK must be positive"))
	}
	return errors.Join(errs...)
}

func defaultMigrationsPath(driver string) string {
	dir := "postgres"
	if driver == DriverSQLite {
		dir = "sqlite"
	}
	return "./internal/repository/migrations/" + dir
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
