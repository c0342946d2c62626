// Package config loads the ledger engine's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the ledger engine.
type Config struct {
	Port     int
	LogLevel string

	DatabaseURL  string
	RedisURL     string
	KafkaBrokers []string
	KafkaTopic   string

	PriceFile        string
	PriceProviderURL string
	PriceTTL         time.Duration

	MaxOrderQuantity   int64
	LockTimeout        time.Duration
	ConflictRetries    int
	PendingOrderMaxAge time.Duration
	SchedulerInterval  time.Duration
	ShutdownTimeout    time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", port)
	}

	logLevel := strings.ToLower(getStr("LOG_LEVEL", "info"))
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	priceTTL, err := getDuration("PRICE_TTL", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid PRICE_TTL: %w", err)
	}

	maxQty, err := getInt("MAX_ORDER_QUANTITY", 1_000_000)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_ORDER_QUANTITY: %w", err)
	}
	if maxQty <= 0 {
		return nil, fmt.Errorf("invalid MAX_ORDER_QUANTITY: must be positive, got %d", maxQty)
	}

	lockTimeout, err := getDuration("LOCK_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid LOCK_TIMEOUT: %w", err)
	}
	if lockTimeout <= 0 {
		return nil, fmt.Errorf("invalid LOCK_TIMEOUT: must be positive, got %s", lockTimeout)
	}

	retries, err := getInt("CONFLICT_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid CONFLICT_RETRIES: %w", err)
	}
	if retries < 0 {
		return nil, fmt.Errorf("invalid CONFLICT_RETRIES: must not be negative, got %d", retries)
	}

	pendingMaxAge, err := getDuration("PENDING_ORDER_MAX_AGE", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid PENDING_ORDER_MAX_AGE: %w", err)
	}

	schedulerInterval, err := getDuration("SCHEDULER_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_INTERVAL: %w", err)
	}
	if schedulerInterval <= 0 {
		return nil, fmt.Errorf("invalid SCHEDULER_INTERVAL: must be positive, got %s", schedulerInterval)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:               port,
		LogLevel:           logLevel,
		DatabaseURL:        getStr("DATABASE_URL", ""),
		RedisURL:           getStr("REDIS_URL", ""),
		KafkaBrokers:       getList("KAFKA_BROKERS"),
		KafkaTopic:         getStr("KAFKA_TOPIC", "order-events"),
		PriceFile:          getStr("PRICE_FILE", ""),
		PriceProviderURL:   getStr("PRICE_PROVIDER_URL", ""),
		PriceTTL:           priceTTL,
		MaxOrderQuantity:   int64(maxQty),
		LockTimeout:        lockTimeout,
		ConflictRetries:    retries,
		PendingOrderMaxAge: pendingMaxAge,
		SchedulerInterval:  schedulerInterval,
		ShutdownTimeout:    shutdownTimeout,
	}, nil
}

func getStr(key, defaultVal string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

// getList splits a comma-separated variable, dropping empty items.
func getList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
