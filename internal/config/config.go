package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Config struct {
	App     *AppConfig
	DB      *DBConfig
	Redis   *RedisConfig
	Billing *BillingConfig
	Sweeper *SweeperConfig
	Payment *PaymentConfig
}

type AppConfig struct {
	Name            string
	Env             string
	Port            string
	LogLevel        string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	StoreTimeout    time.Duration
	NotifyTimeout   time.Duration
}

type DBConfig struct {
	// URL selects the Postgres stores. Empty keeps everything in memory.
	URL      string
	MaxConns int
}

type RedisConfig struct {
	// Addr enables the distributed wallet lock and cross-instance fanout.
	Addr     string
	Password string
	DB       int
	Channel  string
	LockTTL  time.Duration
}

type BillingConfig struct {
	Currency        string
	BaseRate        decimal.Decimal
	VideoMultiplier int
	PinCost         int
}

type SweeperConfig struct {
	Interval       time.Duration
	AcceptDeadline time.Duration
	RingTimeout    time.Duration
	BatchSize      int
}

type PaymentConfig struct {
	// Provider is "monnify" or "fake".
	Provider     string
	BaseURL      string
	APIKey       string
	SecretKey    string
	ContractCode string
	RedirectURL  string
	Timeout      time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment")
	}

	return &Config{
		App:     LoadAppConfig(),
		DB:      LoadDBConfig(),
		Redis:   LoadRedisConfig(),
		Billing: LoadBillingConfig(),
		Sweeper: LoadSweeperConfig(),
		Payment: LoadPaymentConfig(),
	}
}

func LoadAppConfig() *AppConfig {
	return &AppConfig{
		Name:            getEnv("APP_NAME", "yacall"),
		Env:             getEnv("APP_ENV", "development"),
		Port:            getEnv("APP_PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		AllowedOrigins:  getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 5*time.Second),
		StoreTimeout:    getEnvAsDuration("STORE_TIMEOUT", 5*time.Second),
		NotifyTimeout:   getEnvAsDuration("NOTIFY_TIMEOUT", 5*time.Second),
	}
}

func LoadDBConfig() *DBConfig {
	return &DBConfig{
		URL:      getEnv("DATABASE_URL", ""),
		MaxConns: getEnvAsInt("DB_MAX_CONNS", 20),
	}
}

func LoadRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:     getEnv("REDIS_ADDR", ""),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvAsInt("REDIS_DB", 0),
		Channel:  getEnv("REDIS_SIGNAL_CHANNEL", "yacall:signaling"),
		LockTTL:  getEnvAsDuration("REDIS_LOCK_TTL", 10*time.Second),
	}
}

func LoadBillingConfig() *BillingConfig {
	return &BillingConfig{
		Currency:        getEnv("BILLING_CURRENCY", "NGN"),
		BaseRate:        getEnvAsDecimal("BILLING_BASE_RATE", decimal.NewFromInt(50)),
		VideoMultiplier: getEnvAsInt("BILLING_VIDEO_MULTIPLIER", 2),
		PinCost:         getEnvAsInt("PIN_HASH_COST", 10),
	}
}

func LoadSweeperConfig() *SweeperConfig {
	return &SweeperConfig{
		Interval:       getEnvAsDuration("SWEEP_INTERVAL", 15*time.Second),
		AcceptDeadline: getEnvAsDuration("ACCEPT_DEADLINE", 30*time.Second),
		RingTimeout:    getEnvAsDuration("RING_TIMEOUT", 60*time.Second),
		BatchSize:      getEnvAsInt("SWEEP_BATCH", 100),
	}
}

func LoadPaymentConfig() *PaymentConfig {
	return &PaymentConfig{
		Provider:     getEnv("PAYMENT_PROVIDER", "fake"),
		BaseURL:      getEnv("MONNIFY_BASE_URL", "https://sandbox.monnify.com"),
		APIKey:       getEnv("MONNIFY_API_KEY", ""),
		SecretKey:    getEnv("MONNIFY_SECRET_KEY", ""),
		ContractCode: getEnv("MONNIFY_CONTRACT_CODE", ""),
		RedirectURL:  getEnv("MONNIFY_REDIRECT_URL", ""),
		Timeout:      getEnvAsDuration("PAYMENT_TIMEOUT", 15*time.Second),
	}
}

func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.App.Port == "" {
		errs = append(errs, errors.New("APP_PORT is required"))
	}
	if !domain.RoundMoney(c.Billing.BaseRate).IsPositive() {
		errs = append(errs, fmt.Errorf("BILLING_BASE_RATE must be at least 0.01, got %s", c.Billing.BaseRate))
	}
	if c.Billing.VideoMultiplier < 1 {
		errs = append(errs, errors.New("BILLING_VIDEO_MULTIPLIER must be at least 1"))
	}
	if c.Billing.Currency == "" {
		errs = append(errs, errors.New("BILLING_CURRENCY is required"))
	}
	if c.Sweeper.Interval <= 0 || c.Sweeper.AcceptDeadline <= 0 || c.Sweeper.RingTimeout <= 0 {
		errs = append(errs, errors.New("sweeper durations must be positive"))
	}
	if c.Sweeper.AcceptDeadline <= 3*c.App.StoreTimeout {
		errs = append(errs, fmt.Errorf("ACCEPT_DEADLINE (%s) must exceed three store timeouts (%s)", c.Sweeper.AcceptDeadline, 3*c.App.StoreTimeout))
	}
	switch c.Payment.Provider {
	case "fake":
	case "monnify":
		if c.Payment.APIKey == "" || c.Payment.SecretKey == "" || c.Payment.ContractCode == "" {
			errs = append(errs, errors.New("MONNIFY_API_KEY, MONNIFY_SECRET_KEY and MONNIFY_CONTRACT_CODE are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PAYMENT_PROVIDER %q", c.Payment.Provider))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
		log.Warn().Str("key", key).Str("value", val).Msg("Invalid integer, using default")
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", val).Msg("Invalid duration, using default")
	}
	return defaultVal
}

func getEnvAsDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", val).Msg("Invalid decimal, using default")
	}
	return defaultVal
}

func getEnvAsList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
