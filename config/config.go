// Package config handles loading and managing application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	WalletA      WalletAConfig
	WalletB      WalletBConfig
	GlobalWallet GlobalWalletConfig
	Reconcile    ReconcileConfig
	Entitlements EntitlementsConfig
	Marketplace  MarketplaceConfig

	// ProviderTimeout bounds every outbound provider call.
	ProviderTimeout time.Duration
	// WebhookTolerance bounds the age of signed webhook timestamps.
	WebhookTolerance time.Duration
	LogLevel         string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port    string
	GinMode string // "debug", "release", or "test"

	// ServiceToken is the bearer token marketplace services present on /api/v1.
	ServiceToken    string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds Postgres settings. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL         string
	MaxConns    int
	AutoMigrate bool
}

// RedisConfig holds the in-flight claim store. An empty Addr disables claims.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	ClaimTTL time.Duration
}

// KafkaConfig holds the notification topic. Without brokers notifications
// are posted to the marketplace callback instead.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	RelayInterval time.Duration
}

// WalletAConfig holds WalletA (card network checkout) credentials.
type WalletAConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// WalletBConfig holds WalletB (regional wallet) credentials.
type WalletBConfig struct {
	AccessToken     string
	WebhookSecret   string
	NotificationURL string
	SuccessURL      string
	FailureURL      string
	PendingURL      string
}

// GlobalWalletConfig holds GlobalWallet REST credentials and its webhook key.
type GlobalWalletConfig struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	PublicKeyPEM  string
	PublicKeyFile string
	Issuer        string
	ReturnURL     string
	CancelURL     string
}

// ReconcileConfig holds the scanner schedule.
type ReconcileConfig struct {
	Interval       time.Duration
	IntentTimeout  time.Duration
	PendingCeiling time.Duration
	Workers        int
	BatchSize      int
	SweepLimit     int
	PollAttempts   int
	PollBackoff    time.Duration
}

// EntitlementsConfig holds usage limit enforcement.
type EntitlementsConfig struct {
	Enforcement string // "hard" or "soft"
}

// MarketplaceConfig holds the marketplace callback API.
type MarketplaceConfig struct {
	BaseURL string
	APIKey  string
}

// Load reads configuration from environment variables, after loading a
// .env file when one is present. Variables already set win over the file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			GinMode:         getEnv("GIN_MODE", "debug"),
			ServiceToken:    getEnv("PAYMENTS_SERVICE_TOKEN", ""),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			URL:         getEnv("DATABASE_URL", ""),
			MaxConns:    getEnvInt("DATABASE_MAX_CONNS", 10),
			AutoMigrate: getEnvBool("DATABASE_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			ClaimTTL: getEnvDuration("WEBHOOK_CLAIM_TTL", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:       getEnvList("KAFKA_BROKERS"),
			Topic:         getEnv("KAFKA_TOPIC", "payments.notifications"),
			RelayInterval: getEnvDuration("OUTBOX_RELAY_INTERVAL", 500*time.Millisecond),
		},
		WalletA: WalletAConfig{
			SecretKey:     getEnv("WALLET_A_SECRET_KEY", ""),
			WebhookSecret: getEnv("WALLET_A_WEBHOOK_SECRET", ""),
			SuccessURL:    getEnv("WALLET_A_SUCCESS_URL", ""),
			CancelURL:     getEnv("WALLET_A_CANCEL_URL", ""),
		},
		WalletB: WalletBConfig{
			AccessToken:     getEnv("WALLET_B_ACCESS_TOKEN", ""),
			WebhookSecret:   getEnv("WALLET_B_WEBHOOK_SECRET", ""),
			NotificationURL: getEnv("WALLET_B_NOTIFICATION_URL", ""),
			SuccessURL:      getEnv("WALLET_B_SUCCESS_URL", ""),
			FailureURL:      getEnv("WALLET_B_FAILURE_URL", ""),
			PendingURL:      getEnv("WALLET_B_PENDING_URL", ""),
		},
		GlobalWallet: GlobalWalletConfig{
			BaseURL:       getEnv("GLOBAL_WALLET_BASE_URL", ""),
			ClientID:      getEnv("GLOBAL_WALLET_CLIENT_ID", ""),
			ClientSecret:  getEnv("GLOBAL_WALLET_CLIENT_SECRET", ""),
			PublicKeyPEM:  getEnv("GLOBAL_WALLET_WEBHOOK_PUBLIC_KEY", ""),
			PublicKeyFile: getEnv("GLOBAL_WALLET_WEBHOOK_PUBLIC_KEY_FILE", ""),
			Issuer:        getEnv("GLOBAL_WALLET_WEBHOOK_ISSUER", ""),
			ReturnURL:     getEnv("GLOBAL_WALLET_RETURN_URL", ""),
			CancelURL:     getEnv("GLOBAL_WALLET_CANCEL_URL", ""),
		},
		Reconcile: ReconcileConfig{
			Interval:       getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
			IntentTimeout:  getEnvDuration("INTENT_TIMEOUT", 24*time.Hour),
			PendingCeiling: getEnvDuration("RECONCILE_PENDING_CEILING", 48*time.Hour),
			Workers:        getEnvInt("RECONCILE_WORKERS", 5),
			BatchSize:      getEnvInt("RECONCILE_BATCH_SIZE", 50),
			SweepLimit:     getEnvInt("RECONCILE_SWEEP_LIMIT", 1000),
			PollAttempts:   getEnvInt("RECONCILE_POLL_ATTEMPTS", 3),
			PollBackoff:    getEnvDuration("RECONCILE_POLL_BACKOFF", 500*time.Millisecond),
		},
		Entitlements: EntitlementsConfig{
			Enforcement: getEnv("USAGE_ENFORCEMENT", "hard"),
		},
		Marketplace: MarketplaceConfig{
			BaseURL: getEnv("MARKETPLACE_URL", "http://localhost:8000"),
			APIKey:  getEnv("MARKETPLACE_API_KEY", ""),
		},
		ProviderTimeout:  getEnvDuration("PROVIDER_TIMEOUT", 20*time.Second),
		WebhookTolerance: getEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ServiceToken == "" {
		errs = append(errs, errors.New("PAYMENTS_SERVICE_TOKEN is required"))
	}
	if c.WalletA.SecretKey != "" && c.WalletA.WebhookSecret == "" {
		errs = append(errs, errors.New("WALLET_A_WEBHOOK_SECRET is required when WalletA is enabled"))
	}
	if c.WalletB.AccessToken != "" && c.WalletB.WebhookSecret == "" {
		errs = append(errs, errors.New("WALLET_B_WEBHOOK_SECRET is required when WalletB is enabled"))
	}
	if c.GlobalWallet.ClientID != "" {
		if c.GlobalWallet.BaseURL == "" {
			errs = append(errs, errors.New("GLOBAL_WALLET_BASE_URL is required when GlobalWallet is enabled"))
		}
		if c.GlobalWallet.PublicKeyPEM == "" && c.GlobalWallet.PublicKeyFile == "" {
			errs = append(errs, errors.New("GLOBAL_WALLET_WEBHOOK_PUBLIC_KEY or _FILE is required when GlobalWallet is enabled"))
		}
	}
	if !c.WalletA.Enabled() && !c.WalletB.Enabled() && !c.GlobalWallet.Enabled() {
		errs = append(errs, errors.New("at least one payment provider must be configured"))
	}
	switch c.Entitlements.Enforcement {
	case "hard", "soft":
	default:
		errs = append(errs, fmt.Errorf("USAGE_ENFORCEMENT must be hard or soft, got %q", c.Entitlements.Enforcement))
	}
	if c.Reconcile.Workers < 1 {
		errs = append(errs, errors.New("RECONCILE_WORKERS must be at least 1"))
	}
	if c.Reconcile.PendingCeiling < c.Reconcile.IntentTimeout {
		errs = append(errs, errors.New("RECONCILE_PENDING_CEILING must not be shorter than INTENT_TIMEOUT"))
	}
	return errors.Join(errs...)
}

// Enabled reports whether WalletA credentials are present.
func (c WalletAConfig) Enabled() bool { return c.SecretKey != "" }

// Enabled reports whether WalletB credentials are present.
func (c WalletBConfig) Enabled() bool { return c.AccessToken != "" }

// Enabled reports whether GlobalWallet credentials are present.
func (c GlobalWalletConfig) Enabled() bool { return c.ClientID != "" }

// PublicKey returns the webhook verification key, reading the file when the
// key is not set inline.
func (c GlobalWalletConfig) PublicKey() ([]byte, error) {
	if c.PublicKeyPEM != "" {
		return []byte(strings.ReplaceAll(c.PublicKeyPEM, `\n`, "\n")), nil
	}
	b, err := os.ReadFile(c.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read global wallet public key: %w", err)
	}
	return b, nil
}

// getEnv retrieves an environment variable with a fallback default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer with a fallback.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as a boolean with a fallback.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration retrieves an environment variable as a time.Duration with a fallback.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
