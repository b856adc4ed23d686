package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 20*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Reconcile.IntentTimeout)
	assert.Equal(t, 48*time.Hour, cfg.Reconcile.PendingCeiling)
	assert.Equal(t, 5, cfg.Reconcile.Workers)
	assert.Equal(t, "hard", cfg.Entitlements.Enforcement)
	assert.Equal(t, "payments.notifications", cfg.Kafka.Topic)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("PROVIDER_TIMEOUT", "5s")
	t.Setenv("RECONCILE_WORKERS", "8")
	t.Setenv("DATABASE_AUTO_MIGRATE", "false")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, ,kafka-2:9092")
	t.Setenv("INTENT_TIMEOUT", "not-a-duration")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 8, cfg.Reconcile.Workers)
	assert.False(t, cfg.Database.AutoMigrate)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 24*time.Hour, cfg.Reconcile.IntentTimeout)
}

func validConfig() *Config {
	return &Config{
		Server:       ServerConfig{ServiceToken: "svc"},
		WalletA:      WalletAConfig{SecretKey: "sk_test", WebhookSecret: "whsec"},
		Reconcile:    ReconcileConfig{Workers: 1},
		Entitlements: EntitlementsConfig{Enforcement: "hard"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing service token",
			mutate:  func(c *Config) { c.Server.ServiceToken = "" },
			wantErr: "PAYMENTS_SERVICE_TOKEN",
		},
		{
			name:    "wallet a without webhook secret",
			mutate:  func(c *Config) { c.WalletA.WebhookSecret = "" },
			wantErr: "WALLET_A_WEBHOOK_SECRET",
		},
		{
			name: "no provider",
			mutate: func(c *Config) {
				c.WalletA = WalletAConfig{}
			},
			wantErr: "at least one payment provider",
		},
		{
			name: "global wallet without key",
			mutate: func(c *Config) {
				c.GlobalWallet = GlobalWalletConfig{ClientID: "id", BaseURL: "https://api.example"}
			},
			wantErr: "GLOBAL_WALLET_WEBHOOK_PUBLIC_KEY",
		},
		{
			name: "pending ceiling below timeout",
			mutate: func(c *Config) {
				c.Reconcile.IntentTimeout = 24 * time.Hour
				c.Reconcile.PendingCeiling = time.Hour
			},
			wantErr: "RECONCILE_PENDING_CEILING",
		},
		{
			name:    "unknown enforcement",
			mutate:  func(c *Config) { c.Entitlements.Enforcement = "lenient" },
			wantErr: "USAGE_ENFORCEMENT",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGlobalWalletPublicKey(t *testing.T) {
	inline := GlobalWalletConfig{PublicKeyPEM: `-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----`}
	key, err := inline.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----", string(key))

	path := filepath.Join(t.TempDir(), "gw.pem")
	require.NoError(t, os.WriteFile(path, []byte("pem"), 0o600))
	fromFile := GlobalWalletConfig{PublicKeyFile: path}
	key, err = fromFile.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, "pem", string(key))

	_, err = GlobalWalletConfig{PublicKeyFile: filepath.Join(t.TempDir(), "missing.pem")}.PublicKey()
	assert.Error(t, err)
}
