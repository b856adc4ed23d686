package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/marketplace/payments/config"
	"github.com/marketplace/payments/internal/adapters/globalwallet"
	"github.com/marketplace/payments/internal/adapters/marketplace"
	"github.com/marketplace/payments/internal/adapters/memory"
	"github.com/marketplace/payments/internal/adapters/mercadopago"
	"github.com/marketplace/payments/internal/adapters/outbox"
	"github.com/marketplace/payments/internal/adapters/postgres"
	"github.com/marketplace/payments/internal/adapters/redisidem"
	"github.com/marketplace/payments/internal/adapters/stripe"
	"github.com/marketplace/payments/internal/core/ports"
	"github.com/marketplace/payments/internal/core/service"
	"github.com/marketplace/payments/internal/platform/logging"
	"github.com/marketplace/payments/internal/platform/tracing"
)

// store is everything the services need from persistence. Both the
// Postgres and the in-memory store satisfy it.
type store interface {
	ports.TxManager
	ports.IntentStore
	ports.OwnerStore
	ports.OwnerRegistry
	ports.UsageStore
	ports.WebhookLedger
	ports.AuditSink
	ports.AuditReader
	ports.RefundStore
	ports.Notifier
	ports.HealthChecker
}

type app struct {
	log   *slog.Logger
	store store

	checkout     *service.CheckoutService
	settlement   *service.SettlementService
	entitlements *service.EntitlementService
	webhooks     *service.WebhookService
	reconciler   *service.Reconciler
	owners       *service.OwnerService
	relay        *outbox.Relay

	closers []func()
}

// newApp wires dependencies (manual dependency injection).
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logging.New(cfg.LogLevel)
	tracing.Init()
	a := &app{log: log}

	// Infrastructure Layer
	market := marketplace.NewClient(cfg.Marketplace.BaseURL, cfg.Marketplace.APIKey)

	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(log, cfg.Database.URL, 0); err != nil {
				return nil, err
			}
		}
		var err error
		pool, err = postgres.Connect(ctx, cfg.Database.URL, int32(cfg.Database.MaxConns))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		a.store = postgres.NewStore(log, pool)
	} else {
		log.Warn("DATABASE_URL not set, using the in-memory store; state is lost on restart")
		a.store = memory.NewStore()
	}

	var claims ports.InflightClaims
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		c := redisidem.NewClaims(rdb, "")
		if err := c.Ping(ctx); err != nil {
			log.Warn("redis unreachable, webhook claims degrade to the durable ledger", "err", err)
		}
		claims = c
	}

	adapters, verifiers, err := providerAdapters(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	providers := service.NewProviders(adapters...)

	// Service Layer
	mode := service.EnforcementMode(cfg.Entitlements.Enforcement)
	a.entitlements = service.NewEntitlementService(a.store, a.store, a.store, log, mode)
	a.settlement = service.NewSettlementService(a.store, a.store, a.store, a.store, a.store, a.store,
		market, a.entitlements, providers, log, cfg.ProviderTimeout)
	a.checkout = service.NewCheckoutService(a.store, a.store, a.store, a.store, providers, a.settlement, log, cfg.ProviderTimeout)
	a.webhooks = service.NewWebhookService(verifiers, a.store, claims, a.store, a.settlement, a.store, a.store, log, cfg.Redis.ClaimTTL)
	a.owners = service.NewOwnerService(a.store, a.store, log)
	a.reconciler = service.NewReconciler(a.store, a.store, a.settlement, a.entitlements, providers, log, service.ReconcileConfig{
		Interval:       cfg.Reconcile.Interval,
		IntentTimeout:  cfg.Reconcile.IntentTimeout,
		PendingCeiling: cfg.Reconcile.PendingCeiling,
		BatchSize:      cfg.Reconcile.BatchSize,
		SweepLimit:     cfg.Reconcile.SweepLimit,
		Workers:        cfg.Reconcile.Workers,
		PollAttempts:   cfg.Reconcile.PollAttempts,
		PollBackoff:    cfg.Reconcile.PollBackoff,
	})

	// Notification relay, only with a durable outbox
	if pool != nil {
		var sink outbox.Sink
		if len(cfg.Kafka.Brokers) > 0 {
			w := outbox.NewWriter(cfg.Kafka.Brokers)
			a.closers = append(a.closers, func() { _ = w.Close() })
			sink = outbox.NewDispatcher(log, w, cfg.Kafka.Topic)
		} else {
			sink = outbox.NewCallbackSink(log, market)
		}
		a.relay = outbox.NewRelay(log, postgres.NewOutboxStore(log, pool), sink, relayID()).
			WithInterval(cfg.Kafka.RelayInterval)
	}

	return a, nil
}

// Close releases connections in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func providerAdapters(cfg *config.Config, log *slog.Logger) ([]ports.ProviderAdapter, []ports.SignatureVerifier, error) {
	var (
		adapters  []ports.ProviderAdapter
		verifiers []ports.SignatureVerifier
	)

	if cfg.WalletA.Enabled() {
		adapters = append(adapters, stripe.NewAdapter(stripe.Config{
			SecretKey:  cfg.WalletA.SecretKey,
			SuccessURL: cfg.WalletA.SuccessURL,
			CancelURL:  cfg.WalletA.CancelURL,
		}, log))
		verifiers = append(verifiers, stripe.NewVerifier(cfg.WalletA.WebhookSecret, cfg.WebhookTolerance))
	}

	if cfg.WalletB.Enabled() {
		mp, err := mercadopago.NewAdapter(mercadopago.Config{
			AccessToken:     cfg.WalletB.AccessToken,
			NotificationURL: cfg.WalletB.NotificationURL,
			SuccessURL:      cfg.WalletB.SuccessURL,
			FailureURL:      cfg.WalletB.FailureURL,
			PendingURL:      cfg.WalletB.PendingURL,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		adapters = append(adapters, mp)
		verifiers = append(verifiers, mercadopago.NewWebhookValidator(cfg.WalletB.WebhookSecret, cfg.WebhookTolerance, mp))
	}

	if cfg.GlobalWallet.Enabled() {
		adapters = append(adapters, globalwallet.NewClient(globalwallet.Config{
			BaseURL:      cfg.GlobalWallet.BaseURL,
			ClientID:     cfg.GlobalWallet.ClientID,
			ClientSecret: cfg.GlobalWallet.ClientSecret,
			ReturnURL:    cfg.GlobalWallet.ReturnURL,
			CancelURL:    cfg.GlobalWallet.CancelURL,
			Timeout:      cfg.ProviderTimeout,
		}, log))
		key, err := cfg.GlobalWallet.PublicKey()
		if err != nil {
			return nil, nil, err
		}
		v, err := globalwallet.NewVerifier(key, cfg.GlobalWallet.Issuer, cfg.WebhookTolerance)
		if err != nil {
			return nil, nil, err
		}
		verifiers = append(verifiers, v)
	}

	if len(adapters) == 0 {
		return nil, nil, fmt.Errorf("no payment provider configured")
	}
	return adapters, verifiers, nil
}

func relayID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "payments"
	}
	return host + "-" + uuid.NewString()[:8]
}
