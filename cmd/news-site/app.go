package main

import (
	"context"
	"fmt"
	"log/slog"

	"news-site-backend/pkg/billing"
	"news-site-backend/pkg/config"
	"news-site-backend/pkg/database"
	"news-site-backend/pkg/logging"
	"news-site-backend/pkg/metrics"
	"news-site-backend/pkg/payment"
	"news-site-backend/pkg/sweeper"
	"news-site-backend/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
)

// app 所有服务的装配结果，serve 和 sweep 共用
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      database.Store
	metrics    *metrics.Metrics
	jwt        *utils.JWTService
	registry   *billing.Registry
	ledger     *billing.Ledger
	initiator  *billing.Initiator
	reconciler *billing.Reconciler
	pins       *billing.Pins
	sweeper    *sweeper.Sweeper
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.Setup(logging.Options{Environment: cfg.Environment, Level: cfg.LogLevel})
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*app, error) {
	store, err := database.NewDatabase(ctx, databaseConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	m, err := metrics.New(reg)
	if err != nil {
		store.Close()
		return nil, err
	}

	bcfg := billingConfig(cfg)
	provider := newProvider(cfg, logger)
	reconciler := billing.NewReconciler(store, provider, bcfg, m, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		metrics:    m,
		jwt:        utils.NewJWTService(cfg.JWTSecret),
		registry:   billing.NewRegistry(store, bcfg),
		ledger:     billing.NewLedger(store, provider, bcfg, m),
		initiator:  billing.NewInitiator(store, provider, bcfg, m, logger),
		reconciler: reconciler,
		pins:       billing.NewPins(store, bcfg),
		sweeper:    sweeper.New(store, newNotifier(cfg, logger), reconciler, sweeperConfig(cfg), m, logger),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func databaseConfig(cfg *config.Config) database.DatabaseConfig {
	return database.DatabaseConfig{
		PostgresDSN:     cfg.PostgresDSN,
		UseMemoryDB:     cfg.UseMemoryDB,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}
}

func billingConfig(cfg *config.Config) billing.Config {
	bcfg := billing.DefaultConfig()
	bcfg.GracePeriod = cfg.GracePeriod
	bcfg.CheckoutTimeout = cfg.CheckoutTimeout
	bcfg.StorageMaxRetries = cfg.StorageMaxRetries
	bcfg.SuccessURL = cfg.CheckoutSuccessURL
	bcfg.CancelURL = cfg.CheckoutCancelURL
	bcfg.DefaultCurrency = cfg.DefaultCurrency
	bcfg.Provider.MaxAttempts = cfg.ProviderMaxAttempts
	bcfg.Provider.Timeout = cfg.ProviderTimeout
	return bcfg
}

func sweeperConfig(cfg *config.Config) sweeper.Config {
	scfg := sweeper.DefaultConfig()
	scfg.GracePeriod = cfg.GracePeriod
	scfg.CheckoutTimeout = cfg.CheckoutTimeout
	scfg.ReminderLookahead = cfg.ReminderLookahead
	scfg.PaymentRetention = cfg.PaymentRetention
	scfg.WebhookEventRetention = cfg.WebhookEventRetention
	scfg.StorageMaxRetries = cfg.StorageMaxRetries
	return scfg
}

// newProvider 未配置 Stripe 密钥时（仅限开发环境）使用模拟支付服务
func newProvider(cfg *config.Config, logger *slog.Logger) payment.Provider {
	if cfg.StripeSecretKey == "" && !cfg.IsProduction() {
		logger.Warn("STRIPE_SECRET_KEY not set, using mock payment provider")
		return payment.NewMockProvider()
	}
	return payment.NewStripeProvider(payment.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
	})
}

func newNotifier(cfg *config.Config, logger *slog.Logger) sweeper.Notifier {
	if cfg.SMTPHost == "" {
		return sweeper.LogNotifier{Logger: logger}
	}
	return sweeper.NewSMTPNotifier(sweeper.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		Timeout:  cfg.SMTPTimeout,
	})
}
