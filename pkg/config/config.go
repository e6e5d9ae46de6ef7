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

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config 应用配置结构
type Config struct {
	// 环境配置
	Environment string
	Port        string
	LogLevel    string
	Debug       bool

	// 数据库配置
	UseMemoryDB       bool
	PostgresDSN       string
	StorageMaxRetries int
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// JWT配置
	JWTSecret string

	// Stripe配置
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	DefaultCurrency     string
	ProviderTimeout     time.Duration
	ProviderMaxAttempts int

	// Webhook
	WebhookTimeout      time.Duration
	WebhookMaxBodyBytes int64

	// 订阅周期
	GracePeriod           time.Duration
	CheckoutTimeout       time.Duration
	ReminderLookahead     time.Duration
	PaymentRetention      time.Duration
	WebhookEventRetention time.Duration

	// 定时任务
	SchedulerEnabled     bool
	ExpirySchedule       string
	ReminderSchedule     string
	RetentionSchedule    string
	WebhookRetrySchedule string

	// 邮件通知，SMTPHost 为空时只写日志
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTimeout  time.Duration

	// CORS配置
	AllowedOrigins []string
}

// Load 加载配置，已存在的环境变量优先于 .env 文件
func Load() (*Config, error) {
	env := getEnvWithDefault("ENVIRONMENT", "development")

	envFile := ".env.local"
	if env == "production" {
		envFile = ".env.production"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	p := &parser{}
	cfg := &Config{
		Environment: getEnvWithDefault("ENVIRONMENT", "development"),
		Port:        getEnvWithDefault("PORT", "3000"),
		LogLevel:    getEnvWithDefault("LOG_LEVEL", "info"),
		Debug:       p.bool("DEBUG", false),

		PostgresDSN:       strings.TrimSpace(os.Getenv("POSTGRES_DSN")),
		UseMemoryDB:       p.bool("USE_MEMORY_DB", false),
		StorageMaxRetries: p.int("STORAGE_MAX_RETRIES", 3),
		DBMaxOpenConns:    p.int("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    p.int("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: p.duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),

		JWTSecret: getEnvWithDefault("JWT_SECRET", defaultJWTSecret),

		StripeSecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		CheckoutSuccessURL:  getEnvWithDefault("CHECKOUT_SUCCESS_URL", "http://localhost:3000/billing/success"),
		CheckoutCancelURL:   getEnvWithDefault("CHECKOUT_CANCEL_URL", "http://localhost:3000/billing/cancel"),
		DefaultCurrency:     strings.ToLower(getEnvWithDefault("DEFAULT_CURRENCY", "usd")),
		ProviderTimeout:     p.duration("PROVIDER_TIMEOUT", 10*time.Second),
		ProviderMaxAttempts: p.int("PROVIDER_MAX_ATTEMPTS", 3),

		WebhookTimeout:      p.duration("WEBHOOK_TIMEOUT", 15*time.Second),
		WebhookMaxBodyBytes: int64(p.int("WEBHOOK_MAX_BODY_BYTES", 1<<16)),

		GracePeriod:           p.duration("GRACE_PERIOD", 72*time.Hour),
		CheckoutTimeout:       p.duration("CHECKOUT_TIMEOUT", 24*time.Hour),
		ReminderLookahead:     p.duration("REMINDER_LOOKAHEAD", 72*time.Hour),
		PaymentRetention:      p.duration("PAYMENT_RETENTION", 365*24*time.Hour),
		WebhookEventRetention: p.duration("WEBHOOK_EVENT_RETENTION", 90*24*time.Hour),

		SchedulerEnabled:     p.bool("SCHEDULER_ENABLED", true),
		ExpirySchedule:       getEnvWithDefault("EXPIRY_SCHEDULE", "0 * * * *"),
		ReminderSchedule:     getEnvWithDefault("REMINDER_SCHEDULE", "0 9 * * *"),
		RetentionSchedule:    getEnvWithDefault("RETENTION_SCHEDULE", "30 3 * * 0"),
		WebhookRetrySchedule: getEnvWithDefault("WEBHOOK_RETRY_SCHEDULE", "*/15 * * * *"),

		SMTPHost:     strings.TrimSpace(os.Getenv("SMTP_HOST")),
		SMTPPort:     p.int("SMTP_PORT", 587),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     getEnvWithDefault("SMTP_FROM", "billing@localhost"),
		SMTPTimeout:  p.duration("SMTP_TIMEOUT", 30*time.Second),
	}

	// CORS配置
	allowedOrigins := getEnvWithDefault("ALLOWED_ORIGINS", "*")
	if allowedOrigins == "*" {
		cfg.AllowedOrigins = []string{"*"}
	} else {
		for _, o := range strings.Split(allowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	// 生产环境关闭调试
	if cfg.IsProduction() {
		cfg.Debug = false
	}

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.IsProduction() {
		if c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret {
			errs = append(errs, errors.New("JWT_SECRET must be set in production"))
		}
		if c.UseMemoryDB {
			errs = append(errs, errors.New("USE_MEMORY_DB is not allowed in production"))
		}
		if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET must be set in production"))
		}
	}
	if !c.UseMemoryDB && c.PostgresDSN == "" {
		errs = append(errs, errors.New("数据库配置不完整：请配置 POSTGRES_DSN 或 USE_MEMORY_DB=true"))
	}
	if len(c.DefaultCurrency) != 3 {
		errs = append(errs, fmt.Errorf("DEFAULT_CURRENCY must be a 3-letter code, got %q", c.DefaultCurrency))
	}
	if c.ProviderTimeout <= 0 || c.WebhookTimeout <= 0 {
		errs = append(errs, errors.New("PROVIDER_TIMEOUT and WEBHOOK_TIMEOUT must be positive"))
	}
	if c.ProviderMaxAttempts < 1 {
		errs = append(errs, errors.New("PROVIDER_MAX_ATTEMPTS must be at least 1"))
	}
	if c.StorageMaxRetries < 0 {
		errs = append(errs, errors.New("STORAGE_MAX_RETRIES must not be negative"))
	}
	if c.DBMaxOpenConns < 1 || c.DBMaxIdleConns < 0 || c.DBMaxIdleConns > c.DBMaxOpenConns {
		errs = append(errs, fmt.Errorf("DB_MAX_IDLE_CONNS (%d) must be between 0 and DB_MAX_OPEN_CONNS (%d)", c.DBMaxIdleConns, c.DBMaxOpenConns))
	}
	if c.DBConnMaxLifetime <= 0 {
		errs = append(errs, errors.New("DB_CONN_MAX_LIFETIME must be positive"))
	}
	if c.WebhookMaxBodyBytes <= 0 {
		errs = append(errs, errors.New("WEBHOOK_MAX_BODY_BYTES must be positive"))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, errors.New("GRACE_PERIOD must not be negative"))
	}
	return errors.Join(errs...)
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment 检查是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// 辅助函数

// getEnvWithDefault 获取环境变量，如果不存在则使用默认值
func getEnvWithDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// parser collects malformed values instead of silently falling back to defaults.
type parser struct {
	errs []error
}

func (p *parser) bool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, value))
		return defaultValue
	}
	return parsed
}

func (p *parser) int(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return defaultValue
	}
	return parsed
}

// duration 支持 "72h" 这类 Go duration 格式，也支持 "3d" 天数
func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if days, ok := strings.CutSuffix(value, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, value))
		return defaultValue
	}
	return parsed
}
