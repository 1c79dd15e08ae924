package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

type Config struct {
	Host     string
	Port     string
	APIKey   string
	LogLevel slog.Level

	LedgerDriver  string
	DB            DBConfig
	DBAutoMigrate bool
	BoltPath      string

	PaymentProvider     string
	StripeSecretKey     string
	StripeWebhookSecret string
	DefaultCurrency     string
	ServiceFeePercent   decimal.Decimal
	GatewayTimeout      time.Duration
	AutoRelease         bool

	NotifyDriver string
	SQSQueueURL  string
	AWSRegion    string
	AWSAccessKey string
	AWSSecret    string
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.Host, c.User, c.Password, c.Name, c.Port, c.SSLMode,
	)
}

func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// Load reads .env files if present, then the environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv without touching .env files.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	c := &Config{
		Host:   get("HOST", "127.0.0.1"),
		Port:   get("PORT", "3000"),
		APIKey: get("API_KEY", ""),

		LedgerDriver: strings.ToLower(get("LEDGER_DRIVER", "postgres")),
		DB: DBConfig{
			Host:     get("DB_HOST", "localhost"),
			Port:     get("DB_PORT", "5432"),
			User:     get("DB_USER", ""),
			Password: get("DB_PASSWORD", ""),
			Name:     get("DB_NAME", "dealpay"),
			SSLMode:  get("DB_SSLMODE", "disable"),
		},
		BoltPath: get("BOLT_PATH", "dealpay.db"),

		PaymentProvider:     strings.ToLower(get("PAYMENT_PROVIDER", "stripe")),
		StripeSecretKey:     get("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: get("STRIPE_WEBHOOK_SECRET", ""),
		DefaultCurrency:     strings.ToLower(get("DEFAULT_CURRENCY", "usd")),

		NotifyDriver: strings.ToLower(get("NOTIFY_DRIVER", "log")),
		SQSQueueURL:  get("SQS_QUEUE_URL", ""),
		AWSRegion:    get("AWS_REGION", "us-east-1"),
		AWSAccessKey: get("AWS_ACCESS_KEY", ""),
		AWSSecret:    get("AWS_SECRET", ""),
	}

	var err error
	if err = c.LogLevel.UnmarshalText([]byte(get("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.DBAutoMigrate, err = cast.ToBoolE(get("DB_AUTO_MIGRATE", "false")); err != nil {
		return nil, fmt.Errorf("DB_AUTO_MIGRATE: %w", err)
	}
	if c.AutoRelease, err = cast.ToBoolE(get("AUTO_RELEASE", "false")); err != nil {
		return nil, fmt.Errorf("AUTO_RELEASE: %w", err)
	}
	if c.GatewayTimeout, err = cast.ToDurationE(get("GATEWAY_TIMEOUT", "5s")); err != nil {
		return nil, fmt.Errorf("GATEWAY_TIMEOUT: %w", err)
	}
	if c.ServiceFeePercent, err = decimal.NewFromString(get("SERVICE_FEE_PERCENT", "10")); err != nil {
		return nil, fmt.Errorf("SERVICE_FEE_PERCENT: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.ServiceFeePercent.IsNegative() || c.ServiceFeePercent.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("SERVICE_FEE_PERCENT must be between 0 and 100, got %s", c.ServiceFeePercent))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, fmt.Errorf("GATEWAY_TIMEOUT must be positive, got %s", c.GatewayTimeout))
	}

	switch c.LedgerDriver {
	case "postgres", "bolt":
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_DRIVER %q", c.LedgerDriver))
	}

	switch c.PaymentProvider {
	case "stripe":
		if c.StripeSecretKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is required for the stripe provider"))
		}
		if c.StripeWebhookSecret == "" {
			errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required for the stripe provider"))
		}
	case "fake":
		if c.APIKey == "" {
			errs = append(errs, errors.New("API_KEY is required for the fake provider, it signs webhooks"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PAYMENT_PROVIDER %q", c.PaymentProvider))
	}

	switch c.NotifyDriver {
	case "log", "none":
	case "sqs":
		if c.SQSQueueURL == "" {
			errs = append(errs, errors.New("SQS_QUEUE_URL is required for the sqs notify driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown NOTIFY_DRIVER %q", c.NotifyDriver))
	}

	return errors.Join(errs...)
}

// WebhookSecret is the secret the configured provider signs webhooks with.
func (c *Config) WebhookSecret() string {
	if c.PaymentProvider == "stripe" {
		return c.StripeWebhookSecret
	}
	return c.APIKey
}
