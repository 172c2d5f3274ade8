package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (POSCORE_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (POSCORE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`

	RateLimit RateLimitConfig
	CORS      CORSConfig
	Graceful  GracefulConfig
	Orders    OrdersConfig
	Payment   PaymentConfig
	Webhook   WebhookConfig
	Gateways  GatewaysConfig
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// OrdersConfig controls the order expiry sweep.
type OrdersConfig struct {
	PendingTimeout time.Duration `default:"15m" usage:"Idle window before a pending order is cancelled" flag:"pending-timeout"`
	SweepEvery     time.Duration `default:"10m" usage:"Order expiry sweep interval" flag:"order-sweep-every"`
	SweepLimit     int           `default:"100" usage:"Max orders per expiry sweep run" flag:"order-sweep-limit"`
	MaxOverdue     int           `default:"2"   usage:"Overdue invoices before an account is blocked by debt" flag:"max-overdue"`
}

// PaymentConfig controls the payment intent timeout sweep.
type PaymentConfig struct {
	Timeout    time.Duration `default:"5m"  usage:"Age after which a non-terminal intent is resolved" flag:"payment-timeout"`
	SweepEvery time.Duration `default:"1m"  usage:"Payment timeout sweep interval" flag:"payment-sweep-every"`
	SweepLimit int           `default:"100" usage:"Max intents per timeout sweep run" flag:"payment-sweep-limit"`
}

// WebhookConfig controls webhook retry behaviour.
type WebhookConfig struct {
	MaxAttempts int           `default:"5"   usage:"Processing attempts before a delivery is dropped"`
	BaseBackoff time.Duration `default:"30s" usage:"First retry delay; doubles per attempt" flag:"webhook-backoff"`
	SweepEvery  time.Duration `default:"30s" usage:"Webhook retry sweep interval" flag:"webhook-sweep-every"`
	SweepLimit  int           `default:"100" usage:"Max receipts per retry sweep run" flag:"webhook-sweep-limit"`
}

// GatewaysConfig carries the per-provider credentials and endpoints.
type GatewaysConfig struct {
	MercadoPago MercadoPagoConfig
	PagBank     PagBankConfig
}

// MercadoPagoConfig configures the Mercado Pago integration.
type MercadoPagoConfig struct {
	BaseURL       string `default:"https://api.mercadopago.com" usage:"Mercado Pago API base URL"`
	AccessToken   string `usage:"Mercado Pago API access token" flag:"mp-access-token"`
	WebhookSecret string `usage:"Mercado Pago webhook HMAC secret" flag:"mp-webhook-secret"`
}

// PagBankConfig configures the PagBank integration.
type PagBankConfig struct {
	BaseURL      string `default:"https://api.pagseguro.com" usage:"PagBank API base URL"`
	AccessToken  string `usage:"PagBank API access token" flag:"pagbank-access-token"`
	WebhookToken string `usage:"PagBank webhook authentication token" flag:"pagbank-webhook-token"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "POSCORE",
		Files:     []string{"config.yaml", "/etc/poscore/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set POSCORE_DATABASE_URL or DATABASE_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the POSCORE_-prefixed
// configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
