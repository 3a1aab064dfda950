package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port   string // default: 8080
	AppURL string // default: http://localhost:3000, used for Stripe return URLs

	// Database
	StoreBackend  string // "postgres" or "memory", default: postgres
	PostgresDSN   string
	StoreTimeout  time.Duration // default: 3s
	RunMigrations bool
	RunSeed       bool

	// Cache
	RedisAddr           string
	EntitlementCacheTTL time.Duration // default: 30s, 0 disables the cache

	// Identity
	JWTSecret string
	JWTIssuer string // optional

	// Quota and entitlement
	FreeQuotaLimit         int           // default: 5
	EntitlementGraceWindow time.Duration // default: 86400400ms

	// Providers
	OpenAIAPIKey      string
	GeminiAPIKey      string
	AnthropicAPIKey   string
	ReplicateAPIToken string
	ChatModel         string // default: gpt-3.5-turbo

	// Billing
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceID       string // optional, inline monthly price when empty

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string // default: info
	LogFormat            string // "json" or "console", default: json

	// Rate Limiting
	RateLimitPerMinute int // generation requests per user per minute, default: 20
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		AppURL:               getEnv("APP_URL", "http://localhost:3000"),
		StoreBackend:         getEnv("STORE_BACKEND", "postgres"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		JWTIssuer:            os.Getenv("JWT_ISSUER"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		ReplicateAPIToken:    os.Getenv("REPLICATE_API_TOKEN"),
		ChatModel:            getEnv("CHAT_MODEL", "gpt-3.5-turbo"),
		StripeSecretKey:      os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePriceID:        os.Getenv("STRIPE_PRICE_ID"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		RunMigrations:        os.Getenv("RUN_MIGRATIONS") == "true",
		RunSeed:              os.Getenv("RUN_SEED") == "true",
	}

	var err error
	if cfg.FreeQuotaLimit, err = getInt("FREE_QUOTA_LIMIT", 5); err != nil {
		return nil, err
	}
	if cfg.FreeQuotaLimit < 0 {
		return nil, fmt.Errorf("FREE_QUOTA_LIMIT must not be negative")
	}
	if cfg.RateLimitPerMinute, err = getInt("RATE_LIMIT_PER_MINUTE", 20); err != nil {
		return nil, err
	}

	graceMs, err := getInt("ENTITLEMENT_GRACE_WINDOW_MS", 86_400_400)
	if err != nil {
		return nil, err
	}
	if graceMs < 0 {
		return nil, fmt.Errorf("ENTITLEMENT_GRACE_WINDOW_MS must not be negative")
	}
	cfg.EntitlementGraceWindow = time.Duration(graceMs) * time.Millisecond

	if cfg.EntitlementCacheTTL, err = getDuration("ENTITLEMENT_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = getDuration("STORE_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}

	// Validation
	switch cfg.StoreBackend {
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND %q", cfg.StoreBackend)
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
