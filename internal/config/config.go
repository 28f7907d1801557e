// Package config provides environment configuration for the api, worker and seed binaries.
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
	Environment string

	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	MaxBodyBytes       int64
	EnqueueTimeout     time.Duration

	// Platform settings
	WebhookSecret    string
	VerifyToken      string
	AccessToken      string
	BusinessID       string
	MessagingAPIBase string
	DeliveryTimeout  time.Duration
	BypassSignature  bool

	// Storage settings
	DatabaseURL      string
	RedisURL         string
	IdempotencyTTL   time.Duration
	RedisCallTimeout time.Duration
	DBCallTimeout    time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Worker settings
	WorkerConcurrency int
	TaskMaxDeliver    int
	TaskAckWait       time.Duration
	TaskClaimTTL      time.Duration
	WorkerMetricsPort string

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration
	AdminEnabled  bool

	AdminAllowedOrigins []string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	LLMModel        string
	LLMTimeout      time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real environment values win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	environment := strings.ToLower(getEnv("ENVIRONMENT", "local"))

	cfg := &Config{
		Environment: environment,

		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
		MaxBodyBytes:       int64(getIntEnv("WEBHOOK_MAX_BODY_BYTES", 1<<20)),
		EnqueueTimeout:     getDurationEnv("ENQUEUE_TIMEOUT", 150*time.Millisecond),

		// Platform
		WebhookSecret:    getEnv("TIKTOK_WEBHOOK_SECRET", ""),
		VerifyToken:      getEnv("TIKTOK_VERIFY_TOKEN", ""),
		AccessToken:      getEnv("TIKTOK_ACCESS_TOKEN", ""),
		BusinessID:       getEnv("TIKTOK_BUSINESS_ID", ""),
		MessagingAPIBase: getEnv("TIKTOK_MESSAGING_API_BASE_URL", "https://business-api.tiktok.com/open_api/v1.3/business/message/send/"),
		DeliveryTimeout:  getDurationEnv("DELIVERY_TIMEOUT", 10*time.Second),
		BypassSignature:  getBoolEnv("BYPASS_SIGNATURE", environment != "production"),

		// Storage
		DatabaseURL:      getEnv("DATABASE_URL", "file:thrift-inbox.db"),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		IdempotencyTTL:   getDurationEnv("IDEMPOTENCY_TTL", 600*time.Second),
		RedisCallTimeout: getDurationEnv("REDIS_CALL_TIMEOUT", 50*time.Millisecond),
		DBCallTimeout:    getDurationEnv("DB_CALL_TIMEOUT", 5*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Worker
		WorkerConcurrency: getIntEnv("WORKER_CONCURRENCY", 8),
		TaskMaxDeliver:    getIntEnv("TASK_MAX_DELIVER", 5),
		TaskAckWait:       getDurationEnv("TASK_ACK_WAIT", 2*time.Minute),
		TaskClaimTTL:      getDurationEnv("TASK_CLAIM_TTL", 5*time.Minute),
		WorkerMetricsPort: getEnv("WORKER_METRICS_PORT", "9090"),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),
		AdminEnabled:  getBoolEnv("ADMIN_ENABLED", environment != "production"),

		AdminAllowedOrigins: getListEnv("ADMIN_ALLOWED_ORIGINS"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "openai"),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMTimeout:      getDurationEnv("LLM_TIMEOUT", 30*time.Second),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the process runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate checks settings that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	var errs []error

	if c.IsProduction() {
		if c.WebhookSecret == "" {
			errs = append(errs, errors.New("TIKTOK_WEBHOOK_SECRET is required in production"))
		}
		if c.BypassSignature {
			errs = append(errs, errors.New("BYPASS_SIGNATURE cannot be enabled in production"))
		}
		if c.JWTSecret == "development-secret-change-in-production" {
			errs = append(errs, errors.New("JWT_SECRET must be set in production"))
		}
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency))
	}
	if c.TaskMaxDeliver < 1 {
		errs = append(errs, fmt.Errorf("TASK_MAX_DELIVER must be positive, got %d", c.TaskMaxDeliver))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("WEBHOOK_MAX_BODY_BYTES must be positive"))
	}
	switch c.DefaultLLM {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("DEFAULT_LLM must be openai or anthropic, got %q", c.DefaultLLM))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
