package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const DefaultJWTAudience = "keyproxy"

var DefaultAllowedModels = []string{"gpt-4o", "gpt-4o-mini", "gpt-3.5-turbo"}

type Config struct {
	Addr     string
	LogLevel string
	AppName  string

	RedisURL      string
	RedisPrefix   string
	DatabaseURL   string
	EncryptionKey string

	JWTAudience        string
	JWTPublicKeys      map[string]string
	ClientHMACSecrets  map[string]string
	HMACClockTolerance time.Duration

	// Legacy single-provider shape.
	ProductKeys   map[string]string
	AllowedModels []string

	// Separated shape, kept raw so provider order follows the document.
	ProductModels       string
	ProductProviderKeys string

	ProductsFile string

	MaxTokens      int
	MinTemperature float64
	MaxTemperature float64
	RequestTimeout time.Duration

	RateLimit RateLimitConfig

	UseSecretManager bool
	AWSRegion        string
	SecretNames      SecretNames

	QuotaAlertTopicARN string
	OTLPEndpoint       string

	ShutdownTimeout time.Duration
}

type RateLimitConfig struct {
	BucketCapacity  int
	RefillPerSecond float64
	DailyQuota      int
}

// SecretNames maps each secret-manager entry onto the setting it overlays.
// An empty name skips that overlay.
type SecretNames struct {
	ProductKeys         string
	ProductModels       string
	ProductProviderKeys string
	JWTPublicKeys       string
	ClientHMACSecrets   string
}

// Load reads settings from the environment after merging an optional .env
// file from the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Addr:                getEnv("ADDR", ":8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		AppName:             getEnv("APP_NAME", "keyproxy"),
		RedisURL:            getEnv("REDIS_URL", ""),
		RedisPrefix:         getEnv("REDIS_PREFIX", "keyproxy"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		EncryptionKey:       getEnv("ENCRYPTION_KEY", ""),
		JWTAudience:         getEnv("JWT_AUDIENCE", DefaultJWTAudience),
		HMACClockTolerance:  getDurationEnv("HMAC_CLOCK_TOLERANCE", 300*time.Second),
		ProductModels:       getEnv("PRODUCT_MODELS", ""),
		ProductProviderKeys: getEnv("PRODUCT_PROVIDER_KEYS", ""),
		ProductsFile:        getEnv("PRODUCTS_FILE", ""),
		MaxTokens:           getIntEnv("MAX_TOKENS", 2048),
		MinTemperature:      getFloatEnv("MIN_TEMPERATURE", 0),
		MaxTemperature:      getFloatEnv("MAX_TEMPERATURE", 1),
		RequestTimeout:      getDurationEnv("REQUEST_TIMEOUT", 30*time.Second),
		RateLimit: RateLimitConfig{
			BucketCapacity:  getIntEnv("RATE_LIMIT_BUCKET_CAPACITY", 10),
			RefillPerSecond: getFloatEnv("RATE_LIMIT_REFILL_PER_SECOND", 5),
			DailyQuota:      getIntEnv("RATE_LIMIT_DAILY_QUOTA", 200000),
		},
		UseSecretManager: getBoolEnv("USE_SECRET_MANAGER", false),
		AWSRegion:        getEnv("AWS_REGION", "us-east-1"),
		SecretNames: SecretNames{
			ProductKeys:         getEnv("SECRET_NAME_PRODUCT_KEYS", ""),
			ProductModels:       getEnv("SECRET_NAME_PRODUCT_MODELS", ""),
			ProductProviderKeys: getEnv("SECRET_NAME_PRODUCT_PROVIDER_KEYS", ""),
			JWTPublicKeys:       getEnv("SECRET_NAME_JWT_PUBLIC_KEYS", ""),
			ClientHMACSecrets:   getEnv("SECRET_NAME_CLIENT_HMAC_SECRETS", ""),
		},
		QuotaAlertTopicARN: getEnv("QUOTA_ALERT_TOPIC_ARN", ""),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	var err error
	if cfg.JWTPublicKeys, err = getMapEnv("JWT_PUBLIC_KEYS"); err != nil {
		return nil, err
	}
	if cfg.ClientHMACSecrets, err = getMapEnv("CLIENT_HMAC_SECRETS"); err != nil {
		return nil, err
	}
	if cfg.ProductKeys, err = getMapEnv("PRODUCT_KEYS"); err != nil {
		return nil, err
	}
	if cfg.AllowedModels, err = parseList(os.Getenv("ALLOWED_MODELS")); err != nil {
		return nil, fmt.Errorf("ALLOWED_MODELS: %w", err)
	}
	if len(cfg.AllowedModels) == 0 {
		cfg.AllowedModels = append([]string(nil), DefaultAllowedModels...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxTokens < 1 {
		return fmt.Errorf("MAX_TOKENS must be >= 1, got %d", c.MaxTokens)
	}
	if c.MinTemperature > c.MaxTemperature {
		return fmt.Errorf("MIN_TEMPERATURE %.2f exceeds MAX_TEMPERATURE %.2f", c.MinTemperature, c.MaxTemperature)
	}
	if err := c.validateAudience(); err != nil {
		return err
	}
	if c.RateLimit.BucketCapacity < 1 {
		return fmt.Errorf("RATE_LIMIT_BUCKET_CAPACITY must be >= 1, got %d", c.RateLimit.BucketCapacity)
	}
	if c.RateLimit.RefillPerSecond < 0 {
		return fmt.Errorf("RATE_LIMIT_REFILL_PER_SECOND must be >= 0")
	}
	if c.RateLimit.DailyQuota < 1 {
		return fmt.Errorf("RATE_LIMIT_DAILY_QUOTA must be >= 1, got %d", c.RateLimit.DailyQuota)
	}
	return nil
}

// validateAudience rejects JWT keys without an audience to check tokens
// against.
func (c *Config) validateAudience() error {
	if len(c.JWTPublicKeys) > 0 && c.JWTAudience == "" {
		return errors.New("JWT_AUDIENCE is required when JWT_PUBLIC_KEYS is set")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return defaultValue
}

func getMapEnv(key string) (map[string]string, error) {
	m, err := parseMap(os.Getenv(key))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return m, nil
}

func parseMap(raw string) (map[string]string, error) {
	m := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("expected a JSON object of strings: %w", err)
	}
	return m, nil
}

// parseList accepts a JSON array or a comma separated list.
func parseList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var list []string
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var list []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list, nil
}
