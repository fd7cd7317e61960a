package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/gateway"
	"github.com/platinummonkey/recur/pkg/observability"
	"github.com/platinummonkey/recur/pkg/pricecache"
	"github.com/platinummonkey/recur/pkg/runlock"
	"github.com/platinummonkey/recur/pkg/shopify"
	"github.com/platinummonkey/recur/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Shopify       shopify.Config
	Gateway       GatewayConfig
	Billing       BillingConfig
	Storage       storage.Config
	PriceCache    pricecache.Config
	Lock          LockConfig
	Observability ObservabilityConfig
	Schedule      ScheduleConfig
}

// GatewayConfig holds payment gateway settings
type GatewayConfig struct {
	Process gateway.ProcessConfig
	// Classifier is "legacy" or "receipt".
	Classifier string
	// Name is recorded on the order transaction.
	Name string
}

// BillingConfig holds run settings
type BillingConfig struct {
	TimeZone            string
	Location            *time.Location
	Concurrency         int
	SubscriptionTimeout time.Duration
	DryRun              bool
	OrderTags           []string
}

// LockConfig holds run lock settings
type LockConfig struct {
	Key string
	TTL time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	MetricsEnabled bool
	HealthAddr     string
	PushgatewayURL string
	PushJob        string

	OTel observability.OTelConfig
}

// ScheduleConfig holds scheduler settings
type ScheduleConfig struct {
	// Cron is a standard five-field expression in the business timezone.
	Cron string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Shopify:       loadShopifyConfig(),
		Gateway:       loadGatewayConfig(),
		Storage:       loadStorageConfig(),
		PriceCache:    loadPriceCacheConfig(),
		Lock:          loadLockConfig(),
		Observability: loadObservabilityConfig(),
		Schedule: ScheduleConfig{
			Cron: getEnv("RECUR_SCHEDULE", "0 9 * * *"),
		},
	}

	billingCfg, err := loadBillingConfig()
	if err != nil {
		return nil, err
	}
	cfg.Billing = billingCfg

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadShopifyConfig() shopify.Config {
	return shopify.Config{
		Store:          getEnvAny([]string{"RECUR_SHOPIFY_STORE", "SHOPIFY_STORE"}, ""),
		AccessToken:    getEnvAny([]string{"RECUR_SHOPIFY_ADMIN_TOKEN", "SHOPIFY_ADMIN_TOKEN"}, ""),
		APIVersion:     getEnv("RECUR_SHOPIFY_API_VERSION", shopify.DefaultAPIVersion),
		Endpoint:       getEnv("RECUR_SHOPIFY_ENDPOINT", ""),
		PageSize:       getEnvInt("RECUR_SHOPIFY_PAGE_SIZE", shopify.DefaultPageSize),
		MetaobjectType: getEnv("RECUR_SHOPIFY_METAOBJECT_TYPE", shopify.DefaultMetaobjectType),
		Currency:       getEnv("RECUR_CURRENCY", shopify.DefaultCurrency),
		Timeout:        getEnvDuration("RECUR_SHOPIFY_TIMEOUT", 30*time.Second),
	}
}

func loadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Process: gateway.ProcessConfig{
			Command:  getEnv("RECUR_GATEWAY_COMMAND", gateway.DefaultCommand),
			Args:     strings.Fields(getEnv("RECUR_GATEWAY_ARGS", "")),
			WorkDir:  getEnv("RECUR_GATEWAY_WORKDIR", ""),
			StoreID:  getEnvAny([]string{"RECUR_MONERIS_STORE_ID", "MONERIS_STORE_ID"}, ""),
			APIToken: getEnvAny([]string{"RECUR_MONERIS_API_TOKEN", "MONERIS_API_TOKEN"}, ""),
			Timeout:  getEnvDuration("RECUR_GATEWAY_TIMEOUT", gateway.DefaultTimeout),
		},
		Classifier: strings.ToLower(getEnv("RECUR_GATEWAY_CLASSIFIER", "legacy")),
		Name:       getEnv("RECUR_GATEWAY_NAME", "moneris"),
	}
}

func loadBillingConfig() (BillingConfig, error) {
	cfg := BillingConfig{
		TimeZone:            getEnv("RECUR_TIMEZONE", billing.DefaultLocation),
		Concurrency:         getEnvInt("RECUR_CONCURRENCY", 1),
		SubscriptionTimeout: getEnvDuration("RECUR_SUBSCRIPTION_TIMEOUT", 2*time.Minute),
		DryRun:              getEnvBool("RECUR_DRY_RUN", false),
		OrderTags:           splitList(getEnv("RECUR_ORDER_TAGS", strings.Join(billing.DefaultOrderTags, ","))),
	}

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return cfg, fmt.Errorf("invalid timezone %q: %w", cfg.TimeZone, err)
	}
	cfg.Location = loc

	return cfg, nil
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.PostgresURL = getEnv("RECUR_DATABASE_URL", "")
	if maxConns := getEnvInt("RECUR_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if timeout := getEnvDuration("RECUR_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	cfg.S3Bucket = getEnv("RECUR_REPORTS_BUCKET", "")
	cfg.S3Endpoint = getEnv("RECUR_S3_ENDPOINT", "")
	cfg.S3Region = getEnv("RECUR_S3_REGION", cfg.S3Region)
	cfg.S3Prefix = getEnv("RECUR_REPORTS_PREFIX", cfg.S3Prefix)
	cfg.S3AccessKey = getEnv("RECUR_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnv("RECUR_S3_SECRET_KEY", "")
	cfg.S3UsePathStyle = getEnvBool("RECUR_S3_USE_PATH_STYLE", false)

	cfg.RedisURL = getEnv("RECUR_REDIS_URL", "")
	cfg.RedisPassword = getEnv("RECUR_REDIS_PASSWORD", "")
	if redisDB := getEnvInt("RECUR_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if poolSize := getEnvInt("RECUR_REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}

	return cfg
}

func loadPriceCacheConfig() pricecache.Config {
	cfg := pricecache.DefaultConfig()
	if size := getEnvInt("RECUR_PRICE_CACHE_SIZE", 0); size > 0 {
		cfg.Size = size
	}
	cfg.TTL = getEnvDuration("RECUR_PRICE_CACHE_TTL", cfg.TTL)
	cfg.RedisTTL = getEnvDuration("RECUR_PRICE_CACHE_REDIS_TTL", cfg.RedisTTL)
	return cfg
}

func loadLockConfig() LockConfig {
	return LockConfig{
		Key: getEnv("RECUR_LOCK_KEY", runlock.DefaultKey),
		TTL: getEnvDuration("RECUR_LOCK_TTL", runlock.DefaultTTL),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       getEnv("RECUR_LOG_LEVEL", "info"),
		LogFormat:      getEnv("RECUR_LOG_FORMAT", "json"),
		MetricsEnabled: getEnvBool("RECUR_METRICS_ENABLED", true),
		HealthAddr:     getEnv("RECUR_HEALTH_ADDR", ":9090"),
		PushgatewayURL: getEnv("RECUR_PUSHGATEWAY_URL", ""),
		PushJob:        getEnv("RECUR_PUSH_JOB", "recur"),
		OTel: observability.OTelConfig{
			Enabled:        getEnvBool("RECUR_OTEL_ENABLED", false),
			Endpoint:       getEnv("RECUR_OTEL_ENDPOINT", "localhost:4317"),
			ServiceName:    getEnv("RECUR_OTEL_SERVICE_NAME", "recur"),
			ServiceVersion: getEnv("RECUR_OTEL_SERVICE_VERSION", "1.0.0"),
			Insecure:       getEnvBool("RECUR_OTEL_INSECURE", true),
			SampleRatio:    getEnvFloat("RECUR_OTEL_SAMPLE_RATIO", 1),
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Shopify.Store == "" && c.Shopify.Endpoint == "" {
		errs = append(errs, errors.New("shopify store is required"))
	}
	if c.Shopify.AccessToken == "" {
		errs = append(errs, errors.New("shopify admin token is required"))
	}

	// Dry runs never reach the gateway.
	if !c.Billing.DryRun {
		if c.Gateway.Process.StoreID == "" {
			errs = append(errs, errors.New("moneris store id is required"))
		}
		if c.Gateway.Process.APIToken == "" {
			errs = append(errs, errors.New("moneris api token is required"))
		}
	}
	switch c.Gateway.Classifier {
	case "receipt", "legacy":
	default:
		errs = append(errs, fmt.Errorf("invalid gateway classifier: %s (must be receipt or legacy)", c.Gateway.Classifier))
	}

	if c.Billing.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be at least 1"))
	}
	if c.Billing.Location == nil {
		errs = append(errs, errors.New("timezone is required"))
	}

	if c.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			errs = append(errs, fmt.Errorf("invalid schedule %q: %w", c.Schedule.Cron, err))
		}
	}

	if c.Observability.OTel.Enabled && c.Observability.OTel.Endpoint == "" {
		errs = append(errs, errors.New("OpenTelemetry endpoint is required when OTel is enabled"))
	}

	return errors.Join(errs...)
}

// NewClassifier returns the configured receipt classifier.
func (g GatewayConfig) NewClassifier() gateway.Classifier {
	if g.Classifier == "receipt" {
		return gateway.ReceiptClassifier{}
	}
	return gateway.LegacyClassifier{}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAny returns the first set variable among keys or a default
func getEnvAny(keys []string, defaultValue string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
