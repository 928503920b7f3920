package config

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Log       LogConfig
	IAP       IAPConfig
	Webhooks  WebhookConfig
	RateLimit RateLimitConfig
	Journal   JournalConfig
	Sweeper   SweeperConfig
	Metrics   MetricsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Enabled  bool
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
	Issuer            string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// IAPConfig holds storefront receipt-verification settings for both platforms.
type IAPConfig struct {
	TestMode           bool
	LifetimeProductIDs []string

	AppleSharedSecret string

	GoogleServiceAccountEmail string
	GoogleServiceAccountKey   string
	GooglePackageName         string
	GoogleClientID            string
	GoogleClientSecret        string

	AppleClientID string

	HTTPTimeout time.Duration
}

// WebhookConfig governs storefront push-notification authentication.
type WebhookConfig struct {
	SharedSecret          string
	AppleRootFingerprints []string
	GooglePubSubAudience  string
	GoogleClockSkew       time.Duration
	GoogleCertCacheTTL    time.Duration
}

// RateLimitConfig defines fixed-window limits for the auth and default buckets.
type RateLimitConfig struct {
	AuthWindow    time.Duration
	AuthMax       int
	DefaultWindow time.Duration
	DefaultMax    int
}

// JournalConfig controls the free-tier storage limit.
type JournalConfig struct {
	FreeStorageBytes int64
}

// SweeperConfig controls the subscription expiry sweep.
type SweeperConfig struct {
	Interval time.Duration
	Enabled  bool
}

// MetricsConfig protects the Prometheus endpoint when a token is set.
type MetricsConfig struct {
	Token string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
		Enabled:  v.GetBool("REDIS_ENABLED"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 30*24*time.Hour),
		Issuer:            v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.IAP = IAPConfig{
		TestMode:                  v.GetBool("IAP_TEST_MODE"),
		LifetimeProductIDs:        splitAndTrim(v.GetString("LIFETIME_PRODUCT_IDS")),
		AppleSharedSecret:         v.GetString("APPLE_SHARED_SECRET"),
		GoogleServiceAccountEmail: v.GetString("GOOGLE_SA_EMAIL"),
		GoogleServiceAccountKey:   googleServiceAccountKey(v),
		GooglePackageName:         v.GetString("ANDROID_PACKAGE_NAME"),
		GoogleClientID:            v.GetString("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:        v.GetString("GOOGLE_CLIENT_SECRET"),
		AppleClientID:             v.GetString("APPLE_CLIENT_ID"),
		HTTPTimeout:               parseDuration(v.GetString("IAP_HTTP_TIMEOUT"), 10*time.Second),
	}

	cfg.Webhooks = WebhookConfig{
		SharedSecret:          v.GetString("WEBHOOK_SHARED_SECRET"),
		AppleRootFingerprints: normalizeFingerprints(splitAndTrim(v.GetString("APPLE_ROOT_FINGERPRINTS"))),
		GooglePubSubAudience:  v.GetString("GOOGLE_PUBSUB_AUDIENCE"),
		GoogleClockSkew:       parseDuration(v.GetString("GOOGLE_JWT_CLOCK_SKEW"), 30*time.Second),
		GoogleCertCacheTTL:    parseDuration(v.GetString("GOOGLE_CERT_CACHE_TTL"), time.Minute),
	}

	cfg.RateLimit = RateLimitConfig{
		AuthWindow:    parseDuration(v.GetString("AUTH_RATE_LIMIT_WINDOW"), time.Minute),
		AuthMax:       v.GetInt("AUTH_RATE_LIMIT_MAX"),
		DefaultWindow: parseDuration(v.GetString("DEFAULT_RATE_LIMIT_WINDOW"), time.Minute),
		DefaultMax:    v.GetInt("DEFAULT_RATE_LIMIT_MAX"),
	}

	cfg.Journal = JournalConfig{
		FreeStorageBytes: v.GetInt64("FREE_STORAGE_BYTES"),
	}

	cfg.Sweeper = SweeperConfig{
		Interval: parseDuration(v.GetString("SUB_EXPIRY_SWEEP_INTERVAL"), 5*time.Minute),
		Enabled:  v.GetBool("SUB_EXPIRY_SWEEP_ENABLED"),
	}

	cfg.Metrics = MetricsConfig{
		Token: v.GetString("METRICS_TOKEN"),
	}

	return cfg, nil
}

// Validate enforces the invariants a production deployment must satisfy before
// the server is allowed to start.
func (c *Config) Validate() error {
	if c.Env != EnvProduction {
		return nil
	}
	if c.IAP.TestMode {
		return errors.New("IAP_TEST_MODE must not be enabled in production")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("JWT_SECRET too short for production (need at least 32 characters)")
	}
	if c.Metrics.Token != "" && len(c.Metrics.Token) < 24 {
		return errors.New("METRICS_TOKEN too short (need at least 24 characters)")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "kiroku")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_ENABLED", false)

	v.SetDefault("JWT_SECRET", "dev-secret-change-me")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "720h")
	v.SetDefault("JWT_ISSUER", "kiroku-api")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("IAP_TEST_MODE", false)
	v.SetDefault("LIFETIME_PRODUCT_IDS", "")
	v.SetDefault("APPLE_SHARED_SECRET", "")
	v.SetDefault("GOOGLE_SA_EMAIL", "")
	v.SetDefault("GOOGLE_CLIENT_ID", "")
	v.SetDefault("GOOGLE_CLIENT_SECRET", "")
	v.SetDefault("APPLE_CLIENT_ID", "")
	v.SetDefault("ANDROID_PACKAGE_NAME", "com.example.app")
	v.SetDefault("IAP_HTTP_TIMEOUT", "10s")

	v.SetDefault("WEBHOOK_SHARED_SECRET", "")
	v.SetDefault("APPLE_ROOT_FINGERPRINTS", "")
	v.SetDefault("GOOGLE_PUBSUB_AUDIENCE", "")
	v.SetDefault("GOOGLE_JWT_CLOCK_SKEW", "30s")
	v.SetDefault("GOOGLE_CERT_CACHE_TTL", "1m")

	v.SetDefault("AUTH_RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("AUTH_RATE_LIMIT_MAX", 60)
	v.SetDefault("DEFAULT_RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("DEFAULT_RATE_LIMIT_MAX", 120)

	v.SetDefault("FREE_STORAGE_BYTES", 1048576)

	v.SetDefault("SUB_EXPIRY_SWEEP_INTERVAL", "5m")
	v.SetDefault("SUB_EXPIRY_SWEEP_ENABLED", true)

	v.SetDefault("METRICS_TOKEN", "")
}

// googleServiceAccountKey prefers the base64 variant so multi-line PEM keys
// survive environment variable transport.
func googleServiceAccountKey(v *viper.Viper) string {
	if b64 := v.GetString("GOOGLE_SA_KEY_B64"); b64 != "" {
		if decoded, err := base64.StdEncoding.DecodeString(b64); err == nil {
			return string(decoded)
		}
	}
	return strings.ReplaceAll(v.GetString("GOOGLE_SA_KEY"), `\n`, "\n")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

func normalizeFingerprints(raw []string) []string {
	result := make([]string, 0, len(raw))
	for _, fp := range raw {
		fp = strings.ToUpper(strings.ReplaceAll(fp, ":", ""))
		if fp != "" {
			result = append(result, fp)
		}
	}
	return result
}
