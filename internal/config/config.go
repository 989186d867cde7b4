package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Fadr      FadrConfig
	R2        R2Config
	Auth      AuthConfig
	Billing   BillingConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	Path string
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	AnalyzePerHour int
	UploadPerHour  int
	ListPerMin     int
}

// FadrConfig configures the remote audio-analysis service client.
type FadrConfig struct {
	APIKey              string
	BaseURL             string
	PollIntervalSeconds int
	AssetPollAttempts   int
	TaskPollAttempts    int
	UploadTimeoutSecs   int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type AuthConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type BillingConfig struct {
	WebhookSecret string
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Local development overrides; missing .env is fine.
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("FADR_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("AUTH_CLIENT_ID")
	readSecret("BILLING_WEBHOOK_SECRET")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("database.path", "DATABASE_PATH")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("fadr.api_key", "FADR_API_KEY")
	_ = viper.BindEnv("fadr.base_url", "FADR_BASE_URL")
	_ = viper.BindEnv("fadr.poll_interval_seconds", "FADR_POLL_INTERVAL")
	_ = viper.BindEnv("fadr.asset_poll_attempts", "FADR_ASSET_POLL_ATTEMPTS")
	_ = viper.BindEnv("fadr.task_poll_attempts", "FADR_TASK_POLL_ATTEMPTS")
	_ = viper.BindEnv("fadr.upload_timeout_seconds", "FADR_UPLOAD_TIMEOUT")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("auth.domain", "AUTH_DOMAIN")
	_ = viper.BindEnv("auth.client_id", "AUTH_CLIENT_ID")
	_ = viper.BindEnv("auth.issuer", "AUTH_ISSUER")
	_ = viper.BindEnv("billing.webhook_secret", "BILLING_WEBHOOK_SECRET")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("database.path", "data/chordfinder.db")
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.analyze_per_hour", 20)
	viper.SetDefault("ratelimit.upload_per_hour", 50)
	viper.SetDefault("ratelimit.list_per_min", 120)

	// FADR defaults
	viper.SetDefault("fadr.base_url", "https://api.fadr.com")
	viper.SetDefault("fadr.poll_interval_seconds", 5)
	viper.SetDefault("fadr.asset_poll_attempts", 60)
	viper.SetDefault("fadr.task_poll_attempts", 120)
	viper.SetDefault("fadr.upload_timeout_seconds", 300)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			AnalyzePerHour: viper.GetInt("ratelimit.analyze_per_hour"),
			UploadPerHour:  viper.GetInt("ratelimit.upload_per_hour"),
			ListPerMin:     viper.GetInt("ratelimit.list_per_min"),
		},
		Fadr: FadrConfig{
			APIKey:              viper.GetString("fadr.api_key"),
			BaseURL:             viper.GetString("fadr.base_url"),
			PollIntervalSeconds: viper.GetInt("fadr.poll_interval_seconds"),
			AssetPollAttempts:   viper.GetInt("fadr.asset_poll_attempts"),
			TaskPollAttempts:    viper.GetInt("fadr.task_poll_attempts"),
			UploadTimeoutSecs:   viper.GetInt("fadr.upload_timeout_seconds"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Auth: AuthConfig{
			Domain:   viper.GetString("auth.domain"),
			ClientID: viper.GetString("auth.client_id"),
			Issuer:   viper.GetString("auth.issuer"),
		},
		Billing: BillingConfig{
			WebhookSecret: viper.GetString("billing.webhook_secret"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
	}

	return cfg, nil
}
