/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the allocation service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string  `mapstructure:"SERVER_PORT"`
	DatabaseURL               string  `mapstructure:"DATABASE_URL"`
	RedisURL                  string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL               string  `mapstructure:"RABBITMQ_URL"`
	WebhookEventQueue         string  `mapstructure:"WEBHOOK_EVENT_QUEUE"`
	ProcessorAPIBaseURL       string  `mapstructure:"PROCESSOR_API_BASE_URL"`
	ProcessorAPIKey           string  `mapstructure:"PROCESSOR_API_KEY"`
	ProcessorWebhookSecret    string  `mapstructure:"PROCESSOR_WEBHOOK_SECRET"`
	ClerkJWKSURL              string  `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey            string  `mapstructure:"INTERNAL_API_KEY"`
	RevenuePoolID             string  `mapstructure:"REVENUE_POOL_ID"`
	EscrowPoolID              string  `mapstructure:"ESCROW_POOL_ID"`
	MinPayoutThresholdCents   int64   `mapstructure:"MIN_PAYOUT_THRESHOLD_CENTS"`
	DefaultPlatformFeePercent float64 `mapstructure:"DEFAULT_PLATFORM_FEE_PERCENT"`
	PayoutMaxRetries          int     `mapstructure:"PAYOUT_MAX_RETRIES"`
	PayoutRetryableCodes      string  `mapstructure:"PAYOUT_RETRYABLE_CODES"`
	PayoutRequestsPerHour     int     `mapstructure:"PAYOUT_REQUESTS_PER_HOUR"`
	SettlementJobSchedule     string  `mapstructure:"SETTLEMENT_JOB_SCHEDULE"`
	PayoutRetrySweepSchedule  string  `mapstructure:"PAYOUT_RETRY_SWEEP_SCHEDULE"`
	AutoPayoutSchedule        string  `mapstructure:"AUTO_PAYOUT_SCHEDULE"`
	ReconciliationSchedule    string  `mapstructure:"RECONCILIATION_SCHEDULE"`
}

// RetryableCodeSet parses the comma-separated retryable failure codes into the
// lookup the payout processor consults.
func (c Config) RetryableCodeSet() map[string]bool {
	codes := make(map[string]bool)
	for _, code := range strings.Split(c.PayoutRetryableCodes, ",") {
		code = strings.TrimSpace(code)
		if code != "" {
			codes[code] = true
		}
	}
	return codes
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("WEBHOOK_EVENT_QUEUE", "allocation_service.processor_webhooks")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "wewrite:rate_limit")
	viper.SetDefault("MIN_PAYOUT_THRESHOLD_CENTS", 2500)
	viper.SetDefault("DEFAULT_PLATFORM_FEE_PERCENT", 10.0)
	viper.SetDefault("PAYOUT_MAX_RETRIES", 3)
	viper.SetDefault("PAYOUT_RETRYABLE_CODES", "rate_limited,processor_unavailable,temporary_failure")
	viper.SetDefault("PAYOUT_REQUESTS_PER_HOUR", 10)
	// First day of the month, shortly after midnight UTC.
	viper.SetDefault("SETTLEMENT_JOB_SCHEDULE", "10 0 1 * *")
	viper.SetDefault("PAYOUT_RETRY_SWEEP_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("AUTO_PAYOUT_SCHEDULE", "0 6 2 * *")
	viper.SetDefault("RECONCILIATION_SCHEDULE", "0 4 * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ALLOCATION_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("WEBHOOK_EVENT_QUEUE")
	_ = viper.BindEnv("PROCESSOR_API_BASE_URL")
	_ = viper.BindEnv("PROCESSOR_API_KEY")
	_ = viper.BindEnv("PROCESSOR_WEBHOOK_SECRET")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ALLOCATION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("REVENUE_POOL_ID")
	_ = viper.BindEnv("ESCROW_POOL_ID")
	_ = viper.BindEnv("MIN_PAYOUT_THRESHOLD_CENTS")
	_ = viper.BindEnv("MIN_PAYOUT_THRESHOLD")
	_ = viper.BindEnv("DEFAULT_PLATFORM_FEE_PERCENT")
	_ = viper.BindEnv("PAYOUT_MAX_RETRIES")
	_ = viper.BindEnv("PAYOUT_RETRYABLE_CODES")
	_ = viper.BindEnv("PAYOUT_REQUESTS_PER_HOUR")
	_ = viper.BindEnv("SETTLEMENT_JOB_SCHEDULE")
	_ = viper.BindEnv("PAYOUT_RETRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("AUTO_PAYOUT_SCHEDULE")
	_ = viper.BindEnv("RECONCILIATION_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("ALLOCATION_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "wewrite:rate_limit"
	}

	// Allow specifying the threshold in whole dollars via MIN_PAYOUT_THRESHOLD.
	if viper.IsSet("MIN_PAYOUT_THRESHOLD") {
		thresholdStr := strings.TrimSpace(viper.GetString("MIN_PAYOUT_THRESHOLD"))
		if thresholdStr != "" {
			thresholdValue, parseErr := strconv.ParseFloat(thresholdStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid MIN_PAYOUT_THRESHOLD\" value=%q err=%v", thresholdStr, parseErr)
			} else {
				config.MinPayoutThresholdCents = int64(math.Round(thresholdValue * 100))
			}
		}
	}

	if config.MinPayoutThresholdCents < 0 {
		log.Printf("level=warn component=config msg=\"negative payout threshold configured; coercing to zero\" threshold_cents=%d", config.MinPayoutThresholdCents)
		config.MinPayoutThresholdCents = 0
	}

	if config.DefaultPlatformFeePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative platform fee percent configured; coercing to zero\" fee_percent=%f", config.DefaultPlatformFeePercent)
		config.DefaultPlatformFeePercent = 0
	}
	if config.DefaultPlatformFeePercent > 100 {
		log.Printf("level=warn component=config msg=\"platform fee percent too high; capping at 100\" fee_percent=%f", config.DefaultPlatformFeePercent)
		config.DefaultPlatformFeePercent = 100
	}

	if config.PayoutMaxRetries < 0 {
		config.PayoutMaxRetries = 0
	}
	if config.PayoutRequestsPerHour <= 0 {
		config.PayoutRequestsPerHour = 10
	}

	return
}
