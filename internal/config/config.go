/**
 * @description
 * This package handles the configuration management for the subscription-ledger service.
 * It uses Viper to read settings from environment variables or an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort               string        `mapstructure:"SERVER_PORT"`
	DatabaseURL              string        `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns         int32         `mapstructure:"DATABASE_MAX_CONNS"`
	DatabaseMinConns         int32         `mapstructure:"DATABASE_MIN_CONNS"`
	DatabaseOperationTimeout time.Duration `mapstructure:"DATABASE_OPERATION_TIMEOUT"`
	RunMigrations            bool          `mapstructure:"RUN_MIGRATIONS"`
	WebhookSecret            string        `mapstructure:"PAYSTACK_SECRET_KEY"`
	WebhookSignatureHeader   string        `mapstructure:"WEBHOOK_SIGNATURE_HEADER"`
	WebhookApplyAttempts     int           `mapstructure:"WEBHOOK_APPLY_ATTEMPTS"`
	RetentionWindow          time.Duration `mapstructure:"RETENTION_WINDOW"`
	SweeperInterval          time.Duration `mapstructure:"SWEEPER_INTERVAL"`
	SweeperEnabled           bool          `mapstructure:"SWEEPER_ENABLED"`
	InternalAPIKey           string        `mapstructure:"INTERNAL_API_KEY"`
	ClerkJWKSURL             string        `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience            string        `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer              string        `mapstructure:"CLERK_ISSUER"`
	RabbitMQURL              string        `mapstructure:"RABBITMQ_URL"`
	RedisURL                 string        `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string        `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RateLimitPerMinute       int           `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	LogLevel                 string        `mapstructure:"LOG_LEVEL"`
	LogFormat                string        `mapstructure:"LOG_FORMAT"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("DATABASE_MAX_CONNS", 20)
	viper.SetDefault("DATABASE_MIN_CONNS", 2)
	viper.SetDefault("DATABASE_OPERATION_TIMEOUT", "5s")
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("WEBHOOK_SIGNATURE_HEADER", "x-paystack-signature")
	viper.SetDefault("WEBHOOK_APPLY_ATTEMPTS", 3)
	viper.SetDefault("RETENTION_WINDOW", "720h")
	viper.SetDefault("SWEEPER_INTERVAL", "24h")
	viper.SetDefault("SWEEPER_ENABLED", true)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "transfa:ledger_rate_limit")
	viper.SetDefault("RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT",
		"DATABASE_URL",
		"DATABASE_MAX_CONNS",
		"DATABASE_MIN_CONNS",
		"DATABASE_OPERATION_TIMEOUT",
		"RUN_MIGRATIONS",
		"WEBHOOK_SIGNATURE_HEADER",
		"WEBHOOK_APPLY_ATTEMPTS",
		"RETENTION_WINDOW",
		"SWEEPER_INTERVAL",
		"SWEEPER_ENABLED",
		"INTERNAL_API_KEY",
		"CLERK_JWKS_URL",
		"CLERK_AUDIENCE",
		"CLERK_ISSUER",
		"RABBITMQ_URL",
		"REDIS_URL",
		"REDIS_RATE_LIMIT_PREFIX",
		"RATE_LIMIT_PER_MINUTE",
		"LOG_LEVEL",
		"LOG_FORMAT",
	} {
		_ = viper.BindEnv(key)
	}
	// WEBHOOK_SECRET is accepted as an alias for providers other than Paystack.
	_ = viper.BindEnv("PAYSTACK_SECRET_KEY", "PAYSTACK_SECRET_KEY", "WEBHOOK_SECRET")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return config, fmt.Errorf("read config file: %w", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("decode config: %w", err)
	}

	config.WebhookSecret = strings.TrimSpace(config.WebhookSecret)
	config.WebhookSignatureHeader = strings.TrimSpace(config.WebhookSignatureHeader)

	if err = config.validate(); err != nil {
		return config, err
	}
	return config, nil
}

func (c Config) validate() error {
	if c.DatabaseOperationTimeout <= 0 {
		return fmt.Errorf("DATABASE_OPERATION_TIMEOUT must be positive, got %s", c.DatabaseOperationTimeout)
	}
	if c.RetentionWindow <= 0 {
		return fmt.Errorf("RETENTION_WINDOW must be positive, got %s", c.RetentionWindow)
	}
	if c.SweeperInterval <= 0 {
		return fmt.Errorf("SWEEPER_INTERVAL must be positive, got %s", c.SweeperInterval)
	}
	if c.WebhookApplyAttempts < 1 {
		return fmt.Errorf("WEBHOOK_APPLY_ATTEMPTS must be at least 1, got %d", c.WebhookApplyAttempts)
	}
	if c.WebhookSignatureHeader == "" {
		return fmt.Errorf("WEBHOOK_SIGNATURE_HEADER must not be empty")
	}
	return nil
}
