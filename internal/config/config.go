/**
 * @description
 * This package handles the configuration management for the engine's services.
 * It uses the Viper library to read configuration from environment variables
 * and an optional .env file, then normalizes the values the components rely on.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables shared by the commerce, webhook
// and scheduler services. These values are loaded from environment variables.
type Config struct {
	ServiceName             string  `mapstructure:"SERVICE_NAME"`
	ServerPort              string  `mapstructure:"SERVER_PORT"`
	DatabaseURL             string  `mapstructure:"DATABASE_URL"`
	StoreDriver             string  `mapstructure:"STORE_DRIVER"`
	AutoMigrate             bool    `mapstructure:"AUTO_MIGRATE"`
	RedisURL                string  `mapstructure:"REDIS_URL"`
	RedisKeyPrefix          string  `mapstructure:"REDIS_KEY_PREFIX"`
	LinkCacheTTLMinutes     int     `mapstructure:"LINK_CACHE_TTL_MINUTES"`
	RabbitMQURL             string  `mapstructure:"RABBITMQ_URL"`
	PaymentEventExchange    string  `mapstructure:"PAYMENT_EVENT_EXCHANGE"`
	PaymentEventQueue       string  `mapstructure:"PAYMENT_EVENT_QUEUE"`
	EventQueueSize          int     `mapstructure:"EVENT_QUEUE_SIZE"`
	StripeAPIBaseURL        string  `mapstructure:"STRIPE_API_BASE_URL"`
	StripeSecretKey         string  `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret     string  `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	WebhookToleranceSeconds int     `mapstructure:"WEBHOOK_TOLERANCE_SECONDS"`
	JWTSecret               string  `mapstructure:"JWT_SECRET"`
	JWTIssuer               string  `mapstructure:"JWT_ISSUER"`
	JWTAudience             string  `mapstructure:"JWT_AUDIENCE"`
	CORSAllowedOrigins      string  `mapstructure:"CORS_ALLOWED_ORIGINS"`
	Currency                string  `mapstructure:"CURRENCY"`
	ProcessingFeePercent    float64 `mapstructure:"PROCESSING_FEE_PERCENT"`
	ProcessingFeeFixedCents int64   `mapstructure:"PROCESSING_FEE_FIXED_CENTS"`
	ProcessingFeeRounding   string  `mapstructure:"PROCESSING_FEE_ROUNDING"`
	PlatformFeeFloorPercent float64 `mapstructure:"PLATFORM_FEE_FLOOR_PERCENT"`
	ReservationTTLMinutes   int     `mapstructure:"RESERVATION_TTL_MINUTES"`
	AffiliateBaseURL        string  `mapstructure:"AFFILIATE_DESTINATION_BASE_URL"`
	AdMaxBidCents           int64   `mapstructure:"AD_MAX_BID_CENTS"`
	AdRelevanceFloor        float64 `mapstructure:"AD_RELEVANCE_FLOOR"`
	AdSelectTimeoutMS       int     `mapstructure:"AD_SELECT_TIMEOUT_MS"`
	WorkerCount             int     `mapstructure:"WORKER_COUNT"`
	ClickQueueSize          int     `mapstructure:"CLICK_QUEUE_SIZE"`
	SnowflakeNode           int64   `mapstructure:"SNOWFLAKE_NODE"`
	PayoutFeeCents          int64   `mapstructure:"PAYOUT_FEE_CENTS"`
	PayoutMaxAttempts       int     `mapstructure:"PAYOUT_MAX_ATTEMPTS"`
	PayoutRetryBaseSeconds  int     `mapstructure:"PAYOUT_RETRY_BASE_SECONDS"`
	PayoutPeriodDays        int     `mapstructure:"PAYOUT_PERIOD_DAYS"`
	SweepBatchSize          int     `mapstructure:"SWEEP_BATCH_SIZE"`

	ReservationExpirySchedule string `mapstructure:"RESERVATION_EXPIRY_SCHEDULE"`
	EscrowReleaseSchedule     string `mapstructure:"ESCROW_RELEASE_SCHEDULE"`
	PayoutBatchSchedule       string `mapstructure:"PAYOUT_BATCH_SCHEDULE"`
	PayoutRetrySchedule       string `mapstructure:"PAYOUT_RETRY_SCHEDULE"`
	AdBudgetResetSchedule     string `mapstructure:"AD_BUDGET_RESET_SCHEDULE"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

var keys = []string{
	"SERVICE_NAME", "SERVER_PORT", "DATABASE_URL", "STORE_DRIVER", "AUTO_MIGRATE",
	"REDIS_URL", "REDIS_KEY_PREFIX", "LINK_CACHE_TTL_MINUTES",
	"RABBITMQ_URL", "PAYMENT_EVENT_EXCHANGE", "PAYMENT_EVENT_QUEUE", "EVENT_QUEUE_SIZE",
	"STRIPE_API_BASE_URL", "STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "WEBHOOK_TOLERANCE_SECONDS",
	"JWT_SECRET", "JWT_ISSUER", "JWT_AUDIENCE", "CORS_ALLOWED_ORIGINS", "CURRENCY",
	"PROCESSING_FEE_PERCENT", "PROCESSING_FEE_FIXED_CENTS", "PROCESSING_FEE_ROUNDING", "PLATFORM_FEE_FLOOR_PERCENT",
	"RESERVATION_TTL_MINUTES", "AFFILIATE_DESTINATION_BASE_URL",
	"AD_MAX_BID_CENTS", "AD_RELEVANCE_FLOOR", "AD_SELECT_TIMEOUT_MS",
	"WORKER_COUNT", "CLICK_QUEUE_SIZE", "SNOWFLAKE_NODE",
	"PAYOUT_FEE_CENTS", "PAYOUT_MAX_ATTEMPTS", "PAYOUT_RETRY_BASE_SECONDS", "PAYOUT_PERIOD_DAYS", "SWEEP_BATCH_SIZE",
	"RESERVATION_EXPIRY_SCHEDULE", "ESCROW_RELEASE_SCHEDULE", "PAYOUT_BATCH_SCHEDULE",
	"PAYOUT_RETRY_SCHEDULE", "AD_BUDGET_RESET_SCHEDULE",
	"LOG_LEVEL", "LOG_FORMAT",
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVICE_NAME", "commerce-engine")
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("AUTO_MIGRATE", false)
	viper.SetDefault("REDIS_KEY_PREFIX", "commerce")
	viper.SetDefault("LINK_CACHE_TTL_MINUTES", 60)
	viper.SetDefault("PAYMENT_EVENT_EXCHANGE", "payment_events")
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "commerce_service.payment_events")
	viper.SetDefault("EVENT_QUEUE_SIZE", 1024)
	viper.SetDefault("STRIPE_API_BASE_URL", "https://api.stripe.com")
	viper.SetDefault("WEBHOOK_TOLERANCE_SECONDS", 300)
	viper.SetDefault("CURRENCY", "usd")
	viper.SetDefault("PROCESSING_FEE_PERCENT", 2.9)
	viper.SetDefault("PROCESSING_FEE_FIXED_CENTS", 30)
	viper.SetDefault("PROCESSING_FEE_ROUNDING", "up")
	viper.SetDefault("PLATFORM_FEE_FLOOR_PERCENT", 2.0)
	viper.SetDefault("RESERVATION_TTL_MINUTES", 15)
	viper.SetDefault("AD_MAX_BID_CENTS", 0)
	viper.SetDefault("AD_RELEVANCE_FLOOR", 0.3)
	viper.SetDefault("AD_SELECT_TIMEOUT_MS", 50)
	viper.SetDefault("WORKER_COUNT", 8)
	viper.SetDefault("CLICK_QUEUE_SIZE", 4096)
	viper.SetDefault("SNOWFLAKE_NODE", 1)
	viper.SetDefault("PAYOUT_FEE_CENTS", 25)
	viper.SetDefault("PAYOUT_MAX_ATTEMPTS", 5)
	viper.SetDefault("PAYOUT_RETRY_BASE_SECONDS", 60)
	viper.SetDefault("PAYOUT_PERIOD_DAYS", 7)
	viper.SetDefault("SWEEP_BATCH_SIZE", 500)
	viper.SetDefault("RESERVATION_EXPIRY_SCHEDULE", "* * * * *") // Every minute.
	viper.SetDefault("ESCROW_RELEASE_SCHEDULE", "*/5 * * * *")   // Every five minutes.
	viper.SetDefault("PAYOUT_BATCH_SCHEDULE", "0 3 * * 1")       // At 03:00 on Monday.
	viper.SetDefault("PAYOUT_RETRY_SCHEDULE", "*/10 * * * *")    // Every ten minutes.
	viper.SetDefault("AD_BUDGET_RESET_SCHEDULE", "5 0 * * *")    // At 00:05 UTC.
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return
}

func (c *Config) normalize() {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		log.Printf("level=warn component=config msg=\"unknown STORE_DRIVER; using postgres\" value=%q", c.StoreDriver)
		c.StoreDriver = "postgres"
	}

	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RedisKeyPrefix = strings.TrimSpace(c.RedisKeyPrefix)
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "commerce"
	}
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.Currency = strings.ToLower(strings.TrimSpace(c.Currency))

	c.ProcessingFeeRounding = strings.ToLower(strings.TrimSpace(c.ProcessingFeeRounding))
	switch c.ProcessingFeeRounding {
	case "up", "down":
	default:
		log.Printf("level=warn component=config msg=\"unknown PROCESSING_FEE_ROUNDING; using up\" value=%q", c.ProcessingFeeRounding)
		c.ProcessingFeeRounding = "up"
	}

	if c.ProcessingFeePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative processing fee percent configured; coercing to zero\" fee_percent=%f", c.ProcessingFeePercent)
		c.ProcessingFeePercent = 0
	}
	if c.ProcessingFeeFixedCents < 0 {
		log.Printf("level=warn component=config msg=\"negative processing fee configured; coercing to zero\" fee_cents=%d", c.ProcessingFeeFixedCents)
		c.ProcessingFeeFixedCents = 0
	}
	if c.PlatformFeeFloorPercent < 0 || c.PlatformFeeFloorPercent > 100 {
		log.Printf("level=warn component=config msg=\"platform fee floor out of range; using 2\" floor_percent=%f", c.PlatformFeeFloorPercent)
		c.PlatformFeeFloorPercent = 2
	}
	if c.AdRelevanceFloor < 0 || c.AdRelevanceFloor > 1 {
		log.Printf("level=warn component=config msg=\"ad relevance floor out of range; using 0.3\" floor=%f", c.AdRelevanceFloor)
		c.AdRelevanceFloor = 0.3
	}
	if c.SnowflakeNode < 0 || c.SnowflakeNode > 1023 {
		log.Printf("level=warn component=config msg=\"snowflake node out of range; using 1\" node=%d", c.SnowflakeNode)
		c.SnowflakeNode = 1
	}
	if c.PayoutFeeCents < 0 {
		c.PayoutFeeCents = 0
	}

	positive := func(name string, v *int, def int) {
		if *v <= 0 {
			log.Printf("level=warn component=config msg=\"non-positive value; using default\" key=%s value=%d default=%d", name, *v, def)
			*v = def
		}
	}
	positive("RESERVATION_TTL_MINUTES", &c.ReservationTTLMinutes, 15)
	positive("LINK_CACHE_TTL_MINUTES", &c.LinkCacheTTLMinutes, 60)
	positive("AD_SELECT_TIMEOUT_MS", &c.AdSelectTimeoutMS, 50)
	positive("WORKER_COUNT", &c.WorkerCount, 8)
	positive("CLICK_QUEUE_SIZE", &c.ClickQueueSize, 4096)
	positive("EVENT_QUEUE_SIZE", &c.EventQueueSize, 1024)
	positive("WEBHOOK_TOLERANCE_SECONDS", &c.WebhookToleranceSeconds, 300)
	positive("PAYOUT_MAX_ATTEMPTS", &c.PayoutMaxAttempts, 5)
	positive("PAYOUT_RETRY_BASE_SECONDS", &c.PayoutRetryBaseSeconds, 60)
	positive("PAYOUT_PERIOD_DAYS", &c.PayoutPeriodDays, 7)
	positive("SWEEP_BATCH_SIZE", &c.SweepBatchSize, 500)
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas. Empty means any http(s) origin.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c Config) ReservationTTL() time.Duration {
	return time.Duration(c.ReservationTTLMinutes) * time.Minute
}

func (c Config) LinkCacheTTL() time.Duration {
	return time.Duration(c.LinkCacheTTLMinutes) * time.Minute
}

func (c Config) AdSelectTimeout() time.Duration {
	return time.Duration(c.AdSelectTimeoutMS) * time.Millisecond
}

func (c Config) WebhookTolerance() time.Duration {
	return time.Duration(c.WebhookToleranceSeconds) * time.Second
}

func (c Config) PayoutRetryBase() time.Duration {
	return time.Duration(c.PayoutRetryBaseSeconds) * time.Second
}
