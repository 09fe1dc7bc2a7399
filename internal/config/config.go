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
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	VaultRPCURL   string `mapstructure:"VAULT_RPC_URL"`
	VaultContract string `mapstructure:"VAULT_CONTRACT"`

	DailyCommitCap  int64 `mapstructure:"DAILY_COMMIT_CAP"`
	PerRunCommitCap int64 `mapstructure:"PER_RUN_COMMIT_CAP"`
	CatchUpLimit    int   `mapstructure:"CATCH_UP_LIMIT"`
	JobBatchLimit   int   `mapstructure:"JOB_BATCH_LIMIT"`

	VaultStaleAfterMinutes    int `mapstructure:"VAULT_STALE_AFTER_MINUTES"`
	VaultHardFailAfterMinutes int `mapstructure:"VAULT_HARD_FAIL_AFTER_MINUTES"`

	DrawRateLimitPerMinute int `mapstructure:"DRAW_RATE_LIMIT_PER_MINUTE"`

	RunDueSchedule          string `mapstructure:"RUN_DUE_SCHEDULE"`
	VaultAllocateSchedule   string `mapstructure:"VAULT_ALLOCATE_SCHEDULE"`
	VaultReconcileSchedule  string `mapstructure:"VAULT_RECONCILE_SCHEDULE"`
	WithdrawRequestSchedule string `mapstructure:"WITHDRAW_REQUEST_SCHEDULE"`
	RedeemSchedule          string `mapstructure:"REDEEM_SCHEDULE"`
	MarkToMarketSchedule    string `mapstructure:"MARK_TO_MARKET_SCHEDULE"`
	WatchdogSchedule        string `mapstructure:"WATCHDOG_SCHEDULE"`
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "stashly:rate_limit")
	viper.SetDefault("DAILY_COMMIT_CAP", 0) // 0 disables the cap
	viper.SetDefault("PER_RUN_COMMIT_CAP", 0)
	viper.SetDefault("CATCH_UP_LIMIT", 30)
	viper.SetDefault("JOB_BATCH_LIMIT", 100)
	viper.SetDefault("VAULT_STALE_AFTER_MINUTES", 10)
	viper.SetDefault("VAULT_HARD_FAIL_AFTER_MINUTES", 120)
	viper.SetDefault("DRAW_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("RUN_DUE_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("VAULT_ALLOCATE_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("VAULT_RECONCILE_SCHEDULE", "*/2 * * * *")
	viper.SetDefault("WITHDRAW_REQUEST_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("REDEEM_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("MARK_TO_MARKET_SCHEDULE", "0 * * * *")
	viper.SetDefault("WATCHDOG_SCHEDULE", "*/10 * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("VAULT_RPC_URL")
	_ = viper.BindEnv("VAULT_CONTRACT")
	_ = viper.BindEnv("DAILY_COMMIT_CAP")
	_ = viper.BindEnv("PER_RUN_COMMIT_CAP")
	_ = viper.BindEnv("CATCH_UP_LIMIT")
	_ = viper.BindEnv("JOB_BATCH_LIMIT")
	_ = viper.BindEnv("VAULT_STALE_AFTER_MINUTES")
	_ = viper.BindEnv("VAULT_HARD_FAIL_AFTER_MINUTES")
	_ = viper.BindEnv("DRAW_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RUN_DUE_SCHEDULE")
	_ = viper.BindEnv("VAULT_ALLOCATE_SCHEDULE")
	_ = viper.BindEnv("VAULT_RECONCILE_SCHEDULE")
	_ = viper.BindEnv("WITHDRAW_REQUEST_SCHEDULE")
	_ = viper.BindEnv("REDEEM_SCHEDULE")
	_ = viper.BindEnv("MARK_TO_MARKET_SCHEDULE")
	_ = viper.BindEnv("WATCHDOG_SCHEDULE")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LEDGER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "stashly:rate_limit"
	}

	if config.DailyCommitCap < 0 {
		log.Printf("level=warn component=config msg=\"negative daily commit cap configured; coercing to zero\" cap=%d", config.DailyCommitCap)
		config.DailyCommitCap = 0
	}
	if config.PerRunCommitCap < 0 {
		log.Printf("level=warn component=config msg=\"negative per-run commit cap configured; coercing to zero\" cap=%d", config.PerRunCommitCap)
		config.PerRunCommitCap = 0
	}
	// 0 is a valid setting: catch-up disabled, at most one window per pass.
	if config.CatchUpLimit < 0 {
		config.CatchUpLimit = 0
	}
	if config.JobBatchLimit <= 0 {
		config.JobBatchLimit = 100
	}
	if config.VaultStaleAfterMinutes <= 0 {
		config.VaultStaleAfterMinutes = 10
	}
	if config.VaultHardFailAfterMinutes <= config.VaultStaleAfterMinutes {
		log.Printf("level=warn component=config msg=\"hard-fail threshold not beyond stale threshold; adjusting\" stale=%d hard_fail=%d", config.VaultStaleAfterMinutes, config.VaultHardFailAfterMinutes)
		config.VaultHardFailAfterMinutes = config.VaultStaleAfterMinutes * 4
	}
	if config.DrawRateLimitPerMinute <= 0 {
		config.DrawRateLimitPerMinute = 30
	}

	return
}
