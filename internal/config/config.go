package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Exchange Exchange `mapstructure:"exchange"`
	Store    Store    `mapstructure:"store"`
	LLM      LLM      `mapstructure:"llm"`
	Trading  Trading  `mapstructure:"trading"`
	Fleet    Fleet    `mapstructure:"fleet"`
	Sync     Sync     `mapstructure:"sync"`
	Server   Server   `mapstructure:"server"`
	Logger   Logger   `mapstructure:"logger"`
}

// Exchange holds the configuration for the futures exchange API.
type Exchange struct {
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Store holds the configuration for the REST persistence store.
type Store struct {
	BaseURL string `mapstructure:"base_url"`
	ApiKey  string `mapstructure:"api_key"`
}

// LLM holds the configuration for the decision model endpoint.
type LLM struct {
	BaseURL        string `mapstructure:"base_url"`
	ApiKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Trading holds the symbol watchlist and the guard rails applied to every
// decision.
type Trading struct {
	Symbols       []string `mapstructure:"symbols"`
	MaxLeverage   int      `mapstructure:"max_leverage"`
	MinConfidence float64  `mapstructure:"min_confidence"`
}

// Fleet holds the stagger parameters for concurrent agent runs.
type Fleet struct {
	StaggerBaseSeconds   int `mapstructure:"stagger_base_seconds"`
	StaggerJitterSeconds int `mapstructure:"stagger_jitter_seconds"`
}

// Sync holds the account/position poller intervals.
type Sync struct {
	IntervalSeconds    int `mapstructure:"interval_seconds"`
	MaxIntervalSeconds int `mapstructure:"max_interval_seconds"`
}

// Server holds the configuration for the status HTTP server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("exchange.rate_limit", 20) // requests per second
	viper.SetDefault("exchange.rate_limit_burst", 5)
	viper.SetDefault("llm.timeout_seconds", 120)
	viper.SetDefault("trading.max_leverage", 10)
	viper.SetDefault("trading.min_confidence", 0.6)
	viper.SetDefault("fleet.stagger_base_seconds", 10)
	viper.SetDefault("fleet.stagger_jitter_seconds", 5)
	viper.SetDefault("sync.interval_seconds", 10)
	viper.SetDefault("sync.max_interval_seconds", 60)
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
