package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Redis configuration
	Redis RedisConfig `mapstructure:"redis"`

	// Clinic-wide settings
	Clinic ClinicConfig `mapstructure:"clinic"`

	// Queue engine configuration
	Queue QueueConfig `mapstructure:"queue"`

	// Booking rate limiting
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	PoolSize      int    `mapstructure:"pool_size"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// ClinicConfig holds clinic-wide settings
type ClinicConfig struct {
	// Timezone is the IANA zone all HH:MM wall-clock values and YYYY-MM-DD dates are read in
	Timezone string `mapstructure:"timezone"`
}

// QueueConfig holds queue engine configuration
type QueueConfig struct {
	MaxRecomputeAttempts       int `mapstructure:"max_recompute_attempts"`
	RetryBackoffMs             int `mapstructure:"retry_backoff_ms"`
	DefaultConsultationMinutes int `mapstructure:"default_consultation_minutes"`
}

// RetryBackoff returns the pause between recompute attempts
func (q QueueConfig) RetryBackoff() time.Duration {
	return time.Duration(q.RetryBackoffMs) * time.Millisecond
}

// RateLimitConfig caps booking attempts per client; BookingsPerMinute 0 disables it
type RateLimitConfig struct {
	BookingsPerMinute int `mapstructure:"bookings_per_minute"`
	Burst             int `mapstructure:"burst"`
	CleanupInterval   int `mapstructure:"cleanup_interval"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	MetricsPath    string  `mapstructure:"metrics_path"`
	HealthPath     string  `mapstructure:"health_path"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
	Environment    string  `mapstructure:"environment"`
}

// Location resolves the clinic time zone, falling back to the process local zone
func (c *Config) Location() *time.Location {
	if c.Clinic.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Clinic.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/clinic")

	// Set default values
	setDefaults()

	// Enable environment variable support
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with environment variables
	overrideWithEnv(&config)

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8083)
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "clinic")
	viper.SetDefault("database.user", "clinic")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 300)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.channel_prefix", "clinic:appointments")

	// Clinic defaults
	viper.SetDefault("clinic.timezone", "Local")

	// Queue defaults
	viper.SetDefault("queue.max_recompute_attempts", 3)
	viper.SetDefault("queue.retry_backoff_ms", 50)
	viper.SetDefault("queue.default_consultation_minutes", 30)

	// Rate limit defaults
	viper.SetDefault("rate_limit.bookings_per_minute", 10)
	viper.SetDefault("rate_limit.burst", 5)
	viper.SetDefault("rate_limit.cleanup_interval", 300)

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")
	viper.SetDefault("monitoring.health_path", "/health")
	viper.SetDefault("monitoring.tracing_enabled", false)
	viper.SetDefault("monitoring.jaeger_endpoint", "http://localhost:14268/api/traces")
	viper.SetDefault("monitoring.sampling_rate", 0.1)
	viper.SetDefault("monitoring.environment", "development")

	// Logging defaults
	viper.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with environment variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if password := os.Getenv("DATABASE_PASSWORD"); password != "" {
		config.Database.Password = password
	}

	if tz := os.Getenv("CLINIC_TIMEZONE"); tz != "" {
		config.Clinic.Timezone = tz
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Database.Password == "" {
		return fmt.Errorf("database password is required")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Clinic.Timezone != "" {
		if _, err := time.LoadLocation(config.Clinic.Timezone); err != nil {
			return fmt.Errorf("invalid clinic timezone %q: %w", config.Clinic.Timezone, err)
		}
	}

	if config.Queue.MaxRecomputeAttempts < 1 {
		return fmt.Errorf("queue.max_recompute_attempts must be at least 1")
	}

	if config.RateLimit.BookingsPerMinute < 0 {
		return fmt.Errorf("rate_limit.bookings_per_minute must not be negative")
	}

	if config.Queue.DefaultConsultationMinutes < 5 {
		return fmt.Errorf("queue.default_consultation_minutes must be at least 5")
	}

	return nil
}
