package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Booking  BookingConfig
	Queue    QueueConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"SERVER_HOST"`
	Port         int           `mapstructure:"SERVER_PORT"`
	ReadTimeout  time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `mapstructure:"SERVER_IDLE_TIMEOUT"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"POSTGRES_HOST"`
	Port     int    `mapstructure:"POSTGRES_PORT"`
	User     string `mapstructure:"POSTGRES_USER"`
	Password string `mapstructure:"POSTGRES_PASSWORD"`
	DBName   string `mapstructure:"POSTGRES_DB"`
	SSLMode  string `mapstructure:"POSTGRES_SSLMODE"`
	MaxConns int32  `mapstructure:"POSTGRES_MAX_CONNS"`
	MinConns int32  `mapstructure:"POSTGRES_MIN_CONNS"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     int    `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
	PoolSize int    `mapstructure:"REDIS_POOL_SIZE"`
}

// BookingConfig holds the booking business rules.
type BookingConfig struct {
	// MaxConcurrentBookings caps the number of CONFIRMED bookings a
	// single user may hold at once.
	MaxConcurrentBookings int

	// MaxAdvanceDays is the booking horizon: slots starting more than
	// this many days out are refused.
	MaxAdvanceDays int

	// CancellationWindow is how long before a slot's start time
	// cancellation closes.
	CancellationWindow time.Duration

	// SlotLockTTL is the lease TTL for the distributed per-slot lock.
	SlotLockTTL time.Duration

	// AvailabilityCacheTTL bounds staleness of cached availability listings.
	AvailabilityCacheTTL time.Duration
}

// QueueConfig holds job queue worker settings.
type QueueConfig struct {
	WorkerConcurrency int
	RateMax           int
	RateWindow        time.Duration
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode,
	)
}

// Addr returns the Redis address in host:port format.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerAddr returns the HTTP listen address in host:port format.
func (s *ServerConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// ── Defaults ────────────────────────────────────────
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_PORT", 8080)
	viper.SetDefault("SERVER_READ_TIMEOUT", "5s")
	viper.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	viper.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "reserve")
	viper.SetDefault("POSTGRES_PASSWORD", "reserve_secret")
	viper.SetDefault("POSTGRES_DB", "reserve_db")
	viper.SetDefault("POSTGRES_SSLMODE", "disable")
	viper.SetDefault("POSTGRES_MAX_CONNS", 20)
	viper.SetDefault("POSTGRES_MIN_CONNS", 5)

	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", 6379)
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_POOL_SIZE", 100)

	viper.SetDefault("MAX_CONCURRENT_BOOKINGS_PER_USER", 5)
	viper.SetDefault("MAX_BOOKING_ADVANCE_DAYS", 90)
	viper.SetDefault("BOOKING_CANCELLATION_WINDOW_HOURS", 24)
	viper.SetDefault("SLOT_LOCK_TTL_MS", 15000)
	viper.SetDefault("AVAILABILITY_CACHE_TTL_S", 60)

	viper.SetDefault("WORKER_CONCURRENCY", 5)
	viper.SetDefault("QUEUE_RATE_MAX", 50)
	viper.SetDefault("QUEUE_RATE_WINDOW_MS", 1000)

	// Try to read .env file. If it doesn't exist (e.g., inside Docker),
	// env vars injected by docker-compose env_file are used instead.
	_ = viper.ReadInConfig()

	cfg := &Config{}

	// ── Server ──────────────────────────────────────────
	cfg.Server = ServerConfig{
		Host:         viper.GetString("SERVER_HOST"),
		Port:         viper.GetInt("SERVER_PORT"),
		ReadTimeout:  viper.GetDuration("SERVER_READ_TIMEOUT"),
		WriteTimeout: viper.GetDuration("SERVER_WRITE_TIMEOUT"),
		IdleTimeout:  viper.GetDuration("SERVER_IDLE_TIMEOUT"),
	}

	// ── Postgres ────────────────────────────────────────
	cfg.Postgres = PostgresConfig{
		Host:     viper.GetString("POSTGRES_HOST"),
		Port:     viper.GetInt("POSTGRES_PORT"),
		User:     viper.GetString("POSTGRES_USER"),
		Password: viper.GetString("POSTGRES_PASSWORD"),
		DBName:   viper.GetString("POSTGRES_DB"),
		SSLMode:  viper.GetString("POSTGRES_SSLMODE"),
		MaxConns: viper.GetInt32("POSTGRES_MAX_CONNS"),
		MinConns: viper.GetInt32("POSTGRES_MIN_CONNS"),
	}

	// ── Redis ───────────────────────────────────────────
	cfg.Redis = RedisConfig{
		Host:     viper.GetString("REDIS_HOST"),
		Port:     viper.GetInt("REDIS_PORT"),
		Password: viper.GetString("REDIS_PASSWORD"),
		DB:       viper.GetInt("REDIS_DB"),
		PoolSize: viper.GetInt("REDIS_POOL_SIZE"),
	}

	// ── Booking rules ───────────────────────────────────
	// The *_HOURS / *_MS / *_S variables are plain integers in the
	// environment; convert them to durations here so the rest of the
	// code never deals in raw units.
	cfg.Booking = BookingConfig{
		MaxConcurrentBookings: viper.GetInt("MAX_CONCURRENT_BOOKINGS_PER_USER"),
		MaxAdvanceDays:        viper.GetInt("MAX_BOOKING_ADVANCE_DAYS"),
		CancellationWindow:    time.Duration(viper.GetInt("BOOKING_CANCELLATION_WINDOW_HOURS")) * time.Hour,
		SlotLockTTL:           time.Duration(viper.GetInt("SLOT_LOCK_TTL_MS")) * time.Millisecond,
		AvailabilityCacheTTL:  time.Duration(viper.GetInt("AVAILABILITY_CACHE_TTL_S")) * time.Second,
	}

	// ── Queue ───────────────────────────────────────────
	cfg.Queue = QueueConfig{
		WorkerConcurrency: viper.GetInt("WORKER_CONCURRENCY"),
		RateMax:           viper.GetInt("QUEUE_RATE_MAX"),
		RateWindow:        time.Duration(viper.GetInt("QUEUE_RATE_WINDOW_MS")) * time.Millisecond,
	}

	if cfg.Booking.MaxConcurrentBookings < 1 {
		return nil, fmt.Errorf("config: MAX_CONCURRENT_BOOKINGS_PER_USER must be >= 1")
	}
	if cfg.Booking.SlotLockTTL <= 0 {
		return nil, fmt.Errorf("config: SLOT_LOCK_TTL_MS must be positive")
	}

	return cfg, nil
}
