package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NewRelic  NewRelicConfig
	JWT       JWTConfig
	Pricing   PricingConfig
	Dispatch  DispatchConfig
	Zone      ZoneConfig
	WebSocket WebSocketConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port string
	Env  string
	Host string
}

// StoreConfig selects the ride store backend. "memory" keeps everything
// in-process for local runs and tests; "postgres" is the durable default.
type StoreConfig struct {
	Driver string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

type RedisConfig struct {
	Host        string
	Port        string
	Password    string
	DB          int
	MaxRetries  int
	PoolSize    int
	MinIdleConn int
	DialTimeout time.Duration
	ReadTimeout time.Duration
	Enabled     bool
}

type NewRelicConfig struct {
	LicenseKey string
	AppName    string
	Enabled    bool
}

type JWTConfig struct {
	Secret string
}

// PricingConfig holds per-vehicle fare rates consumed by the estimator.
type PricingConfig struct {
	BaseFare   map[string]float64
	PricePerKm map[string]float64
}

// DispatchConfig bounds the matching window for a pending ride request.
type DispatchConfig struct {
	AcceptWindow time.Duration
}

// ZoneConfig controls geohash precision and the silent-disconnect policy.
// OfflineAfter is how long a driver may stay subscribed to a zone without
// any duty or location event before being forced off duty.
type ZoneConfig struct {
	GeohashPrecision int
	OfflineAfter     time.Duration
	SweepInterval    time.Duration
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("SERVER_ENV", "development"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", "postgres"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			Name:     getEnv("DB_NAME", "dispatch"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNECTIONS", 25),
			MaxIdle:  getEnvAsInt("DB_MAX_IDLE_CONNECTIONS", 5),
		},
		Redis: RedisConfig{
			Host:        getEnv("REDIS_HOST", "localhost"),
			Port:        getEnv("REDIS_PORT", "6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvAsInt("REDIS_DB", 0),
			MaxRetries:  getEnvAsInt("REDIS_MAX_RETRIES", 3),
			PoolSize:    getEnvAsInt("REDIS_POOL_SIZE", 100),
			MinIdleConn: 10,
			DialTimeout: 5 * time.Second,
			ReadTimeout: 3 * time.Second,
			Enabled:     getEnvAsBool("REDIS_ENABLED", true),
		},
		NewRelic: NewRelicConfig{
			LicenseKey: getEnv("NEW_RELIC_LICENSE_KEY", ""),
			AppName:    getEnv("NEW_RELIC_APP_NAME", "ride-dispatch"),
			Enabled:    getEnvAsBool("NEW_RELIC_ENABLED", false),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "your_jwt_secret_key_here"),
		},
		Dispatch: DispatchConfig{
			AcceptWindow: time.Duration(getEnvAsInt("DISPATCH_ACCEPT_WINDOW_SECONDS", 90)) * time.Second,
		},
		Zone: ZoneConfig{
			GeohashPrecision: getEnvAsInt("ZONE_GEOHASH_PRECISION", 6),
			OfflineAfter:     time.Duration(getEnvAsInt("ZONE_OFFLINE_AFTER_SECONDS", 120)) * time.Second,
			SweepInterval:    time.Duration(getEnvAsInt("ZONE_SWEEP_INTERVAL_SECONDS", 30)) * time.Second,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getEnvAsInt("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getEnvAsInt("WS_WRITE_BUFFER_SIZE", 1024),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	cfg.Pricing = PricingConfig{
		BaseFare: map[string]float64{
			"bike": getEnvAsFloat64("BASE_FARE_BIKE", 20),
			"auto": getEnvAsFloat64("BASE_FARE_AUTO", 30),
			"cab":  getEnvAsFloat64("BASE_FARE_CAB", 50),
		},
		PricePerKm: map[string]float64{
			"bike": getEnvAsFloat64("PER_KM_RATE_BIKE", 8),
			"auto": getEnvAsFloat64("PER_KM_RATE_AUTO", 12),
			"cab":  getEnvAsFloat64("PER_KM_RATE_CAB", 18),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}
	if c.Store.Driver != "postgres" && c.Store.Driver != "memory" {
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Database.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}
	if c.Zone.GeohashPrecision < 4 || c.Zone.GeohashPrecision > 9 {
		return fmt.Errorf("ZONE_GEOHASH_PRECISION must be between 4 and 9")
	}
	if c.Dispatch.AcceptWindow <= 0 {
		return fmt.Errorf("DISPATCH_ACCEPT_WINDOW_SECONDS must be positive")
	}
	if c.JWT.Secret == "your_jwt_secret_key_here" && c.Server.Env == "production" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
