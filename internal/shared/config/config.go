package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Database   DatabaseConfig
	EventStore EventStoreConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Vendors    VendorsConfig
	Engine     EngineConfig
	Pipeline   PipelineConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// IsProduction reports whether the server runs with production defaults
// (auth required, no permissive CORS).
func (s ServerConfig) IsProduction() bool {
	return s.Env == "production"
}

type LogConfig struct {
	Level string
}

type DatabaseConfig struct {
	// Enabled selects the PostgreSQL store. When false records are kept in memory.
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// EventStoreConfig holds configuration for KurrentDB (EventStoreDB).
type EventStoreConfig struct {
	Enabled bool
	// Host is the KurrentDB server hostname
	Host string
	// Port is the gRPC port (default 2113)
	Port int
	// Insecure disables TLS (for development)
	Insecure bool
	Username string
	Password string
	// StreamPrefix is prepended to every stream name.
	StreamPrefix string
}

type AuthConfig struct {
	// Enabled requires a bearer token on /api routes.
	Enabled   bool
	JWTSecret string
	Issuer    string
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// VendorConfig describes one OCR provider endpoint.
type VendorConfig struct {
	Name              string
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
}

type VendorsConfig struct {
	Primary   VendorConfig
	Secondary VendorConfig
}

// EngineConfig points at optional YAML files overriding compiled-in defaults.
type EngineConfig struct {
	// SettingsPath holds rule policy, matcher thresholds and plan defaults.
	SettingsPath string
}

type PipelineConfig struct {
	Concurrency   int
	VendorTimeout time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; variables already set win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	env := getEnv("ENV", "development")
	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			Env:            env,
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", nil),
			RequestTimeout: getEnvDuration("SERVER_REQUEST_TIMEOUT", 2*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "billcheck"),
			Password: getEnv("DB_PASSWORD", "billcheck"),
			Database: getEnv("DB_NAME", "billcheck"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		EventStore: EventStoreConfig{
			Enabled:      getEnvBool("KURRENTDB_ENABLED", false),
			Host:         getEnv("KURRENTDB_HOST", "localhost"),
			Port:         getEnvInt("KURRENTDB_PORT", 2113),
			Insecure:     getEnvBool("KURRENTDB_INSECURE", true),
			Username:     getEnv("KURRENTDB_USERNAME", ""),
			Password:     getEnv("KURRENTDB_PASSWORD", ""),
			StreamPrefix: getEnv("KURRENTDB_STREAM_PREFIX", "billcheck"),
		},
		Auth: AuthConfig{
			Enabled:   getEnvBool("AUTH_ENABLED", env == "production"),
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
			Issuer:    getEnv("JWT_ISSUER", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvFloat("RATE_LIMIT_RPS", 10),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 20),
		},
		Vendors: VendorsConfig{
			Primary:   loadVendor("VENDOR_PRIMARY", "primary"),
			Secondary: loadVendor("VENDOR_SECONDARY", "secondary"),
		},
		Engine: EngineConfig{
			SettingsPath: getEnv("ENGINE_SETTINGS_PATH", ""),
		},
		Pipeline: PipelineConfig{
			Concurrency:   getEnvInt("PIPELINE_CONCURRENCY", 4),
			VendorTimeout: getEnvDuration("PIPELINE_VENDOR_TIMEOUT", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadVendor(prefix, name string) VendorConfig {
	return VendorConfig{
		Name:              getEnv(prefix+"_NAME", name),
		BaseURL:           getEnv(prefix+"_URL", ""),
		APIKey:            getEnv(prefix+"_API_KEY", ""),
		Timeout:           getEnvDuration(prefix+"_TIMEOUT", 30*time.Second),
		RequestsPerSecond: getEnvFloat(prefix+"_RPS", 5),
	}
}

func (c *Config) validate() error {
	if c.Server.IsProduction() && c.Auth.Enabled && c.Auth.JWTSecret == "dev-secret-change-in-prod" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if c.Vendors.Primary.Name == c.Vendors.Secondary.Name {
		return fmt.Errorf("vendor names must differ, both are %q", c.Vendors.Primary.Name)
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("PIPELINE_CONCURRENCY must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		// Parse comma-separated values
		var result []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
