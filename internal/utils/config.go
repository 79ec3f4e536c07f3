package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Security SecurityConfig `yaml:"security"`
	Tokens   TokensConfig   `yaml:"tokens"`
	Devices  DevicesConfig  `yaml:"devices"`
	Scan     ScanConfig     `yaml:"scan"`
	SMS      SMSConfig      `yaml:"sms"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
	CORS     CORSConfig     `yaml:"cors"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Mode           string        `yaml:"mode"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

type DatabaseConfig struct {
	Type           string        `yaml:"type"`
	Path           string        `yaml:"path"`
	URL            string        `yaml:"url"`
	MaxConnections int           `yaml:"max_connections"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

type SecurityConfig struct {
	SessionJWTSecret  string        `yaml:"-"`
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	TLSCertFile       string        `yaml:"tls_cert_file"`
	TLSKeyFile        string        `yaml:"tls_key_file"`
}

type TokensConfig struct {
	SigningKey           string        `yaml:"-"`
	Issuer               string        `yaml:"issuer"`
	IdentityTokenTTL     time.Duration `yaml:"identity_token_ttl"`
	TrustTokenTTL        time.Duration `yaml:"trust_token_ttl"`
	FingerprintPrefixLen int           `yaml:"fingerprint_prefix_len"`
	VerificationCodeTTL  time.Duration `yaml:"verification_code_ttl"`
	TransferCodeTTL      time.Duration `yaml:"transfer_code_ttl"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
}

type DevicesConfig struct {
	ResetFlagThreshold int           `yaml:"reset_flag_threshold"`
	ResetFlagWindow    time.Duration `yaml:"reset_flag_window"`
}

type ScanConfig struct {
	RequireHandlers bool `yaml:"require_handlers"`
	HistoryPageSize int  `yaml:"history_page_size"`
}

type SMSConfig struct {
	Provider     string `yaml:"provider"`
	Region       string `yaml:"region"`
	SenderID     string `yaml:"sender_id"`
	InboundToken string `yaml:"-"`
}

type EventsConfig struct {
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposedHeaders   []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	config := getDefaultConfig()

	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		if err := loadConfigFromFile(config, configFile); err != nil {
			return nil, fmt.Errorf("config file load failed: %w", err)
		}
	}

	overrideWithEnvVars(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := loadSecretsFromEnv(config); err != nil {
		return nil, fmt.Errorf("secrets load failed: %w", err)
	}

	return config, nil
}

func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvIntOrDefault("SERVER_PORT", 8443),
			Mode:           getEnvOrDefault("SERVER_MODE", "release"),
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		Database: DatabaseConfig{
			Type:           getEnvOrDefault("DATABASE_TYPE", "sqlite"),
			Path:           getEnvOrDefault("DATABASE_PATH", "/app/data/presence.db"),
			URL:            getEnvOrDefault("DATABASE_URL", ""),
			MaxConnections: getEnvIntOrDefault("DATABASE_MAX_CONNECTIONS", 50),
			MaxRetries:     5,
			RetryDelay:     2 * time.Second,
		},
		Security: SecurityConfig{
			RateLimitRequests: getEnvIntOrDefault("RATE_LIMIT_REQUESTS", 50),
			RateLimitWindow:   time.Minute,
			TLSCertFile:       getEnvOrDefault("TLS_CERT_FILE", ""),
			TLSKeyFile:        getEnvOrDefault("TLS_KEY_FILE", ""),
		},
		Tokens: TokensConfig{
			Issuer:               "acolyte-presence",
			IdentityTokenTTL:     90 * time.Second,
			TrustTokenTTL:        180 * 24 * time.Hour,
			FingerprintPrefixLen: 12,
			VerificationCodeTTL:  10 * time.Minute,
			TransferCodeTTL:      15 * time.Minute,
			SweepInterval:        time.Hour,
		},
		Devices: DevicesConfig{
			ResetFlagThreshold: getEnvIntOrDefault("RESET_FLAG_THRESHOLD", 3),
			ResetFlagWindow:    30 * 24 * time.Hour,
		},
		Scan: ScanConfig{
			RequireHandlers: getEnvBoolOrDefault("SCAN_REQUIRE_HANDLERS", false),
			HistoryPageSize: 50,
		},
		SMS: SMSConfig{
			Provider: getEnvOrDefault("SMS_PROVIDER", "log"),
			Region:   getEnvOrDefault("AWS_REGION", "ap-south-1"),
			SenderID: getEnvOrDefault("SMS_SENDER_ID", "ACOLYTE"),
		},
		Events: EventsConfig{
			WebhookURL:     getEnvOrDefault("EVENTS_WEBHOOK_URL", ""),
			WebhookTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: "json",
			Output: getEnvOrDefault("LOG_OUTPUT", "stdout"),
		},
		CORS: CORSConfig{
			AllowedOrigins:   strings.Split(getEnvOrDefault("CORS_ALLOWED_ORIGINS", ""), ","),
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			ExposedHeaders:   []string{"X-Total-Count", "X-Rate-Limit"},
			AllowCredentials: true,
			MaxAge:           86400,
		},
	}
}

func loadConfigFromFile(config *Config, filename string) error {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filename)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("config file read failed: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("config file parse failed: %w", err)
	}

	return nil
}

func overrideWithEnvVars(config *Config) {
	if val := os.Getenv("SERVER_HOST"); val != "" {
		config.Server.Host = val
	}
	if val := os.Getenv("SERVER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil && port > 0 && port <= 65535 {
			config.Server.Port = port
		}
	}
	if val := os.Getenv("SERVER_MODE"); val != "" && (val == "debug" || val == "release") {
		config.Server.Mode = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		config.Database.URL = val
		if strings.Contains(val, "postgres://") {
			config.Database.Type = "postgres"
		}
	}
	if val := os.Getenv("DATABASE_PATH"); val != "" {
		config.Database.Path = val
	}
	if val := os.Getenv("DATABASE_TYPE"); val != "" {
		config.Database.Type = val
	}
	if val := os.Getenv("IDENTITY_TOKEN_TTL"); val != "" {
		if ttl, err := time.ParseDuration(val); err == nil && ttl > 0 {
			config.Tokens.IdentityTokenTTL = ttl
		}
	}
	if val := os.Getenv("SMS_PROVIDER"); val != "" {
		config.SMS.Provider = val
	}
	if val := os.Getenv("EVENTS_WEBHOOK_URL"); val != "" {
		config.Events.WebhookURL = val
	}
	if val := os.Getenv("RATE_LIMIT_REQUESTS"); val != "" {
		if rateLimit, err := strconv.Atoi(val); err == nil && rateLimit > 0 {
			config.Security.RateLimitRequests = rateLimit
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		if isValidLogLevel(val) {
			config.Logging.Level = val
		}
	}
	if val := os.Getenv("CORS_ALLOWED_ORIGINS"); val != "" {
		origins := strings.Split(val, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		config.CORS.AllowedOrigins = origins
	}
}

func loadSecretsFromEnv(config *Config) error {
	sessionSecret := os.Getenv("SESSION_JWT_SECRET")
	if sessionSecret == "" {
		generated, err := generateSecureSecret(64)
		if err != nil {
			return fmt.Errorf("failed to generate session secret: %w", err)
		}
		sessionSecret = generated
	}
	if len(sessionSecret) < 32 {
		return fmt.Errorf("SESSION_JWT_SECRET must be at least 32 characters")
	}
	config.Security.SessionJWTSecret = sessionSecret

	signingKey := os.Getenv("TOKEN_SIGNING_KEY")
	if signingKey == "" {
		generated, err := generateSecureSecret(64)
		if err != nil {
			return fmt.Errorf("failed to generate token signing key: %w", err)
		}
		signingKey = generated
	}
	if len(signingKey) < 32 {
		return fmt.Errorf("TOKEN_SIGNING_KEY must be at least 32 characters")
	}
	config.Tokens.SigningKey = signingKey

	// Optional: absent token disables the inbound SMS webhook.
	config.SMS.InboundToken = os.Getenv("SMS_INBOUND_TOKEN")

	return nil
}

func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.Mode != "debug" && config.Server.Mode != "release" {
		return fmt.Errorf("invalid server mode: %s", config.Server.Mode)
	}

	if config.Database.Type != "sqlite" && config.Database.Type != "postgres" {
		return fmt.Errorf("invalid database type: %s", config.Database.Type)
	}

	if config.Database.Type == "sqlite" && config.Database.Path == "" && config.Database.URL == "" {
		return fmt.Errorf("database path cannot be empty for SQLite")
	}

	if config.Database.Type == "postgres" && config.Database.URL == "" {
		return fmt.Errorf("database URL cannot be empty for PostgreSQL")
	}

	if config.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	if config.Security.RateLimitRequests <= 0 {
		return fmt.Errorf("rate limit requests must be positive")
	}

	if config.Tokens.IdentityTokenTTL < 15*time.Second || config.Tokens.IdentityTokenTTL > 10*time.Minute {
		return fmt.Errorf("identity token TTL must be between 15s and 10m")
	}

	if config.Tokens.FingerprintPrefixLen < 8 || config.Tokens.FingerprintPrefixLen > 32 {
		return fmt.Errorf("fingerprint prefix length must be between 8 and 32")
	}

	if config.Tokens.VerificationCodeTTL <= 0 {
		return fmt.Errorf("verification code TTL must be positive")
	}

	if config.SMS.Provider != "log" && config.SMS.Provider != "sns" {
		return fmt.Errorf("invalid sms provider: %s", config.SMS.Provider)
	}

	if !isValidLogLevel(config.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

func generateSecureSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("secret generation failed: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func isValidLogLevel(level string) bool {
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	for _, valid := range validLevels {
		if strings.ToLower(level) == valid {
			return true
		}
	}
	return false
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Mode == "debug"
}

func (c *Config) IsProduction() bool {
	return c.Server.Mode == "release"
}

func (c *Config) String() string {
	configCopy := *c
	configCopy.Security.SessionJWTSecret = "[REDACTED]"
	configCopy.Tokens.SigningKey = "[REDACTED]"

	data, _ := yaml.Marshal(&configCopy)
	return string(data)
}
