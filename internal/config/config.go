// Package config provides configuration management for the prefix miner and
// its reference job server. Values come from environment variables; the
// defaults reproduce the plain single-threaded, no-retry miner.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported values for MESSAGE_FORMAT
const (
	MessageFormatJSON  = "json"
	MessageFormatProto = "proto"
)

// MaxDifficulty is the length of a hex encoded SHA-256 digest
const MaxDifficulty = 64

// Config holds the configuration shared by the miner and the job server
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Search
	Difficulty    int
	Workers       int
	CheckInterval int

	// Job source client
	HTTPTimeout    time.Duration
	RetryAttempts  int
	AddressNetwork string

	// Job server
	ListenAddr     string
	ListenPort     int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	JobDifficulty  int
	JobRefresh     time.Duration
	StaticPrevHash string
	PayoutAddress  string

	// Bitcoin Core connection
	BitcoinRPCHost     string
	BitcoinRPCPort     int
	BitcoinRPCUser     string
	BitcoinRPCPassword string
	BitcoinZMQAddr     string

	// Event sinks
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroupID  string
	MessageFormat string
	ZMQPubAddr    string
	PostgresURL   string
	RedisURL      string
	InfluxURL     string
	InfluxToken   string
	InfluxOrg     string
	InfluxBucket  string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "prefixminer"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Search defaults
		Difficulty:    getEnvInt("DIFFICULTY", 4),
		Workers:       getEnvInt("WORKERS", 1),
		CheckInterval: getEnvInt("CHECK_INTERVAL", 4096),

		// Client defaults
		HTTPTimeout:    getEnvDuration("HTTP_TIMEOUT", 0),
		RetryAttempts:  getEnvInt("RETRY_ATTEMPTS", 1),
		AddressNetwork: getEnv("ADDRESS_NETWORK", ""),

		// Job server defaults
		ListenAddr:     getEnv("LISTEN_ADDR", "0.0.0.0"),
		ListenPort:     getEnvInt("LISTEN_PORT", 8080),
		ReadTimeout:    getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:    getEnvDuration("IDLE_TIMEOUT", 120*time.Second),
		JobDifficulty:  getEnvInt("JOB_DIFFICULTY", 4),
		JobRefresh:     getEnvDuration("JOB_REFRESH", 30*time.Second),
		StaticPrevHash: getEnv("STATIC_PREV_HASH", "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"),
		PayoutAddress:  getEnv("PAYOUT_ADDRESS", ""),

		// Bitcoin Core defaults; an empty host disables the template provider
		BitcoinRPCHost:     getEnv("BITCOIN_RPC_HOST", ""),
		BitcoinRPCPort:     getEnvInt("BITCOIN_RPC_PORT", 8332),
		BitcoinRPCUser:     getEnv("BITCOIN_RPC_USER", ""),
		BitcoinRPCPassword: getEnv("BITCOIN_RPC_PASSWORD", ""),
		BitcoinZMQAddr:     getEnv("BITCOIN_ZMQ_ADDR", ""),

		// Sinks are disabled until an address is configured
		KafkaBrokers:  getEnvSlice("KAFKA_BROKERS", nil),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "miner.events"),
		KafkaGroupID:  getEnv("KAFKA_GROUP_ID", "prefixminer-recorder"),
		MessageFormat: strings.ToLower(getEnv("MESSAGE_FORMAT", MessageFormatJSON)),
		ZMQPubAddr:    getEnv("ZMQ_PUB_ADDR", ""),
		PostgresURL:   getEnv("POSTGRES_URL", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		InfluxURL:     getEnv("INFLUX_URL", ""),
		InfluxToken:   getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:     getEnv("INFLUX_ORG", "prefixminer"),
		InfluxBucket:  getEnv("INFLUX_BUCKET", "mining"),

		// Logging defaults; an empty format lets each binary pick its own
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.Difficulty < 0 || c.Difficulty > MaxDifficulty {
		return fmt.Errorf("DIFFICULTY must be between 0 and %d", MaxDifficulty)
	}

	if c.JobDifficulty < 0 || c.JobDifficulty > MaxDifficulty {
		return fmt.Errorf("JOB_DIFFICULTY must be between 0 and %d", MaxDifficulty)
	}

	if c.Workers < 1 || c.Workers > 1024 {
		return fmt.Errorf("WORKERS must be between 1 and 1024")
	}

	if c.CheckInterval <= 0 {
		return fmt.Errorf("CHECK_INTERVAL must be positive")
	}

	if c.HTTPTimeout < 0 {
		return fmt.Errorf("HTTP_TIMEOUT cannot be negative")
	}

	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}

	switch c.AddressNetwork {
	case "", "mainnet", "testnet3", "regtest", "signet":
	default:
		return fmt.Errorf("ADDRESS_NETWORK must be one of mainnet, testnet3, regtest, signet")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be between 1 and 65535")
	}

	if c.JobRefresh <= 0 {
		return fmt.Errorf("JOB_REFRESH must be positive")
	}

	if c.StaticPrevHash == "" {
		return fmt.Errorf("STATIC_PREV_HASH cannot be empty")
	}

	if c.MessageFormat != MessageFormatJSON && c.MessageFormat != MessageFormatProto {
		return fmt.Errorf("MESSAGE_FORMAT must be %q or %q", MessageFormatJSON, MessageFormatProto)
	}

	if c.InfluxURL != "" && c.InfluxToken == "" {
		return fmt.Errorf("INFLUX_TOKEN is required when INFLUX_URL is set")
	}

	return nil
}

// ListenAddress returns the host:port the job server binds to
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}

// LogFormatOr returns the configured log format or fallback when unset
func (c *Config) LogFormatOr(fallback string) string {
	if c.LogFormat == "" {
		return fallback
	}
	return c.LogFormat
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
