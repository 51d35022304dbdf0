// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/otcbridge/otcbridge/internal/token"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL     string
	ChainID    int64
	PrivateKey string // Hex-encoded, 0x prefix optional

	// Escrow settings
	DepositAddress   string // custodial address trades pay into
	DepositTolerance string // absolute decimal shortfall still counted complete
	Tokens           []token.Token

	// Channel pool
	ProtectedIDs []string // participants never evicted during recycle
	GraceWindow  time.Duration

	// Security
	AdminSecret  string
	RateLimitRPS int

	// Observability
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532                                        // Base Sepolia
	DefaultUSDCContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultTolerance    = "0.01"
	DefaultRateLimit    = 100
	DefaultGraceWindow  = 2 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:           getEnv("RPC_URL", DefaultRPCURL),
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:       os.Getenv("PRIVATE_KEY"), // Required, no default
		DepositAddress:   os.Getenv("DEPOSIT_ADDRESS"),
		DepositTolerance: getEnv("DEPOSIT_TOLERANCE", DefaultTolerance),
		ProtectedIDs:     splitList(os.Getenv("PROTECTED_IDS")),
		GraceWindow:      getEnvDuration("RECYCLE_GRACE_WINDOW", DefaultGraceWindow),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:     int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	tokens, err := parseTokens(os.Getenv("TOKENS"))
	if err != nil {
		return nil, err
	}
	cfg.Tokens = tokens

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := strings.TrimPrefix(c.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.DepositAddress == "" {
		return fmt.Errorf("DEPOSIT_ADDRESS is required")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// parseTokens parses the TOKENS env var, a comma-separated list of
// symbol:network:contract:decimals entries. Empty input yields the
// default USDC-on-Base entry.
func parseTokens(raw string) ([]token.Token, error) {
	if raw == "" {
		return []token.Token{
			{Symbol: "USDC", Network: "base", Contract: DefaultUSDCContract, Decimals: 6},
		}, nil
	}

	var tokens []token.Token
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("TOKENS entry %q: want symbol:network:contract:decimals", entry)
		}
		decimals, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, fmt.Errorf("TOKENS entry %q: bad decimals: %v", entry, err)
		}
		tokens = append(tokens, token.Token{
			Symbol:   parts[0],
			Network:  parts[1],
			Contract: parts[2],
			Decimals: decimals,
		})
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("TOKENS set but no valid entries")
	}
	return tokens, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
