package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/liamcoop/commission/internal/logger"
	"github.com/liamcoop/commission/money"
)

// Rule store backends.
const (
	StorePostgres = "postgres"
	StoreNocoDB   = "nocodb"
)

type AppConfig struct {
	DatabaseURL string
	Port        string
	LogLevel    string

	// RuleStore selects where tenant rules live: postgres or nocodb.
	// Tenants and schemas are always kept in PostgreSQL.
	RuleStore string

	NocoDBURL         string
	NocoDBToken       string
	NocoDBTableID     string
	NocoDBTenantField string

	RedisAddr     string
	RulesCacheTTL time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	// ClassificationTiers maps a classification tier to its commission in
	// cents, from CLASSIFICATION_TIERS="Ouro=50,00;Diamante=90,00".
	ClassificationTiers map[string]int64
}

// LoadConfig reads the configuration from the environment, after loading
// .env when present. Variables already set in the environment win.
func LoadConfig(files ...string) (*AppConfig, error) {
	if err := godotenv.Load(files...); err != nil {
		logger.Debug("no .env file loaded, relying on environment", "error", err)
	}

	cfg := &AppConfig{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		RuleStore:   strings.ToLower(getEnv("RULE_STORE", StorePostgres)),

		NocoDBURL:         getEnv("NOCODB_URL", ""),
		NocoDBToken:       getEnv("NOCODB_TOKEN", ""),
		NocoDBTableID:     getEnv("NOCODB_TABLE_ID", ""),
		NocoDBTenantField: getEnv("NOCODB_TENANT_FIELD", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RulesCacheTTL: getEnvAsDuration("RULES_CACHE_TTL", 0),

		RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 100),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 200),
	}

	tiers, err := parseTiers(getEnv("CLASSIFICATION_TIERS", ""))
	if err != nil {
		return nil, err
	}
	cfg.ClassificationTiers = tiers

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseTiers reads "Tier=amount" pairs separated by semicolons. Amounts are
// in reais and may use either decimal separator.
func parseTiers(s string) (map[string]int64, error) {
	tiers := make(map[string]int64)
	for _, pair := range strings.Split(s, ";") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		name, amount, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid CLASSIFICATION_TIERS entry %q (want Tier=amount)", pair)
		}
		cents, err := money.ParseReais(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid CLASSIFICATION_TIERS amount for %s: %w", name, err)
		}
		if cents < 0 {
			return nil, fmt.Errorf("invalid CLASSIFICATION_TIERS amount for %s: negative", name)
		}
		tiers[name] = cents
	}
	return tiers, nil
}

// Validate checks required settings for the selected backends.
func (c *AppConfig) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.RuleStore {
	case StorePostgres:
	case StoreNocoDB:
		if c.NocoDBURL == "" || c.NocoDBToken == "" || c.NocoDBTableID == "" {
			return fmt.Errorf("NOCODB_URL, NOCODB_TOKEN and NOCODB_TABLE_ID are required when RULE_STORE is %q", StoreNocoDB)
		}
	default:
		return fmt.Errorf("unknown RULE_STORE %q (use %s or %s)", c.RuleStore, StorePostgres, StoreNocoDB)
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings cannot be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	logger.Warn("invalid integer value, using default", "key", key, "value", valueStr, "default", fallback)
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	logger.Warn("invalid number value, using default", "key", key, "value", valueStr, "default", fallback)
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	logger.Warn("invalid duration value, using default", "key", key, "value", valueStr, "default", fallback.String())
	return fallback
}
