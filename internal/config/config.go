package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/core-coin/pecunia/internal/catalog"
	"github.com/core-coin/pecunia/internal/derivation"
	"github.com/core-coin/pecunia/internal/vault"
)

type Config struct {
	Development bool
	// API configuration
	APIPort int
	// Database configuration
	DatabaseDriver   string
	SQLitePath       string
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string

	// VaultKey seals locally custodied seeds. Hex is decoded, anything else
	// is used as raw bytes.
	VaultKey []byte

	// Chain notification source
	NotificationSourceURL    string
	NotificationSourceAPIKey string
	NotificationSourceSecret string

	// EVMRPCURLs maps network name to JSON-RPC endpoint for the chain query service.
	EVMRPCURLs map[string]string

	// Confirmation thresholds per chain family. Missing families use the defaults.
	Confirmations map[derivation.FamilyTag]uint64
	// AssetTolerances override the payment matching epsilon per asset.
	AssetTolerances map[catalog.Key]decimal.Decimal
	SeedAssets      bool

	// Invoices
	InvoiceTTL   time.Duration
	PendingGrace time.Duration

	// Webhooks
	WebhookWorkers     int
	WebhookMaxAttempts int
	WebhookTimeout     time.Duration
	WebhookHostRate    float64
	WebhookHostBurst   int

	// Sweeps
	ExpiryInterval         time.Duration
	ReconcileInterval      time.Duration
	BalanceInterval        time.Duration
	CatalogRefreshInterval time.Duration
	InstanceID             string

	// SMTP configuration
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPSender   string
	AlertEmail   string

	// Notification configuration
	TelegramBotToken string
	TelegramChatID   string
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development:      getEnvAsBool("DEVELOPMENT", false),
		APIPort:          getEnvAsInt("API_PORT", 6533),
		DatabaseDriver:   getEnv("DATABASE_DRIVER", "postgres"),
		SQLitePath:       getEnv("SQLITE_PATH", "pecunia.db"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "pecunia"),

		VaultKey: parseKey(getEnv("VAULT_KEY", "")),

		NotificationSourceURL:    getEnv("NOTIFICATION_SOURCE_URL", ""),
		NotificationSourceAPIKey: getEnv("NOTIFICATION_SOURCE_API_KEY", ""),
		NotificationSourceSecret: getEnv("NOTIFICATION_SOURCE_SECRET", ""),

		SeedAssets: getEnvAsBool("SEED_ASSETS", true),

		InvoiceTTL:   getEnvAsDuration("INVOICE_TTL", 30*time.Minute),
		PendingGrace: getEnvAsDuration("PENDING_GRACE", 24*time.Hour),

		WebhookWorkers:     getEnvAsInt("WEBHOOK_WORKERS", 4),
		WebhookMaxAttempts: getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookTimeout:     getEnvAsDuration("WEBHOOK_TIMEOUT", 15*time.Second),
		WebhookHostRate:    getEnvAsFloat("WEBHOOK_HOST_RATE", 10),
		WebhookHostBurst:   getEnvAsInt("WEBHOOK_HOST_BURST", 5),

		ExpiryInterval:         getEnvAsDuration("EXPIRY_INTERVAL", 30*time.Second),
		ReconcileInterval:      getEnvAsDuration("RECONCILE_INTERVAL", time.Minute),
		BalanceInterval:        getEnvAsDuration("BALANCE_INTERVAL", 5*time.Minute),
		CatalogRefreshInterval: getEnvAsDuration("CATALOG_REFRESH_INTERVAL", 5*time.Minute),
		InstanceID:             getEnv("INSTANCE_ID", ""),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPSender:   getEnv("SMTP_SENDER", ""),
		AlertEmail:   getEnv("ALERT_EMAIL", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}

	var err error
	if cfg.EVMRPCURLs, err = ParseEndpoints(getEnv("EVM_RPC_URLS", "")); err != nil {
		return nil, err
	}
	if cfg.AssetTolerances, err = catalog.ParseTolerances(getEnv("ASSET_TOLERANCES", "")); err != nil {
		return nil, err
	}
	cfg.Confirmations = make(map[derivation.FamilyTag]uint64)
	for tag, name := range map[derivation.FamilyTag]string{
		derivation.TagEVM:      "CONFIRMATIONS_EVM",
		derivation.TagUTXO:     "CONFIRMATIONS_UTXO",
		derivation.TagTron:     "CONFIRMATIONS_TRON",
		derivation.TagHardened: "CONFIRMATIONS_HARDENED",
	} {
		if n := getEnvAsInt(name, 0); n > 0 {
			cfg.Confirmations[tag] = uint64(n)
		}
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = host + "-" + uuid.NewString()[:8]
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	if len(c.VaultKey) < vault.MinKeyLength {
		return fmt.Errorf("VAULT_KEY: %w", vault.ErrKeyTooShort)
	}

	switch c.DatabaseDriver {
	case "postgres":
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required")
		}
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}

	if c.NotificationSourceURL != "" {
		if u, err := url.Parse(c.NotificationSourceURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid NOTIFICATION_SOURCE_URL %q", c.NotificationSourceURL)
		}
	}

	if c.NotificationSourceSecret == "" {
		return fmt.Errorf("NOTIFICATION_SOURCE_SECRET is required to accept chain notifications")
	}

	if c.WebhookWorkers <= 0 {
		return fmt.Errorf("WEBHOOK_WORKERS must be positive")
	}
	if c.WebhookMaxAttempts <= 0 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be positive")
	}
	if c.InvoiceTTL <= 0 {
		return fmt.Errorf("INVOICE_TTL must be positive")
	}
	if c.ExpiryInterval <= 0 || c.ReconcileInterval <= 0 || c.BalanceInterval <= 0 {
		return fmt.Errorf("sweep intervals must be positive")
	}

	if c.TelegramBotToken != "" && c.TelegramChatID == "" {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	if c.SMTPHost != "" && (c.SMTPSender == "" || c.AlertEmail == "") {
		return fmt.Errorf("SMTP_SENDER and ALERT_EMAIL are required when SMTP_HOST is set")
	}

	return nil
}

// ParseEndpoints parses "network=url,..." into a map.
func ParseEndpoints(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		network, endpoint, ok := strings.Cut(item, "=")
		if !ok || network == "" || endpoint == "" {
			return nil, fmt.Errorf("invalid endpoint %q: want network=url", item)
		}
		out[strings.ToLower(strings.TrimSpace(network))] = strings.TrimSpace(endpoint)
	}
	return out, nil
}

func parseKey(s string) []byte {
	if s == "" {
		return nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(s, "0x")); err == nil {
		return b
	}
	return []byte(s)
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsFloat(name string, defaultValue float64) float64 {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}
