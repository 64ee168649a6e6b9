package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Binance
	BinanceTestnet bool
	Symbols        []string // watchlist driving the mark-price stream

	// Accounts
	AccountsFile  string
	LiveAccountID string // only this account may submit live entries

	// Database
	DBPath string

	// Auth at the gateway boundary
	JWTSecret        string
	OperatorPassword string

	// Outbound status push
	StatusPushSeconds int
}

// AccountConfig declares one trading account and its policy.
// Loaded from the YAML accounts file; API credentials come either inline
// or from the environment variables the entry names.
type AccountConfig struct {
	ID           string  `yaml:"id"`
	APIKey       string  `yaml:"api_key"`
	APISecret    string  `yaml:"api_secret"`
	APIKeyEnv    string  `yaml:"api_key_env"`
	APISecretEnv string  `yaml:"api_secret_env"`
	RiskPercent  float64 `yaml:"risk_percent"` // % of available balance risked per entry
	Leverage     int     `yaml:"leverage"`
	MarginType   string  `yaml:"margin_type"` // ISOLATED or CROSSED
	HedgeMode    bool    `yaml:"hedge_mode"`
	TrailMode    string  `yaml:"trail_mode"` // scalp or swing
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		BinanceTestnet:    getEnv("BINANCE_TESTNET", "false") == "true",
		Symbols:           splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		AccountsFile:      getEnv("ACCOUNTS_FILE", "accounts.yaml"),
		LiveAccountID:     os.Getenv("LIVE_ACCOUNT_ID"),
		DBPath:            getEnv("DB_PATH", "./data/futures.db"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		OperatorPassword:  os.Getenv("OPERATOR_PASSWORD"),
		StatusPushSeconds: getEnvInt("STATUS_PUSH_SECONDS", 5),
	}, nil
}

// LoadAccounts parses the YAML accounts file and resolves credentials.
func LoadAccounts(path string) ([]AccountConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var doc struct {
		Accounts []AccountConfig `yaml:"accounts"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}

	seen := make(map[string]bool)
	for i := range doc.Accounts {
		a := &doc.Accounts[i]
		if a.ID == "" {
			return nil, fmt.Errorf("accounts[%d]: id is required", i)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.APIKeyEnv != "" {
			a.APIKey = os.Getenv(a.APIKeyEnv)
		}
		if a.APISecretEnv != "" {
			a.APISecret = os.Getenv(a.APISecretEnv)
		}
		if a.APIKey == "" || a.APISecret == "" {
			return nil, fmt.Errorf("account %s: missing API credentials", a.ID)
		}
		applyAccountDefaults(a)
	}
	return doc.Accounts, nil
}

func applyAccountDefaults(a *AccountConfig) {
	if a.RiskPercent <= 0 {
		a.RiskPercent = 0.4
	}
	if a.Leverage <= 0 {
		a.Leverage = 10
	}
	if a.MarginType == "" {
		a.MarginType = "ISOLATED"
	}
	a.MarginType = strings.ToUpper(a.MarginType)
	if a.TrailMode == "" {
		a.TrailMode = "swing"
	}
	a.TrailMode = strings.ToLower(a.TrailMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
