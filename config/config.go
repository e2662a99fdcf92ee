package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full configuration for both processes. Each process reads
// only the sections it needs; everything is sourced from the environment.
type Config struct {
	Brain        BrainConfig        `json:"brain"`
	Gate         GateConfig         `json:"gate"`
	Tradier      TradierConfig      `json:"tradier"`
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Vault        VaultConfig        `json:"vault"`
	Notification NotificationConfig `json:"notification"`
	Logging      LoggingConfig      `json:"logging"`
}

// BrainConfig holds the signal-engine configuration.
type BrainConfig struct {
	Symbols           []string `json:"symbols"`            // trading universe
	GatekeeperURL     string   `json:"gatekeeper_url"`     // risk gate base URL
	APISecret         string   `json:"api_secret"`         // HMAC shared secret (Vault overrides)
	PositionsFile     string   `json:"positions_file"`     // tracked-position disk mirror
	RestrictedDates   []string `json:"restricted_dates"`   // YYYY-MM-DD event days (FOMC, CPI)
	WarmupDays        int      `json:"warmup_days"`        // trading days of 1-min history to seed
	HeartbeatInterval int      `json:"heartbeat_interval"` // seconds
}

// GateConfig holds the risk-gate service configuration.
type GateConfig struct {
	Port           int          `json:"port"`
	APISecret      string       `json:"api_secret"`       // HMAC shared secret (Vault overrides)
	AdminJWTSecret string       `json:"admin_jwt_secret"` // bearer auth for /v1/admin
	Constitution   Constitution `json:"constitution"`
}

// Constitution is the immutable risk rule set. It is loaded once at startup
// and never mutated at runtime.
type Constitution struct {
	AllowedSymbols            []string            `json:"allowed_symbols"`
	AllowedStrategies         []string            `json:"allowed_strategies"`
	MaxOpenPositions          int                 `json:"max_open_positions"`           // distinct-symbol cap on OPEN
	MaxConcentrationPerSymbol int                 `json:"max_concentration_per_symbol"` // per-symbol cap on OPEN
	MaxDailyLossPercent       float64             `json:"max_daily_loss_percent"`       // auto-lock threshold, e.g. 0.02
	MinDTE                    int                 `json:"min_dte"`
	MaxDTE                    int                 `json:"max_dte"`
	CorrelationGroups         map[string][]string `json:"correlation_groups"` // group -> symbols
	MaxCorrelatedPositions    int                 `json:"max_correlated_positions"`
	MaxTotalPositions         int                 `json:"max_total_positions"` // audit value, logged alongside MaxOpenPositions
	StaleProposalMs           int64               `json:"stale_proposal_ms"`
	MaxVIXForEntry            float64             `json:"max_vix_for_entry"`
	ForceEODCloseET           string              `json:"force_eod_close_et"` // "HH:MM"; empty disables the forced flatten
}

// TradierConfig holds brokerage API configuration.
type TradierConfig struct {
	AccessToken  string        `json:"access_token"` // Vault overrides
	APIBase      string        `json:"api_base"`
	StreamWSURL  string        `json:"stream_ws_url"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DatabaseConfig holds the ledger PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the gate's durable key-value store settings.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds secret-store configuration. When disabled, secrets fall
// back to environment variables.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

// NotificationConfig holds outbound notifier sink settings.
type NotificationConfig struct {
	Enabled           bool   `json:"enabled"`
	DiscordWebhookURL string `json:"discord_webhook_url"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// Load builds the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Brain: BrainConfig{
			Symbols:           getEnvList("BRAIN_SYMBOLS", []string{"SPY", "QQQ", "IWM", "DIA"}),
			GatekeeperURL:     strings.TrimRight(getEnv("GATEKEEPER_URL", "http://localhost:8090"), "/"),
			APISecret:         getEnv("API_SECRET", ""),
			PositionsFile:     getEnv("BRAIN_POSITIONS_FILE", "positions.json"),
			RestrictedDates:   getEnvList("RESTRICTED_DATES", nil),
			WarmupDays:        getEnvInt("BRAIN_WARMUP_DAYS", 5),
			HeartbeatInterval: getEnvInt("BRAIN_HEARTBEAT_INTERVAL", 60),
		},
		Gate: GateConfig{
			Port:           getEnvInt("GATE_PORT", 8090),
			APISecret:      getEnv("API_SECRET", ""),
			AdminJWTSecret: getEnv("GATE_ADMIN_JWT_SECRET", ""),
			Constitution: Constitution{
				AllowedSymbols:            getEnvList("GATE_ALLOWED_SYMBOLS", []string{"SPY", "QQQ", "IWM", "DIA"}),
				AllowedStrategies:         getEnvList("GATE_ALLOWED_STRATEGIES", []string{"CREDIT_SPREAD", "IRON_CONDOR", "IRON_BUTTERFLY", "RATIO_SPREAD"}),
				MaxOpenPositions:          getEnvInt("GATE_MAX_OPEN_POSITIONS", 3),
				MaxConcentrationPerSymbol: getEnvInt("GATE_MAX_CONCENTRATION_PER_SYMBOL", 2),
				MaxDailyLossPercent:       getEnvFloat("GATE_MAX_DAILY_LOSS_PERCENT", 0.02),
				MinDTE:                    getEnvInt("GATE_MIN_DTE", 0),
				MaxDTE:                    getEnvInt("GATE_MAX_DTE", 45),
				CorrelationGroups:         defaultCorrelationGroups(),
				MaxCorrelatedPositions:    getEnvInt("GATE_MAX_CORRELATED_POSITIONS", 2),
				MaxTotalPositions:         getEnvInt("GATE_MAX_TOTAL_POSITIONS", 5),
				StaleProposalMs:           int64(getEnvInt("GATE_STALE_PROPOSAL_MS", 30000)),
				MaxVIXForEntry:            getEnvFloat("GATE_MAX_VIX_FOR_ENTRY", 28),
				ForceEODCloseET:           getEnv("GATE_FORCE_EOD_CLOSE_ET", "15:55"),
			},
		},
		Tradier: TradierConfig{
			AccessToken:  getEnv("TRADIER_ACCESS_TOKEN", ""),
			APIBase:      getEnv("TRADIER_API_BASE", "https://api.tradier.com/v1"),
			StreamWSURL:  getEnv("TRADIER_WS_URL", "wss://ws.tradier.com/v1/markets/events"),
			ReadTimeout:  time.Duration(getEnvInt("TRADIER_READ_TIMEOUT_S", 5)) * time.Second,
			WriteTimeout: time.Duration(getEnvInt("TRADIER_WRITE_TIMEOUT_S", 10)) * time.Second,
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "gatekeeper"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "gatekeeper"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Vault: VaultConfig{
			Enabled:    getEnvBool("VAULT_ENABLED", false),
			Address:    getEnv("VAULT_ADDR", "http://localhost:8200"),
			Token:      getEnv("VAULT_TOKEN", ""),
			MountPath:  getEnv("VAULT_MOUNT_PATH", "secret"),
			SecretPath: getEnv("VAULT_SECRET_PATH", "trading-engine"),
		},
		Notification: NotificationConfig{
			Enabled:           getEnvBool("NOTIFY_ENABLED", false),
			DiscordWebhookURL: getEnv("DISCORD_WEBHOOK_URL", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnvBool("LOG_PRETTY", false),
		},
	}

	if err := cfg.Gate.Constitution.Validate(); err != nil {
		return nil, fmt.Errorf("invalid constitution: %w", err)
	}
	return cfg, nil
}

// Validate checks the constitution for values that would make the gate
// unable to approve anything sensible.
func (c *Constitution) Validate() error {
	if len(c.AllowedSymbols) == 0 {
		return fmt.Errorf("allowed_symbols must not be empty")
	}
	if c.MaxDailyLossPercent <= 0 || c.MaxDailyLossPercent >= 1 {
		return fmt.Errorf("max_daily_loss_percent must be in (0,1), got %v", c.MaxDailyLossPercent)
	}
	if c.MinDTE < 0 || c.MaxDTE < c.MinDTE {
		return fmt.Errorf("dte bounds invalid: min=%d max=%d", c.MinDTE, c.MaxDTE)
	}
	if c.StaleProposalMs <= 0 {
		return fmt.Errorf("stale_proposal_ms must be positive")
	}
	if c.ForceEODCloseET != "" {
		if _, err := time.Parse("15:04", c.ForceEODCloseET); err != nil {
			return fmt.Errorf("force_eod_close_et must be HH:MM: %w", err)
		}
	}
	return nil
}

// GroupsFor returns the correlation groups a symbol belongs to.
func (c *Constitution) GroupsFor(symbol string) []string {
	var groups []string
	for name, members := range c.CorrelationGroups {
		for _, m := range members {
			if m == symbol {
				groups = append(groups, name)
				break
			}
		}
	}
	return groups
}

func defaultCorrelationGroups() map[string][]string {
	return map[string][]string{
		"US_INDICES": {"SPY", "QQQ", "IWM", "DIA"},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
