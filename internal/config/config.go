// Package config defines the top-level configuration for the trading bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BUTLER_* environment variables.
type Config struct {
	Upbit    UpbitConfig    `toml:"upbit"`
	Trade    TradeConfig    `toml:"trade"`
	Risk     RiskConfig     `toml:"risk"`
	Scanner  ScannerConfig  `toml:"scanner"`
	Advisory AdvisoryConfig `toml:"advisory"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Feed     FeedConfig     `toml:"feed"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// UpbitConfig holds exchange API endpoints and credentials. The secret key can
// be given in plaintext or as a path to an encrypted key file plus password.
type UpbitConfig struct {
	BaseURL             string  `toml:"base_url"`
	WsURL               string  `toml:"ws_url"`
	AccessKey           string  `toml:"access_key"`
	SecretKey           string  `toml:"secret_key"`
	EncryptedSecretPath string  `toml:"encrypted_secret_path"`
	SecretPassword      string  `toml:"secret_password"`
	CallsPerSec         float64 `toml:"calls_per_sec"`
	// Retry policy for transient request failures.
	MaxRetries     int      `toml:"max_retries"`
	RetryBaseDelay duration `toml:"retry_base_delay"`
	RetryMaxJitter duration `toml:"retry_max_jitter"`
}

// TradeConfig holds the trading loop cadences and order sizing.
type TradeConfig struct {
	PollInterval     duration `toml:"poll_interval"`
	ScanInterval     duration `toml:"scan_interval"`
	MonitorInterval  duration `toml:"monitor_interval"`
	InvestmentAmount float64  `toml:"investment_amount"`
	MinOrderAmount   float64  `toml:"min_order_amount"`
	QuoteCurrency    string   `toml:"quote_currency"`
	FillTimeout      duration `toml:"fill_timeout"`
	FillPollInterval duration `toml:"fill_poll_interval"`
}

// RiskConfig holds position and loss limits.
type RiskConfig struct {
	MaxOpenPositions int `toml:"max_open_positions"`
	// DailyLossLimit is a negative KRW amount; realized P&L at or below it
	// blocks new entries for the rest of the day.
	DailyLossLimit float64 `toml:"daily_loss_limit"`
	TakeProfitRate float64 `toml:"take_profit_rate"`
	StopLossRate   float64 `toml:"stop_loss_rate"`
	// Timezone decides when the trading day rolls over, e.g. "Asia/Seoul".
	Timezone string `toml:"timezone"`
}

// ScannerConfig holds market scan parameters.
type ScannerConfig struct {
	TopByTurnover        int      `toml:"top_by_turnover"`
	MaxMarkets           int      `toml:"max_markets"`
	CandleUnit           int      `toml:"candle_unit"`
	CandleCount          int      `toml:"candle_count"`
	BaselineCandles      int      `toml:"baseline_candles"`
	VolumeSpikeThreshold float64  `toml:"volume_spike_threshold"`
	MaxPriceMovePct      float64  `toml:"max_price_move_pct"`
	BatchSize            int      `toml:"batch_size"`
	BatchPause           duration `toml:"batch_pause"`
}

// AdvisoryConfig holds the LLM advisory endpoint settings.
type AdvisoryConfig struct {
	Enabled       bool     `toml:"enabled"`
	BaseURL       string   `toml:"base_url"`
	APIKey        string   `toml:"api_key"`
	Model         string   `toml:"model"`
	MinConfidence int      `toml:"min_confidence"`
	Timeout       duration `toml:"timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters for the trade ledger.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the price cache.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for ledger archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	// RetentionDays is how long trade events stay in PostgreSQL before they
	// are archived to the bucket and deleted.
	RetentionDays int `toml:"retention_days"`
}

// FeedConfig holds websocket ticker feed settings. The feed needs the Redis
// price cache as its sink.
type FeedConfig struct {
	Enabled bool `toml:"enabled"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Upbit: UpbitConfig{
			BaseURL:        "https://api.upbit.com",
			WsURL:          "wss://api.upbit.com/websocket/v1",
			CallsPerSec:    8,
			MaxRetries:     3,
			RetryBaseDelay: duration{500 * time.Millisecond},
			RetryMaxJitter: duration{250 * time.Millisecond},
		},
		Trade: TradeConfig{
			PollInterval:     duration{30 * time.Second},
			ScanInterval:     duration{10 * time.Minute},
			MonitorInterval:  duration{time.Minute},
			InvestmentAmount: 30000,
			MinOrderAmount:   5000,
			QuoteCurrency:    "KRW",
			FillTimeout:      duration{30 * time.Second},
			FillPollInterval: duration{time.Second},
		},
		Risk: RiskConfig{
			MaxOpenPositions: 3,
			DailyLossLimit:   -50000,
			TakeProfitRate:   0.03,
			StopLossRate:     0.02,
			Timezone:         "Asia/Seoul",
		},
		Scanner: ScannerConfig{
			TopByTurnover:        50,
			MaxMarkets:           20,
			CandleUnit:           5,
			CandleCount:          10,
			BaselineCandles:      4,
			VolumeSpikeThreshold: 2.0,
			MaxPriceMovePct:      5.0,
			BatchSize:            5,
			BatchPause:           duration{time.Second},
		},
		Advisory: AdvisoryConfig{
			Enabled:       false,
			BaseURL:       "https://generativelanguage.googleapis.com",
			Model:         "gemini-2.0-flash",
			MinConfidence: 6,
			Timeout:       duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "coinbutler",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "coinbutler-data",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  90,
		},
		Feed: FeedConfig{
			Enabled: false,
		},
		Notify: NotifyConfig{
			Events: []string{"buy_filled", "sell_filled", "loss_limit", "error"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"scan":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, scan)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Upbit
	if c.Upbit.BaseURL == "" {
		errs = append(errs, "upbit: base_url must not be empty")
	}
	if c.Upbit.CallsPerSec <= 0 {
		errs = append(errs, "upbit: calls_per_sec must be > 0")
	}
	if c.Upbit.MaxRetries < 1 {
		errs = append(errs, "upbit: max_retries must be >= 1")
	}
	needsKeys := strings.ToLower(c.Mode) == "trade" || strings.ToLower(c.Mode) == "monitor"
	if needsKeys {
		if c.Upbit.AccessKey == "" {
			errs = append(errs, "upbit: access_key is required for mode "+c.Mode)
		}
		if c.Upbit.SecretKey == "" && c.Upbit.EncryptedSecretPath == "" {
			errs = append(errs, "upbit: either secret_key or encrypted_secret_path must be set for mode "+c.Mode)
		}
		if c.Upbit.EncryptedSecretPath != "" && c.Upbit.SecretPassword == "" {
			errs = append(errs, "upbit: secret_password is required when encrypted_secret_path is set")
		}
	}

	// Trade
	if c.Trade.PollInterval.Duration <= 0 {
		errs = append(errs, "trade: poll_interval must be > 0")
	}
	if c.Trade.ScanInterval.Duration <= 0 {
		errs = append(errs, "trade: scan_interval must be > 0")
	}
	if c.Trade.MonitorInterval.Duration <= 0 {
		errs = append(errs, "trade: monitor_interval must be > 0")
	}
	if c.Trade.MinOrderAmount <= 0 {
		errs = append(errs, "trade: min_order_amount must be > 0")
	}
	if c.Trade.InvestmentAmount < c.Trade.MinOrderAmount {
		errs = append(errs, fmt.Sprintf("trade: investment_amount %.0f must be >= min_order_amount %.0f", c.Trade.InvestmentAmount, c.Trade.MinOrderAmount))
	}
	if c.Trade.QuoteCurrency == "" {
		errs = append(errs, "trade: quote_currency must not be empty")
	}
	if c.Trade.FillTimeout.Duration <= 0 {
		errs = append(errs, "trade: fill_timeout must be > 0")
	}

	// Risk
	if c.Risk.MaxOpenPositions < 1 {
		errs = append(errs, "risk: max_open_positions must be >= 1")
	}
	if c.Risk.DailyLossLimit >= 0 {
		errs = append(errs, fmt.Sprintf("risk: daily_loss_limit must be negative, got %.0f", c.Risk.DailyLossLimit))
	}
	if c.Risk.TakeProfitRate <= 0 {
		errs = append(errs, "risk: take_profit_rate must be > 0")
	}
	if c.Risk.StopLossRate <= 0 {
		errs = append(errs, "risk: stop_loss_rate must be > 0")
	}
	if c.Risk.Timezone != "" {
		if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("risk: unknown timezone %q", c.Risk.Timezone))
		}
	}

	// Scanner
	if c.Scanner.TopByTurnover < 1 {
		errs = append(errs, "scanner: top_by_turnover must be >= 1")
	}
	if c.Scanner.MaxMarkets < 1 {
		errs = append(errs, "scanner: max_markets must be >= 1")
	}
	if c.Scanner.CandleUnit < 1 {
		errs = append(errs, "scanner: candle_unit must be >= 1")
	}
	if c.Scanner.BaselineCandles < 1 {
		errs = append(errs, "scanner: baseline_candles must be >= 1")
	}
	if c.Scanner.CandleCount <= c.Scanner.BaselineCandles {
		errs = append(errs, fmt.Sprintf("scanner: candle_count %d must exceed baseline_candles %d", c.Scanner.CandleCount, c.Scanner.BaselineCandles))
	}
	if c.Scanner.VolumeSpikeThreshold <= 1 {
		errs = append(errs, "scanner: volume_spike_threshold must be > 1")
	}
	if c.Scanner.BatchSize < 1 {
		errs = append(errs, "scanner: batch_size must be >= 1")
	}

	// Advisory
	if c.Advisory.Enabled {
		if c.Advisory.APIKey == "" {
			errs = append(errs, "advisory: api_key is required when enabled")
		}
		if c.Advisory.BaseURL == "" {
			errs = append(errs, "advisory: base_url must not be empty when enabled")
		}
		if c.Advisory.Model == "" {
			errs = append(errs, "advisory: model must not be empty when enabled")
		}
		if c.Advisory.MinConfidence < 0 || c.Advisory.MinConfidence > 10 {
			errs = append(errs, fmt.Sprintf("advisory: min_confidence must be 0-10, got %d", c.Advisory.MinConfidence))
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: archiving requires postgres.enabled")
		}
	}

	// Feed
	if c.Feed.Enabled {
		if !c.Redis.Enabled {
			errs = append(errs, "feed: the ticker feed requires redis.enabled as its price sink")
		}
		if c.Upbit.WsURL == "" {
			errs = append(errs, "feed: upbit.ws_url must not be empty when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
