package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BUTLER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BUTLER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Upbit ──
	setStr(&cfg.Upbit.BaseURL, "BUTLER_UPBIT_BASE_URL")
	setStr(&cfg.Upbit.WsURL, "BUTLER_UPBIT_WS_URL")
	setStr(&cfg.Upbit.AccessKey, "BUTLER_UPBIT_ACCESS_KEY")
	setStr(&cfg.Upbit.SecretKey, "BUTLER_UPBIT_SECRET_KEY")
	setStr(&cfg.Upbit.EncryptedSecretPath, "BUTLER_UPBIT_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Upbit.SecretPassword, "BUTLER_UPBIT_SECRET_PASSWORD")
	setFloat64(&cfg.Upbit.CallsPerSec, "BUTLER_UPBIT_CALLS_PER_SEC")
	setInt(&cfg.Upbit.MaxRetries, "BUTLER_UPBIT_MAX_RETRIES")
	setDuration(&cfg.Upbit.RetryBaseDelay, "BUTLER_UPBIT_RETRY_BASE_DELAY")
	setDuration(&cfg.Upbit.RetryMaxJitter, "BUTLER_UPBIT_RETRY_MAX_JITTER")

	// ── Trade ──
	setDuration(&cfg.Trade.PollInterval, "BUTLER_TRADE_POLL_INTERVAL")
	setDuration(&cfg.Trade.ScanInterval, "BUTLER_TRADE_SCAN_INTERVAL")
	setDuration(&cfg.Trade.MonitorInterval, "BUTLER_TRADE_MONITOR_INTERVAL")
	setFloat64(&cfg.Trade.InvestmentAmount, "BUTLER_TRADE_INVESTMENT_AMOUNT")
	setFloat64(&cfg.Trade.MinOrderAmount, "BUTLER_TRADE_MIN_ORDER_AMOUNT")
	setStr(&cfg.Trade.QuoteCurrency, "BUTLER_TRADE_QUOTE_CURRENCY")
	setDuration(&cfg.Trade.FillTimeout, "BUTLER_TRADE_FILL_TIMEOUT")
	setDuration(&cfg.Trade.FillPollInterval, "BUTLER_TRADE_FILL_POLL_INTERVAL")

	// ── Risk ──
	setInt(&cfg.Risk.MaxOpenPositions, "BUTLER_RISK_MAX_OPEN_POSITIONS")
	setFloat64(&cfg.Risk.DailyLossLimit, "BUTLER_RISK_DAILY_LOSS_LIMIT")
	setFloat64(&cfg.Risk.TakeProfitRate, "BUTLER_RISK_TAKE_PROFIT_RATE")
	setFloat64(&cfg.Risk.StopLossRate, "BUTLER_RISK_STOP_LOSS_RATE")
	setStr(&cfg.Risk.Timezone, "BUTLER_RISK_TIMEZONE")

	// ── Scanner ──
	setInt(&cfg.Scanner.TopByTurnover, "BUTLER_SCANNER_TOP_BY_TURNOVER")
	setInt(&cfg.Scanner.MaxMarkets, "BUTLER_SCANNER_MAX_MARKETS")
	setInt(&cfg.Scanner.CandleUnit, "BUTLER_SCANNER_CANDLE_UNIT")
	setInt(&cfg.Scanner.CandleCount, "BUTLER_SCANNER_CANDLE_COUNT")
	setInt(&cfg.Scanner.BaselineCandles, "BUTLER_SCANNER_BASELINE_CANDLES")
	setFloat64(&cfg.Scanner.VolumeSpikeThreshold, "BUTLER_SCANNER_VOLUME_SPIKE_THRESHOLD")
	setFloat64(&cfg.Scanner.MaxPriceMovePct, "BUTLER_SCANNER_MAX_PRICE_MOVE_PCT")
	setInt(&cfg.Scanner.BatchSize, "BUTLER_SCANNER_BATCH_SIZE")
	setDuration(&cfg.Scanner.BatchPause, "BUTLER_SCANNER_BATCH_PAUSE")

	// ── Advisory ──
	setBool(&cfg.Advisory.Enabled, "BUTLER_ADVISORY_ENABLED")
	setStr(&cfg.Advisory.BaseURL, "BUTLER_ADVISORY_BASE_URL")
	setStr(&cfg.Advisory.APIKey, "BUTLER_ADVISORY_API_KEY")
	setStr(&cfg.Advisory.Model, "BUTLER_ADVISORY_MODEL")
	setInt(&cfg.Advisory.MinConfidence, "BUTLER_ADVISORY_MIN_CONFIDENCE")
	setDuration(&cfg.Advisory.Timeout, "BUTLER_ADVISORY_TIMEOUT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "BUTLER_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "BUTLER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BUTLER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BUTLER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BUTLER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BUTLER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BUTLER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BUTLER_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BUTLER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BUTLER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BUTLER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "BUTLER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "BUTLER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BUTLER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BUTLER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BUTLER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BUTLER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BUTLER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "BUTLER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "BUTLER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BUTLER_S3_REGION")
	setStr(&cfg.S3.Bucket, "BUTLER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BUTLER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BUTLER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BUTLER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BUTLER_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "BUTLER_S3_RETENTION_DAYS")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "BUTLER_FEED_ENABLED")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BUTLER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BUTLER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BUTLER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BUTLER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BUTLER_MODE")
	setStr(&cfg.LogLevel, "BUTLER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
