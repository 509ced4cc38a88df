package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinbutler/coinbutler/internal/advisory"
	s3blob "github.com/coinbutler/coinbutler/internal/blob/s3"
	"github.com/coinbutler/coinbutler/internal/cache/redis"
	"github.com/coinbutler/coinbutler/internal/config"
	"github.com/coinbutler/coinbutler/internal/crypto"
	"github.com/coinbutler/coinbutler/internal/domain"
	"github.com/coinbutler/coinbutler/internal/notify"
	"github.com/coinbutler/coinbutler/internal/platform/upbit"
	"github.com/coinbutler/coinbutler/internal/ratelimit"
	"github.com/coinbutler/coinbutler/internal/retry"
	"github.com/coinbutler/coinbutler/internal/risk"
	"github.com/coinbutler/coinbutler/internal/scanner"
	"github.com/coinbutler/coinbutler/internal/store/postgres"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Gateway  *upbit.Client
	Scanner  *scanner.Scanner
	Advisor  *advisory.Client // nil when the advisory step is disabled
	Risk     *risk.Manager
	Notifier *notify.Notifier

	// PriceCache is nil without Redis; the gateway then skips publishing.
	PriceCache domain.PriceCache

	// TradeEvents and DailyPnL are nil without PostgreSQL; the risk manager
	// then keeps its ledger in memory only.
	TradeEvents domain.TradeEventStore
	DailyPnL    domain.DailyPnLStore

	// Archiver is nil unless both PostgreSQL and S3 are enabled.
	Archiver *s3blob.Archiver
}

// needsKeys returns true for modes that place orders or read balances.
func needsKeys(mode string) bool {
	switch strings.ToLower(mode) {
	case "trade", "monitor":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Exchange client ---
	secretKey := ""
	if needsKeys(cfg.Mode) {
		var err error
		secretKey, err = crypto.LoadSecret(crypto.SecretConfig{
			RawSecret:           cfg.Upbit.SecretKey,
			EncryptedSecretPath: cfg.Upbit.EncryptedSecretPath,
			Password:            cfg.Upbit.SecretPassword,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: secret key: %w", err)
		}
	}

	limiter := ratelimit.New(cfg.Upbit.CallsPerSec)
	deps.Gateway = upbit.NewClient(cfg.Upbit.BaseURL, cfg.Upbit.AccessKey, secretKey, limiter, logger)
	deps.Gateway.SetRetryPolicy(retry.Policy{
		MaxRetries: cfg.Upbit.MaxRetries,
		BaseDelay:  cfg.Upbit.RetryBaseDelay.Duration,
		MaxJitter:  cfg.Upbit.RetryMaxJitter.Duration,
	})

	// --- PostgreSQL trade ledger ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.TradeEvents = postgres.NewTradeEventStore(pool)
		deps.DailyPnL = postgres.NewDailyPnLStore(pool)
	}

	// --- Redis price cache ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.Gateway.SetPriceCache(deps.PriceCache)
	}

	// --- S3 ledger archiving ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if deps.TradeEvents != nil {
			deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.TradeEvents, logger)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	events := make([]notify.Event, 0, len(cfg.Notify.Events))
	for _, e := range cfg.Notify.Events {
		events = append(events, notify.Event(e))
	}
	deps.Notifier = notify.NewNotifier(senders, events, logger)

	// --- Risk manager ---
	loc := time.UTC
	if cfg.Risk.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Risk.Timezone)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: timezone %q: %w", cfg.Risk.Timezone, err)
		}
	}
	deps.Risk = risk.New(risk.Limits{
		MaxOpenPositions: cfg.Risk.MaxOpenPositions,
		DailyLossLimit:   decimal.NewFromFloat(cfg.Risk.DailyLossLimit),
		TakeProfitRate:   decimal.NewFromFloat(cfg.Risk.TakeProfitRate),
		StopLossRate:     decimal.NewFromFloat(cfg.Risk.StopLossRate),
	}, loc, deps.TradeEvents, deps.DailyPnL, logger)

	// --- Scanner ---
	deps.Scanner = scanner.New(deps.Gateway, scanner.Config{
		QuoteCurrency:        cfg.Trade.QuoteCurrency,
		TopByTurnover:        cfg.Scanner.TopByTurnover,
		MaxMarkets:           cfg.Scanner.MaxMarkets,
		CandleUnit:           cfg.Scanner.CandleUnit,
		CandleCount:          cfg.Scanner.CandleCount,
		BaselineCandles:      cfg.Scanner.BaselineCandles,
		VolumeSpikeThreshold: cfg.Scanner.VolumeSpikeThreshold,
		MaxPriceMovePct:      cfg.Scanner.MaxPriceMovePct,
		BatchSize:            cfg.Scanner.BatchSize,
		BatchPause:           cfg.Scanner.BatchPause.Duration,
	}, logger)

	// --- Advisory ---
	if cfg.Advisory.Enabled {
		deps.Advisor = advisory.New(advisory.Config{
			BaseURL:       cfg.Advisory.BaseURL,
			APIKey:        cfg.Advisory.APIKey,
			Model:         cfg.Advisory.Model,
			Timeout:       cfg.Advisory.Timeout.Duration,
			MinConfidence: cfg.Advisory.MinConfidence,
		}, logger)
	}

	return deps, cleanup, nil
}
