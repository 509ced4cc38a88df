package app

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/coinbutler/coinbutler/internal/bot"
	"github.com/coinbutler/coinbutler/internal/feed"
)

// archiveCheckInterval is how often the ledger archiver looks for rows older
// than the retention window.
const archiveCheckInterval = 24 * time.Hour

// TradeMode starts the full trading loop plus the optional ticker feed and
// ledger archiver, and blocks until the context is cancelled.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	if err := a.restoreState(ctx, deps); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	loop := bot.New(a.loopConfig(), deps.Gateway, deps.Scanner, advisorOrNil(deps), deps.Risk, deps.Notifier, a.logger)
	g.Go(func() error {
		return loop.Run(ctx)
	})

	a.startFeed(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// MonitorMode watches and exits existing positions without opening new ones.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	if err := a.restoreState(ctx, deps); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	loop := bot.New(a.loopConfig(), deps.Gateway, nil, nil, deps.Risk, deps.Notifier, a.logger)
	g.Go(func() error {
		return loop.Run(ctx)
	})

	a.startFeed(ctx, g, deps)

	return g.Wait()
}

// ScanMode runs a single market scan, logs the candidates, and exits. No
// credentials are needed; it only touches public endpoints.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scan mode")

	candidates, err := deps.Scanner.Scan(ctx)
	if err != nil {
		return err
	}

	if len(candidates) == 0 {
		a.logger.InfoContext(ctx, "no candidates found")
		return nil
	}
	for i, c := range candidates {
		a.logger.InfoContext(ctx, "candidate",
			slog.Int("rank", i+1),
			slog.String("market", c.Market),
			slog.Float64("volume_ratio", c.VolumeRatio),
			slog.Float64("price_change_pct", c.PriceChangePct),
		)
	}
	return nil
}

// restoreState rebuilds the risk manager's view of the world: today's realized
// P&L from the ledger and open positions from live exchange holdings.
func (a *App) restoreState(ctx context.Context, deps *Dependencies) error {
	if err := deps.Risk.RehydrateDailyPnL(ctx); err != nil {
		a.logger.WarnContext(ctx, "could not rehydrate daily pnl, starting from zero",
			slog.Any("error", err))
	}

	accounts, err := deps.Gateway.Accounts(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "could not list accounts, starting without positions",
			slog.Any("error", err))
		return nil
	}
	restored := deps.Risk.RestoreFromExchange(accounts, a.cfg.Trade.QuoteCurrency, decimalFrom(a.cfg.Trade.MinOrderAmount))
	if restored > 0 {
		a.logger.InfoContext(ctx, "restored positions from exchange holdings",
			slog.Int("count", restored))
	}
	return nil
}

// startFeed launches the websocket ticker feed when it is enabled and a price
// cache exists to publish into. It subscribes to every market in the
// configured quote currency.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Feed.Enabled || deps.PriceCache == nil {
		return
	}

	markets, err := deps.Gateway.Markets(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "feed disabled, market list unavailable",
			slog.Any("error", err))
		return
	}
	prefix := a.cfg.Trade.QuoteCurrency + "-"
	codes := make([]string, 0, len(markets))
	for _, m := range markets {
		if strings.HasPrefix(m.Code, prefix) {
			codes = append(codes, m.Code)
		}
	}
	if len(codes) == 0 {
		return
	}

	tickerFeed := feed.NewTickerFeed(a.cfg.Upbit.WsURL, codes, deps.PriceCache, a.logger)
	g.Go(func() error {
		return tickerFeed.Run(ctx)
	})
}

// startArchiver launches the periodic ledger archive job when both the ledger
// store and the blob writer are wired.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}

	retention := time.Duration(a.cfg.S3.RetentionDays) * 24 * time.Hour
	g.Go(func() error {
		ticker := time.NewTicker(archiveCheckInterval)
		defer ticker.Stop()
		for {
			if n, err := deps.Archiver.ArchiveBefore(ctx, time.Now().Add(-retention)); err != nil {
				a.logger.WarnContext(ctx, "ledger archive failed", slog.Any("error", err))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archived ledger rows", slog.Int64("rows", n))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
}

// loopConfig maps the file configuration onto the trading loop's config.
func (a *App) loopConfig() bot.Config {
	return bot.Config{
		PollInterval:     a.cfg.Trade.PollInterval.Duration,
		ScanInterval:     a.cfg.Trade.ScanInterval.Duration,
		MonitorInterval:  a.cfg.Trade.MonitorInterval.Duration,
		InvestmentAmount: decimalFrom(a.cfg.Trade.InvestmentAmount),
		MinOrderAmount:   decimalFrom(a.cfg.Trade.MinOrderAmount),
		QuoteCurrency:    a.cfg.Trade.QuoteCurrency,
		FillTimeout:      a.cfg.Trade.FillTimeout.Duration,
		FillPollInterval: a.cfg.Trade.FillPollInterval.Duration,
	}
}

// advisorOrNil avoids handing the loop a typed nil advisor.
func advisorOrNil(deps *Dependencies) bot.Advisor {
	if deps.Advisor == nil {
		return nil
	}
	return deps.Advisor
}

func decimalFrom(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}
