// Package bot runs the trading loop: scan for entries on one cadence,
// monitor open positions on another, and drive order execution through the
// exchange gateway. All position and ledger mutations go through the risk
// manager, and only for orders the exchange confirmed as filled.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinbutler/coinbutler/internal/advisory"
	"github.com/coinbutler/coinbutler/internal/domain"
	"github.com/coinbutler/coinbutler/internal/notify"
	"github.com/coinbutler/coinbutler/internal/risk"
)

// Gateway is the slice of the exchange client the loop needs.
type Gateway interface {
	Ticker(ctx context.Context, markets []string) ([]domain.Ticker, error)
	Balance(ctx context.Context, currency string) (decimal.Decimal, error)
	PlaceBuyOrder(ctx context.Context, market string, amount decimal.Decimal) (domain.Order, error)
	PlaceSellOrder(ctx context.Context, market string, volume decimal.Decimal) (domain.Order, error)
	WaitForFill(ctx context.Context, orderUUID string, timeout, pollInterval time.Duration) (domain.Order, error)
}

// Scanner produces buy candidates.
type Scanner interface {
	Scan(ctx context.Context) ([]domain.Candidate, error)
}

// Advisor picks one candidate; nil disables the advisory step.
type Advisor interface {
	Recommend(ctx context.Context, candidates []domain.Candidate) (domain.AdvisoryResult, error)
	Accept(result domain.AdvisoryResult, candidates []domain.Candidate) bool
}

// Config holds the loop's cadences and order sizing.
type Config struct {
	// PollInterval is the loop's base tick. Scan and monitor run when their
	// own intervals have elapsed, so a slow cycle never queues a backlog.
	PollInterval    time.Duration
	ScanInterval    time.Duration
	MonitorInterval time.Duration

	// InvestmentAmount is the KRW spent per entry, capped at 80% of the
	// available balance.
	InvestmentAmount decimal.Decimal
	// MinOrderAmount is the exchange's minimum order value.
	MinOrderAmount decimal.Decimal
	QuoteCurrency  string

	// FillTimeout and FillPollInterval bound order confirmation.
	FillTimeout      time.Duration
	FillPollInterval time.Duration
}

// DefaultConfig returns the live trading cadences.
func DefaultConfig() Config {
	return Config{
		PollInterval:     30 * time.Second,
		ScanInterval:     10 * time.Minute,
		MonitorInterval:  time.Minute,
		InvestmentAmount: decimal.NewFromInt(30000),
		MinOrderAmount:   decimal.NewFromInt(5000),
		QuoteCurrency:    "KRW",
		FillTimeout:      30 * time.Second,
		FillPollInterval: time.Second,
	}
}

// Loop is the trading loop. Construct with New and drive with Run; the loop
// is single-threaded by design, so one cycle fully resolves before the next
// tick is considered.
type Loop struct {
	cfg      Config
	gw       Gateway
	scanner  Scanner
	advisor  Advisor
	risk     *risk.Manager
	notifier *notify.Notifier
	logger   *slog.Logger

	now func() time.Time

	lastScan          time.Time
	lastMonitor       time.Time
	lossLimitNotified string // day key of the last loss-limit alert
}

// New creates a Loop. scanner, advisor, and notifier may be nil; without a
// scanner the loop never opens positions.
func New(cfg Config, gw Gateway, scanner Scanner, advisor Advisor, rm *risk.Manager, notifier *notify.Notifier, logger *slog.Logger) *Loop {
	return &Loop{
		cfg:      cfg,
		gw:       gw,
		scanner:  scanner,
		advisor:  advisor,
		risk:     rm,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "bot")),
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled. The first tick runs both cycles
// immediately. On shutdown any cycle already in progress finishes first;
// open positions are left open and logged.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("trading loop started",
		slog.Duration("scan_interval", l.cfg.ScanInterval),
		slog.Duration("monitor_interval", l.cfg.MonitorInterval))

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick runs whichever cycles are due by elapsed wall-clock time.
func (l *Loop) tick(ctx context.Context) {
	now := l.now()
	if now.Sub(l.lastScan) >= l.cfg.ScanInterval {
		l.lastScan = now
		l.scanCycle(ctx)
	}
	if now.Sub(l.lastMonitor) >= l.cfg.MonitorInterval {
		l.lastMonitor = now
		l.monitorCycle(ctx)
	}
}

// scanCycle looks for a new entry. It is skipped entirely when the risk
// manager would refuse the position anyway.
func (l *Loop) scanCycle(ctx context.Context) {
	// A loop without a scanner only monitors existing positions.
	if l.scanner == nil {
		return
	}
	if !l.risk.CanOpenPosition() {
		l.logger.Info("scan skipped, cannot open new positions",
			slog.Int("open_positions", len(l.risk.OpenPositions())),
			slog.String("daily_pnl", l.risk.DailyRealized().String()))
		l.alertLossLimit(ctx)
		return
	}

	candidates, err := l.scanner.Scan(ctx)
	if err != nil {
		l.logger.Error("scan failed", slog.Any("error", err))
		return
	}

	// Markets already held cannot be entered again.
	open := candidates[:0]
	for _, c := range candidates {
		if !l.risk.HasPosition(c.Market) {
			open = append(open, c)
		}
	}
	candidates = open
	if len(candidates) == 0 {
		return
	}

	market, reason := l.choose(ctx, candidates)
	l.buy(ctx, market, reason)
}

// choose applies the advisory service when enabled and more than one
// candidate exists; in every failure mode it falls back to the first
// candidate by scan order.
func (l *Loop) choose(ctx context.Context, candidates []domain.Candidate) (market, reason string) {
	first := candidates[0]
	fallbackReason := fmt.Sprintf("volume spike %.1fx", first.VolumeRatio)

	if l.advisor == nil || len(candidates) == 1 {
		return first.Market, fallbackReason
	}

	result, err := l.advisor.Recommend(ctx, candidates)
	if err != nil {
		var aerr *advisory.Error
		kind := "unknown"
		if errors.As(err, &aerr) {
			kind = string(aerr.Kind)
		}
		l.logger.Warn("advisory failed, falling back to first candidate",
			slog.String("kind", kind),
			slog.Any("error", err))
		return first.Market, fallbackReason
	}
	if !l.advisor.Accept(result, candidates) {
		l.logger.Info("advisory recommendation discarded",
			slog.String("market", result.RecommendedMarket),
			slog.Int("confidence", result.Confidence),
			slog.String("risk", string(result.RiskLevel)))
		return first.Market, fallbackReason
	}

	return result.RecommendedMarket, fmt.Sprintf("advisory (confidence %d): %s", result.Confidence, result.Reason)
}

// buy places a market buy and opens the position only once the exchange
// confirms the fill. An unconfirmed or rejected order changes nothing.
func (l *Loop) buy(ctx context.Context, market, reason string) {
	balance, err := l.gw.Balance(ctx, l.cfg.QuoteCurrency)
	if err != nil {
		l.logger.Error("balance check failed", slog.String("market", market), slog.Any("error", err))
		return
	}

	investment := l.cfg.InvestmentAmount
	if ceiling := balance.Mul(decimal.NewFromFloat(0.8)); ceiling.LessThan(investment) {
		investment = ceiling
	}
	if investment.LessThan(l.cfg.MinOrderAmount) {
		l.logger.Warn("insufficient balance for entry",
			slog.String("market", market),
			slog.String("balance", balance.String()))
		return
	}

	order, err := l.gw.PlaceBuyOrder(ctx, market, investment)
	if err != nil {
		l.logger.Error("buy order failed", slog.String("market", market), slog.Any("error", err))
		title, message := notify.ErrorMessage("buy "+market, err)
		l.notifyAsync(notify.EventError, title, message)
		return
	}

	// The order is submitted now; its outcome must be checked even if the
	// loop is shutting down, so the confirmation poll and the ledger write
	// run on a context that survives run cancellation, bounded by the fill
	// timeout instead.
	confirmCtx, cancel := l.confirmContext(ctx)
	defer cancel()

	filled, err := l.gw.WaitForFill(confirmCtx, order.UUID, l.cfg.FillTimeout, l.cfg.FillPollInterval)
	if err != nil {
		l.logger.Error("buy order not confirmed",
			slog.String("market", market),
			slog.String("order", order.UUID),
			slog.Any("error", err))
		return
	}

	entryPrice := filled.AvgFillPrice()
	if err := l.risk.OpenPosition(confirmCtx, market, entryPrice, filled.ExecutedVolume, filled.PaidFunds); err != nil {
		l.logger.Error("confirmed buy could not be recorded",
			slog.String("market", market),
			slog.Any("error", err))
		return
	}

	title, message := notify.BuyFilledMessage(market, entryPrice, filled.PaidFunds, reason)
	l.notifyAsync(notify.EventBuyFilled, title, message)
}

// monitorCycle evaluates every open position at the current price and sells
// the ones the risk manager flags.
func (l *Loop) monitorCycle(ctx context.Context) {
	for _, p := range l.risk.OpenPositions() {
		tickers, err := l.gw.Ticker(ctx, []string{p.Market})
		if err != nil || len(tickers) == 0 {
			l.logger.Warn("price fetch failed, holding",
				slog.String("market", p.Market),
				slog.Any("error", err))
			continue
		}
		price := tickers[0].TradePrice

		verdict, err := l.risk.Evaluate(p.Market, price)
		if err != nil {
			l.logger.Error("evaluate failed", slog.String("market", p.Market), slog.Any("error", err))
			continue
		}
		if verdict.Action != risk.ActionSell {
			continue
		}

		l.sell(ctx, p, verdict)
	}
}

// sell places a market sell and closes the position only on a confirmed
// fill.
func (l *Loop) sell(ctx context.Context, p domain.Position, verdict risk.Verdict) {
	l.logger.Info("sell signal",
		slog.String("market", p.Market),
		slog.String("reason", verdict.Reason),
		slog.String("pnl_rate", verdict.PnLRate.String()))

	order, err := l.gw.PlaceSellOrder(ctx, p.Market, p.Quantity)
	if err != nil {
		l.logger.Error("sell order failed", slog.String("market", p.Market), slog.Any("error", err))
		title, message := notify.ErrorMessage("sell "+p.Market, err)
		l.notifyAsync(notify.EventError, title, message)
		return
	}

	// As with buys, never abandon a submitted sell unconfirmed: shutdown
	// must not interrupt the confirmation poll or the ledger write.
	confirmCtx, cancel := l.confirmContext(ctx)
	defer cancel()

	filled, err := l.gw.WaitForFill(confirmCtx, order.UUID, l.cfg.FillTimeout, l.cfg.FillPollInterval)
	if err != nil {
		l.logger.Error("sell order not confirmed",
			slog.String("market", p.Market),
			slog.String("order", order.UUID),
			slog.Any("error", err))
		return
	}

	exitPrice := filled.AvgFillPrice()
	pnl, err := l.risk.ClosePosition(confirmCtx, p.Market, exitPrice, verdict.Reason)
	if err != nil {
		l.logger.Error("confirmed sell could not be recorded",
			slog.String("market", p.Market),
			slog.Any("error", err))
		return
	}

	title, message := notify.SellFilledMessage(p.Market, exitPrice, pnl, l.risk.DailyRealized(), verdict.Reason)
	l.notifyAsync(notify.EventSellFilled, title, message)
	l.alertLossLimit(ctx)
}

// confirmContext detaches from run cancellation so a submitted order's
// outcome is always checked; the fill timeout plus one poll bounds it.
func (l *Loop) confirmContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.cfg.FillTimeout+l.cfg.FillPollInterval)
}

// alertLossLimit notifies at most once per day when the daily loss limit has
// been breached. The day is the ledger's, in the exchange-local calendar.
func (l *Loop) alertLossLimit(ctx context.Context) {
	if !l.risk.DailyLossBreached() {
		return
	}
	day := l.risk.Today()
	if l.lossLimitNotified == day {
		return
	}
	l.lossLimitNotified = day

	l.logger.Warn("daily loss limit breached, no further entries today",
		slog.String("daily_pnl", l.risk.DailyRealized().String()))
	title, message := notify.LossLimitMessage(l.risk.DailyRealized(), l.risk.Limits().DailyLossLimit)
	l.notifyAsync(notify.EventLossLimit, title, message)
}

// notifyAsync fires a notification without blocking the loop. Delivery uses
// a detached context so an in-flight alert survives loop shutdown.
func (l *Loop) notifyAsync(event notify.Event, title, message string) {
	if l.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = l.notifier.Notify(ctx, event, title, message)
	}()
}

// shutdown logs the final position snapshot. Positions stay open; every fill
// was already persisted through the ledger when it happened.
func (l *Loop) shutdown() {
	positions := l.risk.OpenPositions()
	l.logger.Info("trading loop stopped",
		slog.Int("open_positions", len(positions)),
		slog.String("daily_pnl", l.risk.DailyRealized().String()))
	for _, p := range positions {
		l.logger.Info("position left open",
			slog.String("market", p.Market),
			slog.String("entry_price", p.EntryPrice.String()),
			slog.String("quantity", p.Quantity.String()))
	}
}
