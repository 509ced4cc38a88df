// Package risk owns the open-position set and the daily realized P&L
// ledger. It is the only component that mutates either; the trading loop
// asks it for permission and verdicts.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinbutler/coinbutler/internal/domain"
)

// Limits are the immutable risk parameters for the process lifetime.
type Limits struct {
	MaxOpenPositions int
	// DailyLossLimit is a negative KRW amount. Realized P&L at or below it
	// blocks new entries for the rest of the day.
	DailyLossLimit decimal.Decimal
	// TakeProfitRate and StopLossRate are positive fractions (0.03 = 3%).
	TakeProfitRate decimal.Decimal
	StopLossRate   decimal.Decimal
}

// DefaultLimits returns the live trading limits.
func DefaultLimits() Limits {
	return Limits{
		MaxOpenPositions: 3,
		DailyLossLimit:   decimal.NewFromInt(-50000),
		TakeProfitRate:   decimal.NewFromFloat(0.03),
		StopLossRate:     decimal.NewFromFloat(0.02),
	}
}

// VerdictAction is what Evaluate tells the loop to do with a position.
type VerdictAction string

const (
	ActionHold VerdictAction = "hold"
	ActionSell VerdictAction = "sell"
)

// Sell reasons as recorded in the trade ledger.
const (
	ReasonTakeProfit = "take-profit"
	ReasonStopLoss   = "stop-loss"
)

// Verdict is the outcome of evaluating one open position at a price.
type Verdict struct {
	Action  VerdictAction
	Reason  string
	PnL     decimal.Decimal
	PnLRate decimal.Decimal
}

// Manager guards positions and the daily ledger under a single mutex. Both
// the buy path and the monitor path go through it.
type Manager struct {
	mu        sync.Mutex
	limits    Limits
	loc       *time.Location
	positions map[string]*domain.Position
	daily     map[string]decimal.Decimal

	events   domain.TradeEventStore
	dailyDB  domain.DailyPnLStore
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Manager. events and dailyDB may be nil, in which case the
// ledger is kept in memory only. loc is the exchange-local timezone used to
// bucket realized P&L into calendar days.
func New(limits Limits, loc *time.Location, events domain.TradeEventStore, dailyDB domain.DailyPnLStore, logger *slog.Logger) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	return &Manager{
		limits:    limits,
		loc:       loc,
		positions: make(map[string]*domain.Position),
		daily:     make(map[string]decimal.Decimal),
		events:    events,
		dailyDB:   dailyDB,
		logger:    logger.With(slog.String("component", "risk")),
		now:       time.Now,
	}
}

// CanOpenPosition reports whether a new position may be opened right now:
// the open count is below the cap and today's realized P&L is still strictly
// above the daily loss limit.
func (m *Manager) CanOpenPosition() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canOpenLocked()
}

func (m *Manager) canOpenLocked() bool {
	open := 0
	for _, p := range m.positions {
		if p.Status == domain.PositionStatusOpen {
			open++
		}
	}
	if open >= m.limits.MaxOpenPositions {
		return false
	}
	return m.daily[m.dayKey(m.now())].GreaterThan(m.limits.DailyLossLimit)
}

// OpenPosition records a confirmed buy fill as a new open position and
// appends a BUY event to the trade ledger. It re-validates the risk limits
// so a race between check and act still cannot exceed them.
func (m *Manager) OpenPosition(ctx context.Context, market string, entryPrice, quantity, investment decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.positions[market]; ok && p.Status == domain.PositionStatusOpen {
		return fmt.Errorf("risk: open %s: %w", market, domain.ErrDuplicatePosition)
	}
	if !m.canOpenLocked() {
		return fmt.Errorf("risk: open %s: %w", market, domain.ErrRiskLimitExceeded)
	}

	now := m.now()
	m.positions[market] = &domain.Position{
		Market:           market,
		EntryPrice:       entryPrice,
		Quantity:         quantity,
		InvestmentAmount: investment,
		EntryTime:        now,
		Status:           domain.PositionStatusOpen,
	}

	m.appendEvent(ctx, domain.TradeEvent{
		ID:        uuid.NewString(),
		Timestamp: now,
		Market:    market,
		Action:    domain.TradeActionBuy,
		Price:     entryPrice,
		Quantity:  quantity,
		Amount:    investment,
		Reason:    "entry",
	})

	m.logger.Info("position opened",
		slog.String("market", market),
		slog.String("entry_price", entryPrice.String()),
		slog.String("quantity", quantity.String()),
		slog.String("investment", investment.String()))
	return nil
}

// Evaluate decides whether the open position on market should be sold at
// currentPrice. Take-profit takes precedence over stop-loss; both thresholds
// are inclusive.
func (m *Manager) Evaluate(market string, currentPrice decimal.Decimal) (Verdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[market]
	if !ok || p.Status != domain.PositionStatusOpen {
		return Verdict{}, fmt.Errorf("risk: evaluate %s: %w", market, domain.ErrNoSuchPosition)
	}

	pnl := p.UnrealizedPnL(currentPrice)
	rate := p.PnLRate(currentPrice)

	v := Verdict{Action: ActionHold, PnL: pnl, PnLRate: rate}
	switch {
	case rate.GreaterThanOrEqual(m.limits.TakeProfitRate):
		v.Action = ActionSell
		v.Reason = ReasonTakeProfit
	case rate.LessThanOrEqual(m.limits.StopLossRate.Neg()):
		v.Action = ActionSell
		v.Reason = ReasonStopLoss
	}
	return v, nil
}

// ClosePosition records a confirmed sell fill: the position is closed, its
// realized P&L folded into today's ledger (in memory and through the store),
// and a SELL event appended with the day's cumulative figure. The realized
// P&L is returned.
func (m *Manager) ClosePosition(ctx context.Context, market string, exitPrice decimal.Decimal, reason string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[market]
	if !ok || p.Status != domain.PositionStatusOpen {
		return decimal.Zero, fmt.Errorf("risk: close %s: %w", market, domain.ErrNoSuchPosition)
	}

	now := m.now()
	pnl := p.Close(exitPrice, now)
	delete(m.positions, market)

	day := m.dayKey(now)
	m.daily[day] = m.daily[day].Add(pnl)
	cumulative := m.daily[day]

	if m.dailyDB != nil {
		if err := m.dailyDB.AddRealized(ctx, m.dayStart(now), pnl); err != nil {
			m.logger.Error("persist daily pnl failed", slog.String("day", day), slog.Any("error", err))
		}
	}

	m.appendEvent(ctx, domain.TradeEvent{
		ID:            uuid.NewString(),
		Timestamp:     now,
		Market:        market,
		Action:        domain.TradeActionSell,
		Price:         exitPrice,
		Quantity:      p.Quantity,
		Amount:        p.Quantity.Mul(exitPrice),
		ProfitLoss:    pnl,
		CumulativePnL: cumulative,
		Reason:        reason,
	})

	m.logger.Info("position closed",
		slog.String("market", market),
		slog.String("exit_price", exitPrice.String()),
		slog.String("pnl", pnl.String()),
		slog.String("daily_pnl", cumulative.String()),
		slog.String("reason", reason))
	return pnl, nil
}

// OpenPositions returns a copy of every open position.
func (m *Manager) OpenPositions() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Status == domain.PositionStatusOpen {
			out = append(out, *p)
		}
	}
	return out
}

// HasPosition reports whether market has an open position.
func (m *Manager) HasPosition(market string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[market]
	return ok && p.Status == domain.PositionStatusOpen
}

// Today returns the ledger's current day key, in the manager's location.
// Callers that bucket anything by trading day must use this key so they
// roll over together with the ledger.
func (m *Manager) Today() string {
	return m.dayKey(m.now())
}

// DailyRealized returns today's realized P&L.
func (m *Manager) DailyRealized() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.daily[m.dayKey(m.now())]
}

// DailyLossBreached reports whether today's realized P&L is at or below the
// daily loss limit.
func (m *Manager) DailyLossBreached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.daily[m.dayKey(m.now())].LessThanOrEqual(m.limits.DailyLossLimit)
}

// Limits returns the configured risk limits.
func (m *Manager) Limits() Limits {
	return m.limits
}

// RehydrateDailyPnL loads today's realized figure from the store so a
// restart cannot reset the daily loss limit.
func (m *Manager) RehydrateDailyPnL(ctx context.Context) error {
	if m.dailyDB == nil {
		return nil
	}

	now := m.now()
	total, err := m.dailyDB.Get(ctx, m.dayStart(now))
	if err != nil {
		return fmt.Errorf("risk: rehydrate daily pnl: %w", err)
	}

	m.mu.Lock()
	m.daily[m.dayKey(now)] = total
	m.mu.Unlock()

	m.logger.Info("daily pnl rehydrated", slog.String("realized", total.String()))
	return nil
}

// RestoreFromExchange rebuilds the open-position set from live account
// holdings. Local snapshots are never trusted for this; only what the
// exchange actually holds counts.
func (m *Manager) RestoreFromExchange(accounts []domain.Account, quoteCurrency string, minValue decimal.Decimal) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	for _, a := range accounts {
		if a.Currency == quoteCurrency || a.AvgBuyPrice.IsZero() || a.Balance.IsZero() {
			continue
		}
		value := a.Balance.Mul(a.AvgBuyPrice)
		if value.LessThan(minValue) {
			continue
		}

		market := quoteCurrency + "-" + a.Currency
		if p, ok := m.positions[market]; ok && p.Status == domain.PositionStatusOpen {
			continue
		}
		m.positions[market] = &domain.Position{
			Market:           market,
			EntryPrice:       a.AvgBuyPrice,
			Quantity:         a.Balance,
			InvestmentAmount: value,
			EntryTime:        m.now(),
			Status:           domain.PositionStatusOpen,
		}
		restored++
		m.logger.Info("position restored from exchange holdings",
			slog.String("market", market),
			slog.String("quantity", a.Balance.String()),
			slog.String("avg_buy_price", a.AvgBuyPrice.String()))
	}
	return restored
}

// appendEvent writes to the trade ledger. Ledger failures are logged, not
// propagated: a confirmed fill must be recorded in memory even when the
// store is down.
func (m *Manager) appendEvent(ctx context.Context, ev domain.TradeEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Append(ctx, ev); err != nil {
		m.logger.Error("append trade event failed",
			slog.String("market", ev.Market),
			slog.String("action", string(ev.Action)),
			slog.Any("error", err))
	}
}

func (m *Manager) dayKey(t time.Time) string {
	return t.In(m.loc).Format("2006-01-02")
}

func (m *Manager) dayStart(t time.Time) time.Time {
	local := t.In(m.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.loc)
}
