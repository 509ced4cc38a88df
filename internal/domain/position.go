package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position represents a single spot holding resulting from one buy, tracked
// until its matching sell. At most one open Position exists per market.
type Position struct {
	Market           string
	EntryPrice       decimal.Decimal
	Quantity         decimal.Decimal
	InvestmentAmount decimal.Decimal
	EntryTime        time.Time
	Status           PositionStatus
	ExitPrice        *decimal.Decimal
	ClosedAt         *time.Time
	RealizedPnL      *decimal.Decimal
}

// UnrealizedPnL returns quantity*currentPrice - investmentAmount.
func (p *Position) UnrealizedPnL(currentPrice decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(currentPrice).Sub(p.InvestmentAmount)
}

// PnLRate returns the unrealized P&L as a fraction of the invested amount
// (0.03 = +3%). Zero investment yields a zero rate.
func (p *Position) PnLRate(currentPrice decimal.Decimal) decimal.Decimal {
	if p.InvestmentAmount.IsZero() {
		return decimal.Zero
	}
	return p.UnrealizedPnL(currentPrice).Div(p.InvestmentAmount)
}

// Close marks the position closed at exitPrice, records the realized P&L, and
// returns it.
func (p *Position) Close(exitPrice decimal.Decimal, at time.Time) decimal.Decimal {
	pnl := p.UnrealizedPnL(exitPrice)
	p.Status = PositionStatusClosed
	p.ExitPrice = &exitPrice
	p.ClosedAt = &at
	p.RealizedPnL = &pnl
	return pnl
}
