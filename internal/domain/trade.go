package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeAction distinguishes the two sides of the trade-event ledger.
type TradeAction string

const (
	TradeActionBuy  TradeAction = "BUY"
	TradeActionSell TradeAction = "SELL"
)

// TradeEvent is one row of the append-only trade ledger. BUY events carry a
// zero ProfitLoss; SELL events carry the realized P&L of the closed position
// and the cumulative realized P&L for the day after folding it in.
type TradeEvent struct {
	ID            string
	Timestamp     time.Time
	Market        string
	Action        TradeAction
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Amount        decimal.Decimal
	ProfitLoss    decimal.Decimal
	CumulativePnL decimal.Decimal
	Reason        string
}

// OrderSide is the exchange-level order direction.
type OrderSide string

const (
	OrderSideBid OrderSide = "bid"
	OrderSideAsk OrderSide = "ask"
)

// OrderState mirrors the exchange's order lifecycle states.
type OrderState string

const (
	OrderStateWait   OrderState = "wait"
	OrderStateDone   OrderState = "done"
	OrderStateCancel OrderState = "cancel"
)

// Order is the exchange's view of a submitted order. ExecutedVolume and
// PaidFunds are whatever the exchange reports; the gateway never guesses.
type Order struct {
	UUID           string
	Market         string
	Side           OrderSide
	State          OrderState
	ExecutedVolume decimal.Decimal
	PaidFunds      decimal.Decimal
	CreatedAt      time.Time
}

// AvgFillPrice returns PaidFunds / ExecutedVolume, or zero when nothing
// executed.
func (o Order) AvgFillPrice() decimal.Decimal {
	if o.ExecutedVolume.IsZero() {
		return decimal.Zero
	}
	return o.PaidFunds.Div(o.ExecutedVolume)
}
