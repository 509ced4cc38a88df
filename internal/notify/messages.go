package notify

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BuyFilledMessage renders the alert for a confirmed buy fill.
func BuyFilledMessage(market string, price, amount decimal.Decimal, reason string) (title, message string) {
	title = fmt.Sprintf("Buy filled: %s", market)
	message = fmt.Sprintf("price %s KRW\namount %s KRW\nreason: %s",
		price.String(), amount.String(), reason)
	return title, message
}

// SellFilledMessage renders the alert for a confirmed sell fill.
func SellFilledMessage(market string, price, pnl, dailyPnL decimal.Decimal, reason string) (title, message string) {
	title = fmt.Sprintf("Sell filled: %s (%s)", market, reason)
	message = fmt.Sprintf("price %s KRW\nP&L %s KRW\ndaily P&L %s KRW",
		price.String(), pnl.String(), dailyPnL.String())
	return title, message
}

// LossLimitMessage renders the once-a-day alert for a breached daily loss
// limit.
func LossLimitMessage(dailyPnL, limit decimal.Decimal) (title, message string) {
	title = "Daily loss limit reached"
	message = fmt.Sprintf("realized %s KRW against a limit of %s KRW; no new entries today",
		dailyPnL.String(), limit.String())
	return title, message
}

// ErrorMessage renders an operational error alert.
func ErrorMessage(context string, err error) (title, message string) {
	title = "Trading error"
	message = fmt.Sprintf("%s: %v", context, err)
	return title, message
}
