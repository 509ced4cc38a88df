package domain

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// TradeEventStore is the append-only ledger of confirmed fills. Implemented
// by the Postgres store; the bot only ever appends and reads.
type TradeEventStore interface {
	Append(ctx context.Context, ev TradeEvent) error
	ListRecent(ctx context.Context, limit int) ([]TradeEvent, error)
	// ListBefore returns events with a timestamp strictly before the cutoff,
	// oldest first. Used by the archiver.
	ListBefore(ctx context.Context, before time.Time) ([]TradeEvent, error)
	// DeleteBefore removes archived events and returns the number deleted.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// DailyPnLStore persists realized profit/loss per exchange-local calendar
// date. Days with no closed trades have no row and read as zero.
type DailyPnLStore interface {
	// AddRealized folds pnl into the stored total for day.
	AddRealized(ctx context.Context, day time.Time, pnl decimal.Decimal) error
	// Get returns the realized total for day, or zero when absent.
	Get(ctx context.Context, day time.Time) (decimal.Decimal, error)
}

// PriceCache publishes the latest observed price per market so external
// consumers (the dashboard) can read live state without touching the
// exchange API.
type PriceCache interface {
	SetPrice(ctx context.Context, market string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, market string) (decimal.Decimal, time.Time, error)
	GetPrices(ctx context.Context, markets []string) (map[string]decimal.Decimal, error)
}

// BlobWriter uploads a finished artifact to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
