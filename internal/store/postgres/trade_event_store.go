package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinbutler/coinbutler/internal/domain"
)

// TradeEventStore implements domain.TradeEventStore using PostgreSQL.
type TradeEventStore struct {
	pool *pgxpool.Pool
}

// NewTradeEventStore creates a TradeEventStore backed by the given pool.
func NewTradeEventStore(pool *pgxpool.Pool) *TradeEventStore {
	return &TradeEventStore{pool: pool}
}

const tradeEventCols = `id, ts, market, action, price, quantity, amount,
	profit_loss, cumulative_pnl, reason`

func scanTradeEvents(rows pgx.Rows) ([]domain.TradeEvent, error) {
	var events []domain.TradeEvent
	for rows.Next() {
		var ev domain.TradeEvent
		if err := rows.Scan(
			&ev.ID, &ev.Timestamp, &ev.Market, &ev.Action,
			&ev.Price, &ev.Quantity, &ev.Amount,
			&ev.ProfitLoss, &ev.CumulativePnL, &ev.Reason,
		); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Append inserts one confirmed fill into the ledger. The ledger is
// append-only; events are never updated or deleted outside of archival.
func (s *TradeEventStore) Append(ctx context.Context, ev domain.TradeEvent) error {
	const query = `
		INSERT INTO trade_events (
			id, ts, market, action, price, quantity, amount,
			profit_loss, cumulative_pnl, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		ev.ID, ev.Timestamp, ev.Market, ev.Action,
		ev.Price, ev.Quantity, ev.Amount,
		ev.ProfitLoss, ev.CumulativePnL, ev.Reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: append trade event: %w", err)
	}
	return nil
}

// ListRecent returns the newest limit events, newest first.
func (s *TradeEventStore) ListRecent(ctx context.Context, limit int) ([]domain.TradeEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM trade_events ORDER BY ts DESC LIMIT $1`, tradeEventCols)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent trade events: %w", err)
	}
	defer rows.Close()

	events, err := scanTradeEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade events: %w", err)
	}
	return events, nil
}

// ListBefore returns events strictly older than the cutoff, oldest first.
func (s *TradeEventStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM trade_events WHERE ts < $1 ORDER BY ts ASC`, tradeEventCols)

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade events before %s: %w", before, err)
	}
	defer rows.Close()

	events, err := scanTradeEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trade events: %w", err)
	}
	return events, nil
}

// DeleteBefore removes events strictly older than the cutoff, returning the
// number deleted. Used only after the archiver has persisted them.
func (s *TradeEventStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trade_events WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trade events before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}
