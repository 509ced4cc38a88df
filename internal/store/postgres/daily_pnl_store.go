package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DailyPnLStore implements domain.DailyPnLStore using PostgreSQL.
type DailyPnLStore struct {
	pool *pgxpool.Pool
}

// NewDailyPnLStore creates a DailyPnLStore backed by the given pool.
func NewDailyPnLStore(pool *pgxpool.Pool) *DailyPnLStore {
	return &DailyPnLStore{pool: pool}
}

// AddRealized folds pnl into the stored total for day, creating the row on
// first write.
func (s *DailyPnLStore) AddRealized(ctx context.Context, day time.Time, pnl decimal.Decimal) error {
	const query = `
		INSERT INTO daily_pnl (day, realized) VALUES ($1, $2)
		ON CONFLICT (day) DO UPDATE SET realized = daily_pnl.realized + EXCLUDED.realized`

	_, err := s.pool.Exec(ctx, query, day, pnl)
	if err != nil {
		return fmt.Errorf("postgres: add realized pnl: %w", err)
	}
	return nil
}

// Get returns the realized total for day; days without closed trades read
// as zero.
func (s *DailyPnLStore) Get(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	var realized decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT realized FROM daily_pnl WHERE day = $1`, day,
	).Scan(&realized)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: get daily pnl: %w", err)
	}
	return realized, nil
}
