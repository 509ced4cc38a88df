package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coinbutler/coinbutler/internal/domain"
)

// Archiver moves old trade-ledger rows out of Postgres into per-run JSONL
// objects. Rows are deleted from the primary store only after the upload
// succeeded, so a failed archive run loses nothing.
type Archiver struct {
	writer domain.BlobWriter
	events domain.TradeEventStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, events domain.TradeEventStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		events: events,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// tradeEventRecord is the JSONL archive row. Decimals are serialized as
// strings so a reload reproduces exact values.
type tradeEventRecord struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"ts"`
	Market        string    `json:"market"`
	Action        string    `json:"action"`
	Price         string    `json:"price"`
	Quantity      string    `json:"quantity"`
	Amount        string    `json:"amount"`
	ProfitLoss    string    `json:"profit_loss"`
	CumulativePnL string    `json:"cumulative_pnl"`
	Reason        string    `json:"reason"`
}

// ArchiveBefore uploads every trade event older than the cutoff to
// archive/trade_events/YYYY-MM-DD.jsonl and then deletes the archived rows.
// It returns the number of events archived.
func (a *Archiver) ArchiveBefore(ctx context.Context, before time.Time) (int64, error) {
	events, err := a.events.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(events)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive marshal: %w", err)
	}

	path := archivePath(before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	deleted, err := a.events.DeleteBefore(ctx, before)
	if err != nil {
		return int64(len(events)), fmt.Errorf("s3blob: archive delete after upload: %w", err)
	}

	a.logger.Info("trade events archived",
		slog.String("path", path),
		slog.Int("archived", len(events)),
		slog.Int64("deleted", deleted))
	return int64(len(events)), nil
}

// archivePath names the object after the cutoff date. Each run gets its own
// key: Put replaces objects wholesale, so reusing a key across runs would
// overwrite rows that earlier runs already deleted from the primary store.
func archivePath(before time.Time) string {
	return fmt.Sprintf("archive/trade_events/%s.jsonl", before.UTC().Format("2006-01-02"))
}

// marshalJSONL renders one JSON object per line.
func marshalJSONL(events []domain.TradeEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		rec := tradeEventRecord{
			ID:            ev.ID,
			Timestamp:     ev.Timestamp,
			Market:        ev.Market,
			Action:        string(ev.Action),
			Price:         ev.Price.String(),
			Quantity:      ev.Quantity.String(),
			Amount:        ev.Amount.String(),
			ProfitLoss:    ev.ProfitLoss.String(),
			CumulativePnL: ev.CumulativePnL.String(),
			Reason:        ev.Reason,
		}
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
