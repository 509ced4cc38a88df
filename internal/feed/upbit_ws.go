// Package feed streams live ticker prices over the exchange websocket into
// the price cache, so the dashboard sees sub-second prices between the bot's
// REST polls. The feed is optional: the bot trades correctly without it.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/coinbutler/coinbutler/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second
)

// tickerMsg is the exchange's websocket ticker frame.
type tickerMsg struct {
	Type        string          `json:"type"`
	Code        string          `json:"code"`
	TradePrice  decimal.Decimal `json:"trade_price"`
	TimestampMs int64           `json:"timestamp"`
}

// TickerFeed subscribes to ticker frames for a set of markets and publishes
// each price into the cache. It reconnects with exponential backoff until the
// context is cancelled.
type TickerFeed struct {
	wsURL   string
	markets []string
	cache   domain.PriceCache
	logger  *slog.Logger
}

// NewTickerFeed creates a TickerFeed.
//
// wsURL is the websocket endpoint, e.g. "wss://api.upbit.com/websocket/v1".
func NewTickerFeed(wsURL string, markets []string, cache domain.PriceCache, logger *slog.Logger) *TickerFeed {
	return &TickerFeed{
		wsURL:   wsURL,
		markets: markets,
		cache:   cache,
		logger:  logger.With(slog.String("component", "feed")),
	}
}

// Run connects and streams until ctx is cancelled. Connection failures are
// retried with backoff; Run only returns the context's error.
func (f *TickerFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		err := f.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("feed disconnected, reconnecting",
			slog.Duration("delay", delay),
			slog.Any("error", err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// stream runs one connection: dial, subscribe, read until failure.
func (f *TickerFeed) stream(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	if err := f.subscribe(conn); err != nil {
		return err
	}
	f.logger.Info("feed connected", slog.Int("markets", len(f.markets)))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Close the connection when ctx ends so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		f.handleFrame(ctx, data)
	}
}

// subscribe sends the exchange's subscription envelope: a ticket followed by
// the ticker request for the tracked markets.
func (f *TickerFeed) subscribe(conn *websocket.Conn) error {
	req := []any{
		map[string]string{"ticket": uuid.NewString()},
		map[string]any{"type": "ticker", "codes": f.markets},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("feed: marshal subscribe: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

func (f *TickerFeed) handleFrame(ctx context.Context, data []byte) {
	var msg tickerMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("feed frame not a ticker", slog.Int("payload_len", len(data)))
		return
	}
	if msg.Type != "ticker" || msg.Code == "" {
		return
	}

	ts := time.UnixMilli(msg.TimestampMs)
	if msg.TimestampMs == 0 {
		ts = time.Now()
	}
	if err := f.cache.SetPrice(ctx, msg.Code, msg.TradePrice, ts); err != nil {
		f.logger.Warn("feed publish price failed",
			slog.String("market", msg.Code),
			slog.Any("error", err))
	}
}
