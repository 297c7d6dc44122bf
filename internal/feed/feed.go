// Package feed consumes binary-market book snapshots over WebSocket and
// hands them to the engine loop. One goroutine per feed; per-market snapshot
// ordering is preserved because a single reader drains the connection.
//
// The feed owns connectivity health: after maxConnFailures consecutive
// failed connect attempts it trips the circuit breaker, and re-arms it is
// not the feed's job (the breaker's cooldown or the operator handles that).
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/polyarb/arb-engine/internal/breaker"
	"github.com/polyarb/arb-engine/internal/metrics"
	"github.com/polyarb/arb-engine/internal/model"
)

// ErrCrossedBook marks a snapshot whose best bid exceeds its best ask.
// Crossed books are venue glitches, not opportunities, and never reach
// the engine.
var ErrCrossedBook = errors.New("feed: crossed book")

const (
	defaultReadTimeout  = 30 * time.Second
	defaultPingInterval = 15 * time.Second

	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second

	// maxConnFailures consecutive failed connects trip the breaker.
	maxConnFailures = 5
)

// BookHandler receives each accepted snapshot.
type BookHandler interface {
	OnBook(ctx context.Context, book *model.BinaryMarketBook) error
}

// Client maintains one WebSocket subscription to the market-data venue and
// delivers parsed snapshots to the handler.
type Client struct {
	url      string
	markets  []string
	handler  BookHandler
	breaker  *breaker.CircuitBreaker
	dialer   *websocket.Dialer
	readWait time.Duration
}

// NewClient creates a feed client subscribing to the given markets.
func NewClient(url string, markets []string, handler BookHandler, cb *breaker.CircuitBreaker) *Client {
	return &Client{
		url:      url,
		markets:  markets,
		handler:  handler,
		breaker:  cb,
		dialer:   websocket.DefaultDialer,
		readWait: defaultReadTimeout,
	}
}

// Run connects and consumes snapshots until the context is cancelled,
// reconnecting with exponential backoff on any connection failure.
func (c *Client) Run(ctx context.Context) error {
	delay := reconnectBase
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.connect(ctx)
		if err != nil {
			failures++
			slog.Error("feed connect failed",
				"url", c.url,
				"attempt", failures,
				"err", err,
			)
			if failures == maxConnFailures && c.breaker != nil {
				if terr := c.breaker.Trip(ctx, model.TripConnectivity); terr != nil {
					slog.Error("breaker trip persist failed", "err", terr)
				}
			}
			metrics.FeedReconnects.Inc()
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			delay = min(delay*2, reconnectMax)
			continue
		}

		failures = 0
		delay = reconnectBase

		err = c.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("feed connection lost, reconnecting", "err", err)
		metrics.FeedReconnects.Inc()
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// connect dials the venue and sends the subscription request.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	sub := subscribeRequest{Type: "subscribe", Markets: c.markets}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	slog.Info("feed connected", "url", c.url, "markets", len(c.markets))
	return conn, nil
}

// consume drains one connection: a ping keepalive goroutine plus the read
// loop. Returns when the connection breaks or the context is cancelled.
func (c *Client) consume(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readWait))
	})

	// Unblock the reader on shutdown.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	go func() {
		ticker := time.NewTicker(defaultPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.readWait)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		book, err := ParseSnapshot(data)
		if err != nil {
			if errors.Is(err, ErrCrossedBook) {
				slog.Warn("crossed book rejected", "err", err)
			} else {
				slog.Error("feed message rejected", "err", err)
			}
			continue
		}

		if err := c.handler.OnBook(ctx, book); err != nil {
			slog.Error("snapshot processing failed",
				"market", book.MarketID,
				"err", err,
			)
		}
	}
}

type subscribeRequest struct {
	Type    string   `json:"type"`
	Markets []string `json:"markets"`
}

// wireLevel is one price level as the venue sends it: decimal strings,
// never floats.
type wireLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type wireSide struct {
	OutcomeID string      `json:"outcome_id"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
}

type wireSnapshot struct {
	Type      string    `json:"type"`
	MarketID  string    `json:"market_id"`
	Timestamp time.Time `json:"timestamp"`
	Yes       wireSide  `json:"yes"`
	No        wireSide  `json:"no"`
}

// ParseSnapshot decodes one venue message into a book. Non-snapshot message
// types and crossed books are rejected with an error.
func ParseSnapshot(data []byte) (*model.BinaryMarketBook, error) {
	var snap wireSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Type != "book" {
		return nil, fmt.Errorf("unexpected message type %q", snap.Type)
	}
	if snap.MarketID == "" {
		return nil, errors.New("snapshot missing market_id")
	}

	book := &model.BinaryMarketBook{
		MarketID:  snap.MarketID,
		Timestamp: snap.Timestamp,
		YesBook:   toOrderBook(snap.MarketID, snap.Timestamp, snap.Yes),
		NoBook:    toOrderBook(snap.MarketID, snap.Timestamp, snap.No),
	}

	if book.YesBook.IsCrossed() {
		return nil, fmt.Errorf("%w: market %s outcome %s", ErrCrossedBook, snap.MarketID, snap.Yes.OutcomeID)
	}
	if book.NoBook.IsCrossed() {
		return nil, fmt.Errorf("%w: market %s outcome %s", ErrCrossedBook, snap.MarketID, snap.No.OutcomeID)
	}
	return book, nil
}

func toOrderBook(marketID string, ts time.Time, side wireSide) model.OrderBook {
	ob := model.OrderBook{
		MarketID:  marketID,
		OutcomeID: side.OutcomeID,
		Timestamp: ts,
	}
	for _, lvl := range side.Bids {
		ob.Bids = append(ob.Bids, model.PriceLevel{Price: lvl.Price, Size: lvl.Size})
	}
	for _, lvl := range side.Asks {
		ob.Asks = append(ob.Asks, model.PriceLevel{Price: lvl.Price, Size: lvl.Size})
	}
	return ob
}

// sleep waits for d or context cancellation, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
