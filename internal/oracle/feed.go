package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PerpSettle/internal/fixed"
)

const (
	handshakeTimeout = 10 * time.Second
	reconnectDelay   = 2 * time.Second
	readDeadline     = 60 * time.Second
)

// FeedWorker maintains a WebSocket subscription to an external price feed
// and converts ticks into oracle Versions on the outbox channel. The worker
// reconnects forever until its context is cancelled; version monotonicity is
// enforced downstream by VersionLog, not here.
type FeedWorker struct {
	url     string
	market  string
	outbox  chan<- Version
	logger  zerolog.Logger
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// feedTick is the wire format of one price observation. Prices arrive as
// decimal strings and are converted to fixed-point at the boundary.
type feedTick struct {
	Market    string `json:"market"`
	Version   uint64 `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Price     string `json:"price"`
}

type subscribeMsg struct {
	Op     string   `json:"op"`
	Topics []string `json:"topics"`
}

func NewFeedWorker(url, market string, outbox chan<- Version, logger zerolog.Logger) *FeedWorker {
	return &FeedWorker{
		url:    url,
		market: market,
		outbox: outbox,
		logger: logger,
	}
}

// Connect starts the connection loop in the background.
func (w *FeedWorker) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

// Close stops the worker and waits for the connection loop to exit.
func (w *FeedWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *FeedWorker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			w.logger.Warn().Err(err).Str("url", w.url).Msg("price feed connection failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		w.readLoop(ctx)
	}
}

func (w *FeedWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	w.conn = conn

	sub := subscribeMsg{
		Op:     "subscribe",
		Topics: []string{fmt.Sprintf("price.%s", w.market)},
	}
	w.writeMu.Lock()
	err = conn.WriteJSON(sub)
	w.writeMu.Unlock()
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	w.logger.Info().Str("market", w.market).Msg("price feed connected")
	return nil
}

func (w *FeedWorker) readLoop(ctx context.Context) {
	defer w.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.logger.Warn().Err(err).Msg("price feed read failed, reconnecting")
			return
		}

		var tick feedTick
		if err := json.Unmarshal(data, &tick); err != nil {
			w.logger.Warn().Err(err).Msg("unparseable price tick, skipping")
			continue
		}
		if tick.Market != w.market {
			continue
		}

		price, err := ParsePrice(tick.Price)
		if err != nil {
			w.logger.Warn().Err(err).Str("price", tick.Price).Msg("invalid tick price, skipping")
			continue
		}

		v := Version{
			Number:    tick.Version,
			Timestamp: tick.Timestamp,
			Price:     price,
		}

		select {
		case w.outbox <- v:
		case <-ctx.Done():
			return
		}
	}
}

// ParsePrice converts a decimal price string to fixed-point.
func ParsePrice(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	scaled := d.Shift(int32(fixed.DecimalPrecision))
	if !scaled.IsInteger() {
		scaled = scaled.Round(0)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("price %q out of fixed-point range", s)
	}
	return scaled.BigInt().Int64(), nil
}
