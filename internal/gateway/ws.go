// ws.go implements the Broker Gateway's WebSocket feeds for real-time Alpaca
// market data and order lifecycle updates.
//
// Two independent feeds run concurrently:
//
//   - Price feed: authenticates once, then subscribes per-symbol to trade
//     ticks ("t" messages) as tickers are registered.
//   - Trade-update feed: authenticates once and listens to the single
//     account-wide "trade_updates" stream, which reports every order's
//     lifecycle events (new, fill, partial_fill, canceled, ...) regardless
//     of which symbol subscriptions are active on the price feed.
//
// Both feeds auto-reconnect with exponential backoff (1s -> 30s max) and
// re-subscribe to all tracked symbols on reconnection. A read deadline
// (90s) ensures a silently dead server connection is detected within ~2
// missed pings.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"scale-t-fleet/internal/config"
	"scale-t-fleet/pkg/types"
)

const (
	writeTimeout   = 10 * time.Second
	priceBufSize   = 256
	orderBufSize   = 64
)

// FeedKind distinguishes the price feed from the trade-update feed; both
// share the same reconnect/auth/dispatch machinery but subscribe and decode
// differently.
type FeedKind string

const (
	FeedPrice FeedKind = "price"
	FeedTrade FeedKind = "trade_updates"
)

// StreamFeed manages a single Alpaca streaming WebSocket connection.
type StreamFeed struct {
	url    string
	kind   FeedKind
	keyID  string
	secret string

	pingInterval     time.Duration
	readTimeout      time.Duration
	maxReconnectWait time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	symbolsMu sync.RWMutex
	symbols   map[string]bool // only meaningful for FeedPrice

	priceCh chan types.PriceUpdatePayload
	orderCh chan types.OrderUpdatePayload

	logger *slog.Logger
}

// NewStreamFeed builds a feed of the given kind against cfg's gateway/brokerage settings.
func NewStreamFeed(kind FeedKind, url string, brokerage config.BrokerageConfig, gw config.GatewayConfig, logger *slog.Logger) *StreamFeed {
	ping := gw.PingInterval
	if ping <= 0 {
		ping = 50 * time.Second
	}
	read := gw.ReadTimeout
	if read <= 0 {
		read = 90 * time.Second
	}
	maxWait := gw.MaxReconnectWait
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}

	return &StreamFeed{
		url:              url,
		kind:             kind,
		keyID:            brokerage.KeyID,
		secret:           brokerage.Secret,
		pingInterval:     ping,
		readTimeout:      read,
		maxReconnectWait: maxWait,
		symbols:          make(map[string]bool),
		priceCh:          make(chan types.PriceUpdatePayload, priceBufSize),
		orderCh:          make(chan types.OrderUpdatePayload, orderBufSize),
		logger:           logger.With("component", "stream_feed", "kind", kind),
	}
}

// PriceUpdates returns the read-only channel of decoded trade ticks
// (FeedPrice only; empty for FeedTrade).
func (f *StreamFeed) PriceUpdates() <-chan types.PriceUpdatePayload { return f.priceCh }

// OrderUpdates returns the read-only channel of decoded order lifecycle
// events (FeedTrade only; empty for FeedPrice).
func (f *StreamFeed) OrderUpdates() <-chan types.OrderUpdatePayload { return f.orderCh }

// Run connects and maintains the feed with auto-reconnect. Blocks until ctx is cancelled.
func (f *StreamFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > f.maxReconnectWait {
			backoff = f.maxReconnectWait
		}
	}
}

// Subscribe adds symbols to the price feed's live subscription. No-op for FeedTrade.
func (f *StreamFeed) Subscribe(symbols []string) error {
	if f.kind != FeedPrice {
		return nil
	}

	f.symbolsMu.Lock()
	for _, s := range symbols {
		f.symbols[s] = true
	}
	f.symbolsMu.Unlock()

	return f.writeJSON(map[string]any{"action": "subscribe", "trades": symbols})
}

// Unsubscribe removes symbols from the price feed's live subscription.
func (f *StreamFeed) Unsubscribe(symbols []string) error {
	if f.kind != FeedPrice {
		return nil
	}

	f.symbolsMu.Lock()
	for _, s := range symbols {
		delete(f.symbols, s)
	}
	f.symbolsMu.Unlock()

	return f.writeJSON(map[string]any{"action": "unsubscribe", "trades": symbols})
}

// Close gracefully closes the connection.
func (f *StreamFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *StreamFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.authenticate(); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	f.logger.Info("stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *StreamFeed) authenticate() error {
	return f.writeJSON(map[string]any{
		"action": "auth",
		"key":    f.keyID,
		"secret": f.secret,
	})
}

func (f *StreamFeed) resubscribe() error {
	if f.kind == FeedTrade {
		return f.writeJSON(map[string]any{
			"action": "listen",
			"data":   map[string]any{"streams": []string{"trade_updates"}},
		})
	}

	f.symbolsMu.RLock()
	symbols := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		symbols = append(symbols, s)
	}
	f.symbolsMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(map[string]any{"action": "subscribe", "trades": symbols})
}

type rawTradeMessage struct {
	Type      string          `json:"T"`
	Symbol    string          `json:"S"`
	Price     decimal.Decimal `json:"p"`
	Size      decimal.Decimal `json:"s"`
	Timestamp string          `json:"t"`
}

type rawTradeUpdateMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type rawTradeUpdateData struct {
	Event       string          `json:"event"`
	ExecutionID string          `json:"execution_id"`
	Timestamp   string          `json:"timestamp"`
	PositionQty decimal.Decimal `json:"position_qty"`
	Order       rawOrder        `json:"order"`
}

type rawOrder struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"order_type"`
	Status         string          `json:"status"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	Qty            decimal.Decimal `json:"qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
}

func (f *StreamFeed) dispatchMessage(data []byte) {
	if f.kind == FeedPrice {
		f.dispatchPrice(data)
		return
	}
	f.dispatchOrder(data)
}

func (f *StreamFeed) dispatchPrice(data []byte) {
	var raw []rawTradeMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		var single rawTradeMessage
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			f.logger.Debug("ignoring unparseable price message", "error", err)
			return
		}
		raw = []rawTradeMessage{single}
	}

	for _, t := range raw {
		if t.Type != "t" {
			continue
		}
		payload := types.PriceUpdatePayload{
			Type:      types.UpdateKindPrice,
			Timestamp: t.Timestamp,
			Price:     t.Price.String(),
			Volume:    t.Size.String(),
			Symbol:    t.Symbol,
		}
		select {
		case f.priceCh <- payload:
		default:
			f.logger.Warn("price channel full, dropping tick", "symbol", t.Symbol)
		}
	}
}

func (f *StreamFeed) dispatchOrder(data []byte) {
	var msg rawTradeUpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring unparseable order message", "error", err)
		return
	}
	if msg.Stream != "trade_updates" {
		return
	}

	var d rawTradeUpdateData
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		f.logger.Error("unmarshal trade update data", "error", err)
		return
	}

	payload := types.OrderUpdatePayload{
		Type:      types.UpdateKindOrder,
		Timestamp: d.Timestamp,
		Symbol:    d.Order.Symbol,
		OrderData: types.OrderUpdateData{
			Event:          d.Event,
			ExecutionID:    d.ExecutionID,
			OrderID:        d.Order.ID,
			Symbol:         d.Order.Symbol,
			Side:           d.Order.Side,
			OrderType:      d.Order.Type,
			Status:         d.Order.Status,
			LimitPrice:     d.Order.LimitPrice.String(),
			Qty:            d.Order.Qty.String(),
			FilledQty:      d.Order.FilledQty.String(),
			FilledAvgPrice: d.Order.FilledAvgPrice.String(),
			PositionQty:    d.PositionQty.String(),
		},
	}

	select {
	case f.orderCh <- payload:
	default:
		f.logger.Warn("order channel full, dropping update", "order_id", d.Order.ID)
	}
}

func (f *StreamFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *StreamFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *StreamFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
