package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantara/perpbot/internal/domain"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	wsReconnectDelay    = 2 * time.Second
	wsMaxReconnectDelay = 60 * time.Second
)

// TickHandler is called for every price update received over the stream.
type TickHandler func(domain.Tick)

// WSClient streams live ticker updates from the Bybit public linear
// websocket. It keeps the price cache warm between loop iterations so the
// cached last-known value is rarely more than a tick old.
type WSClient struct {
	wsURL string
	log   *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	// Tracked subscriptions for reconnection.
	symbols []string

	handlerMu sync.RWMutex
	handlers  []TickHandler

	done chan struct{}
}

// NewWSClient creates a websocket client.
//
// wsURL is the public stream endpoint, e.g.
// "wss://stream-testnet.bybit.com/v5/public/linear".
func NewWSClient(wsURL string, log *slog.Logger) *WSClient {
	return &WSClient{
		wsURL: wsURL,
		log:   log.With("component", "bybit_ws"),
		done:  make(chan struct{}),
	}
}

// Connect dials the stream and starts the read and ping loops.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("bybit/ws: client is closed")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("bybit/ws: connect: %w", err)
	}
	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	if len(w.symbols) > 0 {
		if err := w.sendSubscribe(w.symbols); err != nil {
			return fmt.Errorf("bybit/ws: restore subscriptions: %w", err)
		}
	}
	return nil
}

// Subscribe subscribes to ticker updates for the given symbols.
func (w *WSClient) Subscribe(symbols []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("bybit/ws: not connected")
	}
	if err := w.sendSubscribe(symbols); err != nil {
		return fmt.Errorf("bybit/ws: subscribe: %w", err)
	}

	existing := make(map[string]struct{}, len(w.symbols))
	for _, s := range w.symbols {
		existing[s] = struct{}{}
	}
	for _, s := range symbols {
		if _, ok := existing[s]; !ok {
			w.symbols = append(w.symbols, s)
		}
	}
	return nil
}

// OnTick registers a handler called for every ticker update.
func (w *WSClient) OnTick(handler TickHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Close shuts down the connection.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// sendSubscribe sends a subscribe command. Caller must hold w.mu.
func (w *WSClient) sendSubscribe(symbols []string) error {
	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "tickers."+s)
	}
	cmd := map[string]any{"op": "subscribe", "args": args}

	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads messages until disconnect, then reconnects with backoff.
func (w *WSClient) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.reconnect()
			return
		}
		w.handleMessage(message)
	}
}

func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsTickerMessage is the tickers.{symbol} push payload.
type wsTickerMessage struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

func (w *WSClient) handleMessage(raw []byte) {
	var msg wsTickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Data.Symbol == "" || msg.Data.LastPrice == "" {
		return
	}
	price, err := strconv.ParseFloat(msg.Data.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}

	tick := domain.Tick{
		Instrument: msg.Data.Symbol,
		Price:      price,
		Timestamp:  time.Now().UTC(),
	}

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()
	for _, h := range handlers {
		h(tick)
	}
}

// reconnect re-dials with exponential backoff until it succeeds or the
// client is closed.
func (w *WSClient) reconnect() {
	delay := wsReconnectDelay
	for {
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}

		w.log.Info("reconnecting", "delay", delay)
		if err := w.Connect(context.Background()); err != nil {
			w.log.Warn("reconnect failed", "err", err)
			delay *= 2
			if delay > wsMaxReconnectDelay {
				delay = wsMaxReconnectDelay
			}
			continue
		}
		return
	}
}
