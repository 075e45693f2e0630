// Package feed connects to a venue's combined depth-diff WebSocket stream
// and republishes parsed depth events on a channel, reconnecting on drop.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"orderbookintel/internal/bookstate"
	"orderbookintel/internal/model"
)

// Feed streams parsed depth events for one symbol until ctx is canceled.
type Feed interface {
	// Run blocks, sending parsed events to out, until ctx is canceled or an
	// unrecoverable error occurs. A transient disconnect is handled
	// internally (reconnect) and does not cause Run to return.
	Run(ctx context.Context, out chan<- bookstate.DepthEvent) error
}

// ReconnectDelay is how long Run waits after a transient disconnect before
// redialing, per the venue client's documented reconnect policy.
const ReconnectDelay = 5 * time.Second

// BinanceFeed streams USD-M futures combined depth-diff frames from
// Binance over a single WebSocket connection per symbol.
type BinanceFeed struct {
	symbol         string
	wsBase         string
	logger         *zap.Logger
	dialer         websocket.Dialer
	reconnectDelay time.Duration

	mu        sync.RWMutex
	connected bool
}

// NewBinanceFeed returns a feed for symbol against wsBase (e.g.
// wss://fstream.binance.com).
func NewBinanceFeed(symbol, wsBase string, logger *zap.Logger) *BinanceFeed {
	return &BinanceFeed{
		symbol:         strings.ToLower(symbol),
		wsBase:         wsBase,
		logger:         logger,
		reconnectDelay: ReconnectDelay,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

// WithReconnectDelay overrides the post-disconnect reconnect delay; used by
// tests that need to observe more than one reconnect cycle quickly.
func (f *BinanceFeed) WithReconnectDelay(d time.Duration) *BinanceFeed {
	f.reconnectDelay = d
	return f
}

// binanceDepthFrame mirrors one combined-stream depthUpdate frame.
type binanceDepthFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType   string      `json:"e"`
		FirstUpdate int64       `json:"U"`
		FinalUpdate int64       `json:"u"`
		PrevFinal   *int64      `json:"pu"`
		Bids        [][2]string `json:"b"`
		Asks        [][2]string `json:"a"`
	} `json:"data"`
}

// Run dials the combined stream and forwards parsed depth events to out.
// A dropped connection (websocket error or remote close) or a failed dial
// is retried internally: Run waits ReconnectDelay and redials the same
// symbol, so it only returns when ctx is canceled. Callers do not need to
// re-invoke Run to recover from a transient disconnect, and a dial failure
// never reaches the supervisor's backoff.
func (f *BinanceFeed) Run(ctx context.Context, out chan<- bookstate.DepthEvent) error {
	for {
		err := f.runOnce(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("feed disconnected, reconnecting",
			zap.String("symbol", f.symbol), zap.Error(err), zap.Duration("delay", f.reconnectDelay))

		select {
		case <-time.After(f.reconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce dials the combined stream once and forwards parsed depth events
// to out until the connection drops or ctx is canceled.
func (f *BinanceFeed) runOnce(ctx context.Context, out chan<- bookstate.DepthEvent) error {
	wsURL := fmt.Sprintf("%s/stream?streams=%s@depth@100ms", f.wsBase, f.symbol)

	conn, _, err := f.dialer.DialContext(ctx, wsURL, http.Header{"User-Agent": []string{"orderbookintel/1.0"}})
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", model.ErrTransientNetwork, f.symbol, err)
	}
	defer conn.Close()

	f.setConnected(true)
	defer f.setConnected(false)

	conn.SetReadLimit(655350)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go f.pingLoop(ctx, conn)

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", model.ErrTransientNetwork, f.symbol, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		event, ok := parseDepthFrame(raw)
		if !ok {
			f.logger.Debug("dropping unparseable frame", zap.String("symbol", f.symbol))
			continue
		}

		select {
		case out <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *BinanceFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Debug("ping failed", zap.String("symbol", f.symbol), zap.Error(err))
				return
			}
		}
	}
}

func (f *BinanceFeed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// Connected reports whether the underlying WebSocket is currently up.
func (f *BinanceFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

func parseDepthFrame(raw []byte) (bookstate.DepthEvent, bool) {
	var frame binanceDepthFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Data.EventType != "depthUpdate" {
		return bookstate.DepthEvent{}, false
	}
	return bookstate.DepthEvent{
		FirstUpdateID: frame.Data.FirstUpdate,
		FinalUpdateID: frame.Data.FinalUpdate,
		PrevFinalID:   frame.Data.PrevFinal,
		Bids:          frame.Data.Bids,
		Asks:          frame.Data.Asks,
	}, true
}
