// Package bookstate implements the per-symbol L2 order-book state machine:
// it reconciles an initial REST snapshot with a stream of incremental depth
// events, detects desynchronization, and exposes a consistent snapshot to
// downstream consumers.
package bookstate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"orderbookintel/internal/clock"
	"orderbookintel/internal/model"
)

// DefaultDepth is the default number of levels retained per side.
const DefaultDepth = 20

// DefaultInitTimeout bounds the REST snapshot fetch, per spec's suggested
// 10s finite timeout.
const DefaultInitTimeout = 10 * time.Second

// DefaultResyncRate caps how often Initialize may hit the REST snapshot
// endpoint, so a symbol stuck in a desync loop backs off the venue instead
// of hammering it once per failed message.
const DefaultResyncRate = rate.Limit(1.0 / 3.0) // one fetch per 3s
const DefaultResyncBurst = 1

// DepthEvent is one incremental depth-diff message from the feed, shaped
// after the Binance combined-stream depth payload.
type DepthEvent struct {
	FirstUpdateID int64        `json:"U"`
	FinalUpdateID int64        `json:"u"`
	PrevFinalID   *int64       `json:"pu,omitempty"`
	Bids          [][2]string  `json:"b"`
	Asks          [][2]string  `json:"a"`
}

// restDepthResponse mirrors GET /fapi/v1/depth.
type restDepthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// BookState is the synchronized L2 mirror for a single symbol. The
// collector drives it from that symbol's message-handling goroutine and
// re-initializes it inline on the same goroutine after a desync; there is
// no background re-initialization. The internal state is guarded by a mutex
// so Initialize, ProcessUpdate and Snapshot are still safe to call from
// different goroutines.
type BookState struct {
	symbol  string
	depth   int
	restURL string
	client  *http.Client
	clock   clock.Clock
	limiter *rate.Limiter

	mu            sync.RWMutex
	book          model.OrderBook
	lastU         int64
	awaitingFirst bool // true only for the one event immediately following a snapshot
	initialized   bool
}

// New creates a BookState for symbol with the given book depth. restURL is
// the venue's futures REST base (e.g. https://fapi.binance.com).
func New(symbol string, depth int, restURL string) *BookState {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &BookState{
		symbol:  symbol,
		depth:   depth,
		restURL: restURL,
		client:  &http.Client{Timeout: DefaultInitTimeout},
		clock:   clock.SystemClock{},
		limiter: rate.NewLimiter(DefaultResyncRate, DefaultResyncBurst),
		book:    model.OrderBook{Symbol: symbol},
	}
}

// WithClock overrides the clock source; used by tests.
func (bs *BookState) WithClock(c clock.Clock) *BookState {
	bs.clock = c
	return bs
}

// WithResyncLimiter overrides the REST resync rate limiter; used by tests
// that need Initialize to run without waiting.
func (bs *BookState) WithResyncLimiter(l *rate.Limiter) *BookState {
	bs.limiter = l
	return bs
}

// Initialize fetches a depth-D snapshot from the venue REST endpoint and
// seeds the book. Failure to connect or parse is a fatal initialization
// error the caller must handle with retry/backoff.
func (bs *BookState) Initialize(ctx context.Context) error {
	if err := bs.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait for %s: %v", model.ErrFatalInit, bs.symbol, err)
	}

	endpoint := fmt.Sprintf("%s/fapi/v1/depth?%s", bs.restURL, url.Values{
		"symbol": {bs.symbol},
		"limit":  {strconv.Itoa(bs.depth)},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", model.ErrFatalInit, err)
	}

	resp, err := bs.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetch snapshot for %s: %v", model.ErrFatalInit, bs.symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: snapshot for %s returned status %d", model.ErrFatalInit, bs.symbol, resp.StatusCode)
	}

	var raw restDepthResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("%w: decode snapshot for %s: %v", model.ErrFatalInit, bs.symbol, err)
	}

	bids, err := parseLevels(raw.Bids)
	if err != nil {
		return fmt.Errorf("%w: parse bids for %s: %v", model.ErrFatalInit, bs.symbol, err)
	}
	asks, err := parseLevels(raw.Asks)
	if err != nil {
		return fmt.Errorf("%w: parse asks for %s: %v", model.ErrFatalInit, bs.symbol, err)
	}

	sortSide(bids, true)
	sortSide(asks, false)
	bids = truncate(bids, bs.depth)
	asks = truncate(asks, bs.depth)

	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.book = model.OrderBook{
		Symbol:       bs.symbol,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: raw.LastUpdateID,
		Timestamp:    bs.clock.Now(),
	}
	bs.lastU = raw.LastUpdateID
	bs.awaitingFirst = true
	bs.initialized = true
	return nil
}

// ProcessUpdate applies one incremental depth event, returning false
// without mutating the book if the event fails the ordering predicate or
// results in a crossed book.
func (bs *BookState) ProcessUpdate(event DepthEvent) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if !bs.initialized {
		return false
	}

	if bs.awaitingFirst {
		// First event after a fresh snapshot.
		if !(event.FirstUpdateID <= bs.lastU+1 && bs.lastU+1 <= event.FinalUpdateID) {
			return false
		}
	} else {
		pu := bs.lastU
		if event.PrevFinalID != nil {
			pu = *event.PrevFinalID
		}
		if pu != bs.lastU {
			return false
		}
	}

	newBids, err := applySide(bs.book.Bids, event.Bids, true)
	if err != nil {
		return false
	}
	newAsks, err := applySide(bs.book.Asks, event.Asks, false)
	if err != nil {
		return false
	}

	newBids = truncate(newBids, bs.depth)
	newAsks = truncate(newAsks, bs.depth)

	if len(newBids) > 0 && len(newAsks) > 0 && newBids[0].Price >= newAsks[0].Price {
		return false
	}

	bs.book.Bids = newBids
	bs.book.Asks = newAsks
	bs.book.LastUpdateID = event.FinalUpdateID
	bs.book.Timestamp = bs.clock.Now()
	bs.lastU = event.FinalUpdateID
	bs.awaitingFirst = false

	return true
}

// Snapshot returns a deep, immutable copy of the current book.
func (bs *BookState) Snapshot() *model.OrderBook {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.book.Clone()
}

// Initialized reports whether Initialize has completed successfully at
// least once.
func (bs *BookState) Initialized() bool {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.initialized
}

// Symbol returns the symbol this BookState tracks.
func (bs *BookState) Symbol() string { return bs.symbol }

func parseLevels(raw [][2]string) ([]model.PriceLevel, error) {
	levels := make([]model.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", pair[0], err)
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, fmt.Errorf("parse quantity %q: %w", pair[1], err)
		}
		if qty == 0 {
			continue
		}
		levels = append(levels, model.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// applySide merges incoming (price, qty) updates into the existing side: a
// qty of zero deletes the price; a qty > 0 replaces it. The merged side is
// re-sorted (descending for bids, ascending for asks).
func applySide(current []model.PriceLevel, updates [][2]string, descending bool) ([]model.PriceLevel, error) {
	byPrice := make(map[float64]float64, len(current)+len(updates))
	for _, lvl := range current {
		byPrice[lvl.Price] = lvl.Quantity
	}

	for _, pair := range updates {
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", pair[0], err)
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, fmt.Errorf("parse quantity %q: %w", pair[1], err)
		}
		if qty == 0 {
			delete(byPrice, price)
		} else {
			byPrice[price] = qty
		}
	}

	merged := make([]model.PriceLevel, 0, len(byPrice))
	for price, qty := range byPrice {
		merged = append(merged, model.PriceLevel{Price: price, Quantity: qty})
	}
	sortSide(merged, descending)
	return merged, nil
}

func sortSide(levels []model.PriceLevel, descending bool) {
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
}

func truncate(levels []model.PriceLevel, depth int) []model.PriceLevel {
	if len(levels) > depth {
		return levels[:depth]
	}
	return levels
}
