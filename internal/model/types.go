// Package model holds the wire-level and in-memory shapes shared across the
// book state machine, wall tracker, OFI engine, and collector: price levels,
// the order book view, OFI state, and the per-tick update record published to
// subscribers.
package model

import "time"

// PriceLevel is a single resting quantity at a price. A zero Quantity is
// used on the wire to denote deletion and is never stored in a snapshot.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Notional is price times quantity.
func (l PriceLevel) Notional() float64 {
	return l.Price * l.Quantity
}

// OrderBook is the synchronized L2 view of one symbol: bids descending by
// price, asks ascending, both truncated to the configured depth.
type OrderBook struct {
	Symbol       string       `json:"symbol"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID int64        `json:"last_update_id"`
	Timestamp    time.Time    `json:"timestamp"`
}

// BestBid returns the highest bid price, or 0 if there are no bids.
func (b *OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask price, or 0 if there are no asks.
func (b *OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Mid returns (bestBid+bestAsk)/2, or 0 if either side is empty.
func (b *OrderBook) Mid() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// SpreadBps returns the bid/ask spread in basis points of mid, or 0 if
// either side is empty.
func (b *OrderBook) SpreadBps() float64 {
	bid, ask, mid := b.BestBid(), b.BestAsk(), b.Mid()
	if bid == 0 || ask == 0 || mid == 0 {
		return 0
	}
	return (ask - bid) / mid * 10000
}

// Clone returns a deep copy suitable for handing to downstream consumers
// that must never observe a partially-applied update.
func (b *OrderBook) Clone() *OrderBook {
	cp := &OrderBook{
		Symbol:       b.Symbol,
		LastUpdateID: b.LastUpdateID,
		Timestamp:    b.Timestamp,
	}
	cp.Bids = append([]PriceLevel(nil), b.Bids...)
	cp.Asks = append([]PriceLevel(nil), b.Asks...)
	return cp
}

// WallSide tags which side of the book a wall sits on.
type WallSide string

const (
	WallSideBid WallSide = "bid"
	WallSideAsk WallSide = "ask"
)

// WallView is the serializable, point-in-time view of a tracked wall.
type WallView struct {
	Price            float64  `json:"price"`
	Side             WallSide `json:"side"`
	CurrentQty       float64  `json:"current_qty"`
	Notional         float64  `json:"notional"`
	AgeMinutes       float64  `json:"age_minutes"`
	PersistenceScore float64  `json:"persistence_score"`
	Health           float64  `json:"health"`
	ReplenishCount   int      `json:"replenish_count"`
	TestCount        int      `json:"test_count"`
}

// WallEventType is the tagged variant of lifecycle events a WallTracker
// emits on a tick.
type WallEventType string

const (
	WallEventNew       WallEventType = "NEW_WALL"
	WallEventReplenish WallEventType = "WALL_REPLENISH"
	WallEventRemoved   WallEventType = "WALL_REMOVED"
)

// WallEvent is one lifecycle transition emitted by the WallTracker on a
// single update() tick.
type WallEvent struct {
	Type   WallEventType `json:"type"`
	Wall   WallView      `json:"wall"`
	Reason string        `json:"reason,omitempty"`
}

// WallMap is the top-5-per-side ranked view of real walls at one timeframe.
type WallMap struct {
	Timeframe      string     `json:"timeframe"`
	Timestamp      time.Time  `json:"timestamp"`
	BidWalls       []WallView `json:"bid_walls"`
	AskWalls       []WallView `json:"ask_walls"`
	TotalBidWalls  int        `json:"total_bid_walls"`
	TotalAskWalls  int        `json:"total_ask_walls"`
}

// OfiSignal is the categorical classification of a z-scored OFI reading.
type OfiSignal string

const (
	SignalStrongBuy  OfiSignal = "STRONG_BUY"
	SignalBuy        OfiSignal = "BUY"
	SignalNeutral    OfiSignal = "NEUTRAL"
	SignalSell       OfiSignal = "SELL"
	SignalStrongSell OfiSignal = "STRONG_SELL"
)

// OfiState is the scalar output of one OfiEngine tick. It has no persistent
// identity: every tick derives a fresh value from mutable internal history.
type OfiState struct {
	Raw     float64   `json:"raw"`
	EMA     float64   `json:"ema"`
	Std     float64   `json:"std"`
	ZScore  float64   `json:"z_score"`
	Signal  OfiSignal `json:"signal"`
}

// BookSummary is the compact book view embedded in an UpdateRecord.
type BookSummary struct {
	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
	Mid       float64 `json:"mid"`
	SpreadBps float64 `json:"spread_bps"`
}

// UpdateRecord is the assembled per-tick output the Collector hands to
// every subscriber and the Persistence layer.
type UpdateRecord struct {
	Symbol       string      `json:"symbol"`
	Timestamp    string      `json:"timestamp"` // ISO-8601
	Book         BookSummary `json:"orderbook"`
	OFI          OfiState    `json:"ofi"`
	WallEvents   []WallEvent `json:"wall_events"`
	WallMap4h    WallMap     `json:"wall_map_4h"`
	WallMap1h    WallMap     `json:"wall_map_1h"`
	WallMap15Min WallMap     `json:"wall_map_15min"`
}
