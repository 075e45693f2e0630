// Package walltracker tracks large resting orders ("walls") on either side
// of the book over time: it scores how persistent each wall is, classifies
// it as real or noise per timeframe, and emits NEW_WALL / WALL_REPLENISH /
// WALL_REMOVED lifecycle events as walls are built, tested, and withdrawn.
package walltracker

import (
	"sort"
	"time"

	"orderbookintel/internal/clock"
	"orderbookintel/internal/model"
)

// DefaultThresholdUSD is the notional value a level must reach to be
// tracked as a wall when a symbol has no override in the thresholds map.
const DefaultThresholdUSD = 200_000.0

// ReplenishGrowthFraction is how much a tracked wall's quantity must grow
// over its previous tick to count as a replenish.
const ReplenishGrowthFraction = 0.2

// TestProximityFraction is the relative distance from the mid price to a
// wall's price, below which the tick counts as the wall being "tested".
const TestProximityFraction = 0.003

// Params are the per-timeframe thresholds a wall must clear to be
// considered real rather than noise.
type Params struct {
	MinAgeMinutes  float64
	MinPersistence float64
}

// Timeframe params, tuned so a longer lookback demands more age and
// persistence before a wall is trusted. These govern only is_real/WallMap
// classification; wall detection itself is timeframe-independent.
var (
	Params4h    = Params{MinAgeMinutes: 120, MinPersistence: 150}
	Params1h    = Params{MinAgeMinutes: 30, MinPersistence: 40}
	Params15Min = Params{MinAgeMinutes: 10, MinPersistence: 15}
)

func paramsFor(timeframe string) Params {
	switch timeframe {
	case "4h":
		return Params4h
	case "15min":
		return Params15Min
	default:
		return Params1h
	}
}

// wall is the internal, mutable record for one tracked price level.
type wall struct {
	price          float64
	side           model.WallSide
	firstSeen      time.Time
	lastSeen       time.Time
	peakQty        float64
	currentQty     float64
	replenishCount int
	testCount      int
}

func (w *wall) ageMinutes(now time.Time) float64 {
	return now.Sub(w.firstSeen).Minutes()
}

// persistenceScore rewards age, and rewards walls that survive being
// tested and replenished far more than ones that merely sit untouched.
func (w *wall) persistenceScore(now time.Time) float64 {
	age := w.ageMinutes(now)
	if w.testCount == 0 {
		return age * 0.5
	}
	return age * (1 + float64(w.replenishCount)/maxOf(1, w.testCount))
}

func (w *wall) isReal(now time.Time, p Params) bool {
	return w.ageMinutes(now) >= p.MinAgeMinutes && w.persistenceScore(now) >= p.MinPersistence
}

func (w *wall) view(now time.Time) model.WallView {
	return model.WallView{
		Price:            w.price,
		Side:             w.side,
		CurrentQty:       w.currentQty,
		Notional:         w.price * w.currentQty,
		AgeMinutes:       w.ageMinutes(now),
		PersistenceScore: w.persistenceScore(now),
		Health:           healthScore(w),
		ReplenishCount:   w.replenishCount,
		TestCount:        w.testCount,
	}
}

// healthScore is a 0..1 measure of how intact a wall is relative to its
// observed peak size.
func healthScore(w *wall) float64 {
	if w.peakQty <= 0 {
		return 0
	}
	h := w.currentQty / w.peakQty
	if h > 1 {
		h = 1
	}
	return h
}

func maxOf(a, b int) float64 {
	if a > b {
		return float64(a)
	}
	return float64(b)
}

// key identifies a tracked wall by price and side.
type key struct {
	price float64
	side  model.WallSide
}

// Tracker maintains wall lifecycle state for a single symbol. There is
// exactly one Tracker per symbol; timeframe only selects which walls
// WallMap reports as "real", it never changes detection.
type Tracker struct {
	threshold float64
	clock     clock.Clock

	walls map[key]*wall
}

// New returns a Tracker whose notional threshold is thresholdUSD (the
// symbol's configured value, or DefaultThresholdUSD if unset).
func New(thresholdUSD float64) *Tracker {
	if thresholdUSD <= 0 {
		thresholdUSD = DefaultThresholdUSD
	}
	return &Tracker{
		threshold: thresholdUSD,
		clock:     clock.SystemClock{},
		walls:     make(map[key]*wall),
	}
}

// WithClock overrides the clock source; used by tests.
func (t *Tracker) WithClock(c clock.Clock) *Tracker {
	t.clock = c
	return t
}

// Update processes one book snapshot and returns the lifecycle events this
// tick produced. Bid-side events are emitted before ask-side events, and
// cleanup/removal events are emitted last, matching the reference
// tracker's deterministic ordering.
func (t *Tracker) Update(book *model.OrderBook) []model.WallEvent {
	now := t.clock.Now()
	mid := book.Mid()

	var events []model.WallEvent
	events = append(events, t.processSide(book.Bids, model.WallSideBid, mid, now)...)
	events = append(events, t.processSide(book.Asks, model.WallSideAsk, mid, now)...)
	events = append(events, t.cleanup(book, now)...)
	return events
}

func (t *Tracker) processSide(levels []model.PriceLevel, side model.WallSide, mid float64, now time.Time) []model.WallEvent {
	var events []model.WallEvent

	for _, lvl := range levels {
		notional := lvl.Price * lvl.Quantity
		k := key{price: lvl.Price, side: side}
		w, exists := t.walls[k]

		switch {
		case exists:
			oldQty := w.currentQty

			if notional >= t.threshold {
				replenished := lvl.Quantity > oldQty*(1+ReplenishGrowthFraction)
				if replenished {
					w.replenishCount++
				}
				if mid > 0 {
					distance := absFloat(mid-lvl.Price) / lvl.Price
					if distance < TestProximityFraction {
						w.testCount++
					}
				}
				w.currentQty = lvl.Quantity
				if lvl.Quantity > w.peakQty {
					w.peakQty = lvl.Quantity
				}
				w.lastSeen = now
				if replenished {
					events = append(events, model.WallEvent{Type: model.WallEventReplenish, Wall: w.view(now)})
				}
			}

		case notional >= t.threshold:
			nw := &wall{
				price:      lvl.Price,
				side:       side,
				firstSeen:  now,
				lastSeen:   now,
				peakQty:    lvl.Quantity,
				currentQty: lvl.Quantity,
			}
			t.walls[k] = nw
			events = append(events, model.WallEvent{Type: model.WallEventNew, Wall: nw.view(now)})
		}
	}

	return events
}

// cleanup drops every tracked wall whose (price, side) is no longer
// present in the current depth-D book, emitting a terminal WALL_REMOVED
// for each: "consumed" if the wall was ever tested, else "cancelled".
func (t *Tracker) cleanup(book *model.OrderBook, now time.Time) []model.WallEvent {
	present := make(map[key]bool, len(book.Bids)+len(book.Asks))
	for _, lvl := range book.Bids {
		present[key{price: lvl.Price, side: model.WallSideBid}] = true
	}
	for _, lvl := range book.Asks {
		present[key{price: lvl.Price, side: model.WallSideAsk}] = true
	}

	var removed []model.WallEvent
	for k, w := range t.walls {
		if present[k] {
			continue
		}
		reason := "cancelled"
		if w.testCount > 0 {
			reason = "consumed"
		}
		removed = append(removed, model.WallEvent{Type: model.WallEventRemoved, Wall: w.view(now), Reason: reason})
		delete(t.walls, k)
	}
	return removed
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// WallMap returns the top-5-per-side ranked view of walls real at
// timeframe ("4h", "1h", or "15min"; unknown values default to 1h).
func (t *Tracker) WallMap(timeframe string) model.WallMap {
	now := t.clock.Now()
	params := paramsFor(timeframe)

	var bidViews, askViews []model.WallView
	for _, w := range t.walls {
		if !w.isReal(now, params) {
			continue
		}
		if w.side == model.WallSideBid {
			bidViews = append(bidViews, w.view(now))
		} else {
			askViews = append(askViews, w.view(now))
		}
	}

	sort.Slice(bidViews, func(i, j int) bool { return bidViews[i].PersistenceScore > bidViews[j].PersistenceScore })
	sort.Slice(askViews, func(i, j int) bool { return askViews[i].PersistenceScore > askViews[j].PersistenceScore })

	wm := model.WallMap{
		Timeframe:     timeframe,
		Timestamp:     now,
		TotalBidWalls: len(bidViews),
		TotalAskWalls: len(askViews),
	}
	wm.BidWalls = topN(bidViews, 5)
	wm.AskWalls = topN(askViews, 5)
	return wm
}

func topN(views []model.WallView, n int) []model.WallView {
	if len(views) > n {
		return views[:n]
	}
	return views
}
