// Package ofiengine computes Order Flow Imbalance from successive order
// book snapshots: the net quantity change across the top levels of the bid
// side minus that of the ask side (levels are summed unweighted), smoothed
// with an EMA and scored against the population standard deviation of its
// own rolling history.
package ofiengine

import (
	"math"

	"orderbookintel/internal/model"
)

// DefaultDepth is how many top levels per side contribute to the raw OFI
// delta, matching the reference calculator.
const DefaultDepth = 10

// DefaultEMASpan is the EMA smoothing span in ticks.
const DefaultEMASpan = 20

// DefaultHistorySize bounds the rolling window used for the z-score.
const DefaultHistorySize = 100

// minHistoryForZScore is the minimum number of raw OFI samples required
// before a z-score is computed; below it ZScore is reported as 0.
const minHistoryForZScore = 20

// side is a minimal price/quantity pair. Engine itself does not use it: it
// keys each book side as a price-to-quantity map (see toSide).
type side struct {
	Price float64
	Qty   float64
}

// Engine computes Order Flow Imbalance for a single symbol across
// successive snapshots.
type Engine struct {
	depth       int
	alpha       float64
	historySize int

	prevBids map[float64]float64
	prevAsks map[float64]float64
	hasPrev  bool

	ema       float64
	emaSeeded bool // true once ema has absorbed its first raw OFI value
	history   []float64
}

// New returns an Engine using the reference depth/span/history defaults.
func New() *Engine {
	return NewWithParams(DefaultDepth, DefaultEMASpan, DefaultHistorySize)
}

// NewWithParams returns an Engine with explicit depth, EMA span, and
// history-window size.
func NewWithParams(depth, emaSpan, historySize int) *Engine {
	return &Engine{
		depth:       depth,
		alpha:       2.0 / (float64(emaSpan) + 1.0),
		historySize: historySize,
	}
}

// Update consumes the current book and returns the resulting OfiState. The
// first call after construction or Reset always yields a zeroed state,
// since there is no prior snapshot to delta against.
func (e *Engine) Update(book *model.OrderBook) model.OfiState {
	bids := toSide(book.Bids, e.depth)
	asks := toSide(book.Asks, e.depth)

	if !e.hasPrev {
		e.prevBids = bids
		e.prevAsks = asks
		e.hasPrev = true
		return model.OfiState{Signal: model.SignalNeutral}
	}

	raw := e.rawOFI(bids, asks)

	if !e.emaSeeded {
		e.ema = raw
		e.emaSeeded = true
	} else {
		e.ema = e.ema + e.alpha*(raw-e.ema)
	}
	e.history = append(e.history, raw)
	if len(e.history) > e.historySize {
		e.history = e.history[len(e.history)-e.historySize:]
	}

	e.prevBids = bids
	e.prevAsks = asks

	std := 1.0
	var z float64
	if len(e.history) >= minHistoryForZScore {
		std = populationStdDev(e.history)
		if std > 0 {
			z = e.ema / std
		}
	}

	return model.OfiState{
		Raw:    raw,
		EMA:    e.ema,
		Std:    std,
		ZScore: z,
		Signal: classify(z),
	}
}

// Reset clears all accumulated history, as if the Engine were freshly
// constructed; used after a book desync/re-initialization, since OFI deltas
// across a resync boundary are not meaningful.
func (e *Engine) Reset() {
	e.prevBids = nil
	e.prevAsks = nil
	e.hasPrev = false
	e.ema = 0
	e.emaSeeded = false
	e.history = nil
}

// rawOFI sums, over the union of prices present in either snapshot, the
// signed quantity delta: an increase on the bid side or a decrease on the
// ask side is buy pressure; the reverse is sell pressure.
func (e *Engine) rawOFI(bids, asks map[float64]float64) float64 {
	var total float64
	for price, qty := range bids {
		total += qty - e.prevBids[price]
	}
	for price := range e.prevBids {
		if _, ok := bids[price]; !ok {
			total -= e.prevBids[price]
		}
	}
	for price, qty := range asks {
		total -= qty - e.prevAsks[price]
	}
	for price := range e.prevAsks {
		if _, ok := asks[price]; !ok {
			total += e.prevAsks[price]
		}
	}
	return total
}

func toSide(levels []model.PriceLevel, depth int) map[float64]float64 {
	if len(levels) > depth {
		levels = levels[:depth]
	}
	m := make(map[float64]float64, len(levels))
	for _, l := range levels {
		m[l.Price] = l.Quantity
	}
	return m
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// populationStdDev is the population (not sample) standard deviation,
// matching the reference calculator's use of the full observed window as
// the population rather than a sample of a larger one.
func populationStdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

func classify(z float64) model.OfiSignal {
	switch {
	case z > 2:
		return model.SignalStrongBuy
	case z > 1:
		return model.SignalBuy
	case z < -2:
		return model.SignalStrongSell
	case z < -1:
		return model.SignalSell
	default:
		return model.SignalNeutral
	}
}
