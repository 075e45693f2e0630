package walltracker

import (
	"testing"
	"time"

	"orderbookintel/internal/clock"
	"orderbookintel/internal/model"
)

// bookWithBid builds a book whose best bid is (price, qty) and whose best
// ask sits askOffset above it, plus filler levels so the side isn't just
// the one level under test.
func bookWithBid(price, qty, askOffset float64, filler ...model.PriceLevel) *model.OrderBook {
	bids := append([]model.PriceLevel{{Price: price, Quantity: qty}}, filler...)
	return &model.OrderBook{Symbol: "BTCUSDT", Bids: bids, Asks: []model.PriceLevel{{Price: price + askOffset, Quantity: 1}}}
}

func fillerLevels() []model.PriceLevel {
	return []model.PriceLevel{
		{Price: 99, Quantity: 1},
		{Price: 98, Quantity: 1},
		{Price: 97, Quantity: 1},
	}
}

func TestUpdateEmitsNewWallWhenNotionalMeetsThreshold(t *testing.T) {
	frozen := clock.NewFrozen(time.Unix(0, 0))
	tr := New(200_000).WithClock(frozen)

	// price=100, qty=3000 -> notional 300_000 >= 200_000 threshold.
	events := tr.Update(bookWithBid(100, 3000, 5, fillerLevels()...))

	if len(events) != 1 || events[0].Type != model.WallEventNew {
		t.Fatalf("events = %+v, want single NEW_WALL", events)
	}
	if events[0].Wall.Price != 100 {
		t.Fatalf("wall price = %v, want 100", events[0].Wall.Price)
	}
	if events[0].Wall.Notional != 300_000 {
		t.Fatalf("notional = %v, want 300000", events[0].Wall.Notional)
	}
}

func TestUpdateIgnoresLevelsBelowNotionalThreshold(t *testing.T) {
	tr := New(200_000).WithClock(clock.NewFrozen(time.Unix(0, 0)))

	// price=100, qty=1 -> notional 100, far below threshold.
	events := tr.Update(bookWithBid(100, 1, 5, fillerLevels()...))
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none below the notional threshold", events)
	}
}

func TestWallLifecycleTestThenReplenishThenConsumedRemoval(t *testing.T) {
	frozen := clock.NewFrozen(time.Unix(0, 0))
	tr := New(200_000).WithClock(frozen)

	// ask sits 0.3 above the wall price so mid is within 0.15% of it,
	// comfortably inside the 0.3% test-proximity band.
	tr.Update(bookWithBid(100, 3000, 0.3, fillerLevels()...))

	frozen.Advance(time.Minute)
	events := tr.Update(bookWithBid(100, 3000, 0.3, fillerLevels()...)) // mid close, qty unchanged: a test, no event
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none on a test-only tick", events)
	}

	frozen.Advance(time.Minute)
	// qty grows from 3000 to 3700 (> 1.2x): replenish. mid is still close: another test.
	events = tr.Update(bookWithBid(100, 3700, 0.3, fillerLevels()...))
	if len(events) != 1 || events[0].Type != model.WallEventReplenish {
		t.Fatalf("events = %+v, want single WALL_REPLENISH", events)
	}
	if events[0].Wall.ReplenishCount != 1 || events[0].Wall.TestCount != 2 {
		t.Fatalf("wall counters = %+v, want replenish=1 test=2", events[0].Wall)
	}

	frozen.Advance(time.Minute)
	// price level disappears from the book entirely.
	events = tr.Update(bookWithBid(90, 1, 0.3, fillerLevels()...))
	if len(events) != 1 || events[0].Type != model.WallEventRemoved {
		t.Fatalf("events = %+v, want single WALL_REMOVED", events)
	}
	if events[0].Reason != "consumed" {
		t.Fatalf("Reason = %q, want consumed since the wall was tested", events[0].Reason)
	}
}

func TestWallRemovalReasonCancelledWhenNeverTested(t *testing.T) {
	frozen := clock.NewFrozen(time.Unix(0, 0))
	tr := New(200_000).WithClock(frozen)

	// ask far above the wall price, so mid never falls inside the test band.
	tr.Update(bookWithBid(100, 3000, 50, fillerLevels()...))

	frozen.Advance(time.Minute)
	events := tr.Update(bookWithBid(90, 1, 50, fillerLevels()...)) // level gone
	if len(events) != 1 || events[0].Type != model.WallEventRemoved {
		t.Fatalf("events = %+v, want single WALL_REMOVED", events)
	}
	if events[0].Reason != "cancelled" {
		t.Fatalf("Reason = %q, want cancelled since the wall was never tested", events[0].Reason)
	}
}

func TestWallSurvivesNotionalDroppingBelowThresholdWhileLevelStillPresent(t *testing.T) {
	frozen := clock.NewFrozen(time.Unix(0, 0))
	tr := New(200_000).WithClock(frozen)

	tr.Update(bookWithBid(100, 3000, 50, fillerLevels()...)) // notional 300_000

	frozen.Advance(time.Minute)
	// same price level still present but now under threshold: no removal,
	// since cleanup only fires when the key is absent from the book.
	events := tr.Update(bookWithBid(100, 500, 50, fillerLevels()...)) // notional 50_000
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none while the level remains present", events)
	}
}

func TestWallMapExcludesWallsBelowAgeAndPersistenceThresholds(t *testing.T) {
	frozen := clock.NewFrozen(time.Unix(0, 0))
	tr := New(1000).WithClock(frozen)

	tr.Update(bookWithBid(100, 50, 50, fillerLevels()...)) // notional 5000

	wm := tr.WallMap("1h")
	if len(wm.BidWalls) != 0 {
		t.Fatalf("BidWalls = %+v, want none: wall is too young to be real", wm.BidWalls)
	}

	frozen.Advance(85 * time.Minute)
	tr.Update(bookWithBid(100, 50, 50, fillerLevels()...))

	wm = tr.WallMap("1h")
	if len(wm.BidWalls) != 1 {
		t.Fatalf("BidWalls = %+v, want one real wall once age/persistence thresholds clear", wm.BidWalls)
	}
}

func TestWallMapUnknownTimeframeDefaultsTo1h(t *testing.T) {
	frozen := clock.NewFrozen(time.Unix(0, 0))
	tr := New(1000).WithClock(frozen)

	tr.Update(bookWithBid(100, 50, 50, fillerLevels()...))
	frozen.Advance(85 * time.Minute)
	tr.Update(bookWithBid(100, 50, 50, fillerLevels()...))

	want := tr.WallMap("1h")
	got := tr.WallMap("nonsense")
	if len(got.BidWalls) != len(want.BidWalls) {
		t.Fatalf("WallMap(unknown) BidWalls = %+v, want same as WallMap(1h) = %+v", got.BidWalls, want.BidWalls)
	}
}

func TestWallMapTopNAndSorting(t *testing.T) {
	frozen := clock.NewFrozen(time.Unix(0, 0))
	tr := New(1000).WithClock(frozen)

	levels := []model.PriceLevel{
		{Price: 100, Quantity: 50},
		{Price: 99, Quantity: 60},
		{Price: 98, Quantity: 70},
	}
	for p := 97; p > 80; p-- {
		levels = append(levels, model.PriceLevel{Price: float64(p), Quantity: 1})
	}
	book := &model.OrderBook{Symbol: "BTCUSDT", Bids: levels, Asks: []model.PriceLevel{{Price: 150, Quantity: 1}}}

	tr.Update(book)
	frozen.Advance(85 * time.Minute)
	tr.Update(book)

	wm := tr.WallMap("1h")
	if len(wm.BidWalls) != 3 {
		t.Fatalf("BidWalls len = %d, want 3 real walls (100,99,98)", len(wm.BidWalls))
	}
	for i := 1; i < len(wm.BidWalls); i++ {
		if wm.BidWalls[i-1].PersistenceScore < wm.BidWalls[i].PersistenceScore {
			t.Fatalf("BidWalls not sorted descending by persistence: %+v", wm.BidWalls)
		}
	}
}
