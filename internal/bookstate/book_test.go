package bookstate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"orderbookintel/internal/clock"
)

func newTestServer(t *testing.T, lastUpdateID int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := restDepthResponse{
			LastUpdateID: lastUpdateID,
			Bids: [][2]string{
				{"100.0", "2.0"},
				{"99.5", "1.0"},
			},
			Asks: [][2]string{
				{"100.5", "1.5"},
				{"101.0", "3.0"},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newInitializedBook(t *testing.T, lastUpdateID int64) *BookState {
	t.Helper()
	srv := newTestServer(t, lastUpdateID)
	t.Cleanup(srv.Close)

	bs := New("BTCUSDT", 20, srv.URL).WithClock(clock.NewFrozen(time.Unix(0, 0)))
	if err := bs.Initialize(t.Context()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return bs
}

func TestInitializeHappyPath(t *testing.T) {
	bs := newInitializedBook(t, 1000)

	snap := bs.Snapshot()
	if snap.LastUpdateID != 1000 {
		t.Fatalf("LastUpdateID = %d, want 1000", snap.LastUpdateID)
	}
	if got, want := snap.BestBid(), 100.0; got != want {
		t.Fatalf("BestBid() = %v, want %v", got, want)
	}
	if got, want := snap.BestAsk(), 100.5; got != want {
		t.Fatalf("BestAsk() = %v, want %v", got, want)
	}
	if !bs.Initialized() {
		t.Fatal("Initialized() = false after successful Initialize")
	}
}

func TestProcessUpdateFirstEventAccepted(t *testing.T) {
	bs := newInitializedBook(t, 1000)

	ok := bs.ProcessUpdate(DepthEvent{
		FirstUpdateID: 999,
		FinalUpdateID: 1005,
		Bids:          [][2]string{{"100.0", "3.0"}},
	})
	if !ok {
		t.Fatal("ProcessUpdate() = false, want true for U<=lastU+1<=u")
	}

	snap := bs.Snapshot()
	if snap.LastUpdateID != 1005 {
		t.Fatalf("LastUpdateID = %d, want 1005", snap.LastUpdateID)
	}
	bid := snap.Bids[0]
	if bid.Quantity != 3.0 {
		t.Fatalf("bid qty = %v, want 3.0", bid.Quantity)
	}
}

func TestProcessUpdateGapRejected(t *testing.T) {
	bs := newInitializedBook(t, 1000)

	// U jumps far past lastU+1: does not satisfy U<=lastU+1<=u.
	ok := bs.ProcessUpdate(DepthEvent{
		FirstUpdateID: 2000,
		FinalUpdateID: 2010,
	})
	if ok {
		t.Fatal("ProcessUpdate() = true, want false on sequence gap")
	}

	snap := bs.Snapshot()
	if snap.LastUpdateID != 1000 {
		t.Fatalf("LastUpdateID = %d, want unchanged 1000 after rejected event", snap.LastUpdateID)
	}
}

func TestProcessUpdateDesyncViaPrevID(t *testing.T) {
	bs := newInitializedBook(t, 1000)

	ok := bs.ProcessUpdate(DepthEvent{FirstUpdateID: 1001, FinalUpdateID: 1005})
	if !ok {
		t.Fatalf("setup update rejected, want accepted")
	}

	pu := int64(9999) // wrong previous-final id
	ok = bs.ProcessUpdate(DepthEvent{
		FirstUpdateID: 1006,
		FinalUpdateID: 1010,
		PrevFinalID:   &pu,
	})
	if ok {
		t.Fatal("ProcessUpdate() = true, want false when pu != lastU")
	}

	snap := bs.Snapshot()
	if snap.LastUpdateID != 1005 {
		t.Fatalf("LastUpdateID = %d, want unchanged 1005 after desync event", snap.LastUpdateID)
	}
}

func TestProcessUpdateDeletesZeroQuantityLevel(t *testing.T) {
	bs := newInitializedBook(t, 1000)

	ok := bs.ProcessUpdate(DepthEvent{
		FirstUpdateID: 1001,
		FinalUpdateID: 1002,
		Bids:          [][2]string{{"99.5", "0"}},
	})
	if !ok {
		t.Fatalf("ProcessUpdate() = false, want true")
	}

	snap := bs.Snapshot()
	for _, lvl := range snap.Bids {
		if lvl.Price == 99.5 {
			t.Fatalf("price level 99.5 still present after zero-qty delete")
		}
	}
}

func TestProcessUpdateBeforeInitializeRejected(t *testing.T) {
	bs := New("BTCUSDT", 20, "http://unused")
	ok := bs.ProcessUpdate(DepthEvent{FirstUpdateID: 1, FinalUpdateID: 2})
	if ok {
		t.Fatal("ProcessUpdate() = true before Initialize, want false")
	}
}
