package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"orderbookintel/internal/model"
)

func TestSnapshotWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSnapshotWriter(dir)
	if err != nil {
		t.Fatalf("NewSnapshotWriter() error = %v", err)
	}

	rec := &model.UpdateRecord{Symbol: "BTCUSDT", Timestamp: "2026-01-01T00:00:00Z"}
	if err := w.WriteLatest("BTCUSDT", rec); err != nil {
		t.Fatalf("WriteLatest() error = %v", err)
	}

	got, err := w.ReadLatest("BTCUSDT")
	if err != nil {
		t.Fatalf("ReadLatest() error = %v", err)
	}
	if got.Symbol != "BTCUSDT" {
		t.Fatalf("Symbol = %q, want BTCUSDT", got.Symbol)
	}

	if _, err := filepath.Glob(filepath.Join(dir, "*.tmp")); err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
}

func TestSnapshotWriterMergesMultipleSymbolsIntoOneFile(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewSnapshotWriter(dir)

	_ = w.WriteLatest("BTCUSDT", &model.UpdateRecord{Symbol: "BTCUSDT", Timestamp: "first"})
	_ = w.WriteLatest("ETHUSDT", &model.UpdateRecord{Symbol: "ETHUSDT", Timestamp: "first"})

	_, data, err := w.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(data) != 2 {
		t.Fatalf("len(data) = %d, want 2 symbols in the combined file", len(data))
	}

	if _, err := filepath.Glob(filepath.Join(dir, "latest.json")); err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
}

func TestSnapshotWriterOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewSnapshotWriter(dir)

	_ = w.WriteLatest("BTCUSDT", &model.UpdateRecord{Symbol: "BTCUSDT", Timestamp: "first"})
	_ = w.WriteLatest("BTCUSDT", &model.UpdateRecord{Symbol: "BTCUSDT", Timestamp: "second"})

	got, err := w.ReadLatest("BTCUSDT")
	if err != nil {
		t.Fatalf("ReadLatest() error = %v", err)
	}
	if got.Timestamp != "second" {
		t.Fatalf("Timestamp = %q, want second", got.Timestamp)
	}
}

func TestHistoryStoreRecordAndQueryOFI(t *testing.T) {
	store, err := OpenHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenHistoryStore() error = %v", err)
	}
	defer store.Close()

	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 3; i++ {
		ofi := model.OfiState{Raw: float64(i), EMA: float64(i), Signal: model.SignalNeutral}
		if err := store.RecordOFI("BTCUSDT", ofi, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("RecordOFI() error = %v", err)
		}
	}

	got, err := store.RecentOFI("BTCUSDT", 2)
	if err != nil {
		t.Fatalf("RecentOFI() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Raw != 2 {
		t.Fatalf("most recent Raw = %v, want 2 (newest first)", got[0].Raw)
	}
}

func TestHistoryStoreRecordAndQueryWallSnapshots(t *testing.T) {
	store, err := OpenHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenHistoryStore() error = %v", err)
	}
	defer store.Close()

	wm := model.WallMap{
		Timeframe: "1h",
		Timestamp: time.Unix(1700000000, 0).UTC(),
		BidWalls:  []model.WallView{{Price: 100, Side: model.WallSideBid}},
	}
	if err := store.RecordWallSnapshot("BTCUSDT", "1h", wm); err != nil {
		t.Fatalf("RecordWallSnapshot() error = %v", err)
	}

	got, err := store.RecentWalls("BTCUSDT", "1h", 5)
	if err != nil {
		t.Fatalf("RecentWalls() error = %v", err)
	}
	if len(got) != 1 || len(got[0].BidWalls) != 1 || got[0].BidWalls[0].Price != 100 {
		t.Fatalf("got = %+v, want one snapshot with a single bid wall at 100", got)
	}
}

func TestHistoryStoreLogSignal(t *testing.T) {
	store, err := OpenHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenHistoryStore() error = %v", err)
	}
	defer store.Close()

	if err := store.LogSignal("BTCUSDT", "LONG", "price near 1h support wall"); err != nil {
		t.Fatalf("LogSignal() error = %v", err)
	}
}
