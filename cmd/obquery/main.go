// Command obquery reads the collector's persisted state and answers
// one-shot operational questions: is the feed fresh, where are the real
// walls, what does OFI currently say, would a long/short entry line up
// with a nearby wall. On success each subcommand prints exactly one JSON
// object to stdout; on an error (missing flag, symbol absent from
// latest.json, unreadable history database) it prints the error to stderr
// and exits 1 instead of returning an error field in JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"orderbookintel/internal/model"
	"orderbookintel/internal/persistence"
)

const defaultWriteIntervalSec = 2

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "obquery:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: obquery <command> [flags]")
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	dataDir := fs.String("data-dir", "./data", "persistence data directory")
	historyDB := fs.String("history-db", "./data/history.db", "history SQLite database path")
	symbol := fs.String("symbol", "", "symbol to query")
	timeframe := fs.String("timeframe", "1h", "wall timeframe: 4h, 1h, or 15min")
	side := fs.String("side", "both", "wall side for real-walls: bid, ask, or both")
	writeIntervalSec := fs.Int("write-interval-sec", defaultWriteIntervalSec, "collector's configured write interval, used to compute staleness")
	hours := fs.Int("hours", 1, "lookback window in hours for the history subcommand")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	switch cmd {
	case "healthcheck":
		return runHealthcheck(*dataDir)
	case "status":
		return runStatus(*dataDir, *writeIntervalSec)
	case "wall-map":
		return runWallMap(*dataDir, *symbol, *timeframe)
	case "ofi":
		return runOFI(*dataDir, *symbol)
	case "orderbook":
		return runOrderbook(*dataDir, *symbol)
	case "real-walls":
		return runRealWalls(*dataDir, *symbol, *side)
	case "check-signal":
		return runCheckSignal(*dataDir, *symbol)
	case "history":
		return runHistory(*historyDB, *symbol, *hours)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func loadLatest(dataDir, symbol string) (*model.UpdateRecord, error) {
	if symbol == "" {
		return nil, fmt.Errorf("-symbol is required")
	}
	w, err := persistence.NewSnapshotWriter(dataDir)
	if err != nil {
		return nil, err
	}
	return w.ReadLatest(symbol)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runHealthcheck(dataDir string) error {
	w, err := persistence.NewSnapshotWriter(dataDir)
	if err != nil {
		return printJSON(map[string]string{"status": "error", "detail": err.Error()})
	}
	if _, _, err := w.ReadAll(); err != nil {
		return printJSON(map[string]string{"status": "error", "detail": err.Error()})
	}
	return printJSON(map[string]string{"status": "ok"})
}

// runStatus classifies the collector as OFFLINE (latest.json missing or
// unparseable), STALE (its timestamp is older than the staleness cutoff),
// or ONLINE, and reports every symbol currently present.
func runStatus(dataDir string, writeIntervalSec int) error {
	w, err := persistence.NewSnapshotWriter(dataDir)
	if err != nil {
		return printJSON(map[string]string{"status": "OFFLINE", "message": "collector output not found"})
	}
	ts, data, err := w.ReadAll()
	if err != nil {
		return printJSON(map[string]string{
			"status":  "OFFLINE",
			"message": "collector output not found (latest.json missing). Start the collector first.",
		})
	}

	lastUpdate, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return printJSON(map[string]string{"status": "OFFLINE", "message": "latest.json timestamp unparseable"})
	}

	staleCutoff := time.Duration(math.Max(10, float64(5*writeIntervalSec))) * time.Second
	age := time.Since(lastUpdate)

	symbols := make([]string, 0, len(data))
	for sym := range data {
		symbols = append(symbols, sym)
	}

	status := "ONLINE"
	if age > staleCutoff {
		status = "STALE"
	}
	return printJSON(map[string]interface{}{
		"status":      status,
		"last_update": ts,
		"age_seconds": math.Round(age.Seconds()*10) / 10,
		"symbols":     symbols,
	})
}

func runWallMap(dataDir, symbol, timeframe string) error {
	rec, err := loadLatest(dataDir, symbol)
	if err != nil {
		return err
	}
	wm, err := pickTimeframe(rec, timeframe)
	if err != nil {
		return err
	}
	return printJSON(wm)
}

func runOFI(dataDir, symbol string) error {
	rec, err := loadLatest(dataDir, symbol)
	if err != nil {
		return err
	}
	return printJSON(rec.OFI)
}

func runOrderbook(dataDir, symbol string) error {
	rec, err := loadLatest(dataDir, symbol)
	if err != nil {
		return err
	}
	return printJSON(rec.Book)
}

// runRealWalls reports the strongest 4h walls and the most responsive 1h
// walls per side, mirroring the reference CLI's support/resistance view.
// side selects bid (support only), ask (resistance only), or both.
func runRealWalls(dataDir, symbol, side string) error {
	rec, err := loadLatest(dataDir, symbol)
	if err != nil {
		return err
	}

	top := func(views []model.WallView, n int) []model.WallView {
		if len(views) > n {
			return views[:n]
		}
		return views
	}

	out := map[string]interface{}{"symbol": symbol}
	if side == "bid" || side == "both" {
		out["support"] = map[string]interface{}{
			"strong_4h":   top(rec.WallMap4h.BidWalls, 3),
			"moderate_1h": top(rec.WallMap1h.BidWalls, 3),
		}
	}
	if side == "ask" || side == "both" {
		out["resistance"] = map[string]interface{}{
			"strong_4h":   top(rec.WallMap4h.AskWalls, 3),
			"moderate_1h": top(rec.WallMap1h.AskWalls, 3),
		}
	}
	return printJSON(out)
}

const signalProximityFraction = 0.005
const signalZScoreThreshold = 2.0

// runCheckSignal implements the check-signal policy: LONG when price sits
// within 0.5% of a 1h bid wall and OFI reads BUY/STRONG_BUY (HIGH
// confidence on STRONG_BUY, MEDIUM otherwise); SHORT symmetrically on the
// ask side; WATCH (MEDIUM) when |z|>2 but no wall is in proximity;
// otherwise NONE (LOW).
func runCheckSignal(dataDir, symbol string) error {
	rec, err := loadLatest(dataDir, symbol)
	if err != nil {
		return err
	}

	price := rec.Book.Mid
	nearSupport := nearestWithinProximity(rec.WallMap1h.BidWalls, price)
	nearResistance := nearestWithinProximity(rec.WallMap1h.AskWalls, price)

	signal, confidence := "NONE", "LOW"
	var reasons []string
	var action string

	switch {
	case nearSupport != nil && (rec.OFI.Signal == model.SignalBuy || rec.OFI.Signal == model.SignalStrongBuy):
		signal = "LONG"
		confidence = "MEDIUM"
		if rec.OFI.Signal == model.SignalStrongBuy {
			confidence = "HIGH"
		}
		reasons = []string{
			fmt.Sprintf("price near support wall: %v", nearSupport.Price),
			fmt.Sprintf("OFI buy pressure (%s, z=%.1f)", rec.OFI.Signal, rec.OFI.ZScore),
			fmt.Sprintf("wall persistence_score %v", nearSupport.PersistenceScore),
		}
		action = fmt.Sprintf("consider long near %v", nearSupport.Price)
	case nearResistance != nil && (rec.OFI.Signal == model.SignalSell || rec.OFI.Signal == model.SignalStrongSell):
		signal = "SHORT"
		confidence = "MEDIUM"
		if rec.OFI.Signal == model.SignalStrongSell {
			confidence = "HIGH"
		}
		reasons = []string{
			fmt.Sprintf("price near resistance wall: %v", nearResistance.Price),
			fmt.Sprintf("OFI sell pressure (%s, z=%.1f)", rec.OFI.Signal, rec.OFI.ZScore),
			fmt.Sprintf("wall persistence_score %v", nearResistance.PersistenceScore),
		}
		action = fmt.Sprintf("consider short near %v", nearResistance.Price)
	case math.Abs(rec.OFI.ZScore) > signalZScoreThreshold:
		signal = "WATCH"
		confidence = "MEDIUM"
		reasons = []string{fmt.Sprintf("OFI extreme (z=%.2f); volatility likely", rec.OFI.ZScore)}
		action = "watch closely and wait for confirmation"
	}

	out := map[string]interface{}{
		"symbol":     symbol,
		"price":      orNil(price != 0, price),
		"signal":     signal,
		"confidence": confidence,
		"reasons":    reasons,
		"action":     orNil(action != "", action),
		"ofi":        rec.OFI.Signal,
		"z_score":    math.Round(rec.OFI.ZScore*100) / 100,
	}
	if nearSupport != nil {
		out["near_support"] = nearSupport.Price
	} else {
		out["near_support"] = nil
	}
	if nearResistance != nil {
		out["near_resistance"] = nearResistance.Price
	} else {
		out["near_resistance"] = nil
	}
	return printJSON(out)
}

func orNil(ok bool, v interface{}) interface{} {
	if !ok {
		return nil
	}
	return v
}

// nearestWithinProximity returns the first wall within signalProximityFraction
// of price, or nil if none qualifies.
func nearestWithinProximity(views []model.WallView, price float64) *model.WallView {
	if price == 0 {
		return nil
	}
	for i := range views {
		if views[i].Price != 0 && math.Abs(price-views[i].Price)/price < signalProximityFraction {
			return &views[i]
		}
	}
	return nil
}

func pickTimeframe(rec *model.UpdateRecord, timeframe string) (model.WallMap, error) {
	switch timeframe {
	case "4h":
		return rec.WallMap4h, nil
	case "1h":
		return rec.WallMap1h, nil
	case "15min":
		return rec.WallMap15Min, nil
	default:
		return model.WallMap{}, fmt.Errorf("unknown timeframe %q (want 4h, 1h, or 15min)", timeframe)
	}
}

// runHistory reports recent OFI rows plus a signal-distribution summary,
// mirroring the reference CLI's history command: an hours-wide lookback
// converted to row limits (2 OFI samples/hour, 1 wall snapshot/hour).
func runHistory(historyDBPath, symbol string, hours int) error {
	if symbol == "" {
		return fmt.Errorf("-symbol is required")
	}
	if hours < 1 {
		hours = 1
	}
	store, err := persistence.OpenHistoryStore(historyDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ofiRows, err := store.RecentOFI(symbol, hours*2)
	if err != nil {
		return err
	}
	wallRows, err := store.RecentWalls(symbol, "1h", hours)
	if err != nil {
		return err
	}

	dist := map[model.OfiSignal]int{}
	for _, row := range ofiRows {
		dist[row.Signal]++
	}

	return printJSON(map[string]interface{}{
		"symbol":                  symbol,
		"ofi_history":             ofiRows,
		"wall_snapshots":          wallRows,
		"ofi_signal_distribution": dist,
	})
}
