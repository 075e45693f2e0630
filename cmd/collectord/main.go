// Command collectord runs the order book intelligence collector: it
// streams depth diffs for a set of symbols, maintains book/OFI/wall state
// for each, and persists the result to a JSON snapshot and a SQLite
// history store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"orderbookintel/internal/collector"
	"orderbookintel/internal/config"
	"orderbookintel/internal/logging"
	"orderbookintel/internal/metrics"
	"orderbookintel/internal/model"
	"orderbookintel/internal/persistence"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "collectord:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath     = flag.String("config", "", "path to YAML config file; if empty, built-in defaults plus flags are used")
		symbolsFlag    = flag.String("symbols", envOr("ORDERBOOK_SYMBOLS", ""), "comma-separated symbol list, overrides config file")
		thresholdsFlag = flag.String("thresholds-json", envOr("ORDERBOOK_THRESHOLDS_JSON", ""), `JSON object mapping symbol to its wall-detection USD notional threshold, e.g. {"BTCUSDT":500000}`)
		dataDir        = flag.String("data-dir", envOr("ORDERBOOK_DATA_DIR", ""), "override persistence.data_dir")
		logLevel       = flag.String("log-level", "info", "log level: debug, info, warn, error")

		writeIntervalSec    = flag.Int("write-interval-sec", 0, "override persistence.write_interval_sec")
		ofiIntervalSec      = flag.Int("ofi-interval-sec", 0, "override persistence.ofi_interval_sec")
		wallSnapIntervalSec = flag.Int("wall-snapshot-interval-sec", 0, "override persistence.wall_snapshot_interval_sec")
	)
	flag.Parse()

	logger, err := logging.New(*logLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.NewLoader().Load(*configPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	if *symbolsFlag != "" {
		cfg.Symbols = nil
		for _, s := range strings.Split(*symbolsFlag, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			cfg.Symbols = append(cfg.Symbols, config.SymbolConfig{Symbol: s, Depth: 20})
		}
	}
	if *dataDir != "" {
		cfg.Persistence.DataDir = *dataDir
	}
	if *writeIntervalSec > 0 {
		cfg.Persistence.WriteIntervalSec = *writeIntervalSec
	}
	if *ofiIntervalSec > 0 {
		cfg.Persistence.OFIIntervalSec = *ofiIntervalSec
	}
	if *wallSnapIntervalSec > 0 {
		cfg.Persistence.WallSnapshotInterval = *wallSnapIntervalSec
	}
	if v := os.Getenv("ORDERBOOK_BINANCE_WS_URL"); v != "" {
		cfg.Feed.WSBase = v
	}
	if v := os.Getenv("ORDERBOOK_BINANCE_REST_URL"); v != "" {
		cfg.Feed.RESTBase = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	snapWriter, err := persistence.NewSnapshotWriter(cfg.Persistence.DataDir)
	if err != nil {
		return err
	}
	history, err := persistence.OpenHistoryStore(cfg.Persistence.HistoryDBPath)
	if err != nil {
		return err
	}
	defer history.Close()

	persister := &combinedPersister{snap: snapWriter, history: history}

	m := metrics.New(logger)
	if cfg.Monitoring.Enabled {
		m.Start(cfg.Monitoring.ListenAddr)
		defer m.Stop()
	}

	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols = append(symbols, s.Symbol)
	}
	depth := 20
	if len(cfg.Symbols) > 0 && cfg.Symbols[0].Depth > 0 {
		depth = cfg.Symbols[0].Depth
	}

	thresholds := map[string]float64{}
	if *thresholdsFlag != "" {
		if err := json.Unmarshal([]byte(*thresholdsFlag), &thresholds); err != nil {
			return fmt.Errorf("parse -thresholds-json: %w", err)
		}
	}

	col := collector.New(collector.Config{
		Symbols:              symbols,
		Depth:                depth,
		Thresholds:           thresholds,
		RESTBase:             cfg.Feed.RESTBase,
		WSBase:               cfg.Feed.WSBase,
		WriteInterval:        cfg.WriteInterval(),
		OFIInterval:          cfg.OFIInterval(),
		WallSnapshotInterval: cfg.WallSnapshotInterval(),
		MaxRetries:           cfg.Reconnect.MaxRetries,
		InitialBackoff:       cfg.InitialBackoff(),
		MaxBackoff:           cfg.MaxBackoff(),
		BackoffFactor:        cfg.Reconnect.BackoffFactor,
	}, logger, persister).WithMetrics(m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting collector", zap.Strings("symbols", symbols))
	if err := col.Start(ctx); err != nil {
		return fmt.Errorf("start collector: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping collector")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		col.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		logger.Warn("timed out waiting for collector to stop")
	}

	return nil
}

// envOr returns the named environment variable, or fallback if unset.
func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return fallback
}

// combinedPersister adapts the snapshot writer and history store to the
// collector.Persister interface.
type combinedPersister struct {
	snap    *persistence.SnapshotWriter
	history *persistence.HistoryStore
}

func (p *combinedPersister) WriteLatest(symbol string, rec *model.UpdateRecord) error {
	return p.snap.WriteLatest(symbol, rec)
}

func (p *combinedPersister) RecordOFI(symbol string, ofi model.OfiState, at time.Time) error {
	return p.history.RecordOFI(symbol, ofi, at)
}

func (p *combinedPersister) RecordWallSnapshot(symbol, timeframe string, wm model.WallMap) error {
	return p.history.RecordWallSnapshot(symbol, timeframe, wm)
}
