package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"orderbookintel/internal/model"
)

// schema creates the three history tables and their symbol/time indexes.
// signal_log is created and indexed up front even though nothing in the
// core engine writes to it yet; LogSignal exists for a future producer
// (e.g. an alerting rule evaluated against wall/OFI history).
const schema = `
CREATE TABLE IF NOT EXISTS wall_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	wall_map TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wall_symbol_time ON wall_snapshots(symbol, timestamp);

CREATE TABLE IF NOT EXISTS ofi_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	raw REAL NOT NULL,
	ema REAL NOT NULL,
	std REAL NOT NULL,
	z_score REAL NOT NULL,
	signal TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ofi_symbol_time ON ofi_history(symbol, timestamp);

CREATE TABLE IF NOT EXISTS signal_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	    timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
	signal TEXT NOT NULL,
	detail TEXT
);
CREATE INDEX IF NOT EXISTS idx_signal_symbol_time ON signal_log(symbol, timestamp);
`

// HistoryStore is a pure-Go SQLite-backed append-only history of wall
// snapshots and OFI readings, queried by the CLI's history subcommand.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistoryStore opens (creating if necessary) the SQLite database at
// path and ensures its schema exists.
func OpenHistoryStore(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open history db: %v", model.ErrStorageWrite, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate history db: %v", model.ErrStorageWrite, err)
	}
	return &HistoryStore{db: db}, nil
}

// Close releases the underlying database handle.
func (h *HistoryStore) Close() error {
	return h.db.Close()
}

// RecordOFI appends one OFI reading for symbol at the given time.
func (h *HistoryStore) RecordOFI(symbol string, ofi model.OfiState, at time.Time) error {
	_, err := h.db.Exec(
		`INSERT INTO ofi_history (symbol, timestamp, raw, ema, std, z_score, signal) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		symbol, at.UTC(), ofi.Raw, ofi.EMA, ofi.Std, ofi.ZScore, string(ofi.Signal),
	)
	if err != nil {
		return fmt.Errorf("%w: insert ofi row for %s: %v", model.ErrStorageWrite, symbol, err)
	}
	return nil
}

// RecordWallSnapshot appends one wall-map snapshot for symbol/timeframe.
func (h *HistoryStore) RecordWallSnapshot(symbol, timeframe string, wm model.WallMap) error {
	data, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("%w: marshal wall map for %s/%s: %v", model.ErrStorageWrite, symbol, timeframe, err)
	}
	_, err = h.db.Exec(
		`INSERT INTO wall_snapshots (symbol, timeframe, timestamp, wall_map) VALUES (?, ?, ?, ?)`,
		symbol, timeframe, wm.Timestamp.UTC(), string(data),
	)
	if err != nil {
		return fmt.Errorf("%w: insert wall snapshot for %s/%s: %v", model.ErrStorageWrite, symbol, timeframe, err)
	}
	return nil
}

// LogSignal appends one entry to signal_log; no current core-engine
// component calls this, but the table and index exist so a future
// alerting pass has somewhere to write without a schema migration.
func (h *HistoryStore) LogSignal(symbol, signal, detail string) error {
	_, err := h.db.Exec(
		`INSERT INTO signal_log (symbol, signal, detail) VALUES (?, ?, ?)`,
		symbol, signal, detail,
	)
	if err != nil {
		return fmt.Errorf("%w: insert signal log row for %s: %v", model.ErrStorageWrite, symbol, err)
	}
	return nil
}

// RecentOFI returns up to limit of the most recent OFI readings for
// symbol, newest first.
func (h *HistoryStore) RecentOFI(symbol string, limit int) ([]model.OfiState, error) {
	rows, err := h.db.Query(
		`SELECT raw, ema, std, z_score, signal FROM ofi_history WHERE symbol = ? ORDER BY timestamp DESC LIMIT ?`,
		symbol, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ofi history for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []model.OfiState
	for rows.Next() {
		var s model.OfiState
		var signal string
		if err := rows.Scan(&s.Raw, &s.EMA, &s.Std, &s.ZScore, &signal); err != nil {
			return nil, fmt.Errorf("scan ofi history row: %w", err)
		}
		s.Signal = model.OfiSignal(signal)
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecentWalls returns up to limit of the most recent wall-map snapshots for
// symbol/timeframe, newest first.
func (h *HistoryStore) RecentWalls(symbol, timeframe string, limit int) ([]model.WallMap, error) {
	rows, err := h.db.Query(
		`SELECT wall_map FROM wall_snapshots WHERE symbol = ? AND timeframe = ? ORDER BY timestamp DESC LIMIT ?`,
		symbol, timeframe, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query wall snapshots for %s/%s: %w", symbol, timeframe, err)
	}
	defer rows.Close()

	var out []model.WallMap
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan wall snapshot row: %w", err)
		}
		var wm model.WallMap
		if err := json.Unmarshal([]byte(raw), &wm); err != nil {
			return nil, fmt.Errorf("decode wall snapshot for %s/%s: %w", symbol, timeframe, err)
		}
		out = append(out, wm)
	}
	return out, rows.Err()
}
