// Package collector wires one BookState, OfiEngine, and WallTracker per
// configured symbol to a live feed, and fans the resulting
// per-tick UpdateRecord out to subscribers and persistence on a run-to-
// completion basis: one message in, state updated, record emitted, next
// message. There is no internal queue, so a slow subscriber applies
// backpressure straight through to the feed's own read loop.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderbookintel/internal/bookstate"
	"orderbookintel/internal/clock"
	"orderbookintel/internal/feed"
	"orderbookintel/internal/metrics"
	"orderbookintel/internal/model"
	"orderbookintel/internal/ofiengine"
	"orderbookintel/internal/supervisor"
	"orderbookintel/internal/walltracker"
)

// Subscriber receives every assembled UpdateRecord. Implementations that
// need to do slow work should hand off internally; OnUpdate runs inline on
// the collector's per-symbol processing goroutine.
type Subscriber interface {
	OnUpdate(ctx context.Context, rec *model.UpdateRecord) error
}

// Persister is the subset of persistence the collector drives directly on
// its own scheduling, separate from the Subscriber fan-out.
type Persister interface {
	WriteLatest(symbol string, rec *model.UpdateRecord) error
	RecordOFI(symbol string, ofi model.OfiState, at time.Time) error
	RecordWallSnapshot(symbol, timeframe string, wm model.WallMap) error
}

// Config bounds a Collector's behavior.
type Config struct {
	Symbols []string
	Depth   int

	// Thresholds maps symbol to its wall-detection USD notional threshold;
	// a symbol absent from the map uses walltracker.DefaultThresholdUSD.
	Thresholds map[string]float64

	RESTBase string
	WSBase   string

	WriteInterval        time.Duration
	OFIInterval          time.Duration
	WallSnapshotInterval time.Duration

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// FeedFactory builds the live Feed for a symbol; overridable in tests to
// substitute a feed.SyntheticFeed.
type FeedFactory func(symbol string) feed.Feed

func defaultFeedFactory(cfg Config, logger *zap.Logger) FeedFactory {
	return func(symbol string) feed.Feed {
		return feed.NewBinanceFeed(symbol, cfg.WSBase, logger)
	}
}

type symbolEngine struct {
	book  *bookstate.BookState
	ofi   *ofiengine.Engine
	walls *walltracker.Tracker

	lastWrite    time.Time
	lastOFI      time.Time
	lastWallSnap time.Time
	attempts     int
}

// Collector runs one engine per configured symbol against a live or
// synthetic feed and distributes the results.
type Collector struct {
	cfg         Config
	logger      *zap.Logger
	clock       clock.Clock
	feedFactory FeedFactory
	supervisor  *supervisor.Supervisor
	persister   Persister
	metrics     *metrics.Metrics

	mu          sync.RWMutex
	engines     map[string]*symbolEngine
	latest      map[string]*model.UpdateRecord
	subscribers []Subscriber
}

// New returns a Collector for cfg. persister may be nil if persistence is
// not wired (e.g. in tests that only exercise fan-out).
func New(cfg Config, logger *zap.Logger, persister Persister) *Collector {
	c := &Collector{
		cfg:       cfg,
		logger:    logger,
		clock:     clock.SystemClock{},
		supervisor: supervisor.New(logger),
		persister: persister,
		engines:   make(map[string]*symbolEngine, len(cfg.Symbols)),
		latest:    make(map[string]*model.UpdateRecord, len(cfg.Symbols)),
	}
	c.feedFactory = defaultFeedFactory(cfg, logger)
	for _, symbol := range cfg.Symbols {
		c.engines[symbol] = &symbolEngine{
			book:  bookstate.New(symbol, cfg.Depth, cfg.RESTBase),
			ofi:   ofiengine.New(),
			walls: walltracker.New(cfg.Thresholds[symbol]),
		}
	}
	return c
}

// WithFeedFactory overrides how per-symbol feeds are constructed; used by
// tests to inject a feed.SyntheticFeed.
func (c *Collector) WithFeedFactory(f FeedFactory) *Collector {
	c.feedFactory = f
	return c
}

// WithMetrics attaches a metrics.Metrics instance the collector reports
// desync, throughput, and wall-event counts to.
func (c *Collector) WithMetrics(m *metrics.Metrics) *Collector {
	c.metrics = m
	return c
}

// WithClock overrides the clock used for timestamps and periodic
// persistence scheduling, and propagates it to every symbol's BookState and
// WallTracker instances; used by tests.
func (c *Collector) WithClock(clk clock.Clock) *Collector {
	c.clock = clk
	for _, eng := range c.engines {
		eng.book.WithClock(clk)
		eng.walls.WithClock(clk)
	}
	return c
}

// Subscribe registers s to receive every future UpdateRecord.
func (c *Collector) Subscribe(s Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, s)
}

// Latest returns the most recently assembled record for symbol, or false
// if none has been produced yet.
func (c *Collector) Latest(symbol string) (*model.UpdateRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.latest[symbol]
	return rec, ok
}

// Symbols returns the configured symbol list.
func (c *Collector) Symbols() []string {
	return append([]string(nil), c.cfg.Symbols...)
}

// Start initializes every symbol's book synchronously (a failure here is
// fatal, matching the reference daemon's startup gate), then hands each
// symbol's feed-consumption loop to the supervisor and returns once every
// worker has been registered and launched.
func (c *Collector) Start(ctx context.Context) error {
	for symbol, eng := range c.engines {
		if err := eng.book.Initialize(ctx); err != nil {
			return fmt.Errorf("%w: symbol %s", model.ErrFatalInit, symbol)
		}
	}

	for _, symbol := range c.cfg.Symbols {
		symbol := symbol
		err := c.supervisor.AddWorker(supervisor.WorkerConfig{
			Name:           "feed-" + symbol,
			Symbol:         symbol,
			MaxRetries:     c.cfg.MaxRetries,
			InitialBackoff: c.cfg.InitialBackoff,
			MaxBackoff:     c.cfg.MaxBackoff,
			BackoffFactor:  c.cfg.BackoffFactor,
		}, func(ctx context.Context) error {
			return c.runSymbol(ctx, symbol)
		})
		if err != nil {
			return err
		}
	}

	return c.supervisor.Start()
}

// Stop halts every feed worker and waits for them to return.
func (c *Collector) Stop() error {
	return c.supervisor.Stop()
}

func (c *Collector) runSymbol(ctx context.Context, symbol string) error {
	eng := c.engines[symbol]
	f := c.feedFactory(symbol)

	if c.metrics != nil {
		if eng.attempts > 0 {
			c.metrics.FeedReconnects.WithLabelValues(symbol).Inc()
		}
		eng.attempts++
		c.metrics.FeedConnected.WithLabelValues(symbol).Set(1)
		defer c.metrics.FeedConnected.WithLabelValues(symbol).Set(0)
	}

	events := make(chan bookstate.DepthEvent, 256)
	errCh := make(chan error, 1)
	go func() { errCh <- f.Run(ctx, events) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case ev := <-events:
			if !eng.book.ProcessUpdate(ev) {
				c.logger.Warn("book desynchronized, reinitializing", zap.String("symbol", symbol))
				if c.metrics != nil {
					c.metrics.BooksDesynced.WithLabelValues(symbol).Inc()
				}
				resyncStart := c.clock.Now()
				if err := eng.book.Initialize(ctx); err != nil {
					return fmt.Errorf("%w: resync %s: %v", model.ErrDesync, symbol, err)
				}
				if c.metrics != nil {
					c.metrics.BookResyncLatency.WithLabelValues(symbol).Observe(c.clock.Now().Sub(resyncStart).Seconds())
				}
				eng.ofi.Reset()
				continue
			}
			if c.metrics != nil {
				c.metrics.MessagesProcessed.WithLabelValues(symbol).Inc()
			}
			c.handleTick(ctx, symbol, eng)
		}
	}
}

func (c *Collector) handleTick(ctx context.Context, symbol string, eng *symbolEngine) {
	now := c.clock.Now()
	book := eng.book.Snapshot()

	ofiState := eng.ofi.Update(book)

	events := eng.walls.Update(book)

	if c.metrics != nil {
		for _, ev := range events {
			c.metrics.WallEventsEmitted.WithLabelValues(symbol, string(ev.Type)).Inc()
		}
	}

	rec := &model.UpdateRecord{
		Symbol:    symbol,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Book: model.BookSummary{
			BestBid:   book.BestBid(),
			BestAsk:   book.BestAsk(),
			Mid:       book.Mid(),
			SpreadBps: book.SpreadBps(),
		},
		OFI:          ofiState,
		WallEvents:   events,
		WallMap4h:    eng.walls.WallMap("4h"),
		WallMap1h:    eng.walls.WallMap("1h"),
		WallMap15Min: eng.walls.WallMap("15min"),
	}

	c.mu.Lock()
	c.latest[symbol] = rec
	subs := append([]Subscriber(nil), c.subscribers...)
	c.mu.Unlock()

	for _, s := range subs {
		if err := s.OnUpdate(ctx, rec); err != nil {
			c.logger.Warn("subscriber rejected update", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	if c.metrics != nil {
		c.metrics.ProcessingLatency.WithLabelValues(symbol).Observe(c.clock.Now().Sub(now).Seconds())
	}

	c.maybePersist(symbol, eng, rec, now)
}

// maybePersist applies the collector's three independent periodic
// schedules (latest-snapshot write, OFI history, wall-snapshot history) by
// comparing elapsed wall-clock time against each configured interval,
// rather than running dedicated timers per symbol.
func (c *Collector) maybePersist(symbol string, eng *symbolEngine, rec *model.UpdateRecord, now time.Time) {
	if c.persister == nil {
		return
	}

	if eng.lastWrite.IsZero() || now.Sub(eng.lastWrite) >= c.cfg.WriteInterval {
		if err := c.persister.WriteLatest(symbol, rec); err != nil {
			c.logger.Warn("snapshot write failed", zap.String("symbol", symbol), zap.Error(err))
			if c.metrics != nil {
				c.metrics.PersistenceFailures.WithLabelValues(symbol, "snapshot").Inc()
			}
		}
		eng.lastWrite = now
	}

	if eng.lastOFI.IsZero() || now.Sub(eng.lastOFI) >= c.cfg.OFIInterval {
		if err := c.persister.RecordOFI(symbol, rec.OFI, now); err != nil {
			c.logger.Warn("ofi history write failed", zap.String("symbol", symbol), zap.Error(err))
			if c.metrics != nil {
				c.metrics.PersistenceFailures.WithLabelValues(symbol, "ofi_history").Inc()
			}
		}
		eng.lastOFI = now
	}

	if eng.lastWallSnap.IsZero() || now.Sub(eng.lastWallSnap) >= c.cfg.WallSnapshotInterval {
		for _, wm := range []model.WallMap{rec.WallMap4h, rec.WallMap1h, rec.WallMap15Min} {
			if err := c.persister.RecordWallSnapshot(symbol, wm.Timeframe, wm); err != nil {
				c.logger.Warn("wall snapshot write failed", zap.String("symbol", symbol), zap.String("timeframe", wm.Timeframe), zap.Error(err))
				if c.metrics != nil {
					c.metrics.PersistenceFailures.WithLabelValues(symbol, "wall_snapshot").Inc()
				}
			}
		}
		eng.lastWallSnap = now
	}
}
