// Package metrics exposes the collector's Prometheus instrumentation:
// book desync/resync counts, per-tick processing latency, and feed
// connection status, served alongside a liveness endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every Prometheus collector the collector daemon reports.
type Metrics struct {
	BooksDesynced     *prometheus.CounterVec
	BookResyncLatency *prometheus.HistogramVec

	MessagesProcessed *prometheus.CounterVec
	ProcessingLatency *prometheus.HistogramVec

	FeedConnected       *prometheus.GaugeVec
	FeedReconnects      *prometheus.CounterVec
	WallEventsEmitted   *prometheus.CounterVec
	PersistenceFailures *prometheus.CounterVec

	logger *zap.Logger
	server *http.Server
}

// New builds and registers the collector's metrics against the default
// Prometheus registry.
func New(logger *zap.Logger) *Metrics {
	m := &Metrics{
		logger: logger,

		BooksDesynced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderbookintel_book_desyncs_total",
				Help: "Total number of times a symbol's book failed the sequence check and was reinitialized",
			},
			[]string{"symbol"},
		),
		BookResyncLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderbookintel_book_resync_seconds",
				Help:    "Time taken to refetch a REST snapshot after a desync",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"symbol"},
		),
		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderbookintel_messages_processed_total",
				Help: "Total number of depth-diff messages processed",
			},
			[]string{"symbol"},
		),
		ProcessingLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderbookintel_tick_processing_seconds",
				Help:    "Time taken to assemble and fan out one UpdateRecord",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"symbol"},
		),
		FeedConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orderbookintel_feed_connected",
				Help: "Whether the symbol's feed worker is currently running (1) or not (0); does not track the WebSocket's own connection state",
			},
			[]string{"symbol"},
		),
		FeedReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderbookintel_feed_reconnects_total",
				Help: "Total number of feed worker restarts; reconnects handled inside the feed are not counted",
			},
			[]string{"symbol"},
		),
		WallEventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderbookintel_wall_events_total",
				Help: "Total number of wall lifecycle events emitted",
			},
			[]string{"symbol", "type"},
		),
		PersistenceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderbookintel_persistence_failures_total",
				Help: "Total number of failed persistence writes",
			},
			[]string{"symbol", "target"},
		),
	}

	prometheus.MustRegister(
		m.BooksDesynced,
		m.BookResyncLatency,
		m.MessagesProcessed,
		m.ProcessingLatency,
		m.FeedConnected,
		m.FeedReconnects,
		m.WallEventsEmitted,
		m.PersistenceFailures,
	)

	return m
}

// Start serves /metrics and /health on addr in the background.
func (m *Metrics) Start(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	m.server = &http.Server{Addr: addr, Handler: mux}
	m.logger.Info("starting metrics server", zap.String("addr", addr))

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the metrics HTTP server.
func (m *Metrics) Stop() error {
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}
