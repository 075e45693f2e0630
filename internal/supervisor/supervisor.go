// Package supervisor runs long-lived workers (in this repository, one
// feed-consumption loop per symbol) and restarts each with exponential
// backoff when it returns an error instead of exiting cleanly.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WorkerFunc is a long-running function a Supervisor drives. It should
// block until ctx is canceled or a fatal error occurs.
type WorkerFunc func(ctx context.Context) error

// WorkerConfig names a worker and bounds its retry behavior.
type WorkerConfig struct {
	Name           string
	Symbol         string
	MaxRetries     int // 0 means unlimited
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// Worker is one supervised WorkerFunc instance and its retry state.
type Worker struct {
	config     WorkerConfig
	workerFunc WorkerFunc
	cancel     context.CancelFunc
	retries    int
	lastError  error
	status     WorkerStatus
	startTime  time.Time
	stopTime   time.Time
	mu         sync.RWMutex
}

// WorkerStatus is the current lifecycle state of a worker.
type WorkerStatus string

const (
	StatusStopped  WorkerStatus = "stopped"
	StatusStarting WorkerStatus = "starting"
	StatusRunning  WorkerStatus = "running"
	StatusFailed   WorkerStatus = "failed"
	StatusRetrying WorkerStatus = "retrying"
)

// Supervisor owns the lifecycle of every registered worker.
type Supervisor struct {
	workers   map[string]*Worker
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	started   bool
	startTime time.Time
}

// New returns a Supervisor bound to logger for diagnostics.
func New(logger *zap.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		workers: make(map[string]*Worker),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddWorker registers a worker. It must be called before Start.
func (s *Supervisor) AddWorker(config WorkerConfig, fn WorkerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("supervisor: cannot add worker %q after Start", config.Name)
	}
	if _, exists := s.workers[config.Name]; exists {
		return fmt.Errorf("supervisor: worker %q already registered", config.Name)
	}

	s.workers[config.Name] = &Worker{config: config, workerFunc: fn, status: StatusStopped}
	s.logger.Info("worker registered", zap.String("worker", config.Name), zap.String("symbol", config.Symbol))
	return nil
}

// Start launches every registered worker and the health-check loop.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("supervisor: already started")
	}
	s.started = true
	s.startTime = time.Now()

	s.logger.Info("supervisor starting", zap.Int("workers", len(s.workers)))
	for name, worker := range s.workers {
		s.wg.Add(1)
		go s.runWorker(name, worker)
	}

	s.wg.Add(1)
	go s.healthCheckLoop()

	return nil
}

// Stop cancels every worker and waits up to 30s for them to return.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: not started")
	}
	s.mu.Unlock()

	s.logger.Info("supervisor stopping")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all workers stopped")
	case <-time.After(30 * time.Second):
		s.logger.Warn("timed out waiting for workers to stop")
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) runWorker(name string, worker *Worker) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.ctx)
	worker.cancel = cancel
	defer cancel()

	logger := s.logger.With(zap.String("worker", name), zap.String("symbol", worker.config.Symbol))

	for {
		select {
		case <-s.ctx.Done():
			worker.setStatus(StatusStopped)
			return
		default:
		}

		if worker.config.MaxRetries > 0 && worker.retries >= worker.config.MaxRetries {
			worker.setStatus(StatusFailed)
			logger.Error("worker exhausted retries", zap.Int("retries", worker.retries), zap.Error(worker.lastError))
			return
		}

		worker.setStatus(StatusStarting)
		worker.mu.Lock()
		worker.startTime = time.Now()
		worker.mu.Unlock()

		err := s.executeWorker(ctx, worker, logger)

		worker.mu.Lock()
		worker.stopTime = time.Now()
		worker.mu.Unlock()

		if err == nil {
			worker.setStatus(StatusStopped)
			logger.Info("worker returned without error")
			return
		}

		if err == context.Canceled {
			worker.setStatus(StatusStopped)
			return
		}

		worker.mu.Lock()
		worker.lastError = err
		worker.retries++
		retries := worker.retries
		worker.mu.Unlock()

		worker.setStatus(StatusRetrying)
		backoff := calculateBackoff(retries, worker.config)
		logger.Warn("worker failed, retrying after backoff",
			zap.Error(err), zap.Int("retries", retries), zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			worker.setStatus(StatusStopped)
			return
		}
	}
}

func (s *Supervisor) executeWorker(ctx context.Context, worker *Worker, logger *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panicked", zap.Any("panic", r))
			err = fmt.Errorf("supervisor: worker panicked: %v", r)
		}
	}()

	worker.setStatus(StatusRunning)
	return worker.workerFunc(ctx)
}

// calculateBackoff returns InitialBackoff scaled by BackoffFactor^(retries-1),
// capped at MaxBackoff.
func calculateBackoff(retries int, config WorkerConfig) time.Duration {
	backoff := config.InitialBackoff
	for i := 0; i < retries-1; i++ {
		backoff = time.Duration(float64(backoff) * config.BackoffFactor)
		if backoff > config.MaxBackoff {
			return config.MaxBackoff
		}
	}
	return backoff
}

func (s *Supervisor) healthCheckLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.performHealthCheck()
		}
	}
}

func (s *Supervisor) performHealthCheck() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	unhealthy := 0
	for name, worker := range s.workers {
		worker.mu.RLock()
		status, startTime, retries := worker.status, worker.startTime, worker.retries
		worker.mu.RUnlock()

		if status == StatusRunning && now.Sub(startTime) > 5*time.Minute {
			s.logger.Debug("worker running for extended time", zap.String("worker", name), zap.Duration("runtime", now.Sub(startTime)))
		}
		if status == StatusFailed || status == StatusRetrying {
			unhealthy++
		}
		_ = retries
	}
	s.logger.Debug("health check", zap.Int("workers", len(s.workers)), zap.Int("unhealthy", unhealthy))
}

// Status returns the current status of a named worker.
func (s *Supervisor) Status(name string) (WorkerStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	worker, ok := s.workers[name]
	if !ok {
		return "", fmt.Errorf("supervisor: worker %q not found", name)
	}
	worker.mu.RLock()
	defer worker.mu.RUnlock()
	return worker.status, nil
}

// AllStatus returns the status of every registered worker.
func (s *Supervisor) AllStatus() map[string]WorkerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]WorkerStatus, len(s.workers))
	for name, worker := range s.workers {
		worker.mu.RLock()
		out[name] = worker.status
		worker.mu.RUnlock()
	}
	return out
}

func (w *Worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}
