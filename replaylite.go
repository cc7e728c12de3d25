// Package replaylite is a durable workflow engine. Workflows are ordinary Go
// functions whose progress is rebuilt by replaying an append-only history;
// activities carry the side effects and are retried according to policy.
package replaylite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davidroman0O/replaylite/internal/clock"
	"github.com/davidroman0O/replaylite/internal/persistence"
	"github.com/davidroman0O/replaylite/internal/persistence/memdb"
	"github.com/davidroman0O/replaylite/internal/persistence/sqlite"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg      *engineConfig
	registry *Registry
	backend  persistence.Backend
	executor *activityExecutor
	locks    *keyedLock
	clock    *clock.Clock
	group    *errgroup.Group

	// buffered wake-ups so idle workers poll right away after new work
	wakeOrchestrations chan struct{}
	wakeActivities     chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	logger Logger
}

// New opens the history backend, releases leases left over by a previous
// process and starts the workers. Close stops them.
func New(ctx context.Context, registry *Registry, opts ...EngineOption) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	if cfg.logger == nil {
		cfg.logger = NoopLogger()
	}
	if cfg.codec == nil {
		return nil, fmt.Errorf("codec is nil")
	}
	if cfg.orchestrationWorkers < 1 || cfg.activityWorkers < 1 {
		return nil, fmt.Errorf("worker counts must be positive, got %d orchestration and %d activity",
			cfg.orchestrationWorkers, cfg.activityWorkers)
	}
	if cfg.pollInterval <= 0 || cfg.leaseTimeout <= 0 {
		return nil, fmt.Errorf("poll interval and lease timeout must be positive")
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		ctx:                ctx,
		cancel:             cancel,
		cfg:                cfg,
		registry:           registry,
		backend:            backend,
		locks:              newKeyedLock(),
		wakeOrchestrations: make(chan struct{}, 1),
		wakeActivities:     make(chan struct{}, 1),
		logger:             cfg.logger,
	}
	e.executor = &activityExecutor{
		registry:      registry,
		codec:         cfg.codec,
		logger:        cfg.logger,
		defaultPolicy: cfg.defaultRetryPolicy,
	}
	if cfg.activityRateLimit != rate.Inf {
		e.executor.limiter = rate.NewLimiter(cfg.activityRateLimit, cfg.activityBurst)
	}

	// a previous process may have died holding leases, nothing else runs yet
	recovered, err := backend.RecoverLeases(ctx, time.Now().Add(cfg.leaseTimeout))
	if err != nil {
		cancel()
		backend.Close()
		return nil, fmt.Errorf("recover leases: %w", err)
	}
	if recovered > 0 {
		e.logger.Info(ctx, "Recovered work from a previous run", "leases", recovered)
	}

	e.start()
	return e, nil
}

func openBackend(ctx context.Context, cfg *engineConfig) (persistence.Backend, error) {
	if cfg.path == nil {
		cfg.logger.Debug(ctx, "Memory database option")
		return memdb.New()
	}

	cfg.logger.Debug(ctx, "Database got a path", "path", *cfg.path)
	if err := os.MkdirAll(filepath.Dir(*cfg.path), os.ModePerm); err != nil {
		cfg.logger.Error(ctx, "Error creating directory", "error", err)
		return nil, err
	}
	var opts []sqlite.Option
	if cfg.destructive {
		cfg.logger.Debug(ctx, "Destructive option triggered")
		opts = append(opts, sqlite.WithDestructive())
	}
	backend, err := sqlite.Open(*cfg.path, opts...)
	if err != nil {
		cfg.logger.Error(ctx, "Error opening/creating database", "error", err)
		return nil, err
	}
	return backend, nil
}

func (e *Engine) start() {
	group, ctx := errgroup.WithContext(e.ctx)
	e.group = group

	for i := 0; i < e.cfg.orchestrationWorkers; i++ {
		id := i
		group.Go(func() error {
			e.runOrchestrationWorker(ctx, id)
			return nil
		})
	}
	for i := 0; i < e.cfg.activityWorkers; i++ {
		id := i
		group.Go(func() error {
			e.runActivityWorker(ctx, id)
			return nil
		})
	}

	e.clock = clock.New(ctx, e.cfg.pollInterval, func(id string, err error) {
		e.logger.Error(ctx, "Background job failed", "job", id, "error", err)
	})
	e.clock.Add("timers", clock.JobFunc(e.fireTimers))
	e.clock.Add("leases", clock.JobFunc(e.recoverLeases),
		clock.WithMode(clock.Async), clock.Every(e.cfg.leaseTimeout/2))
	e.clock.Start()

	e.logger.Info(ctx, "Engine started",
		"orchestration_workers", e.cfg.orchestrationWorkers,
		"activity_workers", e.cfg.activityWorkers,
		"codec", e.cfg.codec.Name())
}

// Close stops the workers, waits for them to exit and closes the backend.
// Activities still running are abandoned and picked up again on the next
// start.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.cancel()
		e.clock.Stop()
		var errs []error
		if err := e.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		if err := e.backend.Close(); err != nil {
			errs = append(errs, err)
		}
		e.closeErr = errors.Join(errs...)
		e.logger.Info(context.Background(), "Engine stopped")
	})
	return e.closeErr
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return nil
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// idle waits for the poll interval, a wake-up or shutdown. It returns false
// when the worker must stop.
func (e *Engine) idle(ctx context.Context, wakeUp <-chan struct{}) bool {
	timer := time.NewTimer(e.cfg.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wakeUp:
	case <-timer.C:
	}
	return true
}
