package replaylite

import (
	"runtime"
	"time"

	"github.com/davidroman0O/replaylite/codec"
	"golang.org/x/time/rate"
)

type engineConfig struct {
	path        *string
	destructive bool
	logger      Logger
	codec       codec.Codec

	orchestrationWorkers int
	activityWorkers      int

	pollInterval       time.Duration
	leaseTimeout       time.Duration
	defaultRetryPolicy RetryPolicy

	activityRateLimit rate.Limit
	activityBurst     int
}

func defaultEngineConfig() *engineConfig {
	return &engineConfig{
		logger:               NewDefaultLogger(LevelInfo, TextFormat),
		codec:                codec.JSON,
		orchestrationWorkers: 1,
		activityWorkers:      runtime.GOMAXPROCS(0),
		pollInterval:         50 * time.Millisecond,
		leaseTimeout:         30 * time.Second,
		defaultRetryPolicy:   DefaultRetryPolicy(),
		activityRateLimit:    rate.Inf,
	}
}

// EngineOption configures New.
type EngineOption func(*engineConfig)

func WithLogger(logger Logger) EngineOption {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithPath stores history and queues in a SQLite file.
func WithPath(path string) EngineOption {
	return func(c *engineConfig) {
		c.path = &path
	}
}

// WithMemory keeps history and queues in memory. This is the default.
func WithMemory() EngineOption {
	return func(c *engineConfig) {
		c.path = nil
	}
}

// WithDestructive wipes the SQLite file on start.
func WithDestructive() EngineOption {
	return func(c *engineConfig) {
		c.destructive = true
	}
}

// WithCodec selects how workflow and activity payloads are encoded.
func WithCodec(c codec.Codec) EngineOption {
	return func(cfg *engineConfig) {
		cfg.codec = c
	}
}

// Orchestration work is short and in-memory, a single worker is enough
// unless many instances are running at once.
func WithOrchestrationWorkers(n int) EngineOption {
	return func(c *engineConfig) {
		c.orchestrationWorkers = n
	}
}

func WithActivityWorkers(n int) EngineOption {
	return func(c *engineConfig) {
		c.activityWorkers = n
	}
}

// WithPollInterval sets how long idle workers and waiters sleep between
// queue polls.
func WithPollInterval(d time.Duration) EngineOption {
	return func(c *engineConfig) {
		c.pollInterval = d
	}
}

// WithLeaseTimeout sets how long a dequeued work item stays invisible to
// other workers. Running activities renew their lease.
func WithLeaseTimeout(d time.Duration) EngineOption {
	return func(c *engineConfig) {
		c.leaseTimeout = d
	}
}

func WithDefaultRetryPolicy(policy RetryPolicy) EngineOption {
	return func(c *engineConfig) {
		c.defaultRetryPolicy = policy
	}
}

// WithActivityRateLimit caps how many activity attempts start per second
// across all activity workers.
func WithActivityRateLimit(perSecond float64, burst int) EngineOption {
	return func(c *engineConfig) {
		c.activityRateLimit = rate.Limit(perSecond)
		c.activityBurst = burst
	}
}
