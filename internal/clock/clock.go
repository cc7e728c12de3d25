// Package clock runs the engine's periodic background jobs (timer firing,
// lease recovery) off one shared ticker.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"
)

type Job interface {
	Run(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Run(ctx context.Context) error {
	return f(ctx)
}

type Mode int

const (
	// Inline runs the job on the dispatch goroutine. A slow job delays the
	// others.
	Inline Mode = iota
	// Async runs the job on its own goroutine, never more than one run of the
	// same job at a time.
	Async
)

type entry struct {
	id       string
	job      Job
	mode     Mode
	interval time.Duration
	onError  func(id string, err error)

	lastRun time.Time
	running bool
}

type JobOption func(*entry)

// Every overrides the clock resolution for one job.
func Every(interval time.Duration) JobOption {
	return func(e *entry) {
		e.interval = interval
	}
}

func WithMode(mode Mode) JobOption {
	return func(e *entry) {
		e.mode = mode
	}
}

// OnError replaces the clock-wide error handler for one job.
func OnError(fn func(id string, err error)) JobOption {
	return func(e *entry) {
		e.onError = fn
	}
}

// Clock drives periodic jobs from a single time.Ticker. Stop waits for every
// run in flight, including async ones.
type Clock struct {
	resolution time.Duration
	onError    func(id string, err error)

	mu    deadlock.Mutex
	jobs  map[string]*entry
	order []string

	ctx      context.Context
	cancel   context.CancelFunc
	runs     sync.WaitGroup
	stopOnce sync.Once
	started  bool
	done     chan struct{}
}

func New(ctx context.Context, resolution time.Duration, onError func(id string, err error)) *Clock {
	ctx, cancel := context.WithCancel(ctx)
	return &Clock{
		resolution: resolution,
		onError:    onError,
		jobs:       make(map[string]*entry),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Add registers job under id, replacing any job with the same id.
func (c *Clock) Add(id string, job Job, opts ...JobOption) {
	e := &entry{id: id, job: job, interval: c.resolution}
	for _, opt := range opts {
		opt(e)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[id]; !ok {
		c.order = append(c.order, id)
	}
	c.jobs[id] = e
}

func (c *Clock) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[id]; !ok {
		return
	}
	delete(c.jobs, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	go c.loop(time.NewTicker(c.resolution))
}

// Stop halts the clock and waits for the running jobs to return.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.done
		}
		c.runs.Wait()
	})
}

func (c *Clock) loop(ticker *time.Ticker) {
	defer close(c.done)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			c.tick(now)
		case <-c.ctx.Done():
			return
		}
	}
}

// due picks the jobs whose interval elapsed and marks them as run.
func (c *Clock) due(now time.Time) []*entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due []*entry
	for _, id := range c.order {
		e := c.jobs[id]
		if e.running || now.Sub(e.lastRun) < e.interval {
			continue
		}
		e.lastRun = now
		if e.mode == Async {
			e.running = true
		}
		due = append(due, e)
	}
	return due
}

func (c *Clock) tick(now time.Time) {
	for _, e := range c.due(now) {
		if c.ctx.Err() != nil {
			return
		}
		if e.mode == Inline {
			c.run(e)
			continue
		}
		c.runs.Add(1)
		go func(e *entry) {
			defer c.runs.Done()
			c.run(e)
			c.mu.Lock()
			e.running = false
			c.mu.Unlock()
		}(e)
	}
}

func (c *Clock) run(e *entry) {
	err := e.job.Run(c.ctx)
	if err == nil || c.ctx.Err() != nil {
		return
	}
	switch {
	case e.onError != nil:
		e.onError(e.id, err)
	case c.onError != nil:
		c.onError(e.id, err)
	}
}
