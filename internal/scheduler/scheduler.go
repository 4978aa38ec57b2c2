// Package scheduler provides the background task performer that drives all
// poll-based swap watches. Chain watchers are poll-only, so completion is
// detected by periodically re-running each task's completion check.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/quasar-exchange/quasar/pkg/logging"
)

// Task is a unit of background polling work.
type Task interface {
	// CheckCompletion polls the watched condition once. Returning true
	// removes the task from the performer; the task must have reported its
	// outcome (complete or cancel, exactly one) before returning true.
	// A non-nil error keeps the task queued for the next tick - transient
	// chain-query failures must never drop a swap-critical watch.
	CheckCompletion(ctx context.Context) (bool, error)
}

// Config holds performer configuration.
type Config struct {
	// TickInterval is how often pending tasks are re-checked.
	TickInterval time.Duration

	// CheckTimeout bounds a single completion check.
	CheckTimeout time.Duration
}

// DefaultConfig returns the default performer configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		CheckTimeout: 30 * time.Second,
	}
}

type taskEntry struct {
	task     Task
	inFlight bool
}

// Performer runs an unbounded set of pending tasks to completion.
// Checks for different tasks run concurrently; a single task is never
// re-entered while a previous check is still outstanding.
type Performer struct {
	mu     sync.Mutex
	tasks  map[uint64]*taskEntry
	nextID uint64

	cfg Config
	log *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPerformer creates a new background task performer.
func NewPerformer(cfg Config) *Performer {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultConfig().CheckTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Performer{
		tasks:  make(map[uint64]*taskEntry),
		cfg:    cfg,
		log:    logging.GetDefault().Component("performer"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// EnqueueTask adds a task to the pending set. Non-blocking and safe for
// concurrent use from multiple swap-handling goroutines.
func (p *Performer) EnqueueTask(t Task) {
	if t == nil {
		return
	}

	p.mu.Lock()
	p.nextID++
	p.tasks[p.nextID] = &taskEntry{task: t}
	count := len(p.tasks)
	p.mu.Unlock()

	p.log.Debug("Task enqueued", "pending", count)
}

// Pending returns the number of tasks not yet completed.
func (p *Performer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Start starts the performer's tick loop.
func (p *Performer) Start() {
	go p.run()
	p.log.Info("Task performer started", "tick", p.cfg.TickInterval)
}

// Stop halts the tick loop and waits for in-flight checks to finish,
// bounded by drainTimeout, after which it returns without waiting further.
func (p *Performer) Stop(drainTimeout time.Duration) {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("Task performer stopped")
	case <-time.After(drainTimeout):
		p.log.Warn("Task performer stopped with checks still in flight")
	}
}

func (p *Performer) run() {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkAll()
		}
	}
}

// checkAll dispatches one completion check per pending task. Tasks whose
// previous check is still running are skipped this tick.
func (p *Performer) checkAll() {
	p.mu.Lock()
	for id, entry := range p.tasks {
		if entry.inFlight {
			continue
		}
		entry.inFlight = true
		p.wg.Add(1)
		go p.check(id, entry)
	}
	p.mu.Unlock()
}

func (p *Performer) check(id uint64, entry *taskEntry) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.CheckTimeout)
	done, err := entry.task.CheckCompletion(ctx)
	cancel()

	p.mu.Lock()
	entry.inFlight = false
	if err != nil {
		// Retain the task; the next tick retries the check.
		p.mu.Unlock()
		p.log.Debug("Task check error", "error", err)
		return
	}
	if done {
		delete(p.tasks, id)
	}
	p.mu.Unlock()
}
