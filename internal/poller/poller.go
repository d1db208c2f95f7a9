package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of periodic work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 5m)
	Concurrency int           // Max concurrent tasks (default: 4)
	Timeout     time.Duration // Per-task timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		Concurrency: 4,
		Timeout:     10 * time.Second,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	Cycles   int64
	Failures int64
	LastRun  time.Time
}

// Poller periodically runs a fixed set of tasks.
type Poller struct {
	cfg    Config
	tasks  []Task
	logger *slog.Logger

	trigger chan struct{}

	cycles   atomic.Int64
	failures atomic.Int64
	lastRun  atomic.Int64 // UnixNano

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, tasks []Task, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Poller{
		cfg:     cfg,
		tasks:   tasks,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}
}

// Start begins the polling loop. The first cycle runs after one interval;
// use Trigger for an immediate one.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("poller started",
		"interval", p.cfg.Interval,
		"tasks", len(p.tasks),
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger requests an immediate cycle. Requests made while one is already
// queued collapse into it.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Stats returns current statistics.
func (p *Poller) Stats() Stats {
	s := Stats{
		Cycles:   p.cycles.Load(),
		Failures: p.failures.Load(),
	}
	if ns := p.lastRun.Load(); ns != 0 {
		s.LastRun = time.Unix(0, ns)
	}
	return s
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	var tick <-chan time.Time
	if p.cfg.Interval > 0 {
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-tick:
			p.pollAll()
		case <-p.trigger:
			p.pollAll()
		}
	}
}

// pollAll runs every task concurrently. A failing task does not cancel
// the others.
func (p *Poller) pollAll() {
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	var failed atomic.Int64

	for _, task := range p.tasks {
		task := task
		g.Go(func() error {
			if err := p.runTask(task); err != nil {
				p.logger.Warn("poll task failed",
					"task", task.Name,
					"err", err,
				)
				failed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	p.cycles.Add(1)
	p.failures.Add(failed.Load())
	p.lastRun.Store(start.UnixNano())

	p.logger.Debug("poll cycle complete",
		"tasks", len(p.tasks),
		"errors", failed.Load(),
		"duration", time.Since(start),
	)
}

func (p *Poller) runTask(task Task) error {
	ctx := p.ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	return task.Run(ctx)
}
