// Package scheduler runs self-rescheduling background jobs that never overlap
// with themselves and announce every run with a busy/idle status snapshot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/internal/metrics"
)

// Publisher receives status snapshots
type Publisher interface {
	Publish(channel string, payload any)
}

// RunFunc performs one run and returns statistics reported in the status snapshot
type RunFunc func(ctx context.Context) (map[string]any, error)

// Config holds runner settings
type Config struct {
	Service      string
	Channel      string
	Interval     time.Duration
	InitialDelay time.Duration
}

type auxTask struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
}

// Option configures a Runner
type Option func(*Runner)

// WithClock replaces the real clock
func WithClock(clock Clock) Option {
	return func(r *Runner) { r.clock = clock }
}

// WithMetrics attaches a metrics collector
func WithMetrics(collector *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = collector }
}

// WithStatus adds fields to every status snapshot
func WithStatus(fn func() map[string]any) Option {
	return func(r *Runner) { r.statusFn = fn }
}

// WithAuxiliary arms an extra timer, started and stopped with the runner.
// Ticks of one auxiliary task never overlap.
func WithAuxiliary(name string, interval time.Duration, fn func(ctx context.Context)) Option {
	return func(r *Runner) {
		r.aux = append(r.aux, auxTask{name: name, interval: interval, fn: fn})
	}
}

// Runner is the Stopped → Scheduled → Running → Scheduled → … state machine
// shared by the periodic jobs. At most one run is in flight at any time.
type Runner struct {
	config    Config
	run       RunFunc
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Collector
	clock     Clock
	statusFn  func() map[string]any
	aux       []auxTask

	mu           sync.Mutex
	scheduled    bool
	stopped      bool
	busy         bool
	stop         chan struct{}
	firstRun     Timer
	runCount     int
	lastRunAt    time.Time
	lastDuration time.Duration
	lastStats    map[string]any
	lastError    string

	wg sync.WaitGroup
}

// NewRunner creates a stopped runner
func NewRunner(config Config, run RunFunc, publisher Publisher, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		config:    config,
		run:       run,
		publisher: publisher,
		logger:    logger.With(slog.String("service", config.Service)),
		clock:     RealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Service returns the service name
func (r *Runner) Service() string {
	return r.config.Service
}

// Start arms the interval timer, the auxiliary timers and one run after the
// initial delay. Starting a scheduled runner is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scheduled {
		r.logger.Warn("Scheduler already started")
		return
	}
	r.scheduled = true
	r.stopped = false
	r.stop = make(chan struct{})

	r.loop(r.clock.NewTicker(r.config.Interval), r.stop, func(context.Context) { r.RunAsync() })
	for _, task := range r.aux {
		r.loop(r.clock.NewTicker(task.interval), r.stop, task.fn)
	}
	r.firstRun = r.clock.AfterFunc(r.config.InitialDelay, func() { r.RunAsync() })

	r.logger.Info("Scheduler started",
		slog.Duration("interval", r.config.Interval),
		slog.Duration("initial_delay", r.config.InitialDelay),
		slog.Int("auxiliary_timers", len(r.aux)),
	)
}

func (r *Runner) loop(ticker Ticker, stop <-chan struct{}, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				fn(context.Background())
			}
		}
	}()
}

// Stop cancels future runs and rejects triggers until the next Start. A run
// already in progress completes.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	if !r.scheduled {
		return
	}
	r.scheduled = false
	close(r.stop)
	if r.firstRun != nil {
		r.firstRun.Stop()
	}

	r.logger.Info("Scheduler stopped")
}

// Wait blocks until timer goroutines and in-flight runs have returned
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Trigger runs synchronously. It returns false without running when a run is
// already in progress or the runner has been stopped.
func (r *Runner) Trigger(ctx context.Context) bool {
	if !r.claim() {
		return false
	}
	defer r.wg.Done()
	r.execute(ctx)
	return true
}

// RunAsync claims the run slot and runs in a new goroutine. It returns false
// when a run is already in progress or the runner has been stopped.
func (r *Runner) RunAsync() bool {
	if !r.claim() {
		return false
	}
	go func() {
		defer r.wg.Done()
		r.execute(context.Background())
	}()
	return true
}

// claim takes the run slot and adds the run to wg. Both happen under mu so
// no run is added once Stop has returned.
func (r *Runner) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		r.logger.Info("Scheduler stopped, skipping trigger")
		return false
	}
	if r.busy {
		r.logger.Info("Run already in progress, skipping trigger")
		r.metrics.RecordSkipped(r.config.Service)
		return false
	}
	r.busy = true
	r.wg.Add(1)
	return true
}

func (r *Runner) execute(ctx context.Context) {
	start := r.clock.Now()
	r.publishStatus()

	var (
		stats map[string]any
		err   error
	)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("run panicked: %v", rec)
		}
		elapsed := r.clock.Now().Sub(start)

		r.mu.Lock()
		r.busy = false
		r.runCount++
		r.lastRunAt = start
		r.lastDuration = elapsed
		r.lastStats = stats
		r.lastError = ""
		if err != nil {
			r.lastError = err.Error()
		}
		r.mu.Unlock()

		outcome := "success"
		if err != nil {
			outcome = "error"
			r.logger.Error("Scheduler run failed",
				slog.Duration("duration", elapsed),
				slog.Any("error", err),
			)
		} else {
			r.logger.Info("Scheduler run completed",
				slog.Duration("duration", elapsed),
				slog.Any("stats", stats),
			)
		}
		r.metrics.RecordRun(r.config.Service, outcome, elapsed.Seconds())

		r.publishStatus()
	}()

	r.logger.Info("Scheduler run started")
	stats, err = r.run(ctx)
}

// Status returns a snapshot of the runner's flags, configuration and last run
func (r *Runner) Status() map[string]any {
	r.mu.Lock()
	status := map[string]any{
		"running":        r.scheduled,
		"busy":           r.busy,
		"intervalMs":     r.config.Interval.Milliseconds(),
		"initialDelayMs": r.config.InitialDelay.Milliseconds(),
		"runCount":       r.runCount,
	}
	for _, task := range r.aux {
		status[task.name+"IntervalMs"] = task.interval.Milliseconds()
	}
	if !r.lastRunAt.IsZero() {
		status["lastRunAt"] = r.lastRunAt.UnixMilli()
		status["lastRunDurationMs"] = r.lastDuration.Milliseconds()
	}
	if r.lastStats != nil {
		status["lastRunStats"] = r.lastStats
	}
	if r.lastError != "" {
		status["lastError"] = r.lastError
	}
	r.mu.Unlock()

	if r.statusFn != nil {
		for k, v := range r.statusFn() {
			status[k] = v
		}
	}
	return status
}

// Busy reports whether a run is in flight
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

func (r *Runner) publishStatus() {
	if r.publisher == nil {
		return
	}
	update := domain.NewServiceStatusUpdate(r.config.Service, r.Status(), r.clock.Now())
	r.publisher.Publish(r.config.Channel, update)
}

// ErrUnknownService is returned by a Registry for names it does not hold
var ErrUnknownService = errors.New("unknown service")

// Registry indexes runners by service name for on-demand queries
type Registry struct {
	runners map[string]*Runner
	order   []string
}

// NewRegistry creates a registry of runners
func NewRegistry(runners ...*Runner) *Registry {
	reg := &Registry{runners: make(map[string]*Runner)}
	for _, r := range runners {
		reg.runners[r.Service()] = r
		reg.order = append(reg.order, r.Service())
	}
	return reg
}

// Get returns the runner for service
func (reg *Registry) Get(service string) (*Runner, error) {
	r, ok := reg.runners[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return r, nil
}

// Statuses returns every runner's status keyed by service
func (reg *Registry) Statuses() map[string]map[string]any {
	out := make(map[string]map[string]any, len(reg.runners))
	for _, name := range reg.order {
		out[name] = reg.runners[name].Status()
	}
	return out
}

// StartAll starts every runner
func (reg *Registry) StartAll() {
	for _, name := range reg.order {
		reg.runners[name].Start()
	}
}

// StopAll stops every runner and waits for in-flight runs
func (reg *Registry) StopAll() {
	for _, name := range reg.order {
		reg.runners[name].Stop()
	}
	for _, name := range reg.order {
		reg.runners[name].Wait()
	}
}
