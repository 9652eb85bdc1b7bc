// Package orchestrator drives tasks through their orchestration patterns:
// routing, stage dispatch under retry and circuit breaking, quality gates,
// human review, rollback and cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/devpipeline/internal/backend"
	"github.com/aristath/devpipeline/internal/config"
	"github.com/aristath/devpipeline/internal/events"
	"github.com/aristath/devpipeline/internal/metrics"
	"github.com/aristath/devpipeline/internal/pattern"
	"github.com/aristath/devpipeline/internal/persistence"
	"github.com/aristath/devpipeline/internal/resilience"
	"github.com/aristath/devpipeline/internal/rollback"
	"github.com/aristath/devpipeline/internal/routing"
	"github.com/aristath/devpipeline/internal/scheduler"
	"github.com/aristath/devpipeline/internal/task"
)

var (
	// ErrNotReady is returned by Advance for a pending task whose
	// dependencies have not all succeeded.
	ErrNotReady = errors.New("task is waiting on dependencies")
	// ErrSuspended is returned by Advance for a blocked or reviewing task.
	ErrSuspended = errors.New("task is suspended")
	// ErrInvalidExecutor is returned for an unknown executor class.
	ErrInvalidExecutor = errors.New("invalid executor class")
)

// run is the in-memory execution state of a routed task.
type run struct {
	pattern   pattern.Pattern
	queue     []string // stages still to dispatch, in order
	autoFixes int

	ctx    context.Context // cancelled when the task ends
	cancel context.CancelFunc
	lease  *scheduler.Lease
	pools  *scheduler.Pools // the pools lease came from

	// background counts non-blocking stages in flight; idle is closed when
	// it drops back to zero.
	background int
	idle       chan struct{}
	failure    string // fatal non-blocking failure awaiting the next Advance

	review     *ReviewItem
	timer      *time.Timer
	suspendSeq uint64

	stalled bool // last dispatched Advance failed; cleared on the next transition
}

// Engine is the orchestration core. All methods are safe for concurrent use;
// work on one task id is serialized.
type Engine struct {
	logger   *zap.Logger
	store    persistence.Store
	bus      *events.Bus
	log      *events.Log
	metrics  *metrics.Metrics
	registry *backend.Registry
	runners  func(*config.Config) *backend.Registry
	rollback *rollback.Engine
	exec     *resilience.Executor
	locks    *scheduler.TaskLocks
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // background stages
	wake   chan struct{}

	ownStore bool
	ownBus   bool

	mu       sync.Mutex
	cfg      *config.Config
	scorer   *routing.Scorer
	selector *pattern.Selector
	pools    *scheduler.Pools
	tasks    map[string]*task.Task
	runs     map[string]*run
	busy     map[string]bool // claimed by the dispatcher
	graph    *scheduler.Graph
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithStore sets the task-state store. Without one the engine opens a
// private in-memory store and closes it on Close.
func WithStore(store persistence.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithBus publishes events on bus instead of a private one.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics records engine activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRegistry sets the stage runners.
func WithRegistry(reg *backend.Registry) Option {
	return func(e *Engine) { e.registry = reg }
}

// WithRunnerFactory builds the stage runners from every configuration the
// engine applies, so stage commands follow a hot reload. It takes precedence
// over WithRegistry.
func WithRunnerFactory(build func(*config.Config) *backend.Registry) Option {
	return func(e *Engine) { e.runners = build }
}

// WithRollback sets the snapshot engine, e.g. one backed by a git checkpointer.
func WithRollback(rb *rollback.Engine) Option {
	return func(e *Engine) { e.rollback = rb }
}

// WithClock overrides the time source used for timestamps and routing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine for a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil configuration", config.ErrInvalidConfig)
	}
	e := &Engine{
		logger: zap.NewNop(),
		now:    time.Now,
		locks:  scheduler.NewTaskLocks(),
		wake:   make(chan struct{}, 1),
		tasks:  make(map[string]*task.Task),
		runs:   make(map[string]*run),
		busy:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.apply(cfg); err != nil {
		return nil, err
	}

	if e.store == nil {
		store, err := persistence.NewMemoryStore(context.Background())
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		e.store = store
		e.ownStore = true
	}
	if e.bus == nil {
		e.bus = events.NewBus()
		e.ownBus = true
	}
	e.log = events.NewLog(e.bus)
	if e.registry == nil {
		e.registry = backend.NewRegistry(nil)
	}
	if e.rollback == nil {
		e.rollback = rollback.New(rollback.WithLogger(e.logger), rollback.WithClock(e.now))
	}
	e.exec = resilience.NewExecutor(resilience.NewBreakerRegistry(e.logger, e.breakerChanged), e.logger)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	graph, err := scheduler.Build(nil)
	if err != nil {
		return nil, err
	}
	e.graph = graph
	return e, nil
}

// apply validates cfg and swaps the components derived from it.
func (e *Engine) apply(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	scorer, err := routing.NewScorer(cfg.Routing)
	if err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	selector, err := cfg.Selector()
	if err != nil {
		return fmt.Errorf("patterns: %w", err)
	}
	pools := scheduler.NewPools(scheduler.Limits{
		task.ExecutorAutomated: cfg.Capacity.Automated,
		task.ExecutorHuman:     cfg.Capacity.Human,
		task.ExecutorHybrid:    cfg.Capacity.Hybrid,
	}, scheduler.WithTotal(cfg.Capacity.Total))
	var registry *backend.Registry
	if e.runners != nil {
		registry = e.runners(cfg)
	}

	e.mu.Lock()
	e.cfg = cfg
	e.scorer = scorer
	e.selector = selector
	e.pools = pools
	if registry != nil {
		e.registry = registry
	}
	e.mu.Unlock()
	return nil
}

// Reconfigure swaps in a new configuration after validating it. Tasks
// already routed keep their pattern; new capacity limits apply to leases
// taken from now on, retry and breaker policies and stage runners to stages
// started from now on.
func (e *Engine) Reconfigure(cfg *config.Config) error {
	if err := e.apply(cfg); err != nil {
		e.logger.Warn("configuration rejected", zap.Error(err))
		return err
	}
	e.logger.Info("configuration applied")
	e.signal()
	return nil
}

// Config returns the active configuration.
func (e *Engine) Config() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Bus returns the bus every event is published on.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Close cancels every in-flight stage, waits for background stages and
// releases what the engine owns.
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	for _, r := range e.runs {
		if r.timer != nil {
			r.timer.Stop()
		}
		e.releaseLocked(r)
	}
	e.mu.Unlock()

	if e.ownBus {
		e.bus.Close()
	}
	if e.ownStore {
		return e.store.Close()
	}
	return nil
}

// Task returns a copy of the task.
func (e *Engine) Task(id string) (*task.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// Tasks returns copies of every task in execution order.
func (e *Engine) Tasks() []*task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*task.Task, 0, len(e.tasks))
	for _, id := range e.graph.Order() {
		out = append(out, e.tasks[id].Clone())
	}
	return out
}

// History returns the recorded transitions of a task.
func (e *Engine) History(ctx context.Context, id string) ([]task.Transition, error) {
	if _, err := e.Task(id); err != nil {
		return nil, err
	}
	return e.store.Transitions(ctx, id)
}

// Decisions returns the routing decisions of a task, oldest first.
func (e *Engine) Decisions(ctx context.Context, id string) ([]task.RoutingDecision, error) {
	if _, err := e.Task(id); err != nil {
		return nil, err
	}
	return e.store.Decisions(ctx, id)
}

// GateVerdicts returns the gate decisions recorded for a task.
func (e *Engine) GateVerdicts(ctx context.Context, id string) ([]persistence.GateRecord, error) {
	if _, err := e.Task(id); err != nil {
		return nil, err
	}
	return e.store.GateVerdicts(ctx, id)
}

// Events returns every logged event with a sequence number above after.
func (e *Engine) Events(after uint64) []events.Record {
	return e.log.Since(after)
}

// emit appends ev to the replay log, which publishes it, and counts it.
func (e *Engine) emit(ev events.Event) events.Record {
	rec := e.log.Append(ev)
	e.metrics.Observe(rec)
	return rec
}

func (e *Engine) breakerChanged(stage string, from, to gobreaker.State) {
	e.emit(events.BreakerEvent{Stage: stage, From: from.String(), To: to.String(), Timestamp: e.now()})
}

// signal wakes the dispatcher.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) lookupLocked(id string) (*task.Task, *run, error) {
	t, ok := e.tasks[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	return t, e.runs[id], nil
}

func (e *Engine) setInflight(class task.ExecutorClass, pools *scheduler.Pools) {
	e.metrics.SetInflight(string(class), int(pools.InFlight(class)))
}

// releaseLocked frees the task's capacity slot, if it holds one.
func (e *Engine) releaseLocked(r *run) {
	if r == nil || r.lease == nil {
		return
	}
	class := r.lease.Class()
	r.lease.Release()
	r.lease = nil
	e.setInflight(class, r.pools)
	e.signal()
}
