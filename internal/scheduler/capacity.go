package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/aristath/devpipeline/internal/task"
)

// Limits caps in-flight tasks per executor class. A limit of zero or less
// leaves the class unbounded.
type Limits map[task.ExecutorClass]int64

// Pools holds one weighted semaphore per executor class. Human capacity is
// typically a small hard limit while automated capacity is elastic.
type Pools struct {
	sems       map[task.ExecutorClass]*semaphore.Weighted
	limits     Limits
	inflight   map[task.ExecutorClass]*atomic.Int64
	total      *semaphore.Weighted
	totalLimit int64
}

// PoolOption configures Pools.
type PoolOption func(*Pools)

// WithTotal caps in-flight tasks across every class.
func WithTotal(n int64) PoolOption {
	return func(p *Pools) {
		if n > 0 {
			p.total = semaphore.NewWeighted(n)
			p.totalLimit = n
		}
	}
}

// NewPools creates capacity pools for every executor class.
func NewPools(limits Limits, opts ...PoolOption) *Pools {
	p := &Pools{
		sems:     make(map[task.ExecutorClass]*semaphore.Weighted),
		limits:   make(Limits),
		inflight: make(map[task.ExecutorClass]*atomic.Int64),
	}
	for _, class := range task.ExecutorClasses {
		p.inflight[class] = new(atomic.Int64)
		if n := limits[class]; n > 0 {
			p.sems[class] = semaphore.NewWeighted(n)
			p.limits[class] = n
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Lease is one occupied capacity slot. Release is idempotent.
type Lease struct {
	class   task.ExecutorClass
	once    sync.Once
	release func()
}

// Class returns the executor class the lease was taken from.
func (l *Lease) Class() task.ExecutorClass { return l.class }

// Release frees the slot. Safe to call more than once and on a nil lease.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.release)
}

// Acquire blocks until a slot in class is free or ctx is done.
func (p *Pools) Acquire(ctx context.Context, class task.ExecutorClass) (*Lease, error) {
	counter, ok := p.inflight[class]
	if !ok {
		return nil, fmt.Errorf("unknown executor class %q", class)
	}
	if p.total != nil {
		if err := p.total.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquire total capacity: %w", err)
		}
	}
	sem := p.sems[class]
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			if p.total != nil {
				p.total.Release(1)
			}
			return nil, fmt.Errorf("acquire %s capacity: %w", class, err)
		}
	}
	return p.lease(class, sem, counter), nil
}

// TryAcquire takes a slot without blocking.
func (p *Pools) TryAcquire(class task.ExecutorClass) (*Lease, bool) {
	counter, ok := p.inflight[class]
	if !ok {
		return nil, false
	}
	if p.total != nil && !p.total.TryAcquire(1) {
		return nil, false
	}
	sem := p.sems[class]
	if sem != nil && !sem.TryAcquire(1) {
		if p.total != nil {
			p.total.Release(1)
		}
		return nil, false
	}
	return p.lease(class, sem, counter), true
}

func (p *Pools) lease(class task.ExecutorClass, sem *semaphore.Weighted, counter *atomic.Int64) *Lease {
	counter.Add(1)
	return &Lease{
		class: class,
		release: func() {
			counter.Add(-1)
			if sem != nil {
				sem.Release(1)
			}
			if p.total != nil {
				p.total.Release(1)
			}
		},
	}
}

// InFlight returns the number of held slots in class.
func (p *Pools) InFlight(class task.ExecutorClass) int64 {
	if c, ok := p.inflight[class]; ok {
		return c.Load()
	}
	return 0
}

// Limit returns the configured limit for class, zero when unbounded.
func (p *Pools) Limit(class task.ExecutorClass) int64 {
	return p.limits[class]
}

// TotalLimit returns the cross-class limit, zero when unbounded.
func (p *Pools) TotalLimit() int64 {
	return p.totalLimit
}

// Saturated reports whether Acquire for class would block right now.
func (p *Pools) Saturated(class task.ExecutorClass) bool {
	if limit := p.limits[class]; limit > 0 && p.InFlight(class) >= limit {
		return true
	}
	if p.totalLimit > 0 {
		var total int64
		for _, c := range p.inflight {
			total += c.Load()
		}
		return total >= p.totalLimit
	}
	return false
}
