package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(stage string, from, to gobreaker.State)

// BreakerRegistry manages one circuit breaker per stage name, shared by
// every task that runs that stage.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]breakerEntry
	logger   *zap.Logger
	onChange StateChangeFunc
}

type breakerEntry struct {
	cb       *gobreaker.CircuitBreaker
	settings breakerSettings
}

// breakerSettings is the part of a Policy a breaker is built from.
type breakerSettings struct {
	threshold   float64
	minRequests uint32
	window      time.Duration
	cooldown    time.Duration
}

func settingsOf(p Policy) breakerSettings {
	return breakerSettings{
		threshold:   p.BreakerThreshold,
		minRequests: p.BreakerMinRequests,
		window:      p.BreakerWindow,
		cooldown:    p.BreakerCooldown,
	}
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(logger *zap.Logger, onChange StateChangeFunc) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers: make(map[string]breakerEntry),
		logger:   logger,
		onChange: onChange,
	}
}

// Get returns the circuit breaker for stage. It is created from p on first
// use and rebuilt, with fresh counts, once p's breaker settings change.
func (r *BreakerRegistry) Get(stage string, p Policy) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	settings := settingsOf(p)
	if entry, ok := r.breakers[stage]; ok {
		if entry.settings == settings {
			return entry.cb
		}
		r.logger.Info("circuit breaker settings changed",
			zap.String("stage", stage),
			zap.Float64("threshold", p.BreakerThreshold),
			zap.Uint32("min_requests", p.BreakerMinRequests),
			zap.Duration("cooldown", p.BreakerCooldown),
		)
	}

	minRequests := p.BreakerMinRequests
	if minRequests == 0 {
		minRequests = 1
	}
	threshold := p.BreakerThreshold

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        stage,
		MaxRequests: 1,                 // One trial call while half-open
		Interval:    p.BreakerWindow,   // Rolling window for failure counts
		Timeout:     p.BreakerCooldown, // Stay open this long before probing
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("stage", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if r.onChange != nil {
				r.onChange(name, from, to)
			}
		},
		IsSuccessful: func(err error) bool {
			// Don't count cancellation as a stage failure
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[stage] = breakerEntry{cb: cb, settings: settings}
	return cb
}

// State returns the breaker state for stage; unknown stages are closed.
func (r *BreakerRegistry) State(stage string) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.breakers[stage]; ok {
		return entry.cb.State()
	}
	return gobreaker.StateClosed
}
