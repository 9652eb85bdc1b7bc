// Package resilience wraps stage execution with bounded exponential retry
// and per-stage circuit breaking.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/devpipeline/internal/task"
)

var ErrInvalidPolicy = errors.New("invalid retry policy")

// errStageFailed marks a failure outcome so the breaker and backoff see it.
var errStageFailed = errors.New("stage failed")

// Policy configures retries and the breaker for a stage.
type Policy struct {
	MaxAttempts        int           `koanf:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	BaseDelay          time.Duration `koanf:"base_delay" yaml:"base_delay" json:"base_delay"`
	MaxDelay           time.Duration `koanf:"max_delay" yaml:"max_delay" json:"max_delay"`
	BackoffMultiplier  float64       `koanf:"backoff_multiplier" yaml:"backoff_multiplier" json:"backoff_multiplier"`
	BreakerThreshold   float64       `koanf:"breaker_threshold" yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerMinRequests uint32        `koanf:"breaker_min_requests" yaml:"breaker_min_requests" json:"breaker_min_requests"`
	BreakerWindow      time.Duration `koanf:"breaker_window" yaml:"breaker_window" json:"breaker_window"`
	BreakerCooldown    time.Duration `koanf:"breaker_cooldown" yaml:"breaker_cooldown" json:"breaker_cooldown"`
}

// DefaultPolicy returns the default retry and breaker policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        3,
		BaseDelay:          time.Second,
		MaxDelay:           30 * time.Second,
		BackoffMultiplier:  2.0,
		BreakerThreshold:   0.5,
		BreakerMinRequests: 10,
		BreakerWindow:      time.Minute,
		BreakerCooldown:    30 * time.Second,
	}
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts %d", ErrInvalidPolicy, p.MaxAttempts)
	case p.BaseDelay < 0 || p.MaxDelay < 0:
		return fmt.Errorf("%w: negative delay", ErrInvalidPolicy)
	case p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("%w: max_delay %s below base_delay %s", ErrInvalidPolicy, p.MaxDelay, p.BaseDelay)
	case p.BackoffMultiplier < 1:
		return fmt.Errorf("%w: backoff_multiplier %v", ErrInvalidPolicy, p.BackoffMultiplier)
	case p.BreakerThreshold <= 0 || p.BreakerThreshold > 1:
		return fmt.Errorf("%w: breaker_threshold %v", ErrInvalidPolicy, p.BreakerThreshold)
	case p.BreakerWindow < 0 || p.BreakerCooldown < 0:
		return fmt.Errorf("%w: negative breaker duration", ErrInvalidPolicy)
	}
	return nil
}

// Delay returns the wait before attempt n+1:
// min(BaseDelay * BackoffMultiplier^(n-1), MaxDelay).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.BackoffMultiplier
	b.RandomizationFactor = 0 // Delays follow the policy exactly
	b.MaxElapsedTime = 0      // Attempts, not wall time, bound retries
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval == 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.Reset()
	return b
}

// Call identifies the stage being executed.
type Call struct {
	TaskID string
	Stage  string
	Tags   []string
	// OnAttempt receives every attempt record as it completes.
	OnAttempt func(task.StageResult)
}

// AttemptFunc runs one attempt of a stage.
type AttemptFunc func(ctx context.Context, attempt int) task.StageResult

// Result is the outcome of one logical stage invocation.
type Result struct {
	Final          task.StageResult
	Attempts       []task.StageResult
	Calls          int
	ShortCircuited bool
	Cancelled      bool
}

// Executor runs stages under retry and circuit-breaker protection.
type Executor struct {
	breakers *BreakerRegistry
	logger   *zap.Logger
	now      func() time.Time
}

// NewExecutor creates an Executor backed by breakers.
func NewExecutor(breakers *BreakerRegistry, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		breakers = NewBreakerRegistry(logger, nil)
	}
	return &Executor{breakers: breakers, logger: logger, now: time.Now}
}

// Breakers returns the executor's breaker registry.
func (e *Executor) Breakers() *BreakerRegistry { return e.breakers }

// Execute calls fn until it succeeds or p.MaxAttempts calls have been made.
// While the stage's breaker is open the invocation fails immediately with a
// short-circuit record and fn is not called. Cancellation stops retrying and
// is not counted against the breaker.
func (e *Executor) Execute(ctx context.Context, call Call, fn AttemptFunc, p Policy) Result {
	cb := e.breakers.Get(call.Stage, p)
	var res Result
	var wait time.Duration

	record := func(r task.StageResult) {
		r.TaskID = call.TaskID
		r.Stage = call.Stage
		if r.Tags == nil {
			r.Tags = slices.Clone(call.Tags)
		}
		res.Attempts = append(res.Attempts, r)
		res.Final = r
		if call.OnAttempt != nil {
			call.OnAttempt(r)
		}
	}

	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			res.Cancelled = true
			return backoff.Permanent(ctx.Err())
		}

		attempt := res.Calls + 1
		started := e.now()
		out, err := cb.Execute(func() (interface{}, error) {
			res.Calls++
			r := fn(ctx, attempt)
			if ctx.Err() != nil {
				return r, ctx.Err()
			}
			if r.Outcome == task.OutcomeFailure {
				return r, errStageFailed
			}
			return r, nil
		})

		// Circuit is open - fail without calling the stage and stop retrying
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			res.ShortCircuited = true
			now := e.now()
			record(task.StageResult{
				Attempt:      attempt,
				Outcome:      task.OutcomeFailure,
				StartedAt:    now,
				FinishedAt:   now,
				Backoff:      wait,
				Detail:       fmt.Sprintf("circuit breaker %s: %v", call.Stage, err),
				ShortCircuit: true,
			})
			e.logger.Warn("stage short-circuited",
				zap.String("task_id", call.TaskID),
				zap.String("stage", call.Stage),
			)
			return backoff.Permanent(err)
		}

		r, _ := out.(task.StageResult)
		r.Attempt = attempt
		r.Backoff = wait
		if r.StartedAt.IsZero() {
			r.StartedAt = started
		}
		if r.FinishedAt.IsZero() {
			r.FinishedAt = e.now()
		}
		if r.Outcome == "" {
			r.Outcome = task.OutcomeFailure
		}

		if ctx.Err() != nil {
			res.Cancelled = true
			if r.Outcome == task.OutcomeFailure && r.Detail == "" {
				r.Detail = ctx.Err().Error()
			}
			record(r)
			return backoff.Permanent(ctx.Err())
		}
		record(r)

		if err != nil {
			e.logger.Debug("stage attempt failed",
				zap.String("task_id", call.TaskID),
				zap.String("stage", call.Stage),
				zap.Int("attempt", attempt),
				zap.String("detail", r.Detail),
			)
			return err
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(p.MaxAttempts-1)), ctx)
	_ = backoff.RetryNotify(operation, policy, func(_ error, next time.Duration) {
		wait = next
	})

	// Cancelled while waiting between attempts
	if ctx.Err() != nil && res.Final.Outcome != task.OutcomeSuccess {
		res.Cancelled = true
	}
	return res
}
