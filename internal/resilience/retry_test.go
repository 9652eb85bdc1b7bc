package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/aristath/devpipeline/internal/task"
)

// scriptedStage returns the scripted outcomes in order and counts calls.
type scriptedStage struct {
	mu       sync.Mutex
	outcomes []task.Outcome
	calls    int
}

func (s *scriptedStage) run(_ context.Context, _ int) task.StageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := task.OutcomeFailure
	if s.calls < len(s.outcomes) {
		out = s.outcomes[s.calls]
	}
	s.calls++
	return task.StageResult{Outcome: out}
}

func (s *scriptedStage) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastPolicy() Policy {
	p := DefaultPolicy()
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 4 * time.Millisecond
	return p
}

func TestExecute_TransientThenSuccess(t *testing.T) {
	ex := NewExecutor(nil, zaptest.NewLogger(t))
	stage := &scriptedStage{outcomes: []task.Outcome{task.OutcomeFailure, task.OutcomeFailure, task.OutcomeSuccess}}

	var seen []task.StageResult
	res := ex.Execute(context.Background(), Call{
		TaskID:    "t1",
		Stage:     "build",
		Tags:      []string{"risky"},
		OnAttempt: func(r task.StageResult) { seen = append(seen, r) },
	}, stage.run, fastPolicy())

	assert.Equal(t, 3, stage.Calls())
	assert.Equal(t, task.OutcomeSuccess, res.Final.Outcome)
	assert.Equal(t, 3, res.Final.Attempt)
	require.Len(t, seen, 3)
	assert.Equal(t, []string{"risky"}, seen[0].Tags)
	assert.Equal(t, "t1", seen[2].TaskID)
	assert.Equal(t, "build", seen[2].Stage)
	assert.False(t, res.ShortCircuited)
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	ex := NewExecutor(nil, nil)
	stage := &scriptedStage{}
	p := DefaultPolicy()
	p.MaxAttempts = 3
	p.BaseDelay = 100 * time.Millisecond
	p.BackoffMultiplier = 2

	start := time.Now()
	res := ex.Execute(context.Background(), Call{TaskID: "t", Stage: "flaky"}, stage.run, p)
	elapsed := time.Since(start)

	assert.Equal(t, 3, stage.Calls())
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, task.OutcomeFailure, res.Final.Outcome)
	assert.Equal(t, []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond},
		[]time.Duration{res.Attempts[0].Backoff, res.Attempts[1].Backoff, res.Attempts[2].Backoff})
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestExecute_BreakerShortCircuits(t *testing.T) {
	ex := NewExecutor(nil, zaptest.NewLogger(t))
	p := fastPolicy()
	p.MaxAttempts = 1
	p.BreakerThreshold = 0.5
	p.BreakerMinRequests = 2
	p.BreakerCooldown = time.Minute

	broken := &scriptedStage{}
	for i := 0; i < 2; i++ {
		res := ex.Execute(context.Background(), Call{TaskID: "t", Stage: "external-api"}, broken.run, p)
		assert.False(t, res.ShortCircuited)
	}
	require.Equal(t, 2, broken.Calls())
	assert.Equal(t, gobreaker.StateOpen, ex.Breakers().State("external-api"))

	// Another task hitting the same stage name never reaches the stage
	p.MaxAttempts = 3
	other := &scriptedStage{outcomes: []task.Outcome{task.OutcomeSuccess}}
	res := ex.Execute(context.Background(), Call{TaskID: "t2", Stage: "external-api"}, other.run, p)
	assert.Equal(t, 0, other.Calls())
	assert.True(t, res.ShortCircuited)
	assert.Equal(t, task.OutcomeFailure, res.Final.Outcome)
	assert.True(t, res.Final.ShortCircuit)
	assert.Len(t, res.Attempts, 1, "short-circuit does not burn retries")

	// Other stage names are isolated
	healthy := &scriptedStage{outcomes: []task.Outcome{task.OutcomeSuccess}}
	res = ex.Execute(context.Background(), Call{TaskID: "t3", Stage: "lint"}, healthy.run, p)
	assert.Equal(t, task.OutcomeSuccess, res.Final.Outcome)
	assert.Equal(t, 1, healthy.Calls())
}

func TestExecute_BreakerFollowsPolicyChanges(t *testing.T) {
	ex := NewExecutor(nil, zaptest.NewLogger(t))
	lenient := fastPolicy()
	lenient.BreakerThreshold = 1.0

	first := &scriptedStage{}
	ex.Execute(context.Background(), Call{TaskID: "t1", Stage: "implement"}, first.run, lenient)
	require.Equal(t, 3, first.Calls())
	require.Equal(t, gobreaker.StateClosed, ex.Breakers().State("implement"))

	strict := lenient
	strict.BreakerThreshold = 0.1
	strict.BreakerMinRequests = 1
	strict.BreakerCooldown = time.Hour

	second := &scriptedStage{}
	res := ex.Execute(context.Background(), Call{TaskID: "t2", Stage: "implement"}, second.run, strict)
	assert.Equal(t, 1, second.Calls(), "tripped breaker short-circuits the remaining attempts")
	assert.True(t, res.ShortCircuited)
	assert.Equal(t, gobreaker.StateOpen, ex.Breakers().State("implement"))

	// Same settings keep the same breaker
	third := &scriptedStage{outcomes: []task.Outcome{task.OutcomeSuccess}}
	res = ex.Execute(context.Background(), Call{TaskID: "t3", Stage: "implement"}, third.run, strict)
	assert.Equal(t, 0, third.Calls())
	assert.True(t, res.ShortCircuited)
}

func TestExecute_CancellationStopsRetries(t *testing.T) {
	ex := NewExecutor(nil, nil)
	p := DefaultPolicy()
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	stage := &scriptedStage{}
	done := make(chan Result)
	go func() {
		done <- ex.Execute(ctx, Call{TaskID: "t", Stage: "slow"}, stage.run, p)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.True(t, res.Cancelled)
		assert.Equal(t, 1, stage.Calls())
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not stop on cancellation")
	}
}

func TestExecute_CancellationIsNotAFailure(t *testing.T) {
	ex := NewExecutor(nil, nil)
	p := fastPolicy()
	p.BreakerMinRequests = 1
	p.BreakerThreshold = 0.1

	ctx, cancel := context.WithCancel(context.Background())
	res := ex.Execute(ctx, Call{TaskID: "t", Stage: "s"}, func(ctx context.Context, _ int) task.StageResult {
		cancel()
		return task.StageResult{Outcome: task.OutcomeFailure}
	}, p)

	assert.True(t, res.Cancelled)
	assert.Equal(t, gobreaker.StateClosed, ex.Breakers().State("s"))
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())

	mutations := []func(*Policy){
		func(p *Policy) { p.MaxAttempts = 0 },
		func(p *Policy) { p.BaseDelay = -time.Second },
		func(p *Policy) { p.MaxDelay = time.Millisecond },
		func(p *Policy) { p.BackoffMultiplier = 0.5 },
		func(p *Policy) { p.BreakerThreshold = 0 },
		func(p *Policy) { p.BreakerThreshold = 1.5 },
	}
	for i, mutate := range mutations {
		p := DefaultPolicy()
		mutate(&p)
		assert.True(t, errors.Is(p.Validate(), ErrInvalidPolicy), "mutation %d", i)
	}
}

func TestDelayFormula(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffMultiplier: 2}
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(10))
}

func TestRetryMonotonicityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := DefaultPolicy()
		p.MaxAttempts = rapid.IntRange(1, 6).Draw(t, "maxAttempts")
		p.BaseDelay = time.Duration(rapid.IntRange(0, 50).Draw(t, "base")) * time.Microsecond
		p.MaxDelay = p.BaseDelay + time.Duration(rapid.IntRange(0, 200).Draw(t, "extra"))*time.Microsecond
		p.BackoffMultiplier = rapid.Float64Range(1, 4).Draw(t, "multiplier")
		p.BreakerMinRequests = 1000
		succeedAt := rapid.IntRange(0, 8).Draw(t, "succeedAt")

		calls := 0
		ex := NewExecutor(nil, nil)
		res := ex.Execute(context.Background(), Call{TaskID: "t", Stage: "s"}, func(context.Context, int) task.StageResult {
			calls++
			if succeedAt > 0 && calls == succeedAt {
				return task.StageResult{Outcome: task.OutcomeSuccess}
			}
			return task.StageResult{Outcome: task.OutcomeFailure}
		}, p)

		if calls > p.MaxAttempts {
			t.Fatalf("%d calls exceed max attempts %d", calls, p.MaxAttempts)
		}
		for i := 1; i < len(res.Attempts); i++ {
			prev, cur := res.Attempts[i-1].Backoff, res.Attempts[i].Backoff
			if cur < prev {
				t.Fatalf("delay decreased: %v then %v", prev, cur)
			}
			if cur > p.MaxDelay {
				t.Fatalf("delay %v above max %v", cur, p.MaxDelay)
			}
			if diff := cur - p.Delay(i); diff > time.Microsecond || diff < -time.Microsecond {
				t.Fatalf("attempt %d waited %v, want %v", i+1, cur, p.Delay(i))
			}
		}
	})
}
