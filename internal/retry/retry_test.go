package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enrolid/backend/internal/circuitbreaker"
)

var errTransient = errors.New("transient")

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Base:         2,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoWrapsExhaustion(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	terminal := errors.New("terminal verdict")
	p := fastPolicy(5)
	p.Retryable = func(err error) bool { return !errors.Is(err, terminal) }

	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return terminal
	})
	require.ErrorIs(t, err, terminal)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := fastPolicy(3)
	p.InitialDelay = time.Hour
	err := Do(ctx, p, func(context.Context) error { return errTransient })
	require.ErrorIs(t, err, context.Canceled)
}

func TestDelayBoundsWithJitter(t *testing.T) {
	p := Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Base:         2,
		Jitter:       true,
	}

	for attempt := 0; attempt < 6; attempt++ {
		raw := float64(p.InitialDelay) * pow(p.Base, attempt)
		if raw > float64(p.MaxDelay) {
			raw = float64(p.MaxDelay)
		}
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, float64(d), 0.5*raw)
			assert.Less(t, float64(d), 1.5*raw)
		}
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// ============================================================================
// DEAD-LETTER SINK
// ============================================================================

func TestSinkEvictsOldestWhenFull(t *testing.T) {
	s := NewDeadLetterSink(3)
	for i := 0; i < 5; i++ {
		s.Deposit(DeadLetter{
			Name:       "op",
			ResourceID: fmt.Sprintf("app-%d", i),
			ErrorKind:  "timeout",
			Error:      "deadline exceeded",
		})
	}

	items := s.Items()
	require.Len(t, items, 3)
	assert.Equal(t, "app-2", items[0].ResourceID)
	assert.Equal(t, "app-4", items[2].ResourceID)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, map[string]int{"timeout": 3}, s.Stats())
}

func TestSinkStatsByKind(t *testing.T) {
	s := NewDeadLetterSink(10)
	s.Deposit(DeadLetter{ResourceID: "a", ErrorKind: "timeout"})
	s.Deposit(DeadLetter{ResourceID: "b", ErrorKind: "timeout"})
	s.Deposit(DeadLetter{ResourceID: "c", ErrorKind: "breaker_open"})

	assert.Equal(t, map[string]int{"timeout": 2, "breaker_open": 1}, s.Stats())
}

// ============================================================================
// RESILIENT CALL
// ============================================================================

func testCaller(sink *DeadLetterSink) *Caller {
	return &Caller{
		Breakers: circuitbreaker.NewManager(&circuitbreaker.Config{
			FailureThreshold: 3,
			OpenTimeout:      time.Minute,
			SuccessThreshold: 1,
		}),
		Policy: fastPolicy(3),
		Sink:   sink,
	}
}

func TestCallerDepositsOnExhaustion(t *testing.T) {
	sink := NewDeadLetterSink(10)
	c := testCaller(sink)

	err := c.Call(context.Background(), "dep", "app-1", func(context.Context) error {
		return errTransient
	}, nil)
	require.ErrorIs(t, err, ErrExhausted)

	items := sink.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "dep", items[0].Name)
	assert.Equal(t, "app-1", items[0].ResourceID)
	assert.Equal(t, 3, items[0].Attempts)
}

func TestCallerNeverRetriesOpenBreaker(t *testing.T) {
	sink := NewDeadLetterSink(10)
	c := testCaller(sink)

	// Trip the breaker.
	for i := 0; i < 3; i++ {
		c.Breakers.Get("dep").Execute(context.Background(), func(context.Context) error {
			return errTransient
		})
	}

	calls := 0
	err := c.Call(context.Background(), "dep", "app-2", func(context.Context) error {
		calls++
		return nil
	}, nil)
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Zero(t, calls)
	assert.Zero(t, sink.Len())
}

func TestCallerFallbackReplacesFailure(t *testing.T) {
	c := testCaller(nil)

	err := c.Call(context.Background(), "dep", "app-3", func(context.Context) error {
		return errTransient
	}, func(ctx context.Context, cause error) error {
		require.ErrorIs(t, cause, ErrExhausted)
		return nil
	})
	require.NoError(t, err)
}
