package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func testConfig() *Config {
	return &Config{
		Name:             "test",
		FailureThreshold: 3,
		OpenTimeout:      50 * time.Millisecond,
		SuccessThreshold: 2,
	}
}

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(testConfig())

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, cb.Execute(context.Background(), fail), errBoom)
		assert.Equal(t, StateClosed, cb.State())
	}

	require.ErrorIs(t, cb.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// Calls are rejected without invoking fn while open.
	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb := New(testConfig())

	require.Error(t, cb.Execute(context.Background(), fail))
	require.Error(t, cb.Execute(context.Background(), fail))
	require.NoError(t, cb.Execute(context.Background(), ok))
	require.Error(t, cb.Execute(context.Background(), fail))
	require.Error(t, cb.Execute(context.Background(), fail))

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenClosesAfterSuccesses(t *testing.T) {
	cb := New(testConfig())

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New(testConfig())

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), fail)
	}
	time.Sleep(60 * time.Millisecond)

	require.ErrorIs(t, cb.Execute(context.Background(), fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerIgnoresUnexpectedErrorClass(t *testing.T) {
	cfg := testConfig()
	errVerdict := errors.New("no face detected")
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, errVerdict) }
	cb := New(cfg)

	for i := 0; i < 10; i++ {
		require.ErrorIs(t, cb.Execute(context.Background(), func(context.Context) error {
			return errVerdict
		}), errVerdict)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := testConfig()
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	cb := New(cfg)

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), fail)
	}
	require.Equal(t, []string{"CLOSED->OPEN"}, transitions)
}

func TestManagerReturnsSameBreakerPerName(t *testing.T) {
	m := NewManager(testConfig())

	a := m.Get("redis")
	b := m.Get("redis")
	c := m.Get("face-analyzer")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "CLOSED", snap["redis"].State)
}
