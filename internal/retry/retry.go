// Package retry provides exponential backoff with jitter, a bounded
// dead-letter sink for exhausted work, and the resilient-call composition of
// retry + circuit breaker used on every external dependency.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/enrolid/backend/internal/circuitbreaker"
)

// ErrExhausted wraps the last error once all attempts are spent.
var ErrExhausted = errors.New("retry attempts exhausted")

// ============================================================================
// POLICY
// ============================================================================

// Policy configures the retry loop.
type Policy struct {
	// MaxAttempts is the total number of invocations (first try included).
	MaxAttempts int

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// Base is the exponential growth factor.
	Base float64

	// Jitter multiplies each delay by a random factor in [0.5, 1.5).
	Jitter bool

	// Retryable classifies errors worth another attempt. Nil retries all.
	Retryable func(err error) bool
}

// DefaultPolicy is 3 attempts, 1s initial, 30s cap, factor 2, jitter on.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Base:         2,
		Jitter:       true,
	}
}

// Delay returns the backoff before attempt+1 (attempt is zero-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Base, float64(attempt))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Do runs fn under the policy. Non-retryable errors propagate immediately;
// exhaustion returns an error wrapping both ErrExhausted and the last error.
// Context cancellation aborts the sleep between attempts.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}

// ============================================================================
// DEAD-LETTER SINK
// ============================================================================

// DeadLetter is one exhausted item deposited in the sink.
type DeadLetter struct {
	Name       string    `json:"name"`       // which resilient call failed
	ResourceID string    `json:"resource_id"` // usually an application id
	ErrorKind  string    `json:"error_kind"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	FailedAt   time.Time `json:"failed_at"`
}

// DeadLetterSink is a bounded ring buffer of exhausted failures. When full,
// the oldest entry is evicted.
type DeadLetterSink struct {
	mu       sync.Mutex
	ring     []DeadLetter
	head     int
	count    int
	byKind   map[string]int
	logger   *log.Logger
	capacity int
}

// NewDeadLetterSink creates a sink with the given capacity (min 1).
func NewDeadLetterSink(capacity int) *DeadLetterSink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &DeadLetterSink{
		ring:     make([]DeadLetter, capacity),
		byKind:   make(map[string]int),
		logger:   log.New(log.Writer(), "[DEAD-LETTER] ", log.LstdFlags),
		capacity: capacity,
	}
}

// Deposit stores an exhausted failure, evicting the oldest when full.
func (s *DeadLetterSink) Deposit(dl DeadLetter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now()
	}

	if s.count == s.capacity {
		evicted := s.ring[s.head]
		s.byKind[evicted.ErrorKind]--
		s.head = (s.head + 1) % s.capacity
		s.count--
	}

	s.ring[(s.head+s.count)%s.capacity] = dl
	s.count++
	s.byKind[dl.ErrorKind]++

	s.logger.Printf("deposited %s (%s): %s", dl.ResourceID, dl.ErrorKind, dl.Error)
}

// Items returns the buffered letters oldest-first.
func (s *DeadLetterSink) Items() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DeadLetter, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.ring[(s.head+i)%s.capacity])
	}
	return out
}

// Stats returns the current count per error kind.
func (s *DeadLetterSink) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.byKind))
	for k, v := range s.byKind {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// Len returns the number of buffered letters.
func (s *DeadLetterSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// ============================================================================
// RESILIENT CALL
// ============================================================================

// Caller composes a breaker manager, a retry policy and a dead-letter sink
// into one guarded invocation path for external dependencies.
type Caller struct {
	Breakers *circuitbreaker.Manager
	Policy   Policy
	Sink     *DeadLetterSink
}

// Call runs fn behind the named circuit breaker with retries. The breaker
// guards each attempt; ErrOpen is never retried and never swallowed. On
// exhaustion the failure is deposited in the dead-letter sink. If fallback
// is non-nil, it is invoked on any terminal error and its result replaces
// the failure.
func (c *Caller) Call(
	ctx context.Context,
	name, resourceID string,
	fn func(context.Context) error,
	fallback func(context.Context, error) error,
) error {
	cb := c.Breakers.Get(name)

	p := c.Policy
	inner := p.Retryable
	p.Retryable = func(err error) bool {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return false
		}
		if inner != nil {
			return inner(err)
		}
		return true
	}

	attempts := 0
	err := Do(ctx, p, func(ctx context.Context) error {
		attempts++
		return cb.Execute(ctx, fn)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrExhausted) && c.Sink != nil {
		c.Sink.Deposit(DeadLetter{
			Name:       name,
			ResourceID: resourceID,
			ErrorKind:  errorKind(err),
			Error:      err.Error(),
			Attempts:   attempts,
		})
	}

	if fallback != nil {
		return fallback(ctx, err)
	}
	return err
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrExhausted):
		return "retry_exhausted"
	default:
		return "error"
	}
}
