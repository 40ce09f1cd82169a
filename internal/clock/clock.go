// Package clock provides the time and identifier sources passed into every
// component as explicit capability handles.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall and monotonic time so tests can pin both.
type Clock interface {
	// Now returns the current wall-clock time (carries a monotonic reading
	// on real clocks, so Sub is safe for durations).
	Now() time.Time
	// Since returns the elapsed time since t using the monotonic reading.
	Since(t time.Time) time.Duration
}

// System is the production clock.
type System struct{}

func (System) Now() time.Time                  { return time.Now() }
func (System) Since(t time.Time) time.Duration { return time.Since(t) }

// IDGenerator issues globally unique identifiers.
type IDGenerator interface {
	// NewID returns a fresh UUID v4 string.
	NewID() string
	// NewUniqueID returns a UUID v4 not already accepted by exists. The
	// collision probability is negligible but the retry loop is mandatory
	// for identity issuance.
	NewUniqueID(exists func(id string) bool) string
}

// UUIDGenerator is the production IDGenerator backed by google/uuid.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.New().String() }

func (g UUIDGenerator) NewUniqueID(exists func(id string) bool) string {
	for {
		id := uuid.New().String()
		if exists == nil || !exists(id) {
			return id
		}
	}
}
