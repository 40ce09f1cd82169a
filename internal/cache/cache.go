// Package cache implements the TTL embedding cache keyed by application id.
// Two interchangeable backings exist: an in-process map and a shared Redis
// store; the backing is selected at startup.
package cache

import (
	"context"
	"sync"
	"time"
)

// EmbeddingCache is the contract the pipeline consumes.
type EmbeddingCache interface {
	// Get returns the cached vector, or ok=false on miss or expiry.
	Get(ctx context.Context, applicationID string) (vector []float32, ok bool)
	// Set stores a vector under the given TTL (<=0 uses the default).
	Set(ctx context.Context, applicationID string, vector []float32, ttl time.Duration) error
	// Delete removes an entry.
	Delete(ctx context.Context, applicationID string) error
	// Clear removes all entries.
	Clear(ctx context.Context) error
	// Stats reports hits, misses, evictions and current size.
	Stats() Stats
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// ============================================================================
// IN-PROCESS BACKING
// ============================================================================

type entry struct {
	vector    []float32
	expiresAt time.Time
}

// Local is the in-process TTL cache. Expiry is checked lazily on Get; an
// optional background sweep reclaims expired entries.
type Local struct {
	mu         sync.RWMutex
	entries    map[string]entry
	defaultTTL time.Duration

	hits      int64
	misses    int64
	evictions int64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewLocal creates an in-process cache with the given default TTL.
func NewLocal(defaultTTL time.Duration) *Local {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Local{
		entries:    make(map[string]entry),
		defaultTTL: defaultTTL,
		stopSweep:  make(chan struct{}),
	}
}

// StartSweep launches a background goroutine that reclaims expired entries
// every interval. Stop it with StopSweep.
func (c *Local) StartSweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stopSweep:
				return
			}
		}
	}()
}

// StopSweep halts the background sweep.
func (c *Local) StopSweep() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

func (c *Local) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			c.evictions++
		}
	}
}

// Get returns the cached vector, lazily evicting an expired entry.
func (c *Local) Get(_ context.Context, applicationID string) ([]float32, bool) {
	c.mu.RLock()
	e, exists := c.entries[applicationID]
	c.mu.RUnlock()

	if !exists {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock: another goroutine may have replaced it.
		if cur, still := c.entries[applicationID]; still && time.Now().After(cur.expiresAt) {
			delete(c.entries, applicationID)
			c.evictions++
		}
		c.misses++
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return e.vector, true
}

// Set stores a vector under the given TTL.
func (c *Local) Set(_ context.Context, applicationID string, vector []float32, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)

	c.mu.Lock()
	c.entries[applicationID] = entry{vector: cp, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes an entry.
func (c *Local) Delete(_ context.Context, applicationID string) error {
	c.mu.Lock()
	delete(c.entries, applicationID)
	c.mu.Unlock()
	return nil
}

// Clear removes all entries.
func (c *Local) Clear(_ context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
	return nil
}

// Stats reports current counters.
func (c *Local) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Size: len(c.entries)}
}
