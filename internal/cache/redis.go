package cache

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/enrolid/backend/internal/circuitbreaker"
)

// Shared is the Redis-backed embedding cache. Unavailability never blocks
// the pipeline: any error or timeout on Get is treated as a miss, logged,
// and counted by the breaker; Set failures are logged and dropped.
type Shared struct {
	rdb        *redis.Client
	breaker    *circuitbreaker.CircuitBreaker
	defaultTTL time.Duration
	opTimeout  time.Duration
	keyPrefix  string

	hits   atomic.Int64
	misses atomic.Int64
}

// NewShared connects to Redis and returns the shared cache. The caller
// decides whether a connection error means falling back to NewLocal.
func NewShared(addr, password string, db int, defaultTTL time.Duration, breaker *circuitbreaker.CircuitBreaker) (*Shared, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	slog.Info("embedding cache connected to redis", "addr", addr, "db", db)
	return &Shared{
		rdb:        rdb,
		breaker:    breaker,
		defaultTTL: defaultTTL,
		opTimeout:  2 * time.Second,
		keyPrefix:  "embedding:",
	}, nil
}

// Close shuts down the underlying client.
func (c *Shared) Close() error { return c.rdb.Close() }

// Get fetches a vector. Errors and timeouts degrade to a miss.
func (c *Shared) Get(ctx context.Context, applicationID string) ([]float32, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	var raw []byte
	err := c.guarded(ctx, func(ctx context.Context) error {
		b, err := c.rdb.Get(ctx, c.keyPrefix+applicationID).Bytes()
		if err != nil {
			return err
		}
		raw = b
		return nil
	})
	if err != nil {
		if err != redis.Nil {
			slog.Warn("embedding cache get degraded to miss", "application_id", applicationID, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}

	vec := decodeVector(raw)
	if vec == nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return vec, true
}

// Set stores a vector with the given TTL. Failures are logged, not returned
// as pipeline errors.
func (c *Shared) Set(ctx context.Context, applicationID string, vector []float32, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	err := c.guarded(ctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, c.keyPrefix+applicationID, encodeVector(vector), ttl).Err()
	})
	if err != nil {
		slog.Warn("embedding cache set failed", "application_id", applicationID, "error", err)
	}
	return nil
}

// Delete removes an entry.
func (c *Shared) Delete(ctx context.Context, applicationID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.guarded(ctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, c.keyPrefix+applicationID).Err()
	})
}

// Clear removes all embedding keys.
func (c *Shared) Clear(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, c.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Stats reports hit/miss counters. Size and evictions live server-side and
// are reported as zero here.
func (c *Shared) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// guarded routes an operation through the breaker when one is configured.
// redis.Nil (key absent) is a normal miss, not a breaker failure.
func (c *Shared) guarded(ctx context.Context, fn func(context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	var miss bool
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if err == redis.Nil {
			miss = true
			return nil
		}
		return err
	})
	if err == nil && miss {
		return redis.Nil
	}
	return err
}

// encodeVector packs float32s little-endian; 4 bytes per component.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
