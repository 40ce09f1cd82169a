// Package queue implements the bounded in-process submission queue feeding
// the processor workers, with retry counters and in-flight tracking.
package queue

import (
	"errors"
	"log"
	"sync"
	"time"
)

// Common errors.
var (
	ErrFull             = errors.New("queue is full")
	ErrExhaustedRetries = errors.New("submission exhausted retries")
	ErrNotInFlight      = errors.New("submission not in flight")
)

// Submission is one queued unit of work.
type Submission struct {
	ApplicationID string
	PhotoBytes    []byte
	Format        string
	EnqueuedAt    time.Time
	RetryCount    int
}

// Queue is a bounded FIFO with one producer (the HTTP layer) and N consumer
// workers. All mutations are serialized under one mutex; Dequeue is
// non-blocking and callers poll with a small back-off.
type Queue struct {
	mu       sync.Mutex
	items    []*Submission
	inFlight map[string]*Submission
	capacity int
	logger   *log.Logger

	enqueued  int64
	completed int64
	failed    int64
}

// New creates a queue with the given capacity (default 10000).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Queue{
		inFlight: make(map[string]*Submission),
		capacity: capacity,
		logger:   log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
	}
}

// Enqueue appends a submission. Returns ErrFull at capacity.
func (q *Queue) Enqueue(s *Submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		q.logger.Printf("rejecting %s: queue full (%d)", s.ApplicationID, q.capacity)
		return ErrFull
	}
	if s.EnqueuedAt.IsZero() {
		s.EnqueuedAt = time.Now()
	}
	q.items = append(q.items, s)
	q.enqueued++
	return nil
}

// Dequeue pops the oldest submission and marks it in flight, or returns nil
// when the queue is empty.
func (q *Queue) Dequeue() *Submission {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	s := q.items[0]
	q.items = q.items[1:]
	q.inFlight[s.ApplicationID] = s
	return s
}

// MarkComplete removes a submission from the in-flight set.
func (q *Queue) MarkComplete(applicationID string, success bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[applicationID]; !ok {
		return ErrNotInFlight
	}
	delete(q.inFlight, applicationID)
	if success {
		q.completed++
	} else {
		q.failed++
	}
	return nil
}

// Requeue moves an in-flight submission back onto the queue with an
// incremented retry counter. Returns ErrExhaustedRetries past maxRetries,
// leaving the submission out of both the queue and the in-flight set.
func (q *Queue) Requeue(applicationID string, maxRetries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.inFlight[applicationID]
	if !ok {
		return ErrNotInFlight
	}
	delete(q.inFlight, applicationID)

	if s.RetryCount >= maxRetries {
		q.failed++
		return ErrExhaustedRetries
	}
	s.RetryCount++

	if len(q.items) >= q.capacity {
		q.failed++
		return ErrFull
	}
	q.items = append(q.items, s)
	return nil
}

// DrainInFlight re-enqueues every in-flight submission; used on clean
// shutdown so the next startup resumes orphaned work.
func (q *Queue) DrainInFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, s := range q.inFlight {
		delete(q.inFlight, id)
		if len(q.items) < q.capacity {
			q.items = append(q.items, s)
			n++
		}
	}
	if n > 0 {
		q.logger.Printf("re-enqueued %d in-flight submissions on shutdown", n)
	}
	return n
}

// Depth returns the number of queued (not in-flight) submissions.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InFlight returns the number of submissions currently processing.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// QueueStats is a point-in-time snapshot.
type QueueStats struct {
	Depth     int   `json:"depth"`
	InFlight  int   `json:"in_flight"`
	Capacity  int   `json:"capacity"`
	Enqueued  int64 `json:"enqueued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Stats returns queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:     len(q.items),
		InFlight:  len(q.inFlight),
		Capacity:  q.capacity,
		Enqueued:  q.enqueued,
		Completed: q.completed,
		Failed:    q.failed,
	}
}
