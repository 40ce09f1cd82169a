package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/enrolid/backend/internal/clock"
	"github.com/enrolid/backend/internal/metrics"
)

// Webhook delivery tuning.
const (
	deliveryAttempts   = 3
	deliveryBackoff    = 2 * time.Second // doubled per attempt
	deliveryTimeout    = 10 * time.Second
	dispatchBuffer     = 1000
	signatureHeader    = "X-Enrolid-Signature"
	eventHeader        = "X-Enrolid-Event"
	deliveryIDHeader   = "X-Enrolid-Delivery"
	defaultDispatchers = 4
)

// successCodes are the response codes counted as delivered.
var successCodes = map[int]bool{200: true, 201: true, 202: true, 204: true}

// Endpoint is one registered webhook consumer.
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"` // empty = all
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func (e *Endpoint) wants(event string) bool {
	if !e.Active {
		return false
	}
	if len(e.Events) == 0 {
		return true
	}
	for _, ev := range e.Events {
		if ev == event {
			return true
		}
	}
	return false
}

// Event is the payload posted to endpoints.
type Event struct {
	Event         string      `json:"event"`
	ApplicationID string      `json:"application_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Data          interface{} `json:"data,omitempty"`
}

// DeliveryStats counts dispatcher outcomes.
type DeliveryStats struct {
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

type delivery struct {
	endpoint Endpoint
	event    Event
	id       string
}

// Dispatcher posts events to registered endpoints from a worker pool.
// Delivery is at-most-once per endpoint with bounded retries; a full
// queue drops rather than blocks the caller.
type Dispatcher struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	queue   chan delivery
	client  *http.Client
	ids     clock.IDGenerator
	logger  *log.Logger
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	statsMu sync.Mutex
	stats   DeliveryStats
}

// NewDispatcher creates a dispatcher with the given worker count
// (<=0 means defaultDispatchers).
func NewDispatcher(workers int, ids clock.IDGenerator) *Dispatcher {
	if workers <= 0 {
		workers = defaultDispatchers
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		endpoints: make(map[string]*Endpoint),
		queue:     make(chan delivery, dispatchBuffer),
		client:    &http.Client{Timeout: deliveryTimeout},
		ids:       ids,
		logger:    log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
		cancel:    cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	return d
}

// Stop shuts the workers down; deliveries in flight finish their current
// attempt, queued ones are discarded.
func (d *Dispatcher) Stop() {
	d.cancel()
	close(d.queue)
	d.wg.Wait()
}

// Register adds or replaces an endpoint and returns its id.
func (d *Dispatcher) Register(ep Endpoint) string {
	if ep.ID == "" {
		ep.ID = d.ids.NewID()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	d.mu.Lock()
	d.endpoints[ep.ID] = &ep
	d.mu.Unlock()
	return ep.ID
}

// Unregister removes an endpoint; returns false when unknown.
func (d *Dispatcher) Unregister(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.endpoints[id]; !ok {
		return false
	}
	delete(d.endpoints, id)
	return true
}

// Endpoints lists registered endpoints.
func (d *Dispatcher) Endpoints() []Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		out = append(out, *ep)
	}
	return out
}

// Stats returns a copy of the delivery counters.
func (d *Dispatcher) Stats() DeliveryStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// Emit fans the event out to every matching endpoint.
func (d *Dispatcher) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	d.mu.RLock()
	targets := make([]Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		if ep.wants(ev.Event) {
			targets = append(targets, *ep)
		}
	}
	d.mu.RUnlock()

	for _, ep := range targets {
		del := delivery{endpoint: ep, event: ev, id: d.ids.NewID()}
		select {
		case d.queue <- del:
			d.count(func(s *DeliveryStats) { s.Enqueued++ })
		default:
			d.count(func(s *DeliveryStats) { s.Dropped++ })
			metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
			d.logger.Printf("queue full, dropped %s for %s", ev.Event, ep.URL)
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for del := range d.queue {
		if ctx.Err() != nil {
			return
		}
		if d.deliver(ctx, del) {
			d.count(func(s *DeliveryStats) { s.Delivered++ })
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		} else {
			d.count(func(s *DeliveryStats) { s.Failed++ })
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		}
	}
}

// deliver attempts the POST up to deliveryAttempts times with doubling
// backoff between attempts.
func (d *Dispatcher) deliver(ctx context.Context, del delivery) bool {
	body, err := json.Marshal(del.event)
	if err != nil {
		d.logger.Printf("marshal event %s: %v", del.event.Event, err)
		return false
	}

	backoff := deliveryBackoff
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		if err := d.post(ctx, del, body); err == nil {
			return true
		} else {
			d.logger.Printf("delivery %s to %s attempt %d/%d failed: %v",
				del.id, del.endpoint.URL, attempt, deliveryAttempts, err)
		}

		if attempt == deliveryAttempts {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return false
		}
	}
	return false
}

func (d *Dispatcher) post(ctx context.Context, del delivery, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, del.event.Event)
	req.Header.Set(deliveryIDHeader, del.id)
	if del.endpoint.Secret != "" {
		req.Header.Set(signatureHeader, Sign(del.endpoint.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !successCodes[resp.StatusCode] {
		return fmt.Errorf("unexpected status %s", strconv.Itoa(resp.StatusCode))
	}
	return nil
}

func (d *Dispatcher) count(fn func(*DeliveryStats)) {
	d.statsMu.Lock()
	fn(&d.stats)
	d.statsMu.Unlock()
}

// Sign computes the hex HMAC-SHA256 of the payload under the endpoint
// secret, prefixed with the scheme so it can be rotated later.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the payload.
func Verify(secret string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(signature))
}
