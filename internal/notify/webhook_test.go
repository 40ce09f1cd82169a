package notify

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enrolid/backend/internal/clock"
)

type received struct {
	body      []byte
	event     string
	signature string
	delivery  string
}

// capture records deliveries and answers with the given status.
func capture(t *testing.T, status int) (*httptest.Server, func() []received) {
	t.Helper()
	var mu sync.Mutex
	var got []received

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mu.Lock()
		got = append(got, received{
			body:      body,
			event:     r.Header.Get("X-Enrolid-Event"),
			signature: r.Header.Get("X-Enrolid-Signature"),
			delivery:  r.Header.Get("X-Enrolid-Delivery"),
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		out := make([]received, len(got))
		copy(out, got)
		return out
	}
}

func TestEmitDeliversSignedPayload(t *testing.T) {
	srv, deliveries := capture(t, http.StatusOK)

	d := NewDispatcher(1, clock.UUIDGenerator{})
	defer d.Stop()

	d.Register(Endpoint{URL: srv.URL, Secret: "shh", Active: true})
	d.Emit(Event{Event: "application.completed", ApplicationID: "app-1"})

	require.Eventually(t, func() bool {
		return len(deliveries()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := deliveries()[0]
	assert.Equal(t, "application.completed", got.event)
	assert.NotEmpty(t, got.delivery)
	assert.True(t, Verify("shh", got.body, got.signature))
	assert.False(t, Verify("wrong", got.body, got.signature))

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Enqueued)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestEndpointEventFiltering(t *testing.T) {
	srv, deliveries := capture(t, http.StatusNoContent)

	d := NewDispatcher(1, clock.UUIDGenerator{})
	defer d.Stop()

	d.Register(Endpoint{URL: srv.URL, Active: true, Events: []string{"application.rejected"}})
	d.Emit(Event{Event: "application.completed", ApplicationID: "app-1"})
	d.Emit(Event{Event: "application.rejected", ApplicationID: "app-2"})

	require.Eventually(t, func() bool {
		return len(deliveries()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "application.rejected", deliveries()[0].event)
	assert.Equal(t, uint64(1), d.Stats().Enqueued)
}

func TestInactiveEndpointIsSkipped(t *testing.T) {
	srv, deliveries := capture(t, http.StatusOK)

	d := NewDispatcher(1, clock.UUIDGenerator{})
	defer d.Stop()

	d.Register(Endpoint{URL: srv.URL, Active: false})
	d.Emit(Event{Event: "application.completed", ApplicationID: "app-1"})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, deliveries())
	assert.Equal(t, uint64(0), d.Stats().Enqueued)
}

func TestRegisterAndUnregister(t *testing.T) {
	d := NewDispatcher(1, clock.UUIDGenerator{})
	defer d.Stop()

	id := d.Register(Endpoint{URL: "https://example.com/hook", Active: true})
	require.NotEmpty(t, id)
	require.Len(t, d.Endpoints(), 1)
	assert.False(t, d.Endpoints()[0].CreatedAt.IsZero())

	assert.True(t, d.Unregister(id))
	assert.False(t, d.Unregister(id))
	assert.Empty(t, d.Endpoints())
}

func TestFailedDeliveryCountsAsFailed(t *testing.T) {
	attempted := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempted <- struct{}{}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	d := NewDispatcher(1, clock.UUIDGenerator{})
	d.Register(Endpoint{URL: srv.URL, Active: true})
	d.Emit(Event{Event: "application.completed", ApplicationID: "app-1"})

	select {
	case <-attempted:
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery attempt observed")
	}

	// Stop cancels the worker context, which cuts the retry backoff
	// short; the delivery is recorded as failed.
	done := make(chan struct{})
	go func() { d.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	assert.Equal(t, uint64(1), d.Stats().Failed)
}

func TestWantsMatching(t *testing.T) {
	ep := &Endpoint{Active: true}
	assert.True(t, ep.wants("anything"))

	ep.Events = []string{"application.completed"}
	assert.True(t, ep.wants("application.completed"))
	assert.False(t, ep.wants("application.rejected"))

	ep.Active = false
	assert.False(t, ep.wants("application.completed"))
}
