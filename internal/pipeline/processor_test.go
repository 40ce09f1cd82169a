package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enrolid/backend/internal/audit"
	"github.com/enrolid/backend/internal/blob"
	"github.com/enrolid/backend/internal/cache"
	"github.com/enrolid/backend/internal/circuitbreaker"
	"github.com/enrolid/backend/internal/clock"
	"github.com/enrolid/backend/internal/core"
	"github.com/enrolid/backend/internal/dedup"
	"github.com/enrolid/backend/internal/face"
	"github.com/enrolid/backend/internal/identity"
	"github.com/enrolid/backend/internal/notify"
	"github.com/enrolid/backend/internal/queue"
	"github.com/enrolid/backend/internal/retry"
	"github.com/enrolid/backend/internal/store"
	"github.com/enrolid/backend/internal/vectorindex"
)

type pipeFixture struct {
	proc     *Processor
	store    *store.Memory
	queue    *queue.Queue
	index    *vectorindex.Index
	sink     *retry.DeadLetterSink
	breakers *circuitbreaker.Manager
	cache    *cache.Local
	webhooks *notify.Dispatcher
	blobDir  string
}

func newPipeline(t *testing.T, analyzer face.Analyzer) *pipeFixture {
	t.Helper()

	mem := store.NewMemory()
	idx, err := vectorindex.New(vectorindex.Config{
		Dim:            core.EmbeddingDim,
		NList:          16,
		NProbe:         4,
		TrainThreshold: 1 << 30,
	})
	require.NoError(t, err)

	journal := audit.NewJournal(mem, clock.System{}, clock.UUIDGenerator{})
	sink := retry.NewDeadLetterSink(100)

	systemError := func(err error) bool {
		_, applicant := face.RejectionCode(err)
		return !applicant
	}
	breakers := circuitbreaker.NewManager(&circuitbreaker.Config{
		FailureThreshold: 100,
		OpenTimeout:      time.Minute,
		SuccessThreshold: 2,
		IsFailure:        systemError,
	})
	caller := &retry.Caller{
		Breakers: breakers,
		Policy: retry.Policy{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Base:         2,
			Retryable:    systemError,
		},
		Sink: sink,
	}

	if analyzer == nil {
		analyzer = face.NewStubAnalyzer(face.Gate{})
	}

	q := queue.New(100)
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.MaxRetries = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ShutdownGrace = 2 * time.Second

	blobDir := t.TempDir()
	blobs, err := blob.NewStore(blobDir)
	require.NoError(t, err)

	embCache := cache.NewLocal(time.Hour)
	webhooks := notify.NewDispatcher(1, clock.UUIDGenerator{})
	t.Cleanup(webhooks.Stop)

	proc := New(cfg, Deps{
		Queue:    q,
		Store:    mem,
		Blobs:    blobs,
		Cache:    embCache,
		Analyzer: analyzer,
		Dedup:    dedup.New(dedup.DefaultConfig(), idx, journal),
		Identity: identity.NewManager(mem, idx, journal, clock.System{}, clock.UUIDGenerator{}),
		Caller:   caller,
		Sink:     sink,
		Webhooks: webhooks,
		Journal:  journal,
		Clock:    clock.System{},
	})
	proc.Start()
	t.Cleanup(proc.Stop)

	return &pipeFixture{
		proc: proc, store: mem, queue: q, index: idx, sink: sink,
		breakers: breakers, cache: embCache, webhooks: webhooks, blobDir: blobDir,
	}
}

func (f *pipeFixture) submit(t *testing.T, id string, photo []byte, format string) {
	t.Helper()
	require.NoError(t, f.store.CreateApplication(context.Background(), &core.Application{
		ApplicationID: id,
		Applicant:     core.Applicant{FullName: "Jane Doe", DateOfBirth: "1990-01-01"},
		Processing:    core.Processing{Status: core.StatusPending, Stage: core.StageIngest},
		CreatedAt:     time.Now().UTC(),
	}))
	require.NoError(t, f.queue.Enqueue(&queue.Submission{
		ApplicationID: id,
		PhotoBytes:    photo,
		Format:        format,
	}))
}

func (f *pipeFixture) waitTerminal(t *testing.T, id string) *core.Application {
	t.Helper()
	var app *core.Application
	require.Eventually(t, func() bool {
		got, err := f.store.GetApplication(context.Background(), id)
		if err != nil {
			return false
		}
		app = got
		return app.Processing.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond, "application %s never reached a terminal status", id)
	return app
}

func TestPipelineUniqueApplicationVerified(t *testing.T) {
	f := newPipeline(t, nil)
	f.submit(t, "app-1", []byte("photograph of applicant one"), "jpeg")

	app := f.waitTerminal(t, "app-1")
	assert.Equal(t, core.StatusVerified, app.Processing.Status)
	assert.Equal(t, core.StageDone, app.Processing.Stage)
	assert.True(t, app.Processing.FaceDetected)
	assert.True(t, app.Processing.EmbeddingGenerated)
	assert.True(t, app.Processing.DuplicateCheckDone)
	assert.NotEmpty(t, app.Result.IdentityID)
	assert.False(t, app.Result.IsDuplicate)

	ident, err := f.store.GetIdentity(context.Background(), app.Result.IdentityID)
	require.NoError(t, err)
	assert.Equal(t, "app-1", ident.Anchor())

	_, err = f.store.GetEmbedding(context.Background(), "app-1")
	require.NoError(t, err)
	assert.True(t, f.index.Contains("app-1"))
}

func TestPipelineSamePhotoIsDuplicate(t *testing.T) {
	f := newPipeline(t, nil)
	photo := []byte("the very same photograph")

	f.submit(t, "app-1", photo, "jpeg")
	first := f.waitTerminal(t, "app-1")
	require.Equal(t, core.StatusVerified, first.Processing.Status)

	f.submit(t, "app-2", photo, "jpeg")
	second := f.waitTerminal(t, "app-2")

	assert.Equal(t, core.StatusDuplicate, second.Processing.Status)
	assert.True(t, second.Result.IsDuplicate)
	assert.Equal(t, first.Result.IdentityID, second.Result.IdentityID)
	require.NotEmpty(t, second.Result.Matches)
	assert.Equal(t, "app-1", second.Result.Matches[0].ApplicationID)
}

func TestPipelineEmptyPhotoRejected(t *testing.T) {
	f := newPipeline(t, nil)
	f.submit(t, "app-1", nil, "jpeg")

	app := f.waitTerminal(t, "app-1")
	assert.Equal(t, core.StatusRejected, app.Processing.Status)
	assert.Equal(t, string(core.ErrNoFace), app.Processing.ErrorCode)
	assert.NotEmpty(t, app.Processing.ErrorMessage)
	assert.NotNil(t, app.Processing.CompletedAt)

	// Applicant-attributable failures burn no retry budget.
	assert.Equal(t, 0, f.sink.Len())
}

func TestPipelineBadFormatRejected(t *testing.T) {
	f := newPipeline(t, nil)
	f.submit(t, "app-1", []byte("data"), "gif")

	app := f.waitTerminal(t, "app-1")
	assert.Equal(t, core.StatusRejected, app.Processing.Status)
	assert.Equal(t, string(core.ErrBadFormat), app.Processing.ErrorCode)
}

// brokenAnalyzer fails every detection with a non-applicant error.
type brokenAnalyzer struct{}

func (brokenAnalyzer) Detect(context.Context, []byte, string) (*face.Detection, error) {
	return nil, face.ErrEmbedding
}
func (brokenAnalyzer) Assess(context.Context, []byte, core.FaceBox) (*face.Quality, error) {
	return nil, face.ErrEmbedding
}
func (brokenAnalyzer) Embed(context.Context, []float32) ([]float32, error) {
	return nil, face.ErrEmbedding
}
func (brokenAnalyzer) EmbedBatch(context.Context, [][]float32) ([][]float32, error) {
	return nil, face.ErrEmbedding
}
func (brokenAnalyzer) ModelVersion() string { return "broken-v0" }

func TestPipelineSystemFailureExhaustsRetries(t *testing.T) {
	f := newPipeline(t, brokenAnalyzer{})
	f.submit(t, "app-1", []byte("a photograph"), "jpeg")

	app := f.waitTerminal(t, "app-1")
	assert.Equal(t, core.StatusFailed, app.Processing.Status)
	assert.Equal(t, string(core.ErrRetriesExhaust), app.Processing.ErrorCode)
	assert.NotNil(t, app.Processing.CompletedAt)

	letters := f.sink.Items()
	require.NotEmpty(t, letters)
	found := false
	for _, l := range letters {
		if l.Name == "pipeline" && l.ResourceID == "app-1" {
			found = true
		}
	}
	assert.True(t, found, "expected a pipeline dead letter for app-1")
}

// countingAnalyzer records how many times detection ran.
type countingAnalyzer struct {
	face.Analyzer
	detects atomic.Int64
}

func (c *countingAnalyzer) Detect(ctx context.Context, photo []byte, format string) (*face.Detection, error) {
	c.detects.Add(1)
	return c.Analyzer.Detect(ctx, photo, format)
}

func TestPipelineOpenBreakerFailsWithoutAnalyzer(t *testing.T) {
	analyzer := &countingAnalyzer{Analyzer: face.NewStubAnalyzer(face.Gate{})}
	f := newPipeline(t, analyzer)

	// Trip the analyzer breaker before anything is submitted.
	b := f.breakers.Get("face-analyzer")
	boom := errors.New("analyzer down")
	for i := 0; i < 100; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return boom })
	}
	require.Equal(t, circuitbreaker.StateOpen, b.State())

	f.submit(t, "app-1", []byte("a photograph"), "jpeg")
	app := f.waitTerminal(t, "app-1")

	assert.Equal(t, core.StatusFailed, app.Processing.Status)
	assert.Equal(t, string(core.ErrBreakerOpen), app.Processing.ErrorCode)
	assert.Zero(t, analyzer.detects.Load(), "the analyzer must not be invoked while the breaker is open")

	letters := f.sink.Items()
	require.NotEmpty(t, letters)
	assert.Equal(t, "breaker_open", letters[len(letters)-1].ErrorKind)
}

func TestPipelineRecoversAlreadyTerminalSubmission(t *testing.T) {
	f := newPipeline(t, nil)

	now := time.Now().UTC()
	require.NoError(t, f.store.CreateApplication(context.Background(), &core.Application{
		ApplicationID: "app-done",
		Applicant:     core.Applicant{FullName: "Jane Doe", DateOfBirth: "1990-01-01"},
		Processing: core.Processing{
			Status:      core.StatusVerified,
			Stage:       core.StageDone,
			CompletedAt: &now,
		},
		CreatedAt: now,
	}))
	require.NoError(t, f.queue.Enqueue(&queue.Submission{
		ApplicationID: "app-done",
		PhotoBytes:    []byte("photo"),
		Format:        "jpeg",
	}))

	// The duplicate delivery is acknowledged without reprocessing.
	require.Eventually(t, func() bool {
		s := f.queue.Stats()
		return s.Depth == 0 && s.InFlight == 0
	}, 5*time.Second, 10*time.Millisecond)

	app, err := f.store.GetApplication(context.Background(), "app-done")
	require.NoError(t, err)
	assert.Equal(t, core.StatusVerified, app.Processing.Status)
	assert.False(t, f.index.Contains("app-done"))
}

func TestPipelineIngestFailureIsTerminalNoRetry(t *testing.T) {
	f := newPipeline(t, nil)

	// A directory squatting on the blob path makes every write fail.
	require.NoError(t, os.MkdirAll(filepath.Join(f.blobDir, "app-1.jpg"), 0o700))

	f.submit(t, "app-1", []byte("a photograph"), "jpeg")
	app := f.waitTerminal(t, "app-1")

	assert.Equal(t, core.StatusFailed, app.Processing.Status)
	assert.Equal(t, string(core.ErrProcessingFailed), app.Processing.ErrorCode)
	assert.NotNil(t, app.Processing.CompletedAt)

	// The failure must not be requeued or dead-lettered.
	assert.Equal(t, 0, f.sink.Len())
	require.Eventually(t, func() bool {
		s := f.queue.Stats()
		return s.Depth == 0 && s.InFlight == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPipelineCachedVectorSkipsAnalyzer(t *testing.T) {
	// The analyzer fails everything, so success proves it was never asked.
	f := newPipeline(t, brokenAnalyzer{})

	vector := make([]float32, core.EmbeddingDim)
	vector[0] = 1
	require.NoError(t, f.cache.Set(context.Background(), "app-1", vector, time.Hour))

	f.submit(t, "app-1", []byte("a photograph"), "jpeg")
	app := f.waitTerminal(t, "app-1")

	assert.Equal(t, core.StatusVerified, app.Processing.Status)
	assert.True(t, app.Processing.FaceDetected)
	assert.True(t, app.Processing.EmbeddingGenerated)
	assert.Equal(t, 1.0, app.Processing.QualityScore)
	assert.True(t, f.index.Contains("app-1"))
}

func TestPipelineCompletionWebhookEvents(t *testing.T) {
	f := newPipeline(t, nil)

	var mu sync.Mutex
	received := make(map[string]bool)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received[r.Header.Get("X-Enrolid-Event")] = true
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f.webhooks.Register(notify.Endpoint{URL: srv.URL, Active: true})

	photo := []byte("the applicant photograph")
	f.submit(t, "app-1", photo, "jpeg")
	first := f.waitTerminal(t, "app-1")
	require.Equal(t, core.StatusVerified, first.Processing.Status)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received["application.approved"] && received["identity.created"]
	}, 5*time.Second, 10*time.Millisecond, "approval events never delivered")

	f.submit(t, "app-2", photo, "jpeg")
	second := f.waitTerminal(t, "app-2")
	require.Equal(t, core.StatusDuplicate, second.Processing.Status)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received["application.duplicate"] && received["duplicate.detected"]
	}, 5*time.Second, 10*time.Millisecond, "duplicate events never delivered")
}
