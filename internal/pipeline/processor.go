// Package pipeline runs the per-submission processing pipeline: INGEST,
// ANALYZE, DEDUP, ASSIGN. Each stage runs under its own timeout; external
// calls go through the resilient caller. A worker owns a submission from
// dequeue to terminal status, so no coordination is needed between workers
// for the same application.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/enrolid/backend/internal/audit"
	"github.com/enrolid/backend/internal/blob"
	"github.com/enrolid/backend/internal/cache"
	"github.com/enrolid/backend/internal/circuitbreaker"
	"github.com/enrolid/backend/internal/clock"
	"github.com/enrolid/backend/internal/core"
	"github.com/enrolid/backend/internal/dedup"
	"github.com/enrolid/backend/internal/face"
	"github.com/enrolid/backend/internal/identity"
	"github.com/enrolid/backend/internal/metrics"
	"github.com/enrolid/backend/internal/notify"
	"github.com/enrolid/backend/internal/queue"
	"github.com/enrolid/backend/internal/retry"
	"github.com/enrolid/backend/internal/store"
)

// Stage progress percentages pushed to subscribers.
const (
	progressStarted   = 10
	progressIngested  = 20
	progressDetected  = 30
	progressAssessed  = 50
	progressEmbedded  = 60
	progressDeduped   = 70
	progressAssigning = 80
	progressDone      = 100
)

// Config tunes the processor.
type Config struct {
	Workers       int
	MaxRetries    int // requeues per submission before FAILED
	PollInterval  time.Duration
	ShutdownGrace time.Duration

	IngestTimeout  time.Duration
	AnalyzeTimeout time.Duration
	DedupTimeout   time.Duration
	AssignTimeout  time.Duration

	CacheTTL time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		MaxRetries:     3,
		PollInterval:   100 * time.Millisecond,
		ShutdownGrace:  30 * time.Second,
		IngestTimeout:  5 * time.Second,
		AnalyzeTimeout: 10 * time.Second,
		DedupTimeout:   5 * time.Second,
		AssignTimeout:  5 * time.Second,
		CacheTTL:       time.Hour,
	}
}

// rejection is an applicant-attributable failure ending the run REJECTED.
type rejection struct {
	code core.ErrorCode
	err  error
}

func (r *rejection) Error() string { return fmt.Sprintf("%s: %v", r.code, r.err) }
func (r *rejection) Unwrap() error { return r.err }

// permanent is a system failure no retry can repair; the run ends FAILED
// immediately and an operator has to act.
type permanent struct {
	code core.ErrorCode
	err  error
}

func (p *permanent) Error() string { return fmt.Sprintf("%s: %v", p.code, p.err) }
func (p *permanent) Unwrap() error { return p.err }

// Processor drives submissions from the queue to a terminal status.
type Processor struct {
	cfg      Config
	queue    *queue.Queue
	store    store.Store
	blobs    *blob.Store
	cache    cache.EmbeddingCache
	analyzer face.Analyzer
	dedup    *dedup.Deduplicator
	identity *identity.Manager
	caller   *retry.Caller
	sink     *retry.DeadLetterSink
	hub      *notify.Hub
	webhooks *notify.Dispatcher
	journal  *audit.Journal
	clock    clock.Clock
	logger   *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the processor's collaborators.
type Deps struct {
	Queue    *queue.Queue
	Store    store.Store
	Blobs    *blob.Store
	Cache    cache.EmbeddingCache
	Analyzer face.Analyzer
	Dedup    *dedup.Deduplicator
	Identity *identity.Manager
	Caller   *retry.Caller
	Sink     *retry.DeadLetterSink
	Hub      *notify.Hub
	Webhooks *notify.Dispatcher
	Journal  *audit.Journal
	Clock    clock.Clock
}

// New creates a processor; call Start to launch the workers.
func New(cfg Config, deps Deps) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Processor{
		cfg:      cfg,
		queue:    deps.Queue,
		store:    deps.Store,
		blobs:    deps.Blobs,
		cache:    deps.Cache,
		analyzer: deps.Analyzer,
		dedup:    deps.Dedup,
		identity: deps.Identity,
		caller:   deps.Caller,
		sink:     deps.Sink,
		hub:      deps.Hub,
		webhooks: deps.Webhooks,
		journal:  deps.Journal,
		clock:    deps.Clock,
		logger:   log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// Start launches the worker pool.
func (p *Processor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Printf("started %d workers", p.cfg.Workers)
}

// Stop signals the workers, waits up to the shutdown grace, then drains
// any still-in-flight submissions back onto the queue for the next start.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		p.logger.Printf("shutdown grace expired with workers still busy")
	}
	p.queue.DrainInFlight()
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sub := p.queue.Dequeue()
		if sub == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		metrics.QueueDepth.Set(float64(p.queue.Depth()))
		metrics.InFlight.Set(float64(p.queue.InFlight()))
		p.process(ctx, sub)
		metrics.InFlight.Set(float64(p.queue.InFlight()))
	}
}

// process runs one submission to a terminal status, or requeues it on a
// retryable system failure.
func (p *Processor) process(ctx context.Context, sub *queue.Submission) {
	app, err := p.store.GetApplication(ctx, sub.ApplicationID)
	if err != nil {
		p.logger.Printf("load %s: %v", sub.ApplicationID, err)
		p.systemFailure(ctx, nil, sub, fmt.Errorf("load application: %w", err))
		return
	}
	if app.Processing.Status.Terminal() {
		// Recovered duplicate delivery; the work already finished.
		p.queue.MarkComplete(sub.ApplicationID, true)
		return
	}

	now := p.clock.Now().UTC()
	app.Processing.Status = core.StatusProcessing
	app.Processing.Stage = core.StageIngest
	app.Processing.StartedAt = &now
	if err := p.store.UpdateApplication(ctx, app); err != nil {
		p.systemFailure(ctx, app, sub, fmt.Errorf("mark processing: %w", err))
		return
	}
	p.pushProgress(app, progressStarted, "processing started")

	err = p.runStages(ctx, app, sub)
	switch {
	case err == nil:
		p.complete(app, sub)

	default:
		var rej *rejection
		if errors.As(err, &rej) {
			p.reject(ctx, app, sub, rej)
			return
		}
		var perm *permanent
		if errors.As(err, &perm) {
			p.permanentFailure(ctx, app, sub, perm)
			return
		}
		p.systemFailure(ctx, app, sub, err)
	}
}

func (p *Processor) runStages(ctx context.Context, app *core.Application, sub *queue.Submission) error {
	if err := p.stageIngest(ctx, app, sub); err != nil {
		return err
	}

	vector, quality, box, err := p.stageAnalyze(ctx, app, sub)
	if err != nil {
		return err
	}

	verdict, err := p.stageDedup(ctx, app, vector)
	if err != nil {
		return err
	}

	return p.stageAssign(ctx, app, verdict, identity.Embedding{
		Vector:       vector,
		QualityScore: quality.Overall,
		FaceBox:      box,
		ModelVersion: p.analyzer.ModelVersion(),
	})
}

// ============================================================================
// STAGES
// ============================================================================

func (p *Processor) stageIngest(ctx context.Context, app *core.Application, sub *queue.Submission) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.IngestTimeout)
	defer cancel()
	defer p.observeStage(core.StageIngest, p.clock.Now())

	// A blob write failure is not transient; requeueing it would burn the
	// retry budget against the same broken disk.
	path, err := p.blobs.Save(app.ApplicationID, sub.Format, sub.PhotoBytes)
	if err != nil {
		return &permanent{code: core.ErrProcessingFailed, err: fmt.Errorf("ingest: %w", err)}
	}

	app.Photo.StoragePath = path
	app.Photo.Format = sub.Format
	app.Photo.ByteSize = int64(len(sub.PhotoBytes))
	app.Photo.IngestedAt = p.clock.Now().UTC()
	app.Processing.Stage = core.StageAnalyze
	if err := p.store.UpdateApplication(ctx, app); err != nil {
		return fmt.Errorf("ingest: persist: %w", err)
	}

	p.pushProgress(app, progressIngested, "photo stored")
	return nil
}

// stageAnalyze detects the face, scores quality and extracts the
// embedding. The cache is consulted first: a hit on a reprocessed
// submission reuses the vector without touching the analyzer at all, so
// reprocessing survives an analyzer outage.
func (p *Processor) stageAnalyze(ctx context.Context, app *core.Application, sub *queue.Submission) ([]float32, *face.Quality, core.FaceBox, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AnalyzeTimeout)
	defer cancel()
	defer p.observeStage(core.StageAnalyze, p.clock.Now())

	if vector, ok := p.cache.Get(ctx, app.ApplicationID); ok {
		metrics.CacheOps.WithLabelValues("hit").Inc()
		return p.analyzeFromCache(ctx, app, vector)
	}
	metrics.CacheOps.WithLabelValues("miss").Inc()

	var det *face.Detection
	err := p.caller.Call(ctx, "face-analyzer", app.ApplicationID, func(ctx context.Context) error {
		var err error
		det, err = p.analyzer.Detect(ctx, sub.PhotoBytes, sub.Format)
		return err
	}, nil)
	if err != nil {
		if code, ok := face.RejectionCode(err); ok {
			return nil, nil, core.FaceBox{}, &rejection{code: code, err: err}
		}
		return nil, nil, core.FaceBox{}, fmt.Errorf("analyze: detect: %w", err)
	}

	app.Processing.FaceDetected = true
	p.appendAudit(ctx, app.ApplicationID, core.EventFaceDetected, "face detected", map[string]interface{}{
		"confidence": det.Confidence,
		"box_width":  det.Box.Width,
		"box_height": det.Box.Height,
	})
	p.pushProgress(app, progressDetected, "face detected")

	quality, err := p.analyzer.Assess(ctx, sub.PhotoBytes, det.Box)
	if err != nil {
		if code, ok := face.RejectionCode(err); ok {
			return nil, nil, core.FaceBox{}, &rejection{code: code, err: err}
		}
		return nil, nil, core.FaceBox{}, fmt.Errorf("analyze: assess: %w", err)
	}
	app.Processing.QualityScore = quality.Overall
	p.pushProgress(app, progressAssessed, "quality assessed")

	var vector []float32
	err = p.caller.Call(ctx, "face-analyzer", app.ApplicationID, func(ctx context.Context) error {
		var err error
		vector, err = p.analyzer.Embed(ctx, det.FaceTensor)
		return err
	}, nil)
	if err != nil {
		return nil, nil, core.FaceBox{}, fmt.Errorf("analyze: embed: %w", err)
	}
	if err := p.cache.Set(ctx, app.ApplicationID, vector, p.cfg.CacheTTL); err != nil {
		p.logger.Printf("cache set %s: %v", app.ApplicationID, err)
	}

	app.Processing.EmbeddingGenerated = true
	app.Processing.Stage = core.StageDedup
	if err := p.store.UpdateApplication(ctx, app); err != nil {
		return nil, nil, core.FaceBox{}, fmt.Errorf("analyze: persist: %w", err)
	}

	p.appendAudit(ctx, app.ApplicationID, core.EventEmbeddingGenerated, "embedding generated", map[string]interface{}{
		"model_version": p.analyzer.ModelVersion(),
		"cached":        false,
	})
	p.pushProgress(app, progressEmbedded, "embedding ready")
	return vector, quality, det.Box, nil
}

// analyzeFromCache completes ANALYZE from a cached vector. The box and
// quality pass through with overall fixed at 1.0; the original run
// already gated them.
func (p *Processor) analyzeFromCache(ctx context.Context, app *core.Application, vector []float32) ([]float32, *face.Quality, core.FaceBox, error) {
	quality := &face.Quality{Overall: 1.0}

	app.Processing.FaceDetected = true
	app.Processing.QualityScore = quality.Overall
	app.Processing.EmbeddingGenerated = true
	app.Processing.Stage = core.StageDedup
	if err := p.store.UpdateApplication(ctx, app); err != nil {
		return nil, nil, core.FaceBox{}, fmt.Errorf("analyze: persist: %w", err)
	}

	p.pushProgress(app, progressDetected, "face detected")
	p.pushProgress(app, progressAssessed, "quality assessed")
	p.appendAudit(ctx, app.ApplicationID, core.EventEmbeddingGenerated, "embedding reused from cache", map[string]interface{}{
		"model_version": p.analyzer.ModelVersion(),
		"cached":        true,
	})
	p.pushProgress(app, progressEmbedded, "embedding ready")
	return vector, quality, core.FaceBox{}, nil
}

func (p *Processor) stageDedup(ctx context.Context, app *core.Application, vector []float32) (*dedup.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DedupTimeout)
	defer cancel()
	defer p.observeStage(core.StageDedup, p.clock.Now())

	verdict, err := p.dedup.Detect(ctx, vector, app.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("dedup: %w", err)
	}
	metrics.DuplicateVerdicts.WithLabelValues(string(verdict.Band)).Inc()

	app.Processing.DuplicateCheckDone = true
	app.Processing.Stage = core.StageAssign
	if err := p.store.UpdateApplication(ctx, app); err != nil {
		return nil, fmt.Errorf("dedup: persist: %w", err)
	}

	p.pushProgress(app, progressDeduped, fmt.Sprintf("duplicate check done: %s", verdict.Band))
	return verdict, nil
}

func (p *Processor) stageAssign(ctx context.Context, app *core.Application, verdict *dedup.Verdict, emb identity.Embedding) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AssignTimeout)
	defer cancel()
	defer p.observeStage(core.StageAssign, p.clock.Now())

	p.pushProgress(app, progressAssigning, "assigning identity")

	var err error
	if verdict.IsDuplicate {
		_, err = p.identity.AssignDuplicate(ctx, app, verdict, emb)
	} else {
		_, err = p.identity.AssignUnique(ctx, app, emb)
	}
	if err != nil {
		return fmt.Errorf("assign: %w", err)
	}

	app.Processing.Stage = core.StageDone
	if err := p.store.UpdateApplication(ctx, app); err != nil {
		return fmt.Errorf("assign: persist: %w", err)
	}
	return nil
}

// ============================================================================
// OUTCOMES
// ============================================================================

func (p *Processor) complete(app *core.Application, sub *queue.Submission) {
	p.queue.MarkComplete(sub.ApplicationID, true)
	metrics.ProcessedTotal.WithLabelValues(string(app.Processing.Status)).Inc()

	payload := notify.ProgressPayload{
		Stage:    core.StageDone,
		Status:   app.Processing.Status,
		Progress: progressDone,
	}
	if p.hub != nil {
		p.hub.Publish(app.ApplicationID, notify.MsgProcessingComplete, payload)
	}
	if p.webhooks != nil {
		data := map[string]interface{}{
			"status":       string(app.Processing.Status),
			"identity_id":  app.Result.IdentityID,
			"is_duplicate": app.Result.IsDuplicate,
		}
		p.webhooks.Emit(notify.Event{
			Event:         statusEvent(app.Processing.Status),
			ApplicationID: app.ApplicationID,
			Data:          data,
		})
		companion := "identity.created"
		if app.Result.IsDuplicate {
			companion = "duplicate.detected"
		}
		p.webhooks.Emit(notify.Event{
			Event:         companion,
			ApplicationID: app.ApplicationID,
			Data:          data,
		})
	}
}

// statusEvent names the webhook event for a finished run.
func statusEvent(s core.Status) string {
	switch s {
	case core.StatusVerified:
		return "application.approved"
	case core.StatusDuplicate:
		return "application.duplicate"
	case core.StatusPendingReview:
		return "application.pending_review"
	}
	return "application.completed"
}

// reject ends the run with a terminal applicant-attributable status.
func (p *Processor) reject(ctx context.Context, app *core.Application, sub *queue.Submission, rej *rejection) {
	env := core.NewErrorEnvelope(rej.code, rej.err.Error())

	now := p.clock.Now().UTC()
	app.Processing.Status = core.StatusRejected
	app.Processing.ErrorCode = string(rej.code)
	app.Processing.ErrorMessage = env.UserMessage
	app.Processing.CompletedAt = &now
	app.Result.FinalStatus = core.StatusRejected
	if err := p.store.UpdateApplication(ctx, app); err != nil {
		p.logger.Printf("persist rejection for %s: %v", app.ApplicationID, err)
	}

	p.queue.MarkComplete(sub.ApplicationID, true)
	metrics.ProcessedTotal.WithLabelValues(string(core.StatusRejected)).Inc()
	p.appendAudit(ctx, app.ApplicationID, core.EventApplicationReject, "application rejected", map[string]interface{}{
		"error_code": string(rej.code),
		"reason":     rej.err.Error(),
	})

	if p.hub != nil {
		p.hub.Publish(app.ApplicationID, notify.MsgProcessingError, map[string]interface{}{
			"status":       string(core.StatusRejected),
			"error_code":   string(rej.code),
			"user_message": env.UserMessage,
		})
	}
	if p.webhooks != nil {
		p.webhooks.Emit(notify.Event{
			Event:         "application.rejected",
			ApplicationID: app.ApplicationID,
			Data:          map[string]interface{}{"error_code": string(rej.code)},
		})
	}
}

// permanentFailure ends the run FAILED without touching the requeue
// budget; the cause needs operator action, not another attempt.
func (p *Processor) permanentFailure(ctx context.Context, app *core.Application, sub *queue.Submission, perm *permanent) {
	p.logger.Printf("permanent failure for %s: %v", sub.ApplicationID, perm.err)

	env := core.NewErrorEnvelope(perm.code, perm.err.Error())
	now := p.clock.Now().UTC()
	app.Processing.Status = core.StatusFailed
	app.Processing.ErrorCode = string(perm.code)
	app.Processing.ErrorMessage = env.UserMessage
	app.Processing.CompletedAt = &now
	app.Result.FinalStatus = core.StatusFailed
	if err := p.store.UpdateApplication(ctx, app); err != nil {
		p.logger.Printf("persist failure for %s: %v", app.ApplicationID, err)
	}

	p.queue.MarkComplete(sub.ApplicationID, true)
	metrics.ProcessedTotal.WithLabelValues(string(core.StatusFailed)).Inc()
	p.appendAudit(ctx, app.ApplicationID, core.EventProcessingFailed, "processing failed permanently", map[string]interface{}{
		"error_code": string(perm.code),
		"error":      perm.err.Error(),
		"stage":      string(app.Processing.Stage),
	})

	if p.hub != nil {
		p.hub.Publish(app.ApplicationID, notify.MsgProcessingError, map[string]interface{}{
			"status":       string(core.StatusFailed),
			"error_code":   string(perm.code),
			"user_message": env.UserMessage,
		})
	}
	if p.webhooks != nil {
		p.webhooks.Emit(notify.Event{
			Event:         "application.failed",
			ApplicationID: sub.ApplicationID,
			Data:          map[string]interface{}{"error_code": string(perm.code)},
		})
	}
}

// systemFailure requeues a retryable failure, or marks the application
// FAILED once the requeue budget is spent.
func (p *Processor) systemFailure(ctx context.Context, app *core.Application, sub *queue.Submission, cause error) {
	err := p.queue.Requeue(sub.ApplicationID, p.cfg.MaxRetries)
	if err == nil {
		p.logger.Printf("requeued %s (attempt %d): %v", sub.ApplicationID, sub.RetryCount, cause)
		if app != nil && p.hub != nil {
			p.hub.Publish(app.ApplicationID, notify.MsgProcessingUpdate, map[string]interface{}{
				"status":  string(core.StatusPending),
				"message": "transient failure, retrying",
			})
		}
		return
	}
	if !errors.Is(err, queue.ErrExhaustedRetries) && !errors.Is(err, queue.ErrFull) {
		p.logger.Printf("requeue %s: %v", sub.ApplicationID, err)
	}

	// A run that dies against an open breaker is reported as unavailable,
	// not as a spent retry budget.
	code := core.ErrRetriesExhaust
	kind := "retry_exhausted"
	if errors.Is(cause, circuitbreaker.ErrOpen) {
		code = core.ErrBreakerOpen
		kind = "breaker_open"
	}

	metrics.ProcessedTotal.WithLabelValues(string(core.StatusFailed)).Inc()
	metrics.DeadLetters.WithLabelValues("pipeline").Inc()
	if p.sink != nil {
		p.sink.Deposit(retry.DeadLetter{
			Name:       "pipeline",
			ResourceID: sub.ApplicationID,
			ErrorKind:  kind,
			Error:      cause.Error(),
			Attempts:   sub.RetryCount + 1,
		})
	}

	if app == nil {
		loaded, loadErr := p.store.GetApplication(ctx, sub.ApplicationID)
		if loadErr != nil {
			p.logger.Printf("cannot mark %s failed: %v", sub.ApplicationID, loadErr)
			return
		}
		app = loaded
	}

	env := core.NewErrorEnvelope(code, cause.Error())
	now := p.clock.Now().UTC()
	app.Processing.Status = core.StatusFailed
	app.Processing.ErrorCode = string(code)
	app.Processing.ErrorMessage = env.UserMessage
	app.Processing.CompletedAt = &now
	app.Result.FinalStatus = core.StatusFailed
	if err := p.store.UpdateApplication(ctx, app); err != nil {
		p.logger.Printf("persist failure for %s: %v", app.ApplicationID, err)
	}

	p.appendAudit(ctx, app.ApplicationID, core.EventProcessingFailed, "processing failed after retries", map[string]interface{}{
		"error":    cause.Error(),
		"attempts": sub.RetryCount + 1,
	})

	if p.hub != nil {
		p.hub.Publish(app.ApplicationID, notify.MsgProcessingError, map[string]interface{}{
			"status":       string(core.StatusFailed),
			"error_code":   string(code),
			"user_message": env.UserMessage,
		})
	}
	if p.webhooks != nil {
		p.webhooks.Emit(notify.Event{
			Event:         "application.failed",
			ApplicationID: sub.ApplicationID,
			Data:          map[string]interface{}{"error_code": string(code)},
		})
	}
}

// ============================================================================
// HELPERS
// ============================================================================

func (p *Processor) pushProgress(app *core.Application, progress int, message string) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(app.ApplicationID, notify.MsgProcessingUpdate, notify.ProgressPayload{
		Stage:    app.Processing.Stage,
		Status:   app.Processing.Status,
		Progress: progress,
		Message:  message,
	})
}

func (p *Processor) observeStage(stage core.Stage, started time.Time) {
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(p.clock.Since(started).Seconds())
}

func (p *Processor) appendAudit(ctx context.Context, applicationID string, kind core.EventKind, action string, details map[string]interface{}) {
	if p.journal == nil {
		return
	}
	if _, err := p.journal.Append(ctx, core.AuditEvent{
		Kind:         kind,
		ActorID:      "pipeline",
		ActorKind:    core.ActorSystem,
		ResourceID:   applicationID,
		ResourceKind: "application",
		Action:       action,
		Details:      details,
		Success:      true,
	}); err != nil {
		p.logger.Printf("audit append failed (%s on %s): %v", kind, applicationID, err)
	}
}
