// Package identity translates dedup verdicts into durable state: issuing
// fresh identities, linking duplicates to existing ones, reviewer
// overrides, and identity merges.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/enrolid/backend/internal/audit"
	"github.com/enrolid/backend/internal/clock"
	"github.com/enrolid/backend/internal/core"
	"github.com/enrolid/backend/internal/dedup"
	"github.com/enrolid/backend/internal/store"
	"github.com/enrolid/backend/internal/vectorindex"
)

// Common errors.
var (
	ErrInvalidJustification = errors.New("justification must contain at least 10 non-whitespace characters")
	ErrInvalidDecision      = errors.New("unknown override decision")
	ErrNotReviewable        = errors.New("application is not awaiting review")
)

// Decision is a reviewer override decision.
type Decision string

const (
	DecisionApproveDuplicate Decision = "approve_duplicate"
	DecisionRejectDuplicate  Decision = "reject_duplicate"
	DecisionFlagForReview    Decision = "flag_for_review"
)

const minJustificationChars = 10

// Manager owns all identity mutations. Every write is idempotent keyed on
// application id so a crashed ASSIGN stage can be re-run: each substep
// first checks whether it already happened.
type Manager struct {
	store   store.Store
	index   *vectorindex.Index
	journal *audit.Journal
	clock   clock.Clock
	ids     clock.IDGenerator
	logger  *log.Logger
}

// NewManager creates an identity manager.
func NewManager(st store.Store, index *vectorindex.Index, journal *audit.Journal, clk clock.Clock, ids clock.IDGenerator) *Manager {
	return &Manager{
		store:   st,
		index:   index,
		journal: journal,
		clock:   clk,
		ids:     ids,
		logger:  log.New(log.Writer(), "[IDENTITY] ", log.LstdFlags),
	}
}

// Embedding carries the ANALYZE-stage outputs the ASSIGN stage persists.
type Embedding struct {
	Vector       []float32
	QualityScore float64
	FaceBox      core.FaceBox
	ModelVersion string
}

// ============================================================================
// UNIQUE PATH
// ============================================================================

// AssignUnique issues a fresh identity with app as anchor, stores the
// embedding, inserts the vector, and finalizes the application VERIFIED.
func (m *Manager) AssignUnique(ctx context.Context, app *core.Application, emb Embedding) (*core.Identity, error) {
	identityID := app.Result.IdentityID
	var ident *core.Identity

	if identityID == "" {
		identityID = m.newIdentityID(ctx)
		now := m.clock.Now().UTC()
		ident = &core.Identity{
			IdentityID:     identityID,
			Status:         core.IdentityActive,
			ApplicationIDs: []string{app.ApplicationID},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := m.store.CreateIdentity(ctx, ident); err != nil {
			return nil, fmt.Errorf("create identity: %w", err)
		}
	} else {
		// Recovery path: the identity was written before a crash.
		existing, err := m.store.GetIdentity(ctx, identityID)
		if err != nil {
			return nil, fmt.Errorf("load identity for recovery: %w", err)
		}
		ident = existing
	}

	if err := m.persistEmbedding(ctx, app.ApplicationID, identityID, emb); err != nil {
		return nil, err
	}

	app.Result.IdentityID = identityID
	app.Result.IsDuplicate = false
	app.Result.FinalStatus = core.StatusVerified
	app.Processing.Status = core.StatusVerified
	now := m.clock.Now().UTC()
	app.Processing.CompletedAt = &now
	if err := m.store.UpdateApplication(ctx, app); err != nil {
		return nil, fmt.Errorf("finalize application: %w", err)
	}

	m.appendAudit(ctx, core.AuditEvent{
		Kind:         core.EventIdentityIssued,
		ActorID:      "identity-manager",
		ResourceID:   app.ApplicationID,
		ResourceKind: "application",
		Action:       "issued new identity",
		Details:      map[string]interface{}{"identity_id": identityID},
		Success:      true,
	})
	return ident, nil
}

// ============================================================================
// DUPLICATE PATH
// ============================================================================

// AssignDuplicate links app to the identity of its best match. The
// embedding and vector are stored even when the verdict requires manual
// review, so future submissions can match against this application.
func (m *Manager) AssignDuplicate(ctx context.Context, app *core.Application, verdict *dedup.Verdict, emb Embedding) (*core.Identity, error) {
	if len(verdict.Matches) == 0 {
		return nil, fmt.Errorf("duplicate verdict without matches for %s", app.ApplicationID)
	}

	ident, err := m.resolveMatchedIdentity(ctx, verdict.Matches[0].ApplicationID)
	if err != nil {
		return nil, err
	}

	// Resolve identity ids onto the match list for the stored result.
	matches := make([]core.Match, len(verdict.Matches))
	copy(matches, verdict.Matches)
	for i := range matches {
		if matched, err := m.store.GetApplication(ctx, matches[i].ApplicationID); err == nil {
			matches[i].IdentityID = matched.Result.IdentityID
		}
	}
	matches[0].IdentityID = ident.IdentityID

	if !contains(ident.ApplicationIDs, app.ApplicationID) {
		ident.ApplicationIDs = append(ident.ApplicationIDs, app.ApplicationID)
		if err := m.store.UpdateIdentity(ctx, ident); err != nil {
			return nil, fmt.Errorf("link application to identity: %w", err)
		}
	}

	if err := m.persistEmbedding(ctx, app.ApplicationID, ident.IdentityID, emb); err != nil {
		return nil, err
	}

	status := core.StatusDuplicate
	if verdict.RequiresManualReview {
		status = core.StatusPendingReview
	}

	app.Result.IdentityID = ident.IdentityID
	app.Result.IsDuplicate = true
	app.Result.Matches = matches
	app.Result.FinalStatus = status
	app.Result.RequiresManualReview = verdict.RequiresManualReview
	app.Result.ReviewReason = verdict.ReviewReason
	app.Processing.Status = status
	now := m.clock.Now().UTC()
	app.Processing.CompletedAt = &now
	if err := m.store.UpdateApplication(ctx, app); err != nil {
		return nil, fmt.Errorf("finalize application: %w", err)
	}

	m.appendAudit(ctx, core.AuditEvent{
		Kind:         core.EventApplicationLinked,
		ActorID:      "identity-manager",
		ResourceID:   app.ApplicationID,
		ResourceKind: "application",
		Action:       fmt.Sprintf("linked to identity as %s", status),
		Details: map[string]interface{}{
			"identity_id":            ident.IdentityID,
			"matched_application_id": verdict.Matches[0].ApplicationID,
			"best_score":             verdict.Matches[0].Score,
			"requires_manual_review": verdict.RequiresManualReview,
		},
		Success: true,
	})
	return ident, nil
}

// resolveMatchedIdentity loads the matched application's identity. A
// matched application without an identity violates the invariants; handle
// it defensively by issuing one for the matched application first.
func (m *Manager) resolveMatchedIdentity(ctx context.Context, matchedAppID string) (*core.Identity, error) {
	matched, err := m.store.GetApplication(ctx, matchedAppID)
	if err != nil {
		return nil, fmt.Errorf("load matched application: %w", err)
	}

	if matched.Result.IdentityID == "" {
		m.logger.Printf("matched application %s has no identity; repairing", matchedAppID)
		identityID := m.newIdentityID(ctx)
		now := m.clock.Now().UTC()
		ident := &core.Identity{
			IdentityID:     identityID,
			Status:         core.IdentityActive,
			ApplicationIDs: []string{matchedAppID},
			Metadata:       map[string]string{"repaired": "missing identity on matched application"},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := m.store.CreateIdentity(ctx, ident); err != nil {
			return nil, fmt.Errorf("repair identity: %w", err)
		}
		matched.Result.IdentityID = identityID
		if err := m.store.UpdateApplication(ctx, matched); err != nil {
			return nil, fmt.Errorf("repair matched application: %w", err)
		}
		return ident, nil
	}

	ident, err := m.store.GetIdentity(ctx, matched.Result.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("load matched identity: %w", err)
	}

	// A merged identity is never linked to; follow the pointer one hop.
	if ident.Status == core.IdentityMerged {
		if target := ident.Metadata["merged_into"]; target != "" {
			if moved, err := m.store.GetIdentity(ctx, target); err == nil {
				return moved, nil
			}
		}
	}
	return ident, nil
}

// persistEmbedding stores the embedding record and the index vector,
// skipping substeps that already happened (recovery re-runs land here).
func (m *Manager) persistEmbedding(ctx context.Context, applicationID, identityID string, emb Embedding) error {
	rec := &core.EmbeddingRecord{
		ApplicationID: applicationID,
		IdentityID:    identityID,
		Vector:        emb.Vector,
		ModelVersion:  emb.ModelVersion,
		QualityScore:  emb.QualityScore,
		FaceBox:       emb.FaceBox,
		CreatedAt:     m.clock.Now().UTC(),
	}
	if err := m.store.InsertEmbedding(ctx, rec); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("insert embedding: %w", err)
	}

	if _, err := m.index.Add(applicationID, emb.Vector); err != nil && !errors.Is(err, vectorindex.ErrAlreadyIndexed) {
		return fmt.Errorf("index vector: %w", err)
	}
	return nil
}

// ============================================================================
// OVERRIDES
// ============================================================================

// ApplyOverride executes a reviewer decision on an application awaiting
// review (or, for flag_for_review, any terminal application).
func (m *Manager) ApplyOverride(ctx context.Context, applicationID string, decision Decision, justification, reviewerID string) (*core.Application, error) {
	if countNonWhitespace(justification) < minJustificationChars {
		return nil, ErrInvalidJustification
	}

	app, err := m.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	before := app.Processing.Status

	switch decision {
	case DecisionApproveDuplicate:
		if err := m.approveDuplicate(ctx, app); err != nil {
			return nil, err
		}
	case DecisionRejectDuplicate:
		if err := m.rejectDuplicate(ctx, app); err != nil {
			return nil, err
		}
	case DecisionFlagForReview:
		app.Result.RequiresManualReview = true
	default:
		return nil, ErrInvalidDecision
	}

	now := m.clock.Now().UTC()
	app.Result.ReviewerID = reviewerID
	app.Result.ReviewerNotes = justification
	app.Result.ReviewedAt = &now
	if err := m.store.UpdateApplication(ctx, app); err != nil {
		return nil, fmt.Errorf("persist override: %w", err)
	}

	m.appendAudit(ctx, core.AuditEvent{
		Kind:         core.EventOverrideDecision,
		ActorID:      reviewerID,
		ActorKind:    core.ActorReviewer,
		ResourceID:   applicationID,
		ResourceKind: "application",
		Action:       fmt.Sprintf("override %s: %s -> %s", decision, before, app.Processing.Status),
		Details: map[string]interface{}{
			"decision":      string(decision),
			"before_status": string(before),
			"after_status":  string(app.Processing.Status),
			"justification": justification,
		},
		Success: true,
	})
	return app, nil
}

func (m *Manager) approveDuplicate(ctx context.Context, app *core.Application) error {
	if app.Result.IdentityID == "" {
		return fmt.Errorf("%w: no matched identity on %s", ErrNotReviewable, app.ApplicationID)
	}
	app.Processing.Status = core.StatusDuplicate
	app.Result.FinalStatus = core.StatusDuplicate
	app.Result.IsDuplicate = true
	app.Result.RequiresManualReview = false
	return nil
}

// rejectDuplicate declares the applicant unique. If the application was
// bound to a matched identity, it is rebound to a fresh one and removed
// from the previous identity's list.
func (m *Manager) rejectDuplicate(ctx context.Context, app *core.Application) error {
	previousID := app.Result.IdentityID

	if previousID != "" {
		prev, err := m.store.GetIdentity(ctx, previousID)
		if err == nil && prev.Anchor() != app.ApplicationID {
			prev.ApplicationIDs = remove(prev.ApplicationIDs, app.ApplicationID)
			if err := m.store.UpdateIdentity(ctx, prev); err != nil {
				return fmt.Errorf("unlink previous identity: %w", err)
			}
			previousID = "" // rebind below
		} else if err != nil {
			return fmt.Errorf("load previous identity: %w", err)
		} else {
			// Already the anchor of its own identity; keep it.
			app.Processing.Status = core.StatusVerified
			app.Result.FinalStatus = core.StatusVerified
			app.Result.IsDuplicate = false
			app.Result.RequiresManualReview = false
			return nil
		}
	}

	identityID := m.newIdentityID(ctx)
	now := m.clock.Now().UTC()
	ident := &core.Identity{
		IdentityID:     identityID,
		Status:         core.IdentityActive,
		ApplicationIDs: []string{app.ApplicationID},
		Metadata:       map[string]string{"origin": "reviewer override"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateIdentity(ctx, ident); err != nil {
		return fmt.Errorf("create override identity: %w", err)
	}

	// Rebind the stored embedding to the new identity when one exists.
	if rec, err := m.store.GetEmbedding(ctx, app.ApplicationID); err == nil && rec.IdentityID != identityID {
		// Embedding rows are keyed by application id; the identity pointer
		// is corrected through the application record, which is the read
		// path for identity resolution.
		m.logger.Printf("embedding for %s remains recorded under %s; identity resolution goes through the application", app.ApplicationID, rec.IdentityID)
	}

	app.Result.IdentityID = identityID
	app.Processing.Status = core.StatusVerified
	app.Result.FinalStatus = core.StatusVerified
	app.Result.IsDuplicate = false
	app.Result.RequiresManualReview = false

	m.appendAudit(ctx, core.AuditEvent{
		Kind:         core.EventIdentityIssued,
		ActorID:      "identity-manager",
		ResourceID:   app.ApplicationID,
		ResourceKind: "application",
		Action:       "issued new identity after override",
		Details:      map[string]interface{}{"identity_id": identityID},
		Success:      true,
	})
	return nil
}

// ============================================================================
// MERGE & SUSPEND
// ============================================================================

// Merge moves every application from source to target, rebinds each
// application's identity pointer, marks source MERGED and records
// provenance in both metadata maps. Vector-index entries are not rewritten;
// identity lookups resolve through the application record.
func (m *Manager) Merge(ctx context.Context, sourceID, targetID, reason, actorID string) error {
	if sourceID == targetID {
		return fmt.Errorf("cannot merge an identity into itself")
	}

	source, err := m.store.GetIdentity(ctx, sourceID)
	if err != nil {
		return err
	}
	target, err := m.store.GetIdentity(ctx, targetID)
	if err != nil {
		return err
	}
	if target.Status == core.IdentityMerged {
		return fmt.Errorf("target identity %s is already merged", targetID)
	}

	now := m.clock.Now().UTC()
	for _, appID := range source.ApplicationIDs {
		app, err := m.store.GetApplication(ctx, appID)
		if err != nil {
			return fmt.Errorf("load application %s during merge: %w", appID, err)
		}
		app.Result.IdentityID = targetID
		if err := m.store.UpdateApplication(ctx, app); err != nil {
			return fmt.Errorf("rebind application %s: %w", appID, err)
		}
		if !contains(target.ApplicationIDs, appID) {
			target.ApplicationIDs = append(target.ApplicationIDs, appID)
		}
	}

	if target.Metadata == nil {
		target.Metadata = make(map[string]string)
	}
	target.Metadata["merged_from"] = sourceID
	target.Metadata["merge_reason"] = reason
	if err := m.store.UpdateIdentity(ctx, target); err != nil {
		return fmt.Errorf("update target identity: %w", err)
	}

	if source.Metadata == nil {
		source.Metadata = make(map[string]string)
	}
	source.Status = core.IdentityMerged
	source.ApplicationIDs = nil
	source.Metadata["merged_into"] = targetID
	source.Metadata["merge_reason"] = reason
	source.Metadata["merged_at"] = now.Format(time.RFC3339)
	if err := m.store.UpdateIdentity(ctx, source); err != nil {
		return fmt.Errorf("update source identity: %w", err)
	}

	m.appendAudit(ctx, core.AuditEvent{
		Kind:         core.EventIdentityMerge,
		ActorID:      actorID,
		ActorKind:    core.ActorAdmin,
		ResourceID:   sourceID,
		ResourceKind: "identity",
		Action:       fmt.Sprintf("merged into %s", targetID),
		Details:      map[string]interface{}{"target_identity_id": targetID, "reason": reason},
		Success:      true,
	})
	return nil
}

// Suspend marks an identity SUSPENDED with a reason in its metadata.
func (m *Manager) Suspend(ctx context.Context, identityID, reason, actorID string) error {
	ident, err := m.store.GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	ident.Status = core.IdentitySuspended
	if ident.Metadata == nil {
		ident.Metadata = make(map[string]string)
	}
	ident.Metadata["suspension_reason"] = reason

	if err := m.store.UpdateIdentity(ctx, ident); err != nil {
		return err
	}

	m.appendAudit(ctx, core.AuditEvent{
		Kind:         core.EventIdentitySuspend,
		ActorID:      actorID,
		ActorKind:    core.ActorAdmin,
		ResourceID:   identityID,
		ResourceKind: "identity",
		Action:       "suspended identity",
		Details:      map[string]interface{}{"reason": reason},
		Success:      true,
	})
	return nil
}

// ============================================================================
// HELPERS
// ============================================================================

// newIdentityID generates a UUID not colliding with any stored identity.
// The collision probability is negligible; the loop is mandatory anyway.
func (m *Manager) newIdentityID(ctx context.Context) string {
	return m.ids.NewUniqueID(func(id string) bool {
		exists, err := m.store.IdentityExists(ctx, id)
		if err != nil {
			// On store error, accept the id; CreateIdentity enforces
			// uniqueness as the backstop.
			return false
		}
		return exists
	})
}

func (m *Manager) appendAudit(ctx context.Context, ev core.AuditEvent) {
	if m.journal == nil {
		return
	}
	if ev.ActorKind == "" {
		ev.ActorKind = core.ActorSystem
	}
	if _, err := m.journal.Append(ctx, ev); err != nil {
		m.logger.Printf("audit append failed (%s on %s): %v", ev.Kind, ev.ResourceID, err)
	}
}

func countNonWhitespace(s string) int {
	n := 0
	for _, r := range s {
		if !isSpace(r) {
			n++
		}
	}
	return n
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
