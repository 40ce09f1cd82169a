// Package dedup classifies a query embedding against all prior embeddings:
// ANN search, threshold filtering, confidence banding, and the borderline /
// ambiguity rules that route cases to manual review.
package dedup

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/enrolid/backend/internal/audit"
	"github.com/enrolid/backend/internal/core"
	"github.com/enrolid/backend/internal/vectorindex"
)

// Config holds the dedup thresholds.
type Config struct {
	// VerificationThreshold is τ: candidates below it are discarded.
	VerificationThreshold float64
	// HighBand is the cutoff for the HIGH confidence band.
	HighBand float64
	// BorderlineMargin is δ: a best score within ±δ of τ forces review.
	BorderlineMargin float64
	// TopK caps the candidate list fetched from the index.
	TopK int
}

// DefaultConfig returns τ=0.85, h=0.95, δ=0.02, top_k=10.
func DefaultConfig() Config {
	return Config{
		VerificationThreshold: 0.85,
		HighBand:              0.95,
		BorderlineMargin:      0.02,
		TopK:                  10,
	}
}

// Verdict is the outcome of a duplicate check.
type Verdict struct {
	IsDuplicate          bool         `json:"is_duplicate"`
	Band                 core.Band    `json:"band"`
	Matches              []core.Match `json:"matches"` // desc by score
	RequiresManualReview bool         `json:"requires_manual_review"`
	ReviewReason         string       `json:"review_reason,omitempty"`
}

// BestScore returns the top match score, or 0 for a unique verdict.
func (v *Verdict) BestScore() float64 {
	if len(v.Matches) == 0 {
		return 0
	}
	return v.Matches[0].Score
}

// Deduplicator runs the banding algorithm over the vector index.
type Deduplicator struct {
	cfg     Config
	index   *vectorindex.Index
	journal *audit.Journal
	logger  *log.Logger
}

// New creates a deduplicator.
func New(cfg Config, index *vectorindex.Index, journal *audit.Journal) *Deduplicator {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	return &Deduplicator{
		cfg:     cfg,
		index:   index,
		journal: journal,
		logger:  log.New(log.Writer(), "[DEDUP] ", log.LstdFlags),
	}
}

// Detect classifies the query vector. applicationID is used only for audit
// and log linkage and may be empty for ad-hoc comparisons. The call is
// deterministic: the same vector against an unchanged index yields an
// identical verdict.
func (d *Deduplicator) Detect(ctx context.Context, vector []float32, applicationID string) (*Verdict, error) {
	// Threshold filtering happens here, not in the index, so the band
	// computation sees the raw candidate ordering.
	results, err := d.index.Search(vector, d.cfg.TopK, 0)
	if err != nil {
		return nil, fmt.Errorf("index search: %w", err)
	}

	candidates := make([]core.Match, 0, len(results))
	for _, r := range results {
		if r.Similarity < d.cfg.VerificationThreshold {
			continue
		}
		candidates = append(candidates, core.Match{
			ApplicationID: r.ApplicationID,
			Score:         r.Similarity,
		})
	}

	v := &Verdict{Matches: candidates}
	if len(candidates) == 0 {
		v.Band = core.BandUnique
		d.emitAudit(ctx, applicationID, v)
		return v, nil
	}

	v.IsDuplicate = true
	best := candidates[0].Score
	switch {
	case best >= d.cfg.HighBand:
		v.Band = core.BandHigh
	default:
		v.Band = core.BandMedium
	}

	// Borderline: best within ±δ of τ.
	if math.Abs(best-d.cfg.VerificationThreshold) <= d.cfg.BorderlineMargin {
		v.RequiresManualReview = true
		v.ReviewReason = fmt.Sprintf("borderline match: score %.4f within ±%.3f of threshold %.3f",
			best, d.cfg.BorderlineMargin, d.cfg.VerificationThreshold)
	}

	// Ambiguous: two or more candidates in the high band.
	if !v.RequiresManualReview {
		high := 0
		for _, c := range candidates {
			if c.Score >= d.cfg.HighBand {
				high++
			}
		}
		if high >= 2 {
			v.RequiresManualReview = true
			v.ReviewReason = fmt.Sprintf("ambiguous match: %d candidates at or above %.3f", high, d.cfg.HighBand)
		}
	}

	d.emitAudit(ctx, applicationID, v)
	return v, nil
}

// BandFor returns the confidence band for a raw score under the configured
// thresholds; used by the review payload so clients agree on bands.
func (d *Deduplicator) BandFor(score float64) core.Band {
	switch {
	case score >= d.cfg.HighBand:
		return core.BandHigh
	case score >= d.cfg.VerificationThreshold:
		return core.BandMedium
	default:
		return core.BandLow
	}
}

// Borderline reports whether a score falls in the ±δ window around τ.
func (d *Deduplicator) Borderline(score float64) bool {
	return math.Abs(score-d.cfg.VerificationThreshold) <= d.cfg.BorderlineMargin
}

// Threshold exposes τ for the review payload.
func (d *Deduplicator) Threshold() float64 { return d.cfg.VerificationThreshold }

func (d *Deduplicator) emitAudit(ctx context.Context, applicationID string, v *Verdict) {
	if d.journal == nil || applicationID == "" {
		return
	}

	details := map[string]interface{}{
		"band":         string(v.Band),
		"is_duplicate": v.IsDuplicate,
		"candidates":   len(v.Matches),
	}
	if len(v.Matches) > 0 {
		details["best_score"] = v.Matches[0].Score
		details["matched_application_id"] = v.Matches[0].ApplicationID
	}
	if v.RequiresManualReview {
		details["review_reason"] = v.ReviewReason
	}

	if _, err := d.journal.Append(ctx, core.AuditEvent{
		Kind:         core.EventDuplicateDetected,
		ActorID:      "deduplicator",
		ActorKind:    core.ActorSystem,
		ResourceID:   applicationID,
		ResourceKind: "application",
		Action:       fmt.Sprintf("duplicate check: band=%s", v.Band),
		Details:      details,
		Success:      true,
	}); err != nil {
		d.logger.Printf("audit append failed for %s: %v", applicationID, err)
	}
}
