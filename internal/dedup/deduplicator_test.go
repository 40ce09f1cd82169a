package dedup

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enrolid/backend/internal/core"
	"github.com/enrolid/backend/internal/vectorindex"
)

func testIndex(t *testing.T) *vectorindex.Index {
	t.Helper()
	idx, err := vectorindex.New(vectorindex.Config{
		Dim:            8,
		NList:          4,
		NProbe:         2,
		TrainThreshold: 1 << 30, // exact search keeps scores deterministic
	})
	require.NoError(t, err)
	return idx
}

// withSimilarity returns a unit vector whose cosine against the first
// basis vector is exactly s.
func withSimilarity(s float64) []float32 {
	v := make([]float32, 8)
	v[0] = float32(s)
	v[1] = float32(math.Sqrt(1 - s*s))
	return v
}

func query() []float32 { return withSimilarity(1) }

func TestDetectUniqueOnEmptyIndex(t *testing.T) {
	d := New(DefaultConfig(), testIndex(t), nil)

	v, err := d.Detect(context.Background(), query(), "app-q")
	require.NoError(t, err)
	assert.False(t, v.IsDuplicate)
	assert.Equal(t, core.BandUnique, v.Band)
	assert.Empty(t, v.Matches)
	assert.False(t, v.RequiresManualReview)
	assert.Zero(t, v.BestScore())
}

func TestDetectDiscardsBelowThreshold(t *testing.T) {
	idx := testIndex(t)
	idx.Add("weak", withSimilarity(0.70))
	d := New(DefaultConfig(), idx, nil)

	v, err := d.Detect(context.Background(), query(), "app-q")
	require.NoError(t, err)
	assert.Equal(t, core.BandUnique, v.Band)
	assert.Empty(t, v.Matches)
}

func TestDetectHighBand(t *testing.T) {
	idx := testIndex(t)
	idx.Add("twin", withSimilarity(0.97))
	d := New(DefaultConfig(), idx, nil)

	v, err := d.Detect(context.Background(), query(), "app-q")
	require.NoError(t, err)
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, core.BandHigh, v.Band)
	assert.False(t, v.RequiresManualReview)
	assert.Equal(t, "twin", v.Matches[0].ApplicationID)
	assert.InDelta(t, 0.97, v.BestScore(), 1e-3)
}

func TestDetectMediumBand(t *testing.T) {
	idx := testIndex(t)
	idx.Add("lookalike", withSimilarity(0.90))
	d := New(DefaultConfig(), idx, nil)

	v, err := d.Detect(context.Background(), query(), "app-q")
	require.NoError(t, err)
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, core.BandMedium, v.Band)
	assert.False(t, v.RequiresManualReview)
}

func TestDetectBorderlineForcesReview(t *testing.T) {
	idx := testIndex(t)
	idx.Add("edge", withSimilarity(0.86))
	d := New(DefaultConfig(), idx, nil)

	v, err := d.Detect(context.Background(), query(), "app-q")
	require.NoError(t, err)
	assert.True(t, v.IsDuplicate)
	assert.Equal(t, core.BandMedium, v.Band)
	assert.True(t, v.RequiresManualReview)
	assert.Contains(t, v.ReviewReason, "borderline")
}

func TestDetectAmbiguousHighCandidatesForceReview(t *testing.T) {
	idx := testIndex(t)
	idx.Add("first", withSimilarity(0.97))
	idx.Add("second", withSimilarity(0.96))
	d := New(DefaultConfig(), idx, nil)

	v, err := d.Detect(context.Background(), query(), "app-q")
	require.NoError(t, err)
	assert.Equal(t, core.BandHigh, v.Band)
	assert.True(t, v.RequiresManualReview)
	assert.Contains(t, v.ReviewReason, "ambiguous")
}

func TestDetectOrdersMatchesByScore(t *testing.T) {
	idx := testIndex(t)
	idx.Add("mid", withSimilarity(0.88))
	idx.Add("best", withSimilarity(0.99))
	idx.Add("low", withSimilarity(0.86))
	d := New(DefaultConfig(), idx, nil)

	v, err := d.Detect(context.Background(), query(), "app-q")
	require.NoError(t, err)
	require.Len(t, v.Matches, 3)
	assert.Equal(t, "best", v.Matches[0].ApplicationID)
	assert.Equal(t, "mid", v.Matches[1].ApplicationID)
	assert.Equal(t, "low", v.Matches[2].ApplicationID)
}

func TestDetectIsDeterministic(t *testing.T) {
	idx := testIndex(t)
	idx.Add("a", withSimilarity(0.91))
	idx.Add("b", withSimilarity(0.87))
	d := New(DefaultConfig(), idx, nil)

	first, err := d.Detect(context.Background(), query(), "app-q")
	require.NoError(t, err)
	second, err := d.Detect(context.Background(), query(), "app-q")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRaisingThresholdNeverAddsMatches(t *testing.T) {
	idx := testIndex(t)
	for i, s := range []float64{0.86, 0.90, 0.94, 0.97} {
		idx.Add(fmt.Sprintf("app-%d", i), withSimilarity(s))
	}

	prev := 1 << 30
	for _, tau := range []float64{0.85, 0.90, 0.95, 0.99} {
		cfg := DefaultConfig()
		cfg.VerificationThreshold = tau
		d := New(cfg, idx, nil)

		v, err := d.Detect(context.Background(), query(), "app-q")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(v.Matches), prev)
		prev = len(v.Matches)
	}
}

func TestBandForAndBorderline(t *testing.T) {
	d := New(DefaultConfig(), testIndex(t), nil)

	assert.Equal(t, core.BandHigh, d.BandFor(0.96))
	assert.Equal(t, core.BandMedium, d.BandFor(0.90))
	assert.Equal(t, core.BandLow, d.BandFor(0.50))

	assert.True(t, d.Borderline(0.85))
	assert.True(t, d.Borderline(0.87))
	assert.True(t, d.Borderline(0.83))
	assert.False(t, d.Borderline(0.88))
	assert.InDelta(t, 0.85, d.Threshold(), 1e-9)
}
