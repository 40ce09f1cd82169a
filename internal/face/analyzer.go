// Package face defines the FaceAnalyzer contract the pipeline consumes:
// detection, quality assessment and embedding extraction over a photograph,
// with typed failure kinds. Any CNN stack sits behind this interface; the
// service never depends on a specific model.
package face

import (
	"context"
	"errors"
	"fmt"

	"github.com/enrolid/backend/internal/core"
)

// Defaults for the quality gates.
const (
	DefaultMinFaceSize      = 80    // pixel floor for width and height
	DefaultBlurThreshold    = 100.0 // Laplacian variance floor
	DefaultQualityThreshold = 0.7   // overall floor
	blurNormDivisor         = 500.0
)

// ============================================================================
// TYPED FAILURES
// ============================================================================

// Typed failure kinds. Applicant-attributable ones map to terminal
// rejections; ErrEmbedding is system-attributable and retryable.
var (
	ErrNoFace        = errors.New("no face detected")
	ErrMultipleFaces = errors.New("multiple faces detected")
	ErrBadFormat     = errors.New("unsupported image format")
	ErrEmbedding     = errors.New("embedding extraction failed")
)

// FaceTooSmallError reports a detected face below the pixel floor.
type FaceTooSmallError struct {
	Width, Height, Min int
}

func (e *FaceTooSmallError) Error() string {
	return fmt.Sprintf("face too small: %dx%d (min %d)", e.Width, e.Height, e.Min)
}

// LowQualityError reports an overall quality score below the floor.
type LowQualityError struct {
	Overall, Threshold float64
}

func (e *LowQualityError) Error() string {
	return fmt.Sprintf("photo quality %.3f below threshold %.3f", e.Overall, e.Threshold)
}

// RejectionCode maps a typed analyzer failure to its edge error code, or
// ok=false when the error is not applicant-attributable.
func RejectionCode(err error) (core.ErrorCode, bool) {
	var tooSmall *FaceTooSmallError
	var lowQuality *LowQualityError
	switch {
	case errors.Is(err, ErrNoFace):
		return core.ErrNoFace, true
	case errors.Is(err, ErrMultipleFaces):
		return core.ErrMultipleFaces, true
	case errors.As(err, &lowQuality):
		return core.ErrLowQuality, true
	case errors.As(err, &tooSmall):
		return core.ErrFaceTooSmall, true
	case errors.Is(err, ErrBadFormat):
		return core.ErrBadFormat, true
	}
	return "", false
}

// ============================================================================
// CONTRACT
// ============================================================================

// Detection is the result of locating a face in a photograph.
type Detection struct {
	Box        core.FaceBox
	Confidence float64
	// FaceTensor is the cropped, model-ready face patch handed to Embed.
	FaceTensor []float32
}

// Quality holds the per-axis quality scalars. Blur is the raw Laplacian
// variance (unbounded); the rest are in [0,1].
type Quality struct {
	Blur     float64 `json:"blur"`
	BlurNorm float64 `json:"blur_norm"`
	Lighting float64 `json:"lighting"`
	Size     float64 `json:"size"`
	Overall  float64 `json:"overall"`
}

// Score computes the blended overall score: 0.5·blur_norm + 0.3·lighting +
// 0.2·size, with blur_norm = min(blur/500, 1).
func Score(blur, lighting, size float64) Quality {
	blurNorm := blur / blurNormDivisor
	if blurNorm > 1 {
		blurNorm = 1
	}
	return Quality{
		Blur:     blur,
		BlurNorm: blurNorm,
		Lighting: lighting,
		Size:     size,
		Overall:  0.5*blurNorm + 0.3*lighting + 0.2*size,
	}
}

// Analyzer is the uniform contract over the external detector + embedder.
type Analyzer interface {
	// Detect locates the single face in the image. Fails with ErrNoFace,
	// ErrMultipleFaces, FaceTooSmallError or ErrBadFormat.
	Detect(ctx context.Context, imageBytes []byte, format string) (*Detection, error)

	// Assess scores the photograph quality for the detected box. Fails with
	// LowQualityError when overall is below the configured floor; a
	// blur_norm below the blur floor fails regardless of the blend.
	Assess(ctx context.Context, imageBytes []byte, box core.FaceBox) (*Quality, error)

	// Embed produces the L2-normalized 512-dim vector for a face tensor.
	// Fails with ErrEmbedding.
	Embed(ctx context.Context, faceTensor []float32) ([]float32, error)

	// EmbedBatch is equivalent to N Embed calls but amortized.
	EmbedBatch(ctx context.Context, faceTensors [][]float32) ([][]float32, error)

	// ModelVersion identifies the embedding model for provenance.
	ModelVersion() string
}

// Gate holds the configured floors an Analyzer implementation enforces.
type Gate struct {
	MinFaceSize      int
	BlurThreshold    float64
	QualityThreshold float64
}

// DefaultGate returns the stock floors.
func DefaultGate() Gate {
	return Gate{
		MinFaceSize:      DefaultMinFaceSize,
		BlurThreshold:    DefaultBlurThreshold,
		QualityThreshold: DefaultQualityThreshold,
	}
}

// Check applies the gate to a detection + quality pair.
func (g Gate) Check(det *Detection, q *Quality) error {
	if det.Box.Width < g.MinFaceSize || det.Box.Height < g.MinFaceSize {
		return &FaceTooSmallError{Width: det.Box.Width, Height: det.Box.Height, Min: g.MinFaceSize}
	}
	if q.BlurNorm < g.BlurThreshold/blurNormDivisor {
		return &LowQualityError{Overall: q.Overall, Threshold: g.QualityThreshold}
	}
	if q.Overall < g.QualityThreshold {
		return &LowQualityError{Overall: q.Overall, Threshold: g.QualityThreshold}
	}
	return nil
}
