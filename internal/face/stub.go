package face

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/enrolid/backend/internal/core"
)

// StubAnalyzer is the deterministic analyzer used in dev mode and tests.
// The embedding is derived from a hash of the image bytes, so identical
// photographs always produce identical vectors and distinct photographs
// produce near-orthogonal ones.
type StubAnalyzer struct {
	gate Gate
}

// NewStubAnalyzer creates a stub with the given gate (zero value gets
// DefaultGate).
func NewStubAnalyzer(gate Gate) *StubAnalyzer {
	if gate.MinFaceSize == 0 {
		gate = DefaultGate()
	}
	return &StubAnalyzer{gate: gate}
}

func (s *StubAnalyzer) ModelVersion() string { return "stub-v1" }

func (s *StubAnalyzer) Detect(_ context.Context, imageBytes []byte, format string) (*Detection, error) {
	switch format {
	case "jpeg", "jpg", "png":
	default:
		return nil, ErrBadFormat
	}
	if len(imageBytes) == 0 {
		return nil, ErrNoFace
	}

	det := &Detection{
		Box:        core.FaceBox{X: 40, Y: 40, Width: 160, Height: 160},
		Confidence: 0.99,
		FaceTensor: hashTensor(imageBytes),
	}
	if err := checkBox(det.Box, s.gate.MinFaceSize); err != nil {
		return nil, err
	}
	return det, nil
}

func (s *StubAnalyzer) Assess(_ context.Context, _ []byte, _ core.FaceBox) (*Quality, error) {
	q := Score(400, 0.9, 0.8)
	if q.Overall < s.gate.QualityThreshold {
		return nil, &LowQualityError{Overall: q.Overall, Threshold: s.gate.QualityThreshold}
	}
	return &q, nil
}

func (s *StubAnalyzer) Embed(_ context.Context, faceTensor []float32) ([]float32, error) {
	if len(faceTensor) == 0 {
		return nil, ErrEmbedding
	}
	return expandToEmbedding(faceTensor), nil
}

func (s *StubAnalyzer) EmbedBatch(ctx context.Context, faceTensors [][]float32) ([][]float32, error) {
	out := make([][]float32, len(faceTensors))
	for i, t := range faceTensors {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func checkBox(box core.FaceBox, min int) error {
	if box.Width < min || box.Height < min {
		return &FaceTooSmallError{Width: box.Width, Height: box.Height, Min: min}
	}
	return nil
}

// hashTensor derives a small deterministic tensor from the image bytes.
func hashTensor(imageBytes []byte) []float32 {
	sum := sha256.Sum256(imageBytes)
	out := make([]float32, 8)
	for i := range out {
		bits := binary.LittleEndian.Uint32(sum[i*4:])
		out[i] = float32(bits%1000) / 1000
	}
	return out
}

// expandToEmbedding stretches the tensor into a unit 512-dim vector using a
// splitmix-style generator seeded from the tensor contents.
func expandToEmbedding(tensor []float32) []float32 {
	var seed uint64
	for _, f := range tensor {
		seed = seed*31 + uint64(math.Float32bits(f))
	}

	vec := make([]float32, core.EmbeddingDim)
	state := seed
	var norm float64
	for i := range vec {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31
		vec[i] = float32(z%2000)/1000 - 1
		norm += float64(vec[i]) * float64(vec[i])
	}

	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// Cosine returns the cosine similarity of two vectors clamped to [0,1].
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
