// Package vectorindex implements the persistent ANN index over unit-norm
// 512-dim face embeddings. Below the training threshold it searches
// exhaustively; above it, an inverted-file (IVF) structure with nlist
// clusters and an nprobe search width trades recall for latency.
//
// Similarity is cosine clamped to [0,1]. For unit vectors the internal L2
// distance relates to cosine by similarity = 1 - distance²/2.
package vectorindex

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
)

// Common errors.
var (
	ErrAlreadyIndexed = errors.New("application already indexed")
	ErrNotIndexed     = errors.New("application not indexed")
	ErrDimension      = errors.New("vector has wrong dimension")
)

// SearchResult is one candidate returned by Search, ordered by similarity.
type SearchResult struct {
	ApplicationID string  `json:"application_id"`
	Similarity    float64 `json:"similarity"` // cosine, clamped [0,1]
	Distance      float64 `json:"distance"`   // squared L2
}

// Config holds the index parameters.
type Config struct {
	Dim            int // embedding dimensionality (512)
	NList          int // IVF cluster count
	NProbe         int // clusters scanned per query
	TrainThreshold int // below this size search is always exact
	Dir            string // persistence directory ("" disables persistence)
}

// DefaultConfig returns the stock parameters.
func DefaultConfig(dir string) Config {
	return Config{
		Dim:            512,
		NList:          100,
		NProbe:         10,
		TrainThreshold: 100,
		Dir:            dir,
	}
}

// Index is the ANN index. A single lock serializes mutations (add, train,
// persistence); searches take the read lock so concurrent readers observe
// the index at a consistent generation.
type Index struct {
	mu  sync.RWMutex
	cfg Config

	// internal id -> vector; removed entries stay as tombstones (nil keeps
	// internal ids stable for the persisted mapping).
	vectors   [][]float32
	removed   map[int32]bool
	idToInt   map[string]int32
	intToID   []string
	liveCount int

	// IVF state; empty until trained.
	trained   bool
	centroids [][]float32
	lists     [][]int32 // posting lists of internal ids per centroid

	logger *log.Logger
}

// New creates an index. If cfg.Dir holds a previously persisted index and
// mapping that both parse, the index is loaded from them; otherwise a fresh
// one is created.
func New(cfg Config) (*Index, error) {
	if cfg.Dim <= 0 {
		cfg.Dim = 512
	}
	if cfg.NList <= 0 {
		cfg.NList = 100
	}
	if cfg.NProbe <= 0 {
		cfg.NProbe = 10
	}
	if cfg.TrainThreshold <= 0 {
		cfg.TrainThreshold = 100
	}

	idx := &Index{
		cfg:     cfg,
		removed: make(map[int32]bool),
		idToInt: make(map[string]int32),
		logger:  log.New(log.Writer(), "[VECTOR-INDEX] ", log.LstdFlags),
	}

	if cfg.Dir != "" {
		if err := idx.load(); err != nil {
			idx.logger.Printf("no usable persisted index in %s (%v), starting fresh", cfg.Dir, err)
		} else {
			idx.logger.Printf("loaded %d vectors (%d live, trained=%v)", len(idx.vectors), idx.liveCount, idx.trained)
		}
	}
	return idx, nil
}

// ============================================================================
// MUTATION
// ============================================================================

// Add inserts one (application_id, vector) pair and returns the internal id.
func (idx *Index) Add(applicationID string, vector []float32) (int32, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.addLocked(applicationID, vector)
}

// AddBatch inserts pairs in order. Already-indexed applications are skipped
// with a warning; the returned internal ids preserve the order of the
// successful inserts.
func (idx *Index) AddBatch(applicationIDs []string, vectors [][]float32) ([]int32, error) {
	if len(applicationIDs) != len(vectors) {
		return nil, fmt.Errorf("id/vector count mismatch: %d vs %d", len(applicationIDs), len(vectors))
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make([]int32, 0, len(applicationIDs))
	for i, id := range applicationIDs {
		internal, err := idx.addLocked(id, vectors[i])
		if errors.Is(err, ErrAlreadyIndexed) {
			idx.logger.Printf("batch add: skipping duplicate %s", id)
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, internal)
	}
	return out, nil
}

func (idx *Index) addLocked(applicationID string, vector []float32) (int32, error) {
	if len(vector) != idx.cfg.Dim {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vector), idx.cfg.Dim)
	}
	if _, exists := idx.idToInt[applicationID]; exists {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyIndexed, applicationID)
	}

	cp := make([]float32, len(vector))
	copy(cp, vector)

	internal := int32(len(idx.vectors))
	idx.vectors = append(idx.vectors, cp)
	idx.intToID = append(idx.intToID, applicationID)
	idx.idToInt[applicationID] = internal
	idx.liveCount++

	if idx.trained {
		c := idx.nearestCentroid(cp)
		idx.lists[c] = append(idx.lists[c], internal)
	} else if idx.liveCount >= idx.cfg.NList {
		// The un-trained pool becomes the training set.
		idx.train()
	}

	return internal, nil
}

// Remove tombstones an application's vector. The internal id is retained;
// full compaction is a maintenance operation, not part of Remove.
func (idx *Index) Remove(applicationID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	internal, exists := idx.idToInt[applicationID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotIndexed, applicationID)
	}
	if idx.removed[internal] {
		return nil
	}
	idx.removed[internal] = true
	idx.liveCount--
	return nil
}

// ============================================================================
// SEARCH
// ============================================================================

// Search returns up to k matches in descending similarity, filtered by
// threshold when threshold > 0. An empty index returns the empty list.
func (idx *Index) Search(vector []float32, k int, threshold float64) ([]SearchResult, error) {
	if len(vector) != idx.cfg.Dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vector), idx.cfg.Dim)
	}
	if k <= 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.liveCount == 0 {
		return []SearchResult{}, nil
	}

	var candidates []int32
	if idx.trained && idx.liveCount >= idx.cfg.TrainThreshold {
		candidates = idx.probe(vector)
	} else {
		candidates = idx.allLive()
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, internal := range candidates {
		if idx.removed[internal] {
			continue
		}
		d2 := sqDistance(vector, idx.vectors[internal])
		sim := clamp01(1 - d2/2)
		if threshold > 0 && sim < threshold {
			continue
		}
		results = append(results, SearchResult{
			ApplicationID: idx.intToID[internal],
			Similarity:    sim,
			Distance:      d2,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// SearchByID searches with an indexed application's own vector, removing
// the self-match from the results.
func (idx *Index) SearchByID(applicationID string, k int, threshold float64) ([]SearchResult, error) {
	vector, err := idx.Reconstruct(applicationID)
	if err != nil {
		return nil, err
	}

	results, err := idx.Search(vector, k+1, threshold)
	if err != nil {
		return nil, err
	}

	out := results[:0]
	for _, r := range results {
		if r.ApplicationID == applicationID {
			continue
		}
		out = append(out, r)
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Reconstruct returns a copy of the stored vector for an application.
func (idx *Index) Reconstruct(applicationID string) ([]float32, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	internal, exists := idx.idToInt[applicationID]
	if !exists || idx.removed[internal] {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexed, applicationID)
	}
	cp := make([]float32, idx.cfg.Dim)
	copy(cp, idx.vectors[internal])
	return cp, nil
}

// Contains reports whether an application has a live vector in the index.
func (idx *Index) Contains(applicationID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	internal, exists := idx.idToInt[applicationID]
	return exists && !idx.removed[internal]
}

// Size returns the number of live vectors.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.liveCount
}

// IndexStats is a point-in-time snapshot.
type IndexStats struct {
	Size       int  `json:"size"`
	Tombstones int  `json:"tombstones"`
	Trained    bool `json:"trained"`
	NList      int  `json:"nlist"`
	NProbe     int  `json:"nprobe"`
	Dim        int  `json:"dim"`
}

// Stats returns index statistics.
func (idx *Index) Stats() IndexStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return IndexStats{
		Size:       idx.liveCount,
		Tombstones: len(idx.removed),
		Trained:    idx.trained,
		NList:      idx.cfg.NList,
		NProbe:     idx.cfg.NProbe,
		Dim:        idx.cfg.Dim,
	}
}

// ============================================================================
// IVF INTERNALS
// ============================================================================

// probe gathers the posting lists of the nprobe nearest centroids. If the
// probed lists hold fewer live candidates than requested coverage, the scan
// widens until enough candidates exist or every list has been visited.
func (idx *Index) probe(vector []float32) []int32 {
	type centDist struct {
		c int
		d float64
	}
	dists := make([]centDist, len(idx.centroids))
	for c := range idx.centroids {
		dists[c] = centDist{c, sqDistance(vector, idx.centroids[c])}
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].d < dists[j].d })

	var out []int32
	for i := 0; i < len(dists); i++ {
		if i >= idx.cfg.NProbe && len(out) > 0 {
			break
		}
		out = append(out, idx.lists[dists[i].c]...)
	}
	return out
}

func (idx *Index) allLive() []int32 {
	out := make([]int32, 0, idx.liveCount)
	for i := range idx.vectors {
		internal := int32(i)
		if !idx.removed[internal] {
			out = append(out, internal)
		}
	}
	return out
}

func (idx *Index) nearestCentroid(vector []float32) int {
	best, bestD := 0, math.Inf(1)
	for c := range idx.centroids {
		if d := sqDistance(vector, idx.centroids[c]); d < bestD {
			best, bestD = c, d
		}
	}
	return best
}

// train runs k-means over the current live vectors and rebuilds the posting
// lists. Called with the write lock held.
func (idx *Index) train() {
	live := idx.allLive()
	if len(live) < idx.cfg.NList {
		return
	}

	// Seed centroids from evenly spaced live vectors.
	idx.centroids = make([][]float32, idx.cfg.NList)
	step := len(live) / idx.cfg.NList
	for c := 0; c < idx.cfg.NList; c++ {
		src := idx.vectors[live[c*step]]
		cp := make([]float32, idx.cfg.Dim)
		copy(cp, src)
		idx.centroids[c] = cp
	}

	assign := make([]int, len(live))
	const iterations = 10
	for iter := 0; iter < iterations; iter++ {
		changed := false
		for i, internal := range live {
			c := idx.nearestCentroid(idx.vectors[internal])
			if c != assign[i] || iter == 0 {
				assign[i] = c
				changed = true
			}
		}

		// Recompute centroids as member means, renormalized to the sphere.
		sums := make([][]float64, idx.cfg.NList)
		counts := make([]int, idx.cfg.NList)
		for c := range sums {
			sums[c] = make([]float64, idx.cfg.Dim)
		}
		for i, internal := range live {
			c := assign[i]
			counts[c]++
			for d, v := range idx.vectors[internal] {
				sums[c][d] += float64(v)
			}
		}
		for c := range idx.centroids {
			if counts[c] == 0 {
				continue // empty cluster keeps its previous centroid
			}
			var norm float64
			for d := range sums[c] {
				sums[c][d] /= float64(counts[c])
				norm += sums[c][d] * sums[c][d]
			}
			norm = math.Sqrt(norm)
			if norm == 0 {
				continue
			}
			for d := range sums[c] {
				idx.centroids[c][d] = float32(sums[c][d] / norm)
			}
		}

		if !changed && iter > 0 {
			break
		}
	}

	idx.lists = make([][]int32, idx.cfg.NList)
	for i, internal := range live {
		c := assign[i]
		idx.lists[c] = append(idx.lists[c], internal)
	}
	idx.trained = true
	idx.logger.Printf("trained IVF: %d vectors, nlist=%d", len(live), idx.cfg.NList)
}

// ============================================================================
// MATH
// ============================================================================

func sqDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Normalize scales v to unit L2 norm in place and returns it. A zero vector
// is returned unchanged.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
