package vectorindex

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	indexFileName   = "index.gob"
	mappingFileName = "mapping.json"
)

// indexFile is the gob-persisted vector payload.
type indexFile struct {
	Dim       int
	Vectors   [][]float32
	Trained   bool
	Centroids [][]float32
	Lists     [][]int32
}

// mappingFile is the JSON-persisted application_id <-> internal id map.
type mappingFile struct {
	IDs     []string        `json:"ids"` // internal id -> application id
	Removed map[int32]bool  `json:"removed,omitempty"`
}

// Snapshot persists the index and the id mapping atomically
// (write-to-temp + rename). No-op when persistence is disabled.
func (idx *Index) Snapshot() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.snapshotLocked()
}

func (idx *Index) snapshotLocked() error {
	if idx.cfg.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(idx.cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	payload := indexFile{
		Dim:       idx.cfg.Dim,
		Vectors:   idx.vectors,
		Trained:   idx.trained,
		Centroids: idx.centroids,
		Lists:     idx.lists,
	}
	if err := writeAtomicGob(filepath.Join(idx.cfg.Dir, indexFileName), &payload); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}

	mapping := mappingFile{IDs: idx.intToID, Removed: idx.removed}
	if err := writeAtomicJSON(filepath.Join(idx.cfg.Dir, mappingFileName), &mapping); err != nil {
		return fmt.Errorf("persist mapping: %w", err)
	}
	return nil
}

// Restore replaces the in-memory state with the persisted files.
func (idx *Index) Restore() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.loadLocked()
}

// load is called from New before the index is shared; no lock needed.
func (idx *Index) load() error { return idx.loadLocked() }

func (idx *Index) loadLocked() error {
	if idx.cfg.Dir == "" {
		return fmt.Errorf("persistence disabled")
	}

	var payload indexFile
	f, err := os.Open(filepath.Join(idx.cfg.Dir, indexFileName))
	if err != nil {
		return err
	}
	err = gob.NewDecoder(f).Decode(&payload)
	f.Close()
	if err != nil {
		return fmt.Errorf("decode index: %w", err)
	}

	raw, err := os.ReadFile(filepath.Join(idx.cfg.Dir, mappingFileName))
	if err != nil {
		return err
	}
	var mapping mappingFile
	if err := json.Unmarshal(raw, &mapping); err != nil {
		return fmt.Errorf("decode mapping: %w", err)
	}

	if payload.Dim != idx.cfg.Dim {
		return fmt.Errorf("persisted dim %d does not match configured %d", payload.Dim, idx.cfg.Dim)
	}
	if len(mapping.IDs) != len(payload.Vectors) {
		return fmt.Errorf("mapping holds %d ids for %d vectors", len(mapping.IDs), len(payload.Vectors))
	}

	idx.vectors = payload.Vectors
	idx.trained = payload.Trained
	idx.centroids = payload.Centroids
	idx.lists = payload.Lists
	idx.intToID = mapping.IDs
	idx.removed = mapping.Removed
	if idx.removed == nil {
		idx.removed = make(map[int32]bool)
	}

	idx.idToInt = make(map[string]int32, len(mapping.IDs))
	live := 0
	for i, id := range mapping.IDs {
		idx.idToInt[id] = int32(i)
		if !idx.removed[int32(i)] {
			live++
		}
	}
	idx.liveCount = live
	return nil
}

func writeAtomicGob(path string, v interface{}) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeAtomicJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
