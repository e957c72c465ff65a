package indexstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// annMagic tags an ann.bin file so a stale or foreign file is rejected
// instead of silently misread.
const annMagic = "CBAN"
const annVersion uint32 = 1

// ann is the HNSW vector index over L2-normalized embeddings, keyed by
// object row id. It uses the teacher's lazy-deletion pattern: replacing or
// deleting an id orphans its graph node instead of calling Graph.Delete,
// which the teacher found breaks the graph when the last node is removed.
type ann struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dim   int

	idMap  map[int64]uint64 // object id -> hnsw key
	keyMap map[uint64]int64 // hnsw key -> object id
	nextKey uint64

	staged     []stagedVector
	tombstoned []int64
}

type stagedVector struct {
	objectID int64
	vector   []float32
}

func newANN(dim int) *ann {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	return &ann{
		graph:  graph,
		dim:    dim,
		idMap:  make(map[int64]uint64),
		keyMap: make(map[uint64]int64),
	}
}

// stage queues a vector add without mutating the published graph, so a
// caller that later rolls back its SQL transaction can discard the stage
// instead of leaving an orphaned ANN entry.
func (a *ann) stage(objectID int64, vector []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.staged = append(a.staged, stagedVector{objectID: objectID, vector: vector})
}

// tombstone queues an id's mapping for lazy removal ahead of a replace/
// delete. The mapping stays live (visible to search) until publish applies
// it, so a caller that later rolls back its SQL transaction can discard the
// queued tombstone instead of losing the mapping underneath a still-valid
// object. The underlying graph node is orphaned, not removed, matching the
// teacher's lazy-deletion workaround.
func (a *ann) tombstone(objectID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tombstoned = append(a.tombstoned, objectID)
}

// publish commits all staged tombstones and adds into the graph, to be
// called after the SQL transaction they correspond to has committed.
func (a *ann) publish() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, objectID := range a.tombstoned {
		if key, ok := a.idMap[objectID]; ok {
			delete(a.keyMap, key)
			delete(a.idMap, objectID)
		}
	}
	a.tombstoned = nil

	for _, sv := range a.staged {
		if len(sv.vector) != a.dim {
			return fmt.Errorf("ann publish: dimension mismatch: got %d, want %d", len(sv.vector), a.dim)
		}
		vec := make([]float32, len(sv.vector))
		copy(vec, sv.vector)
		normalize(vec)

		if existingKey, exists := a.idMap[sv.objectID]; exists {
			delete(a.keyMap, existingKey)
			delete(a.idMap, sv.objectID)
		}

		key := a.nextKey
		a.nextKey++
		a.graph.Add(hnsw.MakeNode(key, vec))
		a.idMap[sv.objectID] = key
		a.keyMap[key] = sv.objectID
	}
	a.staged = nil
	return nil
}

// discard drops staged adds and queued tombstones without applying them,
// for a rolled-back transaction. Because tombstone() never mutates idMap/
// keyMap directly, dropping the queue alone leaves the prior mappings
// intact.
func (a *ann) discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.staged = nil
	a.tombstoned = nil
}

func (a *ann) search(query []float32, k int) ([]SearchHit, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(query) != a.dim {
		return nil, fmt.Errorf("ann search: dimension mismatch: got %d, want %d", len(query), a.dim)
	}
	if a.graph.Len() == 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalize(q)

	nodes := a.graph.Search(q, k)
	hits := make([]SearchHit, 0, len(nodes))
	for _, node := range nodes {
		objectID, ok := a.keyMap[node.Key]
		if !ok {
			continue // lazily deleted
		}
		distance := a.graph.Distance(q, node.Value)
		score := 1.0 - float64(distance)/2.0
		hits = append(hits, SearchHit{Object: ObjectRecord{RowID: objectID}, Score: score})
	}
	return hits, nil
}

// stats reports the live/orphan split used by the rebuild policy.
func (a *ann) stats() (live, orphans int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	live = len(a.idMap)
	orphans = a.graph.Len() - live
	return live, orphans
}

// rebuild replaces the graph with a fresh one built only from the given
// live (id, vector) pairs, dropping every orphaned node.
func (a *ann) rebuild(entries map[int64][]float32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	idMap := make(map[int64]uint64, len(entries))
	keyMap := make(map[uint64]int64, len(entries))
	var nextKey uint64

	for id, vec := range entries {
		if len(vec) != a.dim {
			return fmt.Errorf("ann rebuild: dimension mismatch for object %d: got %d, want %d", id, len(vec), a.dim)
		}
		v := make([]float32, len(vec))
		copy(v, vec)
		normalize(v)
		key := nextKey
		nextKey++
		graph.Add(hnsw.MakeNode(key, v))
		idMap[id] = key
		keyMap[key] = id
	}

	a.graph = graph
	a.idMap = idMap
	a.keyMap = keyMap
	a.nextKey = nextKey
	return nil
}

type annMeta struct {
	IDMap   map[int64]uint64
	NextKey uint64
	Dim     int
}

// save writes the ann.bin file: a fixed header (magic, version, dim, count)
// followed by a gob-encoded id mapping and the graph's native export.
func (a *ann) save(path string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ann dir: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create ann temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpPath) }()

	if err := writeHeader(f, a.dim, len(a.idMap)); err != nil {
		f.Close()
		return err
	}

	meta := annMeta{IDMap: a.idMap, NextKey: a.nextKey, Dim: a.dim}
	var metaBuf bytes.Buffer
	if err := gob.NewEncoder(&metaBuf).Encode(meta); err != nil {
		f.Close()
		return fmt.Errorf("encode ann metadata: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint64(metaBuf.Len())); err != nil {
		f.Close()
		return fmt.Errorf("write ann metadata length: %w", err)
	}
	if _, err := f.Write(metaBuf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("write ann metadata: %w", err)
	}

	if err := a.graph.Export(f); err != nil {
		f.Close()
		return fmt.Errorf("export ann graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ann temp file: %w", err)
	}

	return os.Rename(tmpPath, path)
}

func writeHeader(w io.Writer, dim, count int) error {
	if _, err := w.Write([]byte(annMagic)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, annVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(dim)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, uint32(count))
}

// loadANN reads an ann.bin file. A missing file is not an error — the
// caller gets an empty index to rebuild into. A header mismatch (magic,
// version, or dimension) is reported via the bool return so the caller can
// trigger a rebuild rather than trust a stale file.
func loadANN(path string, wantDim int) (*ann, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newANN(wantDim), false, nil
		}
		return nil, false, fmt.Errorf("open ann file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return newANN(wantDim), true, nil
	}
	var version, dim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return newANN(wantDim), true, nil
	}
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return newANN(wantDim), true, nil
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return newANN(wantDim), true, nil
	}

	if string(magic) != annMagic || version != annVersion || int(dim) != wantDim {
		return newANN(wantDim), true, nil
	}

	var metaLen uint64
	if err := binary.Read(r, binary.LittleEndian, &metaLen); err != nil {
		return newANN(wantDim), true, nil
	}
	metaBuf := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaBuf); err != nil {
		return newANN(wantDim), true, nil
	}
	var meta annMeta
	if err := gob.NewDecoder(bytes.NewReader(metaBuf)).Decode(&meta); err != nil {
		return newANN(wantDim), true, nil
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25
	if err := graph.Import(r); err != nil {
		return newANN(wantDim), true, nil
	}

	a := &ann{
		graph:   graph,
		dim:     wantDim,
		idMap:   meta.IDMap,
		keyMap:  make(map[uint64]int64, len(meta.IDMap)),
		nextKey: meta.NextKey,
	}
	for id, key := range a.idMap {
		a.keyMap[key] = id
	}
	if int(count) != len(a.idMap) {
		return newANN(wantDim), true, nil
	}
	return a, false, nil
}

func normalize(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
