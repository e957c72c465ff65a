package indexstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/codebased-sh/codebased/internal/cerrors"
	"github.com/codebased-sh/codebased/internal/embedding"
	"github.com/codebased-sh/codebased/internal/extract"
)

// tombstoneRebuildRatio triggers a synchronous ANN rebuild once orphaned
// (lazily deleted) entries exceed this fraction of live entries.
const tombstoneRebuildRatio = 0.20

// Store is IndexStore: the catalog (file/object/embedding tables), the
// trigram FTS5 index, and the HNSW ANN index, written in lockstep so no
// catalog object ever exists without a matching FTS row, and no embedded
// object without a matching ANN entry.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	annPath string
	dim     int
	a       *ann
}

var _ embedding.Cache = (*Store)(nil)

// Open opens (or creates) the index database at dbPath and the ANN file at
// annPath, sized for dim-dimensional embeddings.
func Open(dbPath, annPath string, dim int) (*Store, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	a, stale, err := loadANN(annPath, dim)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, annPath: annPath, dim: dim, a: a}

	if stale {
		if err := s.rebuildANN(context.Background()); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("rebuild stale ann index: %w", err)
		}
	}

	return s, nil
}

// DB returns the shared catalog database handle, so FingerprintCatalog can
// keep its `files` table in the same database. Catalog commits run in their
// own transactions, separate from the object/embedding writes this Store
// performs.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close persists the ANN index and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.a.save(s.annPath); err != nil {
		return fmt.Errorf("save ann index: %w", err)
	}
	return s.db.Close()
}

// Lookup implements embedding.Cache against the embedding table.
func (s *Store) Lookup(ctx context.Context, fingerprints []embedding.Fingerprint) (map[embedding.Fingerprint][]float32, error) {
	if len(fingerprints) == 0 {
		return map[embedding.Fingerprint][]float32{}, nil
	}

	placeholders := make([]string, len(fingerprints))
	args := make([]any, len(fingerprints))
	for i, fp := range fingerprints {
		placeholders[i] = "?"
		args[i] = hex.EncodeToString(fp[:])
	}

	query := fmt.Sprintf(`SELECT content_hash, vector FROM embedding WHERE content_hash IN (%s)`, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[embedding.Fingerprint][]float32)
	for rows.Next() {
		var hashHex string
		var blob []byte
		if err := rows.Scan(&hashHex, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding row: %w", err)
		}
		fp, err := fingerprintFromHex(hashHex)
		if err != nil {
			return nil, err
		}
		out[fp] = decodeVector(blob)
	}
	return out, rows.Err()
}

// CommitPath replaces all catalog/FTS/ANN state for path with objects
// extracted from source, calling embedder for any embeddings not already
// cached. One path is one revision: the whole operation commits or none of
// it does.
func (s *Store) CommitPath(ctx context.Context, path string, source []byte, objects []extract.Object, embedder *embedding.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return cerrors.Cancelled(ctx.Err())
	default:
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreOpen, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
			s.a.discard()
		}
	}()

	existingIDs, err := existingObjectIDs(ctx, tx, path)
	if err != nil {
		return err
	}
	for _, id := range existingIDs {
		s.a.tombstone(id)
	}

	if err := deletePath(ctx, tx, path); err != nil {
		return err
	}

	type pending struct {
		rowID int64
		hash  embedding.Fingerprint
	}
	pendings := make([]pending, 0, len(objects))
	items := make(map[embedding.Fingerprint]embedding.ContentItem)

	for _, obj := range objects {
		if int(obj.ByteRange.End) > len(source) || obj.ByteRange.Start >= obj.ByteRange.End {
			continue
		}
		body := source[obj.ByteRange.Start:obj.ByteRange.End]
		hash := obj.ContentFingerprint(body)

		rowID, err := insertObject(ctx, tx, path, obj, hash)
		if err != nil {
			return err
		}
		if err := insertFTSRow(ctx, tx, rowID, path, obj, body); err != nil {
			return err
		}

		pendings = append(pendings, pending{rowID: rowID, hash: hash})
		if _, ok := items[hash]; !ok {
			items[hash] = embedding.ContentItem{Fingerprint: hash, Text: string(body)}
		}
	}

	var vectors map[embedding.Fingerprint][]float32
	if len(items) > 0 && embedder != nil {
		itemList := make([]embedding.ContentItem, 0, len(items))
		for _, it := range items {
			itemList = append(itemList, it)
		}
		vectors, err = embedder.Embed(ctx, itemList)
		if err != nil {
			return cerrors.Wrap(cerrors.ErrCodeEmbeddingTransient, err)
		}
		for hash, vec := range vectors {
			if err := insertEmbedding(ctx, tx, hash, vec); err != nil {
				return err
			}
		}
	}

	for _, p := range pendings {
		if vec, ok := vectors[p.hash]; ok {
			s.a.stage(p.rowID, vec)
		}
	}

	if err := tx.Commit(); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeConsistencyViolation, err)
	}
	committed = true

	if err := s.a.publish(); err != nil {
		return fmt.Errorf("publish ann adds: %w", err)
	}

	live, orphans := s.a.stats()
	if live > 0 && float64(orphans)/float64(live) > tombstoneRebuildRatio {
		if err := s.rebuildANN(ctx); err != nil {
			return fmt.Errorf("rebuild ann after tombstone threshold: %w", err)
		}
	}

	return nil
}

// DeletePath removes all catalog/FTS/ANN state for path (used when a file
// is removed rather than modified).
func (s *Store) DeletePath(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCodeStoreOpen, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
			s.a.discard()
		}
	}()

	ids, err := existingObjectIDs(ctx, tx, path)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.a.tombstone(id)
	}
	if err := deletePath(ctx, tx, path); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeConsistencyViolation, err)
	}
	committed = true

	if err := s.a.publish(); err != nil {
		return fmt.Errorf("publish ann tombstones: %w", err)
	}
	return nil
}

// GCEmbeddings deletes embedding rows no longer referenced by any object,
// to be called after a batch of path commits/deletes.
func (s *Store) GCEmbeddings(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM embedding
		WHERE content_hash NOT IN (SELECT DISTINCT content_hash FROM object)
	`)
	if err != nil {
		return 0, fmt.Errorf("gc embeddings: %w", err)
	}
	return res.RowsAffected()
}

// LexicalSearch runs a trigram FTS5 query and hydrates matches with their
// full object record.
func (s *Store) LexicalSearch(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, bm25(fts_object) AS score
		FROM fts_object
		WHERE body MATCH ?
		ORDER BY score
		LIMIT ?
	`, query, limit)
	if err != nil {
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var rowID int64
		var score float64
		if err := rows.Scan(&rowID, &score); err != nil {
			return nil, fmt.Errorf("scan lexical hit: %w", err)
		}
		hits = append(hits, SearchHit{Object: ObjectRecord{RowID: rowID}, Score: -score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return s.hydrate(ctx, hits)
}

// VectorSearch runs an ANN query and hydrates matches with their full
// object record.
func (s *Store) VectorSearch(ctx context.Context, query []float32, k int) ([]SearchHit, error) {
	hits, err := s.a.search(query, k)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, hits)
}

// GetObject fetches one object's full record by row id.
func (s *Store) GetObject(ctx context.Context, rowID int64) (ObjectRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, path, name, language, kind, byte_start, byte_end,
		       start_line, start_col, end_line, end_col, content_hash
		FROM object WHERE id = ?
	`, rowID)
	rec, err := scanObject(row)
	if err == sql.ErrNoRows {
		return ObjectRecord{}, false, nil
	}
	if err != nil {
		return ObjectRecord{}, false, fmt.Errorf("get object %d: %w", rowID, err)
	}
	return rec, true, nil
}

func (s *Store) hydrate(ctx context.Context, hits []SearchHit) ([]SearchHit, error) {
	out := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		rec, ok, err := s.GetObject(ctx, h.Object.RowID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // object removed since the sub-search ran
		}
		out = append(out, SearchHit{Object: rec, Score: h.Score})
	}
	return out, nil
}

// rebuildANN rebuilds the ANN graph from scratch from the embedding table,
// dropping every tombstoned/orphaned entry.
func (s *Store) rebuildANN(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, e.vector
		FROM object o
		JOIN embedding e ON e.content_hash = o.content_hash
	`)
	if err != nil {
		return fmt.Errorf("query objects for ann rebuild: %w", err)
	}
	defer rows.Close()

	entries := make(map[int64][]float32)
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("scan ann rebuild row: %w", err)
		}
		entries[id] = decodeVector(blob)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	return s.a.rebuild(entries)
}

func existingObjectIDs(ctx context.Context, tx *sql.Tx, path string) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM object WHERE path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("query existing objects for %s: %w", path, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func deletePath(ctx context.Context, tx *sql.Tx, path string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM fts_object WHERE rowid IN (SELECT id FROM object WHERE path = ?)
	`, path); err != nil {
		return fmt.Errorf("delete fts rows for %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM object WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete object rows for %s: %w", path, err)
	}
	return nil
}

func insertObject(ctx context.Context, tx *sql.Tx, path string, obj extract.Object, hash embedding.Fingerprint) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO object(external_id, path, name, language, kind, byte_start, byte_end,
		                    start_line, start_col, end_line, end_col, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, obj.ID, path, obj.Name, obj.Language, string(obj.Kind), obj.ByteRange.Start, obj.ByteRange.End,
		obj.Coordinates.StartLine, obj.Coordinates.StartCol, obj.Coordinates.EndLine, obj.Coordinates.EndCol,
		hex.EncodeToString(hash[:]))
	if err != nil {
		return 0, fmt.Errorf("insert object %s: %w", obj.Name, err)
	}
	return res.LastInsertId()
}

func insertFTSRow(ctx context.Context, tx *sql.Tx, rowID int64, path string, obj extract.Object, body []byte) error {
	text := obj.Name + "\n" + path + "\n" + string(body)
	if _, err := tx.ExecContext(ctx, `INSERT INTO fts_object(rowid, body) VALUES (?, ?)`, rowID, text); err != nil {
		return fmt.Errorf("insert fts row for object %d: %w", rowID, err)
	}
	return nil
}

func insertEmbedding(ctx context.Context, tx *sql.Tx, hash embedding.Fingerprint, vec []float32) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO embedding(content_hash, vector, dimension) VALUES (?, ?, ?)
	`, hex.EncodeToString(hash[:]), encodeVector(vec), len(vec))
	if err != nil {
		return fmt.Errorf("insert embedding %x: %w", hash, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (ObjectRecord, error) {
	var rec ObjectRecord
	var kind, hashHex string
	if err := row.Scan(&rec.RowID, &rec.ExternalID, &rec.Path, &rec.Name, &rec.Language, &kind,
		&rec.ByteStart, &rec.ByteEnd, &rec.StartLine, &rec.StartCol, &rec.EndLine, &rec.EndCol, &hashHex); err != nil {
		return ObjectRecord{}, err
	}
	rec.Kind = extract.Kind(kind)
	hash, err := fingerprintFromHex(hashHex)
	if err != nil {
		return ObjectRecord{}, err
	}
	rec.ContentHash = hash
	return rec, nil
}

func fingerprintFromHex(s string) (embedding.Fingerprint, error) {
	var fp embedding.Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(fp) {
		return fp, fmt.Errorf("malformed content hash %q", s)
	}
	copy(fp[:], b)
	return fp, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	n := len(blob) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}
