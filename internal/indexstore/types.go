// Package indexstore implements IndexStore: the three physical indices kept
// in lockstep over one SQLite database (catalog + trigram FTS5) plus a
// standalone HNSW ANN file. One path's write is one revision: objects and
// their lexical/vector entries for a path are replaced atomically.
package indexstore

import (
	"github.com/codebased-sh/codebased/internal/embedding"
	"github.com/codebased-sh/codebased/internal/extract"
)

// ObjectRecord is a catalog row: an extracted Object plus the content hash
// its embedding (if any) is keyed under.
type ObjectRecord struct {
	RowID       int64
	ExternalID  string
	Path        string
	Name        string
	Language    string
	Kind        extract.Kind
	ByteStart   uint32
	ByteEnd     uint32
	StartLine   int
	StartCol    int
	EndLine     int
	EndCol      int
	ContentHash embedding.Fingerprint
}

// SearchHit is one matched object, as returned by the lexical or vector
// sub-search.
type SearchHit struct {
	Object ObjectRecord
	Score  float64
}
