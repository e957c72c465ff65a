package search

import (
	"sort"

	"github.com/codebased-sh/codebased/internal/indexstore"
)

// DefaultRRFConstant is the standard RRF smoothing parameter. k=60 is
// empirically validated across domains (used by Azure AI Search, OpenSearch,
// etc.).
const DefaultRRFConstant = 60

// candidate accumulates a document's scores across both sub-searches before
// fusion's final ranking pass.
type candidate struct {
	object indexstore.ObjectRecord

	lexicalScore float64
	lexicalRank  int

	semanticScore float64
	semanticRank  int

	rrfScore float64
}

// fuseRRF combines lexical and semantic hit lists by Reciprocal Rank Fusion:
// RRF(d) = Σ 1/(k+rank_i) over every list d appears in.
//
// Results are ordered by: RRF score (desc) → semantic score (desc) → byte
// range length (asc, prefer the more specific match) → path (asc,
// deterministic).
func fuseRRF(lexical, semantic []indexstore.SearchHit, k int) []candidate {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	byRowID := make(map[int64]*candidate, len(lexical)+len(semantic))

	get := func(rowID int64, obj indexstore.ObjectRecord) *candidate {
		c, ok := byRowID[rowID]
		if !ok {
			c = &candidate{object: obj}
			byRowID[rowID] = c
		}
		return c
	}

	for i, hit := range lexical {
		rank := i + 1
		c := get(hit.Object.RowID, hit.Object)
		c.lexicalScore = hit.Score
		c.lexicalRank = rank
		c.rrfScore += 1.0 / float64(k+rank)
	}

	for i, hit := range semantic {
		rank := i + 1
		c := get(hit.Object.RowID, hit.Object)
		c.semanticScore = hit.Score
		c.semanticRank = rank
		c.rrfScore += 1.0 / float64(k+rank)
	}

	out := make([]candidate, 0, len(byRowID))
	for _, c := range byRowID {
		out = append(out, *c)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.rrfScore != b.rrfScore {
			return a.rrfScore > b.rrfScore
		}
		if a.semanticScore != b.semanticScore {
			return a.semanticScore > b.semanticScore
		}
		lenA := a.object.ByteEnd - a.object.ByteStart
		lenB := b.object.ByteEnd - b.object.ByteStart
		if lenA != lenB {
			return lenA < lenB
		}
		return a.object.Path < b.object.Path
	})
	return out
}
