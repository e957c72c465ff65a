// Package search implements the Searcher: hybrid lexical+semantic retrieval
// over IndexStore, fused by Reciprocal Rank Fusion and hydrated with on-disk
// body text.
package search

import "github.com/codebased-sh/codebased/internal/indexstore"

// Query is one free-text search request.
type Query struct {
	Text string
	// K bounds the number of results returned. Zero uses DefaultK.
	K int

	// Language, Kind and PathPrefix are optional post-fusion filters. Empty
	// means unfiltered.
	Language   string
	Kind       string
	PathPrefix string
}

// Result is one fused, hydrated search hit.
type Result struct {
	Object indexstore.ObjectRecord
	Body   string

	LexicalScore  float64
	LexicalRank   int
	SemanticScore float64
	SemanticRank  int
	FusedScore    float64
}

// ResultPage is the ranked, capped output of a Search call.
type ResultPage struct {
	Results []Result
	// Query echoes the text actually searched, for display.
	Query string
}
