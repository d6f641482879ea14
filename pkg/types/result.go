package types

import (
	"math"
	"time"
)

// MatchSignal records which retrieval signals produced a result
type MatchSignal string

const (
	MatchVector  MatchSignal = "vector"
	MatchLexical MatchSignal = "lexical"
	MatchBoth    MatchSignal = "both"
)

// SearchOptions tune a single search call
type SearchOptions struct {
	Limit           int     `json:"limit"`
	Threshold       float64 `json:"threshold"` // Minimum combined score in [0, 1]
	IncludeInactive bool    `json:"include_inactive"`
}

// Validate checks option ranges. A zero Limit is allowed and means "use the default".
func (o SearchOptions) Validate() error {
	if o.Limit < 0 {
		return ErrInvalidOptions
	}
	if math.IsNaN(o.Threshold) || o.Threshold < 0 || o.Threshold > 1 {
		return ErrInvalidOptions
	}
	return nil
}

// SearchResult is a ranked, display-ready product. Scores are comparable
// within a single response only.
type SearchResult struct {
	Product *Product `json:"product"`
	Rank    int      `json:"rank"`  // 1-based
	Score   float64  `json:"score"` // Combined score in [0, 1]

	VectorScore  float64     `json:"vector_score,omitempty"`
	LexicalScore float64     `json:"lexical_score,omitempty"`
	MatchedBy    MatchSignal `json:"matched_by"`

	// Display
	StockStatus  StockStatus `json:"stock_status"`
	StockLabel   string      `json:"stock_label"`
	DisplayPrice string      `json:"display_price"`
}

// Validate checks if the search result is well formed
func (sr *SearchResult) Validate() error {
	if sr.Product == nil || sr.Product.ID == "" {
		return ErrMissingProductID
	}
	if sr.Rank < 1 {
		return ErrInvalidRank
	}
	if sr.Score < 0 || sr.Score > 1 {
		return ErrInvalidRelevanceScore
	}
	return nil
}

// SearchMetadata describes how a response was produced
type SearchMetadata struct {
	Degraded          bool     `json:"degraded"`
	DegradedReasons   []string `json:"degraded_reasons,omitempty"`
	UsedVectorSearch  bool     `json:"used_vector_search"`
	UsedLexicalSearch bool     `json:"used_lexical_search"`
	ThresholdApplied  float64  `json:"threshold_applied"`
	VectorCandidates  int      `json:"vector_candidates"`
	LexicalCandidates int      `json:"lexical_candidates"`
	CacheHit          bool     `json:"cache_hit"`
}

// SearchResponse is the only shape the chat layer ever receives from Search
type SearchResponse struct {
	Query    string         `json:"query"` // Normalized query
	Products []SearchResult `json:"products"`
	Total    int            `json:"total"` // Matches that passed filtering, before truncation
	Metadata SearchMetadata `json:"metadata"`
	Duration time.Duration  `json:"duration_ns"`
}
