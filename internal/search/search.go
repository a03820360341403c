package search

import (
	"context"
	"time"
)

// Tag identifies a search backend.
type Tag string

const (
	TagVector    Tag = "vector"
	TagDocuments Tag = "documents"
	TagMessages  Tag = "messages"
)

// Result is a single hit from one backend.
type Result struct {
	ID            string                 `json:"id"`
	Backend       Tag                    `json:"backend"`
	BaseScore     float64                `json:"baseScore"`
	AdjustedScore float64                `json:"adjustedScore"`
	ObservedAt    time.Time              `json:"observedAt"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// Backend is a queryable search source. Implementations own their
// timeouts and must not panic across this boundary.
type Backend interface {
	Tag() Tag
	Query(ctx context.Context, query string, limit int) ([]Result, error)
}

// SourceResult is the settled outcome of one backend's search.
type SourceResult struct {
	Backend Tag      `json:"backend"`
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Results []Result `json:"results"`
}

// AggregateResult groups per-source outcomes of a fan-out.
type AggregateResult struct {
	Sources           map[Tag]SourceResult `json:"sources"`
	Order             []Tag                `json:"order"`
	TotalSources      int                  `json:"totalSources"`
	SuccessfulSources int                  `json:"successfulSources"`
	TotalResults      int                  `json:"totalResults"`
}

// QueryConfig tunes a freshness-weighted search.
type QueryConfig struct {
	Limit               int     `json:"limit"`
	DecayFactor         float64 `json:"decay_factor"`
	PriorityWindowHours float64 `json:"priority_window_hours"`
	PriorityBoost       float64 `json:"priority_boost"`
	Backends            []Tag   `json:"backends,omitempty"`
}

// DefaultQueryConfig returns sensible defaults (all backends).
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		Limit:               10,
		DecayFactor:         0.1,
		PriorityWindowHours: 24,
		PriorityBoost:       1.5,
	}
}

