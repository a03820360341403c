package search

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/memory-den/internal/freshness"
	"go.uber.org/zap"
)

// Aggregator fans a query out to registered backends and merges the
// settled outcomes. One failed source never hides the others.
type Aggregator struct {
	mu       sync.RWMutex
	backends map[Tag]Backend
	order    []Tag
	defLimit int
	logger   *zap.Logger
}

// NewAggregator creates an empty backend registry.
func NewAggregator(logger *zap.Logger) *Aggregator {
	return &Aggregator{backends: make(map[Tag]Backend), logger: logger}
}

// Register adds a backend. Registration order is the default query order
// and the tiebreak order for equal scores.
func (a *Aggregator) Register(b Backend) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.backends[b.Tag()]; !exists {
		a.order = append(a.order, b.Tag())
	}
	a.backends[b.Tag()] = b
}

// Tags returns the registered backend tags in registration order.
func (a *Aggregator) Tags() []Tag {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Tag(nil), a.order...)
}

// SetDefaultLimit overrides the fallback result limit used when a query
// carries none. Non-positive values keep the built-in default.
func (a *Aggregator) SetDefaultLimit(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > 0 {
		a.defLimit = n
	}
}

func (a *Aggregator) defaultLimit() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.defLimit > 0 {
		return a.defLimit
	}
	return DefaultQueryConfig().Limit
}

// SearchAll queries the requested backends concurrently and waits for
// every call to settle. Empty tags means all registered backends; an
// unknown tag becomes a failed source entry rather than an error.
func (a *Aggregator) SearchAll(ctx context.Context, query string, tags []Tag, limit int) *AggregateResult {
	if limit <= 0 {
		limit = a.defaultLimit()
	}

	a.mu.RLock()
	if len(tags) == 0 {
		tags = append([]Tag(nil), a.order...)
	} else {
		seen := make(map[Tag]bool, len(tags))
		uniq := make([]Tag, 0, len(tags))
		for _, tag := range tags {
			if !seen[tag] {
				seen[tag] = true
				uniq = append(uniq, tag)
			}
		}
		tags = uniq
	}
	targets := make([]Backend, len(tags))
	for i, tag := range tags {
		targets[i] = a.backends[tag]
	}
	a.mu.RUnlock()

	outcomes := make([]SourceResult, len(tags))
	var wg sync.WaitGroup
	for i, tag := range tags {
		if targets[i] == nil {
			outcomes[i] = SourceResult{Backend: tag, Error: "unknown backend", Results: []Result{}}
			continue
		}
		wg.Add(1)
		go func(i int, b Backend) {
			defer wg.Done()
			outcomes[i] = a.searchOne(ctx, b, query, limit)
		}(i, targets[i])
	}
	wg.Wait()

	agg := &AggregateResult{
		Sources: make(map[Tag]SourceResult, len(tags)),
		Order:   tags,
	}
	for _, out := range outcomes {
		agg.Sources[out.Backend] = out
		agg.TotalSources++
		if out.Success {
			agg.SuccessfulSources++
			agg.TotalResults += len(out.Results)
		}
	}
	return agg
}

// searchOne runs a single backend call, jailing panics and normalizing
// results (backend tag stamped, duplicate IDs dropped, observation time
// recovered from the payload when the backend left it unset).
func (a *Aggregator) searchOne(ctx context.Context, b Backend, query string, limit int) (out SourceResult) {
	tag := b.Tag()
	out = SourceResult{Backend: tag, Results: []Result{}}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("search backend panicked",
				zap.String("backend", string(tag)),
				zap.Any("panic", r))
			out = SourceResult{Backend: tag, Error: fmt.Sprintf("panic: %v", r), Results: []Result{}}
		}
	}()

	start := time.Now()
	results, err := b.Query(ctx, query, limit)
	if err != nil {
		a.logger.Warn("search backend failed",
			zap.String("backend", string(tag)),
			zap.Error(err))
		out.Error = err.Error()
		return out
	}

	seen := make(map[string]bool, len(results))
	kept := make([]Result, 0, len(results))
	for _, r := range results {
		if r.ID != "" {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
		}
		r.Backend = tag
		if r.ObservedAt.IsZero() && r.Payload != nil {
			r.ObservedAt = freshness.ObservedAt(r.Payload)
		}
		kept = append(kept, r)
	}
	out.Success = true
	out.Results = kept

	a.logger.Debug("search backend done",
		zap.String("backend", string(tag)),
		zap.Int("results", len(kept)),
		zap.Duration("took", time.Since(start)))
	return out
}

// RankedSearch is the merged, freshness-ranked view of a fan-out.
type RankedSearch struct {
	Results   []Result         `json:"results"`
	Aggregate *AggregateResult `json:"aggregate"`
}

// SearchWithFreshness fans out, weights every hit by data age and merges
// the survivors into one ranking. Sorting is stable: equal adjusted
// scores keep requested-backend order.
func (a *Aggregator) SearchWithFreshness(ctx context.Context, query string, cfg QueryConfig) *RankedSearch {
	if cfg.Limit <= 0 {
		cfg.Limit = a.defaultLimit()
	}
	agg := a.SearchAll(ctx, query, cfg.Backends, cfg.Limit)

	params := freshness.Params{
		DecayFactor:         cfg.DecayFactor,
		PriorityWindowHours: cfg.PriorityWindowHours,
		PriorityBoost:       cfg.PriorityBoost,
	}
	now := time.Now()

	merged := make([]Result, 0, agg.TotalResults)
	for _, tag := range agg.Order {
		src, ok := agg.Sources[tag]
		if !ok || !src.Success {
			continue
		}
		for _, r := range src.Results {
			r.AdjustedScore = freshness.Score(r.BaseScore, r.ObservedAt, now, params)
			merged = append(merged, r)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].AdjustedScore > merged[j].AdjustedScore
	})
	if len(merged) > cfg.Limit {
		merged = merged[:cfg.Limit]
	}
	return &RankedSearch{Results: merged, Aggregate: agg}
}
