package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type stubBackend struct {
	tag     Tag
	results []Result
	err     error
	panics  bool
}

func (s *stubBackend) Tag() Tag { return s.tag }

func (s *stubBackend) Query(ctx context.Context, query string, limit int) ([]Result, error) {
	if s.panics {
		panic("backend exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func newTestAggregator(backends ...Backend) *Aggregator {
	a := NewAggregator(zap.NewNop())
	for _, b := range backends {
		a.Register(b)
	}
	return a
}

func TestSearchAll_PartialFailure(t *testing.T) {
	agg := newTestAggregator(
		&stubBackend{tag: TagVector, results: []Result{{ID: "v1", BaseScore: 0.9}}},
		&stubBackend{tag: TagDocuments, results: []Result{{ID: "d1", BaseScore: 5}, {ID: "d2", BaseScore: 3}}},
		&stubBackend{tag: TagMessages, err: errors.New("connection refused")},
	)

	res := agg.SearchAll(context.Background(), "deploy", nil, 10)
	if res.TotalSources != 3 {
		t.Errorf("got totalSources %d, want 3", res.TotalSources)
	}
	if res.SuccessfulSources != 2 {
		t.Errorf("got successfulSources %d, want 2", res.SuccessfulSources)
	}
	if res.TotalResults != 3 {
		t.Errorf("got totalResults %d, want 3", res.TotalResults)
	}

	msgs := res.Sources[TagMessages]
	if msgs.Success || msgs.Error == "" {
		t.Errorf("failed source not reported: %+v", msgs)
	}
	docs := res.Sources[TagDocuments]
	if !docs.Success || len(docs.Results) != 2 {
		t.Fatalf("documents source: %+v", docs)
	}
	// Every result carries its originating backend tag.
	for _, r := range docs.Results {
		if r.Backend != TagDocuments {
			t.Errorf("result %s tagged %q, want documents", r.ID, r.Backend)
		}
	}
}

func TestSearchAll_EmptyTagsQueriesAllInOrder(t *testing.T) {
	agg := newTestAggregator(
		&stubBackend{tag: TagVector},
		&stubBackend{tag: TagDocuments},
		&stubBackend{tag: TagMessages},
	)

	res := agg.SearchAll(context.Background(), "q", nil, 5)
	want := []Tag{TagVector, TagDocuments, TagMessages}
	if len(res.Order) != len(want) {
		t.Fatalf("got order %v, want %v", res.Order, want)
	}
	for i, tag := range want {
		if res.Order[i] != tag {
			t.Errorf("order[%d] = %q, want %q", i, res.Order[i], tag)
		}
	}
}

func TestSearchAll_UnknownTag(t *testing.T) {
	agg := newTestAggregator(&stubBackend{tag: TagVector})

	res := agg.SearchAll(context.Background(), "q", []Tag{TagVector, "graph"}, 5)
	if res.TotalSources != 2 || res.SuccessfulSources != 1 {
		t.Errorf("got %d/%d sources, want 2/1", res.TotalSources, res.SuccessfulSources)
	}
	unknown := res.Sources["graph"]
	if unknown.Success || unknown.Error != "unknown backend" {
		t.Errorf("unknown tag entry: %+v", unknown)
	}
}

func TestSearchAll_DuplicateTagsCollapse(t *testing.T) {
	agg := newTestAggregator(&stubBackend{tag: TagVector, results: []Result{{ID: "v1"}}})

	res := agg.SearchAll(context.Background(), "q", []Tag{TagVector, TagVector}, 5)
	if res.TotalSources != 1 {
		t.Errorf("got totalSources %d, want 1", res.TotalSources)
	}
}

func TestSearchAll_DedupesWithinBackend(t *testing.T) {
	agg := newTestAggregator(&stubBackend{tag: TagVector, results: []Result{
		{ID: "dup", BaseScore: 0.9},
		{ID: "dup", BaseScore: 0.8},
		{ID: "other", BaseScore: 0.7},
	}})

	res := agg.SearchAll(context.Background(), "q", nil, 10)
	got := res.Sources[TagVector].Results
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].ID != "dup" || got[0].BaseScore != 0.9 {
		t.Errorf("first occurrence not kept: %+v", got[0])
	}
}

func TestSearchAll_RecoversPanic(t *testing.T) {
	agg := newTestAggregator(
		&stubBackend{tag: TagVector, panics: true},
		&stubBackend{tag: TagDocuments, results: []Result{{ID: "d1"}}},
	)

	res := agg.SearchAll(context.Background(), "q", nil, 5)
	v := res.Sources[TagVector]
	if v.Success || v.Error == "" {
		t.Errorf("panicking backend not reported as failed: %+v", v)
	}
	if !res.Sources[TagDocuments].Success {
		t.Error("healthy backend dragged down by panicking sibling")
	}
}

func TestSearchAll_ObservedAtFromPayload(t *testing.T) {
	captured := time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Second)
	agg := newTestAggregator(&stubBackend{tag: TagDocuments, results: []Result{
		{ID: "d1", Payload: map[string]interface{}{"captured_at": captured.Format(time.RFC3339)}},
	}})

	res := agg.SearchAll(context.Background(), "q", nil, 5)
	got := res.Sources[TagDocuments].Results[0].ObservedAt
	if !got.Equal(captured) {
		t.Errorf("got observedAt %v, want %v", got, captured)
	}
}

func TestSearchWithFreshness_FreshBeatsStaleHighScore(t *testing.T) {
	now := time.Now()
	agg := newTestAggregator(
		&stubBackend{tag: TagVector, results: []Result{
			{ID: "fresh", BaseScore: 2, ObservedAt: now},
		}},
		&stubBackend{tag: TagDocuments, results: []Result{
			{ID: "stale", BaseScore: 10, ObservedAt: now.Add(-10 * 24 * time.Hour)},
		}},
	)

	ranked := agg.SearchWithFreshness(context.Background(), "q", QueryConfig{
		Limit:       5,
		DecayFactor: 0.5,
	})
	if len(ranked.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(ranked.Results))
	}
	if ranked.Results[0].ID != "fresh" {
		t.Errorf("got top result %q, want fresh", ranked.Results[0].ID)
	}
	if ranked.Results[0].AdjustedScore <= ranked.Results[1].AdjustedScore {
		t.Errorf("ranking not descending: %v then %v",
			ranked.Results[0].AdjustedScore, ranked.Results[1].AdjustedScore)
	}
}

func TestSearchWithFreshness_StableTieKeepsBackendOrder(t *testing.T) {
	mk := func(tag Tag, id string) *stubBackend {
		return &stubBackend{tag: tag, results: []Result{{ID: id, BaseScore: 1}}}
	}
	agg := newTestAggregator(mk(TagVector, "v1"), mk(TagDocuments, "d1"))

	// No decay, no boost: both adjusted scores are exactly 1.
	cfg := QueryConfig{Limit: 5}
	ranked := agg.SearchWithFreshness(context.Background(), "q", cfg)
	if ranked.Results[0].ID != "v1" || ranked.Results[1].ID != "d1" {
		t.Errorf("registration-order tie broken: %s, %s", ranked.Results[0].ID, ranked.Results[1].ID)
	}

	cfg.Backends = []Tag{TagDocuments, TagVector}
	ranked = agg.SearchWithFreshness(context.Background(), "q", cfg)
	if ranked.Results[0].ID != "d1" || ranked.Results[1].ID != "v1" {
		t.Errorf("requested-order tie broken: %s, %s", ranked.Results[0].ID, ranked.Results[1].ID)
	}
}

func TestSearchWithFreshness_TruncatesToLimit(t *testing.T) {
	var results []Result
	for _, id := range []string{"a", "b", "c", "d"} {
		results = append(results, Result{ID: id, BaseScore: 1})
	}
	agg := newTestAggregator(&stubBackend{tag: TagVector, results: results})

	ranked := agg.SearchWithFreshness(context.Background(), "q", QueryConfig{Limit: 2})
	if len(ranked.Results) != 2 {
		t.Errorf("got %d results, want 2", len(ranked.Results))
	}
	if ranked.Aggregate.TotalResults != 4 {
		t.Errorf("aggregate totalResults %d, want 4", ranked.Aggregate.TotalResults)
	}
}

func TestSearchWithFreshness_UnknownObservationScoredAsNow(t *testing.T) {
	agg := newTestAggregator(&stubBackend{tag: TagVector, results: []Result{
		{ID: "nots", BaseScore: 3},
	}})

	ranked := agg.SearchWithFreshness(context.Background(), "q", QueryConfig{
		Limit:               5,
		PriorityWindowHours: 24,
		PriorityBoost:       2,
	})
	if got, want := ranked.Results[0].AdjustedScore, 6.0; got != want {
		t.Errorf("got %v, want %v (boost applied to unknown-age result)", got, want)
	}
}

func TestSetDefaultLimit(t *testing.T) {
	var results []Result
	for _, id := range []string{"a", "b", "c"} {
		results = append(results, Result{ID: id, BaseScore: 1})
	}
	agg := newTestAggregator(&stubBackend{tag: TagVector, results: results})
	agg.SetDefaultLimit(2)

	ranked := agg.SearchWithFreshness(context.Background(), "q", QueryConfig{})
	if len(ranked.Results) != 2 {
		t.Errorf("got %d results, want configured default 2", len(ranked.Results))
	}

	// Non-positive values keep the previous default.
	agg.SetDefaultLimit(0)
	ranked = agg.SearchWithFreshness(context.Background(), "q", QueryConfig{})
	if len(ranked.Results) != 2 {
		t.Errorf("got %d results after SetDefaultLimit(0), want 2", len(ranked.Results))
	}
}

