package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/memory-den/internal/session"
	"go.uber.org/zap"
)

// RealtimeKey is the context key reserved for injected live signals.
// Any caller-supplied value under it is overwritten.
const RealtimeKey = "realtime_data"

// Pipeline enriches query context through four ordered stages: signal
// injection, relevance annotation, compression and bounding. Later
// stages see earlier stages' output; a failed stage stops the run but
// the partial context survives.
type Pipeline struct {
	sessions    *session.Store
	targetRatio float64
	logger      *zap.Logger
}

// New creates a Pipeline. The session store may be nil; the
// active-session signal then degrades to an inline error marker.
func New(sessions *session.Store, targetRatio float64, logger *zap.Logger) *Pipeline {
	if targetRatio <= 0 || targetRatio >= 1 {
		targetRatio = 0.3
	}
	return &Pipeline{sessions: sessions, targetRatio: targetRatio, logger: logger}
}

// StageResult records one stage's execution.
type StageResult struct {
	Name    string  `json:"name"`
	Success bool    `json:"success"`
	Error   string  `json:"error,omitempty"`
	TookMS  float64 `json:"tookMs"`
}

// CompressionReport sizes are bytes of the serialized context.
type CompressionReport struct {
	OriginalSize    int `json:"originalSize"`
	CompressedSize  int `json:"compressedSize"`
	TargetReduction int `json:"targetReduction"`
	ActualReduction int `json:"actualReduction"`
}

// BoundReport sizes are estimated tokens of the serialized context.
type BoundReport struct {
	TokensBefore int      `json:"tokensBefore"`
	TokensAfter  int      `json:"tokensAfter"`
	RemovedKeys  []string `json:"removedKeys,omitempty"`
}

// Outcome is the result of a pipeline run.
type Outcome struct {
	Context     map[string]interface{} `json:"context"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	FailedStage string                 `json:"failedStage,omitempty"`
	Relevance   float64                `json:"relevanceScore"`
	Stages      []StageResult          `json:"stages"`
	Compression *CompressionReport     `json:"compression,omitempty"`
	Bounding    *BoundReport           `json:"bounding,omitempty"`
}

type stageFunc func(ctx context.Context, query string, out *Outcome) error

// Process runs the full pipeline over a deep copy of contextObj.
func (p *Pipeline) Process(ctx context.Context, query string, contextObj map[string]interface{}) *Outcome {
	out := &Outcome{Context: deepCopy(contextObj), Success: true}

	stages := []struct {
		name string
		run  stageFunc
	}{
		{"inject_signals", p.stageInject},
		{"relevance", p.stageRelevance},
		{"compression", p.stageCompress},
		{"bounding", p.stageBound},
	}
	for _, st := range stages {
		start := time.Now()
		err := runStage(st.run, ctx, query, out)
		sr := StageResult{
			Name:    st.name,
			Success: err == nil,
			TookMS:  float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			sr.Error = err.Error()
			out.Stages = append(out.Stages, sr)
			out.Success = false
			out.FailedStage = st.name
			out.Error = fmt.Sprintf("stage %s: %v", st.name, err)
			p.logger.Warn("pipeline stage failed",
				zap.String("stage", st.name),
				zap.Error(err))
			break
		}
		out.Stages = append(out.Stages, sr)
	}
	return out
}

// runStage converts stage panics into errors so a bad stage cannot take
// the whole pipeline down.
func runStage(f stageFunc, ctx context.Context, query string, out *Outcome) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f(ctx, query, out)
}

// InjectSignals runs only the live-signal stage over a deep copy and
// returns the enriched context. This backs the standalone injection
// operation.
func (p *Pipeline) InjectSignals(ctx context.Context, contextObj map[string]interface{}) map[string]interface{} {
	obj := deepCopy(contextObj)
	p.injectInto(ctx, obj)
	return obj
}

func (p *Pipeline) stageInject(ctx context.Context, query string, out *Outcome) error {
	p.injectInto(ctx, out.Context)
	return nil
}

func (p *Pipeline) injectInto(ctx context.Context, obj map[string]interface{}) {
	now := time.Now().UTC()
	block := map[string]interface{}{
		"injected_at": now.Format(time.RFC3339),
		"timestamp":   now.UnixMilli(),
	}
	for _, s := range p.signals() {
		val, err := runSignal(s.fn, ctx, obj)
		if err != nil {
			p.logger.Warn("signal source failed",
				zap.String("signal", s.name),
				zap.Error(err))
			block[s.name] = map[string]interface{}{"error": err.Error()}
			continue
		}
		block[s.name] = val
	}
	obj[RealtimeKey] = block
}

func (p *Pipeline) stageRelevance(ctx context.Context, query string, out *Outcome) error {
	tokens := strings.Fields(strings.ToLower(query))
	score := 0.0
	if len(tokens) > 0 {
		data, err := json.Marshal(out.Context)
		if err != nil {
			return fmt.Errorf("serialize context: %w", err)
		}
		hay := strings.ToLower(string(data))
		matched := 0
		for _, tok := range tokens {
			if strings.Contains(hay, tok) {
				matched++
			}
		}
		score = float64(matched) / float64(len(tokens))
	}
	out.Relevance = score
	out.Context["relevance_score"] = score
	return nil
}

func (p *Pipeline) stageCompress(ctx context.Context, query string, out *Outcome) error {
	before, err := json.Marshal(out.Context)
	if err != nil {
		return fmt.Errorf("serialize context: %w", err)
	}

	// Failed signal markers carry no information worth the bytes.
	if block, ok := out.Context[RealtimeKey].(map[string]interface{}); ok {
		for key, val := range block {
			if m, ok := val.(map[string]interface{}); ok && len(m) == 1 {
				if _, failed := m["error"]; failed {
					delete(block, key)
				}
			}
		}
	}

	after, err := json.Marshal(out.Context)
	if err != nil {
		return fmt.Errorf("serialize context: %w", err)
	}
	out.Compression = &CompressionReport{
		OriginalSize:    len(before),
		CompressedSize:  len(after),
		TargetReduction: int(float64(len(before)) * p.targetRatio),
		ActualReduction: len(before) - len(after),
	}
	return nil
}

func (p *Pipeline) stageBound(ctx context.Context, query string, out *Outcome) error {
	before, err := json.Marshal(out.Context)
	if err != nil {
		return fmt.Errorf("serialize context: %w", err)
	}

	var removed []string
	if block, ok := out.Context[RealtimeKey].(map[string]interface{}); ok {
		// injected_at carries the same instant in readable form.
		if _, hasISO := block["injected_at"]; hasISO {
			if _, hasRaw := block["timestamp"]; hasRaw {
				delete(block, "timestamp")
				removed = append(removed, RealtimeKey+".timestamp")
			}
		}
	}

	after, err := json.Marshal(out.Context)
	if err != nil {
		return fmt.Errorf("serialize context: %w", err)
	}
	out.Bounding = &BoundReport{
		TokensBefore: estimateTokens(len(before)),
		TokensAfter:  estimateTokens(len(after)),
		RemovedKeys:  removed,
	}
	return nil
}

// estimateTokens approximates tokens at ~4 bytes per token.
func estimateTokens(n int) int {
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// deepCopy detaches the pipeline's working context from the caller's
// map. Values that do not survive a JSON round trip fall back to a
// shallow copy.
func deepCopy(obj map[string]interface{}) map[string]interface{} {
	if obj == nil {
		return map[string]interface{}{}
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return shallowCopy(obj)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return shallowCopy(obj)
	}
	return out
}

func shallowCopy(obj map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}
