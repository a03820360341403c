package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/nidhogg/memory-den/internal/freshness"
)

type signalFunc func(ctx context.Context, obj map[string]interface{}) (interface{}, error)

type signal struct {
	name string
	fn   signalFunc
}

// signals returns the live-signal sources in injection order.
func (p *Pipeline) signals() []signal {
	return []signal{
		{"active_sessions", p.signalActiveSessions},
		{"system_load", p.signalSystemLoad},
		{"freshness", p.signalFreshness},
	}
}

// runSignal isolates one signal source so a panic degrades to an inline
// error marker instead of killing the injection stage.
func runSignal(f signalFunc, ctx context.Context, obj map[string]interface{}) (val interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			val, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return f(ctx, obj)
}

func (p *Pipeline) signalActiveSessions(ctx context.Context, obj map[string]interface{}) (interface{}, error) {
	if p.sessions == nil {
		return nil, errors.New("session store unavailable")
	}
	count, err := p.sessions.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	return map[string]interface{}{"count": count}, nil
}

func (p *Pipeline) signalSystemLoad(ctx context.Context, obj map[string]interface{}) (interface{}, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"cpus":       runtime.NumCPU(),
		"heap_mb":    float64(ms.HeapAlloc) / (1024 * 1024),
	}, nil
}

func (p *Pipeline) signalFreshness(ctx context.Context, obj map[string]interface{}) (interface{}, error) {
	now := time.Now().UTC()
	observed := freshness.ObservedAt(obj)
	val := map[string]interface{}{
		"class": freshness.Classify(observed, now),
	}
	if !observed.IsZero() {
		val["age_hours"] = now.Sub(observed).Hours()
	}
	return val, nil
}
