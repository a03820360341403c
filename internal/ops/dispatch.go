package ops

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nidhogg/memory-den/internal/pipeline"
	"github.com/nidhogg/memory-den/internal/search"
	"github.com/nidhogg/memory-den/internal/session"
	"go.uber.org/zap"
)

// Dispatcher routes operation calls to the owning component and wraps
// every outcome, including unknown operations, in an envelope. It never
// panics past Handle and never lets a component error escape unwrapped.
type Dispatcher struct {
	store  *session.Store
	agg    *search.Aggregator
	pipe   *pipeline.Pipeline
	logger *zap.Logger
}

// NewDispatcher wires the dispatch surface. All components must be
// non-nil; degraded deployments register fewer search backends instead
// of passing a nil aggregator.
func NewDispatcher(store *session.Store, agg *search.Aggregator, pipe *pipeline.Pipeline, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, agg: agg, pipe: pipe, logger: logger}
}

// Handle executes one operation against a flat parameter mapping.
func (d *Dispatcher) Handle(ctx context.Context, op Op, params Params) Envelope {
	if params == nil {
		params = Params{}
	}
	env := d.dispatch(ctx, op, params)
	if !env.Success() {
		d.logger.Warn("operation failed",
			zap.String("operation", string(op)),
			zap.String("code", string(env.ErrCode())),
			zap.Any("error", env["error"]))
	}
	return env
}

func (d *Dispatcher) dispatch(ctx context.Context, op Op, params Params) (env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			env = fail(op, CodeStorageError, fmt.Errorf("operation panic: %v", r))
		}
	}()

	switch op {
	case OpCaptureSession:
		return d.captureSession(ctx, params)
	case OpRestoreSession:
		return d.restoreSession(ctx, params)
	case OpListActiveSessions:
		return d.listActiveSessions(ctx, params)
	case OpCleanupExpired:
		return d.cleanupExpired(ctx, params)
	case OpInjectRealtimeData:
		return d.injectRealtimeData(ctx, params)
	case OpProcessQueryRealtime:
		return d.processQueryRealtime(ctx, params)
	case OpSearchAll:
		return d.searchAll(ctx, params)
	case OpSearchWithFreshness:
		return d.searchWithFreshness(ctx, params)
	default:
		return fail(op, CodeValidationError, fmt.Errorf("unknown operation %q", op))
	}
}

func (d *Dispatcher) captureSession(ctx context.Context, params Params) Envelope {
	project, err := params.requiredString("project_name")
	if err != nil {
		return fail(OpCaptureSession, CodeValidationError, err)
	}
	sessionID, err := params.optionalString("session_id")
	if err != nil {
		return fail(OpCaptureSession, CodeValidationError, err)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	contextObj, err := params.object("context")
	if err != nil {
		return fail(OpCaptureSession, CodeValidationError, err)
	}
	metadata, err := params.object("metadata")
	if err != nil {
		return fail(OpCaptureSession, CodeValidationError, err)
	}

	rec, err := d.store.Capture(ctx, sessionID, project, contextObj, metadata)
	if err != nil {
		return fail(OpCaptureSession, codeFor(err), err)
	}
	return ok(OpCaptureSession, map[string]interface{}{
		"sessionId":   rec.SessionID,
		"projectName": rec.ProjectName,
		"captureTime": rec.CaptureTime,
	})
}

func (d *Dispatcher) restoreSession(ctx context.Context, params Params) Envelope {
	sessionID, err := params.requiredString("session_id")
	if err != nil {
		return fail(OpRestoreSession, CodeValidationError, err)
	}
	project, err := params.optionalString("project_name")
	if err != nil {
		return fail(OpRestoreSession, CodeValidationError, err)
	}

	rec, err := d.store.Restore(ctx, sessionID, project)
	if err != nil {
		return fail(OpRestoreSession, codeFor(err), err)
	}
	return ok(OpRestoreSession, map[string]interface{}{
		"sessionId":   rec.SessionID,
		"projectName": rec.ProjectName,
		"context":     rec.Context,
		"metadata":    rec.Metadata,
		"captureTime": rec.CaptureTime,
	})
}

func (d *Dispatcher) listActiveSessions(ctx context.Context, params Params) Envelope {
	project, err := params.optionalString("project_name")
	if err != nil {
		return fail(OpListActiveSessions, CodeValidationError, err)
	}
	max, err := params.integer("max_results", 0)
	if err != nil {
		return fail(OpListActiveSessions, CodeValidationError, err)
	}

	sessions, skipped, err := d.store.ListActive(ctx, project, max)
	if err != nil {
		return fail(OpListActiveSessions, codeFor(err), err)
	}
	return ok(OpListActiveSessions, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
		"skipped":  skipped,
	})
}

func (d *Dispatcher) cleanupExpired(ctx context.Context, params Params) Envelope {
	strategy, err := params.optionalString("strategy")
	if err != nil {
		return fail(OpCleanupExpired, CodeValidationError, err)
	}

	res, err := d.store.CleanupExpired(ctx, session.Strategy(strategy))
	if err != nil {
		return fail(OpCleanupExpired, codeFor(err), err)
	}
	return ok(OpCleanupExpired, map[string]interface{}{
		"strategy": res.Strategy,
		"removed":  res.Removed,
		"archived": res.Archived,
		"failures": res.Failures,
	})
}

func (d *Dispatcher) injectRealtimeData(ctx context.Context, params Params) Envelope {
	contextObj, err := params.object("context")
	if err != nil {
		return fail(OpInjectRealtimeData, CodeValidationError, err)
	}

	enriched := d.pipe.InjectSignals(ctx, contextObj)
	return ok(OpInjectRealtimeData, map[string]interface{}{
		"context": enriched,
	})
}

func (d *Dispatcher) processQueryRealtime(ctx context.Context, params Params) Envelope {
	query, err := params.requiredString("query")
	if err != nil {
		return fail(OpProcessQueryRealtime, CodeValidationError, err)
	}
	contextObj, err := params.object("context")
	if err != nil {
		return fail(OpProcessQueryRealtime, CodeValidationError, err)
	}

	out := d.pipe.Process(ctx, query, contextObj)
	env := Envelope{
		"success":        out.Success,
		"operation":      string(OpProcessQueryRealtime),
		"context":        out.Context,
		"relevanceScore": out.Relevance,
		"stages":         out.Stages,
	}
	if out.Compression != nil {
		env["compression"] = out.Compression
	}
	if out.Bounding != nil {
		env["bounding"] = out.Bounding
	}
	if !out.Success {
		env["error"] = out.Error
		env["failedStage"] = out.FailedStage
	}
	return env
}

func (d *Dispatcher) searchAll(ctx context.Context, params Params) Envelope {
	query, err := params.requiredString("query")
	if err != nil {
		return fail(OpSearchAll, CodeValidationError, err)
	}
	backends, err := params.stringSlice("backends")
	if err != nil {
		return fail(OpSearchAll, CodeValidationError, err)
	}
	limit, err := params.integer("limit", 0)
	if err != nil {
		return fail(OpSearchAll, CodeValidationError, err)
	}

	res := d.agg.SearchAll(ctx, query, toTags(backends), limit)
	return ok(OpSearchAll, map[string]interface{}{
		"sources":           res.Sources,
		"order":             res.Order,
		"totalSources":      res.TotalSources,
		"successfulSources": res.SuccessfulSources,
		"totalResults":      res.TotalResults,
	})
}

func (d *Dispatcher) searchWithFreshness(ctx context.Context, params Params) Envelope {
	query, err := params.requiredString("query")
	if err != nil {
		return fail(OpSearchWithFreshness, CodeValidationError, err)
	}

	cfg := search.DefaultQueryConfig()
	if cfg.Limit, err = params.integer("limit", cfg.Limit); err != nil {
		return fail(OpSearchWithFreshness, CodeValidationError, err)
	}
	if cfg.DecayFactor, err = params.number("decay_factor", cfg.DecayFactor); err != nil {
		return fail(OpSearchWithFreshness, CodeValidationError, err)
	}
	if cfg.PriorityWindowHours, err = params.number("priority_window_hours", cfg.PriorityWindowHours); err != nil {
		return fail(OpSearchWithFreshness, CodeValidationError, err)
	}
	if cfg.PriorityBoost, err = params.number("priority_boost", cfg.PriorityBoost); err != nil {
		return fail(OpSearchWithFreshness, CodeValidationError, err)
	}
	backends, err := params.stringSlice("backends")
	if err != nil {
		return fail(OpSearchWithFreshness, CodeValidationError, err)
	}
	cfg.Backends = toTags(backends)

	rs := d.agg.SearchWithFreshness(ctx, query, cfg)
	return ok(OpSearchWithFreshness, map[string]interface{}{
		"results":   rs.Results,
		"count":     len(rs.Results),
		"aggregate": rs.Aggregate,
	})
}

func toTags(names []string) []search.Tag {
	if len(names) == 0 {
		return nil
	}
	tags := make([]search.Tag, len(names))
	for i, n := range names {
		tags[i] = search.Tag(n)
	}
	return tags
}
