package ops

import (
	"errors"
	"fmt"

	"github.com/nidhogg/memory-den/internal/session"
)

// Op names one operation of the closed dispatch surface.
type Op string

const (
	OpCaptureSession       Op = "capture_session"
	OpRestoreSession       Op = "restore_session"
	OpListActiveSessions   Op = "list_active_sessions"
	OpCleanupExpired       Op = "cleanup_expired"
	OpInjectRealtimeData   Op = "inject_realtime_data"
	OpProcessQueryRealtime Op = "process_query_realtime"
	OpSearchAll            Op = "search_all"
	OpSearchWithFreshness  Op = "search_with_freshness"
)

// All returns the closed operation set in a stable order.
func All() []Op {
	return []Op{
		OpCaptureSession,
		OpRestoreSession,
		OpListActiveSessions,
		OpCleanupExpired,
		OpInjectRealtimeData,
		OpProcessQueryRealtime,
		OpSearchAll,
		OpSearchWithFreshness,
	}
}

// Code classifies a failed operation for callers that branch on failure
// kind rather than message text.
type Code string

const (
	CodeNotFound        Code = "not_found"
	CodeProjectMismatch Code = "project_mismatch"
	CodeStorageError    Code = "storage_error"
	CodeBackendError    Code = "backend_error"
	CodeValidationError Code = "validation_error"
)

// codeFor maps component errors onto the failure taxonomy.
func codeFor(err error) Code {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, session.ErrProjectMismatch):
		return CodeProjectMismatch
	case errors.Is(err, session.ErrInvalidID),
		errors.Is(err, session.ErrInvalidStrategy),
		errors.Is(err, session.ErrNoArchiver):
		return CodeValidationError
	default:
		return CodeStorageError
	}
}

// Envelope is the uniform operation response: {success, operation,
// ...payload} on success, {success, operation, error, code} on failure.
type Envelope map[string]interface{}

// Success reports whether the envelope carries a successful result.
func (e Envelope) Success() bool {
	ok, _ := e["success"].(bool)
	return ok
}

// ErrCode returns the failure code, empty for successful envelopes and
// soft failures that carry partial results.
func (e Envelope) ErrCode() Code {
	c, _ := e["code"].(string)
	return Code(c)
}

func ok(op Op, payload map[string]interface{}) Envelope {
	env := Envelope{"success": true, "operation": string(op)}
	for k, v := range payload {
		env[k] = v
	}
	return env
}

func fail(op Op, code Code, err error) Envelope {
	return Envelope{
		"success":   false,
		"operation": string(op),
		"error":     err.Error(),
		"code":      string(code),
	}
}

// Params is the flat parameter mapping every operation accepts.
type Params map[string]interface{}

func (p Params) requiredString(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q: expected string, got %T", key, v)
	}
	return s, nil
}

func (p Params) optionalString(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q: expected string, got %T", key, v)
	}
	return s, nil
}

// object returns a nested mapping parameter, nil when absent.
func (p Params) object(key string) (map[string]interface{}, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("parameter %q: expected object, got %T", key, v)
	}
	return m, nil
}

// number returns a numeric parameter. JSON decoding hands numbers over
// as float64; in-process callers may pass ints.
func (p Params) number(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("parameter %q: expected number, got %T", key, v)
	}
}

func (p Params) integer(key string, def int) (int, error) {
	n, err := p.number(key, float64(def))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// stringSlice returns a list-of-strings parameter, nil when absent.
func (p Params) stringSlice(key string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q: expected string elements, got %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q: expected list of strings, got %T", key, v)
	}
}
