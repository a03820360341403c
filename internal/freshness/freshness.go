package freshness

import (
	"math"
	"strconv"
	"time"
)

// Params controls freshness weighting of retrieval scores.
type Params struct {
	DecayFactor         float64 `json:"decay_factor"`          // exponential decay rate per day of age (0 disables decay)
	PriorityWindowHours float64 `json:"priority_window_hours"` // results at most this old receive the boost
	PriorityBoost       float64 `json:"priority_boost"`        // multiplier applied inside the priority window
}

// DefaultParams returns sensible defaults.
func DefaultParams() Params {
	return Params{
		DecayFactor:         0.1,
		PriorityWindowHours: 24,
		PriorityBoost:       1.5,
	}
}

// Score adjusts a base relevance score by the age of the underlying data.
// Age is measured from observedAt to now; a zero observedAt means the
// observation time is unknown and the data is treated as observed now.
// Negative ages (clock skew, future timestamps) clamp to zero.
func Score(base float64, observedAt, now time.Time, p Params) float64 {
	ageHours := 0.0
	if !observedAt.IsZero() {
		ageHours = now.Sub(observedAt).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
	}

	boost := 1.0
	if ageHours <= p.PriorityWindowHours && p.PriorityBoost > 1 {
		boost = p.PriorityBoost
	}

	decay := 1.0
	if p.DecayFactor > 0 {
		decay = math.Exp(-p.DecayFactor * ageHours / 24)
	}

	return base * decay * boost
}

// Age classification buckets.
const (
	ClassRealtime = "realtime" // observed within the last minute
	ClassFresh    = "fresh"    // within the last hour
	ClassRecent   = "recent"   // within the last day
	ClassStale    = "stale"    // older than a day
	ClassUnknown  = "unknown"  // no observation time available
)

// Classify buckets the age of an observation into a coarse freshness class.
func Classify(observedAt, now time.Time) string {
	if observedAt.IsZero() {
		return ClassUnknown
	}
	age := now.Sub(observedAt)
	switch {
	case age <= time.Minute:
		return ClassRealtime
	case age <= time.Hour:
		return ClassFresh
	case age <= 24*time.Hour:
		return ClassRecent
	default:
		return ClassStale
	}
}

// ObservedAt extracts an observation time from loosely structured data.
// Recognized in priority order: "timestamp" (epoch milliseconds or
// seconds, number or numeric string), then "captured_at", "indexed_at",
// "captureTime" as RFC 3339. Missing or malformed values yield the zero
// time, which Score and Classify treat as observed now and unknown
// respectively.
func ObservedAt(payload map[string]interface{}) time.Time {
	if v, ok := payload["timestamp"]; ok {
		if ts := epochTime(v); !ts.IsZero() {
			return ts
		}
	}
	for _, key := range []string{"captured_at", "indexed_at", "captureTime"} {
		if v, ok := payload[key].(string); ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}

func epochTime(v interface{}) time.Time {
	var n float64
	switch x := v.(type) {
	case float64:
		n = x
	case int64:
		n = float64(x)
	case int:
		n = float64(x)
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return time.Time{}
		}
		n = f
	default:
		return time.Time{}
	}
	if n <= 0 {
		return time.Time{}
	}
	// Values below 1e12 are seconds, larger ones milliseconds.
	if n < 1e12 {
		return time.Unix(int64(n), 0)
	}
	return time.UnixMilli(int64(n))
}
