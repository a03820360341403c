package search

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// MessageBackend searches message history stored in Neo4j. The source
// has no native relevance ranking, so every match carries a uniform base
// score and freshness weighting downstream differentiates them.
type MessageBackend struct {
	driver  neo4j.DriverWithContext
	timeout time.Duration
	logger  *zap.Logger
}

// messageBaseScore is the uniform relevance of a raw message match.
const messageBaseScore = 1.0

// NewMessageBackend wires a Neo4j driver as a message search source.
func NewMessageBackend(driver neo4j.DriverWithContext, timeout time.Duration, logger *zap.Logger) *MessageBackend {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MessageBackend{driver: driver, timeout: timeout, logger: logger}
}

// Tag implements Backend.
func (m *MessageBackend) Tag() Tag { return TagMessages }

// Query matches the text against message body, sender and recipient with
// a case-insensitive containment pattern.
func (m *MessageBackend) Query(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	session := m.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	pattern := "(?i).*" + regexp.QuoteMeta(query) + ".*"
	result, err := session.Run(ctx,
		`MATCH (m:Message)
		 WHERE m.body =~ $pattern OR m.sender =~ $pattern OR m.recipient =~ $pattern
		 RETURN m.id AS id, m.body AS body, m.sender AS sender,
		        m.recipient AS recipient, m.channel AS channel, m.sent_at AS sentAt
		 ORDER BY m.sent_at DESC
		 LIMIT $limit`,
		map[string]interface{}{"pattern": pattern, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("messages query: %w", err)
	}

	results := make([]Result, 0, limit)
	for result.Next(ctx) {
		rec := result.Record()
		r := Result{BaseScore: messageBaseScore, Payload: map[string]interface{}{}}
		if v, ok := rec.Get("id"); ok {
			r.ID, _ = v.(string)
		}
		for _, key := range []string{"body", "sender", "recipient", "channel"} {
			if v, ok := rec.Get(key); ok && v != nil {
				r.Payload[key] = v
			}
		}
		if v, ok := rec.Get("sentAt"); ok && v != nil {
			switch ts := v.(type) {
			case time.Time:
				r.ObservedAt = ts
			case string:
				if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
					r.ObservedAt = parsed
				}
			}
			if !r.ObservedAt.IsZero() {
				r.Payload["sent_at"] = r.ObservedAt.UTC().Format(time.RFC3339)
			}
		}
		results = append(results, r)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("messages result: %w", err)
	}

	m.logger.Debug("message search done", zap.Int("results", len(results)))
	return results, nil
}
