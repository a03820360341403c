package search

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// DocumentBackend searches a MongoDB collection of knowledge documents.
// The server does a cheap candidate scan; exact relevance is scored
// locally with TermScore, so ranking stays consistent with the other
// lexical sources.
type DocumentBackend struct {
	coll      *mongo.Collection
	scanLimit int64
	timeout   time.Duration
	logger    *zap.Logger
}

// Document is the stored shape of one knowledge document.
type Document struct {
	ID         string                 `bson:"_id,omitempty" json:"id"`
	Title      string                 `bson:"title" json:"title"`
	Content    string                 `bson:"content" json:"content"`
	Tags       []string               `bson:"tags,omitempty" json:"tags,omitempty"`
	CapturedAt time.Time              `bson:"captured_at" json:"capturedAt"`
	Metadata   map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// NewDocumentBackend wires a Mongo collection as a lexical search source.
func NewDocumentBackend(coll *mongo.Collection, scanLimit int64, timeout time.Duration, logger *zap.Logger) *DocumentBackend {
	if scanLimit <= 0 {
		scanLimit = 200
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DocumentBackend{coll: coll, scanLimit: scanLimit, timeout: timeout, logger: logger}
}

// Tag implements Backend.
func (d *DocumentBackend) Tag() Tag { return TagDocuments }

// Query scans for documents containing any query token and ranks them by
// term overlap.
func (d *DocumentBackend) Query(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return []Result{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ors := make(bson.A, 0, len(tokens))
	for _, tok := range tokens {
		ors = append(ors, bson.M{"content": bson.M{"$regex": regexp.QuoteMeta(tok), "$options": "i"}})
	}
	cur, err := d.coll.Find(ctx, bson.M{"$or": ors}, options.Find().SetLimit(d.scanLimit))
	if err != nil {
		return nil, fmt.Errorf("documents find: %w", err)
	}
	defer cur.Close(ctx)

	results := make([]Result, 0, limit)
	for cur.Next(ctx) {
		var doc Document
		if err := cur.Decode(&doc); err != nil {
			d.logger.Warn("skipping undecodable document", zap.Error(err))
			continue
		}
		score := TermScore(query, doc.Content)
		if score <= 0 {
			continue
		}
		payload := map[string]interface{}{
			"title":       doc.Title,
			"content":     doc.Content,
			"captured_at": doc.CapturedAt.UTC().Format(time.RFC3339),
		}
		if len(doc.Tags) > 0 {
			payload["tags"] = doc.Tags
		}
		if len(doc.Metadata) > 0 {
			payload["metadata"] = doc.Metadata
		}
		results = append(results, Result{
			ID:         doc.ID,
			BaseScore:  score,
			ObservedAt: doc.CapturedAt,
			Payload:    payload,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("documents cursor: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].BaseScore > results[j].BaseScore })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
