package search

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/memory-den/internal/embedding"
	"github.com/nidhogg/memory-den/internal/freshness"
	"github.com/nidhogg/memory-den/internal/vectorstore"
	"go.uber.org/zap"
)

// VectorBackend answers semantic queries against a Qdrant collection.
// Query vectors come from the configured embeddings API; the engine
// never computes embeddings itself.
type VectorBackend struct {
	store      *vectorstore.Client
	embedder   embedding.Provider
	collection string
	timeout    time.Duration
	logger     *zap.Logger
}

// NewVectorBackend wires a Qdrant client and an embedding provider to a
// collection.
func NewVectorBackend(store *vectorstore.Client, embedder embedding.Provider, collection string, timeout time.Duration, logger *zap.Logger) *VectorBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &VectorBackend{
		store:      store,
		embedder:   embedder,
		collection: collection,
		timeout:    timeout,
		logger:     logger,
	}
}

// Tag implements Backend.
func (v *VectorBackend) Tag() Tag { return TagVector }

// Query embeds the query text and returns the nearest stored documents.
func (v *VectorBackend) Query(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	vectors, err := v.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embed query: empty embedding")
	}

	hits, err := v.store.Search(ctx, v.collection, vectors[0], uint64(limit))
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		payload := make(map[string]interface{}, len(h.Payload))
		for k, val := range h.Payload {
			payload[k] = val
		}
		results = append(results, Result{
			ID:         h.ID,
			BaseScore:  float64(h.Score),
			ObservedAt: freshness.ObservedAt(payload),
			Payload:    payload,
		})
	}
	return results, nil
}

// Index upserts a document into the collection so it becomes
// semantically searchable. An empty id gets a fresh UUID.
func (v *VectorBackend) Index(ctx context.Context, id, content string, payload map[string]string) (string, error) {
	if content == "" {
		return "", fmt.Errorf("index: empty content")
	}
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	vectors, err := v.embedder.Embed(ctx, []string{content})
	if err != nil {
		return "", fmt.Errorf("embed content: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return "", fmt.Errorf("embed content: empty embedding")
	}

	if payload == nil {
		payload = make(map[string]string)
	}
	payload["content"] = content
	if _, ok := payload["indexed_at"]; !ok {
		payload["indexed_at"] = time.Now().UTC().Format(time.RFC3339)
	}
	if err := v.store.Upsert(ctx, v.collection, id, vectors[0], payload); err != nil {
		return "", fmt.Errorf("vector upsert: %w", err)
	}

	v.logger.Debug("document indexed",
		zap.String("collection", v.collection),
		zap.String("id", id),
		zap.Int("bytes", len(content)))
	return id, nil
}
