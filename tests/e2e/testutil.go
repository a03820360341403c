package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/memory-den/internal/archive"
	"github.com/nidhogg/memory-den/internal/notify"
	"github.com/nidhogg/memory-den/internal/search"
	"github.com/nidhogg/memory-den/internal/session"
)

// Suppress unused import warning for testcontainers base package.
var _ = testcontainers.GenericContainerRequest{}

// Package-level shared state, set by TestMain and used by all subtests.
var (
	testLogger  *zap.Logger
	testArchive *archive.Store
	testBus     *notify.Bus
	testMongo   *mongo.Client
	testDocs    *mongo.Collection
	testNeo4j   neo4j.DriverWithContext
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("den_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// startNeo4j starts a Neo4j testcontainer, returns bolt URI + cleanup func.
func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return uri, cleanup, nil
}

// startMongo starts a MongoDB testcontainer, returns URI + cleanup func.
func startMongo(ctx context.Context) (string, func(), error) {
	container, err := tcmongo.Run(ctx, "mongo:7")
	if err != nil {
		return "", nil, fmt.Errorf("start mongo: %w", err)
	}
	uri, err := container.ConnectionString(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("mongo connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return uri, cleanup, nil
}

// newSessionStore builds a store rooted in a test temp dir, wired to the
// shared archive sink and event bus. Returns the store and its base dir
// so tests can manipulate record mtimes directly.
func newSessionStore(t *testing.T, timeout time.Duration) (*session.Store, string) {
	t.Helper()
	baseDir := t.TempDir()
	cfg := session.DefaultConfig(baseDir)
	if timeout > 0 {
		cfg.SessionTimeout = timeout
	}
	store, err := session.New(cfg, testLogger)
	if err != nil {
		t.Fatalf("create session store: %v", err)
	}
	store.SetArchiver(testArchive)
	store.SetNotifier(testBus)
	return store, baseDir
}

// backdateSession rewinds a session record's mtime so tests can simulate
// idle time without sleeping.
func backdateSession(t *testing.T, baseDir, sessionID string, age time.Duration) {
	t.Helper()
	path := filepath.Join(baseDir, "context_cache", sessionID+".json")
	past := time.Now().Add(-age)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatalf("backdate %s: %v", sessionID, err)
	}
}

type seedCorpus struct {
	Documents []seedDocument `json:"documents"`
	Messages  []seedMessage  `json:"messages"`
}

type seedDocument struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags"`
	AgeHours float64  `json:"age_hours"`
}

type seedMessage struct {
	ID        string  `json:"id"`
	Body      string  `json:"body"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Channel   string  `json:"channel"`
	AgeHours  float64 `json:"age_hours"`
}

// seedSearchCorpus populates Mongo with documents and Neo4j with message
// nodes from the fixture file. Ages in the fixture are relative hours so
// freshness math stays valid whenever the suite runs.
// Returns the document and message counts seeded.
func seedSearchCorpus(ctx context.Context) (int, int, error) {
	data, err := os.ReadFile("testdata/seed_corpus.json")
	if err != nil {
		return 0, 0, fmt.Errorf("read seed file: %w", err)
	}
	var corpus seedCorpus
	if err := json.Unmarshal(data, &corpus); err != nil {
		return 0, 0, fmt.Errorf("parse seed corpus: %w", err)
	}

	now := time.Now().UTC()
	for _, d := range corpus.Documents {
		doc := search.Document{
			ID:         d.ID,
			Title:      d.Title,
			Content:    d.Content,
			Tags:       d.Tags,
			CapturedAt: now.Add(-time.Duration(d.AgeHours * float64(time.Hour))),
		}
		if _, err := testDocs.InsertOne(ctx, doc); err != nil {
			return 0, 0, fmt.Errorf("insert document %s: %w", d.ID, err)
		}
	}

	neoSession := testNeo4j.NewSession(ctx, neo4j.SessionConfig{})
	defer neoSession.Close(ctx)
	for _, m := range corpus.Messages {
		sentAt := now.Add(-time.Duration(m.AgeHours * float64(time.Hour)))
		_, err := neoSession.Run(ctx,
			`CREATE (m:Message {id: $id, body: $body, sender: $sender,
			                    recipient: $recipient, channel: $channel, sent_at: $sentAt})`,
			map[string]interface{}{
				"id":        m.ID,
				"body":      m.Body,
				"sender":    m.Sender,
				"recipient": m.Recipient,
				"channel":   m.Channel,
				"sentAt":    sentAt.Format(time.RFC3339),
			})
		if err != nil {
			return 0, 0, fmt.Errorf("create message %s: %w", m.ID, err)
		}
	}
	return len(corpus.Documents), len(corpus.Messages), nil
}

// failingBackend stands in for an unreachable search source.
type failingBackend struct {
	tag search.Tag
}

func (f *failingBackend) Tag() search.Tag { return f.tag }

func (f *failingBackend) Query(ctx context.Context, query string, limit int) ([]search.Result, error) {
	return nil, errors.New("vector backend offline")
}

// collectEvents drains want events from the bus subscription or fails
// the test at the timeout.
func collectEvents(t *testing.T, ch <-chan *notify.Event, want int, timeout time.Duration) []*notify.Event {
	t.Helper()
	out := make([]*notify.Event, 0, want)
	deadline := time.After(timeout)
	for len(out) < want {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed after %d events, want %d", len(out), want)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out with %d events, want %d", len(out), want)
		}
	}
	return out
}
