package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/memory-den/internal/session"
	"go.uber.org/zap"
)

// Store wraps a PostgreSQL connection pool holding expired session
// snapshots. It satisfies session.Archiver.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New creates a Store with a pgx connection pool.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Store{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations
// directory in name order.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Archive stores one expired session snapshot. A session id may appear
// multiple times when a session is recreated and expires again.
func (s *Store) Archive(ctx context.Context, rec *session.Record, lastAccessed time.Time) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO archived_sessions (id, session_id, project_name, record, last_accessed)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)`,
		rec.SessionID, rec.ProjectName, data, lastAccessed,
	)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

// Entry is one archived snapshot.
type Entry struct {
	Record       session.Record `json:"record"`
	LastAccessed time.Time      `json:"lastAccessed"`
	ArchivedAt   time.Time      `json:"archivedAt"`
}

// Recent returns the newest archive entries, optionally filtered by
// project. An empty project matches everything.
func (s *Store) Recent(ctx context.Context, project string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT record, last_accessed, archived_at
		FROM archived_sessions
		WHERE ($1 = '' OR project_name = $1)
		ORDER BY archived_at DESC
		LIMIT $2`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var data []byte
		if err := rows.Scan(&data, &e.LastAccessed, &e.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		if err := json.Unmarshal(data, &e.Record); err != nil {
			return nil, fmt.Errorf("decode archived record: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}
