package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/memory-den/internal/freshness"
	"github.com/nidhogg/memory-den/internal/notify"
	"go.uber.org/zap"
)

// Archiver receives expired session records before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, rec *Record, lastAccessed time.Time) error
}

// Cleanup strategies.
type Strategy string

const (
	StrategyDelete  Strategy = "delete"
	StrategyArchive Strategy = "archive"
)

// Config controls the session store.
type Config struct {
	BaseDir         string
	SessionTimeout  time.Duration    // sessions idle longer than this are expired
	MaxCheckpoints  int              // per-project checkpoint retention
	Freshness       freshness.Params // scoring params for ListActive
	DefaultStrategy Strategy         // cleanup strategy when a call names none
}

// DefaultConfig returns sensible defaults rooted at baseDir.
func DefaultConfig(baseDir string) Config {
	return Config{
		BaseDir:        baseDir,
		SessionTimeout: 30 * time.Minute,
		MaxCheckpoints: 20,
		Freshness:      freshness.DefaultParams(),
	}
}

// Store persists session snapshots on the local filesystem.
//
// Layout under BaseDir:
//
//	projects/<project>/current_state.json
//	projects/<project>/checkpoint_<ms>_<rand>.json
//	context_cache/<sessionId>.json
//
// The context_cache copy is authoritative; its file mtime is the
// session's last-accessed time. Checkpoints are a write-only recovery
// trail, never read back by the engine.
type Store struct {
	baseDir     string
	timeout     time.Duration
	maxCkpts    int
	params      freshness.Params
	defStrategy Strategy
	logger      *zap.Logger

	archiver Archiver
	notifier *notify.Bus

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the storage directories and returns a ready Store.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("session: base dir required")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Minute
	}
	if cfg.MaxCheckpoints <= 0 {
		cfg.MaxCheckpoints = 20
	}
	switch cfg.DefaultStrategy {
	case "":
		cfg.DefaultStrategy = StrategyDelete
	case StrategyDelete, StrategyArchive:
	default:
		return nil, fmt.Errorf("default strategy %q: %w", cfg.DefaultStrategy, ErrInvalidStrategy)
	}
	for _, dir := range []string{
		filepath.Join(cfg.BaseDir, "context_cache"),
		filepath.Join(cfg.BaseDir, "projects"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{
		baseDir:     cfg.BaseDir,
		timeout:     cfg.SessionTimeout,
		maxCkpts:    cfg.MaxCheckpoints,
		params:      cfg.Freshness,
		defStrategy: cfg.DefaultStrategy,
		logger:      logger,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// SetArchiver wires the sink used by the archive cleanup strategy.
func (s *Store) SetArchiver(a Archiver) { s.archiver = a }

// SetNotifier wires the lifecycle event bus. Publishing is best-effort.
func (s *Store) SetNotifier(b *notify.Bus) { s.notifier = b }

// Timeout returns the configured session expiry.
func (s *Store) Timeout() time.Duration { return s.timeout }

func (s *Store) cacheDir() string { return filepath.Join(s.baseDir, "context_cache") }

func (s *Store) sessionPath(id string) string {
	return filepath.Join(s.cacheDir(), id+".json")
}

// lockFor returns the mutex serializing operations on one session ID.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Capture snapshots a session's context. It writes the authoritative
// cache record, the project's current state and a fresh checkpoint, each
// atomically (temp file + rename).
func (s *Store) Capture(ctx context.Context, sessionID, project string, contextObj, metadata map[string]interface{}) (*Record, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	if err := validateID(project); err != nil {
		return nil, err
	}
	if contextObj == nil {
		contextObj = map[string]interface{}{}
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	now := time.Now().UTC()
	rec := &Record{
		SessionID:   sessionID,
		ProjectName: project,
		Context:     contextObj,
		Metadata:    metadata,
		CaptureTime: now.Format(time.RFC3339),
		Timestamp:   now.UnixMilli(),
		Version:     recordVersion,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", sessionID, err)
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := writeAtomic(s.sessionPath(sessionID), data); err != nil {
		return nil, fmt.Errorf("write session %s: %w", sessionID, err)
	}

	projDir := filepath.Join(s.baseDir, "projects", project)
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		return nil, fmt.Errorf("create project dir %s: %w", project, err)
	}
	if err := writeAtomic(filepath.Join(projDir, "current_state.json"), data); err != nil {
		return nil, fmt.Errorf("write current state for %s: %w", project, err)
	}
	ckptName := fmt.Sprintf("checkpoint_%d_%s.json", rec.Timestamp, uuid.NewString()[:8])
	if err := writeAtomic(filepath.Join(projDir, ckptName), data); err != nil {
		return nil, fmt.Errorf("write checkpoint for %s: %w", project, err)
	}
	s.pruneCheckpoints(projDir)

	s.publish(ctx, notify.EventCaptured, sessionID, project)
	s.logger.Info("session captured",
		zap.String("session", sessionID),
		zap.String("project", project),
		zap.Int("context_keys", len(contextObj)))
	return rec, nil
}

// Restore loads a session record and marks it accessed. When project is
// non-empty it must match the record's project.
func (s *Store) Restore(ctx context.Context, sessionID, project string) (*Record, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	path := s.sessionPath(sessionID)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if project != "" && rec.ProjectName != project {
		return nil, fmt.Errorf("session %s belongs to %q: %w", sessionID, rec.ProjectName, ErrProjectMismatch)
	}

	// Restoring counts as access: bump the expiry clock.
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		s.logger.Warn("touch session failed", zap.String("session", sessionID), zap.Error(err))
	}

	s.publish(ctx, notify.EventRestored, sessionID, rec.ProjectName)
	return &rec, nil
}

// ActiveSession is one entry of a freshness-ranked session listing.
type ActiveSession struct {
	SessionID    string    `json:"sessionId"`
	ProjectName  string    `json:"projectName"`
	LastAccessed time.Time `json:"lastAccessed"`
	AgeHours     float64   `json:"ageHours"`
	Score        float64   `json:"score"`
}

// defaultListLimit bounds listings when the caller passes no limit.
const defaultListLimit = 20

// ListActive scans the cache and returns sessions ranked by freshness of
// their last access. Listing never counts as access. Corrupt and
// empty-context records are skipped; the skipped count is reported.
func (s *Store) ListActive(ctx context.Context, project string, max int) ([]ActiveSession, int, error) {
	if max <= 0 {
		max = defaultListLimit
	}
	entries, err := os.ReadDir(s.cacheDir())
	if err != nil {
		return nil, 0, fmt.Errorf("read session cache: %w", err)
	}

	now := time.Now()
	skipped := 0
	// Pure decay ranking. The priority boost is a search concern;
	// a session listed minutes after capture should score near 1.0.
	rank := freshness.Params{DecayFactor: s.params.DecayFactor}
	list := make([]ActiveSession, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			skipped++
			s.logger.Warn("skipping unreadable session record", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.cacheDir(), e.Name()))
		if err != nil {
			skipped++
			s.logger.Warn("skipping unreadable session record", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || rec.SessionID == "" {
			skipped++
			s.logger.Warn("skipping corrupt session record", zap.String("file", e.Name()))
			continue
		}
		if len(rec.Context) == 0 {
			skipped++
			s.logger.Warn("skipping empty session record", zap.String("session", rec.SessionID))
			continue
		}
		if project != "" && rec.ProjectName != project {
			continue
		}
		mtime := info.ModTime()
		list = append(list, ActiveSession{
			SessionID:    rec.SessionID,
			ProjectName:  rec.ProjectName,
			LastAccessed: mtime,
			AgeHours:     now.Sub(mtime).Hours(),
			Score:        freshness.Score(1.0, mtime, now, rank),
		})
	}

	// Directory order is the stable tiebreak for equal scores.
	sort.SliceStable(list, func(i, j int) bool { return list[i].Score > list[j].Score })
	if len(list) > max {
		list = list[:max]
	}
	return list, skipped, nil
}

// CountActive returns the number of non-expired session records.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.cacheDir())
	if err != nil {
		return 0, fmt.Errorf("read session cache: %w", err)
	}
	now := time.Now()
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= s.timeout {
			n++
		}
	}
	return n, nil
}

// CleanupResult summarizes a cleanup sweep.
type CleanupResult struct {
	Strategy Strategy `json:"strategy"`
	Removed  int      `json:"removed"`
	Archived int      `json:"archived"`
	Failures []string `json:"failures,omitempty"`
}

// CleanupExpired removes every session idle longer than the configured
// timeout. The archive strategy writes each record to the archive sink
// first; a failed archive keeps the record on disk. Per-session failures
// never abort the sweep.
func (s *Store) CleanupExpired(ctx context.Context, strategy Strategy) (*CleanupResult, error) {
	switch strategy {
	case "":
		strategy = s.defStrategy
	case StrategyDelete, StrategyArchive:
	default:
		return nil, fmt.Errorf("strategy %q: %w", strategy, ErrInvalidStrategy)
	}
	if strategy == StrategyArchive && s.archiver == nil {
		return nil, ErrNoArchiver
	}

	entries, err := os.ReadDir(s.cacheDir())
	if err != nil {
		return nil, fmt.Errorf("read session cache: %w", err)
	}

	now := time.Now()
	res := &CleanupResult{Strategy: strategy}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= s.timeout {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		removed, archived, project, err := s.removeExpired(ctx, id, strategy, now)
		if err != nil {
			res.Failures = append(res.Failures, fmt.Sprintf("%s: %v", id, err))
			s.logger.Warn("cleanup failed for session", zap.String("session", id), zap.Error(err))
			continue
		}
		if removed {
			res.Removed++
			if archived {
				res.Archived++
			}
			s.publish(ctx, notify.EventCleaned, id, project)
		}
	}

	s.logger.Info("cleanup sweep complete",
		zap.String("strategy", string(strategy)),
		zap.Int("removed", res.Removed),
		zap.Int("archived", res.Archived),
		zap.Int("failed", len(res.Failures)))
	return res, nil
}

// removeExpired deletes one session under its lock, re-checking expiry in
// case a restore landed while the sweep was waiting.
func (s *Store) removeExpired(ctx context.Context, id string, strategy Strategy, now time.Time) (removed, archived bool, project string, err error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	path := s.sessionPath(id)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, false, "", nil
	}
	if err != nil {
		return false, false, "", err
	}
	if now.Sub(info.ModTime()) <= s.timeout {
		return false, false, "", nil
	}

	var rec Record
	if data, readErr := os.ReadFile(path); readErr == nil {
		if decodeErr := json.Unmarshal(data, &rec); decodeErr != nil {
			s.logger.Warn("expired session record is corrupt", zap.String("session", id))
		}
	}
	project = rec.ProjectName

	if strategy == StrategyArchive && rec.SessionID != "" {
		if err := s.archiver.Archive(ctx, &rec, info.ModTime()); err != nil {
			return false, false, project, fmt.Errorf("archive: %w", err)
		}
		archived = true
	}
	if err := os.Remove(path); err != nil {
		return false, archived, project, err
	}
	return true, archived, project, nil
}

// pruneCheckpoints keeps only the newest maxCkpts checkpoints in a
// project directory.
func (s *Store) pruneCheckpoints(projDir string) {
	entries, err := os.ReadDir(projDir)
	if err != nil {
		return
	}
	type ckpt struct {
		name string
		mod  time.Time
	}
	var ckpts []ckpt
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "checkpoint_") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		ckpts = append(ckpts, ckpt{name: e.Name(), mod: info.ModTime()})
	}
	if len(ckpts) <= s.maxCkpts {
		return
	}
	sort.Slice(ckpts, func(i, j int) bool {
		if ckpts[i].mod.Equal(ckpts[j].mod) {
			return ckpts[i].name < ckpts[j].name
		}
		return ckpts[i].mod.Before(ckpts[j].mod)
	})
	for _, c := range ckpts[:len(ckpts)-s.maxCkpts] {
		if err := os.Remove(filepath.Join(projDir, c.name)); err != nil {
			s.logger.Warn("prune checkpoint failed", zap.String("file", c.name), zap.Error(err))
		}
	}
}

// publish emits a lifecycle event when a bus is wired. Failures are
// logged and swallowed.
func (s *Store) publish(ctx context.Context, eventType, sessionID, project string) {
	if s.notifier == nil {
		return
	}
	ev := &notify.Event{Type: eventType, SessionID: sessionID, Project: project}
	if err := s.notifier.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish session event failed",
			zap.String("type", eventType),
			zap.String("session", sessionID),
			zap.Error(err))
	}
}

// writeAtomic writes data to path via a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
