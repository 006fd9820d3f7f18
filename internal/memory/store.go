// Package memory implements the hybrid FTS+vector memory subsystem:
// synchronous relational writes, fire-and-forget background embedding,
// reciprocal rank fusion at recall time, time decay, access boosting, and
// semantic deduplication on write.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/config"
	"github.com/tentickle/tentickle/internal/common/logger"
	"github.com/tentickle/tentickle/internal/db"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// DefaultNamespace receives entries stored without an explicit namespace.
const DefaultNamespace = "default"

const backfillBatchSize = 10

var migrations = []db.Migration{
	{
		Version: 1,
		SQL: `
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL DEFAULT 'default',
			content TEXT NOT NULL,
			topic TEXT,
			importance REAL NOT NULL DEFAULT 0.5,
			metadata TEXT NOT NULL DEFAULT '{}',
			source_session_id TEXT,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS memory_vectors (
			memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
			namespace TEXT NOT NULL,
			embedding BLOB NOT NULL,
			dims INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace);
		CREATE INDEX IF NOT EXISTS idx_memories_topic ON memories(namespace, topic);
		CREATE INDEX IF NOT EXISTS idx_memory_vectors_namespace ON memory_vectors(namespace);
		`,
	},
}

// Memory is the memory subsystem service.
type Memory struct {
	pool           *db.Pool
	log            *logger.Logger
	embedder       Embedder
	vectorEnabled  bool
	ftsEnabled     bool
	dedupThreshold float64
	decayLambda    float64

	mu      sync.Mutex
	pending map[string]struct{} // memory ids with embeds in flight
	wg      sync.WaitGroup

	stopBackfill chan struct{}
	backfillOnce sync.Once
}

// Option configures the Memory service.
type Option func(*Memory)

// WithEmbedder enables vector search with the given embedder.
func WithEmbedder(e Embedder) Option {
	return func(m *Memory) {
		m.embedder = e
		m.vectorEnabled = e != nil
	}
}

// WithDedupThreshold sets the cosine similarity above which a new entry
// merges into an existing one. Zero disables dedup.
func WithDedupThreshold(t float64) Option {
	return func(m *Memory) { m.dedupThreshold = t }
}

// WithDecayLambda sets the default time decay constant. Zero disables decay.
func WithDecayLambda(l float64) Option {
	return func(m *Memory) { m.decayLambda = l }
}

// New creates the memory service over the shared database pool.
func New(pool *db.Pool, log *logger.Logger, opts ...Option) (*Memory, error) {
	if err := db.EnsureSchema(pool.Writer(), "memory", migrations); err != nil {
		return nil, fmt.Errorf("failed to ensure memory schema: %w", err)
	}

	m := &Memory{
		pool:           pool,
		log:            log,
		dedupThreshold: config.DefaultDedupThreshold,
		decayLambda:    config.DefaultDecayLambda,
		pending:        make(map[string]struct{}),
		stopBackfill:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	// The FTS index lives outside the migration set: FTS5 availability
	// depends on how the sqlite driver was built, and recall degrades to a
	// LIKE scan without it.
	_, err := pool.Writer().Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content, id UNINDEXED, namespace UNINDEXED
		)`)
	if err != nil {
		log.Warn("FTS5 unavailable, falling back to substring search", zap.Error(err))
	} else {
		m.ftsEnabled = true
	}
	return m, nil
}

// Provide builds the memory service from configuration.
func Provide(pool *db.Pool, cfg config.MemoryConfig, log *logger.Logger) (*Memory, error) {
	opts := []Option{
		WithDedupThreshold(cfg.DedupThreshold),
		WithDecayLambda(cfg.DecayLambda),
	}
	if cfg.VectorEnabled {
		opts = append(opts, WithEmbedder(NewOpenAIEmbedder(WithEmbedderModel(cfg.EmbedModel))))
	}
	return New(pool, log, opts...)
}

// RememberInput is the write request for a new memory.
type RememberInput struct {
	Content         string
	Namespace       string
	Topic           string
	Importance      float64
	Metadata        map[string]any
	SourceSessionID string
}

// Remember persists a memory entry. The relational row is written
// synchronously; embedding (and any dedup merge it triggers) happens in
// the background. An embedding failure leaves the row without a vector
// for the backfill task to retry.
func (m *Memory) Remember(ctx context.Context, input RememberInput) (*v1.MemoryEntry, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, fmt.Errorf("memory content is empty")
	}
	namespace := input.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	importance := input.Importance
	if importance <= 0 {
		importance = 0.5
	}

	now := time.Now().UTC()
	entry := &v1.MemoryEntry{
		ID:              uuid.New().String(),
		Namespace:       namespace,
		Content:         content,
		Topic:           input.Topic,
		Importance:      importance,
		Metadata:        input.Metadata,
		SourceSessionID: input.SourceSessionID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err := m.pool.Writer().ExecContext(ctx, `
		INSERT INTO memories (
			id, namespace, content, topic, importance, metadata,
			source_session_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Namespace, entry.Content, nullable(entry.Topic),
		entry.Importance, marshalJSON(entry.Metadata), nullable(entry.SourceSessionID),
		entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store memory: %w", err)
	}
	m.upsertFTS(ctx, entry.ID, entry.Namespace, entry.Content)

	if m.vectorEnabled {
		m.mu.Lock()
		m.pending[entry.ID] = struct{}{}
		m.mu.Unlock()
		m.wg.Add(1)
		go m.embedAndIndex(entry.ID, entry.Namespace, entry.Content)
	}
	return entry, nil
}

// embedAndIndex embeds a memory in the background and applies dedup. It
// never fails Remember; errors are logged and left to backfill.
func (m *Memory) embedAndIndex(id, namespace, content string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	ctx := context.Background()
	vectors, err := m.embedder.Embed(ctx, []string{content})
	if err != nil || len(vectors) == 0 {
		m.log.Warn("memory embedding failed, leaving row for backfill",
			zap.String("memory_id", id), zap.Error(err))
		return
	}
	vec := vectors[0]

	if m.dedupThreshold > 0 {
		merged, err := m.dedupMerge(ctx, id, namespace, content, vec)
		if err != nil {
			m.log.Warn("memory dedup failed", zap.String("memory_id", id), zap.Error(err))
		}
		if merged {
			return
		}
	}

	if err := m.putVector(ctx, id, namespace, vec); err != nil {
		m.log.Warn("failed to index memory vector", zap.String("memory_id", id), zap.Error(err))
	}
}

// dedupMerge looks for an existing entry semantically equivalent to the
// new one. On a hit it folds the new content into the existing row
// (preserving its created_at), replaces its vector, and deletes the
// freshly inserted row. Returns true when a merge happened.
func (m *Memory) dedupMerge(ctx context.Context, newID, namespace, content string, vec []float32) (bool, error) {
	matches, err := m.knn(ctx, namespace, vec, 1, newID)
	if err != nil {
		return false, err
	}
	if len(matches) == 0 || matches[0].similarity < m.dedupThreshold {
		return false, nil
	}
	existingID := matches[0].id

	now := time.Now().UTC()
	tx, err := m.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE memories SET content = ?, updated_at = ? WHERE id = ?`,
		content, now, existingID); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE memory_vectors SET embedding = ?, dims = ? WHERE memory_id = ?`,
		encodeVector(vec), len(vec), existingID); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, newID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	m.deleteFTS(ctx, newID)
	m.upsertFTS(ctx, existingID, namespace, content)

	m.log.Debug("merged duplicate memory",
		zap.String("into", existingID),
		zap.String("dropped", newID),
		zap.Float64("similarity", matches[0].similarity))
	return true, nil
}

// Flush blocks until all in-flight embeds (and their dedup merges) finish.
func (m *Memory) Flush() {
	m.wg.Wait()
}

// StartBackfill launches the background task that embeds memories missing
// vectors, in small batches. No-op when vector search is disabled.
func (m *Memory) StartBackfill(interval time.Duration) {
	if !m.vectorEnabled {
		return
	}
	m.backfillOnce.Do(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-m.stopBackfill:
					return
				case <-ticker.C:
					if err := m.backfillBatch(context.Background()); err != nil {
						m.log.Warn("memory backfill batch failed", zap.Error(err))
					}
				}
			}
		}()
	})
}

// Close stops the backfill task and waits for in-flight embeds.
func (m *Memory) Close() {
	select {
	case <-m.stopBackfill:
	default:
		close(m.stopBackfill)
	}
	m.wg.Wait()
}

// backfillBatch embeds up to backfillBatchSize memories without vectors.
func (m *Memory) backfillBatch(ctx context.Context) error {
	var rows []struct {
		ID        string `db:"id"`
		Namespace string `db:"namespace"`
		Content   string `db:"content"`
	}
	err := m.pool.Reader().SelectContext(ctx, &rows, `
		SELECT id, namespace, content FROM memories
		WHERE id NOT IN (SELECT memory_id FROM memory_vectors)
		LIMIT ?`, backfillBatchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	// Skip ids whose first embed is still in flight.
	m.mu.Lock()
	candidates := rows[:0]
	for _, row := range rows {
		if _, inFlight := m.pending[row.ID]; !inFlight {
			candidates = append(candidates, row)
		}
	}
	m.mu.Unlock()
	if len(candidates) == 0 {
		return nil
	}

	texts := make([]string, len(candidates))
	for i, row := range candidates {
		texts[i] = row.Content
	}
	vectors, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	for i, row := range candidates {
		if i >= len(vectors) {
			break
		}
		if err := m.putVector(ctx, row.ID, row.Namespace, vectors[i]); err != nil {
			m.log.Warn("backfill vector store failed", zap.String("memory_id", row.ID), zap.Error(err))
		}
	}
	m.log.Debug("backfilled memory vectors", zap.Int("count", len(candidates)))
	return nil
}

// List returns all entries in a namespace, newest first.
func (m *Memory) List(ctx context.Context, namespace string) ([]*v1.MemoryEntry, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	var rows []memoryRow
	err := m.pool.Reader().SelectContext(ctx, &rows, `
		SELECT * FROM memories WHERE namespace = ? ORDER BY created_at DESC`,
		namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	entries := make([]*v1.MemoryEntry, len(rows))
	for i := range rows {
		entry, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries[i] = entry
	}
	return entries, nil
}

// Get loads one entry by id, or nil if absent.
func (m *Memory) Get(ctx context.Context, id string) (*v1.MemoryEntry, error) {
	var row memoryRow
	err := m.pool.Reader().GetContext(ctx, &row,
		`SELECT * FROM memories WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load memory %s: %w", id, err)
	}
	return row.toEntry()
}

// Delete removes an entry, its vector, and its FTS row.
func (m *Memory) Delete(ctx context.Context, id string) error {
	if _, err := m.pool.Writer().ExecContext(ctx,
		`DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete memory %s: %w", id, err)
	}
	m.deleteFTS(ctx, id)
	return nil
}

// upsertFTS keeps the external-content FTS index in step with a row.
func (m *Memory) upsertFTS(ctx context.Context, id, namespace, content string) {
	if !m.ftsEnabled {
		return
	}
	if _, err := m.pool.Writer().ExecContext(ctx,
		`DELETE FROM memories_fts WHERE id = ?`, id); err != nil {
		m.log.Warn("fts delete failed", zap.String("memory_id", id), zap.Error(err))
	}
	if _, err := m.pool.Writer().ExecContext(ctx,
		`INSERT INTO memories_fts (content, id, namespace) VALUES (?, ?, ?)`,
		content, id, namespace); err != nil {
		m.log.Warn("fts insert failed", zap.String("memory_id", id), zap.Error(err))
	}
}

func (m *Memory) deleteFTS(ctx context.Context, id string) {
	if !m.ftsEnabled {
		return
	}
	if _, err := m.pool.Writer().ExecContext(ctx,
		`DELETE FROM memories_fts WHERE id = ?`, id); err != nil {
		m.log.Warn("fts delete failed", zap.String("memory_id", id), zap.Error(err))
	}
}

type memoryRow struct {
	ID              string         `db:"id"`
	Namespace       string         `db:"namespace"`
	Content         string         `db:"content"`
	Topic           sql.NullString `db:"topic"`
	Importance      float64        `db:"importance"`
	Metadata        string         `db:"metadata"`
	SourceSessionID sql.NullString `db:"source_session_id"`
	AccessCount     int            `db:"access_count"`
	LastAccessedAt  sql.NullTime   `db:"last_accessed_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *memoryRow) toEntry() (*v1.MemoryEntry, error) {
	entry := &v1.MemoryEntry{
		ID:              r.ID,
		Namespace:       r.Namespace,
		Content:         r.Content,
		Topic:           r.Topic.String,
		Importance:      r.Importance,
		SourceSessionID: r.SourceSessionID.String,
		AccessCount:     r.AccessCount,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.LastAccessedAt.Valid {
		t := r.LastAccessedAt.Time
		entry.LastAccessedAt = &t
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for memory %s: %w", r.ID, err)
		}
	}
	return entry, nil
}

func marshalJSON(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
