package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Entry is one durable memory in the semantic tier.
type Entry struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Keywords     []string  `json:"keywords"`
	SuccessCount int       `json:"successCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUsedAt   time.Time `json:"lastUsedAt"`
}

// SemanticConfig bounds the durable store.
type SemanticConfig struct {
	// Path is the sqlite database file.
	Path string
	// Capacity caps stored entries; exceeding it prunes least-successful,
	// then oldest, entries first.
	Capacity int
}

// DefaultSemanticConfig stores up to 2000 entries under dir.
func DefaultSemanticConfig(dir string) SemanticConfig {
	return SemanticConfig{
		Path:     filepath.Join(dir, "semantic.db"),
		Capacity: 2000,
	}
}

// SemanticStore is the shared, durable, keyword-indexed memory tier. It
// persists across sessions and is pruned at a fixed capacity.
type SemanticStore struct {
	db     *sql.DB
	cfg    SemanticConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewSemanticStore opens (or creates) the database and its schema.
func NewSemanticStore(cfg SemanticConfig, logger *zap.Logger) (*SemanticStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 2000
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open semantic store: %w", err)
	}

	s := &SemanticStore{
		db:     db,
		cfg:    cfg,
		logger: logger.Named("semantic"),
		now:    time.Now,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SemanticStore) initialize() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		keywords TEXT NOT NULL,
		success_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_keywords ON memories(keywords);
	CREATE INDEX IF NOT EXISTS idx_memories_pruning ON memories(success_count, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Store inserts a memory and prunes the store back to capacity.
func (s *SemanticStore) Store(ctx context.Context, content string, keywords []string) (string, error) {
	id := uuid.New().String()
	now := s.now().UTC().Unix()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO memories (id, content, keywords, success_count, created_at, last_used_at) VALUES (?, ?, ?, 0, ?, ?)",
		id, content, packKeywords(keywords), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}

	if err := s.pruneLocked(ctx); err != nil {
		s.logger.Warn("prune failed", zap.Error(err))
	}
	return id, nil
}

// Search returns entries whose keywords overlap the query's significant
// words, most overlapping first, ties broken by success count and recency.
func (s *SemanticStore) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	words := queryWords(query)
	if len(words) == 0 {
		return nil, nil
	}

	conditions := make([]string, len(words))
	args := make([]interface{}, len(words))
	for i, w := range words {
		conditions[i] = "keywords LIKE ?"
		args[i] = "% " + w + " %"
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, content, keywords, success_count, created_at, last_used_at FROM memories WHERE "+
			strings.Join(conditions, " OR "),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	type scored struct {
		entry Entry
		score int
	}
	var candidates []scored
	for rows.Next() {
		var e Entry
		var packed string
		var createdAt, lastUsed int64
		if err := rows.Scan(&e.ID, &e.Content, &packed, &e.SuccessCount, &createdAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		e.Keywords = unpackKeywords(packed)
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		e.LastUsedAt = time.Unix(lastUsed, 0).UTC()

		overlap := 0
		for _, w := range words {
			for _, k := range e.Keywords {
				if w == k {
					overlap++
					break
				}
			}
		}
		boost := e.SuccessCount * 2
		if boost > 20 {
			boost = 20
		}
		candidates = append(candidates, scored{entry: e, score: overlap*10 + boost})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].entry.LastUsedAt.After(candidates[j].entry.LastUsedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]Entry, len(candidates))
	for i, c := range candidates {
		out[i] = c.entry
	}
	return out, nil
}

// Reinforce marks a memory as having helped, increasing its survival odds
// against pruning.
func (s *SemanticStore) Reinforce(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE memories SET success_count = success_count + 1, last_used_at = ? WHERE id = ?",
		s.now().UTC().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("reinforce memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("reinforce memory: no entry %s", id)
	}
	return nil
}

// Count returns the number of stored memories.
func (s *SemanticStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *SemanticStore) Close() error {
	return s.db.Close()
}

// pruneLocked removes the least-successful, oldest entries beyond capacity.
func (s *SemanticStore) pruneLocked(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n); err != nil {
		return err
	}
	excess := n - s.cfg.Capacity
	if excess <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM memories WHERE id IN (SELECT id FROM memories ORDER BY success_count ASC, created_at ASC LIMIT ?)",
		excess,
	)
	if err == nil {
		s.logger.Debug("pruned memories", zap.Int("removed", excess))
	}
	return err
}

var keywordRe = regexp.MustCompile(`[a-z0-9_]+`)

// packKeywords normalizes keywords into a space-delimited index string with
// sentinel spaces so LIKE matches whole words only.
func packKeywords(keywords []string) string {
	seen := make(map[string]bool)
	var out []string
	for _, k := range keywords {
		for _, w := range keywordRe.FindAllString(strings.ToLower(k), -1) {
			if len(w) <= 2 || seen[w] {
				continue
			}
			seen[w] = true
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return " " + strings.Join(out, " ") + " "
}

func unpackKeywords(packed string) []string {
	fields := strings.Fields(packed)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// queryWords extracts the significant lowercase words of a query.
func queryWords(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range keywordRe.FindAllString(strings.ToLower(query), -1) {
		if len(w) <= 2 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
