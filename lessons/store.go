// Package lessons persists error-to-fix associations learned while agents
// work, and retrieves the ones relevant to a new error by pattern match,
// keyword overlap, proven success, and recency.
package lessons

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lesson is one remembered error-to-fix association. ErrorPattern is
// stored in normalized form (lowercase, paths and positions stripped).
type Lesson struct {
	ID             string    `json:"id"`
	ErrorPattern   string    `json:"errorPattern"`
	ErrorContext   string    `json:"errorContext"`
	Fix            string    `json:"fix"`
	FixDescription string    `json:"fixDescription"`
	SuccessCount   int       `json:"successCount"`
	Tags           []string  `json:"tags"`
	CreatedAt      time.Time `json:"createdAt"`
	LastUsedAt     time.Time `json:"lastUsedAt"`
}

// fileData is the on-disk shape of the store.
type fileData struct {
	Version string   `json:"version"`
	Lessons []Lesson `json:"lessons"`
}

const fileVersion = "1"

// Config controls store location, capacity, and write debouncing.
type Config struct {
	// Path is the JSON file backing the store.
	Path string
	// Capacity bounds the number of stored lessons. The least successful
	// lessons are evicted first when it is exceeded.
	Capacity int
	// MinScore is the relevance threshold below which FindRelevant
	// discards a candidate.
	MinScore int
	// FlushInterval debounces disk writes: mutations are batched and at
	// most one flush happens per interval.
	FlushInterval time.Duration
}

// DefaultConfig returns the standard store settings with lessons kept
// under dir.
func DefaultConfig(dir string) Config {
	return Config{
		Path:          filepath.Join(dir, "lessons.json"),
		Capacity:      500,
		MinScore:      15,
		FlushInterval: 2 * time.Second,
	}
}

// Store holds lessons in memory and persists them to a JSON file with
// debounced writes. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger
	data   fileData
	dirty  bool
	timer  *time.Timer
	closed bool
	now    func() time.Time
}

// NewStore returns a Store using cfg. A nil logger is replaced with a
// no-op logger. Call Load to read any existing file.
func NewStore(cfg Config, logger *zap.Logger) *Store {
	def := DefaultConfig("")
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = def.MinScore
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:    cfg,
		logger: logger,
		data:   fileData{Version: fileVersion, Lessons: []Lesson{}},
		now:    time.Now,
	}
}

// Load reads the lesson file from disk. A missing or unreadable file
// leaves the store empty without error.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Warn("lesson file is not valid JSON, starting fresh",
			zap.String("path", s.cfg.Path), zap.Error(err))
		return nil
	}
	s.mu.Lock()
	s.data = data
	if s.data.Version == "" {
		s.data.Version = fileVersion
	}
	s.mu.Unlock()
	return nil
}

// RecordFix stores an error-to-fix association. When a lesson with the
// same normalized pattern and the same fix already exists, its success
// count is incremented and its last-used time refreshed instead of
// inserting a duplicate. Returns the stored lesson.
func (s *Store) RecordFix(pattern, context, fix, description string) Lesson {
	norm := normalizePattern(pattern)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	for i := range s.data.Lessons {
		l := &s.data.Lessons[i]
		if l.ErrorPattern == norm && l.Fix == fix {
			l.SuccessCount++
			l.LastUsedAt = now
			if description != "" {
				l.FixDescription = description
			}
			s.markDirtyLocked()
			return *l
		}
	}

	lesson := Lesson{
		ID:             uuid.New().String(),
		ErrorPattern:   norm,
		ErrorContext:   context,
		Fix:            fix,
		FixDescription: description,
		SuccessCount:   1,
		Tags:           patternTags(norm),
		CreatedAt:      now,
		LastUsedAt:     now,
	}
	s.data.Lessons = append(s.data.Lessons, lesson)
	s.evictLocked()
	s.markDirtyLocked()
	return lesson
}

// FindRelevant scores every stored lesson against the error text and
// returns up to limit lessons scoring at or above the configured
// threshold, best first. A non-positive limit returns nil.
func (s *Store) FindRelevant(errorText string, limit int) []Lesson {
	if limit <= 0 {
		return nil
	}
	normQuery := normalizePattern(errorText)
	queryWords := significantWords(errorText)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	type scored struct {
		lesson Lesson
		score  int
	}
	candidates := make([]scored, 0, len(s.data.Lessons))
	for _, l := range s.data.Lessons {
		sc := scoreLesson(&l, normQuery, queryWords, now)
		if sc < s.cfg.MinScore {
			continue
		}
		candidates = append(candidates, scored{lesson: l, score: sc})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Lesson, len(candidates))
	for i, c := range candidates {
		out[i] = c.lesson
	}
	return out
}

// Count returns the number of stored lessons.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.Lessons)
}

// Flush writes any pending changes to disk immediately, bypassing the
// debounce interval.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	raw, err := s.marshalLocked()
	if err == nil {
		s.dirty = false
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return writeLessonFile(s.cfg.Path, raw)
}

// Close stops the flush timer and writes any pending changes. The store
// must not be used after Close.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	raw, err := s.marshalLocked()
	s.dirty = false
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return writeLessonFile(s.cfg.Path, raw)
}

// markDirtyLocked schedules a debounced flush. Caller must hold s.mu.
func (s *Store) markDirtyLocked() {
	s.dirty = true
	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.cfg.FlushInterval, s.flushFromTimer)
}

func (s *Store) flushFromTimer() {
	s.mu.Lock()
	s.timer = nil
	if !s.dirty || s.closed {
		s.mu.Unlock()
		return
	}
	raw, err := s.marshalLocked()
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("marshal lessons failed", zap.Error(err))
		return
	}
	s.dirty = false
	s.mu.Unlock()

	if err := writeLessonFile(s.cfg.Path, raw); err != nil {
		s.logger.Warn("lesson flush failed", zap.String("path", s.cfg.Path), zap.Error(err))
		s.mu.Lock()
		s.markDirtyLocked()
		s.mu.Unlock()
	}
}

func (s *Store) marshalLocked() ([]byte, error) {
	return json.MarshalIndent(s.data, "", "  ")
}

// evictLocked removes the least successful lessons until the store fits
// its capacity. Ties fall to the least recently used. Caller must hold
// s.mu.
func (s *Store) evictLocked() {
	for len(s.data.Lessons) > s.cfg.Capacity {
		victim := 0
		for i := 1; i < len(s.data.Lessons); i++ {
			a, b := s.data.Lessons[i], s.data.Lessons[victim]
			if a.SuccessCount < b.SuccessCount ||
				(a.SuccessCount == b.SuccessCount && a.LastUsedAt.Before(b.LastUsedAt)) {
				victim = i
			}
		}
		s.data.Lessons = append(s.data.Lessons[:victim], s.data.Lessons[victim+1:]...)
	}
}

func writeLessonFile(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0644)
}
