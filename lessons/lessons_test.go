package lessons

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	s := NewStore(cfg, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordFixCreatesLesson(t *testing.T) {
	s := newTestStore(t)

	l := s.RecordFix(
		"ENOENT: no such file or directory, open '/src/a.ts'",
		"while reading project sources",
		"write_file",
		"Create the missing file before reading it",
	)

	if l.ID == "" {
		t.Error("expected a generated id")
	}
	if l.SuccessCount != 1 {
		t.Errorf("expected successCount 1, got %d", l.SuccessCount)
	}
	if strings.Contains(l.ErrorPattern, "/src/a.ts") {
		t.Errorf("pattern should be normalized, got %q", l.ErrorPattern)
	}
	if !strings.Contains(l.ErrorPattern, "enoent") {
		t.Errorf("pattern should keep the failure class, got %q", l.ErrorPattern)
	}
	if l.FixDescription != "Create the missing file before reading it" {
		t.Errorf("unexpected fix description %q", l.FixDescription)
	}
	if s.Count() != 1 {
		t.Errorf("expected 1 stored lesson, got %d", s.Count())
	}
}

func TestRecordFixDeduplicates(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	first := s.RecordFix("ENOENT: open '/src/a.ts'", "", "write_file", "create it")

	s.now = func() time.Time { return base.Add(time.Hour) }
	second := s.RecordFix("ENOENT: open '/lib/b.ts'", "", "write_file", "create it")

	if s.Count() != 1 {
		t.Fatalf("expected dedupe to keep 1 lesson, got %d", s.Count())
	}
	if second.ID != first.ID {
		t.Errorf("expected the same lesson, got ids %q and %q", first.ID, second.ID)
	}
	if second.SuccessCount != 2 {
		t.Errorf("expected successCount 2, got %d", second.SuccessCount)
	}
	if !second.LastUsedAt.After(first.LastUsedAt) {
		t.Errorf("lastUsedAt should refresh: %v -> %v", first.LastUsedAt, second.LastUsedAt)
	}
}

func TestRecordFixDifferentFixIsNewLesson(t *testing.T) {
	s := newTestStore(t)

	s.RecordFix("ENOENT: open 'a.ts'", "", "write_file", "create it")
	s.RecordFix("ENOENT: open 'a.ts'", "", "mkdir", "create the parent directory")

	if s.Count() != 2 {
		t.Errorf("different fixes should not dedupe, got %d lessons", s.Count())
	}
}

func TestFindRelevantPatternMatch(t *testing.T) {
	s := newTestStore(t)
	s.RecordFix("ENOENT: no such file or directory", "", "write_file", "create the file first")

	got := s.FindRelevant("ENOENT: no such file or directory, open '/work/b.ts'", 3)
	if len(got) != 1 {
		t.Fatalf("expected 1 relevant lesson, got %d", len(got))
	}
	if got[0].Fix != "write_file" {
		t.Errorf("expected fix %q, got %q", "write_file", got[0].Fix)
	}
}

func TestFindRelevantKeywordOverlap(t *testing.T) {
	s := newTestStore(t)
	s.RecordFix("compile error missing semicolon in typescript", "", "edit_file", "add the semicolon")

	got := s.FindRelevant("typescript compile failed somewhere", 3)
	if len(got) != 1 {
		t.Fatalf("expected keyword overlap to qualify, got %d results", len(got))
	}
}

func TestFindRelevantDiscardsBelowThreshold(t *testing.T) {
	s := newTestStore(t)
	s.RecordFix("null pointer dereference handler", "", "edit_file", "guard the nil")

	got := s.FindRelevant("connection refused by server", 3)
	if len(got) != 0 {
		t.Errorf("unrelated lesson should score under the threshold, got %v", got)
	}
}

func TestFindRelevantOrdersByScore(t *testing.T) {
	s := newTestStore(t)
	s.RecordFix("file read failed", "", "retry_read", "retry the read")
	s.RecordFix("ENOENT: no such file or directory", "", "write_file", "create the file first")

	got := s.FindRelevant("ENOENT: no such file or directory, open 'a.ts'", 5)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].Fix != "write_file" {
		t.Errorf("pattern match should rank first, got %q", got[0].Fix)
	}
}

func TestFindRelevantHonorsLimit(t *testing.T) {
	s := newTestStore(t)
	s.RecordFix("build failed with exit status", "", "fix_a", "")
	s.RecordFix("build failed with missing dependency", "", "fix_b", "")
	s.RecordFix("build failed with syntax problem", "", "fix_c", "")

	got := s.FindRelevant("the build failed again", 2)
	if len(got) != 2 {
		t.Errorf("expected limit to cap results at 2, got %d", len(got))
	}

	if got := s.FindRelevant("the build failed again", 0); got != nil {
		t.Errorf("non-positive limit should return nil, got %v", got)
	}
}

func TestScoreMonotonicInSuccessCount(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(successCount int) *Lesson {
		return &Lesson{
			ErrorPattern: "timeout waiting for response",
			SuccessCount: successCount,
			CreatedAt:    now.Add(-48 * time.Hour),
			LastUsedAt:   now.Add(-48 * time.Hour),
		}
	}
	query := "timeout waiting for response from backend"
	normQuery := normalizePattern(query)
	words := significantWords(query)

	prev := -1
	for count := 0; count <= 15; count++ {
		score := scoreLesson(mk(count), normQuery, words, now)
		if score < prev {
			t.Fatalf("score decreased from %d to %d at successCount %d", prev, score, count)
		}
		prev = score
	}

	// The proven-fix boost is capped.
	low := scoreLesson(mk(10), normQuery, words, now)
	high := scoreLesson(mk(1000), normQuery, words, now)
	if low != high {
		t.Errorf("boost should cap at %d: scores %d vs %d", successBoostCap, low, high)
	}
}

func TestRecencyBonus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(lastUsed time.Time) *Lesson {
		return &Lesson{ErrorPattern: "timeout", LastUsedAt: lastUsed}
	}
	query := normalizePattern("timeout")
	words := significantWords("timeout")

	fresh := scoreLesson(mk(now.Add(-24*time.Hour)), query, words, now)
	aging := scoreLesson(mk(now.Add(-10*24*time.Hour)), query, words, now)
	stale := scoreLesson(mk(now.Add(-40*24*time.Hour)), query, words, now)

	if fresh-aging != recentUseScore-staleUseScore {
		t.Errorf("expected 7-day bonus over 30-day bonus, got %d vs %d", fresh, aging)
	}
	if aging-stale != staleUseScore {
		t.Errorf("expected 30-day bonus over none, got %d vs %d", aging, stale)
	}
}

func TestEvictionDropsLeastSuccessful(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Capacity = 3
	s := NewStore(cfg, nil)
	t.Cleanup(func() { _ = s.Close() })

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s.now = func() time.Time { return clock }

	// A proves itself three times, C twice, B and D once each.
	for i := 0; i < 3; i++ {
		s.RecordFix("error alpha", "", "fix_alpha", "")
		clock = clock.Add(time.Minute)
	}
	s.RecordFix("error beta", "", "fix_beta", "")
	clock = clock.Add(time.Minute)
	for i := 0; i < 2; i++ {
		s.RecordFix("error gamma", "", "fix_gamma", "")
		clock = clock.Add(time.Minute)
	}
	s.RecordFix("error delta", "", "fix_delta", "")

	if s.Count() != 3 {
		t.Fatalf("expected capacity 3, got %d", s.Count())
	}
	// beta and delta tie on successCount; beta is older, so beta goes.
	for _, l := range s.data.Lessons {
		if l.Fix == "fix_beta" {
			t.Error("least successful, least recently used lesson should be evicted")
		}
	}
	found := map[string]bool{}
	for _, l := range s.data.Lessons {
		found[l.Fix] = true
	}
	for _, want := range []string{"fix_alpha", "fix_gamma", "fix_delta"} {
		if !found[want] {
			t.Errorf("expected %s to survive eviction", want)
		}
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)

	s := NewStore(cfg, nil)
	s.RecordFix("ENOENT: no such file or directory", "", "write_file", "create the file first")
	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(cfg.Path)
	if err != nil {
		t.Fatalf("read lesson file: %v", err)
	}
	if !strings.Contains(string(raw), `"version": "1"`) {
		t.Errorf("expected version field in %s", raw)
	}

	reopened := NewStore(cfg, nil)
	if err := reopened.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	got := reopened.FindRelevant("ENOENT: no such file or directory, open 'x.go'", 1)
	if len(got) != 1 || got[0].Fix != "write_file" {
		t.Errorf("expected reloaded lesson, got %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := NewStore(DefaultConfig(filepath.Join(t.TempDir(), "nested")), nil)
	if err := s.Load(); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("expected empty store, got %d lessons", s.Count())
	}
}

func TestLoadInvalidJSONStartsFresh(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	if err := os.WriteFile(cfg.Path, []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(cfg, nil)
	if err := s.Load(); err != nil {
		t.Fatalf("invalid JSON should not error: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("expected empty store, got %d lessons", s.Count())
	}
}

func TestDebouncedFlush(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.FlushInterval = 50 * time.Millisecond
	s := NewStore(cfg, nil)
	t.Cleanup(func() { _ = s.Close() })

	s.RecordFix("error one", "", "fix_one", "")
	s.RecordFix("error two", "", "fix_two", "")

	if _, err := os.Stat(cfg.Path); !os.IsNotExist(err) {
		t.Fatal("write should be debounced, file exists immediately")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(cfg.Path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("debounced flush never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}

	raw, err := os.ReadFile(cfg.Path)
	if err != nil {
		t.Fatal(err)
	}
	// Both writes land in the one flush.
	if !strings.Contains(string(raw), "fix_one") || !strings.Contains(string(raw), "fix_two") {
		t.Errorf("expected both lessons in the flushed file: %s", raw)
	}
}

func TestCloseFlushesPendingWrites(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.FlushInterval = time.Hour
	s := NewStore(cfg, nil)

	s.RecordFix("error one", "", "fix_one", "")
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(cfg.Path)
	if err != nil {
		t.Fatalf("close should flush pending writes: %v", err)
	}
	if !strings.Contains(string(raw), "fix_one") {
		t.Errorf("flushed file missing lesson: %s", raw)
	}
}
