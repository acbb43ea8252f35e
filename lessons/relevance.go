package lessons

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Scoring weights for FindRelevant.
const (
	patternMatchScore   = 100
	keywordOverlapScore = 10
	successBoostCap     = 20
	recentUseScore      = 10
	recentUseDays       = 7
	staleUseScore       = 5
	staleUseDays        = 30
)

// scoreLesson rates one lesson against a query error. normQuery is the
// normalized query text and queryWords its significant keywords.
func scoreLesson(l *Lesson, normQuery string, queryWords map[string]struct{}, now time.Time) int {
	score := 0

	if l.ErrorPattern != "" && strings.Contains(normQuery, l.ErrorPattern) {
		score += patternMatchScore
	}

	overlap := 0
	for w := range lessonWords(l) {
		if _, ok := queryWords[w]; ok {
			overlap++
		}
	}
	score += overlap * keywordOverlapScore

	boost := l.SuccessCount * 2
	if boost > successBoostCap {
		boost = successBoostCap
	}
	score += boost

	age := now.Sub(l.LastUsedAt)
	switch {
	case age <= recentUseDays*24*time.Hour:
		score += recentUseScore
	case age <= staleUseDays*24*time.Hour:
		score += staleUseScore
	}

	return score
}

// lessonWords collects the significant keywords of a lesson from its
// pattern and tags.
func lessonWords(l *Lesson) map[string]struct{} {
	words := significantWords(l.ErrorPattern)
	for _, tag := range l.Tags {
		for w := range significantWords(tag) {
			words[w] = struct{}{}
		}
	}
	return words
}

var (
	tokenRe = regexp.MustCompile(`[a-z0-9_]+`)

	stopWords = map[string]struct{}{
		"the": {}, "and": {}, "for": {}, "with": {}, "not": {}, "but": {},
		"are": {}, "was": {}, "were": {}, "this": {}, "that": {}, "from": {},
		"has": {}, "have": {}, "had": {}, "can": {}, "could": {}, "should": {},
		"would": {}, "will": {}, "when": {}, "while": {}, "then": {}, "else": {},
		"does": {}, "did": {}, "you": {}, "your": {}, "its": {}, "their": {},
		"into": {}, "out": {}, "all": {}, "any": {}, "some": {}, "such": {},
	}
)

// significantWords tokenizes text into lowercase keywords, dropping stop
// words and tokens of two characters or fewer.
func significantWords(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		if len(tok) <= 2 {
			continue
		}
		if _, ok := stopWords[tok]; ok {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// patternTags derives up to five tags from a normalized error pattern.
func patternTags(norm string) []string {
	words := significantWords(norm)
	tags := make([]string, 0, len(words))
	for w := range words {
		tags = append(tags, w)
	}
	sort.Strings(tags)
	if len(tags) > 5 {
		tags = tags[:5]
	}
	return tags
}

var (
	patTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:z|[+-]\d{2}:?\d{2})?|\b\d{2}:\d{2}:\d{2}\b`)
	patPathRe      = regexp.MustCompile(`(?:[a-z]:)?[\w.~-]*[/\\][\w./\\-]+`)
	patFileRe      = regexp.MustCompile(`\b[\w-]+\.[a-z]{1,4}\b`)
	patLineColRe   = regexp.MustCompile(`\bline \d+\b|:\d+(?::\d+)?\b`)
	patSpaceRe     = regexp.MustCompile(`\s+`)
)

// normalizePattern reduces an error string to its stable shape so that
// the same failure class always maps to the same pattern: lowercase,
// with paths, file names, line and column numbers, and timestamps
// removed. Matches the normalization used by loop detection.
func normalizePattern(s string) string {
	s = strings.ToLower(s)
	s = patTimestampRe.ReplaceAllString(s, "")
	s = patPathRe.ReplaceAllString(s, "")
	s = patFileRe.ReplaceAllString(s, "")
	s = patLineColRe.ReplaceAllString(s, "")
	s = patSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
