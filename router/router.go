// Package router classifies tasks as quick or heavy and picks an
// execution backend. Heavy work prefers a local model to protect
// rate-limited cloud capacity; quick exchanges prefer the cloud backend
// for lower latency. An hourly counter forces local fallback once the
// cloud call budget for the current wall-clock hour is spent.
package router

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskType labels the weight class of a task.
type TaskType string

const (
	TaskQuick TaskType = "quick"
	TaskHeavy TaskType = "heavy"
)

// Target names an execution backend.
type Target string

const (
	TargetCloud Target = "cloud"
	TargetLocal Target = "local"
)

// Classification is the outcome of Classify.
type Classification struct {
	Type            TaskType
	Confidence      float64
	Reason          string
	EstimatedTokens int
}

// Config controls classification thresholds and backend choice.
type Config struct {
	// HeavyTokenThreshold is the estimated token count above which a
	// task gains a heaviness signal.
	HeavyTokenThreshold int
	// HeavyScoreCutoff is the accumulated signal score at which a task
	// classifies as heavy.
	HeavyScoreCutoff int
	// CloudRateLimitPerHour caps cloud-routed calls per wall-clock hour.
	CloudRateLimitPerHour int
	// PreferLocal routes quick tasks to the local backend too, when one
	// is available.
	PreferLocal bool
	// LocalAvailable reports whether a local backend is configured.
	LocalAvailable bool
}

// DefaultConfig returns the standard router settings.
func DefaultConfig() Config {
	return Config{
		HeavyTokenThreshold:   1000,
		HeavyScoreCutoff:      4,
		CloudRateLimitPerHour: 50,
	}
}

// Scoring weights for the heaviness signals.
const (
	keywordWeight   = 1
	codeBlockWeight = 2
	multiFileWeight = 2
	tokensWeight    = 2
	longTaskWeight  = 1
	longTaskChars   = 400

	forcedConfidence   = 0.95
	maxHeavyConfidence = 0.95
	maxQuickConfidence = 0.9
)

// Estimator estimates the token count of a text.
type Estimator interface {
	Count(text string) int
}

// hourWindow is the cloud call counter for one wall-clock hour.
type hourWindow struct {
	start time.Time
	calls int
}

// Router classifies tasks and decides execution targets. Safe for
// concurrent use.
type Router struct {
	cfg        Config
	est        Estimator
	logger     *zap.Logger
	forceQuick []*regexp.Regexp
	forceHeavy []*regexp.Regexp

	mu    sync.Mutex
	cloud hourWindow
	now   func() time.Time
}

// Default force patterns. A match short-circuits scoring entirely.
var (
	defaultForceQuick = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*what\s+(is|are)\b`),
		regexp.MustCompile(`(?i)^\s*(who|when|where)\s+\w+`),
		regexp.MustCompile(`(?i)^\s*explain\s+briefly\b`),
	}
	defaultForceHeavy = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bfrom\s+scratch\b`),
		regexp.MustCompile(`(?i)\bentire\s+(codebase|project|module)\b`),
	}
)

// NewRouter returns a Router. Zero-value config fields fall back to
// DefaultConfig; a nil estimator uses tiktoken with a character-count
// fallback; a nil logger is replaced with a no-op logger.
func NewRouter(cfg Config, est Estimator, logger *zap.Logger) *Router {
	def := DefaultConfig()
	if cfg.HeavyTokenThreshold <= 0 {
		cfg.HeavyTokenThreshold = def.HeavyTokenThreshold
	}
	if cfg.HeavyScoreCutoff <= 0 {
		cfg.HeavyScoreCutoff = def.HeavyScoreCutoff
	}
	if cfg.CloudRateLimitPerHour <= 0 {
		cfg.CloudRateLimitPerHour = def.CloudRateLimitPerHour
	}
	if est == nil {
		est = NewTokenEstimator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:        cfg,
		est:        est,
		logger:     logger,
		forceQuick: defaultForceQuick,
		forceHeavy: defaultForceHeavy,
		now:        time.Now,
	}
}

// Classify labels a task as quick or heavy. context carries optional
// surrounding material (open files, prior conversation) that counts
// toward the token estimate.
func (r *Router) Classify(task, context string) Classification {
	tokens := r.est.Count(task)
	if context != "" {
		tokens += r.est.Count(context)
	}

	for _, re := range r.forceQuick {
		if re.MatchString(task) {
			return Classification{
				Type:            TaskQuick,
				Confidence:      forcedConfidence,
				Reason:          fmt.Sprintf("matched quick pattern %q", re.String()),
				EstimatedTokens: tokens,
			}
		}
	}
	for _, re := range r.forceHeavy {
		if re.MatchString(task) {
			return Classification{
				Type:            TaskHeavy,
				Confidence:      forcedConfidence,
				Reason:          fmt.Sprintf("matched heavy pattern %q", re.String()),
				EstimatedTokens: tokens,
			}
		}
	}

	score := 0
	var signals []string

	if n := countHeavyKeywords(task); n > 0 {
		score += n * keywordWeight
		signals = append(signals, fmt.Sprintf("%d heavy keywords", n))
	}
	if strings.Contains(task, "```") {
		score += codeBlockWeight
		signals = append(signals, "code block")
	}
	if n := countFileReferences(task); n >= 2 {
		score += multiFileWeight
		signals = append(signals, fmt.Sprintf("%d file references", n))
	}
	if tokens > r.cfg.HeavyTokenThreshold {
		score += tokensWeight
		signals = append(signals, fmt.Sprintf("~%d tokens", tokens))
	}
	if len(task) > longTaskChars {
		score += longTaskWeight
		signals = append(signals, "long task text")
	}

	c := Classification{EstimatedTokens: tokens}
	if score >= r.cfg.HeavyScoreCutoff {
		c.Type = TaskHeavy
		c.Confidence = capFloat(0.5+0.1*float64(score), maxHeavyConfidence)
		c.Reason = "heavy: " + strings.Join(signals, ", ")
	} else {
		c.Type = TaskQuick
		c.Confidence = capFloat(0.5+0.1*float64(r.cfg.HeavyScoreCutoff-score), maxQuickConfidence)
		if len(signals) == 0 {
			c.Reason = "quick: no heaviness signals"
		} else {
			c.Reason = "quick: weak signals (" + strings.Join(signals, ", ") + ")"
		}
	}
	return c
}

// DecideTarget picks the backend for a classified task. A non-empty
// forced target wins unconditionally. Otherwise the hourly cloud budget
// is checked first: once spent, local is used when available, and cloud
// is used regardless when it is not. Cloud-routed decisions consume one
// unit of the hourly budget.
func (r *Router) DecideTarget(c Classification, forced Target) Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollHourLocked(r.now())

	switch forced {
	case TargetLocal:
		return TargetLocal
	case TargetCloud:
		r.cloud.calls++
		return TargetCloud
	}

	if r.cloud.calls >= r.cfg.CloudRateLimitPerHour {
		if r.cfg.LocalAvailable {
			r.logger.Debug("cloud budget spent, falling back to local",
				zap.Int("calls", r.cloud.calls))
			return TargetLocal
		}
		r.cloud.calls++
		return TargetCloud
	}

	if r.cfg.LocalAvailable && (c.Type == TaskHeavy || r.cfg.PreferLocal) {
		return TargetLocal
	}

	r.cloud.calls++
	return TargetCloud
}

// CloudCallsThisHour reports the cloud calls consumed in the current
// wall-clock hour.
func (r *Router) CloudCallsThisHour() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollHourLocked(r.now())
	return r.cloud.calls
}

// rollHourLocked resets the counter when the wall-clock hour changes.
// Caller must hold r.mu.
func (r *Router) rollHourLocked(now time.Time) {
	hour := now.Truncate(time.Hour)
	if !hour.Equal(r.cloud.start) {
		r.cloud = hourWindow{start: hour}
	}
}

var heavyKeywords = map[string]struct{}{
	"implement": {}, "implementing": {}, "refactor": {}, "refactoring": {},
	"generate": {}, "generating": {}, "create": {}, "creating": {},
	"build": {}, "building": {}, "write": {}, "writing": {},
	"fix": {}, "fixing": {}, "debug": {}, "debugging": {},
	"migrate": {}, "migration": {}, "rewrite": {}, "redesign": {},
	"integrate": {}, "integration": {}, "optimize": {}, "optimizing": {},
	"add": {}, "adding": {}, "test": {}, "tests": {}, "testing": {},
	"extend": {}, "extending": {},
}

var wordRe = regexp.MustCompile(`[a-z]+`)

// countHeavyKeywords counts distinct heavy-intent keywords in the task.
func countHeavyKeywords(task string) int {
	seen := make(map[string]struct{})
	for _, w := range wordRe.FindAllString(strings.ToLower(task), -1) {
		if _, ok := heavyKeywords[w]; ok {
			seen[w] = struct{}{}
		}
	}
	return len(seen)
}

var fileRefRe = regexp.MustCompile(`\b[\w./-]+\.(go|ts|tsx|js|jsx|py|rs|java|rb|c|cpp|h|css|html|json|yaml|yml|md|sql|sh)\b`)

// countFileReferences counts distinct source-file references.
func countFileReferences(task string) int {
	seen := make(map[string]struct{})
	for _, m := range fileRefRe.FindAllString(task, -1) {
		seen[m] = struct{}{}
	}
	return len(seen)
}

func capFloat(v, max float64) float64 {
	if v > max {
		return max
	}
	return v
}
