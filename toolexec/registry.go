// Package toolexec provides the tool execution layer for agents: a registry
// of named tools with JSON-schema-validated parameters, an execution
// environment abstraction, the core file/shell/search tools, and output
// truncation so results stay within what a model turn can absorb.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Executor runs one tool invocation against the environment.
type Executor func(ctx context.Context, env Environment, params map[string]interface{}) (string, error)

// Tool pairs serializable metadata with its executor. Schema is a JSON
// Schema object describing the params; a nil schema skips validation.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
	Run         Executor               `json:"-"`
}

// Config bounds tool execution.
type Config struct {
	// ToolTimeout caps a single tool invocation. Zero means no cap.
	ToolTimeout time.Duration
	// CharLimits overrides per-tool output character limits.
	CharLimits map[string]int
	// LineLimits overrides per-tool output line limits.
	LineLimits map[string]int
}

// DefaultConfig returns the execution bounds used when none are configured.
func DefaultConfig() Config {
	return Config{ToolTimeout: 60 * time.Second}
}

// Registry manages tool registration, validation, and dispatch.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	cfg    Config
	logger *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		cfg:    cfg,
		logger: logger.Named("toolexec"),
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = &t
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Describe renders the registered tools as a prompt fragment: one line of
// name and description, followed by the parameter schema.
func (r *Registry) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		t := r.tools[name]
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		if t.Schema != nil {
			if js, err := json.Marshal(t.Schema); err == nil {
				fmt.Fprintf(&sb, "  parameters: %s\n", js)
			}
		}
	}
	return sb.String()
}

// Execute validates params against the tool's schema, runs the tool under
// the configured timeout, and truncates the output. Unknown tools and
// validation failures return errors whose text is meant to be fed back to
// the model.
func (r *Registry) Execute(ctx context.Context, env Environment, name string, params map[string]interface{}) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", fmt.Errorf("unknown tool %q; available tools: %s", name, strings.Join(r.Names(), ", "))
	}

	if err := validateParams(tool.Schema, params); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}

	if r.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := tool.Run(ctx, env, params)
	elapsed := time.Since(start)
	if err != nil {
		r.logger.Debug("tool failed",
			zap.String("tool", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return "", err
	}

	r.logger.Debug("tool succeeded",
		zap.String("tool", name),
		zap.Duration("elapsed", elapsed),
		zap.Int("output_bytes", len(out)))
	return TruncateToolOutput(out, name, r.cfg.CharLimits, r.cfg.LineLimits), nil
}

// validateParams checks params against a JSON Schema object.
func validateParams(schema map[string]interface{}, params map[string]interface{}) error {
	if len(schema) == 0 {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(params),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			msgs[i] = e.String()
		}
		return fmt.Errorf("invalid parameters: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// StringParam extracts a string parameter.
func StringParam(params map[string]interface{}, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntParam extracts an integer parameter. JSON numbers arrive as float64.
func IntParam(params map[string]interface{}, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// BoolParam extracts a boolean parameter.
func BoolParam(params map[string]interface{}, key string) (bool, bool) {
	v, ok := params[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
