package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session is the persisted record of one coordination run.
type Session struct {
	ID        string        `json:"id"`
	StartTime time.Time     `json:"startTime"`
	EndTime   *time.Time    `json:"endTime,omitempty"`
	Agents    []AgentRecord `json:"agents"`
	Artifacts []string      `json:"artifacts"`
	Messages  []Message     `json:"messages"`
}

// AgentRecord is the session-log view of one agent's run.
type AgentRecord struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Task      string     `json:"task"`
	Status    string     `json:"status"`
	Output    []string   `json:"output"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
}

// Message is one conversational entry in the session log.
type Message struct {
	AgentID   string    `json:"agentId,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// RecorderConfig controls where and how often sessions are written.
type RecorderConfig struct {
	// Dir is the directory session files are written into.
	Dir string
	// FlushInterval debounces checkpoint writes. At most one write happens
	// per interval no matter how many mutations arrive.
	FlushInterval time.Duration
}

// DefaultRecorderConfig writes sessions under dir/sessions with 5s
// checkpoints.
func DefaultRecorderConfig(dir string) RecorderConfig {
	return RecorderConfig{
		Dir:           filepath.Join(dir, "sessions"),
		FlushInterval: 5 * time.Second,
	}
}

// SessionRecorder accumulates the session log during a run and persists it
// as JSON: debounced checkpoints while running, a final write at End.
type SessionRecorder struct {
	mu     sync.Mutex
	cfg    RecorderConfig
	logger *zap.Logger

	sess   Session
	agents map[string]int

	dirty  bool
	timer  *time.Timer
	closed bool

	now func() time.Time
}

// NewSessionRecorder starts a new session record with a fresh id.
func NewSessionRecorder(cfg RecorderConfig, logger *zap.Logger) *SessionRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &SessionRecorder{
		cfg:    cfg,
		logger: logger.Named("session"),
		agents: make(map[string]int),
		now:    time.Now,
	}
	r.sess = Session{
		ID:        uuid.New().String(),
		StartTime: r.now().UTC(),
		Agents:    []AgentRecord{},
		Artifacts: []string{},
		Messages:  []Message{},
	}
	return r
}

// SessionID returns the id of the session being recorded.
func (r *SessionRecorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess.ID
}

// Path returns the file this session is persisted to.
func (r *SessionRecorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pathLocked()
}

func (r *SessionRecorder) pathLocked() string {
	return filepath.Join(r.cfg.Dir, r.sess.ID+".json")
}

// StartAgent appends a new running AgentRecord.
func (r *SessionRecorder) StartAgent(id, agentType, task string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[id]; exists {
		return
	}
	r.sess.Agents = append(r.sess.Agents, AgentRecord{
		ID:        id,
		Type:      agentType,
		Task:      task,
		Status:    "running",
		Output:    []string{},
		StartTime: r.now().UTC(),
	})
	r.agents[id] = len(r.sess.Agents) - 1
	r.markDirtyLocked()
}

// AgentOutput appends an output chunk to an agent's record.
func (r *SessionRecorder) AgentOutput(id, chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.agents[id]
	if !ok {
		return
	}
	r.sess.Agents[idx].Output = append(r.sess.Agents[idx].Output, chunk)
	r.markDirtyLocked()
}

// SetAgentStatus updates an agent's status without ending it.
func (r *SessionRecorder) SetAgentStatus(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.agents[id]
	if !ok {
		return
	}
	r.sess.Agents[idx].Status = status
	r.markDirtyLocked()
}

// FinishAgent records an agent's terminal status and end time.
func (r *SessionRecorder) FinishAgent(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.agents[id]
	if !ok {
		return
	}
	r.sess.Agents[idx].Status = status
	end := r.now().UTC()
	r.sess.Agents[idx].EndTime = &end
	r.markDirtyLocked()
}

// AddMessage appends to the session conversation log.
func (r *SessionRecorder) AddMessage(agentID, role, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sess.Messages = append(r.sess.Messages, Message{
		AgentID:   agentID,
		Role:      role,
		Content:   content,
		Timestamp: r.now().UTC(),
	})
	r.markDirtyLocked()
}

// AddArtifact records a produced file path, deduplicated.
func (r *SessionRecorder) AddArtifact(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.sess.Artifacts {
		if a == path {
			return
		}
	}
	r.sess.Artifacts = append(r.sess.Artifacts, path)
	r.markDirtyLocked()
}

// Snapshot returns a deep copy of the current session state.
func (r *SessionRecorder) Snapshot() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copySession(r.sess)
}

// Flush writes the session to disk immediately and clears the debounce.
func (r *SessionRecorder) Flush() error {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.dirty = false
	path := r.pathLocked()
	data, err := json.MarshalIndent(r.sess, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return writeSessionFile(path, data)
}

// End stamps the session end time and performs the final write. Further
// mutations are ignored.
func (r *SessionRecorder) End() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	end := r.now().UTC()
	r.sess.EndTime = &end
	r.mu.Unlock()
	return r.Flush()
}

// markDirtyLocked schedules a debounced checkpoint. Callers hold r.mu.
func (r *SessionRecorder) markDirtyLocked() {
	if r.closed {
		return
	}
	r.dirty = true
	if r.cfg.FlushInterval <= 0 || r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(r.cfg.FlushInterval, r.flushFromTimer)
}

func (r *SessionRecorder) flushFromTimer() {
	r.mu.Lock()
	r.timer = nil
	if r.closed || !r.dirty {
		r.mu.Unlock()
		return
	}
	r.dirty = false
	path := r.pathLocked()
	data, err := json.MarshalIndent(r.sess, "", "  ")
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("session checkpoint marshal failed", zap.Error(err))
		return
	}
	if err := writeSessionFile(path, data); err != nil {
		r.logger.Warn("session checkpoint write failed", zap.Error(err))
		r.mu.Lock()
		r.markDirtyLocked()
		r.mu.Unlock()
	}
}

func writeSessionFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// LoadSession reads a persisted session file.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	return &sess, nil
}

func copySession(s Session) Session {
	out := s
	out.Agents = make([]AgentRecord, len(s.Agents))
	for i, a := range s.Agents {
		ca := a
		ca.Output = append([]string(nil), a.Output...)
		if a.EndTime != nil {
			end := *a.EndTime
			ca.EndTime = &end
		}
		out.Agents[i] = ca
	}
	out.Artifacts = append([]string(nil), s.Artifacts...)
	out.Messages = append([]Message(nil), s.Messages...)
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	return out
}
