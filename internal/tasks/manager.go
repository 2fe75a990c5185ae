// Package tasks implements the async task lifecycle for long-running tool
// calls. Workers only hold opaque task ids; the manager owns all task state.
package tasks

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one asynchronous tool invocation.
type Task struct {
	ID             string          `json:"id"`
	Status         Status          `json:"status"`
	ToolName       string          `json:"toolName"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	ApiKeyPrefix   string          `json:"apiKeyPrefix"`
	SessionID      string          `json:"sessionId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Progress       int             `json:"progress"`
	Message        string          `json:"message,omitempty"`
	CreditsCharged int64           `json:"creditsCharged"`
	OutcomeCredits *int64          `json:"outcomeCredits,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	DurationMs     int64           `json:"durationMs,omitempty"`
}

const (
	// DefaultMaxTasks bounds retained tasks; overflow evicts terminal tasks.
	DefaultMaxTasks = 10_000
	// DefaultTaskTimeout force-fails tasks stuck pending/running.
	DefaultTaskTimeout = 5 * time.Minute

	cleanupInterval = 60 * time.Second
)

// Manager owns the task table, the eviction policy and the timeout sweep.
type Manager struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	maxTasks int
	timeout  time.Duration
	nowFn    func() time.Time
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// NewManager creates a manager (0 arguments select the defaults).
func NewManager(maxTasks int, timeout time.Duration) *Manager {
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &Manager{
		tasks:    make(map[string]*Task),
		maxTasks: maxTasks,
		timeout:  timeout,
		nowFn:    time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// StartCleanup launches the 60s sweep goroutine.
func (m *Manager) StartCleanup() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Stop tears down the sweep goroutine. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	if started {
		<-m.done
	}
}

// Create registers a new pending task, evicting old terminal tasks if the
// table is full.
func (m *Manager) Create(toolName string, arguments json.RawMessage, apiKeyPrefix, sessionID string, creditsCharged int64) *Task {
	task := &Task{
		ID:             uuid.New().String(),
		Status:         StatusPending,
		ToolName:       toolName,
		Arguments:      arguments,
		ApiKeyPrefix:   apiKeyPrefix,
		SessionID:      sessionID,
		CreatedAt:      m.nowFn(),
		CreditsCharged: creditsCharged,
	}
	m.mu.Lock()
	if len(m.tasks) >= m.maxTasks {
		m.evictLocked()
	}
	m.tasks[task.ID] = task
	m.mu.Unlock()

	cp := *task
	return &cp
}

// evictLocked removes the oldest terminal tasks: at least one, at most 10% of
// the terminal cohort, ordered by completedAt (createdAt when unset).
func (m *Manager) evictLocked() {
	terminal := make([]*Task, 0)
	for _, t := range m.tasks {
		if t.Status.Terminal() {
			terminal = append(terminal, t)
		}
	}
	if len(terminal) == 0 {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return evictionTime(terminal[i]).Before(evictionTime(terminal[j]))
	})
	n := len(terminal) / 10
	if n < 1 {
		n = 1
	}
	for _, t := range terminal[:n] {
		delete(m.tasks, t.ID)
	}
	slog.Debug("[TaskManager] Evicted terminal tasks", "count", n)
}

func evictionTime(t *Task) time.Time {
	if t.CompletedAt != nil {
		return *t.CompletedAt
	}
	return t.CreatedAt
}

// Get returns a copy of the task, or nil.
func (m *Manager) Get(id string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// Start moves a pending task to running. Returns nil if the transition is
// not legal.
func (m *Manager) Start(id string) *Task {
	return m.transition(id, func(t *Task) bool {
		if t.Status != StatusPending {
			return false
		}
		now := m.nowFn()
		t.Status = StatusRunning
		t.StartedAt = &now
		return true
	})
}

// UpdateProgress sets progress (clamped to 0..100) and an optional message on
// a non-terminal task.
func (m *Manager) UpdateProgress(id string, progress int, message string) *Task {
	return m.transition(id, func(t *Task) bool {
		if t.Status.Terminal() {
			return false
		}
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		t.Progress = progress
		if message != "" {
			t.Message = message
		}
		return true
	})
}

// Complete finishes a task with its result and optional outcome-based credit
// figure. Sets progress to 100 and the duration.
func (m *Manager) Complete(id string, result json.RawMessage, outcomeCredits *int64) *Task {
	return m.transition(id, func(t *Task) bool {
		if t.Status.Terminal() {
			return false
		}
		m.finishLocked(t, StatusCompleted)
		t.Progress = 100
		t.Result = result
		t.OutcomeCredits = outcomeCredits
		return true
	})
}

// Fail marks a task failed with the given error.
func (m *Manager) Fail(id string, errMsg string) *Task {
	return m.transition(id, func(t *Task) bool {
		if t.Status.Terminal() {
			return false
		}
		m.finishLocked(t, StatusFailed)
		t.Error = errMsg
		return true
	})
}

// Cancel cancels a pending or running task.
func (m *Manager) Cancel(id string) *Task {
	return m.transition(id, func(t *Task) bool {
		if t.Status.Terminal() {
			return false
		}
		m.finishLocked(t, StatusCancelled)
		return true
	})
}

func (m *Manager) finishLocked(t *Task, status Status) {
	now := m.nowFn()
	t.Status = status
	t.CompletedAt = &now
	if t.StartedAt != nil {
		t.DurationMs = now.Sub(*t.StartedAt).Milliseconds()
	} else {
		t.DurationMs = now.Sub(t.CreatedAt).Milliseconds()
	}
	if t.DurationMs < 0 {
		t.DurationMs = 0
	}
}

func (m *Manager) transition(id string, fn func(*Task) bool) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || !fn(t) {
		return nil
	}
	cp := *t
	return &cp
}

// Sweep force-fails pending/running tasks older than the timeout.
func (m *Manager) Sweep() {
	now := m.nowFn()
	m.mu.Lock()
	var timedOut int
	for _, t := range m.tasks {
		if t.Status.Terminal() {
			continue
		}
		if now.Sub(t.CreatedAt) > m.timeout {
			m.finishLocked(t, StatusFailed)
			t.Error = "task timed out"
			timedOut++
		}
	}
	m.mu.Unlock()
	if timedOut > 0 {
		slog.Warn("[TaskManager] Timed out stuck tasks", "count", timedOut)
	}
}

// List returns tasks for an API key prefix (all when empty), newest first.
func (m *Manager) List(apiKeyPrefix string) []*Task {
	m.mu.Lock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if apiKeyPrefix != "" && t.ApiKeyPrefix != apiKeyPrefix {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Len returns the number of retained tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
