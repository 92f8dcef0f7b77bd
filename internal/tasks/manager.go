// Package tasks tracks background tool invocations for one session: ordinal
// numbering, listing, and best-effort cancellation.
package tasks

import (
	"sync"
	"time"
)

// Task is one registered background invocation.
type Task struct {
	ID             string
	Name           string
	Ordinal        int
	StartTime      time.Time
	OriginalPrompt string
	cancel         func()
}

// Summary is the read-only snapshot returned by List, shaped for the
// list_running_tasks tool result.
type Summary struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Ordinal        int    `json:"ordinal"`
	StartTime      string `json:"start_time"`
	OriginalPrompt string `json:"original_prompt"`
	Status         string `json:"status"`
}

// Manager is a per-session registry of background tasks. Safe for concurrent
// use; tasks remove themselves on completion.
type Manager struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	ordinal int
}

// NewManager creates an empty task manager.
func NewManager() *Manager {
	return &Manager{tasks: make(map[string]*Task)}
}

// Add registers a task and returns its ordinal. Ordinals are strictly
// increasing within one manager; re-adding an existing id replaces the entry
// but still consumes a fresh ordinal.
func (m *Manager) Add(id, name, originalPrompt string, cancel func()) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ordinal++
	m.tasks[id] = &Task{
		ID:             id,
		Name:           name,
		Ordinal:        m.ordinal,
		StartTime:      time.Now().UTC(),
		OriginalPrompt: originalPrompt,
		cancel:         cancel,
	}
	return m.ordinal
}

// Remove deletes a task if present. Called by the task itself on completion.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
}

// List returns a snapshot of running tasks ordered by ordinal.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Summary, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, Summary{
			ID:             t.ID,
			Name:           t.Name,
			Ordinal:        t.Ordinal,
			StartTime:      t.StartTime.Format(time.RFC3339),
			OriginalPrompt: t.OriginalPrompt,
			Status:         "Running",
		})
	}
	// Insertion order by ordinal.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Ordinal > out[j].Ordinal; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Len returns the number of running tasks.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// Cancel fires the task's cancel handle and removes it. Returns whether the
// id was present; at most one caller per id observes true.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	return true
}
