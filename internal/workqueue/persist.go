package workqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const stateFileName = "workqueue-state.json"

type persistedState struct {
	NextID         int64  `json:"next_id"`
	Items          []Item `json:"items"`
	History        []Item `json:"history"`
	TotalCompleted int    `json:"total_completed"`
}

// SaveState writes the queue state to a JSON file in dir. The write is
// atomic (temp file then rename) and holds a file lock for cross-process
// safety.
func (q *Queue) SaveState(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	q.mu.Lock()
	state := persistedState{
		NextID:         q.nextID,
		Items:          make([]Item, len(q.items)),
		History:        append([]Item{}, q.history...),
		TotalCompleted: q.totalCompleted,
	}
	for i, it := range q.items {
		state.Items[i] = *it
	}
	q.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}

	target := filepath.Join(dir, stateFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// LoadState restores a Queue from a state file in dir. Items that were
// executing when the state was saved are returned to pending, since their
// claimants did not survive the restart.
func LoadState(dir string, opts ...Option) (*Queue, error) {
	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal queue state: %w", err)
	}

	q := New(opts...)
	q.nextID = state.NextID
	q.totalCompleted = state.TotalCompleted
	q.history = state.History
	if over := len(q.history) - q.historySize; over > 0 {
		q.history = q.history[over:]
	}
	for i := range state.Items {
		it := state.Items[i]
		if it.Status == StatusExecuting {
			it.Status = StatusPending
			it.ClaimedBy = ""
			it.StartedAt = nil
		}
		if it.ID > q.nextID {
			q.nextID = it.ID
		}
		q.items = append(q.items, &it)
	}
	q.trimPendingLocked()
	return q, nil
}

// StateExists reports whether dir holds a saved queue state.
func StateExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, stateFileName))
	return err == nil
}
