package workqueue

import "time"

// Status represents the lifecycle state of a work item.
type Status string

const (
	// StatusPending indicates the item is waiting to be claimed.
	StatusPending Status = "pending"

	// StatusExecuting indicates a worker holds the claim and is running it.
	StatusExecuting Status = "executing"

	// StatusCompleted indicates the item finished and moved to history.
	StatusCompleted Status = "completed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Item is a single queued command.
type Item struct {
	// ID is assigned from a per-queue monotonic counter starting at 1.
	ID int64 `json:"id"`

	// Command is the trimmed command text, e.g. "RUN nmap -sV 10.0.0.1".
	Command string `json:"command"`

	Status Status `json:"status"`

	// ClaimedBy is the worker holding the claim while executing.
	ClaimedBy string `json:"claimed_by,omitempty"`

	AddedAt     time.Time  `json:"added_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Result holds the executor output, truncated to MaxResultBytes.
	Result string `json:"result,omitempty"`

	// Error holds the most recent failure reason.
	Error string `json:"error,omitempty"`
}

// Snapshot is a read-only copy of the queue state.
type Snapshot struct {
	Pending         []Item `json:"pending"`
	Executing       []Item `json:"executing"`
	TotalCompleted  int    `json:"total_completed"`
	RecentCompleted []Item `json:"recent_completed"`
}
