package fleet

import (
	"time"

	"github.com/Iron-Ham/armada/internal/collab"
	"github.com/Iron-Ham/armada/internal/ratebudget"
	"github.com/Iron-Ham/armada/internal/throttle"
	"github.com/Iron-Ham/armada/internal/worker"
	"github.com/Iron-Ham/armada/internal/workqueue"
)

// Snapshot is a point-in-time copy of everything an operator view shows.
type Snapshot struct {
	MissionID  string                    `json:"mission_id"`
	At         time.Time                 `json:"at"`
	Done       bool                      `json:"done"`
	Queue      workqueue.Snapshot        `json:"queue"`
	Workers    []worker.Status           `json:"workers"`
	Team       collab.TeamStatus         `json:"team"`
	Throttle   map[string]throttle.State `json:"throttle"`
	RateBudget []ratebudget.Status       `json:"rate_budget"`
}

// Snapshot collects the state of every shared component. Each component
// is copied under its own lock, so the result is not a single atomic cut.
func (f *Fleet) Snapshot() Snapshot {
	return Snapshot{
		MissionID:  f.missionID,
		At:         time.Now(),
		Done:       f.Done(),
		Queue:      f.queue.Snapshot(),
		Workers:    f.Workers(),
		Team:       f.collab.TeamStatus(),
		Throttle:   f.throttle.States(),
		RateBudget: f.budget.Statuses(),
	}
}

// Counts summarizes a snapshot for compact displays.
type Counts struct {
	Pending   int
	Executing int
	Completed int
	Active    int
	Findings  int
}

// Counts returns the summary counters of s.
func (s Snapshot) Counts() Counts {
	c := Counts{
		Pending:   len(s.Queue.Pending),
		Executing: len(s.Queue.Executing),
		Completed: s.Queue.TotalCompleted,
	}
	for _, w := range s.Workers {
		if !w.State.Terminal() {
			c.Active++
		}
		c.Findings += w.Findings
	}
	return c
}
