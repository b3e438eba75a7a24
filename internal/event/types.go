package event

import "time"

// Event types published on the bus.
const (
	TypeQueueChanged    = "queue.changed"
	TypeWorkerStatus    = "worker.status"
	TypeThrottlePaused  = "throttle.paused"
	TypeRateCooldown    = "ratebudget.cooldown"
	TypeDiscoveryShared = "collab.discovery"
	TypeFindingReported = "collab.finding"
	TypeInboxAccepted   = "inbox.accepted"
	TypeMissionFinished = "mission.finished"
)

// Event is the interface that all events implement.
type Event interface {
	// EventType returns the "category.action" identifier.
	EventType() string
	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Queue Events
// -----------------------------------------------------------------------------

// QueueChangedEvent is emitted after every mutation of the shared work queue.
type QueueChangedEvent struct {
	baseEvent
	Op             string // "add", "claim", "complete", "fail", "edit", "remove", "clear"
	ItemID         int64  // zero for bulk operations
	Pending        int
	Executing      int
	TotalCompleted int
}

// NewQueueChangedEvent creates a QueueChangedEvent.
func NewQueueChangedEvent(op string, itemID int64, pending, executing, totalCompleted int) QueueChangedEvent {
	return QueueChangedEvent{
		baseEvent:      newBaseEvent(TypeQueueChanged),
		Op:             op,
		ItemID:         itemID,
		Pending:        pending,
		Executing:      executing,
		TotalCompleted: totalCompleted,
	}
}

// InboxAcceptedEvent is emitted when operator-supplied commands are queued.
type InboxAcceptedEvent struct {
	baseEvent
	Source string
	Count  int
}

// NewInboxAcceptedEvent creates an InboxAcceptedEvent.
func NewInboxAcceptedEvent(source string, count int) InboxAcceptedEvent {
	return InboxAcceptedEvent{
		baseEvent: newBaseEvent(TypeInboxAccepted),
		Source:    source,
		Count:     count,
	}
}

// -----------------------------------------------------------------------------
// Worker Events
// -----------------------------------------------------------------------------

// WorkerStatusEvent is emitted when a worker changes state.
type WorkerStatusEvent struct {
	baseEvent
	WorkerID  string
	State     string
	Previous  string
	Reason    string
	Iteration int
}

// NewWorkerStatusEvent creates a WorkerStatusEvent.
func NewWorkerStatusEvent(workerID, state, previous, reason string, iteration int) WorkerStatusEvent {
	return WorkerStatusEvent{
		baseEvent: newBaseEvent(TypeWorkerStatus),
		WorkerID:  workerID,
		State:     state,
		Previous:  previous,
		Reason:    reason,
		Iteration: iteration,
	}
}

// MissionFinishedEvent is emitted once every worker of a mission has exited.
type MissionFinishedEvent struct {
	baseEvent
	MissionID string
	Workers   int
	Failed    int
}

// NewMissionFinishedEvent creates a MissionFinishedEvent.
func NewMissionFinishedEvent(missionID string, workers, failed int) MissionFinishedEvent {
	return MissionFinishedEvent{
		baseEvent: newBaseEvent(TypeMissionFinished),
		MissionID: missionID,
		Workers:   workers,
		Failed:    failed,
	}
}

// -----------------------------------------------------------------------------
// Admission Events
// -----------------------------------------------------------------------------

// ThrottlePausedEvent is emitted when sustained resource pressure pauses a worker.
type ThrottlePausedEvent struct {
	baseEvent
	WorkerID string
	Until    time.Time
	Reason   string
}

// NewThrottlePausedEvent creates a ThrottlePausedEvent.
func NewThrottlePausedEvent(workerID string, until time.Time, reason string) ThrottlePausedEvent {
	return ThrottlePausedEvent{
		baseEvent: newBaseEvent(TypeThrottlePaused),
		WorkerID:  workerID,
		Until:     until,
		Reason:    reason,
	}
}

// RateCooldownEvent is emitted when a model enters a rate-limit cooldown.
type RateCooldownEvent struct {
	baseEvent
	Model string
	Until time.Time
}

// NewRateCooldownEvent creates a RateCooldownEvent.
func NewRateCooldownEvent(model string, until time.Time) RateCooldownEvent {
	return RateCooldownEvent{
		baseEvent: newBaseEvent(TypeRateCooldown),
		Model:     model,
		Until:     until,
	}
}

// -----------------------------------------------------------------------------
// Collaboration Events
// -----------------------------------------------------------------------------

// DiscoverySharedEvent is emitted when a new fact enters the discovery ledger.
type DiscoverySharedEvent struct {
	baseEvent
	AgentID       string
	DiscoveryType string
	Key           string
}

// NewDiscoverySharedEvent creates a DiscoverySharedEvent.
func NewDiscoverySharedEvent(agentID, discoveryType, key string) DiscoverySharedEvent {
	return DiscoverySharedEvent{
		baseEvent:     newBaseEvent(TypeDiscoveryShared),
		AgentID:       agentID,
		DiscoveryType: discoveryType,
		Key:           key,
	}
}

// FindingReportedEvent is emitted when a worker reports a finding.
type FindingReportedEvent struct {
	baseEvent
	AgentID  string
	Target   string
	Severity string
	Content  string
}

// NewFindingReportedEvent creates a FindingReportedEvent.
func NewFindingReportedEvent(agentID, target, severity, content string) FindingReportedEvent {
	return FindingReportedEvent{
		baseEvent: newBaseEvent(TypeFindingReported),
		AgentID:   agentID,
		Target:    target,
		Severity:  severity,
		Content:   content,
	}
}
