package collab

import (
	"slices"
	"time"
)

// MessageType identifies the kind of inter-agent message.
type MessageType string

const (
	// MessageDiscovery announces a newly discovered fact.
	MessageDiscovery MessageType = "discovery"

	// MessageFinding reports a security finding.
	MessageFinding MessageType = "finding"

	// MessageRequestHelp asks agents with matching specializations for help.
	MessageRequestHelp MessageType = "request_help"

	// MessageOfferHelp answers a help request.
	MessageOfferHelp MessageType = "offer_help"

	// MessageTaskAssignment hands a task to a specific agent.
	MessageTaskAssignment MessageType = "task_assignment"

	// MessageTaskCompletion announces that a fingerprinted task finished.
	MessageTaskCompletion MessageType = "task_completion"

	// MessageStatusUpdate carries an agent's progress.
	MessageStatusUpdate MessageType = "status_update"

	// MessageKnowledgeShare distributes accumulated knowledge about a target.
	MessageKnowledgeShare MessageType = "knowledge_share"

	// MessageAlert is a fleet-wide warning.
	MessageAlert MessageType = "alert"

	// MessageCoordination carries task-claim bookkeeping.
	MessageCoordination MessageType = "coordination"
)

// AllMessageTypes lists every message type in declaration order.
var AllMessageTypes = []MessageType{
	MessageDiscovery,
	MessageFinding,
	MessageRequestHelp,
	MessageOfferHelp,
	MessageTaskAssignment,
	MessageTaskCompletion,
	MessageStatusUpdate,
	MessageKnowledgeShare,
	MessageAlert,
	MessageCoordination,
}

// Priority orders mailbox contents; higher values are read first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 7
	PriorityCritical Priority = 10
)

// String returns the lower-case priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Payload is the content of a Message. The set of implementations is closed;
// recipients switch on the concrete type.
type Payload interface {
	Type() MessageType
	payload()
}

// DiscoveryPayload accompanies MessageDiscovery.
type DiscoveryPayload struct {
	DiscoveryType string            `json:"discovery_type"`
	Key           string            `json:"key"`
	Data          map[string]string `json:"data,omitempty"`
}

// FindingPayload accompanies MessageFinding.
type FindingPayload struct {
	Severity Severity `json:"severity"`
	Content  string   `json:"content"`
	Target   string   `json:"target,omitempty"`
}

// HelpRequestPayload accompanies MessageRequestHelp.
type HelpRequestPayload struct {
	TaskType        string   `json:"task_type"`
	Description     string   `json:"description"`
	Specializations []string `json:"specializations,omitempty"`
	RequestingAgent string   `json:"requesting_agent"`
}

// HelpOfferPayload accompanies MessageOfferHelp.
type HelpOfferPayload struct {
	RequestID    string   `json:"request_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	HelperAgent  string   `json:"helper_agent"`
}

// TaskAssignmentPayload accompanies MessageTaskAssignment.
type TaskAssignmentPayload struct {
	TaskType string `json:"task_type"`
	Command  string `json:"command"`
	Target   string `json:"target,omitempty"`
}

// TaskCompletionPayload accompanies MessageTaskCompletion.
type TaskCompletionPayload struct {
	Fingerprint string `json:"fingerprint"`
	Result      string `json:"result,omitempty"`
}

// StatusUpdatePayload accompanies MessageStatusUpdate.
type StatusUpdatePayload struct {
	Status      string  `json:"status"`
	CurrentLoad float64 `json:"current_load"`
	Detail      string  `json:"detail,omitempty"`
}

// KnowledgeSharePayload accompanies MessageKnowledgeShare.
type KnowledgeSharePayload struct {
	Target  string `json:"target"`
	Summary string `json:"summary"`
}

// AlertPayload accompanies MessageAlert.
type AlertPayload struct {
	AlertType string            `json:"alert_type"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
}

// CoordinationPayload accompanies MessageCoordination.
type CoordinationPayload struct {
	Action      string `json:"action"`
	Fingerprint string `json:"fingerprint"`
}

// Coordination actions.
const (
	ActionTaskClaimed  = "task_claimed"
	ActionTaskReleased = "task_released"
)

func (DiscoveryPayload) Type() MessageType      { return MessageDiscovery }
func (FindingPayload) Type() MessageType        { return MessageFinding }
func (HelpRequestPayload) Type() MessageType    { return MessageRequestHelp }
func (HelpOfferPayload) Type() MessageType      { return MessageOfferHelp }
func (TaskAssignmentPayload) Type() MessageType { return MessageTaskAssignment }
func (TaskCompletionPayload) Type() MessageType { return MessageTaskCompletion }
func (StatusUpdatePayload) Type() MessageType   { return MessageStatusUpdate }
func (KnowledgeSharePayload) Type() MessageType { return MessageKnowledgeShare }
func (AlertPayload) Type() MessageType          { return MessageAlert }
func (CoordinationPayload) Type() MessageType   { return MessageCoordination }

func (DiscoveryPayload) payload()      {}
func (FindingPayload) payload()        {}
func (HelpRequestPayload) payload()    {}
func (HelpOfferPayload) payload()      {}
func (TaskAssignmentPayload) payload() {}
func (TaskCompletionPayload) payload() {}
func (StatusUpdatePayload) payload()   {}
func (KnowledgeSharePayload) payload() {}
func (AlertPayload) payload()          {}
func (CoordinationPayload) payload()   {}

// Message is a single inter-agent communication. An empty To broadcasts.
type Message struct {
	ID          string      `json:"id"`
	From        string      `json:"from"`
	To          string      `json:"to,omitempty"`
	Type        MessageType `json:"type"`
	Payload     Payload     `json:"payload"`
	Priority    Priority    `json:"priority"`
	Timestamp   time.Time   `json:"timestamp"`
	RequiresAck bool        `json:"requires_ack,omitempty"`
	Acked       bool        `json:"acked,omitempty"`
}

// IsBroadcast reports whether the message has no single recipient.
func (m Message) IsBroadcast() bool {
	return m.To == ""
}

// Agent statuses used for routing.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
)

// AgentCapability is what an agent advertises to the rest of the fleet.
type AgentCapability struct {
	AgentID         string   `json:"agent_id"`
	Specializations []string `json:"specializations"`
	CurrentLoad     float64  `json:"current_load"`
	Status          string   `json:"status"`
	Target          string   `json:"target,omitempty"`
	ToolsAvailable  []string `json:"tools_available,omitempty"`
	FindingsCount   int      `json:"findings_count"`
}

func (c AgentCapability) clone() AgentCapability {
	c.Specializations = slices.Clone(c.Specializations)
	c.ToolsAvailable = slices.Clone(c.ToolsAvailable)
	return c
}

// HasSpecialization reports whether s is one of the agent's specializations.
func (c AgentCapability) HasSpecialization(s string) bool {
	return slices.Contains(c.Specializations, s)
}

func (c AgentCapability) available() bool {
	return c.Status == StatusRunning || c.Status == StatusIdle
}

// CapabilityUpdate is a partial update; nil fields are left unchanged.
type CapabilityUpdate struct {
	Specializations []string
	CurrentLoad     *float64
	Status          *string
	Target          *string
	ToolsAvailable  []string
	FindingsCount   *int
}

func (u CapabilityUpdate) apply(c *AgentCapability) {
	if u.Specializations != nil {
		c.Specializations = slices.Clone(u.Specializations)
	}
	if u.CurrentLoad != nil {
		c.CurrentLoad = *u.CurrentLoad
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.Target != nil {
		c.Target = *u.Target
	}
	if u.ToolsAvailable != nil {
		c.ToolsAvailable = slices.Clone(u.ToolsAvailable)
	}
	if u.FindingsCount != nil {
		c.FindingsCount = *u.FindingsCount
	}
}

// Discovery is a write-once entry in the discovery ledger.
type Discovery struct {
	AgentID   string            `json:"agent_id"`
	Type      string            `json:"type"`
	Key       string            `json:"key"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Filter narrows GetMessages. Zero values match everything.
type Filter struct {
	Types       []MessageType
	MinPriority Priority
	Limit       int
	UnreadOnly  bool
}

func (f Filter) match(m Message) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, m.Type) {
		return false
	}
	if m.Priority < f.MinPriority {
		return false
	}
	if f.UnreadOnly && m.Acked {
		return false
	}
	return true
}

// Handler receives messages as they are delivered.
type Handler func(Message)
