// Package collab is the collaboration bus shared by every worker in a
// mission. It keeps a capability registry, per-agent bounded mailboxes,
// fleet-wide task claims keyed by fingerprint, a write-once discovery
// ledger, and a knowledge base of facts learned about each target.
//
// All state sits behind a single mutex. Push handlers run after the lock is
// released, so a handler may call back into the bus.
package collab

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/armada/internal/event"
	"github.com/Iron-Ham/armada/internal/logging"
)

// Default bounds.
const (
	DefaultMailboxSize    = 20
	DefaultMaxDiscoveries = 100
	DefaultMaxCompleted   = 50
)

type agent struct {
	capability AgentCapability
	subscribed map[MessageType]bool
	mailbox    []Message
	handler    Handler
}

// Stats are cumulative bus counters.
type Stats struct {
	Agents             int `json:"agents"`
	MessagesSent       int `json:"messages_sent"`
	MessagesDelivered  int `json:"messages_delivered"`
	MessagesTrimmed    int `json:"messages_trimmed"`
	TasksInProgress    int `json:"tasks_in_progress"`
	TasksCompleted     int `json:"tasks_completed"`
	DuplicateClaims    int `json:"duplicate_claims"`
	Discoveries        int `json:"discoveries"`
	DuplicateDiscovery int `json:"duplicate_discoveries"`
	Findings           int `json:"findings"`
}

// Bus coordinates agents. All methods are safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	agents map[string]*agent
	order  []string // registration order

	inProgress     map[string]string // fingerprint -> agent
	completed      map[string]struct{}
	completedOrder []string

	discoveries    map[string]Discovery // "type:key"
	discoveryOrder []string

	stats Stats

	knowledge *KnowledgeBase

	mailboxSize    int
	maxDiscoveries int
	maxCompleted   int

	events *event.Bus
	logger *logging.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Bus.
type Option func(*Bus)

// WithMailboxSize bounds each agent's mailbox.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// WithMaxDiscoveries bounds the discovery ledger.
func WithMaxDiscoveries(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxDiscoveries = n
		}
	}
}

// WithMaxCompleted bounds the completed-task set.
func WithMaxCompleted(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxCompleted = n
		}
	}
}

// WithEventBus publishes discovery and finding events.
func WithEventBus(bus *event.Bus) Option {
	return func(b *Bus) {
		b.events = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		agents:         make(map[string]*agent),
		inProgress:     make(map[string]string),
		completed:      make(map[string]struct{}),
		discoveries:    make(map[string]Discovery),
		knowledge:      NewKnowledgeBase(),
		mailboxSize:    DefaultMailboxSize,
		maxDiscoveries: DefaultMaxDiscoveries,
		maxCompleted:   DefaultMaxCompleted,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrNop(b.logger).WithComponent("collab")
	return b
}

// Knowledge returns the bus's knowledge base.
func (b *Bus) Knowledge() *KnowledgeBase {
	return b.knowledge
}

// RegisterAgent adds or replaces an agent's capability record. New agents
// are subscribed to every message type.
func (b *Bus) RegisterAgent(c AgentCapability) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if a, ok := b.agents[c.AgentID]; ok {
		a.capability = c.clone()
		return
	}
	subs := make(map[MessageType]bool, len(AllMessageTypes))
	for _, t := range AllMessageTypes {
		subs[t] = true
	}
	b.agents[c.AgentID] = &agent{capability: c.clone(), subscribed: subs}
	b.order = append(b.order, c.AgentID)
	b.logger.Debug("agent registered", "agent", c.AgentID, "specializations", c.Specializations)
}

// UnregisterAgent removes the agent along with its mailbox and handler.
// In-progress task claims held by the agent are released.
func (b *Bus) UnregisterAgent(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.agents[agentID]; !ok {
		return false
	}
	delete(b.agents, agentID)
	b.order = slices.DeleteFunc(b.order, func(id string) bool { return id == agentID })
	for fp, owner := range b.inProgress {
		if owner == agentID {
			delete(b.inProgress, fp)
		}
	}
	b.logger.Debug("agent unregistered", "agent", agentID)
	return true
}

// UpdateCapabilities applies a partial update to a registered agent.
func (b *Bus) UpdateCapabilities(agentID string, u CapabilityUpdate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.agents[agentID]
	if !ok {
		return false
	}
	u.apply(&a.capability)
	return true
}

// Capability returns a copy of an agent's capability record.
func (b *Bus) Capability(agentID string) (AgentCapability, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.agents[agentID]
	if !ok {
		return AgentCapability{}, false
	}
	return a.capability.clone(), true
}

// Subscribe replaces the agent's subscriptions with types. With no types the
// agent is subscribed to everything.
func (b *Bus) Subscribe(agentID string, types ...MessageType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.agents[agentID]
	if !ok {
		return false
	}
	if len(types) == 0 {
		types = AllMessageTypes
	}
	a.subscribed = make(map[MessageType]bool, len(types))
	for _, t := range types {
		a.subscribed[t] = true
	}
	return true
}

// SetHandler installs a push handler invoked for every message delivered to
// the agent. A nil handler removes it.
func (b *Bus) SetHandler(agentID string, h Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.agents[agentID]
	if !ok {
		return false
	}
	a.handler = h
	return true
}

type delivery struct {
	handler Handler
	msg     Message
}

// SendMessage delivers msg. A direct message reaches its recipient only if
// the recipient is registered and subscribed to the type. A broadcast
// reaches every other registered, subscribed agent. It reports whether at
// least one mailbox received the message.
func (b *Bus) SendMessage(msg Message) bool {
	if msg.Payload == nil {
		return false
	}
	msg.Type = msg.Payload.Type()
	if msg.ID == "" {
		msg.ID = b.newID()
	}
	if msg.Priority == 0 {
		msg.Priority = PriorityNormal
	}
	msg.Acked = false

	b.mu.Lock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}
	b.stats.MessagesSent++

	var (
		pending   []delivery
		delivered int
	)
	deliver := func(a *agent) {
		if !a.subscribed[msg.Type] {
			return
		}
		delivered++
		a.mailbox = append(a.mailbox, msg)
		if over := len(a.mailbox) - b.mailboxSize; over > 0 {
			a.mailbox = slices.Delete(a.mailbox, 0, over)
			b.stats.MessagesTrimmed += over
		}
		b.stats.MessagesDelivered++
		if a.handler != nil {
			pending = append(pending, delivery{handler: a.handler, msg: msg})
		}
	}

	if msg.IsBroadcast() {
		for _, id := range b.order {
			if id == msg.From {
				continue
			}
			deliver(b.agents[id])
		}
	} else if a, ok := b.agents[msg.To]; ok {
		deliver(a)
	}
	b.mu.Unlock()

	for _, d := range pending {
		b.safeCall(d.handler, d.msg)
	}
	return delivered > 0
}

func (b *Bus) safeCall(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("message handler panicked",
				"to", msg.To,
				"type", string(msg.Type),
				"panic", r,
			)
		}
	}()
	h(msg)
}

// GetMessages returns the agent's mailbox contents matching f, sorted by
// priority (highest first) then timestamp (oldest first).
func (b *Bus) GetMessages(agentID string, f Filter) []Message {
	b.mu.Lock()
	a, ok := b.agents[agentID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	var out []Message
	for _, m := range a.mailbox {
		if f.match(m) {
			out = append(out, m)
		}
	}
	b.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Acknowledge marks a message in the agent's mailbox as read.
func (b *Bus) Acknowledge(agentID, messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.agents[agentID]
	if !ok {
		return false
	}
	for i := range a.mailbox {
		if a.mailbox[i].ID == messageID {
			a.mailbox[i].Acked = true
			return true
		}
	}
	return false
}

// ClearMessages removes the given messages from the agent's mailbox, or
// every message when no ids are given. It returns the number removed.
func (b *Bus) ClearMessages(agentID string, ids ...string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.agents[agentID]
	if !ok {
		return 0
	}
	before := len(a.mailbox)
	if len(ids) == 0 {
		a.mailbox = nil
		return before
	}
	a.mailbox = slices.DeleteFunc(a.mailbox, func(m Message) bool {
		return slices.Contains(ids, m.ID)
	})
	return before - len(a.mailbox)
}

// Stats returns a copy of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.Agents = len(b.agents)
	s.TasksInProgress = len(b.inProgress)
	s.Discoveries = len(b.discoveries)
	return s
}
