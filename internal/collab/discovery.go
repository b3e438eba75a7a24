package collab

import (
	"maps"

	"github.com/Iron-Ham/armada/internal/event"
)

func discoveryKey(discoveryType, key string) string {
	return discoveryType + ":" + key
}

// ShareDiscovery records a fact in the ledger. The first writer of a
// (type, key) pair wins; later calls return false and leave the stored
// value alone. When broadcast is set the discovery is also sent to every
// other agent.
func (b *Bus) ShareDiscovery(agentID, discoveryType, key string, data map[string]string, broadcast bool) bool {
	k := discoveryKey(discoveryType, key)

	b.mu.Lock()
	if _, exists := b.discoveries[k]; exists {
		b.stats.DuplicateDiscovery++
		b.mu.Unlock()
		return false
	}
	b.discoveries[k] = Discovery{
		AgentID:   agentID,
		Type:      discoveryType,
		Key:       key,
		Data:      maps.Clone(data),
		Timestamp: b.now(),
	}
	b.discoveryOrder = append(b.discoveryOrder, k)
	if over := len(b.discoveryOrder) - b.maxDiscoveries; over > 0 {
		for _, old := range b.discoveryOrder[:over] {
			delete(b.discoveries, old)
		}
		b.discoveryOrder = append(b.discoveryOrder[:0], b.discoveryOrder[over:]...)
	}
	b.mu.Unlock()

	b.logger.Debug("discovery shared", "agent", agentID, "type", discoveryType, "key", key)
	b.events.Publish(event.NewDiscoverySharedEvent(agentID, discoveryType, key))

	if broadcast {
		b.SendMessage(Message{
			From: agentID,
			Payload: DiscoveryPayload{
				DiscoveryType: discoveryType,
				Key:           key,
				Data:          maps.Clone(data),
			},
		})
	}
	return true
}

// Discovery returns the ledger entry for (type, key).
func (b *Bus) Discovery(discoveryType, key string) (Discovery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.discoveries[discoveryKey(discoveryType, key)]
	if ok {
		d.Data = maps.Clone(d.Data)
	}
	return d, ok
}

// HasDiscovery reports whether (type, key) is already in the ledger.
func (b *Bus) HasDiscovery(discoveryType, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.discoveries[discoveryKey(discoveryType, key)]
	return ok
}

// Discoveries returns ledger entries in insertion order, optionally limited
// to one type.
func (b *Bus) Discoveries(discoveryType string) []Discovery {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Discovery
	for _, k := range b.discoveryOrder {
		d := b.discoveries[k]
		if discoveryType != "" && d.Type != discoveryType {
			continue
		}
		d.Data = maps.Clone(d.Data)
		out = append(out, d)
	}
	return out
}

// ShareFinding broadcasts a finding and bumps the reporting agent's
// findings count. Critical and high findings are sent at high priority.
func (b *Bus) ShareFinding(agentID, target string, severity Severity, content string) {
	b.mu.Lock()
	if a, ok := b.agents[agentID]; ok {
		a.capability.FindingsCount++
	}
	b.stats.Findings++
	b.mu.Unlock()

	b.events.Publish(event.NewFindingReportedEvent(agentID, target, string(severity), content))
	b.SendMessage(Message{
		From:     agentID,
		Payload:  FindingPayload{Severity: severity, Content: content, Target: target},
		Priority: severity.Priority(),
	})
}

// RequestHelp broadcasts a help request and returns its message id.
func (b *Bus) RequestHelp(agentID, taskType, description string, specializations []string) string {
	id := b.newID()
	b.SendMessage(Message{
		ID:   id,
		From: agentID,
		Payload: HelpRequestPayload{
			TaskType:        taskType,
			Description:     description,
			Specializations: specializations,
			RequestingAgent: agentID,
		},
		Priority:    PriorityHigh,
		RequiresAck: true,
	})
	return id
}

// OfferHelp answers requestID directly to the requesting agent.
func (b *Bus) OfferHelp(agentID, requestingAgent, requestID string, capabilities []string) bool {
	return b.SendMessage(Message{
		From: agentID,
		To:   requestingAgent,
		Payload: HelpOfferPayload{
			RequestID:    requestID,
			Capabilities: capabilities,
			HelperAgent:  agentID,
		},
		Priority: PriorityHigh,
	})
}

// BroadcastAlert sends a critical alert to every other agent.
func (b *Bus) BroadcastAlert(agentID, alertType, message string, data map[string]string) {
	b.SendMessage(Message{
		From: agentID,
		Payload: AlertPayload{
			AlertType: alertType,
			Message:   message,
			Data:      maps.Clone(data),
		},
		Priority: PriorityCritical,
	})
}
