package collab

import (
	"slices"
	"sort"
)

// taskSpecializations maps a task type to the specializations that can
// handle it. Unknown task types have no requirement.
var taskSpecializations = map[string][]string{
	"port_scan":    {"network_recon", "scanning"},
	"web_vuln":     {"web_scanning", "vuln_scanning"},
	"exploitation": {"exploitation", "post_exploitation"},
	"recon":        {"network_recon", "osint"},
	"enumeration":  {"enumeration", "web_scanning"},
}

// RequiredSpecializations returns the specializations that suit taskType.
func RequiredSpecializations(taskType string) []string {
	return slices.Clone(taskSpecializations[taskType])
}

// AvailableAgents returns running or idle agents ordered by ascending load,
// optionally restricted to those with the given specialization.
func (b *Bus) AvailableAgents(specialization string) []AgentCapability {
	b.mu.Lock()
	var out []AgentCapability
	for _, id := range b.order {
		c := b.agents[id].capability
		if !c.available() {
			continue
		}
		if specialization != "" && !c.HasSpecialization(specialization) {
			continue
		}
		out = append(out, c.clone())
	}
	b.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CurrentLoad < out[j].CurrentLoad
	})
	return out
}

// FindBestAgentForTask picks the least-loaded available agent whose
// specializations fit taskType. If none fit, the least-loaded available
// agent is returned. excludeAgent is never chosen.
func (b *Bus) FindBestAgentForTask(taskType, excludeAgent string) (string, bool) {
	candidates := slices.DeleteFunc(b.AvailableAgents(""), func(c AgentCapability) bool {
		return c.AgentID == excludeAgent
	})
	if len(candidates) == 0 {
		return "", false
	}
	if required := taskSpecializations[taskType]; len(required) > 0 {
		for _, c := range candidates {
			if slices.ContainsFunc(required, c.HasSpecialization) {
				return c.AgentID, true
			}
		}
	}
	return candidates[0].AgentID, true
}

// TeamStatus is a point-in-time view of the fleet as the bus sees it.
type TeamStatus struct {
	Agents          []AgentCapability `json:"agents"`
	Discoveries     int               `json:"discoveries"`
	TasksInProgress int               `json:"tasks_in_progress"`
	TasksCompleted  int               `json:"tasks_completed"`
	PendingMessages int               `json:"pending_messages"`
}

// TeamStatus returns every registered agent in registration order along
// with ledger and claim counts.
func (b *Bus) TeamStatus() TeamStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := TeamStatus{
		Agents:          make([]AgentCapability, 0, len(b.order)),
		Discoveries:     len(b.discoveries),
		TasksInProgress: len(b.inProgress),
		TasksCompleted:  len(b.completed),
	}
	for _, id := range b.order {
		a := b.agents[id]
		ts.Agents = append(ts.Agents, a.capability.clone())
		ts.PendingMessages += len(a.mailbox)
	}
	return ts
}
