package collab

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"
)

// Fingerprint derives the dedup key for running command against target:
// "target:tool:hash". The hash covers the normalized command text.
func Fingerprint(target, command string) string {
	cmd := strings.TrimSpace(command)
	if len(cmd) >= 4 && strings.EqualFold(cmd[:4], "RUN ") {
		cmd = strings.TrimSpace(cmd[4:])
	}
	cmd = strings.Join(strings.Fields(cmd), " ")

	tool := "unknown"
	if fields := strings.Fields(cmd); len(fields) > 0 {
		tool = strings.ToLower(filepath.Base(fields[0]))
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(cmd)))
	return fmt.Sprintf("%s:%s:%016x", target, tool, h.Sum64())
}

// ClaimTask records agentID as the owner of fingerprint. It fails when the
// fingerprint is already in progress or completed. A successful claim is
// broadcast as a coordination message.
func (b *Bus) ClaimTask(agentID, fingerprint string) bool {
	b.mu.Lock()
	if _, done := b.completed[fingerprint]; done {
		b.stats.DuplicateClaims++
		b.mu.Unlock()
		b.logger.Debug("task already completed", "agent", agentID, "fingerprint", fingerprint)
		return false
	}
	if owner, busy := b.inProgress[fingerprint]; busy {
		b.stats.DuplicateClaims++
		b.mu.Unlock()
		b.logger.Debug("task already claimed", "agent", agentID, "owner", owner, "fingerprint", fingerprint)
		return false
	}
	b.inProgress[fingerprint] = agentID
	b.mu.Unlock()

	b.SendMessage(Message{
		From:     agentID,
		Payload:  CoordinationPayload{Action: ActionTaskClaimed, Fingerprint: fingerprint},
		Priority: PriorityLow,
	})
	return true
}

// IsTaskAvailable reports whether fingerprint is neither in progress nor
// completed.
func (b *Bus) IsTaskAvailable(fingerprint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, done := b.completed[fingerprint]; done {
		return false
	}
	_, busy := b.inProgress[fingerprint]
	return !busy
}

// CompleteTask moves fingerprint into the completed set and broadcasts a
// completion message. It fails if another agent holds the claim.
func (b *Bus) CompleteTask(agentID, fingerprint, result string) bool {
	b.mu.Lock()
	if owner, busy := b.inProgress[fingerprint]; busy && owner != agentID {
		b.mu.Unlock()
		b.logger.Warn("complete rejected: claim held by another agent",
			"agent", agentID,
			"owner", owner,
			"fingerprint", fingerprint,
		)
		return false
	}
	delete(b.inProgress, fingerprint)
	if _, done := b.completed[fingerprint]; !done {
		b.completed[fingerprint] = struct{}{}
		b.completedOrder = append(b.completedOrder, fingerprint)
		if over := len(b.completedOrder) - b.maxCompleted; over > 0 {
			for _, fp := range b.completedOrder[:over] {
				delete(b.completed, fp)
			}
			b.completedOrder = append(b.completedOrder[:0], b.completedOrder[over:]...)
		}
		b.stats.TasksCompleted++
	}
	b.mu.Unlock()

	b.SendMessage(Message{
		From:    agentID,
		Payload: TaskCompletionPayload{Fingerprint: fingerprint, Result: result},
	})
	return true
}

// ReleaseTask drops agentID's in-progress claim so the task may be retried.
func (b *Bus) ReleaseTask(agentID, fingerprint string) bool {
	b.mu.Lock()
	owner, busy := b.inProgress[fingerprint]
	if !busy || owner != agentID {
		b.mu.Unlock()
		return false
	}
	delete(b.inProgress, fingerprint)
	b.mu.Unlock()

	b.SendMessage(Message{
		From:     agentID,
		Payload:  CoordinationPayload{Action: ActionTaskReleased, Fingerprint: fingerprint},
		Priority: PriorityLow,
	})
	return true
}
