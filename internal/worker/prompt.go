package worker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Iron-Ham/armada/internal/collab"
	"github.com/Iron-Ham/armada/internal/executor"
	"github.com/Iron-Ham/armada/internal/util"
)

// maxPromptTools caps the tool names listed in the system prompt.
const maxPromptTools = 30

// SystemPrompt builds the system prompt for cfg. It describes the output
// contract batch.Parse understands.
func SystemPrompt(cfg Config) string {
	mode := "Normal"
	if cfg.Stealth {
		mode = "Stealth (evade detection)"
	}

	tools := cfg.Tools
	if len(tools) == 0 {
		tools = executor.DefaultAllowlist().Patterns()
	}
	tools = append([]string(nil), tools...)
	sort.Strings(tools)
	if len(tools) > maxPromptTools {
		tools = tools[:maxPromptTools]
	}

	var sb strings.Builder
	sb.WriteString("You are one agent of an autonomous security assessment team.\n\n")
	fmt.Fprintf(&sb, "Target: %s\nCategory: %s\nMode: %s\n", cfg.Target, cfg.Category, mode)
	if cfg.Instruction != "" {
		fmt.Fprintf(&sb, "Operator instruction: %s\n", cfg.Instruction)
	}
	fmt.Fprintf(&sb, "\nAvailable tools: %s\n\n", strings.Join(tools, ", "))
	sb.WriteString(`Respond with one JSON object. Numeric keys give the order of commands
for the shared queue; every value starts with "RUN ". Propose 5-10 commands
at once. Other agents take commands from the same queue.

Report findings in a "findings" array of {"severity", "content"} objects.
Severity is one of critical, high, medium, low, info.

When the assessment is complete respond with {"status": "END"}.

Example:
{"1": "RUN nmap -sV ` + cfg.Target + `", "2": "RUN whatweb ` + cfg.Target + `", "findings": []}
`)
	return sb.String()
}

// userMessage builds the per-iteration prompt from unread team messages,
// the shared knowledge about the target, and the last command this worker
// ran. Messages included in the prompt are cleared from the mailbox.
func (w *Worker) userMessage(iteration int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Iteration %d:\n\n", iteration)

	msgs := w.collab.GetMessages(w.id, collab.Filter{UnreadOnly: true, Limit: inboxReadLimit})
	if len(msgs) > inboxPromptLimit {
		msgs = msgs[:inboxPromptLimit]
	}
	if len(msgs) > 0 {
		sb.WriteString("## Messages from other agents:\n")
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			fmt.Fprintf(&sb, "- [%s] (%s): %s\n", m.From, m.Type, util.Summarize(describe(m.Payload), 150))
			ids = append(ids, m.ID)
		}
		sb.WriteString("\n")
		w.collab.ClearMessages(w.id, ids...)
	}

	if summary := w.collab.Knowledge().Summary(w.cfg.Target); !summary.Empty() {
		sb.WriteString("## Team knowledge:\n")
		sb.WriteString(summary.String())
		sb.WriteString("\n\n")
	}

	w.mu.Lock()
	last := w.lastExec
	w.mu.Unlock()
	if last != nil {
		fmt.Fprintf(&sb, "## Last command executed:\n%s\nResult: %s\n\n", last.command, util.Truncate(last.result, 500))
	}

	sb.WriteString("What is your next action? Provide commands to execute or signal completion with {\"status\": \"END\"}.")
	return sb.String()
}

func describe(p collab.Payload) string {
	switch v := p.(type) {
	case collab.DiscoveryPayload:
		return fmt.Sprintf("%s %s %v", v.DiscoveryType, v.Key, v.Data)
	case collab.FindingPayload:
		return fmt.Sprintf("[%s] %s", v.Severity, v.Content)
	case collab.HelpRequestPayload:
		return fmt.Sprintf("needs help with %s: %s", v.TaskType, v.Description)
	case collab.HelpOfferPayload:
		return fmt.Sprintf("offers %s", strings.Join(v.Capabilities, ", "))
	case collab.TaskCompletionPayload:
		return "finished " + v.Fingerprint
	case collab.KnowledgeSharePayload:
		return v.Summary
	case collab.AlertPayload:
		return fmt.Sprintf("%s: %s", v.AlertType, v.Message)
	default:
		return fmt.Sprintf("%+v", v)
	}
}
