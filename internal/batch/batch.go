// Package batch extracts commands, findings, and an end-of-mission marker
// from model output.
//
// Model output is an unreliable producer: it may be a JSON object, a JSON
// object wrapped in a Markdown fence, prose with RUN lines, or garbage.
// Parse is best-effort. When nothing usable can be recovered it returns a
// *ParseError, which callers treat as an empty batch.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Iron-Ham/armada/internal/collab"
)

// CommandPrefix marks an executable command.
const CommandPrefix = "RUN "

// MaxFallbackCommands caps commands recovered from unstructured text.
const MaxFallbackCommands = 10

// EndMarker is the inline end-of-mission marker.
const EndMarker = "<END!>"

var (
	endStatusRe = regexp.MustCompile(`"status"\s*:\s*"END"`)
	runLineRe   = regexp.MustCompile(`RUN\s+(.+?)(?:\n|$|")`)
	noteRe      = regexp.MustCompile(`(?s)<write>(.*?)</write>`)
	batchKeys   = []string{"batch_1", "batch_2", "batch_3"}
)

// ErrNoContent means the output held no commands, findings, notes, or end
// marker.
var ErrNoContent = errors.New("no commands, findings or end marker")

// ParseError reports output that yielded nothing usable.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse model output (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Finding is a finding reported in the structured findings array.
type Finding struct {
	Severity collab.Severity `json:"severity"`
	Content  string          `json:"content"`
}

// Batch is the usable content of one model response.
type Batch struct {
	// Commands are RUN-prefixed, in the order the model listed them.
	Commands []string
	Findings []Finding
	// Notes are free-form <write> blocks.
	Notes []string
	End   bool
}

// Empty reports whether the batch carries nothing actionable.
func (b Batch) Empty() bool {
	return len(b.Commands) == 0 && len(b.Findings) == 0 && len(b.Notes) == 0 && !b.End
}

// Parse extracts a Batch from raw model output.
func Parse(raw string) (Batch, error) {
	var b Batch

	b.End = strings.Contains(raw, EndMarker) || endStatusRe.MatchString(raw)
	b.Notes = extractNotes(raw)

	obj, jsonErr := decodeObject(stripFence(raw))
	if jsonErr == nil {
		b.Findings = objectFindings(obj)
		if !b.End {
			b.Commands = objectCommands(obj)
		}
	}
	if len(b.Commands) == 0 && !b.End {
		b.Commands = fallbackCommands(raw)
	}

	if b.Empty() && jsonErr != nil {
		return b, &ParseError{Raw: raw, Err: errors.Join(ErrNoContent, jsonErr)}
	}
	return b, nil
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func decodeObject(s string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// objectCommands returns numeric-key commands in numeric order or, failing
// that, the commands nested under batch_1..batch_3.
func objectCommands(obj map[string]json.RawMessage) []string {
	type numbered struct {
		n   int
		cmd string
	}
	var nums []numbered
	for k, v := range obj {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		if cmd, ok := runString(v); ok {
			nums = append(nums, numbered{n, cmd})
		}
	}
	if len(nums) > 0 {
		sort.Slice(nums, func(i, j int) bool { return nums[i].n < nums[j].n })
		out := make([]string, len(nums))
		for i, c := range nums {
			out[i] = c.cmd
		}
		return out
	}

	var out []string
	for _, name := range batchKeys {
		raw, ok := obj[name]
		if !ok {
			continue
		}
		var group map[string]json.RawMessage
		if err := json.Unmarshal(raw, &group); err != nil {
			continue
		}
		keys := make([]string, 0, len(group))
		for k := range group {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if cmd, ok := runString(group[k]); ok {
				out = append(out, cmd)
			}
		}
	}
	return out
}

func runString(v json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	if !strings.HasPrefix(s, CommandPrefix) || strings.TrimSpace(s[len(CommandPrefix):]) == "" {
		return "", false
	}
	return s, true
}

func objectFindings(obj map[string]json.RawMessage) []Finding {
	raw, ok := obj["findings"]
	if !ok {
		return nil
	}
	var items []struct {
		Severity string `json:"severity"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	var out []Finding
	for _, it := range items {
		content := strings.TrimSpace(it.Content)
		if content == "" {
			continue
		}
		sev := ClassifySeverity(content)
		if it.Severity != "" {
			sev = collab.ParseSeverity(it.Severity)
		}
		out = append(out, Finding{Severity: sev, Content: content})
	}
	return out
}

func fallbackCommands(raw string) []string {
	matches := runLineRe.FindAllStringSubmatch(raw, MaxFallbackCommands)
	var out []string
	for _, m := range matches {
		cmd := strings.TrimSpace(m[1])
		if cmd == "" {
			continue
		}
		out = append(out, CommandPrefix+cmd)
	}
	return out
}

func extractNotes(raw string) []string {
	var out []string
	for _, m := range noteRe.FindAllStringSubmatch(raw, -1) {
		if note := strings.TrimSpace(m[1]); note != "" {
			out = append(out, note)
		}
	}
	return out
}

// StripPrefix returns cmd without its RUN prefix and surrounding space.
func StripPrefix(cmd string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cmd), CommandPrefix))
}

// WithPrefix returns cmd in queue form: trimmed and RUN-prefixed. It
// returns "" for a blank command.
func WithPrefix(cmd string) string {
	bare := StripPrefix(cmd)
	if bare == "" || bare == strings.TrimSpace(CommandPrefix) {
		return ""
	}
	return CommandPrefix + bare
}
