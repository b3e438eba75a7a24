// Package logs provides the CLI command for reading armada's debug log.
package logs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/armada/internal/config"
	"github.com/Iron-Ham/armada/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View mission logs",
	Long: `View and filter the debug log written when logging.dir is set.

Examples:
  # Show the last 50 lines
  armada logs

  # Follow one worker of one mission
  armada logs -f --mission 3f2a... --worker agent-2

  # Only warnings and errors from the last hour
  armada logs --level warn --since 1h

  # Search for specific patterns
  armada logs --grep "cooldown|pause"`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsDir       string
	logsTail      int
	logsFollow    bool
	logsLevel     string
	logsSince     string
	logsGrep      string
	logsMission   string
	logsWorker    string
	logsComponent string
)

func init() {
	f := logsCmd.Flags()
	f.StringVar(&logsDir, "dir", "", "log directory (default: logging.dir)")
	f.IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	f.BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	f.StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	f.StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	f.StringVar(&logsGrep, "grep", "", "Filter logs matching pattern (regex)")
	f.StringVar(&logsMission, "mission", "", "Only show entries for this mission id")
	f.StringVar(&logsWorker, "worker", "", "Only show entries for this worker id")
	f.StringVar(&logsComponent, "component", "", "Only show entries from this component")
}

// Register adds the logs command to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(logsCmd)
}

// entry is one parsed JSON log line.
type entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Msg       string         `json:"msg"`
	MissionID string         `json:"mission_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Component string         `json:"component,omitempty"`
	Extra     map[string]any `json:"-"`
}

var knownKeys = []string{"time", "level", "msg", "mission_id", "worker_id", "component"}

// UnmarshalJSON keeps fields other than the well-known ones in Extra.
func (e *entry) UnmarshalJSON(data []byte) error {
	type alias entry
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

// filter selects entries. Zero fields match everything.
type filter struct {
	minLevel  int
	since     time.Time
	grep      *regexp.Regexp
	mission   string
	worker    string
	component string
}

func (f filter) match(e *entry) bool {
	if f.minLevel >= 0 && levelPriority(e.Level) < f.minLevel {
		return false
	}
	if !f.since.IsZero() && e.Time.Before(f.since) {
		return false
	}
	if f.mission != "" && !strings.HasPrefix(e.MissionID, f.mission) {
		return false
	}
	if f.worker != "" && e.WorkerID != f.worker {
		return false
	}
	if f.component != "" && e.Component != f.component {
		return false
	}
	if f.grep != nil {
		text := e.Msg
		for _, v := range e.Extra {
			text += " " + fmt.Sprint(v)
		}
		if !f.grep.MatchString(text) {
			return false
		}
	}
	return true
}

func newFilter(now time.Time) (filter, error) {
	f := filter{
		minLevel:  -1,
		mission:   logsMission,
		worker:    logsWorker,
		component: logsComponent,
	}
	if logsLevel != "" {
		f.minLevel = levelPriority(logging.ParseLevel(logsLevel))
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return f, fmt.Errorf("invalid duration format: %w", err)
		}
		f.since = now.Add(-d)
	}
	if logsGrep != "" {
		re, err := regexp.Compile(logsGrep)
		if err != nil {
			return f, fmt.Errorf("invalid grep pattern: %w", err)
		}
		f.grep = re
	}
	return f, nil
}

var (
	timeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	fieldStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	levelStyle = map[string]lipgloss.Style{
		logging.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		logging.LevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		logging.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		logging.LevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
)

func levelPriority(level string) int {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return 0
	case logging.LevelInfo:
		return 1
	case logging.LevelWarn:
		return 2
	case logging.LevelError:
		return 3
	default:
		return -1
	}
}

func format(e *entry) string {
	var sb strings.Builder
	sb.WriteString(timeStyle.Render("[" + e.Time.Format("15:04:05.000") + "]"))
	sb.WriteString(" ")
	level := strings.ToUpper(e.Level)
	if st, ok := levelStyle[level]; ok {
		sb.WriteString(st.Render("[" + level + "]"))
	} else {
		sb.WriteString("[" + level + "]")
	}
	sb.WriteString(" ")
	sb.WriteString(e.Msg)

	field := func(k, v string) {
		sb.WriteString(" ")
		sb.WriteString(fieldStyle.Render(k + "=" + v))
	}
	if e.WorkerID != "" {
		field("worker", e.WorkerID)
	}
	if e.Component != "" {
		field("component", e.Component)
	}
	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		field(k, fmt.Sprint(e.Extra[k]))
	}
	return sb.String()
}

// render parses line and formats it when it passes f. Unparseable lines are
// returned as-is.
func render(line string, f filter) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	var e entry
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return line, true
	}
	if !f.match(&e) {
		return "", false
	}
	return format(&e), true
}

func runLogs(cmd *cobra.Command, args []string) error {
	dir := logsDir
	if dir == "" {
		dir = config.Get().Logging.Dir
	}
	if dir == "" {
		return errors.New("no log directory: logs go to stderr unless logging.dir is set (or pass --dir)")
	}
	logPath := filepath.Join(dir, logging.LogFileName)

	out := cmd.OutOrStdout()
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Fprintf(out, "No logs found at %s\n", logPath)
		return nil
	}

	f, err := newFilter(time.Now())
	if err != nil {
		return err
	}

	if logsFollow {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return follow(ctx, out, logPath, f)
	}
	return display(out, logPath, logsTail, f)
}

// display prints the last tail matching entries of the log.
func display(out io.Writer, logPath string, tail int, f filter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if s, ok := render(scanner.Text(), f); ok {
			lines = append(lines, s)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}

	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	for _, s := range lines {
		fmt.Fprintln(out, s)
	}
	if len(lines) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
	}
	return nil
}

// followPoll is how often follow checks for new lines.
const followPoll = 100 * time.Millisecond

// follow prints matching entries appended after it starts, until ctx ends.
func follow(ctx context.Context, out io.Writer, logPath string, f filter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	fmt.Fprintf(out, "Following logs... (Ctrl+C to stop)\n\n")

	reader := bufio.NewReader(file)
	var partial string
	for {
		line, err := reader.ReadString('\n')
		if err == nil {
			if s, ok := render(partial+line, f); ok {
				fmt.Fprintln(out, s)
			}
			partial = ""
			continue
		}
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("error reading log file: %w", err)
		}
		partial += line

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(followPoll):
		}
	}
}
