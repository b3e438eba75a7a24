package observer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Iron-Ham/armada/internal/fleet"
	"github.com/Iron-Ham/armada/internal/logging"
	"github.com/Iron-Ham/armada/internal/util"
	"github.com/Iron-Ham/armada/internal/worker"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	idStyle    = lipgloss.NewStyle().Bold(true).Width(10)

	stateColors = map[worker.State]lipgloss.Color{
		worker.StateRunning:        lipgloss.Color("#10B981"),
		worker.StateExecuting:      lipgloss.Color("#10B981"),
		worker.StateWaitingOnModel: lipgloss.Color("#FBBF24"),
		worker.StatePaused:         lipgloss.Color("#60A5FA"),
		worker.StateCompleted:      lipgloss.Color("#A78BFA"),
		worker.StateError:          lipgloss.Color("#F87171"),
		worker.StateStopped:        lipgloss.Color("#9CA3AF"),
	}
)

// LogSink writes a one-line summary of every snapshot to a logger.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(l *logging.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(l).WithComponent("observer.log")}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Send implements Sink.
func (s *LogSink) Send(_ context.Context, snap fleet.Snapshot) error {
	c := snap.Counts()
	s.logger.Info("mission status",
		"mission_id", snap.MissionID,
		"pending", c.Pending,
		"executing", c.Executing,
		"completed", c.Completed,
		"active_workers", c.Active,
		"findings", c.Findings,
	)
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }

// ConsoleSink renders each snapshot as a compact status block.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSink creates a ConsoleSink writing to w.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

// ConsoleAvailable reports whether f is a terminal.
func ConsoleAvailable(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// Name implements Sink.
func (s *ConsoleSink) Name() string { return "console" }

// Send implements Sink.
func (s *ConsoleSink) Send(_ context.Context, snap fleet.Snapshot) error {
	out := Render(snap)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, out+"\n")
	return err
}

// Close implements Sink.
func (s *ConsoleSink) Close() error { return nil }

// Render formats snap for a terminal.
func Render(snap fleet.Snapshot) string {
	c := snap.Counts()
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("mission " + snap.MissionID))
	sb.WriteString(" ")
	sb.WriteString(mutedStyle.Render(snap.At.Format("15:04:05")))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "queue: %d pending, %d executing, %d completed   findings: %d\n",
		c.Pending, c.Executing, c.Completed, c.Findings)

	for _, w := range snap.Workers {
		state := lipgloss.NewStyle().Foreground(stateColors[w.State]).Width(18).Render(w.State.String())
		line := idStyle.Render(w.ID) + state + fmt.Sprintf("iter %-3d exec %-3d", w.Iteration, w.Executed)
		if w.LastCommand != "" {
			line += " " + mutedStyle.Render(util.Summarize(w.LastCommand, 60))
		} else if w.Reason != "" {
			line += " " + mutedStyle.Render(util.Summarize(w.Reason, 60))
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

