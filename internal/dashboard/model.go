// Package dashboard is the interactive terminal view of a running mission.
//
// The view is a Bubble Tea program fed by the observer: a [Dashboard] is an
// observer sink that hands the latest snapshot to the program, and the
// program's key bindings drive the fleet through [Controls].
package dashboard

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/armada/internal/fleet"
	"github.com/Iron-Ham/armada/internal/observer"
	"github.com/Iron-Ham/armada/internal/util"
)

// Controls is the part of a fleet the dashboard can drive. *fleet.Fleet
// implements it.
type Controls interface {
	Pause() int
	Resume() int
	Stop()
	Enqueue(commands ...string) int
}

var _ Controls = (*fleet.Fleet)(nil)

var (
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FBBF24"))
	doneStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F87171"))
)

type snapshotMsg fleet.Snapshot

type finishedMsg struct{ err error }

// Model is the Bubble Tea model for the mission dashboard.
type Model struct {
	ctrl     Controls
	updates  <-chan fleet.Snapshot
	finished <-chan error

	snap    fleet.Snapshot
	hasSnap bool

	input  textinput.Model
	adding bool

	status   string
	done     bool
	runErr   error
	width    int
	quitting bool
}

// NewModel creates a Model that renders snapshots from updates and learns
// the mission outcome from finished.
func NewModel(ctrl Controls, updates <-chan fleet.Snapshot, finished <-chan error) Model {
	ti := textinput.New()
	ti.Placeholder = "nmap -sV 10.0.0.1"
	ti.CharLimit = 500
	ti.Width = 60
	ti.Prompt = "RUN "

	return Model{
		ctrl:     ctrl,
		updates:  updates,
		finished: finished,
		input:    ti,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForSnapshot(m.updates), waitForFinish(m.finished))
}

func waitForSnapshot(ch <-chan fleet.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

func waitForFinish(ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		err, ok := <-ch
		if !ok {
			return nil
		}
		return finishedMsg{err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case snapshotMsg:
		m.snap = fleet.Snapshot(msg)
		m.hasSnap = true
		return m, waitForSnapshot(m.updates)

	case finishedMsg:
		m.done = true
		m.runErr = msg.err
		m.adding = false
		m.input.Blur()
		return m, nil

	case tea.KeyMsg:
		if m.adding {
			return m.updateInput(msg)
		}
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if !m.done {
			m.ctrl.Stop()
		}
		m.quitting = true
		return m, tea.Quit
	}

	if m.done {
		return m, nil
	}

	switch msg.String() {
	case "p":
		m.status = fmt.Sprintf("paused %d workers", m.ctrl.Pause())
	case "r":
		m.status = fmt.Sprintf("resumed %d workers", m.ctrl.Resume())
	case "a":
		m.adding = true
		m.status = ""
		m.input.Reset()
		return m, m.input.Focus()
	}
	return m, nil
}

func (m Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m.handleKey(msg)
	case tea.KeyEsc:
		m.adding = false
		m.input.Blur()
		m.status = "add cancelled"
		return m, nil
	case tea.KeyEnter:
		command := strings.TrimSpace(m.input.Value())
		m.adding = false
		m.input.Blur()
		m.input.Reset()
		if m.ctrl.Enqueue(command) > 0 {
			m.status = "queued: " + util.Summarize(command, 50)
		} else {
			m.status = "nothing queued"
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder
	if m.hasSnap {
		sb.WriteString(observer.Render(m.snap))
	} else {
		sb.WriteString(helpStyle.Render("waiting for the first snapshot..."))
	}
	sb.WriteString("\n\n")

	switch {
	case m.done && m.runErr != nil:
		sb.WriteString(errorStyle.Render("mission ended: " + util.Summarize(m.runErr.Error(), 80)))
		sb.WriteString("\n")
	case m.done:
		sb.WriteString(doneStyle.Render("mission finished"))
		sb.WriteString("\n")
	case m.adding:
		sb.WriteString(m.input.View())
		sb.WriteString("\n")
	}
	if m.status != "" {
		sb.WriteString(statusStyle.Render(m.status))
		sb.WriteString("\n")
	}
	sb.WriteString(helpStyle.Render(m.help()))

	if m.width <= 0 {
		return sb.String()
	}
	lines := strings.Split(sb.String(), "\n")
	for i, l := range lines {
		lines[i] = util.TruncateWidth(l, m.width)
	}
	return strings.Join(lines, "\n")
}

func (m Model) help() string {
	switch {
	case m.done:
		return "q quit"
	case m.adding:
		return "enter queue · esc cancel"
	default:
		return "p pause · r resume · a add command · q stop and quit"
	}
}
