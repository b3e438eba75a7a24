package dashboard

import (
	"context"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Iron-Ham/armada/internal/fleet"
	"github.com/Iron-Ham/armada/internal/logging"
)

// Option configures a Dashboard.
type Option func(*Dashboard)

// WithInput sets where key presses are read from (default: stdin).
func WithInput(r io.Reader) Option {
	return func(d *Dashboard) {
		d.programOpts = append(d.programOpts, tea.WithInput(r))
	}
}

// WithOutput sets where the view is drawn (default: stdout).
func WithOutput(w io.Writer) Option {
	return func(d *Dashboard) {
		d.programOpts = append(d.programOpts, tea.WithOutput(w))
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dashboard) {
		d.logger = l
	}
}

// Dashboard runs the interactive view and receives snapshots as an
// observer sink.
type Dashboard struct {
	logger      *logging.Logger
	programOpts []tea.ProgramOption
	program     *tea.Program

	updates  chan fleet.Snapshot
	finished chan error

	mu         sync.Mutex
	closed     bool
	finishOnce sync.Once
}

// New creates a Dashboard driving ctrl.
func New(ctrl Controls, opts ...Option) *Dashboard {
	d := &Dashboard{
		updates:  make(chan fleet.Snapshot, 1),
		finished: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrNop(d.logger).WithComponent("dashboard")
	d.programOpts = append([]tea.ProgramOption{tea.WithAltScreen()}, d.programOpts...)
	d.program = tea.NewProgram(NewModel(ctrl, d.updates, d.finished), d.programOpts...)
	return d
}

// Run shows the dashboard until the operator quits or ctx ends.
func (d *Dashboard) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, d.program.Quit)
	defer stop()
	_, err := d.program.Run()
	return err
}

// Finish tells the view the mission is over. Only the first call counts.
func (d *Dashboard) Finish(err error) {
	d.finishOnce.Do(func() {
		d.finished <- err
	})
}

// Name implements observer.Sink.
func (d *Dashboard) Name() string { return "dashboard" }

// Send implements observer.Sink. Only the latest snapshot is kept for the
// view; an older one still waiting is replaced.
func (d *Dashboard) Send(_ context.Context, snap fleet.Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	select {
	case d.updates <- snap:
		return nil
	default:
	}
	select {
	case <-d.updates:
	default:
	}
	select {
	case d.updates <- snap:
	default:
		d.logger.Debug("dashboard update dropped")
	}
	return nil
}

// Close implements observer.Sink. The view keeps showing the last snapshot
// until the operator quits.
func (d *Dashboard) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
