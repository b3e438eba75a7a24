// Package fleet is the composition root of a mission.
//
// A Fleet constructs exactly one instance of each shared component (work
// queue, admission throttle, rate budget, collaboration bus) and injects
// them into every worker it starts. No component is reachable through
// package-level state.
package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/armada/internal/batch"
	"github.com/Iron-Ham/armada/internal/collab"
	"github.com/Iron-Ham/armada/internal/errors"
	"github.com/Iron-Ham/armada/internal/event"
	"github.com/Iron-Ham/armada/internal/executor"
	"github.com/Iron-Ham/armada/internal/logging"
	"github.com/Iron-Ham/armada/internal/model"
	"github.com/Iron-Ham/armada/internal/ratebudget"
	"github.com/Iron-Ham/armada/internal/throttle"
	"github.com/Iron-Ham/armada/internal/worker"
	"github.com/Iron-Ham/armada/internal/workqueue"
)

// Sentinel errors.
var (
	ErrAlreadyStarted = errors.New("fleet: already started")
	ErrNoWorkers      = errors.New("fleet: at least one worker is required")
	ErrNoTarget       = errors.New("fleet: target is required")
)

// Config describes one mission.
type Config struct {
	// MissionID is generated when empty.
	MissionID string

	Workers int

	// Worker is the template every worker is built from. MissionID is
	// filled in by the fleet.
	Worker worker.Config

	// Seed commands are queued before any worker starts.
	Seed []string

	// StateDir, when set, restores the queue from a saved state at
	// construction and saves it again when the mission ends.
	StateDir string

	QueueOptions    []workqueue.Option
	ThrottleOptions []throttle.Option
	BudgetOptions   []ratebudget.Option
	CollabOptions   []collab.Option
}

// Deps are the external collaborators shared by every worker.
type Deps struct {
	Executor executor.Executor
	Model    model.Client
	Sampler  throttle.Sampler

	// Recorder is optional.
	Recorder worker.Recorder

	// Bus is created when nil.
	Bus *event.Bus

	Logger *logging.Logger
}

// Fleet runs the workers of one mission against shared components.
type Fleet struct {
	missionID string
	stateDir  string

	queue    *workqueue.Queue
	throttle *throttle.Throttle
	budget   *ratebudget.Manager
	collab   *collab.Bus
	bus      *event.Bus
	logger   *logging.Logger

	workers []*worker.Worker

	mu      sync.Mutex
	started bool
	done    bool
}

// New builds the shared components and the workers of a mission.
func New(cfg Config, deps Deps) (*Fleet, error) {
	if cfg.Workers <= 0 {
		return nil, ErrNoWorkers
	}
	if cfg.Worker.Target == "" {
		return nil, ErrNoTarget
	}
	if deps.Executor == nil || deps.Model == nil || deps.Sampler == nil {
		return nil, errors.New("fleet: Executor, Model and Sampler are required")
	}

	missionID := cfg.MissionID
	if missionID == "" {
		missionID = uuid.NewString()
	}
	bus := deps.Bus
	if bus == nil {
		bus = event.NewBus(event.WithLogger(deps.Logger))
	}
	logger := logging.OrNop(deps.Logger).WithMission(missionID)

	queueOpts := append([]workqueue.Option{
		workqueue.WithBus(bus),
		workqueue.WithLogger(logger),
	}, cfg.QueueOptions...)
	queue, err := openQueue(cfg.StateDir, queueOpts)
	if err != nil {
		return nil, err
	}
	if n := queue.AddMany(cfg.Seed); n > 0 {
		logger.Info("seeded queue", "commands", n)
	}

	team := collab.New(append([]collab.Option{
		collab.WithEventBus(bus),
		collab.WithLogger(logger),
	}, cfg.CollabOptions...)...)

	throttleOpts := []throttle.Option{
		throttle.WithBus(bus),
		throttle.WithLogger(logger),
		throttle.WithMaxWorkers(max(throttle.DefaultMaxWorkers, cfg.Workers)),
		throttle.WithPauseHandler(func(workerID string, d throttle.Decision) {
			team.BroadcastAlert(workerID, "resource_pause", d.Reason, map[string]string{
				"pause": d.PauseRemaining.String(),
			})
		}),
	}
	if cfg.Worker.Stealth {
		throttleOpts = append(throttleOpts, throttle.WithBaseDelay(throttle.StealthBaseDelay))
	}
	thr := throttle.New(deps.Sampler, append(throttleOpts, cfg.ThrottleOptions...)...)

	budget := ratebudget.NewManager(append([]ratebudget.Option{
		ratebudget.WithBus(bus),
		ratebudget.WithLogger(logger),
	}, cfg.BudgetOptions...)...)

	f := &Fleet{
		missionID: missionID,
		stateDir:  cfg.StateDir,
		queue:     queue,
		throttle:  thr,
		budget:    budget,
		collab:    team,
		bus:       bus,
		logger:    logger.WithComponent("fleet"),
	}

	wcfg := cfg.Worker
	wcfg.MissionID = missionID
	for i := range cfg.Workers {
		f.workers = append(f.workers, worker.New(fmt.Sprintf("agent-%d", i+1), wcfg, worker.Deps{
			Queue:    queue,
			Throttle: thr,
			Budget:   budget,
			Collab:   team,
			Executor: deps.Executor,
			Model:    deps.Model,
			Recorder: deps.Recorder,
			Bus:      bus,
			Logger:   logger,
		}))
	}
	return f, nil
}

func openQueue(dir string, opts []workqueue.Option) (*workqueue.Queue, error) {
	if dir == "" || !workqueue.StateExists(dir) {
		return workqueue.New(opts...), nil
	}
	q, err := workqueue.LoadState(dir, opts...)
	if err != nil {
		return nil, fmt.Errorf("restore queue: %w", err)
	}
	return q, nil
}

// MissionID returns the mission identifier.
func (f *Fleet) MissionID() string { return f.missionID }

// Queue returns the shared work queue.
func (f *Fleet) Queue() *workqueue.Queue { return f.queue }

// Collab returns the collaboration bus.
func (f *Fleet) Collab() *collab.Bus { return f.collab }

// Throttle returns the admission throttle.
func (f *Fleet) Throttle() *throttle.Throttle { return f.throttle }

// Budget returns the rate budget manager.
func (f *Fleet) Budget() *ratebudget.Manager { return f.budget }

// Bus returns the event bus every component publishes on.
func (f *Fleet) Bus() *event.Bus { return f.bus }

// Run starts every worker and blocks until all of them exit. A worker
// that fails does not stop its siblings; the returned error joins the
// failures of every worker that ended in the error state.
func (f *Fleet) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return ErrAlreadyStarted
	}
	f.started = true
	f.mu.Unlock()

	f.logger.Info("mission started", "workers", len(f.workers))
	start := time.Now()

	p := pool.New().WithErrors()
	for _, w := range f.workers {
		p.Go(func() error {
			return w.Run(ctx)
		})
	}
	err := p.Wait()

	failed := 0
	for _, w := range f.workers {
		if w.Status().State == worker.StateError {
			failed++
		}
	}

	if f.stateDir != "" {
		if serr := f.queue.SaveState(f.stateDir); serr != nil {
			f.logger.Warn("save queue state failed", "error", serr)
		}
	}

	f.mu.Lock()
	f.done = true
	f.mu.Unlock()

	f.logger.Info("mission finished",
		"workers", len(f.workers),
		"failed", failed,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	f.bus.Publish(event.NewMissionFinishedEvent(f.missionID, len(f.workers), failed))
	return err
}

// Done reports whether Run has returned.
func (f *Fleet) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Pause pauses every worker and returns how many changed state.
func (f *Fleet) Pause() int {
	n := 0
	for _, w := range f.workers {
		if w.Pause() {
			n++
		}
	}
	return n
}

// Resume resumes every paused worker and returns how many changed state.
func (f *Fleet) Resume() int {
	n := 0
	for _, w := range f.workers {
		if w.Resume() {
			n++
		}
	}
	return n
}

// Stop cancels every worker. Run returns once they have all exited.
func (f *Fleet) Stop() {
	for _, w := range f.workers {
		w.Stop()
	}
}

// Enqueue adds operator commands to the shared queue in RUN form and
// returns how many were accepted. Blank commands are dropped.
func (f *Fleet) Enqueue(commands ...string) int {
	normalized := make([]string, 0, len(commands))
	for _, c := range commands {
		if c = batch.WithPrefix(c); c != "" {
			normalized = append(normalized, c)
		}
	}
	if len(normalized) == 0 {
		return 0
	}
	n := f.queue.AddMany(normalized)
	f.logger.Info("operator commands queued", "count", n)
	return n
}

// Worker returns the worker with id.
func (f *Fleet) Worker(id string) (*worker.Worker, bool) {
	for _, w := range f.workers {
		if w.ID() == id {
			return w, true
		}
	}
	return nil, false
}

// Workers returns the status of every worker in start order.
func (f *Fleet) Workers() []worker.Status {
	out := make([]worker.Status, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w.Status())
	}
	return out
}
