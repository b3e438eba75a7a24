package worker

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/armada/internal/batch"
	"github.com/Iron-Ham/armada/internal/collab"
	"github.com/Iron-Ham/armada/internal/errors"
	"github.com/Iron-Ham/armada/internal/event"
	"github.com/Iron-Ham/armada/internal/executor"
	"github.com/Iron-Ham/armada/internal/logging"
	"github.com/Iron-Ham/armada/internal/model"
	"github.com/Iron-Ham/armada/internal/ratebudget"
	"github.com/Iron-Ham/armada/internal/store"
	"github.com/Iron-Ham/armada/internal/throttle"
	"github.com/Iron-Ham/armada/internal/util"
	"github.com/Iron-Ham/armada/internal/workqueue"
)

// ErrAlreadyStarted is returned by Run on a worker that has already run.
var ErrAlreadyStarted = errors.New("worker: already started")

// Lengths kept in conversation history and status text.
const (
	maxHistoryUser      = 2000
	maxHistoryAssistant = 3000
	maxReasonCommand    = 60
	inboxReadLimit      = 10
	inboxPromptLimit    = 5
)

// Worker is one autonomous agent. Its exported methods are safe for
// concurrent use; Run must be called at most once.
type Worker struct {
	id              string
	cfg             Config
	specializations []string
	systemPrompt    string

	queue    *workqueue.Queue
	throttle *throttle.Throttle
	budget   *ratebudget.Manager
	collab   *collab.Bus
	exec     executor.Executor
	model    model.Client
	recorder Recorder
	bus      *event.Bus
	logger   *logging.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	status   Status
	started  bool
	stopped  bool
	paused   bool
	resume   chan struct{}
	cancel   context.CancelFunc
	history  []model.Turn
	lastExec *execution
}

type execution struct {
	command string
	result  string
}

// New creates a Worker. It panics if a required dependency is missing so
// wiring bugs surface at construction.
func New(id string, cfg Config, deps Deps) *Worker {
	switch {
	case id == "":
		panic("worker: id must not be empty")
	case deps.Queue == nil:
		panic("worker: Queue must not be nil")
	case deps.Throttle == nil:
		panic("worker: Throttle must not be nil")
	case deps.Budget == nil:
		panic("worker: Budget must not be nil")
	case deps.Collab == nil:
		panic("worker: Collab must not be nil")
	case deps.Executor == nil:
		panic("worker: Executor must not be nil")
	case deps.Model == nil:
		panic("worker: Model must not be nil")
	}

	cfg = cfg.withDefaults()
	w := &Worker{
		id:              id,
		cfg:             cfg,
		specializations: Specializations(cfg.Category),
		queue:           deps.Queue,
		throttle:        deps.Throttle,
		budget:          deps.Budget,
		collab:          deps.Collab,
		exec:            deps.Executor,
		model:           deps.Model,
		recorder:        deps.Recorder,
		bus:             deps.Bus,
		logger:          logging.OrNop(deps.Logger).WithWorker(id),
		now:             time.Now,
		sleep:           sleepContext,
	}
	w.systemPrompt = SystemPrompt(cfg)
	w.status = Status{
		ID:              id,
		Target:          cfg.Target,
		Model:           cfg.Model,
		State:           StateIdle,
		Specializations: slices.Clone(w.specializations),
	}
	return w
}

// ID returns the worker id.
func (w *Worker) ID() string {
	return w.id
}

// Status returns a copy of the worker's current status.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	s.Specializations = slices.Clone(s.Specializations)
	return s
}

// Pause asks the worker to stop taking new steps. The step in progress
// runs to completion. Returns false if the worker is already paused or
// finished.
func (w *Worker) Pause() bool {
	w.mu.Lock()
	if w.paused || w.status.State.Terminal() {
		w.mu.Unlock()
		return false
	}
	w.paused = true
	w.resume = make(chan struct{})
	w.mu.Unlock()

	w.transition(StatePaused, "paused by operator")
	return true
}

// Resume releases a paused worker.
func (w *Worker) Resume() bool {
	w.mu.Lock()
	if !w.paused {
		w.mu.Unlock()
		return false
	}
	w.paused = false
	close(w.resume)
	next := StateRunning
	if !w.started {
		next = StateIdle
	}
	terminal := w.status.State.Terminal()
	w.mu.Unlock()

	if !terminal {
		w.transition(next, "resumed")
	}
	return true
}

// Stop cancels the worker. A worker stopped before Run never starts.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Run executes the worker loop until the mission completes, a fatal
// upstream error occurs, or ctx is cancelled. It returns a non-nil error
// only for the fatal case.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.cancel = cancel
	stopped := w.stopped
	w.status.StartedAt = w.now()
	w.mu.Unlock()

	if stopped {
		w.transition(StateStopped, "stopped before start")
		return nil
	}

	w.register()
	state, reason, err := w.loop(ctx)
	w.transition(state, reason)
	w.retire(state)

	if err != nil {
		w.logger.Error("worker stopped on fatal error", "error", err)
		return fmt.Errorf("worker %s: %w", w.id, err)
	}
	w.logger.Info("worker finished", "state", state.String(), "reason", reason)
	return nil
}

func (w *Worker) loop(ctx context.Context) (State, string, error) {
	start := w.now()
	w.transition(StateRunning, "starting analysis of "+w.cfg.Target)

	iteration := 0
	for {
		if ctx.Err() != nil {
			return StateStopped, "stopped", nil
		}
		if w.cfg.MaxDuration > 0 && w.now().Sub(start) >= w.cfg.MaxDuration {
			return StateCompleted, fmt.Sprintf("execution duration (%s) reached", w.cfg.MaxDuration), nil
		}
		if err := w.waitWhilePaused(ctx); err != nil {
			continue
		}

		if item, ok := w.queue.ClaimNext(w.id); ok {
			w.runItem(ctx, item)
			continue
		}

		if iteration >= w.cfg.MaxIterations {
			return StateCompleted, fmt.Sprintf("reached maximum iterations (%d)", iteration), nil
		}
		iteration++
		w.mu.Lock()
		w.status.Iteration = iteration
		w.mu.Unlock()

		switch out, err := w.think(ctx, iteration); out {
		case outcomeDone:
			return StateCompleted, "mission completed", nil
		case outcomeFatal:
			return StateError, "fatal: " + util.Summarize(err.Error(), 120), err
		case outcomeRetry:
			iteration--
		}
	}
}

// register advertises the worker on the collaboration bus.
func (w *Worker) register() {
	w.collab.RegisterAgent(collab.AgentCapability{
		AgentID:         w.id,
		Specializations: w.specializations,
		Status:          collab.StatusRunning,
		Target:          w.cfg.Target,
		ToolsAvailable:  executor.Categories(),
	})
	w.collab.SetHandler(w.id, w.handleMessage)
}

// retire marks the worker as unavailable for routing and drops its
// throttle state.
func (w *Worker) retire(state State) {
	status := state.String()
	load := 0.0
	w.collab.UpdateCapabilities(w.id, collab.CapabilityUpdate{Status: &status, CurrentLoad: &load})
	w.throttle.Reset(w.id)

	w.mu.Lock()
	w.history = nil
	w.mu.Unlock()
}

// transition records a state change and publishes it. Active states
// requested while paused are recorded as paused.
func (w *Worker) transition(state State, reason string) {
	w.mu.Lock()
	if w.paused && state.active() {
		state = StatePaused
	}
	prev := w.status.State
	w.status.State = state
	w.status.Reason = reason
	w.status.UpdatedAt = w.now()
	iteration := w.status.Iteration
	w.mu.Unlock()

	if prev == state {
		w.logger.Debug("worker status", "state", state.String(), "reason", reason)
	} else {
		w.logger.Info("worker state changed",
			"from", prev.String(), "to", state.String(), "reason", reason)
	}
	w.bus.Publish(event.NewWorkerStatusEvent(w.id, state.String(), prev.String(), reason, iteration))

	if prev != state {
		status := collabStatus(state)
		load := loadFor(state)
		w.collab.UpdateCapabilities(w.id, collab.CapabilityUpdate{Status: &status, CurrentLoad: &load})
	}
}

func collabStatus(s State) string {
	if s.active() {
		return collab.StatusRunning
	}
	return s.String()
}

func loadFor(s State) float64 {
	switch s {
	case StateExecuting:
		return 1.0
	case StateWaitingOnModel:
		return 0.5
	default:
		return 0
	}
}

func (w *Worker) waitWhilePaused(ctx context.Context) error {
	w.mu.Lock()
	if !w.paused {
		w.mu.Unlock()
		return nil
	}
	ch := w.resume
	w.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// runItem executes one claimed queue item and reports the outcome to the
// queue, the collaboration bus, and the recorder.
func (w *Worker) runItem(ctx context.Context, item workqueue.Item) {
	cmd := batch.StripPrefix(item.Command)
	fp := collab.Fingerprint(w.cfg.Target, cmd)

	if !w.collab.ClaimTask(w.id, fp) {
		w.queue.Complete(item.ID, w.id, "skipped: already handled by the team")
		w.logger.Debug("skipped duplicate task", "item_id", item.ID, "fingerprint", fp)
		w.mu.Lock()
		w.status.Skipped++
		w.mu.Unlock()
		w.recordExecution(ctx, item.ID, cmd, "", store.ExecSkipped, 0)
		return
	}

	w.mu.Lock()
	w.status.LastCommand = cmd
	w.mu.Unlock()
	w.transition(StateExecuting, "executing: "+util.Summarize(cmd, maxReasonCommand))

	started := w.now()
	execCtx, cancel := context.WithTimeout(ctx, w.cfg.ExecTimeout)
	result := w.exec.Execute(execCtx, cmd)
	timedOut := ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()
	elapsed := w.now().Sub(started)

	if ctx.Err() != nil {
		// The command did not run to completion; another worker may retry it.
		w.queue.Fail(item.ID, w.id, "cancelled")
		w.collab.ReleaseTask(w.id, fp)
		w.recordExecution(context.WithoutCancel(ctx), item.ID, cmd, result, store.ExecFailed, elapsed)
		return
	}

	if timedOut {
		// Completed rather than failed so the same hang is not claimed again.
		result = fmt.Sprintf("command timed out after %s", w.cfg.ExecTimeout)
		w.logger.Warn("command timed out", "command", cmd, "timeout", w.cfg.ExecTimeout)
		w.queue.Complete(item.ID, w.id, result)
		w.collab.CompleteTask(w.id, fp, result)
		w.recordExecution(ctx, item.ID, cmd, result, store.ExecFailed, elapsed)
		w.mu.Lock()
		w.status.Executed++
		w.lastExec = &execution{command: cmd, result: result}
		w.mu.Unlock()
		w.transition(StateRunning, "timed out: "+util.Summarize(cmd, maxReasonCommand))
		return
	}

	if !w.queue.Complete(item.ID, w.id, result) {
		w.logger.Warn("queue rejected completion", "item_id", item.ID)
	}
	w.collab.CompleteTask(w.id, fp, fmt.Sprintf("%d bytes of output", len(result)))

	status := store.ExecCompleted
	if strings.HasPrefix(result, executor.BlockedDangerous) || strings.HasPrefix(result, executor.BlockedTool) {
		status = store.ExecSkipped
		w.logger.Warn("command blocked", "command", cmd, "result", result)
	} else {
		w.observe(ctx, result)
	}
	w.recordExecution(ctx, item.ID, cmd, result, status, elapsed)

	w.mu.Lock()
	w.status.Executed++
	w.lastExec = &execution{command: cmd, result: result}
	w.mu.Unlock()
	w.transition(StateRunning, "completed: "+util.Summarize(cmd, maxReasonCommand))
}

// observe extracts discoveries from command output into the shared
// knowledge base and the discovery ledger.
func (w *Worker) observe(ctx context.Context, output string) {
	target := w.cfg.Target
	kb := w.collab.Knowledge()

	for _, p := range batch.OpenPorts(output) {
		if !kb.AddPort(target, p.Port, p.Service, "", w.id) {
			continue
		}
		key := fmt.Sprintf("%s:%d", target, p.Port)
		data := map[string]string{
			"port":     fmt.Sprint(p.Port),
			"protocol": p.Protocol,
			"service":  p.Service,
		}
		if w.collab.ShareDiscovery(w.id, "port", key, data, true) {
			w.recordDiscovery(ctx, "port", key, data)
		}
	}

	for _, h := range batch.PathHits(output) {
		kb.AddDirectory(target, h.Path, h.Status, w.id)
	}

	for _, sub := range batch.Subdomains(output, hostOf(target)) {
		if !kb.AddSubdomain(target, sub, "", w.id) {
			continue
		}
		data := map[string]string{"parent": target}
		if w.collab.ShareDiscovery(w.id, "subdomain", sub, data, true) {
			w.recordDiscovery(ctx, "subdomain", sub, data)
		}
	}
}

type outcome int

const (
	outcomeContinue outcome = iota
	outcomeRetry
	outcomeDone
	outcomeFatal
)

// think runs one model iteration.
func (w *Worker) think(ctx context.Context, iteration int) (outcome, error) {
	if err := w.admit(ctx); err != nil {
		return outcomeContinue, nil
	}

	w.transition(StateWaitingOnModel, fmt.Sprintf("iteration %d: requesting instructions", iteration))
	user := w.userMessage(iteration)
	history := w.recentHistory()

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.ModelTimeout)
	raw, err := w.model.Generate(callCtx, w.cfg.Model, w.systemPrompt, user, history)
	cancel()
	if err != nil {
		return w.modelFailed(ctx, err)
	}

	w.budget.RecordRequest(w.cfg.Model, len(raw)/4, true)
	w.recordTurn(ctx, model.RoleUser, user)
	w.recordTurn(ctx, model.RoleAssistant, raw)
	w.appendHistory(user, raw)

	b, perr := batch.Parse(raw)
	if perr != nil {
		w.logger.Debug("no usable content in model output", "error", perr)
	}

	for _, f := range b.Findings {
		w.report(ctx, f)
	}
	for _, note := range b.Notes {
		w.collab.SendMessage(collab.Message{
			From:     w.id,
			Payload:  collab.KnowledgeSharePayload{Target: w.cfg.Target, Summary: note},
			Priority: collab.PriorityLow,
		})
	}

	if b.End {
		return outcomeDone, nil
	}

	added := w.queue.AddMany(b.Commands)
	if added > 0 {
		w.logger.Info("model queued commands", "iteration", iteration, "added", added)
	}
	w.transition(StateRunning, fmt.Sprintf("iteration %d: queued %d commands", iteration, added))

	_ = w.sleep(ctx, w.cfg.IterationPause)
	return outcomeContinue, nil
}

// admit waits for host resources and then for the model's rate budget.
// Cooldowns are slept through and re-checked.
func (w *Worker) admit(ctx context.Context) error {
	d, err := w.throttle.WaitForResources(ctx, w.id)
	if err != nil {
		return err
	}
	if d.Level != throttle.LevelNone {
		w.logger.Debug("admission throttled", "level", d.Level.String(), "reason", d.Reason)
	}

	for {
		rd := w.budget.Acquire(w.cfg.Model, w.cfg.EstimatedTokens)
		if rd.Proceed {
			if rd.Wait <= 0 {
				return nil
			}
			w.transition(StateWaitingOnModel, fmt.Sprintf("rate limit delay: %.1fs", rd.Wait.Seconds()))
			return w.sleep(ctx, rd.Wait)
		}
		w.transition(StateWaitingOnModel, rd.Reason)
		if err := w.sleep(ctx, rd.Wait); err != nil {
			return err
		}
	}
}

// modelFailed maps an upstream failure onto the loop's next step.
// Rate limits and timeouts retry the same iteration, authorization
// failures end the worker, and anything else costs the iteration.
func (w *Worker) modelFailed(ctx context.Context, err error) (outcome, error) {
	if ctx.Err() != nil {
		return outcomeContinue, nil
	}

	switch {
	case errors.IsFatal(err):
		w.budget.RecordRequest(w.cfg.Model, 0, false)
		return outcomeFatal, err

	case errors.IsRateLimited(err):
		hint, _ := errors.RetryAfter(err)
		cooldown := w.budget.HandleRateLimitError(w.cfg.Model, hint)
		w.transition(StateWaitingOnModel, fmt.Sprintf("rate limit hit, cooling down %s", cooldown.Round(time.Second)))
		_ = w.sleep(ctx, cooldown)
		return outcomeRetry, nil

	case errors.IsRetryable(err):
		w.budget.RecordRequest(w.cfg.Model, 0, false)
		w.logger.Warn("model call failed, retrying", "error", err)
		w.transition(StateRunning, "model error: "+util.Summarize(err.Error(), 80))
		_ = w.sleep(ctx, w.cfg.ErrorPause)
		return outcomeRetry, nil

	default:
		w.budget.RecordRequest(w.cfg.Model, 0, false)
		w.logger.Warn("model call failed", "error", err)
		w.transition(StateRunning, "model error: "+util.Summarize(err.Error(), 80))
		_ = w.sleep(ctx, w.cfg.ErrorPause)
		return outcomeContinue, nil
	}
}

// report shares a finding with the team and records it.
func (w *Worker) report(ctx context.Context, f batch.Finding) {
	w.collab.ShareFinding(w.id, w.cfg.Target, f.Severity, f.Content)
	if f.Severity == collab.SeverityCritical || f.Severity == collab.SeverityHigh {
		w.collab.Knowledge().AddVulnerability(w.cfg.Target, "discovered", f.Content, f.Severity, "", w.id)
	}

	w.mu.Lock()
	w.status.Findings++
	w.mu.Unlock()

	if w.recorder == nil {
		return
	}
	if _, err := w.recorder.RecordFinding(ctx, w.finding(f)); err != nil {
		w.logger.Warn("record finding failed", "error", err)
	}
}

// handleMessage runs on the sender's goroutine after the bus lock is
// released. It must not block.
func (w *Worker) handleMessage(msg collab.Message) {
	switch p := msg.Payload.(type) {
	case collab.DiscoveryPayload:
		if p.DiscoveryType == "port" {
			w.learnPort(msg.From, p)
		}
	case collab.HelpRequestPayload:
		if !w.canHelp(p.Specializations) {
			return
		}
		w.collab.OfferHelp(w.id, msg.From, msg.ID, w.specializations)
	case collab.AlertPayload:
		w.logger.Warn("alert from agent", "from", msg.From, "alert_type", p.AlertType, "message", p.Message)
	case collab.FindingPayload:
		w.logger.Debug("finding from agent", "from", msg.From, "severity", string(p.Severity))
	}
}

func (w *Worker) learnPort(from string, p collab.DiscoveryPayload) {
	i := strings.LastIndex(p.Key, ":")
	if i <= 0 {
		return
	}
	target := p.Key[:i]
	n, err := strconv.Atoi(p.Key[i+1:])
	if err != nil || n <= 0 {
		return
	}
	w.collab.Knowledge().AddPort(target, n, p.Data["service"], p.Data["version"], from)
}

func (w *Worker) canHelp(required []string) bool {
	w.mu.Lock()
	state := w.status.State
	w.mu.Unlock()
	if state != StateRunning && state != StateIdle {
		return false
	}
	for _, s := range required {
		if slices.Contains(w.specializations, s) {
			return true
		}
	}
	return false
}

func (w *Worker) recentHistory() []model.Turn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.history)
}

func (w *Worker) appendHistory(user, assistant string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append(w.history,
		model.Turn{Role: model.RoleUser, Content: util.Truncate(user, maxHistoryUser)},
		model.Turn{Role: model.RoleAssistant, Content: util.Truncate(assistant, maxHistoryAssistant)},
	)
	if over := len(w.history) - w.cfg.HistorySize; over > 0 {
		w.history = slices.Delete(w.history, 0, over)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// hostOf strips a scheme, path and port from target.
func hostOf(target string) string {
	host := target
	if _, rest, ok := strings.Cut(host, "://"); ok {
		host = rest
	}
	host, _, _ = strings.Cut(host, "/")
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	return strings.ToLower(host)
}
