package mission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/armada/internal/batch"
	"github.com/Iron-Ham/armada/internal/collab"
	"github.com/Iron-Ham/armada/internal/config"
	"github.com/Iron-Ham/armada/internal/dashboard"
	"github.com/Iron-Ham/armada/internal/executor"
	"github.com/Iron-Ham/armada/internal/fleet"
	"github.com/Iron-Ham/armada/internal/inbox"
	"github.com/Iron-Ham/armada/internal/logging"
	"github.com/Iron-Ham/armada/internal/model"
	"github.com/Iron-Ham/armada/internal/observer"
	"github.com/Iron-Ham/armada/internal/ratebudget"
	"github.com/Iron-Ham/armada/internal/store"
	"github.com/Iron-Ham/armada/internal/throttle"
	"github.com/Iron-Ham/armada/internal/worker"
	"github.com/Iron-Ham/armada/internal/workqueue"
)

// shutdownTimeout bounds the snapshot server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// Overrides replace the collaborators Build would otherwise construct from
// the environment. Nil fields are built normally.
type Overrides struct {
	Model    model.Client
	Executor executor.Executor
	Sampler  throttle.Sampler

	// Console receives rendered snapshots when observer.console is set. It
	// is also where the dashboard draws when observer.tui is set.
	Console io.Writer
}

// Mission is one assembled run: the fleet plus everything that watches or
// feeds it.
type Mission struct {
	logger *logging.Logger

	fleet     *fleet.Fleet
	observer  *observer.Observer
	inbox     *inbox.Watcher
	store     *store.Store
	dashboard *dashboard.Dashboard

	server   *http.Server
	listener net.Listener
}

// Build assembles a Mission from cfg. The caller owns logger.
func Build(cfg *config.Config, logger *logging.Logger, o Overrides) (_ *Mission, err error) {
	if err := cfg.RequireTarget(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)
	m := &Mission{logger: logger}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	deps := fleet.Deps{
		Executor: o.Executor,
		Model:    o.Model,
		Sampler:  o.Sampler,
		Logger:   logger,
	}
	if deps.Executor == nil {
		if deps.Executor, err = buildExecutor(cfg.Executor, logger); err != nil {
			return nil, err
		}
	}
	if deps.Model == nil {
		if deps.Model, err = buildModel(cfg.Model, logger); err != nil {
			return nil, err
		}
	}
	if deps.Sampler == nil {
		deps.Sampler = throttle.NewHostSampler()
	}
	if cfg.Store.Enabled {
		if m.store, err = openStore(cfg.Store.Path); err != nil {
			return nil, err
		}
		deps.Recorder = m.store
	}

	if m.fleet, err = fleet.New(FleetConfig(cfg), deps); err != nil {
		return nil, err
	}

	sinks, err := m.buildSinks(cfg.Observer, o.Console)
	if err != nil {
		return nil, err
	}
	obsOpts := []observer.Option{
		observer.WithInterval(cfg.Observer.Interval),
		observer.WithBufferSize(cfg.Observer.BufferSize),
		observer.WithBus(m.fleet.Bus()),
		observer.WithLogger(logger),
	}
	for _, s := range sinks {
		obsOpts = append(obsOpts, observer.WithSink(s))
	}
	m.observer = observer.New(m.fleet, obsOpts...)

	if cfg.Inbox.Dir != "" {
		m.inbox, err = inbox.New(cfg.Inbox.Dir, m.fleet.Queue(),
			inbox.WithBus(m.fleet.Bus()),
			inbox.WithLogger(logger),
			inbox.WithDebounce(cfg.Inbox.Debounce),
		)
		if err != nil {
			return nil, fmt.Errorf("start inbox: %w", err)
		}
	}

	return m, nil
}

// FleetConfig maps the loaded configuration onto a fleet.Config.
func FleetConfig(cfg *config.Config) fleet.Config {
	fc := fleet.Config{
		Workers: cfg.Mission.Workers,
		Worker: worker.Config{
			Target:          cfg.Mission.Target,
			Category:        cfg.Mission.Category,
			Model:           cfg.Worker.Model,
			Instruction:     cfg.Mission.Instruction,
			Stealth:         cfg.Mission.Stealth,
			Tools:           cfg.Executor.Allow,
			MaxIterations:   cfg.Worker.MaxIterations,
			EstimatedTokens: cfg.Worker.EstimatedTokens,
			ModelTimeout:    cfg.Worker.ModelTimeout,
			ExecTimeout:     cfg.Worker.ExecTimeout,
			IterationPause:  cfg.Worker.IterationPause,
			ErrorPause:      cfg.Worker.ErrorPause,
			HistorySize:     cfg.Worker.HistorySize,
			MaxDuration:     cfg.Mission.MaxDuration,
		},
		StateDir: cfg.Mission.StateDir,
		QueueOptions: []workqueue.Option{
			workqueue.WithMaxPending(cfg.Queue.MaxPending),
			workqueue.WithHistorySize(cfg.Queue.HistorySize),
			workqueue.WithRecentSize(cfg.Queue.RecentSize),
		},
		ThrottleOptions: []throttle.Option{
			throttle.WithThresholds(cfg.Throttle.CPU, cfg.Throttle.Memory),
			throttle.WithCacheTTL(cfg.Throttle.CacheTTL),
		},
		BudgetOptions: []ratebudget.Option{
			ratebudget.WithDefaults(cfg.RateBudget.Defaults),
			ratebudget.WithModelLimits(cfg.RateBudget.Models),
		},
		CollabOptions: []collab.Option{
			collab.WithMailboxSize(cfg.Collab.MailboxSize),
			collab.WithMaxDiscoveries(cfg.Collab.MaxDiscoveries),
			collab.WithMaxCompleted(cfg.Collab.MaxCompleted),
		},
	}

	// Stealth raises the base delay unless one was configured explicitly.
	if !cfg.Mission.Stealth || cfg.Throttle.BaseDelay != throttle.DefaultBaseDelay {
		fc.ThrottleOptions = append(fc.ThrottleOptions, throttle.WithBaseDelay(cfg.Throttle.BaseDelay))
	}

	for _, s := range cfg.Mission.Seed {
		if c := batch.WithPrefix(s); c != "" {
			fc.Seed = append(fc.Seed, c)
		}
	}
	return fc
}

func buildExecutor(cfg config.ExecutorConfig, logger *logging.Logger) (executor.Executor, error) {
	opts := []executor.Option{
		executor.WithShell(cfg.Shell),
		executor.WithTimeout(cfg.Timeout),
		executor.WithPTY(cfg.PTY),
		executor.WithMaxOutput(cfg.MaxOutput),
		executor.WithLogDir(cfg.LogDir),
		executor.WithLogger(logger),
	}
	if len(cfg.Allow) > 0 {
		allow, err := executor.NewAllowlist(cfg.Allow...)
		if err != nil {
			return nil, fmt.Errorf("executor allowlist: %w", err)
		}
		opts = append(opts, executor.WithAllowlist(allow))
	}
	return executor.NewShell(opts...), nil
}

func buildModel(cfg config.ModelConfig, logger *logging.Logger) (model.Client, error) {
	creds, err := model.LoadCredentials()
	if err != nil {
		return nil, err
	}
	if creds.APIKey == "" {
		return nil, errors.New("OPENROUTER_API_KEY is not set")
	}
	return model.NewOpenRouter(creds,
		model.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		model.WithMaxTokens(cfg.MaxTokens),
		model.WithTemperature(cfg.Temperature),
		model.WithLogger(logger),
	), nil
}

func openStore(path string) (*store.Store, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func (m *Mission) buildSinks(cfg config.ObserverConfig, console io.Writer) ([]observer.Sink, error) {
	sinks := []observer.Sink{observer.NewLogSink(m.logger)}

	switch {
	case cfg.TUI && console != nil:
		m.dashboard = dashboard.New(m.fleet,
			dashboard.WithOutput(console),
			dashboard.WithLogger(m.logger),
		)
		sinks = append(sinks, m.dashboard)
	case cfg.Console && console != nil:
		sinks = append(sinks, observer.NewConsoleSink(console))
	}

	if cfg.WebSocketAddr != "" {
		ln, err := net.Listen("tcp", cfg.WebSocketAddr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", cfg.WebSocketAddr, err)
		}
		ws := observer.NewWebSocketSink(m.logger)
		mux := http.NewServeMux()
		mux.Handle("/ws", ws)
		m.listener = ln
		m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		sinks = append(sinks, ws)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		ks, err := observer.NewKafkaSink(strings.Join(cfg.Kafka.Brokers, ","), cfg.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ks)
	}
	return sinks, nil
}

// Fleet returns the mission's fleet.
func (m *Mission) Fleet() *fleet.Fleet { return m.fleet }

// Observer returns the snapshot observer.
func (m *Mission) Observer() *observer.Observer { return m.observer }

// Dashboard returns the interactive dashboard, or nil when it is disabled.
func (m *Mission) Dashboard() *dashboard.Dashboard { return m.dashboard }

// Store returns the history store, or nil when it is disabled.
func (m *Mission) Store() *store.Store { return m.store }

// SnapshotAddr returns the address the snapshot server listens on, or ""
// when it is disabled.
func (m *Mission) SnapshotAddr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Run runs the fleet to completion. The observer, inbox and snapshot server
// run alongside it and are stopped once every worker has exited. With the
// dashboard enabled, Run also waits for the operator to close it.
func (m *Mission) Run(ctx context.Context) error {
	auxCtx, cancelAux := context.WithCancel(ctx)
	defer cancelAux()

	var wg conc.WaitGroup
	observed := make(chan struct{})
	wg.Go(func() {
		defer close(observed)
		m.observer.Run(auxCtx)
	})
	if m.inbox != nil {
		wg.Go(func() {
			if err := m.inbox.Run(auxCtx); err != nil {
				m.logger.Warn("inbox stopped", "error", err)
			}
		})
	}
	if m.server != nil {
		wg.Go(func() {
			if err := m.server.Serve(m.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.logger.Warn("snapshot server stopped", "error", err)
			}
		})
		wg.Go(func() {
			// The observer sends a final snapshot before it closes its sinks.
			<-observed
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = m.server.Shutdown(sctx)
		})
	}

	if m.dashboard != nil {
		// Quitting the dashboard stops the fleet; the view outlives the
		// fleet so the operator can read the final state.
		wg.Go(func() {
			if err := m.dashboard.Run(ctx); err != nil {
				m.logger.Warn("dashboard stopped", "error", err)
			}
		})
	}

	err := m.fleet.Run(ctx)
	if m.dashboard != nil {
		m.dashboard.Finish(err)
	}
	cancelAux()
	wg.Wait()
	return err
}

// Summary returns the mission's persisted counts. It is zero when the
// store is disabled.
func (m *Mission) Summary(ctx context.Context) (store.Summary, error) {
	if m.store == nil {
		return store.Summary{}, nil
	}
	return m.store.Summary(ctx, m.fleet.MissionID())
}

// Close releases the listener and the store. Call it after Run returns.
func (m *Mission) Close() {
	if m.listener != nil {
		_ = m.listener.Close()
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			m.logger.Warn("close store failed", "error", err)
		}
	}
}
