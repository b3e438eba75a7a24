// Package mission provides the CLI command that runs an assessment.
package mission

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/armada/internal/config"
	"github.com/Iron-Ham/armada/internal/logging"
	"github.com/Iron-Ham/armada/internal/observer"
)

var runCmd = &cobra.Command{
	Use:   "run [target]",
	Short: "Run a mission against a target",
	Long: `Run a mission against a target host, IP, URL or file.

Workers share one work queue: commands seeded with --seed, dropped into the
inbox directory, or proposed by the model are each executed exactly once.
The mission ends when every worker has finished, hit its iteration limit,
or --max-duration has elapsed. Ctrl-C stops all workers.

The target may also come from mission.target in the config file.`,
	Example: `  armada run example.com --category domain --workers 5
  armada run 10.0.0.0/24 --category ip --seed "nmap -sn 10.0.0.0/24"
  armada run https://app.test --category url --stealth --max-duration 30m`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMission,
}

// flagKeys binds each run flag to the config key it overrides.
var flagKeys = map[string]string{
	"workers":      "mission.workers",
	"category":     "mission.category",
	"instruction":  "mission.instruction",
	"stealth":      "mission.stealth",
	"seed":         "mission.seed",
	"max-duration": "mission.max_duration",
	"state-dir":    "mission.state_dir",
	"model":        "worker.model",
	"inbox":        "inbox.dir",
	"websocket":    "observer.websocket_addr",
	"kafka":        "observer.kafka.brokers",
	"console":      "observer.console",
	"tui":          "observer.tui",
	"log-level":    "logging.level",
}

func init() {
	f := runCmd.Flags()
	f.IntP("workers", "w", 0, "number of concurrent workers")
	f.String("category", "", "target category: general, domain, ip, url, file")
	f.StringP("instruction", "i", "", "operator guidance added to every worker's prompt")
	f.Bool("stealth", false, "slow admission and prefer quiet tooling")
	f.StringArray("seed", nil, "command to queue before the first model call (repeatable)")
	f.Duration("max-duration", 0, "stop every worker after this long")
	f.String("state-dir", "", "save and restore the queue in this directory")
	f.StringP("model", "m", "", "model id for every worker")
	f.String("inbox", "", "watch this directory for command files")
	f.String("websocket", "", "serve live snapshots on ws://ADDR/ws")
	f.StringSlice("kafka", nil, "publish snapshots to these Kafka brokers")
	f.Bool("console", true, "render live status when stdout is a terminal")
	f.Bool("tui", false, "interactive dashboard: pause, resume and queue commands live")
	f.String("log-level", "", "log level: debug, info, warn, error")
}

// Register adds the run command to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(runCmd)
}

// bindFlags points the config keys at any flag the user actually set, so
// flags override the config file and the environment.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for name, key := range flagKeys {
		fl := cmd.Flags().Lookup(name)
		if fl == nil || !fl.Changed {
			continue
		}
		if err := v.BindPFlag(key, fl); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

func runMission(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd, viper.GetViper()); err != nil {
		return err
	}
	if len(args) == 1 {
		viper.Set("mission.target", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireTarget(); err != nil {
		return fmt.Errorf("%w\nPass a target argument or set mission.target", err)
	}

	var console io.Writer
	if observer.ConsoleAvailable(os.Stdout) {
		console = os.Stdout
	}

	logger := logging.NopLogger()
	// stderr logging would draw over the dashboard.
	if !cfg.Observer.TUI || console == nil || cfg.Logging.Dir != "" {
		if logger, err = logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level); err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
	}
	defer func() { _ = logger.Close() }()

	m, err := Build(cfg, logger, Overrides{Console: console})
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Mission %s: %d workers against %s\n", m.Fleet().MissionID(), cfg.Mission.Workers, cfg.Mission.Target)
	if addr := m.SnapshotAddr(); addr != "" {
		fmt.Fprintf(out, "Live snapshots: ws://%s/ws\n", addr)
	}

	runErr := m.Run(ctx)
	printSummary(context.WithoutCancel(ctx), out, m)
	return runErr
}

func printSummary(ctx context.Context, out io.Writer, m *Mission) {
	c := m.Fleet().Snapshot().Counts()
	fmt.Fprintf(out, "\nMission %s finished\n", m.Fleet().MissionID())
	fmt.Fprintf(out, "  commands completed: %d\n", c.Completed)
	fmt.Fprintf(out, "  commands pending:   %d\n", c.Pending)
	fmt.Fprintf(out, "  findings shared:    %d\n", c.Findings)

	if m.Store() == nil {
		return
	}
	sum, err := m.Summary(ctx)
	if err != nil {
		fmt.Fprintf(out, "  (history unavailable: %v)\n", err)
		return
	}
	fmt.Fprintf(out, "  executions logged:  %d (%d failed)\n", sum.Executions, sum.FailedExecs)
	fmt.Fprintf(out, "  discoveries:        %d\n", sum.Discoveries)
	fmt.Fprintf(out, "Run 'armada report %s' for details.\n", m.Fleet().MissionID())
}
