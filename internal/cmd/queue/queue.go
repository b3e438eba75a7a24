// Package queue provides CLI commands for inspecting and editing a saved
// mission queue between runs.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/armada/internal/batch"
	"github.com/Iron-Ham/armada/internal/config"
	"github.com/Iron-Ham/armada/internal/workqueue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or edit a saved mission queue",
	Long: `Inspect or edit the queue saved in a mission's state directory.

A mission started with --state-dir saves its queue when it ends and resumes
from it on the next run. These commands operate on that saved state, so edit
the queue only while no mission is using the directory.`,
}

var queueShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show pending and recently completed commands",
	Args:  cobra.NoArgs,
	RunE:  runQueueShow,
}

var queueAddCmd = &cobra.Command{
	Use:   "add <command>...",
	Short: "Queue one or more commands",
	Example: `  armada queue add "nmap -sV 10.0.0.1" "whois example.com"
  armada queue add --state-dir ./state "RUN dig example.com any"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQueueAdd,
}

var queueEditCmd = &cobra.Command{
	Use:   "edit <id> <command>",
	Short: "Replace the command of a pending item",
	Args:  cobra.ExactArgs(2),
	RunE:  runQueueEdit,
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <id>...",
	Short: "Remove pending items",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQueueRemove,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every pending item",
	Args:  cobra.NoArgs,
	RunE:  runQueueClear,
}

var (
	stateDir  string
	queueJSON bool
)

func init() {
	queueCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "state directory (default: mission.state_dir)")
	queueShowCmd.Flags().BoolVar(&queueJSON, "json", false, "Output the queue as JSON")

	queueCmd.AddCommand(queueShowCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueEditCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueClearCmd)
}

// Register adds all queue-related commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(queueCmd)
}

// resolveDir returns the --state-dir flag or the configured state directory.
func resolveDir() (string, error) {
	if stateDir != "" {
		return stateDir, nil
	}
	if dir := config.Get().Mission.StateDir; dir != "" {
		return dir, nil
	}
	return "", errors.New("no state directory: pass --state-dir or set mission.state_dir")
}

// load opens the saved queue in dir, or an empty queue when none exists yet.
func load(dir string) (*workqueue.Queue, error) {
	cfg := config.Get()
	opts := []workqueue.Option{
		workqueue.WithMaxPending(cfg.Queue.MaxPending),
		workqueue.WithHistorySize(cfg.Queue.HistorySize),
		workqueue.WithRecentSize(cfg.Queue.RecentSize),
	}
	if !workqueue.StateExists(dir) {
		return workqueue.New(opts...), nil
	}
	q, err := workqueue.LoadState(dir, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue from %s: %w", dir, err)
	}
	return q, nil
}

// modify loads the queue, applies fn, and saves it back.
func modify(fn func(q *workqueue.Queue) error) error {
	dir, err := resolveDir()
	if err != nil {
		return err
	}
	q, err := load(dir)
	if err != nil {
		return err
	}
	if err := fn(q); err != nil {
		return err
	}
	if err := q.SaveState(dir); err != nil {
		return fmt.Errorf("failed to save queue to %s: %w", dir, err)
	}
	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	dir, err := resolveDir()
	if err != nil {
		return err
	}
	q, err := load(dir)
	if err != nil {
		return err
	}
	snap := q.Snapshot()

	if queueJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	printSnapshot(cmd.OutOrStdout(), snap)
	return nil
}

func printSnapshot(out io.Writer, snap workqueue.Snapshot) {
	fmt.Fprintf(out, "PENDING (%d)\n", len(snap.Pending))
	fmt.Fprintln(out, strings.Repeat("─", 50))
	if len(snap.Pending) == 0 {
		fmt.Fprintln(out, "  (empty)")
	}
	for _, it := range snap.Pending {
		fmt.Fprintf(out, "  %4d  %s\n", it.ID, it.Command)
		if it.Error != "" {
			fmt.Fprintf(out, "        last error: %s\n", it.Error)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "RECENTLY COMPLETED (%d total)\n", snap.TotalCompleted)
	fmt.Fprintln(out, strings.Repeat("─", 50))
	if len(snap.RecentCompleted) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, it := range snap.RecentCompleted {
		by := it.ClaimedBy
		if by == "" {
			by = "-"
		}
		fmt.Fprintf(out, "  %4d  %-10s %s\n", it.ID, by, it.Command)
	}
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	var commands []string
	for _, a := range args {
		if c := batch.WithPrefix(a); c != "" {
			commands = append(commands, c)
		}
	}
	if len(commands) == 0 {
		return errors.New("no commands to add")
	}

	return modify(func(q *workqueue.Queue) error {
		n := q.AddMany(commands)
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %d of %d command(s)\n", n, len(commands))
		return nil
	})
}

func runQueueEdit(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	command := batch.WithPrefix(args[1])
	if command == "" {
		return errors.New("command must not be empty")
	}

	return modify(func(q *workqueue.Queue) error {
		if !q.Edit(id, command) {
			return fmt.Errorf("item %d is not pending", id)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated item %d\n", id)
		return nil
	})
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := parseID(a)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	return modify(func(q *workqueue.Queue) error {
		removed := 0
		for _, id := range ids {
			if q.Remove(id) {
				removed++
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "item %d is not pending\n", id)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d item(s)\n", removed)
		return nil
	})
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	return modify(func(q *workqueue.Queue) error {
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d pending item(s)\n", q.Clear())
		return nil
	})
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid item id %q", s)
	}
	return id, nil
}
