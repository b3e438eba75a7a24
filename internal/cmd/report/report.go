// Package report provides the CLI command that prints a mission's recorded
// history.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/armada/internal/collab"
	"github.com/Iron-Ham/armada/internal/config"
	"github.com/Iron-Ham/armada/internal/store"
)

var reportCmd = &cobra.Command{
	Use:   "report [mission-id]",
	Short: "Show what a mission found",
	Long: `Show the findings, discoveries and executions recorded for a mission.

Without a mission id, lists the most recent missions in the store.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

var (
	reportJSON       bool
	reportSeverity   string
	reportLimit      int
	reportExecutions int
	reportDBPath     string
)

func init() {
	f := reportCmd.Flags()
	f.BoolVar(&reportJSON, "json", false, "Output the report as JSON")
	f.StringVar(&reportSeverity, "severity", "", "only show findings of this severity")
	f.IntVar(&reportLimit, "limit", 50, "maximum findings to show")
	f.IntVar(&reportExecutions, "executions", 10, "number of recent executions to show")
	f.StringVar(&reportDBPath, "db", "", "store path (default: store.path)")
}

// Register adds the report command to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(reportCmd)
}

// Report is everything recorded for one mission.
type Report struct {
	MissionID   string            `json:"mission_id"`
	Summary     store.Summary     `json:"summary"`
	Findings    []store.Finding   `json:"findings"`
	Discoveries []store.Discovery `json:"discoveries"`
	Executions  []store.Execution `json:"recent_executions"`
}

func runReport(cmd *cobra.Command, args []string) error {
	path := reportDBPath
	if path == "" {
		path = config.Get().Store.Path
	}
	if path == "" {
		return errors.New("no store configured: pass --db or set store.path")
	}

	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		missions, err := st.Missions(ctx, 20)
		if err != nil {
			return err
		}
		if reportJSON {
			return writeJSON(out, missions)
		}
		printMissions(out, missions)
		return nil
	}

	r, err := Build(ctx, st, args[0])
	if err != nil {
		return err
	}
	if reportJSON {
		return writeJSON(out, r)
	}
	printReport(out, r)
	return nil
}

// Build collects the report for missionID using the current flag values.
func Build(ctx context.Context, st *store.Store, missionID string) (Report, error) {
	r := Report{MissionID: missionID}
	var err error

	if r.Summary, err = st.Summary(ctx, missionID); err != nil {
		return r, err
	}
	if r.Summary.Executions == 0 && r.Summary.Findings == 0 {
		return r, fmt.Errorf("no history for mission %s", missionID)
	}

	if r.Findings, err = st.Findings(ctx, store.FindingFilter{
		MissionID: missionID,
		Severity:  reportSeverity,
		Limit:     reportLimit,
	}); err != nil {
		return r, err
	}
	// Most severe first; the store returns newest first within a rank.
	slices.SortStableFunc(r.Findings, func(a, b store.Finding) int {
		return collab.ParseSeverity(b.Severity).Rank() - collab.ParseSeverity(a.Severity).Rank()
	})

	if r.Discoveries, err = st.Discoveries(ctx, missionID, ""); err != nil {
		return r, err
	}
	if r.Executions, err = st.Executions(ctx, missionID, reportExecutions); err != nil {
		return r, err
	}
	return r, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMissions(out io.Writer, missions []store.MissionInfo) {
	if len(missions) == 0 {
		fmt.Fprintln(out, "No missions recorded")
		return
	}
	fmt.Fprintln(out, "RECENT MISSIONS")
	fmt.Fprintln(out, strings.Repeat("─", 70))
	for _, m := range missions {
		fmt.Fprintf(out, "%-36s  %5d execs  %s\n", m.ID, m.Executions, m.LastSeen.Format("2006-01-02 15:04"))
	}
}

func printReport(out io.Writer, r Report) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "MISSION SUMMARY")
	fmt.Fprintln(out, strings.Repeat("─", 50))
	fmt.Fprintf(out, "Mission:     %s\n", r.MissionID)
	fmt.Fprintf(out, "Executions:  %d (%d failed)\n", r.Summary.Executions, r.Summary.FailedExecs)
	fmt.Fprintf(out, "Discoveries: %d\n", r.Summary.Discoveries)
	fmt.Fprintf(out, "Findings:    %d\n", r.Summary.Findings)

	sevs := make([]string, 0, len(r.Summary.BySeverity))
	for s := range r.Summary.BySeverity {
		sevs = append(sevs, s)
	}
	slices.SortFunc(sevs, func(a, b string) int {
		return collab.ParseSeverity(b).Rank() - collab.ParseSeverity(a).Rank()
	})
	for _, s := range sevs {
		fmt.Fprintf(out, "  %-9s %d\n", s, r.Summary.BySeverity[s])
	}

	if len(r.Findings) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "FINDINGS")
		fmt.Fprintln(out, strings.Repeat("─", 50))
		for _, f := range r.Findings {
			fmt.Fprintf(out, "[%s] %s", strings.ToUpper(f.Severity), f.Content)
			if f.Target != "" {
				fmt.Fprintf(out, " (%s)", f.Target)
			}
			fmt.Fprintf(out, " - %s\n", f.AgentID)
		}
	}

	if len(r.Discoveries) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "DISCOVERIES")
		fmt.Fprintln(out, strings.Repeat("─", 50))
		for _, d := range r.Discoveries {
			fmt.Fprintf(out, "%-12s %s\n", d.Type, d.Key)
		}
	}

	if len(r.Executions) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "RECENT EXECUTIONS")
		fmt.Fprintln(out, strings.Repeat("─", 50))
		for _, e := range r.Executions {
			fmt.Fprintf(out, "%-9s %-8s %6s  %s\n", e.Status, e.AgentID, e.Duration.Round(1e6), e.Command)
		}
	}
}
