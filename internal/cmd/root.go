package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/armada/internal/cmd/config"
	"github.com/Iron-Ham/armada/internal/cmd/logs"
	"github.com/Iron-Ham/armada/internal/cmd/mission"
	"github.com/Iron-Ham/armada/internal/cmd/queue"
	"github.com/Iron-Ham/armada/internal/cmd/report"
	appconfig "github.com/Iron-Ham/armada/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "armada",
	Short: "Concurrent model-driven security assessment",
	Long: `Armada runs a fleet of workers against a single target. Each worker asks
a language model for the next commands to run, executes them locally, and
shares what it learns with the rest of the fleet through a common work queue
and collaboration bus.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the root command with every subcommand registered.
func Root() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/armada/config.yaml)")

	config.Register(rootCmd)
	logs.Register(rootCmd)
	mission.Register(rootCmd)
	queue.Register(rootCmd)
	report.Register(rootCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("config")
	return appconfig.Init(file)
}
