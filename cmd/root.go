package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ralphctl",
	Short: "Autonomous multi-repo AI coding agent orchestrator",
	Long: `ralph drives a fleet of AI coding agents against a set of GitHub
repositories: it watches an issue queue encoded as labels, claims eligible
issues, runs an agent through plan/implement/pr-create/merge-gate/survey,
and reconciles the result back onto the forge.

Get started:
  ralphctl init     Interactive first-run config setup
  ralphctl doctor   Verify the daemon's prerequisites
  ralphctl daemon    Run the orchestrator
  ralphctl status   Show the running daemon's state
  ralphctl drain    Stop claiming new work, let in-flight tasks finish
  ralphctl resume   Resume claiming after a drain or pause
  ralphctl watch    Live terminal view of daemon activity`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.ralph/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		initCmd,
		doctorCmd,
		daemonCmd,
		statusCmd,
		drainCmd,
		resumeCmd,
		watchCmd,
		configCmd,
	)
}

func initConfig() {
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("verbose logging enabled")
	}
}
