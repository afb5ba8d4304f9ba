package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/controlplane"
	"github.com/3mdistal/ralph/internal/daemonlock"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	home := os.Getenv("HOME")
	results := daemonlock.Discover(daemonlock.DefaultCandidates(home), cmdlinePrefix)
	live, ok := daemonlock.LiveDaemon(results)
	if !ok {
		fmt.Println(warnStyle.Render("No running daemon found."))
		return nil
	}

	fmt.Println(titleStyle.Render("ralph daemon status"))
	fmt.Printf("daemon id   %s\n", live.Record.DaemonID)
	fmt.Printf("pid         %d\n", live.Record.PID)
	fmt.Printf("started at  %s (up %s)\n", live.Record.StartedAt.Format(time.RFC3339), time.Since(live.Record.StartedAt).Round(time.Second))
	fmt.Printf("registry    %s\n", live.Candidate.Path)

	mode, err := controlplane.ReadMode(cfg.ControlPlane.ControlRoot)
	if err != nil {
		fmt.Printf("control mode: %s\n", failStyle.Render(err.Error()))
	} else {
		fmt.Printf("control mode %s\n", string(mode))
	}

	if healed := daemonlock.Heal(results); len(healed) > 0 {
		fmt.Println(dimStyle.Render(fmt.Sprintf("cleaned up %d stale registry record(s)", len(healed))))
	}
	return nil
}
