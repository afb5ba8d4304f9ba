package cmd

import (
	"fmt"

	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/controlplane"
	"github.com/3mdistal/ralph/models"
	"github.com/spf13/cobra"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Stop claiming new work, let in-flight tasks finish",
	RunE:  writeControlMode(models.ControlDraining),
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume claiming after a drain or pause",
	RunE:  writeControlMode(models.ControlRunning),
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the scheduler immediately, without waiting for in-flight tasks",
	RunE:  writeControlMode(models.ControlPaused),
}

func writeControlMode(mode models.ControlMode) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := controlplane.WriteMode(cfg.ControlPlane.ControlRoot, mode); err != nil {
			return fmt.Errorf("writing control mode: %w", err)
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("control mode set to %s", mode)))
		return nil
	}
}

func init() {
	rootCmd.AddCommand(pauseCmd)
}
