package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/state"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify the daemon's prerequisites",
	Long: `Checks that the state database can be reached, a forge token is
configured, and the directories the daemon writes to (control root, worktree
root) exist and are writable.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	allOK := true
	check := func(name string, ok bool, detail string) {
		fmt.Printf("%-24s ", name)
		if ok {
			fmt.Println(successStyle.Render("OK") + " " + detail)
		} else {
			fmt.Println(failStyle.Render("FAIL") + " " + detail)
			allOK = false
		}
	}

	fmt.Println(titleStyle.Render("ralph doctor"))
	fmt.Println()

	db, err := state.Open(ctx, cfg.Database, nil)
	if err != nil {
		check("state database", false, err.Error())
	} else {
		pingErr := db.Ping(ctx)
		check("state database", pingErr == nil, db.Path())
		_ = db.Close()
	}

	tokenEnv := cfg.Forge.TokenEnvVar
	if tokenEnv == "" {
		tokenEnv = "GH_TOKEN"
	}
	_, tokenSet := os.LookupEnv(tokenEnv)
	if !tokenSet && tokenEnv == "GH_TOKEN" {
		_, tokenSet = os.LookupEnv("GITHUB_TOKEN")
	}
	check("forge token", tokenSet, fmt.Sprintf("env %s", tokenEnv))

	check("repos configured", len(cfg.Repos) > 0, fmt.Sprintf("%d repo(s)", len(cfg.Repos)))

	checkWritableDir("control root", cfg.ControlPlane.ControlRoot, check)
	checkWritableDir("worktree root", cfg.Scheduler.WorktreeRoot, check)

	fmt.Println()
	if allOK {
		fmt.Println(successStyle.Render("All checks passed."))
	} else {
		fmt.Println(warnStyle.Render("Some checks failed — fix the items above before starting the daemon."))
	}
	return nil
}

// checkWritableDir creates dir (and parents) if missing, then probes it with
// a throwaway temp file, mirroring how the daemon itself verifies its
// writable paths before acquiring the startup lock.
func checkWritableDir(name, dir string, check func(name string, ok bool, detail string)) {
	if dir == "" {
		check(name, false, "not configured")
		return
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		check(name, false, err.Error())
		return
	}
	probe := filepath.Join(dir, ".ralph-doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		check(name, false, err.Error())
		return
	}
	_ = os.Remove(probe)
	check(name, true, dir)
}
