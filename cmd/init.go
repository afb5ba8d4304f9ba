package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/models"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive first-run config setup",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading existing config: %w", err)
	}

	var (
		tokenEnvVar  = cfg.Forge.TokenEnvVar
		reposRaw     string
		maxWorkers   = strconv.Itoa(cfg.Scheduler.MaxWorkers)
		dashboardStr = strconv.Itoa(cfg.ControlPlane.DashboardPort)
	)
	if tokenEnvVar == "" {
		tokenEnvVar = "GH_TOKEN"
	}
	for _, r := range cfg.Repos {
		if reposRaw != "" {
			reposRaw += ","
		}
		reposRaw += r.FullName()
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("GitHub token environment variable").
				Description("Name of the env var ralph reads its bearer token from").
				Value(&tokenEnvVar),
			huh.NewInput().
				Title("Repositories to watch").
				Description("Comma-separated owner/name pairs, e.g. acme/widgets,acme/sprockets").
				Value(&reposRaw),
			huh.NewInput().
				Title("Max concurrent workers").
				Value(&maxWorkers),
			huh.NewInput().
				Title("Dashboard port (0 to disable)").
				Value(&dashboardStr),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("running setup form: %w", err)
	}

	cfg.Forge.TokenEnvVar = tokenEnvVar
	if n, err := strconv.Atoi(strings.TrimSpace(maxWorkers)); err == nil {
		cfg.Scheduler.MaxWorkers = n
	}
	if n, err := strconv.Atoi(strings.TrimSpace(dashboardStr)); err == nil {
		cfg.ControlPlane.DashboardPort = n
	}
	cfg.Repos = parseRepos(reposRaw)

	if err := config.EnsureDir(); err != nil {
		return fmt.Errorf("creating config directories: %w", err)
	}
	if err := config.Save(cfg, cfgFile); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	path, _ := config.ConfigPath(cfgFile)
	fmt.Println(successStyle.Render("Config saved to " + path))
	fmt.Println(dimStyle.Render("Run 'ralphctl doctor' next to verify everything's reachable."))
	return nil
}

// parseRepos turns "owner/name,owner2/name2" into Repo values with sane
// per-repo defaults; operators fine-tune concurrency/priority by editing
// the saved config file afterward.
func parseRepos(raw string) []models.Repo {
	var repos []models.Repo
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		owner, name, ok := strings.Cut(part, "/")
		if !ok {
			continue
		}
		repos = append(repos, models.Repo{
			Owner:            owner,
			Name:             name,
			BotBranch:        "ralph-bot",
			ConcurrencySlots: 1,
		})
	}
	return repos
}
