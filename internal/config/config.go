package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultConfigDir   = ".ralph"
	DefaultConfigTOML  = "config.toml"
	DefaultConfigJSON  = "config.json"
	DefaultDBFile      = ".ralph/state.sqlite"
	DefaultControlRoot = ".ralph/control"
	DefaultWorktrees   = ".ralph/worktrees"
	DefaultSessions    = ".ralph/sessions"
	legacyConfigPath   = ".config/opencode/ralph/ralph.json"
)

// Load resolves config.toml (preferred), config.json (fallback), or the
// legacy opencode location (with a warning), then layers environment
// overrides on top. configPath, if non-empty, is used verbatim instead of
// the search order. Only the resulting values are consumed by the core — the
// loader mechanics themselves are not part of the control loop.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("RALPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, home)

	resolved, warnLegacy, err := resolveConfigFile(configPath, home)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		v.SetConfigFile(resolved)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config %s: %w", resolved, err)
			}
		}
	}
	if warnLegacy {
		slog.Warn("config: using legacy config location, migrate to ~/.ralph/config.toml", "path", resolved)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// resolveConfigFile implements the search order from the filesystem layout:
// config.toml, then config.json, then the legacy opencode path.
func resolveConfigFile(override, home string) (path string, legacy bool, err error) {
	if override != "" {
		return override, false, nil
	}
	tomlPath := filepath.Join(home, DefaultConfigDir, DefaultConfigTOML)
	if _, statErr := os.Stat(tomlPath); statErr == nil {
		return tomlPath, false, nil
	}
	jsonPath := filepath.Join(home, DefaultConfigDir, DefaultConfigJSON)
	if _, statErr := os.Stat(jsonPath); statErr == nil {
		return jsonPath, false, nil
	}
	legacyPath := filepath.Join(home, legacyConfigPath)
	if _, statErr := os.Stat(legacyPath); statErr == nil {
		return legacyPath, true, nil
	}
	// Nothing on disk yet: default to the toml path so Save() writes there.
	return tomlPath, false, nil
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))

	v.SetDefault("forge.token_env_var", "GH_TOKEN")
	v.SetDefault("forge.profile", "default")
	v.SetDefault("forge.sandbox_token_env_var", "GITHUB_SANDBOX_TOKEN")
	v.SetDefault("forge.max_in_flight", 10)

	v.SetDefault("scheduler.max_workers", 3)
	v.SetDefault("scheduler.worktree_root", filepath.Join(home, DefaultWorktrees))
	v.SetDefault("scheduler.tick_interval_ms", 30_000)
	v.SetDefault("scheduler.heartbeat_interval_ms", 60_000)
	v.SetDefault("scheduler.ownership_ttl_ms", 15*60*1000)

	v.SetDefault("lease.min_age_ms", 10*60*1000)
	v.SetDefault("lease.pr_create_conflict_wait_ms", 60_000)

	v.SetDefault("watchdog.soft_timeout_ms", 2*60*1000)
	v.SetDefault("watchdog.hard_timeout_ms", 10*60*1000)
	v.SetDefault("watchdog.idle_ms", 5*60*1000)
	v.SetDefault("watchdog.loop_window", 6)
	v.SetDefault("watchdog.loop_threshold", 3)
	v.SetDefault("watchdog.watchdog_retries", 2)

	v.SetDefault("throttle.provider_id", "anthropic")
	v.SetDefault("throttle.rolling_5h_tokens", 1_000_000)
	v.SetDefault("throttle.weekly_tokens", 10_000_000)
	v.SetDefault("throttle.soft_pct", 0.8)
	v.SetDefault("throttle.hard_pct", 0.95)
	v.SetDefault("throttle.grace_period_ms", 5*60*1000)
	v.SetDefault("throttle.weekly_reset.day_of_week", 1)
	v.SetDefault("throttle.weekly_reset.hour", 19)
	v.SetDefault("throttle.weekly_reset.minute", 5)
	v.SetDefault("throttle.weekly_reset.time_zone", "America/Indiana/Indianapolis")

	v.SetDefault("controlplane.control_root", filepath.Join(home, DefaultControlRoot))
	v.SetDefault("controlplane.poll_interval_ms", 2_000)
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Scheduler.WorktreeRoot = expandHome(cfg.Scheduler.WorktreeRoot, home)
	cfg.ControlPlane.ControlRoot = expandHome(cfg.ControlPlane.ControlRoot, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// applyEnvOverrides layers the explicit RALPH_* path/profile overrides named
// in spec.md §6, which take precedence over both file and viper-mapped env.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RALPH_STATE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("RALPH_WORKTREES_DIR"); v != "" {
		cfg.Scheduler.WorktreeRoot = v
	}
	if v := os.Getenv("RALPH_PROFILE"); v != "" {
		cfg.Forge.Profile = v
	}
}

// Save writes the config to disk as TOML.
func Save(cfg *Config, configPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}
	if configPath == "" {
		configPath = filepath.Join(home, DefaultConfigDir, DefaultConfigTOML)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(configPath)
	if err := v.MergeConfigMap(structToMap(cfg)); err != nil {
		return fmt.Errorf("preparing config for write: %w", err)
	}
	return v.WriteConfigAs(configPath)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	path, _, err := resolveConfigFile("", home)
	return path, err
}

// EnsureDir creates the ~/.ralph tree if it doesn't exist.
func EnsureDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dirs := []string{
		filepath.Join(home, DefaultConfigDir),
		filepath.Join(home, DefaultControlRoot),
		filepath.Join(home, DefaultWorktrees),
		filepath.Join(home, DefaultSessions),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return nil
}

func structToMap(cfg *Config) map[string]interface{} {
	// viper.MergeConfigMap needs a plain map; round-tripping through its own
	// mapstructure-tagged unmarshal target is more churn than it's worth for
	// a write path only the companion CLI exercises, so build the minimal
	// top-level sections WriteConfigAs needs directly.
	return map[string]interface{}{
		"database":     cfg.Database,
		"forge":        cfg.Forge,
		"repos":        cfg.Repos,
		"scheduler":    cfg.Scheduler,
		"lease":        cfg.Lease,
		"watchdog":     cfg.Watchdog,
		"throttle":     cfg.Throttle,
		"controlplane": cfg.ControlPlane,
		"notify":       cfg.Notify,
	}
}
