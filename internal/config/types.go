package config

import "github.com/3mdistal/ralph/models"

// Config is the root configuration structure for ralph. Only the resolved
// values here are consumed by the core; the loader that produces them is
// ambient wiring, not part of the control loop itself.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"     json:"database"`
	Forge        ForgeConfig        `mapstructure:"forge"        json:"forge"`
	Repos        []models.Repo      `mapstructure:"repos"        json:"repos"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"    json:"scheduler"`
	Lease        LeaseConfig        `mapstructure:"lease"        json:"lease"`
	Watchdog     WatchdogConfig     `mapstructure:"watchdog"     json:"watchdog"`
	Throttle     ThrottleConfig     `mapstructure:"throttle"     json:"throttle"`
	ControlPlane ControlPlaneConfig `mapstructure:"controlplane" json:"controlplane"`
	Notify       NotifyConfig       `mapstructure:"notify"       json:"notify"`
	Agent        AgentConfig        `mapstructure:"agent"        json:"agent"`
}

// DatabaseConfig controls the state store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default); no other driver is supported by the core.
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime). Overridden by
	// RALPH_STATE_DB_PATH if set.
	Path string `mapstructure:"path" json:"path"`
}

// ForgeConfig configures the forge client (C3).
type ForgeConfig struct {
	// TokenEnvVar names the environment variable holding the bearer token.
	// Defaults to GH_TOKEN, falling back to GITHUB_TOKEN.
	TokenEnvVar string `mapstructure:"token_env_var" json:"token_env_var"`
	// Profile is "default" or "sandbox".
	Profile string `mapstructure:"profile" json:"profile"`
	// SandboxTokenEnvVar overrides the token env var name when Profile == "sandbox".
	SandboxTokenEnvVar string `mapstructure:"sandbox_token_env_var" json:"sandbox_token_env_var"`
	// AllowedOwners and RepoNamePrefix gate writes when Profile == "sandbox".
	AllowedOwners  []string `mapstructure:"allowed_owners"   json:"allowed_owners"`
	RepoNamePrefix string   `mapstructure:"repo_name_prefix" json:"repo_name_prefix"`
	// BaseURL overrides the API endpoint for GitHub Enterprise.
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	// MaxInFlight bounds the global semaphore over concurrent forge requests.
	MaxInFlight int `mapstructure:"max_in_flight" json:"max_in_flight"`
}

// SchedulerConfig controls C7 scheduling policy.
type SchedulerConfig struct {
	// MaxWorkers is the global concurrency ceiling across all repos.
	MaxWorkers int `mapstructure:"max_workers" json:"max_workers"`
	// WorktreeRoot is the root directory worktrees are created under.
	// Overridden by RALPH_WORKTREES_DIR if set.
	WorktreeRoot string `mapstructure:"worktree_root" json:"worktree_root"`
	// TickInterval is how often the scheduler re-evaluates claimable tasks.
	TickIntervalMs int64 `mapstructure:"tick_interval_ms" json:"tick_interval_ms"`
	// HeartbeatIntervalMs is the interval at which an active worker refreshes
	// its op-state heartbeat.
	HeartbeatIntervalMs int64 `mapstructure:"heartbeat_interval_ms" json:"heartbeat_interval_ms"`
	// OwnershipTTLMs is the staleness threshold used by stale-sweep.
	OwnershipTTLMs int64 `mapstructure:"ownership_ttl_ms" json:"ownership_ttl_ms"`
}

// LeaseConfig controls C2 self-heal timing and C8's PR-create lease wait.
type LeaseConfig struct {
	// MinAgeMs is the minimum lease age before self-heal is permitted.
	MinAgeMs int64 `mapstructure:"min_age_ms" json:"min_age_ms"`
	// PRCreateConflictWaitMs is how long a loser waits for the winner to
	// publish a PR before attempting self-heal.
	PRCreateConflictWaitMs int64 `mapstructure:"pr_create_conflict_wait_ms" json:"pr_create_conflict_wait_ms"`
}

// WatchdogConfig controls C9 timeouts.
type WatchdogConfig struct {
	SoftTimeoutMs int64 `mapstructure:"soft_timeout_ms" json:"soft_timeout_ms"`
	HardTimeoutMs int64 `mapstructure:"hard_timeout_ms" json:"hard_timeout_ms"`
	IdleMs        int64 `mapstructure:"idle_ms"         json:"idle_ms"`
	// LoopWindow and LoopThreshold configure the repetition detector: a tool
	// call with identical args repeated LoopThreshold+ times within the last
	// LoopWindow calls trips a LoopTrip.
	LoopWindow    int `mapstructure:"loop_window"    json:"loop_window"`
	LoopThreshold int `mapstructure:"loop_threshold" json:"loop_threshold"`
	// WatchdogRetries is the retry budget before a trip escalates the task.
	WatchdogRetries int `mapstructure:"watchdog_retries" json:"watchdog_retries"`
	// GraceMs is how long a tripped subprocess is given to exit after
	// SIGTERM before the watchdog escalates to SIGKILL.
	GraceMs int64 `mapstructure:"grace_ms" json:"grace_ms"`
}

// ThrottleConfig controls C10 budgets and thresholds.
type ThrottleConfig struct {
	ProviderID   string  `mapstructure:"provider_id"   json:"provider_id"`
	Rolling5hTokens int64 `mapstructure:"rolling_5h_tokens" json:"rolling_5h_tokens"`
	WeeklyTokens int64   `mapstructure:"weekly_tokens" json:"weekly_tokens"`
	SoftPct      float64 `mapstructure:"soft_pct"      json:"soft_pct"`
	HardPct      float64 `mapstructure:"hard_pct"      json:"hard_pct"`
	GracePeriodMs int64  `mapstructure:"grace_period_ms" json:"grace_period_ms"`
	// WeeklyReset describes the fixed weekday/hour/minute reset point.
	WeeklyReset WeeklyResetConfig `mapstructure:"weekly_reset" json:"weekly_reset"`
}

// WeeklyResetConfig is the DST-correct weekly reset schedule from spec.md §8
// scenario 4.
type WeeklyResetConfig struct {
	// DayOfWeek: 0=Sunday ... 6=Saturday (Go time.Weekday numbering).
	DayOfWeek int    `mapstructure:"day_of_week" json:"day_of_week"`
	Hour      int    `mapstructure:"hour"        json:"hour"`
	Minute    int    `mapstructure:"minute"      json:"minute"`
	TimeZone  string `mapstructure:"time_zone"   json:"time_zone"`
}

// ControlPlaneConfig controls C11 file-backed control channel and dashboard.
type ControlPlaneConfig struct {
	// ControlRoot is the directory containing control.json and daemon.lock.
	// Defaults to ~/.ralph/control.
	ControlRoot string `mapstructure:"control_root" json:"control_root"`
	// DashboardPort, when nonzero, serves the read-only event dashboard.
	DashboardPort int `mapstructure:"dashboard_port" json:"dashboard_port"`
	// DashboardToken authorizes dashboard HTTP reads.
	DashboardToken string `mapstructure:"dashboard_token" json:"dashboard_token"` // #nosec G101 -- config field, not a hardcoded credential
	// PollIntervalMs is the fallback poll cadence when fsnotify is unavailable.
	PollIntervalMs int64 `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
}

// NotifyConfig controls outbound escalation notifications. Transports
// themselves are external collaborators; only the resolved settings live here.
type NotifyConfig struct {
	Slack      SlackNotifyConfig   `mapstructure:"slack"       json:"slack"`
	Webhook    WebhookNotifyConfig `mapstructure:"webhook"     json:"webhook"`
	MinSeverity string             `mapstructure:"min_severity" json:"min_severity"`
}

// AgentConfig controls C8's worker pipeline: which optional steps run and
// how the agent subprocess and merge-gate poll loop are parameterized.
type AgentConfig struct {
	// BinPath is the agent CLI binary invoked with --agent=<kind> --session=<id> --worktree=<path>.
	BinPath string `mapstructure:"bin_path" json:"bin_path"`
	// RunPlanGate gates whether the "plan" step runs before "implement".
	RunPlanGate bool `mapstructure:"run_plan_gate" json:"run_plan_gate"`
	// RunSurvey gates whether the post-merge DX survey step runs.
	RunSurvey bool `mapstructure:"run_survey" json:"run_survey"`
	// MergePollMs and MergeTimeoutMs parameterize the merge-gate's
	// required-checks poll loop.
	MergePollMs    int64 `mapstructure:"merge_poll_ms"    json:"merge_poll_ms"`
	MergeTimeoutMs int64 `mapstructure:"merge_timeout_ms" json:"merge_timeout_ms"`
}

type SlackNotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url" json:"webhook_url"`
}

type WebhookNotifyConfig struct {
	URL    string `mapstructure:"url"    json:"url"`
	Secret string `mapstructure:"secret" json:"secret"` // HMAC-SHA256 signing key // #nosec G101 -- config field, not a hardcoded credential
}
