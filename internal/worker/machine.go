package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/3mdistal/ralph/internal/forge"
	"github.com/3mdistal/ralph/internal/lease"
	"github.com/3mdistal/ralph/internal/notify"
	"github.com/3mdistal/ralph/internal/state"
	"github.com/3mdistal/ralph/internal/watchdog"
	"github.com/3mdistal/ralph/models"
	"github.com/google/uuid"
)

// StatusUpdater is the label-plan-driven status transition the scheduler
// also depends on; the worker uses it for every status change past
// "starting".
type StatusUpdater interface {
	UpdateTaskStatus(ctx context.Context, task models.Task, newStatus models.TaskStatus) (bool, error)
}

// CommentForge is the forge surface the escalate path needs to write back
// a structured comment onto the originating issue.
type CommentForge interface {
	PostComment(ctx context.Context, owner, repo string, number int, body string) error
}

// ThrottleRecorder feeds observed token usage back into the throttle
// engine (C10). Nil is a valid Machine field: recording is skipped.
type ThrottleRecorder interface {
	RecordUsage(ctx context.Context, tokens int64) error
}

// Notifier surfaces a terminal task outcome to an external channel, per
// spec.md §4.8's "surfaces to the notification channel" escalation clause.
// Nil is a valid Machine field: notification is skipped.
type Notifier interface {
	Notify(ctx context.Context, evt notify.Event)
}

// Forge is the full forge surface the worker pipeline depends on, composed
// from the narrower per-step interfaces so each step file stays testable in
// isolation while Machine takes one concrete dependency.
type Forge interface {
	PRForge
	MergeForge
	SurveyForge
	CommentForge
}

// Config parameterizes one Machine.
type Config struct {
	HeartbeatInterval time.Duration
	RunPlanGate       bool
	RunSurvey         bool
	PRCreate          PRCreateConfig
	MergeGate         MergeGateConfig
	// WatchdogRetries is how many times a watchdog trip re-runs the same
	// agent step (with a fresh session) before the task escalates.
	WatchdogRetries int
}

// Machine drives a single task through spec.md §4.8's state machine:
// claimed -> plan -> implement -> pr-create -> merge-gate -> survey -> done,
// with escalate/block as terminal side exits. One Machine instance is
// reused across tasks; all per-task state lives in the Task/Repo arguments.
type Machine struct {
	store     state.Store
	fg        Forge
	updater   StatusUpdater
	leases    *lease.Registry
	agent     AgentRunner
	worktrees *WorktreeManager
	clock     Clock
	cfg       Config
	log       *slog.Logger
	throttle  ThrottleRecorder
	notifier  Notifier
}

func New(store state.Store, fg Forge, updater StatusUpdater, leases *lease.Registry, agent AgentRunner, worktrees *WorktreeManager, clock Clock, cfg Config, log *slog.Logger, throttle ThrottleRecorder, notifier Notifier) *Machine {
	return &Machine{
		store:     store,
		fg:        fg,
		updater:   updater,
		leases:    leases,
		agent:     agent,
		worktrees: worktrees,
		clock:     clock,
		cfg:       cfg,
		log:       log,
		throttle:  throttle,
		notifier:  notifier,
	}
}

// Run executes the full pipeline for task against repo, from wherever the
// task's persisted state leaves off. A non-nil return means the task ended
// up blocked or escalated (already recorded); only infrastructure errors
// (store/forge failures) surface as a distinct sentinel-free error so the
// scheduler's caller can log and move on rather than retry in a hot loop.
func (m *Machine) Run(ctx context.Context, task models.Task, repo models.Repo) error {
	taskPath := task.Path()
	resuming := task.Status == models.TaskInProgress && task.SessionID != ""

	snap, err := state.GetIssueSnapshot(ctx, m.store, task.Repo, task.Issue)
	if err != nil {
		return fmt.Errorf("checking issue state for %s: %w", taskPath, err)
	}
	if snap != nil && snap.State == models.IssueClosed {
		return m.finalizeSkipped(ctx, task, "issue already closed upstream")
	}

	prSnaps, err := state.ListPRSnapshots(ctx, m.store, task.Repo, task.Issue)
	if err != nil {
		return fmt.Errorf("listing PR snapshots for %s: %w", taskPath, err)
	}
	existingPR, hasPR := models.SelectCanonicalPR(prSnaps)
	openPR := hasPR && existingPR.State == models.PROpen

	worktreePath := m.worktrees.Path(repo, task.RepoSlot, task.Issue)
	if err := m.worktrees.EnsureClean(ctx, worktreePath, resuming || openPR); err != nil {
		return fmt.Errorf("preparing worktree for %s: %w", taskPath, err)
	}
	task.WorktreePath = worktreePath
	if task.SessionID == "" {
		task.SessionID = uuid.NewString()
	}
	if err := state.UpsertTask(ctx, m.store, task); err != nil {
		return fmt.Errorf("persisting claimed task %s: %w", taskPath, err)
	}
	if _, err := m.updater.UpdateTaskStatus(ctx, task, models.TaskInProgress); err != nil {
		return fmt.Errorf("moving %s to in-progress: %w", taskPath, err)
	}

	runID := uuid.NewString()
	if err := state.EnsureGateRows(ctx, m.store, runID); err != nil {
		return fmt.Errorf("ensuring gate rows for %s: %w", taskPath, err)
	}

	onHeartbeat := func() {
		if err := state.HeartbeatOpState(ctx, m.store, taskPath, time.Now().UTC()); err != nil {
			m.log.Warn("heartbeat write failed", "task", taskPath, "err", err)
		}
	}

	// plan (optional, skipped once a PR already exists — nothing left to plan)
	if m.cfg.RunPlanGate && !openPR {
		res, runErr := m.runAgentStep(ctx, task, repo, AgentPlan, worktreePath, onHeartbeat)
		gate := models.GateResult{RunID: runID, Gate: models.GatePlanReview, UpdatedAt: time.Now().UTC()}
		if runErr != nil || res.Status == "fail" {
			gate.Status = models.GateFail
			gate.Reason = failureReason(runErr, res.Summary)
			if err := state.UpsertGateResult(ctx, m.store, gate); err != nil {
				return fmt.Errorf("recording plan_review gate for %s: %w", taskPath, err)
			}
			return m.escalate(ctx, task, repo, "plan step failed: "+gate.Reason)
		}
		gate.Status = models.GatePass
		if err := state.UpsertGateResult(ctx, m.store, gate); err != nil {
			return fmt.Errorf("recording plan_review gate for %s: %w", taskPath, err)
		}
	}

	var pr forge.PullRequest
	switch {
	case hasPR:
		number, perr := prNumberFromURL(existingPR.PRUrl)
		if perr != nil {
			return m.escalate(ctx, task, repo, "recorded PR URL unparseable: "+perr.Error())
		}
		pr, err = m.fg.GetPR(ctx, repo.Owner, repo.Name, number)
		if err != nil {
			return fmt.Errorf("fetching existing PR for %s: %w", taskPath, err)
		}
	default:
		res, runErr := m.runAgentStep(ctx, task, repo, AgentBuild, worktreePath, onHeartbeat)
		if runErr != nil {
			return m.escalate(ctx, task, repo, "implement step failed: "+runErr.Error())
		}
		if res.Status == "fail" {
			return m.escalate(ctx, task, repo, "implement step reported failure: "+res.Summary)
		}

		switch {
		case res.PRURL != "":
			number := res.PRNumber
			if number == 0 {
				number, err = prNumberFromURL(res.PRURL)
				if err != nil {
					return m.escalate(ctx, task, repo, "agent-reported PR URL unparseable: "+err.Error())
				}
			}
			pr, err = m.fg.GetPR(ctx, repo.Owner, repo.Name, number)
			if err != nil {
				return fmt.Errorf("fetching agent-opened PR for %s: %w", taskPath, err)
			}
		default:
			pr, err = ensurePR(ctx, m.leases, m.fg, m.clock, m.cfg.PRCreate, task, repo, res.Patch, prTitle(repo, task), prBody(task, res.Summary))
			if err != nil {
				return m.escalate(ctx, task, repo, "pr-create failed: "+err.Error())
			}
		}
	}

	task.PRUrl = pr.HTMLURL
	if err := state.UpsertTask(ctx, m.store, task); err != nil {
		return fmt.Errorf("persisting PR url for %s: %w", taskPath, err)
	}

	outcome, reason, err := mergeGate(ctx, m.fg, m.clock, m.cfg.MergeGate, repo.Owner, repo.Name, pr.Number, resolveRequiredChecks(repo))
	if err != nil {
		return fmt.Errorf("merge-gate for %s: %w", taskPath, err)
	}

	ciGate := models.GateResult{RunID: runID, Gate: models.GateCI, PRNumber: int64(pr.Number), PRUrl: pr.HTMLURL, UpdatedAt: time.Now().UTC()}
	switch outcome {
	case MergeOutcomeMerged:
		ciGate.Status = models.GatePass
		if err := state.UpsertGateResult(ctx, m.store, ciGate); err != nil {
			return fmt.Errorf("recording ci gate for %s: %w", taskPath, err)
		}
	case MergeOutcomeCheckFailed:
		ciGate.Status = models.GateFail
		ciGate.Reason = "required checks failed"
		if err := state.UpsertGateResult(ctx, m.store, ciGate); err != nil {
			return fmt.Errorf("recording ci gate for %s: %w", taskPath, err)
		}
		return m.block(ctx, task, "required checks failed on "+pr.HTMLURL)
	case MergeOutcomeTimeout:
		return m.block(ctx, task, "merge-gate timed out waiting on required checks for "+pr.HTMLURL)
	case MergeOutcomeBaseModified:
		return m.block(ctx, task, reason+" on "+pr.HTMLURL)
	default:
		return fmt.Errorf("merge-gate for %s returned unrecognized outcome %q", taskPath, outcome)
	}

	// survey is best-effort: a parse failure or filing error here must not
	// undo a merge that has already landed.
	if m.cfg.RunSurvey {
		res, runErr := m.agent.Run(ctx, AgentInvocation{Kind: AgentSurvey, SessionID: task.SessionID, WorktreePath: worktreePath}, nil, onHeartbeat)
		if res.TokensUsed > 0 && m.throttle != nil {
			if terr := m.throttle.RecordUsage(ctx, res.TokensUsed); terr != nil {
				m.log.Warn("recording throttle usage failed", "task", taskPath, "err", terr)
			}
		}
		if runErr != nil {
			m.log.Warn("survey step failed", "task", taskPath, "err", runErr)
		} else if env, perr := parseDXSurvey(string(res.Raw)); perr != nil {
			m.log.Warn("survey output unparseable", "task", taskPath, "err", perr)
		} else if err := fileDXSurvey(ctx, m.leases, m.fg, repo.Owner, repo.Name, taskPath, env); err != nil {
			m.log.Warn("filing survey issues failed", "task", taskPath, "err", err)
		}
	}

	return m.finalize(ctx, task)
}

// runAgentStep runs one agent invocation, retrying up to cfg.WatchdogRetries
// times (with a fresh session, so the subprocess doesn't immediately resume
// into the same stuck state) whenever the run is cut short by a watchdog
// trip. Each trip posts one idempotent writeback comment before retrying or
// giving up. A non-watchdog failure is returned unchanged on the first try.
func (m *Machine) runAgentStep(ctx context.Context, task models.Task, repo models.Repo, kind AgentKind, worktreePath string, onHeartbeat func()) (AgentResult, error) {
	attempt := 0
	for {
		inv := AgentInvocation{Kind: kind, SessionID: task.SessionID, WorktreePath: worktreePath}
		res, err := m.agent.Run(ctx, inv, nil, onHeartbeat)

		if res.TokensUsed > 0 && m.throttle != nil {
			if terr := m.throttle.RecordUsage(ctx, res.TokensUsed); terr != nil {
				m.log.Warn("recording throttle usage failed", "task", task.Path(), "err", terr)
			}
		}

		var trip *ErrWatchdogTrip
		if !errors.As(err, &trip) {
			return res, err
		}

		markerID := fmt.Sprintf("%s:%s:%d", task.Path(), kind, attempt)
		if postErr := watchdog.PostTripComment(ctx, m.leases, m.fg, repo.Owner, repo.Name, int(task.Issue), markerID, trip.Trip); postErr != nil {
			m.log.Warn("posting watchdog trip comment failed", "task", task.Path(), "err", postErr)
		}

		attempt++
		if attempt > m.cfg.WatchdogRetries {
			return AgentResult{}, fmt.Errorf("%s step: %w", kind, err)
		}
		m.log.Warn("watchdog trip, retrying step", "task", task.Path(), "kind", kind, "attempt", attempt, "reason", trip.Trip.Reason())
		task.SessionID = uuid.NewString()
	}
}

func (m *Machine) finalize(ctx context.Context, task models.Task) error {
	now := time.Now().UTC()
	task.Status = models.TaskDone
	task.SessionID = ""
	task.WorktreePath = ""
	task.CompletedAt = &now
	if _, err := m.updater.UpdateTaskStatus(ctx, task, models.TaskDone); err != nil {
		return fmt.Errorf("finalizing %s: %w", task.Path(), err)
	}
	if err := state.UpsertTask(ctx, m.store, task); err != nil {
		return fmt.Errorf("persisting finalized task %s: %w", task.Path(), err)
	}
	return state.ReleaseOpState(ctx, m.store, task.Path(), "finalized", now.UnixMilli())
}

func (m *Machine) finalizeSkipped(ctx context.Context, task models.Task, reason string) error {
	now := time.Now().UTC()
	task.Status = models.TaskDone
	task.SessionID = ""
	task.WorktreePath = ""
	task.Checkpoint = "skipped: " + reason
	task.CompletedAt = &now
	if _, err := m.updater.UpdateTaskStatus(ctx, task, models.TaskDone); err != nil {
		return fmt.Errorf("finalizing skipped task %s: %w", task.Path(), err)
	}
	if err := state.UpsertTask(ctx, m.store, task); err != nil {
		return fmt.Errorf("persisting skipped task %s: %w", task.Path(), err)
	}
	return state.ReleaseOpState(ctx, m.store, task.Path(), "skipped", now.UnixMilli())
}

// block transitions task to blocked without posting a comment: a blocked
// task is still retriable by a future scheduler tick, so it is not yet
// worth interrupting the issue's watchers.
func (m *Machine) block(ctx context.Context, task models.Task, reason string) error {
	task.Status = models.TaskBlocked
	task.Checkpoint = reason
	if _, err := m.updater.UpdateTaskStatus(ctx, task, models.TaskBlocked); err != nil {
		return fmt.Errorf("blocking %s: %w", task.Path(), err)
	}
	if err := state.UpsertTask(ctx, m.store, task); err != nil {
		return fmt.Errorf("persisting blocked task %s: %w", task.Path(), err)
	}
	if err := state.ReleaseOpState(ctx, m.store, task.Path(), "blocked", time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("releasing op-state for blocked %s: %w", task.Path(), err)
	}
	return fmt.Errorf("task %s blocked: %s", task.Path(), reason)
}

// escalate is the non-retriable terminal classification: the task will
// never be picked up by the scheduler again without a human resetting its
// labels, so the originating issue gets a writeback comment.
func (m *Machine) escalate(ctx context.Context, task models.Task, repo models.Repo, reason string) error {
	now := time.Now().UTC()
	task.Status = models.TaskEscalated
	task.CompletedAt = &now
	task.Checkpoint = reason
	if _, err := m.updater.UpdateTaskStatus(ctx, task, models.TaskEscalated); err != nil {
		return fmt.Errorf("escalating %s: %w", task.Path(), err)
	}
	if err := state.UpsertTask(ctx, m.store, task); err != nil {
		return fmt.Errorf("persisting escalated task %s: %w", task.Path(), err)
	}
	if err := state.ReleaseOpState(ctx, m.store, task.Path(), "escalated", now.UnixMilli()); err != nil {
		return fmt.Errorf("releasing op-state for escalated %s: %w", task.Path(), err)
	}
	body := fmt.Sprintf("ralph escalated this task and will not retry it automatically.\n\nReason: %s", reason)
	if err := m.fg.PostComment(ctx, repo.Owner, repo.Name, int(task.Issue), body); err != nil {
		m.log.Warn("posting escalation comment failed", "task", task.Path(), "err", err)
	}
	if m.notifier != nil {
		m.notifier.Notify(ctx, notify.Event{
			Type:    "task_escalated",
			Title:   fmt.Sprintf("%s#%d escalated", repo.FullName(), task.Issue),
			Body:    reason,
			RepoKey: repo.FullName(),
			Metadata: map[string]any{
				"issue": task.Issue,
			},
		})
	}
	return fmt.Errorf("task %s escalated: %s", task.Path(), reason)
}

func prTitle(repo models.Repo, task models.Task) string {
	return fmt.Sprintf("ralph: resolve %s#%d", repo.FullName(), task.Issue)
}

func prBody(task models.Task, summary string) string {
	body := fmt.Sprintf("Resolves #%d.", task.Issue)
	if summary != "" {
		body += "\n\n" + summary
	}
	return body
}

func failureReason(err error, summary string) string {
	if err != nil {
		return err.Error()
	}
	return summary
}

// prNumberFromURL extracts the trailing numeric segment of a GitHub PR URL
// ("https://github.com/o/r/pull/123" -> 123). PRSnapshot only persists the
// URL, not the number, so every step that needs the number derives it here.
func prNumberFromURL(url string) (int, error) {
	idx := strings.LastIndexByte(url, '/')
	if idx < 0 || idx == len(url)-1 {
		return 0, fmt.Errorf("malformed PR url %q", url)
	}
	n, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("parsing PR number from %q: %w", url, err)
	}
	return n, nil
}
