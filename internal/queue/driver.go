package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/3mdistal/ralph/internal/locks"
	"github.com/3mdistal/ralph/internal/state"
	"github.com/3mdistal/ralph/models"
)

// ForgeWriter is the narrow slice of the forge client the queue driver
// needs — kept separate from forge.Client so tests can supply a fake
// without constructing a real gobreaker/rate-limited client.
type ForgeWriter interface {
	ApplyLabelPlanQueue(ctx context.Context, owner, repo string, number int, add, remove []string) error
}

// Pruner removes an orphaned worktree directory left behind by a crashed
// worker, as part of stale-sweep recovery.
type Pruner interface {
	PruneWorktree(ctx context.Context, path string) error
}

// DependencyProvider answers blocked-by reconciliation queries. Coverage
// being incomplete means "we don't have enough signal to say confidently"
// and must result in no label mutation, per spec.md §4.4.
type DependencyProvider interface {
	OpenBlockers(ctx context.Context, repo string, issue int64) (blockers []int64, coverageComplete bool, err error)
}

// Config carries the timing knobs the driver's stale-sweep rule needs.
type Config struct {
	OwnershipTTL time.Duration
}

// Driver implements the label-backed queue (C4).
type Driver struct {
	store    state.Store
	forge    ForgeWriter
	pruner   Pruner
	deps     DependencyProvider
	locks    *locks.Manager
	cfg      Config
	log      *slog.Logger
	daemonID string
}

func New(store state.Store, forge ForgeWriter, pruner Pruner, deps DependencyProvider, lockMgr *locks.Manager, daemonID string, cfg Config, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{store: store, forge: forge, pruner: pruner, deps: deps, locks: lockMgr, daemonID: daemonID, cfg: cfg, log: log}
}

// candidateRow is the raw issue+label join row before stale-sweep logic
// folds in op-state and task context.
type candidateRow struct {
	Repo  string `db:"repo"`
	Issue int64  `db:"number"`
}

// getCandidatesByStatusLabel finds every OPEN issue in repo currently
// carrying statusLabel.
func (d *Driver) getCandidatesByStatusLabel(ctx context.Context, repo string, statusLabel string) ([]candidateRow, error) {
	var rows []candidateRow
	err := d.store.Select(ctx, &rows, `
		SELECT i.repo AS repo, i.number AS number
		FROM issue_snapshots i
		JOIN label_set_rows l ON l.repo = i.repo AND l.number = i.number
		WHERE i.repo = ? AND i.state = ? AND l.label = ?`,
		repo, string(models.IssueOpen), statusLabel)
	return rows, err
}

// GetTasksByStatus returns the tasks in repo currently labeled status,
// after applying the stale-sweep rule and the no-flap guard to each
// candidate in the `in-progress` case.
func (d *Driver) GetTasksByStatus(ctx context.Context, repo string, status models.TaskStatus) ([]models.Task, error) {
	rows, err := d.getCandidatesByStatusLabel(ctx, repo, StatusLabel(status))
	if err != nil {
		return nil, fmt.Errorf("listing candidates for %s/%s: %w", repo, status, err)
	}

	var out []models.Task
	for _, row := range rows {
		task, err := d.reconcileCandidate(ctx, row.Repo, row.Issue, status)
		if err != nil {
			d.log.Warn("queue: reconcile candidate failed", "repo", row.Repo, "issue", row.Issue, "error", err)
			continue
		}
		if task != nil {
			out = append(out, *task)
		}
	}
	return out, nil
}

// SweepStale reclaims every in-progress task in repo whose owning worker
// has gone silent, downgrading it back to queued and pruning its orphaned
// worktree. It is the periodic entry point spec.md §4.4 requires alongside
// getTasksByStatus's in-progress path — called once per repo per scheduler
// tick, independent of any caller asking to list in-progress tasks.
func (d *Driver) SweepStale(ctx context.Context, repo string) error {
	_, err := d.GetTasksByStatus(ctx, repo, models.TaskInProgress)
	return err
}

// reconcileCandidate applies stale-sweep (only meaningful for
// in-progress) and returns the task's current row, post-reconciliation, or
// nil if it was swept away from the requested status.
func (d *Driver) reconcileCandidate(ctx context.Context, repo string, issue int64, requested models.TaskStatus) (*models.Task, error) {
	task, err := state.GetTask(ctx, d.store, repo, issue)
	if err != nil {
		return nil, err
	}
	if task == nil {
		// A label exists with no task row yet; synthesize a bare queued task.
		t := models.Task{Repo: repo, Issue: issue, Status: requested, CreatedAt: time.Now().UTC()}
		return &t, nil
	}
	if requested != models.TaskInProgress {
		return task, nil
	}

	taskPath := task.Path()
	swept, err := d.trySweepStale(ctx, taskPath, task)
	if err != nil {
		return nil, err
	}
	if swept {
		return nil, nil // no longer in-progress; excluded from this status's result set
	}
	return task, nil
}

// trySweepStale implements spec.md §4.4's stale-sweep rule. Returns
// swept=true if the task was downgraded to queued.
func (d *Driver) trySweepStale(ctx context.Context, taskPath string, task *models.Task) (bool, error) {
	var swept bool
	err := locks.WithLock(d.locks, taskPath, func() error {
		op, err := state.GetLiveOpState(ctx, d.store, taskPath)
		if err != nil {
			return err
		}

		// Condition 1: heartbeat stale or no live op-state.
		cond1 := op == nil || time.Since(op.HeartbeatAt) >= d.cfg.OwnershipTTL

		// Condition 2: not waiting-on-pr with a fresh open PR snapshot.
		cond2 := true
		if task.Status == models.TaskWaitingOnPR {
			fresh, err := d.hasFreshOpenPR(ctx, task.Repo, task.Issue)
			if err != nil {
				return err
			}
			cond2 = !fresh
		}

		// Condition 3: not blocked with an empty session id (parked on purpose).
		cond3 := !(task.Status == models.TaskBlocked && task.SessionID == "")

		// Condition 4: no live session id recorded within the TTL.
		cond4 := task.SessionID == "" || op == nil || time.Since(op.HeartbeatAt) >= d.cfg.OwnershipTTL

		// Condition 5: the current daemon is not itself the heartbeat owner —
		// a daemon never sweeps its own live claim out from under itself.
		cond5 := op == nil || op.OwnerDaemon == "" || op.OwnerDaemon != d.daemonID

		if !(cond1 && cond2 && cond3 && cond4 && cond5) {
			return nil // no-flap: leave the task under its current label untouched
		}

		if err := state.ReleaseOpState(ctx, d.store, taskPath, "stale-sweep", time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("releasing stale op-state: %w", err)
		}
		if d.pruner != nil && task.WorktreePath != "" {
			if err := d.pruner.PruneWorktree(ctx, task.WorktreePath); err != nil {
				d.log.Warn("queue: prune orphan worktree failed", "path", task.WorktreePath, "error", err)
			}
		}

		task.Status = models.TaskQueued
		task.SessionID = ""
		task.WorktreePath = ""
		if err := state.UpsertTask(ctx, d.store, *task); err != nil {
			return fmt.Errorf("downgrading task to queued: %w", err)
		}

		owner, repoName := splitRepo(task.Repo)
		plan := PlanStatusTransition([]string{StatusLabel(models.TaskInProgress)}, models.TaskQueued)
		if err := d.forge.ApplyLabelPlanQueue(ctx, owner, repoName, int(task.Issue), plan.Add, plan.Remove); err != nil {
			return fmt.Errorf("applying stale-sweep label plan: %w", err)
		}
		swept = true
		return nil
	})
	return swept, err
}

func (d *Driver) hasFreshOpenPR(ctx context.Context, repo string, issue int64) (bool, error) {
	snaps, err := state.ListPRSnapshots(ctx, d.store, repo, issue)
	if err != nil {
		return false, err
	}
	for _, s := range snaps {
		if s.State == models.PROpen {
			return true, nil
		}
	}
	return false, nil
}

// GetQueuedTasks returns queued tasks in repo, additionally reconciling
// ralph:blocked against dependency coverage.
func (d *Driver) GetQueuedTasks(ctx context.Context, repo string) ([]models.Task, error) {
	tasks, err := d.GetTasksByStatus(ctx, repo, models.TaskQueued)
	if err != nil {
		return nil, err
	}
	if d.deps == nil {
		return tasks, nil
	}
	for i := range tasks {
		if err := d.reconcileBlockedBy(ctx, repo, tasks[i].Issue); err != nil {
			d.log.Warn("queue: blocked-by reconciliation failed", "repo", repo, "issue", tasks[i].Issue, "error", err)
		}
	}
	return tasks, nil
}

// reconcileBlockedBy implements spec.md §4.4's blocked-by rule: add
// ralph:blocked when coverage is complete and at least one blocker is
// open; remove it when coverage is complete and no blockers remain;
// coverage-unknown performs no mutation.
func (d *Driver) reconcileBlockedBy(ctx context.Context, repo string, issue int64) error {
	blockers, coverageComplete, err := d.deps.OpenBlockers(ctx, repo, issue)
	if err != nil {
		return err
	}
	if !coverageComplete {
		return nil
	}
	taskPath := models.TaskPath(repo, issue)
	return locks.WithLock(d.locks, taskPath, func() error {
		labels, err := state.GetLabelSet(ctx, d.store, repo, issue)
		if err != nil {
			return err
		}
		hasBlocked := HasLabel(labels, LabelBlocked)
		owner, repoName := splitRepo(repo)
		switch {
		case len(blockers) > 0 && !hasBlocked:
			return d.forge.ApplyLabelPlanQueue(ctx, owner, repoName, int(issue), []string{LabelBlocked}, nil)
		case len(blockers) == 0 && hasBlocked:
			return d.forge.ApplyLabelPlanQueue(ctx, owner, repoName, int(issue), nil, []string{LabelBlocked})
		default:
			return nil
		}
	})
}

// UpdateTaskStatus computes the label plan from the observed label set,
// applies it via forge, and on success persists the task's status (plus
// any extra fields the caller supplies by mutating task before the call).
func (d *Driver) UpdateTaskStatus(ctx context.Context, task models.Task, newStatus models.TaskStatus) (applied bool, err error) {
	taskPath := task.Path()
	err = locks.WithLock(d.locks, taskPath, func() error {
		labels, err := state.GetLabelSet(ctx, d.store, task.Repo, task.Issue)
		if err != nil {
			return err
		}
		plan := PlanStatusTransition(labels, newStatus)
		owner, repoName := splitRepo(task.Repo)
		if err := d.forge.ApplyLabelPlanQueue(ctx, owner, repoName, int(task.Issue), plan.Add, plan.Remove); err != nil {
			return err
		}
		task.Status = newStatus
		if err := state.UpsertTask(ctx, d.store, task); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("updating task status for %s: %w", taskPath, err)
	}
	return applied, nil
}

// InitialPoll is the first tick after startup: read-only, performs no label
// mutations and no workflow-label bootstrap, per spec.md §4.4.
func (d *Driver) InitialPoll(ctx context.Context, repo string) ([]models.Task, error) {
	var out []models.Task
	for _, s := range allStatuses {
		rows, err := d.getCandidatesByStatusLabel(ctx, repo, StatusLabel(s))
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			task, err := state.GetTask(ctx, d.store, row.Repo, row.Issue)
			if err != nil {
				return nil, err
			}
			if task != nil {
				out = append(out, *task)
			}
		}
	}
	return out, nil
}

// splitRepo splits a "owner/name" repo slug into its two parts.
func splitRepo(repo string) (owner, name string) {
	for i := 0; i < len(repo); i++ {
		if repo[i] == '/' {
			return repo[:i], repo[i+1:]
		}
	}
	return repo, ""
}
