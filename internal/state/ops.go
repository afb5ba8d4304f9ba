package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3mdistal/ralph/models"
)

// UpsertIssueSnapshot upserts-by-primary-key (repo, number); last-writer-wins
// on github_updated_at/recorded_at.
func UpsertIssueSnapshot(ctx context.Context, s Store, snap models.IssueSnapshot) error {
	return s.Upsert(ctx, "issue_snapshots", snap, []string{"repo", "number"})
}

// UpsertLabelSet replaces the recorded label set for (repo, number) with
// labels, all stamped with recordedAt, inside one transaction so the set
// never observes a partial write.
func UpsertLabelSet(ctx context.Context, s Store, repo string, number int64, labels []string, recordedAt time.Time) error {
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM label_set_rows WHERE repo = ? AND number = ?`, repo, number); err != nil {
			return fmt.Errorf("clearing label set: %w", err)
		}
		for _, label := range labels {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO label_set_rows (repo, number, label, recorded_at) VALUES (?, ?, ?, ?)`,
				repo, number, label, recordedAt.UTC().Format(time.RFC3339),
			); err != nil {
				return fmt.Errorf("inserting label %q: %w", label, err)
			}
		}
		return nil
	})
}

// GetIssueSnapshot returns the most recently synced snapshot for (repo,
// number), or nil if it has never been observed.
func GetIssueSnapshot(ctx context.Context, s Store, repo string, number int64) (*models.IssueSnapshot, error) {
	var snap models.IssueSnapshot
	err := s.Get(ctx, &snap,
		`SELECT repo, number, title, state, url, github_updated_at, recorded_at FROM issue_snapshots WHERE repo = ? AND number = ?`,
		repo, number)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get issue snapshot %s#%d: %w", repo, number, err)
	}
	return &snap, nil
}

// GetLabelSet returns the current label set for (repo, number).
func GetLabelSet(ctx context.Context, s Store, repo string, number int64) ([]string, error) {
	var rows []models.LabelSetRow
	if err := s.Select(ctx, &rows,
		`SELECT repo, number, label, recorded_at FROM label_set_rows WHERE repo = ? AND number = ?`, repo, number,
	); err != nil {
		return nil, err
	}
	labels := make([]string, len(rows))
	for i, r := range rows {
		labels[i] = r.Label
	}
	return labels, nil
}

// GetTask returns the task row for (repo, issue), or nil if none exists yet.
func GetTask(ctx context.Context, s Store, repo string, issue int64) (*models.Task, error) {
	var t models.Task
	err := s.Get(ctx, &t,
		`SELECT id, repo, issue, status, session_id, worktree_path, worker_id, repo_slot, daemon_id, heartbeat_at, checkpoint, pr_url, created_at, completed_at
		 FROM tasks WHERE repo = ? AND issue = ?`, repo, issue)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s#%d: %w", repo, issue, err)
	}
	return &t, nil
}

// UpsertTask upserts a task row by (repo, issue).
func UpsertTask(ctx context.Context, s Store, t models.Task) error {
	return s.Upsert(ctx, "tasks", t, []string{"repo", "issue"})
}

// UpsertPRSnapshot upserts a PR snapshot row by (repo, issue, pr_url).
func UpsertPRSnapshot(ctx context.Context, s Store, snap models.PRSnapshot) error {
	return s.Upsert(ctx, "pr_snapshots", snap, []string{"repo", "issue", "pr_url"})
}

// ListPRSnapshots returns every recorded PR snapshot for an issue, for
// canonical-PR selection.
func ListPRSnapshots(ctx context.Context, s Store, repo string, issue int64) ([]models.PRSnapshot, error) {
	var out []models.PRSnapshot
	err := s.Select(ctx, &out,
		`SELECT repo, issue, pr_url, state, head_sha, base_ref, recorded_at, created_at
		 FROM pr_snapshots WHERE repo = ? AND issue = ?`, repo, issue)
	return out, err
}

// GetSyncCursor returns the sync cursor for repo, or nil if never synced.
func GetSyncCursor(ctx context.Context, s Store, repo string) (*models.SyncCursor, error) {
	var c models.SyncCursor
	err := s.Get(ctx, &c,
		`SELECT repo, last_sync_at, last_seen_issue_updated_at, last_merged_at, last_pr_number
		 FROM sync_cursors WHERE repo = ?`, repo)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sync cursor %s: %w", repo, err)
	}
	return &c, nil
}

// UpsertSyncCursor upserts the sync cursor for repo. Callers are responsible
// for the monotonicity invariant (spec.md §8): never call this with a
// LastSeenIssueUpdatedAt older than the stored value.
func UpsertSyncCursor(ctx context.Context, s Store, c models.SyncCursor) error {
	return s.Upsert(ctx, "sync_cursors", c, []string{"repo"})
}

// EnsureGateRows inserts the six fixed gate rows for runID, idempotently.
func EnsureGateRows(ctx context.Context, s Store, runID string) error {
	now := time.Now().UTC()
	for _, g := range models.AllGates {
		row := models.GateResult{
			RunID:     runID,
			Gate:      g,
			Status:    models.GatePending,
			UpdatedAt: now,
		}
		// INSERT OR IGNORE semantics: try an upsert that is a strict no-op
		// on conflict so a re-entrant ensureGateRows never clobbers an
		// already-recorded result.
		if err := upsertGateIfAbsent(ctx, s, row); err != nil {
			return fmt.Errorf("ensure gate row %s/%s: %w", runID, g, err)
		}
	}
	return nil
}

func upsertGateIfAbsent(ctx context.Context, s Store, row models.GateResult) error {
	var existing models.GateResult
	err := s.Get(ctx, &existing,
		`SELECT run_id, gate, status, command, reason, url, pr_number, pr_url, updated_at
		 FROM gate_results WHERE run_id = ? AND gate = ?`, row.RunID, row.Gate)
	if err == nil {
		return nil // already present
	}
	if !isNoRows(err) {
		return err
	}
	_, err = s.Insert(ctx, "gate_results", row)
	return err
}

// UpsertGateResult updates the single row keyed (run_id, gate); always one
// row per (run, gate) because EnsureGateRows has already inserted it.
func UpsertGateResult(ctx context.Context, s Store, g models.GateResult) error {
	return s.Update(ctx, "gate_results", g, "run_id = ? AND gate = ?", g.RunID, g.Gate)
}

// RunRankingQuery parameters ListRalphRunsTop.
type RunRankingQuery struct {
	Sort          string // "tokens" | "triage"
	SinceISO      string
	UntilISO      string
	IncludeMissing bool
	Limit         int
}

// ListRalphRunsTop is a read-only ranking of runs by token total within a
// window, joining in token_totals. Runs with no token_totals row are
// included only when IncludeMissing is set.
func ListRalphRunsTop(ctx context.Context, s Store, q RunRankingQuery) ([]models.RalphRun, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	join := "JOIN"
	if q.IncludeMissing {
		join = "LEFT JOIN"
	}
	query := fmt.Sprintf(`
		SELECT r.run_id, r.repo, r.issue, r.task_path, r.attempt_kind, r.started_at, r.completed_at, r.outcome
		FROM ralph_runs r
		%s token_totals t ON t.run_id = r.run_id
		WHERE (? = '' OR r.started_at >= ?) AND (? = '' OR r.started_at <= ?)
		ORDER BY COALESCE(t.total_tokens, 0) DESC
		LIMIT ?`, join)
	var out []models.RalphRun
	err := s.Select(ctx, &out, query, q.SinceISO, q.SinceISO, q.UntilISO, q.UntilISO, limit)
	return out, err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// GetThrottleWindow returns the (providerID, kind) budget row, or nil if the
// window has never been initialized.
func GetThrottleWindow(ctx context.Context, s Store, providerID string, kind models.WindowKind) (*models.ThrottleWindow, error) {
	var w models.ThrottleWindow
	err := s.Get(ctx, &w,
		`SELECT provider_id, window_kind, budget_tokens, observed, window_start
		 FROM throttle_windows WHERE provider_id = ? AND window_kind = ?`, providerID, kind)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get throttle window %s/%s: %w", providerID, kind, err)
	}
	return &w, nil
}

// UpsertThrottleWindow upserts the (providerID, kind) budget row.
func UpsertThrottleWindow(ctx context.Context, s Store, w models.ThrottleWindow) error {
	return s.Upsert(ctx, "throttle_windows", w, []string{"provider_id", "window_kind"})
}
