package state

import (
	"context"
	"fmt"
	"time"

	"github.com/3mdistal/ralph/models"
)

// GetLiveOpState returns the single row with released_at_ms IS NULL for
// taskPath, or nil if the task currently has no live lease. The schema's
// partial unique index guarantees at most one such row exists.
func GetLiveOpState(ctx context.Context, s Store, taskPath string) (*models.OpState, error) {
	var op models.OpState
	err := s.Get(ctx, &op,
		`SELECT id, task_path, owner_daemon, owner_worker, session_id, worktree_path, heartbeat_at, released_at_ms, released_reason, repo_slot, created_at
		 FROM op_states WHERE task_path = ? AND released_at_ms IS NULL`, taskPath)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get live op-state for %s: %w", taskPath, err)
	}
	return &op, nil
}

// ClaimOpState inserts a new live op-state row for taskPath. Callers must
// ensure no live row already exists (or be prepared for the partial unique
// index to reject the insert with a constraint-violation error) — the
// scheduler checks GetLiveOpState first inside the same lock-manager
// critical section.
func ClaimOpState(ctx context.Context, s Store, op models.OpState) (int64, error) {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	if op.HeartbeatAt.IsZero() {
		op.HeartbeatAt = op.CreatedAt
	}
	return s.Insert(ctx, "op_states", op)
}

// HeartbeatOpState bumps heartbeat_at on the live row for taskPath.
func HeartbeatOpState(ctx context.Context, s Store, taskPath string, at time.Time) error {
	_, err := s.Exec(ctx,
		`UPDATE op_states SET heartbeat_at = ? WHERE task_path = ? AND released_at_ms IS NULL`,
		at.UTC().Format(time.RFC3339), taskPath)
	return err
}

// ReleaseOpState marks the live row for taskPath released, stamping
// released_at_ms and released_reason. A no-op if no live row exists
// (releases are idempotent, per spec.md §3's ownership invariants).
func ReleaseOpState(ctx context.Context, s Store, taskPath string, reason string, releasedAtMs int64) error {
	_, err := s.Exec(ctx,
		`UPDATE op_states SET released_at_ms = ?, released_reason = ? WHERE task_path = ? AND released_at_ms IS NULL`,
		releasedAtMs, reason, taskPath)
	return err
}
