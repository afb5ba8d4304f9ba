package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/3mdistal/ralph/models"
)

// WorktreeManager owns the `${worktreeRoot}/<repo-slug>/slot-<n>/<issue>/task-a`
// layout spec.md §6 names, including orphan pruning for stale-sweep.
type WorktreeManager struct {
	Root string
}

// Path returns the canonical worktree path for a (repo, slot, issue) triple.
func (m *WorktreeManager) Path(repo models.Repo, slot int, issue int64) string {
	return filepath.Join(m.Root, repo.Slug(), "slot-"+strconv.Itoa(slot), strconv.FormatInt(issue, 10), "task-a")
}

// EnsureClean prepares path for a new or resumed run. If reuse is true (a
// live PR branch is already associated with this task), the existing
// directory is kept as-is; otherwise it is pruned and recreated so a
// crashed run's partial state never leaks into the next attempt.
func (m *WorktreeManager) EnsureClean(ctx context.Context, path string, reuse bool) error {
	if reuse {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	if err := m.PruneWorktree(ctx, path); err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating worktree %s: %w", path, err)
	}
	return nil
}

// PruneWorktree removes an orphaned or stale worktree directory. Satisfies
// internal/queue's Pruner interface, letting the queue driver's
// stale-sweep clean up worktrees left behind by a crashed worker.
func (m *WorktreeManager) PruneWorktree(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("pruning worktree %s: %w", path, err)
	}
	return nil
}
