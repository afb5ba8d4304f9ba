package watchdog

import (
	"context"
	"fmt"

	"github.com/3mdistal/ralph/internal/lease"
)

// CommentForge is the narrow forge surface the writeback needs.
type CommentForge interface {
	PostComment(ctx context.Context, owner, repo string, number int, body string) error
}

// PostTripComment writes a single idempotent comment for trip to
// owner/repo#number, keyed by {repo, issue, markerID} so a daemon restart
// mid-trip-handling never double-posts. markerID should be stable across
// retries of the same underlying stall (e.g. the op-state's task path plus
// a monotonic attempt counter), not regenerated per call.
func PostTripComment(ctx context.Context, leases *lease.Registry, fg CommentForge, owner, repo string, number int, markerID string, trip Trip) error {
	key := fmt.Sprintf("watchdog:%s/%s#%d:%s", owner, repo, number, markerID)

	claimed, err := leases.RecordKey(ctx, key, "watchdog", nil)
	if err != nil {
		return fmt.Errorf("claiming watchdog comment lease %q: %w", key, err)
	}
	if !claimed {
		return nil // already posted by this or an earlier process
	}

	body := RedactSecrets(fmt.Sprintf("ralph's watchdog stopped this run: %s", trip.Reason()))
	if err := fg.PostComment(ctx, owner, repo, number, body); err != nil {
		return fmt.Errorf("posting watchdog comment on %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}
