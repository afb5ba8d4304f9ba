package models

import "time"

// SyncCursor tracks the issue-sync poller's progress for one repo, plus the
// done-reconciler's view of the most recently merged PR.
type SyncCursor struct {
	Repo                   string     `json:"repo"                       db:"repo"`
	LastSyncAt             time.Time  `json:"last_sync_at"               db:"last_sync_at"`
	LastSeenIssueUpdatedAt time.Time  `json:"last_seen_issue_updated_at" db:"last_seen_issue_updated_at"`
	LastMergedAt           *time.Time `json:"last_merged_at"             db:"last_merged_at"`
	LastPRNumber           int64      `json:"last_pr_number"             db:"last_pr_number"`
}
