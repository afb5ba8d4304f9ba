package models

import "time"

// Task is the logical handle for a (repo, issue) pair. It is created
// implicitly the first time an issue becomes queue-eligible and persists
// across the whole lifecycle; only schema pruning removes rows.
type Task struct {
	ID           int64      `json:"id"            db:"id"`
	Repo         string     `json:"repo"          db:"repo"`
	Issue        int64      `json:"issue"         db:"issue"`
	Status       TaskStatus `json:"status"        db:"status"`
	SessionID    string     `json:"session_id"    db:"session_id"`
	WorktreePath string     `json:"worktree_path" db:"worktree_path"`
	WorkerID     string     `json:"worker_id"     db:"worker_id"`
	RepoSlot     int        `json:"repo_slot"     db:"repo_slot"`
	DaemonID     string     `json:"daemon_id"     db:"daemon_id"`
	HeartbeatAt  *time.Time `json:"heartbeat_at"  db:"heartbeat_at"`
	Checkpoint   string     `json:"checkpoint"    db:"checkpoint"`
	PRUrl        string     `json:"pr_url"        db:"pr_url"`
	CreatedAt    time.Time  `json:"created_at"    db:"created_at"`
	CompletedAt  *time.Time `json:"completed_at"  db:"completed_at"`
}

// Path returns the task's canonical "<repo>#<issue>" identifier.
func (t Task) Path() string { return TaskPath(t.Repo, t.Issue) }

// OpState is the lease row recording which daemon/worker currently owns a
// task. Invariant: at most one row per TaskPath has ReleasedAtMs == nil.
type OpState struct {
	ID             int64      `json:"id"              db:"id"`
	TaskPath       string     `json:"task_path"       db:"task_path"`
	OwnerDaemon    string     `json:"owner_daemon"    db:"owner_daemon"`
	OwnerWorker    string     `json:"owner_worker"    db:"owner_worker"`
	SessionID      string     `json:"session_id"      db:"session_id"`
	WorktreePath   string     `json:"worktree_path"   db:"worktree_path"`
	HeartbeatAt    time.Time  `json:"heartbeat_at"    db:"heartbeat_at"`
	ReleasedAtMs   *int64     `json:"released_at_ms"  db:"released_at_ms"`
	ReleasedReason string     `json:"released_reason" db:"released_reason"`
	RepoSlot       int        `json:"repo_slot"       db:"repo_slot"`
	CreatedAt      time.Time  `json:"created_at"      db:"created_at"`
}

// Live reports whether this op-state row is the current, unreleased lease.
func (o OpState) Live() bool { return o.ReleasedAtMs == nil }
