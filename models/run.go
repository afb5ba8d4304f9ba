package models

import "time"

// RalphRun is one attempt (plan, implement, survey, ci-triage, ...) of the
// worker pipeline against a task.
type RalphRun struct {
	RunID       string     `json:"run_id"       db:"run_id"`
	Repo        string     `json:"repo"         db:"repo"`
	Issue       int64      `json:"issue"        db:"issue"`
	TaskPath    string     `json:"task_path"    db:"task_path"`
	AttemptKind string     `json:"attempt_kind" db:"attempt_kind"`
	StartedAt   time.Time  `json:"started_at"   db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	Outcome     string     `json:"outcome"      db:"outcome"`
}

// GateResult is one row of a run's gate table, keyed (RunID, Gate). Exactly
// one row exists per gate in AllGates once ensureGateRows has run.
type GateResult struct {
	RunID     string     `json:"run_id"     db:"run_id"`
	Gate      Gate       `json:"gate"       db:"gate"`
	Status    GateStatus `json:"status"     db:"status"`
	Command   string     `json:"command"    db:"command"`
	Reason    string     `json:"reason"     db:"reason"`
	URL       string     `json:"url"        db:"url"`
	PRNumber  int64      `json:"pr_number"  db:"pr_number"`
	PRUrl     string     `json:"pr_url"     db:"pr_url"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// StepMetric records the wall-clock duration of one named pipeline step
// within a run, for the token/triage ranking queries.
type StepMetric struct {
	RunID      string    `json:"run_id"      db:"run_id"`
	Step       string    `json:"step"        db:"step"`
	DurationMs int64     `json:"duration_ms" db:"duration_ms"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// TokenTotal aggregates token usage for one run, feeding both the
// ListRalphRunsTop ranking and the throttle engine's observed-events input.
type TokenTotal struct {
	RunID        string `json:"run_id"        db:"run_id"`
	InputTokens  int64  `json:"input_tokens"  db:"input_tokens"`
	OutputTokens int64  `json:"output_tokens" db:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"  db:"total_tokens"`
}
