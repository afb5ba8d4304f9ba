package models

// TaskStatus is the lifecycle state of a task. Stored as the lowercase string
// form on the row; label projections in internal/queue map 1:1 onto these.
type TaskStatus string

const (
	TaskQueued      TaskStatus = "queued"
	TaskStarting    TaskStatus = "starting"
	TaskInProgress  TaskStatus = "in-progress"
	TaskWaitingOnPR TaskStatus = "waiting-on-pr"
	TaskBlocked     TaskStatus = "blocked"
	TaskThrottled   TaskStatus = "throttled"
	TaskDone        TaskStatus = "done"
	TaskEscalated   TaskStatus = "escalated"
)

// Terminal reports whether a task in this status is no longer actionable by
// the scheduler.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskEscalated
}

// IssueState mirrors GitHub's issue state field.
type IssueState string

const (
	IssueOpen   IssueState = "OPEN"
	IssueClosed IssueState = "CLOSED"
)

// PRState mirrors GitHub's pull request state, collapsed to the three values
// the queue driver and merge-gate care about.
type PRState string

const (
	PROpen   PRState = "open"
	PRMerged PRState = "merged"
	PRClosed PRState = "closed"
)

// GateStatus is the pass/fail/pending tri-state recorded per gate row.
type GateStatus string

const (
	GatePending GateStatus = "pending"
	GatePass    GateStatus = "pass"
	GateFail    GateStatus = "fail"
)

// Gate names the fixed set of checkpoints a ralph run passes through. The set
// is closed — ensureGateRows always inserts exactly these six.
type Gate string

const (
	GatePreflight     Gate = "preflight"
	GatePlanReview    Gate = "plan_review"
	GateProductReview Gate = "product_review"
	GateDevexReview   Gate = "devex_review"
	GateCI            Gate = "ci"
	GatePREvidence    Gate = "pr_evidence"
)

// AllGates is the fixed gate set in pipeline order.
var AllGates = []Gate{
	GatePreflight,
	GatePlanReview,
	GateProductReview,
	GateDevexReview,
	GateCI,
	GatePREvidence,
}

// ThrottleState is the output of the throttle engine.
type ThrottleState string

const (
	ThrottleOK    ThrottleState = "ok"
	ThrottleSoft  ThrottleState = "soft"
	ThrottleHard  ThrottleState = "hard"
	ThrottlePause ThrottleState = "pause"
)

// ControlMode is the value carried by the control-plane's control.json file.
type ControlMode string

const (
	ControlRunning  ControlMode = "running"
	ControlDraining ControlMode = "draining"
	ControlPaused   ControlMode = "paused"
)
