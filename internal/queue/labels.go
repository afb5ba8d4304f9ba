// Package queue implements the GitHub-label-backed queue driver (C4):
// label vocabulary normalization, atomic label-set mutations, the
// stale-sweep rule, the no-flap guard, and blocked-by reconciliation.
package queue

import (
	"fmt"
	"strings"

	"github.com/3mdistal/ralph/models"
)

const labelPrefix = "ralph:"

// StatusLabel returns the canonical label for a task status.
func StatusLabel(s models.TaskStatus) string {
	return labelPrefix + "status:" + string(s)
}

// PriorityLabel returns the canonical label for priority level p (0..4).
func PriorityLabel(p int) string {
	return fmt.Sprintf("%spriority:p%d", labelPrefix, p)
}

const (
	// LabelBlocked marks a task parked on an unresolved dependency.
	LabelBlocked = labelPrefix + "blocked"
	// VerifyLabelPrefix is used by parent verification workflow markers.
	VerifyLabelPrefix = labelPrefix + "verify:"

	// legacyQueuedAlias is read-time-only, per SPEC_FULL.md §9 decision 1:
	// never written, but normalized to StatusLabel(TaskQueued) the moment it
	// is observed on an issue.
	legacyQueuedAlias = "ralph:queued"
)

var allStatuses = []models.TaskStatus{
	models.TaskQueued,
	models.TaskStarting,
	models.TaskInProgress,
	models.TaskWaitingOnPR,
	models.TaskBlocked,
	models.TaskThrottled,
	models.TaskDone,
	models.TaskEscalated,
}

// statusLabelSet indexes every canonical status label for fast membership
// checks during normalization.
var statusLabelSet = func() map[string]models.TaskStatus {
	m := make(map[string]models.TaskStatus, len(allStatuses))
	for _, s := range allStatuses {
		m[StatusLabel(s)] = s
	}
	return m
}()

// NormalizeLabel lowercases label and rewrites the legacy `ralph:queued`
// alias to its canonical form. All other labels pass through unchanged
// apart from case-folding.
func NormalizeLabel(label string) string {
	lower := strings.ToLower(strings.TrimSpace(label))
	if lower == legacyQueuedAlias {
		return StatusLabel(models.TaskQueued)
	}
	return lower
}

// NormalizeLabels applies NormalizeLabel to every entry and drops
// duplicates, preserving first-seen order.
func NormalizeLabels(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		n := NormalizeLabel(l)
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// StatusFromLabels finds the single ralph:status:* label present in labels,
// returning ok=false if none is present. Per spec.md §8's invariant, at
// most one should ever be present; if more than one somehow is, the first
// in allStatuses order wins deterministically rather than panicking.
func StatusFromLabels(labels []string) (models.TaskStatus, bool) {
	present := map[models.TaskStatus]bool{}
	for _, l := range labels {
		if s, ok := statusLabelSet[NormalizeLabel(l)]; ok {
			present[s] = true
		}
	}
	for _, s := range allStatuses {
		if present[s] {
			return s, true
		}
	}
	return "", false
}

// PriorityFromLabels finds the ralph:priority:p{0..4} label, defaulting to
// priority 0 ("ties broken lexicographically" per spec.md §4.7 assumes a
// well-defined default when no priority label is present).
func PriorityFromLabels(labels []string) int {
	for _, l := range labels {
		n := NormalizeLabel(l)
		for p := 0; p <= 4; p++ {
			if n == PriorityLabel(p) {
				return p
			}
		}
	}
	return 0
}

// HasLabel reports whether target is present in labels, after normalization.
func HasLabel(labels []string, target string) bool {
	target = NormalizeLabel(target)
	for _, l := range labels {
		if NormalizeLabel(l) == target {
			return true
		}
	}
	return false
}

// LabelPlan is the atomic add/remove set a single label mutation call
// applies; spec.md §4.4 requires updateTaskStatus to compute add/remove
// together from one observed snapshot, never as two independent calls.
type LabelPlan struct {
	Add    []string
	Remove []string
}

// PlanStatusTransition returns the label plan moving a task from its
// current label set to newStatus: add the new status label, remove every
// other status label (including a legacy alias if present).
func PlanStatusTransition(currentLabels []string, newStatus models.TaskStatus) LabelPlan {
	plan := LabelPlan{Add: []string{StatusLabel(newStatus)}}
	for _, l := range currentLabels {
		n := NormalizeLabel(l)
		if n == StatusLabel(newStatus) {
			continue
		}
		if _, isStatus := statusLabelSet[n]; isStatus {
			plan.Remove = append(plan.Remove, l)
		}
	}
	return plan
}

// PlanRalphPriorityLabelSet returns {add:[desired], remove:[all other
// priority labels]}, per spec.md §4.4.
func PlanRalphPriorityLabelSet(currentLabels []string, desired int) LabelPlan {
	plan := LabelPlan{Add: []string{PriorityLabel(desired)}}
	for p := 0; p <= 4; p++ {
		if p == desired {
			continue
		}
		if HasLabel(currentLabels, PriorityLabel(p)) {
			plan.Remove = append(plan.Remove, PriorityLabel(p))
		}
	}
	return plan
}
