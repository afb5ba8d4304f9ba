package models

import "time"

// PRSnapshot mirrors one forge pull request associated with an issue. An
// issue may accumulate several snapshots over its lifetime (e.g. a closed
// PR followed by a fresh one); the canonical PR is selected by
// selectCanonicalPR, not by recency of the row.
type PRSnapshot struct {
	Repo       string     `json:"repo"        db:"repo"`
	Issue      int64      `json:"issue"       db:"issue"`
	PRUrl      string     `json:"pr_url"      db:"pr_url"`
	State      PRState    `json:"state"       db:"state"`
	HeadSHA    string     `json:"head_sha"    db:"head_sha"`
	BaseRef    string     `json:"base_ref"    db:"base_ref"`
	RecordedAt time.Time  `json:"recorded_at" db:"recorded_at"`
	CreatedAt  *time.Time `json:"created_at"  db:"created_at"`
}

// SelectCanonicalPR returns the canonical PR among snapshots for the same
// issue: the earliest by CreatedAt, ties broken by PRUrl lexicographic order.
// Stable under any permutation of the input slice.
func SelectCanonicalPR(snapshots []PRSnapshot) (PRSnapshot, bool) {
	var best PRSnapshot
	found := false
	for _, s := range snapshots {
		if !found {
			best, found = s, true
			continue
		}
		if prLess(s, best) {
			best = s
		}
	}
	return best, found
}

func prLess(a, b PRSnapshot) bool {
	aT, bT := a.CreatedAt, b.CreatedAt
	switch {
	case aT == nil && bT == nil:
		return a.PRUrl < b.PRUrl
	case aT == nil:
		return false
	case bT == nil:
		return true
	case !aT.Equal(*bT):
		return aT.Before(*bT)
	default:
		return a.PRUrl < b.PRUrl
	}
}
