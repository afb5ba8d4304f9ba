package models

import (
	"strconv"
	"time"
)

// IssueSnapshot is the source of truth for queue eligibility: a point-in-time
// mirror of one forge issue, refreshed on every sync tick (upsert-by-primary-key).
type IssueSnapshot struct {
	Repo            string     `json:"repo"               db:"repo"`
	Number          int64      `json:"number"             db:"number"`
	Title           string     `json:"title"              db:"title"`
	State           IssueState `json:"state"              db:"state"`
	URL             string     `json:"url"                db:"url"`
	GithubUpdatedAt time.Time  `json:"github_updated_at"  db:"github_updated_at"`
	RecordedAt      time.Time  `json:"recorded_at"        db:"recorded_at"`
}

// LabelSetRow is one label currently attached to an issue, as observed at
// RecordedAt. The full label set for an issue is the collection of rows
// sharing (Repo, Number) with the latest RecordedAt.
type LabelSetRow struct {
	Repo       string    `json:"repo"        db:"repo"`
	Number     int64     `json:"number"      db:"number"`
	Label      string    `json:"label"       db:"label"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// TaskPath returns the canonical "<repo>#<issue>" identifier used throughout
// the lease registry and idempotency keys.
func TaskPath(repo string, issue int64) string {
	return repo + "#" + strconv.FormatInt(issue, 10)
}
