package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/forge"
	"github.com/3mdistal/ralph/internal/state"
	"github.com/3mdistal/ralph/models"
	gogithub "github.com/google/go-github/v68/github"
)

type fakeLister struct {
	issues []forge.Issue
	err    error
}

func (f *fakeLister) ListIssuesSince(ctx context.Context, owner, repo string, since gogithub.Timestamp) ([]forge.Issue, error) {
	return f.issues, f.err
}

func newTestStore(t *testing.T) *state.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.sqlite")
	db, err := state.Open(context.Background(), config.DatabaseConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("state.Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = db.CloseForTests() })
	return db
}

func TestTickStoresIssuesAndAdvancesCursor(t *testing.T) {
	db := newTestStore(t)
	repo := models.Repo{Owner: "acme", Name: "widgets"}
	lister := &fakeLister{issues: []forge.Issue{
		{Number: 1, Title: "fix the thing", State: "open", Labels: []string{"ralph"}, UpdatedAt: gogithub.Timestamp{Time: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}},
		{Number: 2, Title: "a pull request", IsPR: true, UpdatedAt: gogithub.Timestamp{Time: time.Now()}},
	}}

	p := New(repo, lister, db, nil, Config{BaseInterval: time.Second, MaxInterval: time.Minute}, nil)
	result := p.Tick(context.Background())

	if result.Outcome != OutcomeOK {
		t.Fatalf("Tick outcome = %v, want OutcomeOK (err=%v)", result.Outcome, result.Err)
	}
	if !result.HadChanges {
		t.Fatalf("expected HadChanges=true, a qualifying issue was present")
	}

	cursor, err := state.GetSyncCursor(context.Background(), db, repo.FullName())
	if err != nil {
		t.Fatalf("GetSyncCursor returned error: %v", err)
	}
	if cursor == nil {
		t.Fatalf("expected a sync cursor to be recorded")
	}
	if !cursor.LastSeenIssueUpdatedAt.Equal(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("cursor watermark = %v, want issue #1's UpdatedAt (PR should not advance it)", cursor.LastSeenIssueUpdatedAt)
	}
}

func TestTickOnForgeErrorEntersBackoff(t *testing.T) {
	db := newTestStore(t)
	repo := models.Repo{Owner: "acme", Name: "widgets"}
	lister := &fakeLister{err: &forge.APIError{Message: "rate limited", Retriable: true}}

	p := New(repo, lister, db, nil, Config{BaseInterval: time.Second, MaxInterval: time.Minute}, nil)
	result := p.Tick(context.Background())

	if result.Outcome != OutcomeError {
		t.Fatalf("Tick outcome = %v, want OutcomeError", result.Outcome)
	}
	if p.state != StateBackoff {
		t.Fatalf("poller state = %v, want StateBackoff after a failed tick", p.state)
	}
	if result.NextDelay <= 0 {
		t.Fatalf("expected a positive backoff delay, got %v", result.NextDelay)
	}
}

func TestTickHonorsRetryAfterFromAPIError(t *testing.T) {
	db := newTestStore(t)
	repo := models.Repo{Owner: "acme", Name: "widgets"}
	lister := &fakeLister{err: &forge.APIError{Message: "secondary rate limit", RetryAfter: 45 * time.Second}}

	p := New(repo, lister, db, nil, Config{BaseInterval: time.Second, MaxInterval: time.Minute}, nil)
	result := p.Tick(context.Background())

	if result.NextDelay != 45*time.Second {
		t.Fatalf("NextDelay = %v, want the APIError's RetryAfter (45s)", result.NextDelay)
	}
}

func TestJitteredDelayStaysWithinBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		d := jitteredDelay(base)
		if d < base || d > base+base/2 {
			t.Fatalf("jitteredDelay(%v) = %v, want within [%v, %v]", base, d, base, base+base/2)
		}
	}
}

func TestJitteredDelayZeroBase(t *testing.T) {
	if d := jitteredDelay(0); d != 0 {
		t.Fatalf("jitteredDelay(0) = %v, want 0", d)
	}
}
