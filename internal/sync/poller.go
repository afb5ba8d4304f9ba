// Package sync implements the per-repo issue sync poller (C5): a polling
// loop with jittered exponential backoff that mirrors forge issues and
// labels into the state store.
package sync

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/3mdistal/ralph/internal/forge"
	"github.com/3mdistal/ralph/internal/state"
	"github.com/3mdistal/ralph/models"
	"github.com/cenkalti/backoff/v4"
	gogithub "github.com/google/go-github/v68/github"
)

// State is the poller's per-repo state machine position.
type State string

const (
	StateIdle    State = "idle"
	StateFetch   State = "fetching"
	StateBackoff State = "backoff"
	StateStopped State = "stopped"
)

// TickOutcome is the result of one poll attempt.
type TickOutcome string

const (
	OutcomeOK      TickOutcome = "ok"
	OutcomeError   TickOutcome = "error"
	OutcomeAborted TickOutcome = "aborted"
)

// TickResult summarizes a single Tick call, for callers that want to log
// or test against it.
type TickResult struct {
	Outcome    TickOutcome
	HadChanges bool
	NextDelay  time.Duration
	Err        error
}

// IssueLister is the forge surface the poller depends on.
type IssueLister interface {
	ListIssuesSince(ctx context.Context, owner, repo string, since gogithub.Timestamp) ([]forge.Issue, error)
}

// Config parameterizes a Poller.
type Config struct {
	BaseInterval time.Duration // B in spec.md §4.5's jitter formula
	MaxInterval  time.Duration
	StoreAllOpen bool
}

// Poller drives one repo's sync loop.
type Poller struct {
	repo  models.Repo
	forge IssueLister
	store state.Store
	clock Clock
	cfg   Config
	log   *slog.Logger

	state   State
	backoff *backoff.ExponentialBackOff
}

func New(repo models.Repo, fg IssueLister, store state.Store, clock Clock, cfg Config, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = RealClock{}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0 // jitter applied explicitly below per spec.md's [1, 1.5]xB formula
	return &Poller{repo: repo, forge: fg, store: store, clock: clock, cfg: cfg, log: log, state: StateIdle, backoff: bo}
}

// jitteredDelay returns a delay uniform in [1, 1.5] x base, per spec.md §4.5.
func jitteredDelay(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	factor := 1 + rand.Float64()*0.5
	return time.Duration(float64(base) * factor)
}

// Run drives the poller's loop until ctx is cancelled, sleeping between
// ticks according to the current state's delay schedule.
func (p *Poller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.state = StateStopped
			return
		default:
		}

		result := p.Tick(ctx)
		if result.Outcome == OutcomeAborted {
			p.state = StateStopped
			return
		}

		select {
		case <-ctx.Done():
			p.state = StateStopped
			return
		case <-p.clock.After(result.NextDelay):
		}
	}
}

// Tick performs one poll attempt per the algorithm in spec.md §4.5.
func (p *Poller) Tick(ctx context.Context) TickResult {
	p.state = StateFetch

	cursor, err := state.GetSyncCursor(ctx, p.store, p.repo.FullName())
	if err != nil {
		return p.fail(err)
	}

	since := time.Unix(0, 0).UTC()
	if cursor != nil {
		since = cursor.LastSeenIssueUpdatedAt.Add(-5 * time.Second)
		if since.Before(time.Unix(0, 0).UTC()) {
			since = time.Unix(0, 0).UTC()
		}
	}

	issues, err := p.forge.ListIssuesSince(ctx, p.repo.Owner, p.repo.Name, gogithub.Timestamp{Time: since})
	if err != nil {
		if ctx.Err() != nil {
			return TickResult{Outcome: OutcomeAborted}
		}
		return p.fail(err)
	}

	recordedAt := p.clock.Now().UTC()
	var newest time.Time
	hadChanges := false
	for _, issue := range issues {
		if issue.IsPR {
			continue
		}
		if !p.cfg.StoreAllOpen && issue.State != "open" && len(issue.Labels) == 0 {
			continue
		}
		snap := models.IssueSnapshot{
			Repo:            p.repo.FullName(),
			Number:          int64(issue.Number),
			Title:           issue.Title,
			State:           normalizeIssueState(issue.State),
			URL:             issue.HTMLURL,
			GithubUpdatedAt: issue.UpdatedAt.Time,
			RecordedAt:      recordedAt,
		}
		if err := state.UpsertIssueSnapshot(ctx, p.store, snap); err != nil {
			return p.fail(err)
		}
		if err := state.UpsertLabelSet(ctx, p.store, p.repo.FullName(), int64(issue.Number), issue.Labels, recordedAt); err != nil {
			return p.fail(err)
		}
		hadChanges = true
		if issue.UpdatedAt.Time.After(newest) {
			newest = issue.UpdatedAt.Time
		}
	}

	if hadChanges {
		newCursor := models.SyncCursor{
			Repo:                   p.repo.FullName(),
			LastSyncAt:             recordedAt,
			LastSeenIssueUpdatedAt: newest,
		}
		if cursor != nil {
			newCursor.LastMergedAt = cursor.LastMergedAt
			newCursor.LastPRNumber = cursor.LastPRNumber
		}
		if err := state.UpsertSyncCursor(ctx, p.store, newCursor); err != nil {
			return p.fail(err)
		}
	} else if cursor != nil {
		// No items observed this tick: advance lastSyncAt only, leaving the
		// issue-update watermark untouched (cursor monotonicity, spec.md §8).
		cursor.LastSyncAt = recordedAt
		if err := state.UpsertSyncCursor(ctx, p.store, *cursor); err != nil {
			return p.fail(err)
		}
	}

	p.state = StateIdle
	p.backoff.Reset()
	return TickResult{Outcome: OutcomeOK, HadChanges: hadChanges, NextDelay: jitteredDelay(p.cfg.BaseInterval)}
}

func (p *Poller) fail(err error) TickResult {
	p.state = StateBackoff
	delay := p.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = p.cfg.MaxInterval
	}
	if apiErr, ok := err.(*forge.APIError); ok && apiErr.RetryAfter > 0 {
		delay = apiErr.RetryAfter
	}
	p.log.Warn("sync: tick failed", "repo", p.repo.FullName(), "error", err, "next_delay", delay)
	return TickResult{Outcome: OutcomeError, NextDelay: delay, Err: err}
}

func normalizeIssueState(s string) models.IssueState {
	if s == "closed" {
		return models.IssueClosed
	}
	return models.IssueOpen
}
