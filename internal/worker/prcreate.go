package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/3mdistal/ralph/internal/forge"
	"github.com/3mdistal/ralph/internal/lease"
	"github.com/3mdistal/ralph/models"
)

// PRForge is the forge surface the PR-create step needs.
type PRForge interface {
	CreatePR(ctx context.Context, opt forge.CreatePROptions) (forge.PullRequest, error)
	GetPR(ctx context.Context, owner, repo string, number int) (forge.PullRequest, error)
	AuthToken() string
}

// PRCreateConfig carries the lease timing knobs from spec.md §4.2/§4.8.
type PRCreateConfig struct {
	ConflictWait time.Duration // PR_CREATE_CONFLICT_WAIT_MS
	MinAge       time.Duration // minAgeMs for self-heal eligibility
	PollInterval time.Duration
}

// leasePublication is the payload recorded on the pr-create lease once a
// winning writer has published its PR, so contested waiters can recover
// the PR without re-creating it.
type leasePublication struct {
	TaskPath string `json:"task_path"`
	PRURL    string `json:"pr_url"`
	PRNumber int    `json:"pr_number"`
}

// ensurePR implements spec.md §4.8 step 4 (PR-create): claim the pr-create
// lease and publish a PR from the worktree, or — on contention — wait for
// the winning writer to publish and reuse its PR, self-healing once if the
// lease is stale enough.
func ensurePR(ctx context.Context, leases *lease.Registry, fg PRForge, clock Clock, cfg PRCreateConfig, task models.Task, repo models.Repo, patch, title, body string) (forge.PullRequest, error) {
	leaseKey := fmt.Sprintf("pr-create:%s:%s", task.Path(), repo.BotBranch)

	claimed, err := leases.RecordKey(ctx, leaseKey, "pr-create", leasePublication{TaskPath: task.Path()})
	if err != nil {
		return forge.PullRequest{}, fmt.Errorf("claiming pr-create lease for %s: %w", task.Path(), err)
	}
	if claimed {
		return createAndPublish(ctx, leases, fg, task, repo, patch, title, body, leaseKey)
	}
	return waitForPublication(ctx, leases, fg, clock, cfg, task, repo, patch, title, body, leaseKey)
}

func createAndPublish(ctx context.Context, leases *lease.Registry, fg PRForge, task models.Task, repo models.Repo, patch, title, body, leaseKey string) (forge.PullRequest, error) {
	pr, err := createPRFromWorktree(ctx, fg, task, repo, patch, title, body)
	if err != nil {
		return forge.PullRequest{}, err
	}
	pub := leasePublication{TaskPath: task.Path(), PRURL: pr.HTMLURL, PRNumber: pr.Number}
	if err := leases.UpsertKey(ctx, leaseKey, pub); err != nil {
		return forge.PullRequest{}, fmt.Errorf("recording published PR on lease %q: %w", leaseKey, err)
	}
	return pr, nil
}

// waitForPublication polls the lease's payload for up to cfg.ConflictWait
// waiting for the winning writer to publish; if the lease is old enough
// and self-heal has not been attempted, it reclaims and publishes itself.
func waitForPublication(ctx context.Context, leases *lease.Registry, fg PRForge, clock Clock, cfg PRCreateConfig, task models.Task, repo models.Repo, patch, title, body, leaseKey string) (forge.PullRequest, error) {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	deadline := clock.Now().Add(cfg.ConflictWait)
	for clock.Now().Before(deadline) {
		var pub leasePublication
		found, err := leases.GetPayload(ctx, leaseKey, &pub)
		if err != nil {
			return forge.PullRequest{}, fmt.Errorf("polling pr-create lease %q: %w", leaseKey, err)
		}
		if found && pub.PRURL != "" {
			owner, repoName := repo.Owner, repo.Name
			return fg.GetPR(ctx, owner, repoName, pub.PRNumber)
		}
		select {
		case <-ctx.Done():
			return forge.PullRequest{}, ctx.Err()
		case <-clock.After(poll):
		}
	}

	claimed, err := leases.TrySelfHeal(ctx, leaseKey, "pr-create", leasePublication{TaskPath: task.Path()}, cfg.MinAge)
	if err != nil {
		return forge.PullRequest{}, fmt.Errorf("self-healing pr-create lease %q: %w", leaseKey, err)
	}
	if !claimed {
		return forge.PullRequest{}, fmt.Errorf("pr-create lease %q contested and not yet self-healable", leaseKey)
	}
	return createAndPublish(ctx, leases, fg, task, repo, patch, title, body, leaseKey)
}

// createPRFromWorktree runs the git mechanics (branch, apply, commit,
// push) then calls forge to open the PR.
func createPRFromWorktree(ctx context.Context, fg PRForge, task models.Task, repo models.Repo, patch, title, body string) (forge.PullRequest, error) {
	branchName := "ralph/task-" + strconv.FormatInt(task.Issue, 10)
	if err := gitCreateBranch(task.WorktreePath, branchName); err != nil {
		return forge.PullRequest{}, fmt.Errorf("creating branch: %w", err)
	}
	if err := applyPatch(task.WorktreePath, patch); err != nil {
		return forge.PullRequest{}, fmt.Errorf("applying patch: %w", err)
	}
	if err := gitCommit(task.WorktreePath, title); err != nil {
		return forge.PullRequest{}, fmt.Errorf("committing: %w", err)
	}

	remoteURL := fmt.Sprintf("https://github.com/%s/%s.git", repo.Owner, repo.Name)
	if err := gitPush(task.WorktreePath, branchName, fg.AuthToken(), remoteURL); err != nil {
		return forge.PullRequest{}, fmt.Errorf("pushing branch: %w", err)
	}

	pr, err := fg.CreatePR(ctx, forge.CreatePROptions{
		Owner: repo.Owner,
		Repo:  repo.Name,
		Title: title,
		Body:  body,
		Head:  branchName,
		Base:  repo.BotBranch,
		Draft: false,
	})
	if err != nil {
		return forge.PullRequest{}, fmt.Errorf("creating PR: %w", err)
	}
	return pr, nil
}
