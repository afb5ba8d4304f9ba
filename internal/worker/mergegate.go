package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/3mdistal/ralph/internal/forge"
	"github.com/3mdistal/ralph/models"
)

// MergeForge is the forge surface the merge-gate needs.
type MergeForge interface {
	GetPR(ctx context.Context, owner, repo string, number int) (forge.PullRequest, error)
	ListRequiredChecks(ctx context.Context, owner, repo, ref string, required []string) ([]forge.CheckRun, error)
	MergePR(ctx context.Context, owner, repo string, number int, sha string) error
	UpdateBranch(ctx context.Context, owner, repo string, number int, expectedHeadSHA string) error
}

// MergeGateConfig parameterizes the CI-poll loop.
type MergeGateConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// MergeOutcome is the result of one mergeGate attempt.
type MergeOutcome string

const (
	MergeOutcomeMerged         MergeOutcome = "merged"
	MergeOutcomeTimeout        MergeOutcome = "timeout"
	MergeOutcomeCheckFailed    MergeOutcome = "check_failed"
	MergeOutcomeBaseModified   MergeOutcome = "base_modified_twice"
)

// mergeGate implements spec.md §4.8 step 5: resolve required checks, poll
// until green or timeout, merge, and retry once on a base-branch-modified
// (405) conflict before blocking.
func mergeGate(ctx context.Context, fg MergeForge, clock Clock, cfg MergeGateConfig, owner, repoName string, prNumber int, requiredChecks []string) (MergeOutcome, string, error) {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 15 * time.Second
	}
	deadline := clock.Now().Add(cfg.Timeout)

	pr, err := fg.GetPR(ctx, owner, repoName, prNumber)
	if err != nil {
		return "", "", fmt.Errorf("getting PR %s/%s#%d: %w", owner, repoName, prNumber, err)
	}

	for {
		ready, failed, err := checksReady(ctx, fg, owner, repoName, pr.HeadSHA, requiredChecks)
		if err != nil {
			return "", "", err
		}
		if failed {
			return MergeOutcomeCheckFailed, "", nil
		}
		if ready {
			break
		}
		if !clock.Now().Before(deadline) {
			return MergeOutcomeTimeout, "", nil
		}
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-clock.After(poll):
		}
	}

	if err := fg.MergePR(ctx, owner, repoName, prNumber, pr.HeadSHA); err == nil {
		return MergeOutcomeMerged, "", nil
	} else if !isBaseModified(err) {
		return "", "", fmt.Errorf("merging PR %s/%s#%d: %w", owner, repoName, prNumber, err)
	}

	// Base branch was modified (405): update-branch once, wait for a fresh
	// SHA, then retry the merge a single time.
	if err := fg.UpdateBranch(ctx, owner, repoName, prNumber, pr.HeadSHA); err != nil {
		return "", "", fmt.Errorf("updating branch for PR %s/%s#%d: %w", owner, repoName, prNumber, err)
	}
	fresh, err := waitForFreshSHA(ctx, fg, clock, owner, repoName, prNumber, pr.HeadSHA, poll, cfg.Timeout)
	if err != nil {
		return "", "", err
	}

	if err := fg.MergePR(ctx, owner, repoName, prNumber, fresh); err == nil {
		return MergeOutcomeMerged, "", nil
	} else if isBaseModified(err) {
		return MergeOutcomeBaseModified, "auto-update: base branch changed", nil
	} else {
		return "", "", fmt.Errorf("retrying merge for PR %s/%s#%d: %w", owner, repoName, prNumber, err)
	}
}

func checksReady(ctx context.Context, fg MergeForge, owner, repoName, ref string, required []string) (ready, failed bool, err error) {
	runs, err := fg.ListRequiredChecks(ctx, owner, repoName, ref, required)
	if err != nil {
		return false, false, fmt.Errorf("listing required checks for %s/%s@%s: %w", owner, repoName, ref, err)
	}
	if len(required) == 0 {
		return true, false, nil // gating disabled: no required checks configured or derivable
	}
	seen := make(map[string]string, len(runs))
	for _, r := range runs {
		seen[r.Name] = r.Conclusion
	}
	for _, name := range required {
		conclusion, ok := seen[name]
		if !ok {
			return false, false, nil // still pending
		}
		switch conclusion {
		case "success":
			continue
		case "failure", "cancelled", "timed_out":
			return false, true, nil
		default:
			return false, false, nil
		}
	}
	return true, false, nil
}

func waitForFreshSHA(ctx context.Context, fg MergeForge, clock Clock, owner, repoName string, prNumber int, staleSHA string, poll, timeout time.Duration) (string, error) {
	deadline := clock.Now().Add(timeout)
	for clock.Now().Before(deadline) {
		pr, err := fg.GetPR(ctx, owner, repoName, prNumber)
		if err != nil {
			return "", fmt.Errorf("polling for fresh SHA on %s/%s#%d: %w", owner, repoName, prNumber, err)
		}
		if pr.HeadSHA != staleSHA {
			return pr.HeadSHA, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-clock.After(poll):
		}
	}
	return "", fmt.Errorf("timed out waiting for a fresh head SHA on %s/%s#%d", owner, repoName, prNumber)
}

func isBaseModified(err error) bool {
	apiErr, ok := err.(*forge.APIError)
	return ok && apiErr.Status == 405
}

// resolveRequiredChecks implements the priority order from spec.md §4.8
// step 5: explicit config wins; branch-protection derivation is not
// implemented (would require the forge branch-protection API, which this
// client does not wrap), so an empty explicit list disables gating rather
// than silently guessing — callers should configure requiredChecks for
// repos that need the gate enforced.
func resolveRequiredChecks(repo models.Repo) []string {
	return repo.RequiredChecks
}
