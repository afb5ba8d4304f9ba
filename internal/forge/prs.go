package forge

import (
	"context"
	"fmt"

	gogithub "github.com/google/go-github/v68/github"
)

// PullRequest is the subset of GitHub PR fields ralph's worker and lease
// layers consume.
type PullRequest struct {
	Number  int
	HTMLURL string
	State   string
	Merged  bool
	HeadSHA string
	HeadRef string
	BaseRef string
}

// CreatePROptions parameterizes CreatePR.
type CreatePROptions struct {
	Owner, Repo string
	Title, Body string
	Head, Base  string
	Draft       bool
}

// CreatePR opens a pull request. Callers are expected to have already
// claimed the PR-creation idempotency key via the lease registry — this
// method performs no dedupe of its own.
func (c *Client) CreatePR(ctx context.Context, opt CreatePROptions) (PullRequest, error) {
	if err := c.checkSandbox("POST", opt.Owner, opt.Repo, ""); err != nil {
		return PullRequest{}, err
	}
	result, err := c.throttleAndBreak(ctx, func() (any, error) {
		pr, resp, err := c.gh.PullRequests.Create(ctx, opt.Owner, opt.Repo, &gogithub.NewPullRequest{
			Title: gogithub.Ptr(opt.Title),
			Body:  gogithub.Ptr(opt.Body),
			Head:  gogithub.Ptr(opt.Head),
			Base:  gogithub.Ptr(opt.Base),
			Draft: gogithub.Ptr(opt.Draft),
		})
		return struct {
			pr   *gogithub.PullRequest
			resp *gogithub.Response
		}{pr, resp}, err
	})
	if err != nil {
		return PullRequest{}, fmt.Errorf("creating PR on %s/%s (%s -> %s): %w", opt.Owner, opt.Repo, opt.Head, opt.Base, classify(err))
	}
	pr := result.(struct {
		pr   *gogithub.PullRequest
		resp *gogithub.Response
	}).pr
	return convertPR(pr), nil
}

// GetPR fetches a single PR by number.
func (c *Client) GetPR(ctx context.Context, owner, repo string, number int) (PullRequest, error) {
	result, err := c.throttleAndBreak(ctx, func() (any, error) {
		pr, resp, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
		return struct {
			pr   *gogithub.PullRequest
			resp *gogithub.Response
		}{pr, resp}, err
	})
	if err != nil {
		return PullRequest{}, fmt.Errorf("getting PR %s/%s#%d: %w", owner, repo, number, classify(err))
	}
	pr := result.(struct {
		pr   *gogithub.PullRequest
		resp *gogithub.Response
	}).pr
	return convertPR(pr), nil
}

// ListMergedSince lists PRs in owner/repo merged at or after since,
// newest-first, for the sync poller's merge-detection pass.
func (c *Client) ListMergedSince(ctx context.Context, owner, repo string, since gogithub.Timestamp) ([]PullRequest, error) {
	opt := &gogithub.PullRequestListOptions{
		State:       "closed",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	var out []PullRequest
	for {
		result, err := c.throttleAndBreak(ctx, func() (any, error) {
			prs, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opt)
			return struct {
				prs  []*gogithub.PullRequest
				resp *gogithub.Response
			}{prs, resp}, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing merged PRs on %s/%s: %w", owner, repo, classify(err))
		}
		page := result.(struct {
			prs  []*gogithub.PullRequest
			resp *gogithub.Response
		})
		stop := false
		for _, pr := range page.prs {
			if pr.MergedAt == nil {
				continue
			}
			if pr.GetUpdatedAt().Before(since.Time) {
				stop = true
				continue
			}
			out = append(out, convertPR(pr))
		}
		if stop || page.resp.NextPage == 0 {
			break
		}
		opt.Page = page.resp.NextPage
	}
	return out, nil
}

func convertPR(pr *gogithub.PullRequest) PullRequest {
	out := PullRequest{
		Number:  pr.GetNumber(),
		HTMLURL: pr.GetHTMLURL(),
		State:   pr.GetState(),
		Merged:  pr.GetMerged(),
	}
	if pr.Head != nil {
		out.HeadSHA = pr.Head.GetSHA()
		out.HeadRef = pr.Head.GetRef()
	}
	if pr.Base != nil {
		out.BaseRef = pr.Base.GetRef()
	}
	return out
}

// CheckRun is a minimal projection of a GitHub check run's conclusion.
type CheckRun struct {
	Name       string
	Status     string
	Conclusion string
}

// ListRequiredChecks fetches the check-run results for ref and filters to
// the subset named in required, for the CI gate (spec.md's gate "ci").
func (c *Client) ListRequiredChecks(ctx context.Context, owner, repo, ref string, required []string) ([]CheckRun, error) {
	wanted := make(map[string]bool, len(required))
	for _, r := range required {
		wanted[r] = true
	}
	opt := &gogithub.ListCheckRunsOptions{ListOptions: gogithub.ListOptions{PerPage: 100}}
	var out []CheckRun
	for {
		result, err := c.throttleAndBreak(ctx, func() (any, error) {
			runs, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, opt)
			return struct {
				runs *gogithub.ListCheckRunsResults
				resp *gogithub.Response
			}{runs, resp}, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing check runs for %s/%s@%s: %w", owner, repo, ref, classify(err))
		}
		page := result.(struct {
			runs *gogithub.ListCheckRunsResults
			resp *gogithub.Response
		})
		for _, r := range page.runs.CheckRuns {
			if len(wanted) > 0 && !wanted[r.GetName()] {
				continue
			}
			out = append(out, CheckRun{
				Name:       r.GetName(),
				Status:     r.GetStatus(),
				Conclusion: r.GetConclusion(),
			})
		}
		if page.resp.NextPage == 0 {
			break
		}
		opt.Page = page.resp.NextPage
	}
	return out, nil
}

// MergePR merges a PR using the merge method configured for the repo
// (squash, per ralph's BotBranch convention of one commit per task).
func (c *Client) MergePR(ctx context.Context, owner, repo string, number int, sha string) error {
	if err := c.checkSandbox("PUT", owner, repo, ""); err != nil {
		return err
	}
	_, err := c.throttleAndBreak(ctx, func() (any, error) {
		result, resp, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, "", &gogithub.PullRequestOptions{
			SHA:         sha,
			MergeMethod: "squash",
		})
		return struct {
			result *gogithub.PullRequestMergeResult
			resp   *gogithub.Response
		}{result, resp}, err
	})
	if err != nil {
		return fmt.Errorf("merging PR %s/%s#%d: %w", owner, repo, number, classify(err))
	}
	return nil
}

// UpdateBranch requests GitHub update the PR's head branch with the latest
// changes from its base branch, used by the merge-gate's "Base branch was
// modified" (405) retry path.
func (c *Client) UpdateBranch(ctx context.Context, owner, repo string, number int, expectedHeadSHA string) error {
	if err := c.checkSandbox("PUT", owner, repo, ""); err != nil {
		return err
	}
	var opts *gogithub.PullRequestBranchUpdateOptions
	if expectedHeadSHA != "" {
		opts = &gogithub.PullRequestBranchUpdateOptions{ExpectedHeadSHA: gogithub.Ptr(expectedHeadSHA)}
	}
	_, err := c.throttleAndBreak(ctx, func() (any, error) {
		result, resp, err := c.gh.PullRequests.UpdateBranch(ctx, owner, repo, number, opts)
		return struct {
			result *gogithub.PullRequestBranchUpdateResponse
			resp   *gogithub.Response
		}{result, resp}, err
	})
	if err != nil {
		return fmt.Errorf("updating branch for PR %s/%s#%d: %w", owner, repo, number, classify(err))
	}
	return nil
}
