package forge

import (
	"context"
	"fmt"

	gogithub "github.com/google/go-github/v68/github"
)

// Issue is the subset of GitHub issue fields the queue and sync poller care
// about; kept separate from models.IssueSnapshot so this package has no
// dependency on the state schema.
type Issue struct {
	Number    int
	Title     string
	Body      string
	State     string
	HTMLURL   string
	UpdatedAt gogithub.Timestamp
	Labels    []string
	IsPR      bool
}

// ListIssuesSince lists every issue (open or closed) in owner/repo updated
// at or after since, newest-first, paginating until exhausted. Pull
// requests are included (GitHub's Issues API conflates the two); callers
// filter on IsPR.
func (c *Client) ListIssuesSince(ctx context.Context, owner, repo string, since gogithub.Timestamp) ([]Issue, error) {
	if err := c.checkSandbox("GET", owner, repo, ""); err != nil {
		return nil, err
	}
	opt := &gogithub.IssueListByRepoOptions{
		State:     "all",
		Sort:      "updated",
		Direction: "asc",
		Since:     since.Time,
		ListOptions: gogithub.ListOptions{
			PerPage: 100,
		},
	}
	var out []Issue
	for {
		result, err := c.throttleAndBreak(ctx, func() (any, error) {
			issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opt)
			return struct {
				issues []*gogithub.Issue
				resp   *gogithub.Response
			}{issues, resp}, err
		})
		if err != nil {
			return nil, classify(err)
		}
		page := result.(struct {
			issues []*gogithub.Issue
			resp   *gogithub.Response
		})
		for _, gi := range page.issues {
			out = append(out, convertIssue(gi))
		}
		if page.resp.NextPage == 0 {
			break
		}
		opt.Page = page.resp.NextPage
	}
	return out, nil
}

func convertIssue(gi *gogithub.Issue) Issue {
	labels := make([]string, 0, len(gi.Labels))
	for _, l := range gi.Labels {
		labels = append(labels, l.GetName())
	}
	return Issue{
		Number:    gi.GetNumber(),
		Title:     gi.GetTitle(),
		Body:      gi.GetBody(),
		State:     gi.GetState(),
		HTMLURL:   gi.GetHTMLURL(),
		UpdatedAt: gogithub.Timestamp{Time: gi.GetUpdatedAt()},
		Labels:    labels,
		IsPR:      gi.IsPullRequest(),
	}
}

// LabelPlan is an atomic set of label mutations applied to one issue, per
// SPEC_FULL.md §4.4's "atomic label plans" requirement: add and remove sets
// computed together from one observed snapshot, so a plan built from a
// stale read never partially clobbers a concurrent writer's labels.
type LabelPlan struct {
	Owner, Repo string
	Number      int
	Add         []string
	Remove      []string
}

// ApplyLabelPlan executes plan.Add then plan.Remove. GitHub's label API has
// no batch-remove, so removals are issued one at a time; a failure partway
// through is reported but earlier removals are not rolled back — the
// caller's next sync pass reconciles any partial state from the
// authoritative label_set read.
func (c *Client) ApplyLabelPlan(ctx context.Context, plan LabelPlan) error {
	if len(plan.Add) == 0 && len(plan.Remove) == 0 {
		return nil
	}
	if err := c.checkSandbox("POST", plan.Owner, plan.Repo, ""); err != nil {
		return err
	}
	if len(plan.Add) > 0 {
		_, err := c.throttleAndBreak(ctx, func() (any, error) {
			_, resp, err := c.gh.Issues.AddLabelsToIssue(ctx, plan.Owner, plan.Repo, plan.Number, plan.Add)
			return resp, err
		})
		if err != nil {
			return fmt.Errorf("adding labels %v to %s/%s#%d: %w", plan.Add, plan.Owner, plan.Repo, plan.Number, classify(err))
		}
	}
	for _, label := range plan.Remove {
		_, err := c.throttleAndBreak(ctx, func() (any, error) {
			resp, err := c.gh.Issues.RemoveLabelForIssue(ctx, plan.Owner, plan.Repo, plan.Number, label)
			return resp, err
		})
		if err != nil {
			return fmt.Errorf("removing label %q from %s/%s#%d: %w", label, plan.Owner, plan.Repo, plan.Number, classify(err))
		}
	}
	return nil
}

// ApplyLabelPlanQueue adapts the queue driver's narrower add/remove call
// shape onto ApplyLabelPlan, so internal/queue depends on a small
// interface instead of this package's LabelPlan type directly.
func (c *Client) ApplyLabelPlanQueue(ctx context.Context, owner, repo string, number int, add, remove []string) error {
	return c.ApplyLabelPlan(ctx, LabelPlan{Owner: owner, Repo: repo, Number: number, Add: add, Remove: remove})
}

// EnsureLabelsExist creates any of names not already present in owner/repo,
// with color and description left at GitHub's defaults. Used once at
// startup to guarantee the fixed label vocabulary exists (spec.md §4.4).
func (c *Client) EnsureLabelsExist(ctx context.Context, owner, repo string, names []string) error {
	if err := c.checkSandbox("POST", owner, repo, ""); err != nil {
		return err
	}
	existing := map[string]bool{}
	opt := &gogithub.ListOptions{PerPage: 100}
	for {
		result, err := c.throttleAndBreak(ctx, func() (any, error) {
			labels, resp, err := c.gh.Issues.ListLabels(ctx, owner, repo, opt)
			return struct {
				labels []*gogithub.Label
				resp   *gogithub.Response
			}{labels, resp}, err
		})
		if err != nil {
			return fmt.Errorf("listing labels for %s/%s: %w", owner, repo, classify(err))
		}
		page := result.(struct {
			labels []*gogithub.Label
			resp   *gogithub.Response
		})
		for _, l := range page.labels {
			existing[l.GetName()] = true
		}
		if page.resp.NextPage == 0 {
			break
		}
		opt.Page = page.resp.NextPage
	}

	for _, name := range names {
		if existing[name] {
			continue
		}
		_, err := c.throttleAndBreak(ctx, func() (any, error) {
			label, resp, err := c.gh.Issues.CreateLabel(ctx, owner, repo, &gogithub.Label{Name: gogithub.Ptr(name)})
			return struct {
				label *gogithub.Label
				resp  *gogithub.Response
			}{label, resp}, err
		})
		if err != nil {
			return fmt.Errorf("creating label %q on %s/%s: %w", name, owner, repo, classify(err))
		}
	}
	return nil
}

// CreateIssue files a new issue with the given labels, used by the survey
// step to write back the parent + typed child issues.
func (c *Client) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (int, string, error) {
	if err := c.checkSandbox("POST", owner, repo, ""); err != nil {
		return 0, "", err
	}
	result, err := c.throttleAndBreak(ctx, func() (any, error) {
		issue, resp, err := c.gh.Issues.Create(ctx, owner, repo, &gogithub.IssueRequest{
			Title:  gogithub.Ptr(title),
			Body:   gogithub.Ptr(body),
			Labels: &labels,
		})
		return struct {
			issue *gogithub.Issue
			resp  *gogithub.Response
		}{issue, resp}, err
	})
	if err != nil {
		return 0, "", fmt.Errorf("creating issue %q on %s/%s: %w", title, owner, repo, classify(err))
	}
	issue := result.(struct {
		issue *gogithub.Issue
		resp  *gogithub.Response
	}).issue
	return issue.GetNumber(), issue.GetHTMLURL(), nil
}

// Comment is a minimal issue/PR comment projection.
type Comment struct {
	ID   int64
	Body string
}

// ListComments lists every comment on an issue or PR, for the watchdog's
// idempotent-posting check (spec.md's "do not post the same stall comment
// twice" rule).
func (c *Client) ListComments(ctx context.Context, owner, repo string, number int) ([]Comment, error) {
	opt := &gogithub.IssueListCommentsOptions{ListOptions: gogithub.ListOptions{PerPage: 100}}
	var out []Comment
	for {
		result, err := c.throttleAndBreak(ctx, func() (any, error) {
			comments, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, number, opt)
			return struct {
				comments []*gogithub.IssueComment
				resp     *gogithub.Response
			}{comments, resp}, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing comments on %s/%s#%d: %w", owner, repo, number, classify(err))
		}
		page := result.(struct {
			comments []*gogithub.IssueComment
			resp     *gogithub.Response
		})
		for _, cm := range page.comments {
			out = append(out, Comment{ID: cm.GetID(), Body: cm.GetBody()})
		}
		if page.resp.NextPage == 0 {
			break
		}
		opt.Page = page.resp.NextPage
	}
	return out, nil
}

// PostComment creates a new comment on issue/PR number.
func (c *Client) PostComment(ctx context.Context, owner, repo string, number int, body string) error {
	if err := c.checkSandbox("POST", owner, repo, ""); err != nil {
		return err
	}
	_, err := c.throttleAndBreak(ctx, func() (any, error) {
		comment, resp, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &gogithub.IssueComment{Body: gogithub.Ptr(body)})
		return struct {
			comment *gogithub.IssueComment
			resp    *gogithub.Response
		}{comment, resp}, err
	})
	if err != nil {
		return fmt.Errorf("posting comment on %s/%s#%d: %w", owner, repo, number, classify(err))
	}
	return nil
}
