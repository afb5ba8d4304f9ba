package forge

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	gogithub "github.com/google/go-github/v68/github"
)

// blockerRefPattern matches the GitHub-conventional "Depends on #12",
// "Blocked by #34", "Requires #56" phrasings in an issue body. Case
// insensitive; the leading word list is deliberately small and literal
// rather than a generic NLP pass, matching how spec.md's dependency
// snapshot is meant to be a narrow, predictable signal.
var blockerRefPattern = regexp.MustCompile(`(?i)\b(?:depends on|blocked by|requires)\s*#(\d+)`)

// OpenBlockers implements internal/queue's DependencyProvider: it reads the
// issue body for blocker references and reports which referenced issues are
// still open. coverageComplete is false only when a referenced issue's
// state could not be confirmed — per spec.md §4.4, that must result in no
// label mutation rather than a guess. repoFullName is "owner/name".
func (c *Client) OpenBlockers(ctx context.Context, repoFullName string, issue int64) ([]int64, bool, error) {
	owner, repo, ok := strings.Cut(repoFullName, "/")
	if !ok {
		return nil, false, fmt.Errorf("forge: invalid repo full name %q", repoFullName)
	}
	if err := c.checkSandbox("GET", owner, repo, ""); err != nil {
		return nil, false, err
	}
	result, err := c.throttleAndBreak(ctx, func() (any, error) {
		gi, _, err := c.gh.Issues.Get(ctx, owner, repo, int(issue))
		return gi, err
	})
	if err != nil {
		return nil, false, classify(err)
	}
	body := result.(*gogithub.Issue).GetBody()

	matches := blockerRefPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil, true, nil
	}

	seen := make(map[int64]struct{}, len(matches))
	var blockers []int64
	for _, m := range matches {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}

		refResult, err := c.throttleAndBreak(ctx, func() (any, error) {
			gi, _, err := c.gh.Issues.Get(ctx, owner, repo, int(n))
			return gi, err
		})
		if err != nil {
			return blockers, false, fmt.Errorf("checking blocker #%d: %w", n, classify(err))
		}
		if refResult.(*gogithub.Issue).GetState() == "open" {
			blockers = append(blockers, n)
		}
	}
	return blockers, true, nil
}
