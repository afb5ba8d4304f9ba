package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/3mdistal/ralph/internal/forge"
	"github.com/3mdistal/ralph/models"
)

func TestPRNumberFromURL(t *testing.T) {
	n, err := prNumberFromURL("https://github.com/acme/widgets/pull/482")
	if err != nil || n != 482 {
		t.Fatalf("prNumberFromURL = (%d, %v), want (482, nil)", n, err)
	}
	if _, err := prNumberFromURL("not-a-url"); err == nil {
		t.Fatalf("expected error for malformed url")
	}
	if _, err := prNumberFromURL("https://github.com/acme/widgets/pull/"); err == nil {
		t.Fatalf("expected error for trailing slash")
	}
}

func TestWorktreeManagerPath(t *testing.T) {
	m := &WorktreeManager{Root: "/var/ralph/worktrees"}
	repo := models.Repo{Owner: "acme", Name: "widgets"}
	got := m.Path(repo, 2, 482)
	want := filepath.Join("/var/ralph/worktrees", "acme__widgets", "slot-2", "482", "task-a")
	if got != want {
		t.Fatalf("Path = %q, want %q", got, want)
	}
}

func TestWorktreeManagerEnsureCleanPrunesWhenNotReusing(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "stale")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("setup mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "leftover.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("setup write: %v", err)
	}

	m := &WorktreeManager{Root: root}
	if err := m.EnsureClean(context.Background(), path, false); err != nil {
		t.Fatalf("EnsureClean: %v", err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected clean directory, found %d entries", len(entries))
	}
}

func TestWorktreeManagerEnsureCleanReusesExisting(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "live")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("setup mkdir: %v", err)
	}
	marker := filepath.Join(path, "keepme.txt")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup write: %v", err)
	}

	m := &WorktreeManager{Root: root}
	if err := m.EnsureClean(context.Background(), path, true); err != nil {
		t.Fatalf("EnsureClean: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("expected reused directory to keep its contents: %v", err)
	}
}

func TestParseDXSurveyDirect(t *testing.T) {
	raw := `{"schema":"ralph.dx_survey.v1","parent_title":"DX findings","parent_body":"body","children":[{"type":"bug","title":"t","body":"b"}]}`
	env, err := parseDXSurvey(raw)
	if err != nil {
		t.Fatalf("parseDXSurvey: %v", err)
	}
	if len(env.Children) != 1 || env.Children[0].Type != "bug" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestParseDXSurveyFenced(t *testing.T) {
	raw := "Here is my survey:\n```json\n" +
		`{"schema":"ralph.dx_survey.v1","parent_title":"t","parent_body":"b","children":[]}` +
		"\n```\nThanks."
	env, err := parseDXSurvey(raw)
	if err != nil {
		t.Fatalf("parseDXSurvey: %v", err)
	}
	if env.ParentTitle != "t" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestParseDXSurveyScannedObject(t *testing.T) {
	raw := `some preamble { "note": "a brace { inside a string }" } then the real one ` +
		`{"schema":"ralph.dx_survey.v1","parent_title":"t","parent_body":"b","children":[]} trailing text`
	env, err := parseDXSurvey(raw)
	if err != nil {
		t.Fatalf("parseDXSurvey: %v", err)
	}
	if env.ParentTitle != "t" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestParseDXSurveyNoEnvelope(t *testing.T) {
	if _, err := parseDXSurvey("nothing but prose"); err == nil {
		t.Fatalf("expected error when no envelope present")
	}
}

type fakeClock struct {
	now    time.Time
	ticked int
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.ticked++
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

type fakeMergeForge struct {
	pr             forge.PullRequest
	checks         []forge.CheckRun
	mergeErr       error
	updateBranched bool
	afterUpdateSHA string
}

func (f *fakeMergeForge) GetPR(ctx context.Context, owner, repo string, number int) (forge.PullRequest, error) {
	pr := f.pr
	if f.updateBranched && f.afterUpdateSHA != "" {
		pr.HeadSHA = f.afterUpdateSHA
	}
	return pr, nil
}

func (f *fakeMergeForge) ListRequiredChecks(ctx context.Context, owner, repo, ref string, required []string) ([]forge.CheckRun, error) {
	return f.checks, nil
}

func (f *fakeMergeForge) MergePR(ctx context.Context, owner, repo string, number int, sha string) error {
	return f.mergeErr
}

func (f *fakeMergeForge) UpdateBranch(ctx context.Context, owner, repo string, number int, expectedHeadSHA string) error {
	f.updateBranched = true
	return nil
}

func TestMergeGateMergesWhenChecksGreen(t *testing.T) {
	fg := &fakeMergeForge{
		pr:     forge.PullRequest{Number: 7, HeadSHA: "abc123"},
		checks: []forge.CheckRun{{Name: "ci", Conclusion: "success"}},
	}
	clock := &fakeClock{now: time.Unix(0, 0)}
	outcome, _, err := mergeGate(context.Background(), fg, clock, MergeGateConfig{PollInterval: time.Second, Timeout: time.Minute}, "acme", "widgets", 7, []string{"ci"})
	if err != nil {
		t.Fatalf("mergeGate: %v", err)
	}
	if outcome != MergeOutcomeMerged {
		t.Fatalf("outcome = %q, want merged", outcome)
	}
}

func TestMergeGateReportsCheckFailure(t *testing.T) {
	fg := &fakeMergeForge{
		pr:     forge.PullRequest{Number: 7, HeadSHA: "abc123"},
		checks: []forge.CheckRun{{Name: "ci", Conclusion: "failure"}},
	}
	clock := &fakeClock{now: time.Unix(0, 0)}
	outcome, _, err := mergeGate(context.Background(), fg, clock, MergeGateConfig{PollInterval: time.Second, Timeout: time.Minute}, "acme", "widgets", 7, []string{"ci"})
	if err != nil {
		t.Fatalf("mergeGate: %v", err)
	}
	if outcome != MergeOutcomeCheckFailed {
		t.Fatalf("outcome = %q, want check_failed", outcome)
	}
}

func TestMergeGateTimesOutWhenChecksNeverResolve(t *testing.T) {
	fg := &fakeMergeForge{
		pr: forge.PullRequest{Number: 7, HeadSHA: "abc123"},
		// No matching check run recorded: checksReady stays pending forever.
	}
	clock := &fakeClock{now: time.Unix(0, 0)}
	outcome, _, err := mergeGate(context.Background(), fg, clock, MergeGateConfig{PollInterval: time.Second, Timeout: 5 * time.Second}, "acme", "widgets", 7, []string{"ci"})
	if err != nil {
		t.Fatalf("mergeGate: %v", err)
	}
	if outcome != MergeOutcomeTimeout {
		t.Fatalf("outcome = %q, want timeout", outcome)
	}
}

func TestMergeGateRetriesOnceAfterBaseModified(t *testing.T) {
	calls := 0
	fg := &fakeMergeForgeWithSequence{
		fakeMergeForge: fakeMergeForge{
			pr:     forge.PullRequest{Number: 7, HeadSHA: "stale"},
			checks: []forge.CheckRun{{Name: "ci", Conclusion: "success"}},
		},
		mergeFn: func() error {
			calls++
			if calls == 1 {
				return &forge.APIError{Status: 405, Message: "Base branch was modified"}
			}
			return nil
		},
	}
	clock := &fakeClock{now: time.Unix(0, 0)}
	outcome, _, err := mergeGate(context.Background(), fg, clock, MergeGateConfig{PollInterval: time.Second, Timeout: time.Minute}, "acme", "widgets", 7, []string{"ci"})
	if err != nil {
		t.Fatalf("mergeGate: %v", err)
	}
	if outcome != MergeOutcomeMerged {
		t.Fatalf("outcome = %q, want merged after one retry", outcome)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 merge attempts, got %d", calls)
	}
}

// fakeMergeForgeWithSequence lets MergePR's behavior vary across calls and
// bumps the observed head SHA once UpdateBranch has been requested, so
// waitForFreshSHA's poll loop terminates.
type fakeMergeForgeWithSequence struct {
	fakeMergeForge
	mergeFn func() error
}

func (f *fakeMergeForgeWithSequence) MergePR(ctx context.Context, owner, repo string, number int, sha string) error {
	return f.mergeFn()
}

func (f *fakeMergeForgeWithSequence) UpdateBranch(ctx context.Context, owner, repo string, number int, expectedHeadSHA string) error {
	f.fakeMergeForge.updateBranched = true
	f.fakeMergeForge.afterUpdateSHA = "fresh"
	return nil
}

func TestScanAgentStreamFindsTerminalMarker(t *testing.T) {
	stream := strings.NewReader(
		`{"type":"log","text":"starting"}` + "\n" +
			"not json at all\n" +
			`RALPH_BUILD:{"status":"ok","summary":"done","pr_url":"https://github.com/acme/widgets/pull/9"}` + "\n",
	)
	var events []AgentEvent
	result, err := scanAgentStream(stream, AgentBuild, func(ev AgentEvent) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("scanAgentStream: %v", err)
	}
	if len(events) != 1 || events[0].Text != "starting" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if result.Status != "ok" || result.PRURL == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestScanAgentStreamErrorsWithoutMarker(t *testing.T) {
	stream := strings.NewReader(`{"type":"log","text":"starting"}` + "\n")
	if _, err := scanAgentStream(stream, AgentBuild, nil); err == nil {
		t.Fatalf("expected error when no terminal marker is produced")
	}
}

func TestScanAgentStreamIgnoresWrongKindMarker(t *testing.T) {
	stream := strings.NewReader(
		`RALPH_PLAN:{"status":"ok"}` + "\n" +
			`RALPH_BUILD:{"status":"ok","summary":"matched"}` + "\n",
	)
	result, err := scanAgentStream(stream, AgentBuild, nil)
	if err != nil {
		t.Fatalf("scanAgentStream: %v", err)
	}
	if result.Summary != "matched" {
		t.Fatalf("expected the build-kind marker to win, got %+v", result)
	}
}
