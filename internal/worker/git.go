package worker

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// gitCreateBranch checks out a new branch at HEAD.
func gitCreateBranch(repoPath, branch string) error {
	return runGit(repoPath, "checkout", "-b", branch)
}

// gitCommit stages everything and commits as the ralph bot identity.
func gitCommit(repoPath, message string) error {
	if err := runGit(repoPath, "add", "-A"); err != nil {
		return err
	}
	return runGit(repoPath, "commit", "-m", message,
		"--author", "ralph <ralph@users.noreply.github.com>")
}

// gitPush injects the forge token into the remote URL and pushes branch.
func gitPush(repoPath, branch, token, remoteURL string) error {
	authedURL := injectToken(remoteURL, token)
	if err := runGit(repoPath, "remote", "set-url", "origin", authedURL); err != nil {
		return err
	}
	return runGit(repoPath, "push", "-u", "origin", branch)
}

// applyPatch applies a unified diff to the worktree. If `git apply` rejects
// it, falls back to a content-anchored direct edit for addition-only
// patches (handles bare @@ headers and non-adjacent context that agent
// models sometimes produce).
func applyPatch(repoPath, patch string) error {
	patch = cleanPatch(patch)
	if strings.TrimSpace(patch) == "" {
		return fmt.Errorf("empty patch")
	}
	if !looksLikeUnifiedDiffPatch(patch) {
		return fmt.Errorf("invalid patch format (expected unified diff with ---/+++/@@ hunks)")
	}
	patchFile := filepath.Join(repoPath, ".ralph.patch")
	if err := os.WriteFile(patchFile, []byte(patch), 0o600); err != nil {
		return err
	}
	defer os.Remove(patchFile)
	if err := runGit(repoPath, "apply", patchFile); err != nil {
		if fbErr := applyAdditionsDirectly(repoPath, patch); fbErr != nil {
			return fmt.Errorf("%w (direct-edit fallback also failed: %v)", err, fbErr)
		}
		return nil
	}
	return nil
}

func cleanPatch(patch string) string {
	patch = strings.ReplaceAll(patch, "\r\n", "\n")
	patch = strings.TrimPrefix(patch, "```diff\n")
	patch = strings.TrimPrefix(patch, "```patch\n")
	patch = strings.TrimPrefix(patch, "```\n")
	patch = strings.TrimSuffix(patch, "```")
	return patch
}

func looksLikeUnifiedDiffPatch(patch string) bool {
	hasHeader := strings.Contains(patch, "--- ") && strings.Contains(patch, "+++ ")
	hasHunk := strings.Contains(patch, "@@")
	return hasHeader && hasHunk
}

type hunkLine struct {
	kind rune // '+', '-', ' '
	text string
}

// applyAdditionsDirectly inserts each hunk's addition lines at the position
// of their context anchor, matched by content rather than line number, so
// it tolerates the slightly-off @@ headers agent-produced patches often
// carry.
func applyAdditionsDirectly(repoPath, patch string) error {
	targetFile := ""
	for _, l := range strings.Split(patch, "\n") {
		if strings.HasPrefix(l, "+++ ") {
			p := strings.TrimPrefix(l, "+++ ")
			p = strings.TrimPrefix(p, "b/")
			targetFile = strings.TrimSpace(p)
			break
		}
	}
	if targetFile == "" {
		return fmt.Errorf("no target file in patch")
	}
	filePath, err := safeRepoJoin(repoPath, targetFile)
	if err != nil {
		return fmt.Errorf("unsafe path %q: %w", targetFile, err)
	}
	content, err := os.ReadFile(filePath) // #nosec G304 -- path validated by safeRepoJoin
	if err != nil {
		return fmt.Errorf("reading %s: %w", targetFile, err)
	}
	fileLines := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")

	var allHunks [][]hunkLine
	var current []hunkLine
	inHunk := false
	for _, l := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(l, "@@"):
			if inHunk && len(current) > 0 {
				allHunks = append(allHunks, current)
			}
			current = nil
			inHunk = true
		case strings.HasPrefix(l, "--- "), strings.HasPrefix(l, "+++ "):
		case !inHunk:
		case strings.HasPrefix(l, "+"):
			current = append(current, hunkLine{'+', strings.TrimPrefix(l, "+")})
		case strings.HasPrefix(l, "-"):
			current = append(current, hunkLine{'-', strings.TrimPrefix(l, "-")})
		default:
			text := strings.TrimPrefix(l, " ")
			if strings.TrimSpace(text) == "" {
				continue
			}
			current = append(current, hunkLine{' ', text})
		}
	}
	if inHunk && len(current) > 0 {
		allHunks = append(allHunks, current)
	}
	if len(allHunks) == 0 {
		return fmt.Errorf("no hunks parsed")
	}
	for _, hunk := range allHunks {
		for _, hl := range hunk {
			if hl.kind == '-' {
				return fmt.Errorf("patch contains deletions; direct-edit fallback requires addition-only patches")
			}
		}
	}

	searchFrom := 0
	for _, hunk := range allHunks {
		i := 0
		for i < len(hunk) {
			for i < len(hunk) && hunk[i].kind == ' ' {
				i++
			}
			if i >= len(hunk) {
				break
			}
			var additions []string
			for i < len(hunk) && hunk[i].kind == '+' {
				additions = append(additions, hunk[i].text)
				i++
			}
			if len(additions) == 0 {
				i++
				continue
			}
			var insertAt int
			if i < len(hunk) && hunk[i].kind == ' ' {
				afterAnchor := hunk[i].text
				pos := findLineByContent(fileLines, afterAnchor, searchFrom)
				if pos < 0 {
					return fmt.Errorf("after-context %q not found in %s", afterAnchor, targetFile)
				}
				insertAt = pos
			} else {
				beforeAnchor := ""
				for j := i - len(additions) - 1; j >= 0; j-- {
					if hunk[j].kind == ' ' {
						beforeAnchor = hunk[j].text
						break
					}
				}
				if beforeAnchor == "" {
					return fmt.Errorf("no context anchor found for hunk additions")
				}
				pos := findLineByContent(fileLines, beforeAnchor, searchFrom)
				if pos < 0 {
					return fmt.Errorf("before-context %q not found in %s", beforeAnchor, targetFile)
				}
				insertAt = pos + 1
			}
			newLines := make([]string, 0, len(fileLines)+len(additions))
			newLines = append(newLines, fileLines[:insertAt]...)
			newLines = append(newLines, additions...)
			newLines = append(newLines, fileLines[insertAt:]...)
			fileLines = newLines
			searchFrom = insertAt + len(additions)
		}
	}
	return os.WriteFile(filePath, []byte(strings.Join(fileLines, "\n")), 0o600)
}

func findLineByContent(lines []string, target string, startFrom int) int {
	t := strings.TrimRight(target, " \t")
	for i := startFrom; i < len(lines); i++ {
		if strings.TrimRight(lines[i], " \t") == t {
			return i
		}
	}
	return -1
}

// safeRepoJoin joins base and rel, refusing any result that would escape
// base — the patch's target-file header comes from agent-produced text, so
// it is treated as untrusted input.
func safeRepoJoin(base, rel string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolving repo root: %w", err)
	}
	joined := filepath.Join(absBase, filepath.Clean(rel))
	if joined != absBase && !strings.HasPrefix(joined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes repo root", rel)
	}
	return joined, nil
}

func injectToken(repoURL, token string) string {
	if token == "" || !strings.Contains(repoURL, "://") {
		return repoURL
	}
	parts := strings.SplitN(repoURL, "://", 2)
	return parts[0] + "://ralph:" + token + "@" + parts[1]
}

func runGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...) // #nosec G204 -- "git" is a literal; args are controlled by callers
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, string(out))
	}
	return nil
}

// currentHeadSHA returns the worktree's current commit SHA.
func currentHeadSHA(repoPath string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
