package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/3mdistal/ralph/internal/lease"
)

// surveySchema is the only envelope version the worker currently
// understands; a future schema bump would add a case, not replace this one.
const surveySchema = "ralph.dx_survey.v1"

// DXSurveyChild is one typed follow-up issue the survey agent proposes.
type DXSurveyChild struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// DXSurveyEnvelope is the parsed ralph.dx_survey.v1 payload.
type DXSurveyEnvelope struct {
	Schema      string          `json:"schema"`
	ParentTitle string          `json:"parent_title"`
	ParentBody  string          `json:"parent_body"`
	Children    []DXSurveyChild `json:"children"`
}

// parseDXSurvey extracts the envelope from raw agent output, trying direct
// parse, then a fenced ```json block, then the first balanced JSON object
// found in the text — in that order, per spec.md §4.8 step 6.
func parseDXSurvey(raw string) (DXSurveyEnvelope, error) {
	if env, err := tryParseEnvelope(raw); err == nil {
		return env, nil
	}
	if fenced, ok := extractFencedJSON(raw); ok {
		if env, err := tryParseEnvelope(fenced); err == nil {
			return env, nil
		}
	}
	if obj, ok := extractFirstJSONObject(raw); ok {
		if env, err := tryParseEnvelope(obj); err == nil {
			return env, nil
		}
	}
	return DXSurveyEnvelope{}, fmt.Errorf("no %s envelope found in survey output", surveySchema)
}

func tryParseEnvelope(text string) (DXSurveyEnvelope, error) {
	var env DXSurveyEnvelope
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &env); err != nil {
		return DXSurveyEnvelope{}, err
	}
	if env.Schema != surveySchema {
		return DXSurveyEnvelope{}, fmt.Errorf("unexpected schema %q", env.Schema)
	}
	return env, nil
}

func extractFencedJSON(raw string) (string, bool) {
	const fenceOpen = "```json"
	start := strings.Index(raw, fenceOpen)
	if start < 0 {
		return "", false
	}
	rest := raw[start+len(fenceOpen):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// extractFirstJSONObject finds the first balanced {...} span in raw,
// tolerating braces inside string literals.
func extractFirstJSONObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

// SurveyForge is the forge surface the survey step needs to file issues.
type SurveyForge interface {
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (int, string, error)
}

// fileDXSurvey files the parent issue followed by its typed children,
// recording an idempotency key per issue so a restart mid-filing never
// double-files. taskPath scopes the keys to this task's survey.
func fileDXSurvey(ctx context.Context, leases *lease.Registry, fg SurveyForge, owner, repoName, taskPath string, env DXSurveyEnvelope) error {
	parentKey := "survey-parent:" + taskPath
	parentNumber, err := fileOnce(ctx, leases, fg, parentKey, owner, repoName, env.ParentTitle, env.ParentBody, []string{"ralph:survey"})
	if err != nil {
		return fmt.Errorf("filing survey parent issue: %w", err)
	}

	for i, child := range env.Children {
		childKey := fmt.Sprintf("survey-child:%s:%d", taskPath, i)
		body := child.Body
		if parentNumber > 0 {
			body = fmt.Sprintf("%s\n\nParent: #%d", body, parentNumber)
		}
		labels := []string{"ralph:survey"}
		if child.Type != "" {
			labels = append(labels, "ralph:survey:"+child.Type)
		}
		if _, err := fileOnce(ctx, leases, fg, childKey, owner, repoName, child.Title, body, labels); err != nil {
			return fmt.Errorf("filing survey child %d (%s): %w", i, child.Type, err)
		}
	}
	return nil
}

type filedIssue struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

func fileOnce(ctx context.Context, leases *lease.Registry, fg SurveyForge, key, owner, repoName, title, body string, labels []string) (int, error) {
	var existing filedIssue
	found, err := leases.GetPayload(ctx, key, &existing)
	if err != nil {
		return 0, err
	}
	if found {
		return existing.Number, nil
	}

	claimed, err := leases.RecordKey(ctx, key, "survey", nil)
	if err != nil {
		return 0, err
	}
	if !claimed {
		// Another writer (or a concurrent retry of this same process) beat
		// us to it; re-read rather than re-file.
		found, err := leases.GetPayload(ctx, key, &existing)
		if err != nil || !found {
			return 0, fmt.Errorf("lease %q claimed but payload unreadable: %w", key, err)
		}
		return existing.Number, nil
	}

	number, url, err := fg.CreateIssue(ctx, owner, repoName, title, body, labels)
	if err != nil {
		return 0, err
	}
	if err := leases.UpsertKey(ctx, key, filedIssue{Number: number, URL: url}); err != nil {
		return 0, fmt.Errorf("recording filed issue on lease %q: %w", key, err)
	}
	return number, nil
}
