package watchdog

import (
	"regexp"
	"strings"
)

// secretPatterns matches forge bearer-token shapes that must never reach an
// issue comment. ghp_/gho_/ghu_/ghs_/ghr_ cover GitHub's classic and scoped
// PAT prefixes; github_pat_ covers the fine-grained token format.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
}

// RedactSecrets replaces any recognized token pattern in s with a
// <prefix>_[REDACTED] marker, so watchdog writeback comments never leak a
// forge credential that happened to appear in a tool's recent arguments.
func RedactSecrets(s string) string {
	for _, pat := range secretPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			prefix := match
			if idx := strings.IndexByte(match, '_'); idx >= 0 {
				prefix = match[:idx]
			}
			return prefix + "_[REDACTED]"
		})
	}
	return s
}
