// Package scrub removes Git credentials from strings before they reach any
// log sink, error message, or persisted record. Every boundary that writes
// text derived from Git or GitHub operations must pass it through String.
package scrub

import "regexp"

const redacted = "[REDACTED]"

// tokenPatterns matches the credential shapes that can leak out of Git
// commands and GitHub API calls: classic and fine-grained personal access
// tokens, OAuth and installation tokens, and tokens embedded in HTTPS
// remote URLs as x-access-token credentials.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{16,255}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,255}`),
	regexp.MustCompile(`x-access-token:[^@\s]+@`),
	regexp.MustCompile(`https://[^:/\s]+:[^@\s]+@`),
}

// String returns s with every credential substring replaced by [REDACTED].
// URL-embedded credentials keep their scheme and trailing @ so the remainder
// of the URL stays readable.
func String(s string) string {
	for _, p := range tokenPatterns {
		switch p.String() {
		case `x-access-token:[^@\s]+@`:
			s = p.ReplaceAllString(s, "x-access-token:"+redacted+"@")
		case `https://[^:/\s]+:[^@\s]+@`:
			s = p.ReplaceAllString(s, "https://"+redacted+"@")
		default:
			s = p.ReplaceAllString(s, redacted)
		}
	}
	return s
}

// Error returns the scrubbed message of err, or "" for nil.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Map scrubs every string value of m in place and returns m.
func Map(m map[string]any) map[string]any {
	for k, v := range m {
		if s, ok := v.(string); ok {
			m[k] = String(s)
		}
	}
	return m
}

// Contains reports whether s still holds something that looks like a token.
// Used by tests and by the queue before persisting error messages.
func Contains(s string) bool {
	for _, p := range tokenPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
