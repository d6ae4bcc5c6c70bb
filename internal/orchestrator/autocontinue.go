package orchestrator

import (
	"regexp"
	"strings"
)

// Interrogative endings that signal the model paused to ask permission
// instead of finishing the work. Offers phrased without a question mark
// ("if you'd like") count too.
var interrogativePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwant me to\b[^.]*\?`),
	regexp.MustCompile(`(?i)\bif you('|’)d like\b`),
	regexp.MustCompile(`(?i)\bif you (would )?like\b`),
	regexp.MustCompile(`(?i)\bif you want\b`),
	regexp.MustCompile(`(?i)\bwould you like( me)? to\b[^.]*\?`),
	regexp.MustCompile(`(?i)\bshall i\b[^.]*\?`),
	regexp.MustCompile(`(?i)\bshould i\b[^.]*\?`),
	regexp.MustCompile(`(?i)\bcontinue\?`),
	regexp.MustCompile(`(?i)\bproceed\?`),
	regexp.MustCompile(`(?i)\bready to proceed\b`),
	regexp.MustCompile(`(?i)\blet me know if\b`),
	regexp.MustCompile(`(?i)\bdo you want\b[^.]*\?`),
	regexp.MustCompile(`(?i)\bis that ok(ay)?\?`),
}

// looksInterrogative checks the tail of the reply for a permission question.
func looksInterrogative(text string) bool {
	tail := strings.TrimSpace(text)
	if len(tail) > 200 {
		tail = tail[len(tail)-200:]
	}
	if tail == "" {
		return false
	}
	for _, pat := range interrogativePatterns {
		if pat.MatchString(tail) {
			return true
		}
	}
	return false
}
