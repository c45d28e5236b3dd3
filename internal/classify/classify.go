// Package classify turns an approver's reply into an approval verdict.
// Classification is a pure function of the reply text and subject; it never
// guesses when the wording is ambiguous.
package classify

import (
	"regexp"
	"strings"

	"github.com/nhle/email-approver/internal/model"
)

// Result is the outcome of classifying a single reply.
type Result struct {
	Verdict model.Verdict
	// Token is the correlation token recovered from the reply, or empty
	// when none was found (in which case Verdict is always unrecognized).
	Token string
}

// approveMarkers and rejectMarkers are matched against the first non-quoted
// line of the reply body. A line matching both classes is ambiguous and
// yields no verdict.
var (
	approveMarkers = []string{
		"approved", "approve", "yes", "ok", "go ahead", "confirmed", "confirm",
	}
	rejectMarkers = []string{
		"rejected", "reject", "no", "denied", "deny", "cancel",
	}
)

// tokenPattern matches a bracketed correlation token, with or without the
// "ID:" label used in outbound approval-request subjects, e.g.
// "[ID: TKN-1A2B]" or "[TKN-123]".
var tokenPattern = regexp.MustCompile(`\[(?:ID:\s*)?([A-Za-z0-9][A-Za-z0-9._-]{2,})\]`)

// Classify inspects a reply's body and subject and yields a verdict plus the
// correlated token. The token is looked for in the subject first, then in
// the quoted portion of the body (replies are assumed to quote the original
// approval request). Without a token the reply cannot be correlated, so the
// verdict is unrecognized regardless of wording.
func Classify(body, subject string) Result {
	token := extractToken(subject)
	if token == "" {
		token = extractToken(quotedLines(body))
	}
	if token == "" {
		return Result{Verdict: model.VerdictUnrecognized}
	}

	line := firstUnquotedLine(body)
	approve := matchesAny(line, approveMarkers)
	reject := matchesAny(line, rejectMarkers)

	switch {
	case approve && reject:
		// Ambiguous wording; fail safe rather than guess.
		return Result{Verdict: model.VerdictUnrecognized, Token: token}
	case approve:
		return Result{Verdict: model.VerdictApprove, Token: token}
	case reject:
		return Result{Verdict: model.VerdictReject, Token: token}
	default:
		return Result{Verdict: model.VerdictUnrecognized, Token: token}
	}
}

// extractToken returns the first bracketed token found in s, or "".
func extractToken(s string) string {
	m := tokenPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

// firstUnquotedLine returns the first non-empty body line that is not part
// of the quoted original message.
func firstUnquotedLine(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ">") {
			continue
		}
		// Mail clients introduce the quote with a line like
		// "On Mon, Jan 2 ... wrote:".
		if strings.HasPrefix(trimmed, "On ") && strings.HasSuffix(trimmed, "wrote:") {
			return ""
		}
		return trimmed
	}
	return ""
}

// quotedLines returns only the quoted portion of the body, which carries the
// original approval-request text and therefore the token.
func quotedLines(body string) string {
	var quoted []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			quoted = append(quoted, line)
		}
	}
	return strings.Join(quoted, "\n")
}

// matchesAny reports whether any marker occurs in line as a whole word.
// Word-boundary matching keeps "no" from firing inside "notes".
func matchesAny(line string, markers []string) bool {
	lower := strings.ToLower(line)
	for _, marker := range markers {
		if containsWord(lower, marker) {
			return true
		}
	}
	return false
}

func containsWord(s, word string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		if (start == 0 || !isWordChar(s[start-1])) &&
			(end == len(s) || !isWordChar(s[end])) {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
