package outbox

import (
	"regexp"
	"strings"
)

const (
	maxLastErrorRunes = 1024
	truncatedSuffix   = "...(truncated)"
	redacted          = "[REDACTED]"
)

type redaction struct {
	re   *regexp.Regexp
	repl string
}

var redactions = []redaction{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`), `$1:` + redacted + `@`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`), "Bearer " + redacted},
	{regexp.MustCompile(`(?i)\b(api[-_]?key|token|password|secret)\s*[:=]\s*([^\s,;&]+)`), `$1=` + redacted},
	{regexp.MustCompile(`(?i)([?&](?:token|api[_-]?key|sig|signature)=)([^&\s]+)`), `$1` + redacted},
	{regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`), redacted},
}

// SanitizeError redacts credentials and emails from msg and bounds its length
// before it is written to last_error.
func SanitizeError(msg string) string {
	out := strings.TrimSpace(msg)
	for _, r := range redactions {
		out = r.re.ReplaceAllString(out, r.repl)
	}

	runes := []rune(out)
	if len(runes) <= maxLastErrorRunes {
		return out
	}
	return string(runes[:maxLastErrorRunes-len([]rune(truncatedSuffix))]) + truncatedSuffix
}
