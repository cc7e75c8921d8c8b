// Package redact scrubs secrets and infrastructure details from text that
// leaves the process: promise error details persisted in the store, outcome
// events published to subscribers, log lines and HTTP error responses.
//
// Executors run arbitrary commands and model calls, so their error output may
// carry connection strings, API keys or bearer tokens. Everything recorded as
// a promise's error_detail goes through Detail first.
package redact

import (
	"regexp"
	"unicode/utf8"
)

// Placeholders substituted for redacted fragments.
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedTokenPlaceholder      = "[REDACTED_TOKEN]"
	RedactedEmailPlaceholder      = "[REDACTED_EMAIL]"
	RedactedSQLPlaceholder        = "[REDACTED_SQL]"
	RedactedHostPlaceholder       = "[REDACTED_HOST]"
)

// MaxDetailLength caps the number of runes Detail keeps.
const MaxDetailLength = 2048

const truncatedSuffix = " ...[truncated]"

type rule struct {
	re          *regexp.Regexp
	replacement string
}

// Order matters: URLs with credentials go first, tokens before keys.
var rules = []rule{
	{
		re:          regexp.MustCompile(`(?i)\b(postgres(?:ql)?|rediss?|mysql|mongodb(?:\+srv)?|amqps?|https?)://[^\s/@]+@`),
		replacement: "${1}://" + RedactedCredentialPlaceholder + "@",
	},
	{
		re:          regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`),
		replacement: "Bearer " + RedactedTokenPlaceholder,
	},
	{
		re:          regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
		replacement: RedactedTokenPlaceholder,
	},
	{
		re:          regexp.MustCompile(`(?i)\b(password|passwd|pwd)\s*[=:]\s*['"]?[^'"&\s]+['"]?`),
		replacement: RedactedCredentialPlaceholder,
	},
	{
		re:          regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?key|secret|token|auth)\s*[=:]\s*['"]?[A-Za-z0-9_\-.~+/]{8,}['"]?`),
		replacement: RedactedKeyPlaceholder,
	},
	{
		re:          regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`),
		replacement: RedactedKeyPlaceholder,
	},
	{
		re:          regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`),
		replacement: RedactedKeyPlaceholder,
	},
	{
		re:          regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}\b`),
		replacement: RedactedKeyPlaceholder,
	},
	{
		re:          regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		replacement: RedactedEmailPlaceholder,
	},
	{
		re:          regexp.MustCompile(`\b(SELECT\s[^;\n]*?\sFROM|INSERT\s+INTO|UPDATE\s+\w+\s+SET|DELETE\s+FROM)\s[^;\n]*`),
		replacement: RedactedSQLPlaceholder,
	},
	{
		re:          regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d{1,5})?\b`),
		replacement: RedactedHostPlaceholder,
	},
	{
		re:          regexp.MustCompile(`(?:/[\w.\-]+){3,}`),
		replacement: RedactedPathPlaceholder,
	},
	{
		re:          regexp.MustCompile(`[A-Za-z]:\\[^\\\s]+(\\[^\\\s]+)+`),
		replacement: RedactedPathPlaceholder,
	},
}

// String redacts sensitive fragments from s.
func String(s string) string {
	if s == "" {
		return s
	}

	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.replacement)
	}
	return s
}

// Error redacts err.Error(). A nil error yields "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Detail redacts err and caps the result at MaxDetailLength runes, ready to
// be stored as a promise's error detail.
func Detail(err error) string {
	return Truncate(Error(err), MaxDetailLength)
}

// Truncate shortens s to at most limit runes, marking the cut.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	keep := limit - utf8.RuneCountInString(truncatedSuffix)
	if keep < 0 {
		keep = 0
	}
	return string([]rune(s)[:keep]) + truncatedSuffix
}
