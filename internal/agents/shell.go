package agents

import (
	"regexp"
	"strings"
)

// ShellQuote wraps s in POSIX single quotes, escaping embedded single
// quotes so the result survives a further `bash -lc` wrapping.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ansiPattern matches terminal control sequences (CSI and OSC).
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*(\x07|\x1b\\)`)

// StripANSI removes terminal control sequences from raw CLI output.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// uuidPattern matches an RFC-style identifier, the only shape accepted
// as a session id scraped from free-form output.
var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsUUID reports whether s looks like an RFC 4122 identifier.
func IsUUID(s string) bool {
	return uuidPattern.MatchString(s)
}

// findUUIDPattern locates RFC-style identifiers inside larger text,
// used when scraping session listings.
var findUUIDPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// FindUUIDs returns every RFC-style identifier embedded in s, in order.
func FindUUIDs(s string) []string {
	return findUUIDPattern.FindAllString(s, -1)
}
