package web

import (
	"regexp"
	"strings"
)

// Validation patterns for user input.
var (
	// idPattern requires an alphanumeric first character, which rejects
	// --flag injection. Bead ids, message ids, and project ids all start
	// with [a-zA-Z0-9].
	idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
	// agentIDPattern additionally allows '/' for scoped identities
	// (rig/worker) but still rejects leading '-' and control characters.
	agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/@-]*$`)
)

// isValidID checks if a string is a safe identifier.
func isValidID(s string) bool {
	return len(s) > 0 && len(s) <= 200 && idPattern.MatchString(s)
}

// isValidAgentID checks if a string is a safe agent identity.
func isValidAgentID(s string) bool {
	return len(s) > 0 && len(s) <= 200 && agentIDPattern.MatchString(s)
}

// isValidPriority checks the 0..4 priority range.
func isValidPriority(p int) bool {
	return p >= 0 && p <= 4
}

// isSafeText rejects control characters (other than whitespace) in
// operator-supplied text fields.
func isSafeText(s string) bool {
	for _, r := range s {
		if r == '\n' || r == '\t' || r == '\r' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// normalizeAddress strips the insignificant trailing slash from an identity.
func normalizeAddress(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), "/")
}
