// Package session classifies session identifiers into storage namespaces.
package session

import "strings"

// Class partitions sessions into storage namespaces. Tenant-scoped user
// sessions and shared bot sessions must never share credential tables.
type Class int

const (
	// ClassBot covers fixed-name shared sessions ("main-session", "support").
	ClassBot Class = iota
	// ClassUser covers tenant-scoped sessions of the form "user-<tenantID>".
	ClassUser
)

const userPrefix = "user-"

// Classify maps a session identifier to its class. Pure and total: any id
// that is not a well-formed tenant id is a bot session. The result is
// computed once at session creation and carried on the record, not
// re-derived at every storage call.
func Classify(sessionID string) Class {
	if strings.HasPrefix(sessionID, userPrefix) && len(sessionID) > len(userPrefix) {
		return ClassUser
	}
	return ClassBot
}

// TenantID extracts the tenant identifier from a user-class session id.
func TenantID(sessionID string) (string, bool) {
	if Classify(sessionID) != ClassUser {
		return "", false
	}
	return strings.TrimPrefix(sessionID, userPrefix), true
}

func (c Class) String() string {
	if c == ClassUser {
		return "user"
	}
	return "bot"
}
