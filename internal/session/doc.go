// Package session tracks live agent connections.
//
// # Overview
//
// A Session is one live connection: identity, activity clocks, and a
// buffered send channel drained by the registry's write loop. The
// Registry maps ai_id to its single current session and enforces the
// one-session-per-agent rule: registering a new session supersedes and
// closes the previous one.
//
// # Activity Clocks
//
// Sessions carry two activity clocks. TouchFrame records stream traffic
// and TouchStore records API writes; activity on either channel clears
// an outstanding liveness challenge. The effective last-activity is the
// later of the two.
//
// # States
//
//   - active: normal operation
//   - challenged: an activity_verification has been sent and not answered
//   - sleeping: the agent declared a quiet period; eviction is deferred
//     until the sleep deadline
//
// # Eviction
//
// Evict removes the registry entry only when the evicted pointer is still
// the current one, so late cleanup of a superseded session never touches
// its replacement. The OnEvict hook fires exactly once per session.
package session
