// Package coordinator drives the escalation, takeover, and message delivery
// lifecycle for support sessions.
//
// The coordinator is the policy layer; the registry is the mechanism layer.
// Session state lives in storage and is read fresh per request. Takeover is
// serialized per session by the conditional assignment in the store, so
// concurrent takeovers for one session resolve to exactly one winner while
// different sessions proceed in parallel.
package coordinator
