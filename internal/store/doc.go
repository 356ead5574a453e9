// Package store provides persistence for sessions, session events,
// operators, escalations, and API cost records.
//
// The Store interface abstracts the backend. SQLiteStore is the production
// implementation; MockStore is an in-memory implementation for tests.
//
// AssignOperator is the linearization point for operator takeover: the
// conditional UPDATE guarantees that at most one operator is ever assigned
// to a session, regardless of how many takeovers race.
package store
