// ABOUTME: Store interface and data types for support-gateway persistence
// ABOUTME: Defines Session, SessionEvent, Operator structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrAlreadyAssigned is returned when a takeover targets a session that
// already has an assigned operator. The conditional assignment in
// AssignOperator is the linearization point for concurrent takeovers.
var ErrAlreadyAssigned = errors.New("session already assigned")

// Session status constants
const (
	SessionStatusActive    = "active"    // automated replies flow, no operator
	SessionStatusEscalated = "escalated" // flagged for human attention, unclaimed
	SessionStatusHuman     = "human"     // exactly one operator owns the session
)

// Operator status constants
const (
	OperatorStatusOnline  = "online"
	OperatorStatusOffline = "offline"
)

// Escalation status constants
const (
	EscalationStatusPending = "pending"
	EscalationStatusClaimed = "claimed"
)

// Session represents one ongoing conversation between an end user and the
// support system.
type Session struct {
	ID               string
	UserID           string
	Channel          string // e.g. "web"
	Status           string // "active", "escalated", "human"
	AssignedOperator *string
	EscalatedAt      *time.Time
	Category         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SessionEvent represents a single message within a session, for history
// and escalation excerpts.
type SessionEvent struct {
	ID        string
	SessionID string
	Sender    string // "user", "bot", or an operator id
	Content   string
	CreatedAt time.Time
}

// Operator represents a human support staff member.
type Operator struct {
	ID        string
	Name      string
	Status    string // "online", "offline"
	LastSeen  *time.Time
	CreatedAt time.Time
}

// Escalation is a persisted record of a session flagged for human attention,
// used to replay open escalations to operators that connect later.
type Escalation struct {
	ID        string
	SessionID string
	UserID    string
	Channel   string
	Category  string
	Reason    string
	Summary   string
	Status    string // "pending", "claimed"
	CreatedAt time.Time
}

// CostRecord captures the cost of one upstream LLM or embedding call.
type CostRecord struct {
	ID           string
	SessionID    string
	EventID      string
	Service      string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	CreatedAt    time.Time
}

// CostFilter narrows cost aggregation queries.
type CostFilter struct {
	Since *time.Time
	Until *time.Time
}

// CostStats is the aggregated result of a cost query.
type CostStats struct {
	TotalCostUSD  float64
	RecordCount   int64
	CostByService map[string]float64
}

// Store defines the interface for session, operator, and escalation persistence
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	SetSessionStatus(ctx context.Context, id, status string, escalatedAt *time.Time) error
	ListActiveSessions(ctx context.Context, limit int) ([]*Session, error)

	// AssignOperator atomically assigns an operator to a session and moves it
	// to the "human" status. Returns ErrNotFound for an unknown session and
	// ErrAlreadyAssigned if some operator already owns it. At most one call
	// per session ever succeeds.
	AssignOperator(ctx context.Context, sessionID, operatorID string) error

	// Session events (message history)
	SaveSessionEvent(ctx context.Context, event *SessionEvent) error
	GetSessionEvents(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error)

	// Operators
	UpsertOperator(ctx context.Context, op *Operator) error
	GetOperator(ctx context.Context, id string) (*Operator, error)
	ListOperators(ctx context.Context) ([]*Operator, error)
	SetOperatorStatus(ctx context.Context, id, status string) error

	// Escalations
	SaveEscalation(ctx context.Context, esc *Escalation) error
	ListPendingEscalations(ctx context.Context, limit int) ([]*Escalation, error)
	ClaimEscalation(ctx context.Context, sessionID, operatorID string) error

	// Close releases any resources held by the store
	Close() error
}

// CostStore defines methods for API cost tracking
type CostStore interface {
	SaveCost(ctx context.Context, record *CostRecord) error
	GetSessionCost(ctx context.Context, sessionID string) (float64, error)
	GetCostStats(ctx context.Context, filter CostFilter) (*CostStats, error)
}
