// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session        // keyed by session ID
	events      map[string][]*SessionEvent // keyed by session ID
	operators   map[string]*Operator       // keyed by operator ID
	escalations map[string]*Escalation     // keyed by escalation ID
	costs       map[string]*CostRecord     // keyed by record ID

	// FailAssign simulates an unreachable storage backend for AssignOperator.
	FailAssign error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions:    make(map[string]*Session),
		events:      make(map[string][]*SessionEvent),
		operators:   make(map[string]*Operator),
		escalations: make(map[string]*Escalation),
		costs:       make(map[string]*CostRecord),
	}
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to avoid external modification
	s := *session
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	result := *s
	return &result, nil
}

// SetSessionStatus updates a session's status.
func (m *MockStore) SetSessionStatus(ctx context.Context, id, status string, escalatedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	if escalatedAt != nil {
		t := *escalatedAt
		s.EscalatedAt = &t
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// AssignOperator performs the conditional takeover assignment.
func (m *MockStore) AssignOperator(ctx context.Context, sessionID, operatorID string) error {
	if m.FailAssign != nil {
		return m.FailAssign
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.AssignedOperator != nil {
		return ErrAlreadyAssigned
	}

	op := operatorID
	s.AssignedOperator = &op
	s.Status = SessionStatusHuman
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// ListActiveSessions returns unowned sessions, most recently updated first.
func (m *MockStore) ListActiveSessions(ctx context.Context, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var sessions []*Session
	for _, s := range m.sessions {
		if s.Status == SessionStatusActive || s.Status == SessionStatusEscalated {
			result := *s
			sessions = append(sessions, &result)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// SaveSessionEvent appends a message event.
func (m *MockStore) SaveSessionEvent(ctx context.Context, event *SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev := *event
	m.events[ev.SessionID] = append(m.events[ev.SessionID], &ev)
	return nil
}

// GetSessionEvents returns the most recent events in chronological order.
func (m *MockStore) GetSessionEvents(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	all := m.events[sessionID]
	start := 0
	if len(all) > limit {
		start = len(all) - limit
	}

	events := make([]*SessionEvent, 0, len(all)-start)
	for _, ev := range all[start:] {
		result := *ev
		events = append(events, &result)
	}
	return events, nil
}

// UpsertOperator creates or updates an operator record.
func (m *MockStore) UpsertOperator(ctx context.Context, op *Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.operators[op.ID]; ok {
		existing.Name = op.Name
		return nil
	}
	o := *op
	m.operators[o.ID] = &o
	return nil
}

// GetOperator retrieves an operator by ID.
func (m *MockStore) GetOperator(ctx context.Context, id string) (*Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.operators[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *op
	return &result, nil
}

// ListOperators returns all operators ordered by name.
func (m *MockStore) ListOperators(ctx context.Context) ([]*Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ops := make([]*Operator, 0, len(m.operators))
	for _, op := range m.operators {
		result := *op
		ops = append(ops, &result)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Name < ops[j].Name })
	return ops, nil
}

// SetOperatorStatus records an operator status change.
func (m *MockStore) SetOperatorStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operators[id]
	if !ok {
		return ErrNotFound
	}
	op.Status = status
	now := time.Now().UTC()
	op.LastSeen = &now
	return nil
}

// SaveEscalation stores an escalation record.
func (m *MockStore) SaveEscalation(ctx context.Context, esc *Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *esc
	m.escalations[e.ID] = &e
	return nil
}

// ListPendingEscalations returns unclaimed escalations, oldest first.
func (m *MockStore) ListPendingEscalations(ctx context.Context, limit int) ([]*Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var escs []*Escalation
	for _, e := range m.escalations {
		if e.Status == EscalationStatusPending {
			result := *e
			escs = append(escs, &result)
		}
	}
	sort.Slice(escs, func(i, j int) bool { return escs[i].CreatedAt.Before(escs[j].CreatedAt) })
	if len(escs) > limit {
		escs = escs[:limit]
	}
	return escs, nil
}

// ClaimEscalation marks all pending escalations for a session as claimed.
func (m *MockStore) ClaimEscalation(ctx context.Context, sessionID, operatorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.escalations {
		if e.SessionID == sessionID && e.Status == EscalationStatusPending {
			e.Status = EscalationStatusClaimed
		}
	}
	return nil
}

// SaveCost stores a cost record.
func (m *MockStore) SaveCost(ctx context.Context, record *CostRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := *record
	m.costs[r.ID] = &r
	return nil
}

// GetSessionCost returns the total cost for a session.
func (m *MockStore) GetSessionCost(ctx context.Context, sessionID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total float64
	for _, r := range m.costs {
		if r.SessionID == sessionID {
			total += r.CostUSD
		}
	}
	return total, nil
}

// GetCostStats returns aggregated cost statistics.
func (m *MockStore) GetCostStats(ctx context.Context, filter CostFilter) (*CostStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &CostStats{CostByService: make(map[string]float64)}
	for _, r := range m.costs {
		if filter.Since != nil && r.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !r.CreatedAt.Before(*filter.Until) {
			continue
		}
		stats.CostByService[r.Service] += r.CostUSD
		stats.TotalCostUSD += r.CostUSD
		stats.RecordCount++
	}
	return stats, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements the interfaces.
var (
	_ Store     = (*MockStore)(nil)
	_ CostStore = (*MockStore)(nil)
)
