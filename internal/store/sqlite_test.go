// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers sessions, conditional operator assignment, events, operators, escalations

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestSession(t *testing.T, s Store, id string) *Session {
	t.Helper()
	now := time.Now().UTC()
	session := &Session{
		ID:        id,
		UserID:    "user-" + id,
		Channel:   "web",
		Status:    SessionStatusActive,
		Category:  "billing",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateSession(context.Background(), session))
	return session
}

func TestSessionCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := createTestSession(t, s, "sess-1")

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.UserID, got.UserID)
	assert.Equal(t, SessionStatusActive, got.Status)
	assert.Nil(t, got.AssignedOperator)
	assert.Nil(t, got.EscalatedAt)
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetSessionStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "sess-1")

	escalatedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SetSessionStatus(ctx, "sess-1", SessionStatusEscalated, &escalatedAt))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusEscalated, got.Status)
	require.NotNil(t, got.EscalatedAt)
	assert.True(t, got.EscalatedAt.Equal(escalatedAt))

	assert.ErrorIs(t, s.SetSessionStatus(ctx, "missing", SessionStatusEscalated, nil), ErrNotFound)
}

func TestAssignOperator(t *testing.T) {
	t.Run("assigns unowned session exactly once", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()
		createTestSession(t, s, "sess-1")

		require.NoError(t, s.AssignOperator(ctx, "sess-1", "op-1"))

		got, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, SessionStatusHuman, got.Status)
		require.NotNil(t, got.AssignedOperator)
		assert.Equal(t, "op-1", *got.AssignedOperator)

		// Second claim loses
		assert.ErrorIs(t, s.AssignOperator(ctx, "sess-1", "op-2"), ErrAlreadyAssigned)

		got, err = s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "op-1", *got.AssignedOperator)
	})

	t.Run("unknown session", func(t *testing.T) {
		s := newTestStore(t)
		assert.ErrorIs(t, s.AssignOperator(context.Background(), "missing", "op-1"), ErrNotFound)
	})

	t.Run("concurrent claims produce one winner", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()
		createTestSession(t, s, "sess-1")

		const claimers = 8
		var wg sync.WaitGroup
		errs := make([]error, claimers)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.AssignOperator(ctx, "sess-1", fmt.Sprintf("op-%d", i))
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, ErrAlreadyAssigned)
			}
		}
		assert.Equal(t, 1, wins)

		got, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		require.NotNil(t, got.AssignedOperator)
	})
}

func TestListActiveSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestSession(t, s, "sess-1")
	createTestSession(t, s, "sess-2")
	createTestSession(t, s, "sess-3")
	require.NoError(t, s.AssignOperator(ctx, "sess-2", "op-1"))

	sessions, err := s.ListActiveSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, sess := range sessions {
		assert.NotEqual(t, "sess-2", sess.ID)
	}
}

func TestSessionEvents_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "sess-1")

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 8; i++ {
		require.NoError(t, s.SaveSessionEvent(ctx, &SessionEvent{
			ID:        fmt.Sprintf("ev-%d", i),
			SessionID: "sess-1",
			Sender:    "user",
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := s.GetSessionEvents(ctx, "sess-1", 5)
	require.NoError(t, err)
	require.Len(t, events, 5)

	// Last five, chronological
	assert.Equal(t, "message 3", events[0].Content)
	assert.Equal(t, "message 7", events[4].Content)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].CreatedAt.Before(events[i-1].CreatedAt))
	}
}

func TestOperators(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	op := &Operator{ID: "op-1", Name: "Ana", Status: OperatorStatusOffline, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.UpsertOperator(ctx, op))

	// Upsert updates the name, keeps the record
	op.Name = "Ana M."
	require.NoError(t, s.UpsertOperator(ctx, op))

	got, err := s.GetOperator(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana M.", got.Name)
	assert.Equal(t, OperatorStatusOffline, got.Status)

	require.NoError(t, s.SetOperatorStatus(ctx, "op-1", OperatorStatusOnline))
	got, err = s.GetOperator(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, OperatorStatusOnline, got.Status)
	assert.NotNil(t, got.LastSeen)

	assert.ErrorIs(t, s.SetOperatorStatus(ctx, "missing", OperatorStatusOnline), ErrNotFound)

	ops, err := s.ListOperators(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestEscalations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createTestSession(t, s, "sess-1")
	createTestSession(t, s, "sess-2")

	for i, sessID := range []string{"sess-1", "sess-2"} {
		require.NoError(t, s.SaveEscalation(ctx, &Escalation{
			ID:        fmt.Sprintf("esc-%d", i),
			SessionID: sessID,
			UserID:    "user-" + sessID,
			Channel:   "web",
			Reason:    "needs human",
			Status:    EscalationStatusPending,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	pending, err := s.ListPendingEscalations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "esc-0", pending[0].ID) // oldest first

	require.NoError(t, s.ClaimEscalation(ctx, "sess-1", "op-1"))

	pending, err = s.ListPendingEscalations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sess-2", pending[0].SessionID)
}

func TestCostRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []*CostRecord{
		{ID: "c-1", SessionID: "sess-1", EventID: "ev-1", Service: "openai-chat", Model: "gpt-4o-mini", InputTokens: 500, OutputTokens: 200, CostUSD: 0.002, CreatedAt: time.Now().UTC()},
		{ID: "c-2", SessionID: "sess-1", EventID: "ev-2", Service: "openai-embedding", Model: "text-embedding-3-small", InputTokens: 300, CostUSD: 0.0001, CreatedAt: time.Now().UTC()},
		{ID: "c-3", SessionID: "sess-2", EventID: "ev-3", Service: "openai-chat", Model: "gpt-4o-mini", InputTokens: 100, OutputTokens: 50, CostUSD: 0.001, CreatedAt: time.Now().UTC()},
	}
	for _, r := range records {
		require.NoError(t, s.SaveCost(ctx, r))
	}

	total, err := s.GetSessionCost(ctx, "sess-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.0021, total, 1e-9)

	stats, err := s.GetCostStats(ctx, CostFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.RecordCount)
	assert.InDelta(t, 0.0031, stats.TotalCostUSD, 1e-9)
	assert.InDelta(t, 0.003, stats.CostByService["openai-chat"], 1e-9)

	// Time filter excludes everything
	future := time.Now().UTC().Add(time.Hour)
	stats, err = s.GetCostStats(ctx, CostFilter{Since: &future})
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.RecordCount)
}
