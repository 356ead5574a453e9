// ABOUTME: Tests for the connection registry
// ABOUTME: Covers replace-on-reconnect, broadcast failure isolation, and no-op sends

package registry

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records sent envelopes and can be made to fail.
type fakeConn struct {
	mu     sync.Mutex
	sent   []*Envelope
	failOn string // envelope type that triggers a send error; "*" fails all
	closed bool
}

func (c *fakeConn) Send(env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn == "*" || c.failOn == env.Type {
		return errors.New("send failed")
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) envelopes() []*Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Envelope(nil), c.sent...)
}

func (c *fakeConn) types() []string {
	var out []string
	for _, env := range c.envelopes() {
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRegistry() *Registry {
	return New(slog.Default())
}

func TestConnect_SendsGreeting(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeConn{}

	r.Connect(PeerOperator, "op-1", conn)

	require.Len(t, conn.envelopes(), 1)
	assert.Equal(t, TypeConnected, conn.envelopes()[0].Type)
	assert.Equal(t, 1, r.OnlineCount())
}

func TestConnect_ReplacesExisting(t *testing.T) {
	r := newTestRegistry()
	first := &fakeConn{}
	second := &fakeConn{}

	r.Connect(PeerOperator, "op-1", first)
	r.Connect(PeerOperator, "op-1", second)

	// Single entry for the key, old handle closed
	assert.Equal(t, 1, r.OnlineCount())
	assert.True(t, first.isClosed())

	// Unicast reaches only the replacement
	r.SendToOperator("op-1", NewEnvelope(TypeEscalation, nil))
	assert.Equal(t, []string{TypeConnected}, first.types())
	assert.Equal(t, []string{TypeConnected, TypeEscalation}, second.types())
}

func TestDisconnect_Idempotent(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeConn{}

	r.Connect(PeerOperator, "op-1", conn)
	r.Disconnect(PeerOperator, "op-1")
	assert.Equal(t, 0, r.OnlineCount())
	assert.True(t, conn.isClosed())

	// Absent disconnect is a no-op
	r.Disconnect(PeerOperator, "op-1")
	assert.Equal(t, 0, r.OnlineCount())
}

func TestSendTo_AbsentIsNoOp(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeConn{}

	r.Connect(PeerOperator, "op-1", conn)
	r.Disconnect(PeerOperator, "op-1")

	// No panic, no delivery
	r.SendToOperator("op-1", NewEnvelope(TypeBotMessage, nil))
	assert.Equal(t, []string{TypeConnected}, conn.types())
}

func TestSendTo_FailureDisconnects(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeConn{failOn: TypeBotMessage}

	r.Connect(PeerUser, "sess-1", conn)
	r.SendToUser("sess-1", NewEnvelope(TypeBotMessage, nil))

	assert.True(t, conn.isClosed())

	// Entry is gone; further sends are no-ops
	r.SendToUser("sess-1", NewEnvelope(TypeBotMessage, nil))
	assert.Equal(t, []string{TypeConnected}, conn.types())
}

func TestBroadcast_FailureIsolation(t *testing.T) {
	r := newTestRegistry()

	good1 := &fakeConn{}
	bad := &fakeConn{failOn: TypeEscalation}
	good2 := &fakeConn{}

	r.Connect(PeerOperator, "op-1", good1)
	r.Connect(PeerOperator, "op-2", bad)
	r.Connect(PeerOperator, "op-3", good2)
	require.Equal(t, 3, r.OnlineCount())

	delivered := r.Broadcast(NewEnvelope(TypeEscalation, map[string]any{"session_id": "sess-1"}), nil)

	assert.Equal(t, 2, delivered)
	assert.Equal(t, 2, r.OnlineCount())
	assert.True(t, bad.isClosed())
	assert.Contains(t, good1.types(), TypeEscalation)
	assert.Contains(t, good2.types(), TypeEscalation)
}

func TestBroadcast_Exclude(t *testing.T) {
	r := newTestRegistry()
	a := &fakeConn{}
	b := &fakeConn{}

	r.Connect(PeerOperator, "op-1", a)
	r.Connect(PeerOperator, "op-2", b)

	delivered := r.Broadcast(NewEnvelope(TypeEscalation, nil), map[string]bool{"op-1": true})

	assert.Equal(t, 1, delivered)
	assert.NotContains(t, a.types(), TypeEscalation)
	assert.Contains(t, b.types(), TypeEscalation)
}

func TestOnlineOperators_Snapshot(t *testing.T) {
	r := newTestRegistry()
	r.Connect(PeerOperator, "op-1", &fakeConn{})
	r.Connect(PeerOperator, "op-2", &fakeConn{})
	r.Connect(PeerUser, "sess-1", &fakeConn{})

	ids := r.OnlineOperators()
	assert.ElementsMatch(t, []string{"op-1", "op-2"}, ids)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "op-1" // same key from all goroutines
			conn := &fakeConn{}
			r.Connect(PeerOperator, id, conn)
			r.Broadcast(NewEnvelope(TypeEscalation, nil), nil)
			r.SendToOperator(id, NewEnvelope(TypeBotMessage, nil))
			if i%2 == 0 {
				r.Disconnect(PeerOperator, id)
			}
		}(i)
	}
	wg.Wait()

	// At most one live entry for the key, whatever interleaving happened
	assert.LessOrEqual(t, r.OnlineCount(), 1)
}
