// ABOUTME: Manages live operator and user connections, handles registration and routing.
// ABOUTME: Central mutex-guarded owner of the connection maps and the online-operator set.

package registry

import (
	"log/slog"
	"sync"
)

// PeerKind distinguishes the two sides of a support conversation.
type PeerKind int

const (
	// PeerOperator is a human support operator console.
	PeerOperator PeerKind = iota
	// PeerUser is an end-user chat connection, keyed by session ID.
	PeerUser
)

func (k PeerKind) String() string {
	if k == PeerOperator {
		return "operator"
	}
	return "user"
}

// Conn is a live outbound channel to one remote peer. Implementations must
// be safe for concurrent Send calls.
type Conn interface {
	Send(env *Envelope) error
	Close() error
}

// Registry holds the authoritative set of live connections. All access to
// the maps goes through the mutex; no caller ever sees the raw maps.
//
// At most one live connection exists per (kind, id) at any time. A new
// connect for an already-present id replaces the previous entry; the old
// connection is closed and dropped.
type Registry struct {
	mu        sync.RWMutex
	operators map[string]Conn
	users     map[string]Conn // keyed by session ID
	logger    *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		operators: make(map[string]Conn),
		users:     make(map[string]Conn),
		logger:    logger.With("component", "registry"),
	}
}

// Connect registers conn under id, replacing any prior connection for that
// (kind, id). The superseded connection is closed; close errors are ignored
// since the old handle may already be dead. A "connected" envelope is sent
// to the new connection. Connect never fails: a send error on the greeting
// is treated like any other dead connection and cleaned up on next use.
func (r *Registry) Connect(kind PeerKind, id string, conn Conn) {
	r.mu.Lock()
	m := r.peers(kind)
	if old, exists := m[id]; exists {
		_ = old.Close()
		r.logger.Info("connection replaced", "kind", kind.String(), "id", id)
	}
	m[id] = conn
	total := len(m)
	r.mu.Unlock()

	r.logger.Info("peer connected", "kind", kind.String(), "id", id, "total", total)

	if err := conn.Send(NewEnvelope(TypeConnected, map[string]any{"id": id})); err != nil {
		r.logger.Warn("greeting send failed, dropping connection",
			"kind", kind.String(), "id", id, "error", err)
		r.removeIfCurrent(kind, id, conn)
	}
}

// Disconnect removes the entry for (kind, id) and closes its connection.
// Idempotent: disconnecting an absent id is a no-op.
func (r *Registry) Disconnect(kind PeerKind, id string) {
	r.mu.Lock()
	m := r.peers(kind)
	conn, exists := m[id]
	if exists {
		delete(m, id)
	}
	total := len(m)
	r.mu.Unlock()

	if !exists {
		return
	}
	_ = conn.Close()
	r.logger.Info("peer disconnected", "kind", kind.String(), "id", id, "total", total)
}

// DisconnectConn removes (kind, id) only if it still maps to conn. Read
// loops use this on exit so a connection that was already replaced does not
// tear down its replacement.
func (r *Registry) DisconnectConn(kind PeerKind, id string, conn Conn) {
	r.removeIfCurrent(kind, id, conn)
}

// Has reports whether a live connection exists for (kind, id).
func (r *Registry) Has(kind PeerKind, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.peers(kind)[id]
	return exists
}

// SendToOperator unicasts an envelope to one operator. Absent operators are
// a silent no-op. A failed send disconnects that operator. Reports whether
// the envelope was delivered; callers must not treat false as an error.
func (r *Registry) SendToOperator(id string, env *Envelope) bool {
	return r.sendTo(PeerOperator, id, env)
}

// SendToUser unicasts an envelope to the user connection for a session.
// Absent sessions are a silent no-op. A failed send disconnects that entry.
func (r *Registry) SendToUser(sessionID string, env *Envelope) bool {
	return r.sendTo(PeerUser, sessionID, env)
}

func (r *Registry) sendTo(kind PeerKind, id string, env *Envelope) bool {
	r.mu.RLock()
	conn, exists := r.peers(kind)[id]
	r.mu.RUnlock()

	if !exists {
		return false
	}

	if err := conn.Send(env); err != nil {
		r.logger.Warn("send failed, dropping connection",
			"kind", kind.String(), "id", id, "type", env.Type, "error", err)
		r.removeIfCurrent(kind, id, conn)
		return false
	}
	return true
}

// removeIfCurrent drops the entry for (kind, id) only if it still holds the
// given connection. A replacement that raced in keeps its slot.
func (r *Registry) removeIfCurrent(kind PeerKind, id string, conn Conn) {
	r.mu.Lock()
	m := r.peers(kind)
	current, exists := m[id]
	if exists && current == conn {
		delete(m, id)
	} else {
		exists = false
	}
	r.mu.Unlock()

	if exists {
		_ = conn.Close()
		r.logger.Info("peer disconnected", "kind", kind.String(), "id", id)
	}
}

// Broadcast sends an envelope to every online operator not in exclude.
// The recipient list is snapshotted under the read lock, then sends happen
// outside it so one slow peer cannot stall the registry. A failed send
// disconnects only that operator; delivery to the rest continues.
// Returns the number of operators the envelope was delivered to.
func (r *Registry) Broadcast(env *Envelope, exclude map[string]bool) int {
	r.mu.RLock()
	recipients := make(map[string]Conn, len(r.operators))
	for id, conn := range r.operators {
		if exclude[id] {
			continue
		}
		recipients[id] = conn
	}
	r.mu.RUnlock()

	delivered := 0
	for id, conn := range recipients {
		if err := conn.Send(env); err != nil {
			r.logger.Warn("broadcast send failed, dropping operator",
				"operator_id", id, "type", env.Type, "error", err)
			r.removeIfCurrent(PeerOperator, id, conn)
			continue
		}
		delivered++
	}

	r.logger.Debug("broadcast complete", "type", env.Type, "delivered", delivered)
	return delivered
}

// OnlineCount returns the current number of connected operators.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.operators)
}

// OnlineOperators returns a snapshot of connected operator IDs.
func (r *Registry) OnlineOperators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.operators))
	for id := range r.operators {
		ids = append(ids, id)
	}
	return ids
}

// peers returns the map for a kind. Caller must hold the mutex.
func (r *Registry) peers(kind PeerKind) map[string]Conn {
	if kind == PeerOperator {
		return r.operators
	}
	return r.users
}
