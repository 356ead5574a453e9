// ABOUTME: Websocket endpoints for operator consoles and end-user chat widgets
// ABOUTME: Adapts gorilla/websocket connections to the registry Conn interface

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/registry"
	"github.com/2389/support-gateway/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The widget and console are served from other origins; token auth
	// guards the operator endpoint instead.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket to the registry Conn interface. Writes are
// serialized by a mutex since gorilla/websocket allows only one concurrent
// writer, and bounded by a deadline so a dead peer fails fast instead of
// blocking a broadcast.
type wsConn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *wsConn) Send(env *registry.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// inboundFrame is the only client-to-server frame shape. "ping" is the sole
// meaningful type; everything else is ignored.
type inboundFrame struct {
	Type string `json:"type"`
}

// handleOperatorWS serves GET /ws/operator/{id}. The handshake authenticates
// via a "token" query parameter because browsers cannot set headers on
// websocket upgrades. The operator ID in the path must match the token.
func (g *Gateway) handleOperatorWS(w http.ResponseWriter, r *http.Request) {
	operatorID := r.PathValue("id")

	opCtx, err := auth.Authenticate(r.Context(), g.store, g.verifier, r.URL.Query().Get("token"))
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if opCtx.OperatorID != operatorID {
		g.sendJSONError(w, http.StatusForbidden, "operator identity mismatch")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "operator_id", operatorID, "error", err)
		return
	}

	conn := newWSConn(ws, g.writeTimeout)
	g.registry.Connect(registry.PeerOperator, operatorID, conn)

	if err := g.store.SetOperatorStatus(r.Context(), operatorID, store.OperatorStatusOnline); err != nil {
		g.logger.Warn("failed to mark operator online", "operator_id", operatorID, "error", err)
	}

	// Catch the operator up on escalations that happened while offline
	if err := g.coord.ReplayPendingEscalations(r.Context(), operatorID); err != nil {
		g.logger.Warn("escalation replay failed", "operator_id", operatorID, "error", err)
	}

	// Cleanup runs on every exit path of the read loop. The registry drops
	// this connection only if it has not been replaced by a reconnect; the
	// operator goes offline only when no connection of theirs remains.
	defer func() {
		g.registry.DisconnectConn(registry.PeerOperator, operatorID, conn)
		if !g.registry.Has(registry.PeerOperator, operatorID) {
			if err := g.store.SetOperatorStatus(context.Background(), operatorID, store.OperatorStatusOffline); err != nil {
				g.logger.Warn("failed to mark operator offline", "operator_id", operatorID, "error", err)
			}
		}
	}()

	g.readLoop(ws, conn, g.logger.With("operator_id", operatorID))
}

// handleUserWS serves GET /ws/chat/{sessionID}. Unauthenticated: the session
// ID is an unguessable identifier minted by the widget. Inbound user
// messages travel over the HTTP webhook, not this socket; the socket exists
// to push bot and status envelopes to the browser.
func (g *Gateway) handleUserWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session id is required")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	conn := newWSConn(ws, g.writeTimeout)
	g.registry.Connect(registry.PeerUser, sessionID, conn)

	defer g.registry.DisconnectConn(registry.PeerUser, sessionID, conn)

	g.readLoop(ws, conn, g.logger.With("session_id", sessionID))
}

// readLoop blocks reading inbound frames until the connection dies. Pings
// get a pong; any other frame is ignored.
func (g *Gateway) readLoop(ws *websocket.Conn, conn *wsConn, logger *slog.Logger) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		if frame.Type == registry.PingFrame {
			if err := conn.Send(registry.NewEnvelope(registry.TypePong, nil)); err != nil {
				return
			}
		}
	}
}
