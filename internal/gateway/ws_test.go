// ABOUTME: Tests for the websocket endpoints
// ABOUTME: Dials real websocket connections against an httptest server

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/registry"
	"github.com/2389/support-gateway/internal/store"
)

// wsURL converts an httptest server URL to a ws:// URL with the given path.
func wsURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// readEnvelope reads one envelope off a websocket with a deadline.
func readEnvelope(t *testing.T, ws *websocket.Conn) *registry.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var env registry.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return &env
}

func dialOperator(t *testing.T, f *apiFixture, operatorID, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(
		wsURL(f.server.URL, "/ws/operator/"+operatorID+"?token="+token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestOperatorWS_ConnectAndStatus(t *testing.T) {
	f := newAPIFixture(t, testConfig())

	ws := dialOperator(t, f, "op-1", f.token)

	env := readEnvelope(t, ws)
	assert.Equal(t, registry.TypeConnected, env.Type)
	assert.Equal(t, "op-1", env.Payload["id"])

	// Operator marked online in the status sink
	require.Eventually(t, func() bool {
		op, err := f.store.GetOperator(context.Background(), "op-1")
		return err == nil && op.Status == store.OperatorStatusOnline
	}, 2*time.Second, 10*time.Millisecond)

	// Close and wait for the offline transition
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		op, err := f.store.GetOperator(context.Background(), "op-1")
		return err == nil && op.Status == store.OperatorStatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOperatorWS_AuthRequired(t *testing.T) {
	f := newAPIFixture(t, testConfig())

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.server.URL, "/ws/operator/op-1?token=garbage"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid token for op-1 cannot open op-2's socket
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(f.server.URL, "/ws/operator/op-2?token="+f.token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOperatorWS_PingPong(t *testing.T) {
	f := newAPIFixture(t, testConfig())

	ws := dialOperator(t, f, "op-1", f.token)
	_ = readEnvelope(t, ws) // connected

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	env := readEnvelope(t, ws)
	assert.Equal(t, registry.TypePong, env.Type)
}

func TestOperatorWS_ReceivesEscalationBroadcast(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	f.addSession(t, "sess-1")

	ws := dialOperator(t, f, "op-1", f.token)
	_ = readEnvelope(t, ws) // connected

	status, body := f.doJSON(t, http.MethodPost, "/escalations", "", map[string]any{
		"session_id": "sess-1",
		"user_id":    "user-sess-1",
		"channel":    "web",
		"category":   "billing",
		"reason":     "angry customer",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["operators_notified"])

	env := readEnvelope(t, ws)
	assert.Equal(t, registry.TypeEscalation, env.Type)
	assert.Equal(t, "sess-1", env.Payload["session_id"])
	assert.Equal(t, "angry customer", env.Payload["reason"])
}

func TestOperatorWS_ReplaysPendingEscalations(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	f.addSession(t, "sess-1")

	// Escalation happens before any operator is connected
	status, body := f.doJSON(t, http.MethodPost, "/escalations", "", map[string]any{
		"session_id": "sess-1", "user_id": "user-sess-1", "channel": "web",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["operators_notified"])

	// Operator connects later and gets the replay
	ws := dialOperator(t, f, "op-1", f.token)
	env := readEnvelope(t, ws)
	assert.Equal(t, registry.TypeConnected, env.Type)

	env = readEnvelope(t, ws)
	assert.Equal(t, registry.TypeEscalation, env.Type)
	assert.Equal(t, "sess-1", env.Payload["session_id"])
}

func TestUserWS_ReceivesBotMessagesInOrder(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	f.addSession(t, "sess-1")

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(f.server.URL, "/ws/chat/sess-1"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	env := readEnvelope(t, ws)
	assert.Equal(t, registry.TypeConnected, env.Type)

	for _, msg := range []string{"first", "second"} {
		status, body := f.doJSON(t, http.MethodPost, "/bot-message", "", map[string]any{
			"session_id": "sess-1", "message": msg,
		})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, body["delivered"])
	}

	env = readEnvelope(t, ws)
	assert.Equal(t, registry.TypeBotMessage, env.Type)
	assert.Equal(t, "first", env.Payload["content"])

	env = readEnvelope(t, ws)
	assert.Equal(t, "second", env.Payload["content"])
}

func TestUserWS_TakeoverSuccessGoesToClaimingOperator(t *testing.T) {
	f := newAPIFixture(t, testConfig())
	f.addSession(t, "sess-1")

	ws := dialOperator(t, f, "op-1", f.token)
	_ = readEnvelope(t, ws) // connected

	status, _ := f.doJSON(t, http.MethodPost, "/human-takeover", f.token, map[string]any{
		"session_id": "sess-1", "operator_id": "op-1",
	})
	require.Equal(t, http.StatusOK, status)

	env := readEnvelope(t, ws)
	assert.Equal(t, registry.TypeTakeoverSuccess, env.Type)
	assert.Equal(t, "sess-1", env.Payload["session_id"])
}

func TestOperatorWS_ReconnectReplacesConnection(t *testing.T) {
	f := newAPIFixture(t, testConfig())

	first := dialOperator(t, f, "op-1", f.token)
	_ = readEnvelope(t, first)

	second := dialOperator(t, f, "op-1", f.token)
	env := readEnvelope(t, second)
	assert.Equal(t, registry.TypeConnected, env.Type)

	// Single registry entry; broadcast reaches only the replacement
	require.Eventually(t, func() bool {
		return f.gw.registry.OnlineCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.addSession(t, "sess-1")
	status, _ := f.doJSON(t, http.MethodPost, "/escalations", "", map[string]any{
		"session_id": "sess-1", "user_id": "u", "channel": "web",
	})
	require.Equal(t, http.StatusOK, status)

	env = readEnvelope(t, second)
	assert.Equal(t, registry.TypeEscalation, env.Type)

	// Old socket was closed by the replacement
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)
}
