// ABOUTME: HTTP API handlers for escalations, takeover, message delivery, and stats
// ABOUTME: Maps coordinator errors to HTTP statuses and rate-limits the web widget webhook

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/coordinator"
	"github.com/2389/support-gateway/internal/registry"
	"github.com/2389/support-gateway/internal/store"
)

// EscalationRequest is the JSON request body for POST /escalations.
type EscalationRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Channel   string `json:"channel"`
	Category  string `json:"category,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// TakeoverRequest is the JSON request body for POST /human-takeover.
type TakeoverRequest struct {
	SessionID    string `json:"session_id"`
	OperatorID   string `json:"operator_id"`
	OperatorName string `json:"operator_name,omitempty"`
}

// SendMessageRequest is the JSON request body for POST /send-message.
type SendMessageRequest struct {
	SessionID  string `json:"session_id"`
	OperatorID string `json:"operator_id"`
	Message    string `json:"message"`
}

// BotMessageRequest is the JSON request body for POST /bot-message, called
// by the automation bridge to deliver a generated reply. DeliveryID, when
// set, lets the gateway drop bridge retries of the same delivery.
type BotMessageRequest struct {
	SessionID  string         `json:"session_id"`
	Message    string         `json:"message"`
	DeliveryID string         `json:"delivery_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// WebMessageRequest is the JSON request body for POST /webhook/web-message,
// posted by the embedded web chat widget.
type WebMessageRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Channel   string `json:"channel,omitempty"`
	Message   string `json:"message"`
}

// SaveCostRequest is the JSON request body for POST /api/costs, reported by
// the automation bridge after each upstream model call.
type SaveCostRequest struct {
	SessionID    string  `json:"session_id"`
	EventID      string  `json:"event_id,omitempty"`
	Service      string  `json:"service"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// OperatorResponse is the JSON shape for GET /api/operators entries.
type OperatorResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	LastSeen  string `json:"last_seen,omitempty"`
}

// SessionResponse is the JSON shape for session listings.
type SessionResponse struct {
	ID               string  `json:"id"`
	UserID           string  `json:"user_id"`
	Channel          string  `json:"channel"`
	Status           string  `json:"status"`
	AssignedOperator *string `json:"assigned_operator,omitempty"`
	Category         string  `json:"category,omitempty"`
	EscalatedAt      string  `json:"escalated_at,omitempty"`
	UpdatedAt        string  `json:"updated_at"`
}

// SessionDetailResponse is the JSON response for GET /api/sessions/{id}.
type SessionDetailResponse struct {
	Session SessionResponse        `json:"session"`
	Events  []SessionEventResponse `json:"events"`
	CostUSD float64                `json:"cost_usd"`
}

// SessionEventResponse is one message in a session history.
type SessionEventResponse struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func (g *Gateway) handleEscalations(w http.ResponseWriter, r *http.Request) {
	var req EscalationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	notified, err := g.coord.HandleEscalation(r.Context(), &coordinator.EscalationRequest{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Channel:   req.Channel,
		Category:  req.Category,
		Reason:    req.Reason,
		Summary:   req.Summary,
	})
	if err != nil {
		g.sendCoordinatorError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"accepted":           true,
		"operators_notified": notified,
	})
}

func (g *Gateway) handleTakeover(w http.ResponseWriter, r *http.Request) {
	opCtx := auth.MustOperatorFromContext(r.Context())

	var req TakeoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.OperatorID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id and operator_id are required")
		return
	}
	if req.OperatorName == "" {
		req.OperatorName = opCtx.Name
	}

	err := g.coord.Takeover(r.Context(), &coordinator.TakeoverRequest{
		SessionID:    req.SessionID,
		OperatorID:   req.OperatorID,
		OperatorName: req.OperatorName,
	}, opCtx.OperatorID)
	if err != nil {
		g.sendCoordinatorError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"accepted":    true,
		"session_id":  req.SessionID,
		"operator_id": req.OperatorID,
	})
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	opCtx := auth.MustOperatorFromContext(r.Context())

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}
	if req.OperatorID == "" {
		req.OperatorID = opCtx.OperatorID
	}

	err := g.coord.SendOperatorMessage(r.Context(), req.SessionID, req.OperatorID, opCtx.Name, req.Message, opCtx.OperatorID)
	if err != nil {
		g.sendCoordinatorError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]any{"delivered": true})
}

func (g *Gateway) handleBotMessage(w http.ResponseWriter, r *http.Request) {
	var req BotMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}

	if g.deliveries.Seen(req.DeliveryID) {
		g.logger.Debug("dropping retried bot message delivery",
			"session_id", req.SessionID, "delivery_id", req.DeliveryID)
		g.writeJSON(w, http.StatusOK, map[string]any{"delivered": false, "duplicate": true})
		return
	}

	delivered, err := g.coord.DeliverBotMessage(r.Context(), req.SessionID, req.Message, req.Metadata)
	if err != nil {
		// Not marked: a failed delivery stays retryable under the same ID.
		g.sendCoordinatorError(w, err)
		return
	}
	g.deliveries.Mark(req.DeliveryID)

	g.writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

func (g *Gateway) handleWebMessage(w http.ResponseWriter, r *http.Request) {
	var req WebMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.UserID == "" || req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id, user_id, and message are required")
		return
	}
	if req.Channel == "" {
		req.Channel = "web"
	}

	if !g.limiters.allow(req.UserID) {
		g.sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if err := g.coord.HandleUserMessage(r.Context(), req.SessionID, req.UserID, req.Channel, req.Message); err != nil {
		g.sendCoordinatorError(w, err)
		return
	}

	g.writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (g *Gateway) handleListOperators(w http.ResponseWriter, r *http.Request) {
	ops, err := g.store.ListOperators(r.Context())
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "listing operators failed")
		return
	}

	resp := make([]OperatorResponse, 0, len(ops))
	for _, op := range ops {
		entry := OperatorResponse{
			ID:        op.ID,
			Name:      op.Name,
			Status:    op.Status,
			Connected: g.registry.Has(registry.PeerOperator, op.ID),
		}
		if op.LastSeen != nil {
			entry.LastSeen = op.LastSeen.UTC().Format(time.RFC3339)
		}
		resp = append(resp, entry)
	}

	g.writeJSON(w, http.StatusOK, map[string]any{"operators": resp})
}

func (g *Gateway) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := g.store.ListActiveSessions(r.Context(), 0)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "listing sessions failed")
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionResponse(s))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"sessions": resp})
}

func (g *Gateway) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	session, err := g.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "loading session failed")
		return
	}

	events, err := g.store.GetSessionEvents(r.Context(), id, 100)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "loading session events failed")
		return
	}

	cost, err := g.costs.GetSessionCost(r.Context(), id)
	if err != nil {
		g.logger.Warn("loading session cost failed", "session_id", id, "error", err)
	}

	resp := SessionDetailResponse{
		Session: sessionResponse(session),
		Events:  make([]SessionEventResponse, 0, len(events)),
		CostUSD: cost,
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, SessionEventResponse{
			Sender:    ev.Sender,
			Content:   ev.Content,
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	var filter store.CostFilter
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = &t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid until timestamp")
			return
		}
		filter.Until = &t
	}

	stats, err := g.costs.GetCostStats(r.Context(), filter)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "aggregating usage failed")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"total_cost_usd":  stats.TotalCostUSD,
		"record_count":    stats.RecordCount,
		"cost_by_service": stats.CostByService,
	})
}

func (g *Gateway) handleSaveCost(w http.ResponseWriter, r *http.Request) {
	var req SaveCostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.Service == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id and service are required")
		return
	}

	cost := req.CostUSD
	if cost == 0 {
		cost = costForModel(req.Model, req.InputTokens, req.OutputTokens)
	}

	record := &store.CostRecord{
		ID:           uuid.New().String(),
		SessionID:    req.SessionID,
		EventID:      req.EventID,
		Service:      req.Service,
		Model:        req.Model,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		CostUSD:      cost,
		CreatedAt:    time.Now().UTC(),
	}
	if err := g.costs.SaveCost(r.Context(), record); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "saving cost record failed")
		return
	}

	g.writeJSON(w, http.StatusCreated, map[string]any{"id": record.ID, "cost_usd": cost})
}

// modelPricing maps model name to USD cost per million input/output tokens.
var modelPricing = map[string][2]float64{
	"gpt-4o":                 {2.50, 10.00},
	"gpt-4o-mini":            {0.15, 0.60},
	"text-embedding-3-small": {0.02, 0},
}

// costForModel computes the cost of a call when the caller did not supply
// one. Unknown models cost zero; the raw token counts are still recorded.
func costForModel(model string, inputTokens, outputTokens int64) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)*pricing[0] + float64(outputTokens)*pricing[1]) / 1_000_000
}

// sendCoordinatorError maps a coordinator error to an HTTP status.
func (g *Gateway) sendCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrSessionNotFound):
		g.sendJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, coordinator.ErrForbidden):
		g.sendJSONError(w, http.StatusForbidden, "operator identity mismatch")
	case errors.Is(err, coordinator.ErrTakeoverConflict):
		g.sendJSONError(w, http.StatusConflict, "session already taken over")
	case errors.Is(err, coordinator.ErrUpstreamUnavailable):
		g.sendJSONError(w, http.StatusBadGateway, "upstream unavailable")
	default:
		g.logger.Error("unexpected coordinator error", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response body.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

func sessionResponse(s *store.Session) SessionResponse {
	resp := SessionResponse{
		ID:               s.ID,
		UserID:           s.UserID,
		Channel:          s.Channel,
		Status:           s.Status,
		AssignedOperator: s.AssignedOperator,
		Category:         s.Category,
		UpdatedAt:        s.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if s.EscalatedAt != nil {
		resp.EscalatedAt = s.EscalatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// userLimiters holds one token bucket per user for the web widget webhook.
type userLimiters struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newUserLimiters(perSecond float64, burst int) *userLimiters {
	return &userLimiters{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

// allow reports whether a message from userID fits the rate limit.
// A zero configured rate disables limiting entirely.
func (l *userLimiters) allow(userID string) bool {
	if l.limit == 0 {
		return true
	}

	l.mu.Lock()
	bucket, ok := l.buckets[userID]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[userID] = bucket
	}
	l.mu.Unlock()

	return bucket.Allow()
}
