// ABOUTME: Session Coordinator driving the escalation -> takeover -> resolution lifecycle
// ABOUTME: Policy layer above the connection registry, storage, and the automation bridge

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/automation"
	"github.com/2389/support-gateway/internal/registry"
	"github.com/2389/support-gateway/internal/store"
)

// Typed errors surfaced to callers. Handlers map these to HTTP statuses.
var (
	// ErrSessionNotFound indicates the referenced session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrForbidden indicates the caller's identity does not match the
	// operator named in the request.
	ErrForbidden = errors.New("operator identity mismatch")
	// ErrTakeoverConflict indicates another operator already owns the session.
	ErrTakeoverConflict = errors.New("session already taken over")
	// ErrUpstreamUnavailable indicates storage or the automation bridge
	// could not be reached. Never conflated with ErrTakeoverConflict.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// excerptLimit bounds the conversation excerpt attached to escalations.
const excerptLimit = 5

// EscalationRequest is an inbound escalation notice for a session.
type EscalationRequest struct {
	SessionID string
	UserID    string
	Channel   string
	Category  string
	Reason    string
	Summary   string
}

// TakeoverRequest is an operator's claim on an escalated session.
type TakeoverRequest struct {
	SessionID    string
	OperatorID   string
	OperatorName string
}

// Coordinator drives session state transitions and uses the registry to
// deliver notifications. It holds no session state of its own: storage is
// the single source of truth, read fresh on every request.
type Coordinator struct {
	store    store.Store
	registry *registry.Registry
	notifier automation.Notifier
	logger   *slog.Logger

	// pauseOnEscalation controls whether automated replies are held while a
	// session sits in the escalated state waiting for an operator.
	pauseOnEscalation bool
}

// New creates a Coordinator.
func New(st store.Store, reg *registry.Registry, notifier automation.Notifier, pauseOnEscalation bool, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:             st,
		registry:          reg,
		notifier:          notifier,
		pauseOnEscalation: pauseOnEscalation,
		logger:            logger.With("component", "coordinator"),
	}
}

// HandleEscalation moves a session to the escalated state and broadcasts the
// escalation to all online operators. Returns the number of operators
// notified.
func (c *Coordinator) HandleEscalation(ctx context.Context, req *EscalationRequest) (int, error) {
	session, err := c.store.GetSession(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrSessionNotFound
		}
		return 0, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	// human is terminal: once an operator owns the session it never goes
	// back to escalated, and operators are not re-paged for it.
	if session.Status == store.SessionStatusHuman {
		c.logger.Warn("ignoring escalation for a session under operator control",
			"session_id", req.SessionID,
			"operator_id", session.AssignedOperator,
		)
		return 0, ErrTakeoverConflict
	}

	events, err := c.store.GetSessionEvents(ctx, req.SessionID, excerptLimit)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	now := time.Now().UTC()
	if err := c.store.SetSessionStatus(ctx, req.SessionID, store.SessionStatusEscalated, &now); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	esc := &store.Escalation{
		ID:        uuid.New().String(),
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Channel:   req.Channel,
		Category:  req.Category,
		Reason:    req.Reason,
		Summary:   req.Summary,
		Status:    store.EscalationStatusPending,
		CreatedAt: now,
	}
	if err := c.store.SaveEscalation(ctx, esc); err != nil {
		// Broadcast still goes out; replay for late operators is degraded.
		c.logger.Warn("failed to persist escalation", "session_id", req.SessionID, "error", err)
	}

	if c.pauseOnEscalation {
		if err := c.notifier.PauseReplies(ctx, req.SessionID); err != nil {
			c.logger.Warn("failed to pause automated replies", "session_id", req.SessionID, "error", err)
		}
	}

	env := escalationEnvelope(esc, session, events)
	notified := c.registry.Broadcast(env, nil)

	c.logger.Info("escalation broadcast",
		"session_id", req.SessionID,
		"category", req.Category,
		"operators_notified", notified,
	)
	return notified, nil
}

// Takeover atomically assigns the session to the requesting operator. The
// conditional assignment in storage is the only linearization point: of any
// number of concurrent takeovers for one session, exactly one succeeds.
// callerID is the authenticated operator identity.
func (c *Coordinator) Takeover(ctx context.Context, req *TakeoverRequest, callerID string) error {
	if req.OperatorID != callerID {
		c.logger.Warn("takeover identity mismatch",
			"session_id", req.SessionID,
			"operator_id", req.OperatorID,
			"caller_id", callerID,
		)
		return ErrForbidden
	}

	err := c.store.AssignOperator(ctx, req.SessionID, req.OperatorID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, store.ErrAlreadyAssigned):
		return ErrTakeoverConflict
	case err != nil:
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	// The assignment is committed. Everything below is advisory: failures
	// are logged, never rolled back.
	if err := c.store.ClaimEscalation(ctx, req.SessionID, req.OperatorID); err != nil {
		c.logger.Warn("failed to claim escalations", "session_id", req.SessionID, "error", err)
	}

	if err := c.notifier.NotifyTakeover(ctx, req.SessionID, req.OperatorID); err != nil {
		c.logger.Warn("failed to notify automation bridge of takeover",
			"session_id", req.SessionID, "error", err)
	}

	c.registry.SendToOperator(req.OperatorID, registry.NewEnvelope(registry.TypeTakeoverSuccess, map[string]any{
		"session_id":    req.SessionID,
		"operator_id":   req.OperatorID,
		"operator_name": req.OperatorName,
	}))

	c.logger.Info("session taken over", "session_id", req.SessionID, "operator_id", req.OperatorID)
	return nil
}

// SendOperatorMessage persists an operator's reply and forwards it to the
// automation bridge, which relays it to the user's channel. callerID is the
// authenticated operator identity.
func (c *Coordinator) SendOperatorMessage(ctx context.Context, sessionID, operatorID, operatorName, content, callerID string) error {
	if operatorID != callerID {
		return ErrForbidden
	}

	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	// Persisted before the forward: a bridge outage must not lose the record
	// of what the operator said. A caller retrying after ErrUpstreamUnavailable
	// stores the event again (at-least-once persistence).
	if err := c.store.SaveSessionEvent(ctx, &store.SessionEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Sender:    operatorID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		c.logger.Warn("failed to persist operator message", "session_id", sessionID, "error", err)
	}

	if err := c.notifier.ForwardOperatorMessage(ctx, &automation.OperatorMessage{
		SessionID:    sessionID,
		OperatorID:   operatorID,
		OperatorName: operatorName,
		Content:      content,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return nil
}

// DeliverBotMessage unicasts a generated reply to the user connection for a
// session. Two sequential calls for the same session are delivered in order.
// Returns whether a live user connection received the message.
func (c *Coordinator) DeliverBotMessage(ctx context.Context, sessionID, content string, metadata map[string]any) (bool, error) {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrSessionNotFound
		}
		return false, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if err := c.store.SaveSessionEvent(ctx, &store.SessionEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Sender:    "bot",
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		c.logger.Warn("failed to persist bot message", "session_id", sessionID, "error", err)
	}

	payload := map[string]any{
		"session_id": sessionID,
		"content":    content,
	}
	if len(metadata) > 0 {
		payload["metadata"] = metadata
	}

	delivered := c.registry.SendToUser(sessionID, registry.NewEnvelope(registry.TypeBotMessage, payload))
	return delivered, nil
}

// HandleUserMessage persists an inbound end-user message and forwards it to
// the automation bridge. The session is created on first contact.
func (c *Coordinator) HandleUserMessage(ctx context.Context, sessionID, userID, channel, content string) error {
	_, err := c.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now().UTC()
		err = c.store.CreateSession(ctx, &store.Session{
			ID:        sessionID,
			UserID:    userID,
			Channel:   channel,
			Status:    store.SessionStatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if err := c.store.SaveSessionEvent(ctx, &store.SessionEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Sender:    "user",
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		c.logger.Warn("failed to persist user message", "session_id", sessionID, "error", err)
	}

	if err := c.notifier.ForwardUserMessage(ctx, &automation.UserMessage{
		SessionID: sessionID,
		UserID:    userID,
		Channel:   channel,
		Content:   content,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return nil
}

// ReplayPendingEscalations sends every open escalation to a single operator,
// one envelope each. Used when an operator connects so they see work that
// arrived while they were offline.
func (c *Coordinator) ReplayPendingEscalations(ctx context.Context, operatorID string) error {
	pending, err := c.store.ListPendingEscalations(ctx, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	for _, esc := range pending {
		if !c.registry.SendToOperator(operatorID, escalationEnvelope(esc, nil, nil)) {
			break // connection gone, no point replaying the rest
		}
	}

	if len(pending) > 0 {
		c.logger.Info("replayed pending escalations", "operator_id", operatorID, "count", len(pending))
	}
	return nil
}

// escalationEnvelope assembles the broadcast payload. session and events are
// optional enrichment; replay paths pass nil.
func escalationEnvelope(esc *store.Escalation, session *store.Session, events []*store.SessionEvent) *registry.Envelope {
	payload := map[string]any{
		"session_id": esc.SessionID,
		"user_id":    esc.UserID,
		"channel":    esc.Channel,
		"category":   esc.Category,
		"reason":     esc.Reason,
		"summary":    esc.Summary,
	}
	if session != nil {
		payload["status"] = session.Status
	}
	if len(events) > 0 {
		excerpt := make([]map[string]any, 0, len(events))
		for _, ev := range events {
			excerpt = append(excerpt, map[string]any{
				"sender":  ev.Sender,
				"content": ev.Content,
			})
		}
		payload["excerpt"] = excerpt
	}
	return registry.NewEnvelope(registry.TypeEscalation, payload)
}
