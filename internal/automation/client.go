// ABOUTME: HTTP client for the upstream automation bridge (workflow engine)
// ABOUTME: Forwards user/operator messages and takeover notifications as JSON webhooks

package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrUpstreamUnavailable is returned when the automation bridge cannot be
// reached or answers with a non-2xx status.
var ErrUpstreamUnavailable = errors.New("automation bridge unavailable")

// Notifier is the interface the coordinator uses to talk to the automation
// bridge. Implemented by Client; tests substitute a fake.
type Notifier interface {
	// ForwardUserMessage delivers an inbound end-user message to the bridge,
	// which generates the automated reply.
	ForwardUserMessage(ctx context.Context, msg *UserMessage) error

	// ForwardOperatorMessage delivers a human operator's reply to the bridge,
	// which relays it to the user's channel.
	ForwardOperatorMessage(ctx context.Context, msg *OperatorMessage) error

	// NotifyTakeover tells the bridge a human now owns the session so it
	// stops generating automated replies.
	NotifyTakeover(ctx context.Context, sessionID, operatorID string) error

	// PauseReplies tells the bridge to hold automated replies for a session
	// while an escalation is pending.
	PauseReplies(ctx context.Context, sessionID string) error
}

// UserMessage is the payload forwarded for an inbound end-user message.
type UserMessage struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Channel   string `json:"channel"`
	Content   string `json:"content"`
}

// OperatorMessage is the payload forwarded when an operator replies.
type OperatorMessage struct {
	SessionID    string `json:"session_id"`
	OperatorID   string `json:"operator_id"`
	OperatorName string `json:"operator_name,omitempty"`
	Content      string `json:"content"`
}

// Config holds the bridge endpoint configuration.
type Config struct {
	BaseURL         string
	InboundPath     string
	TakeoverPath    string
	OperatorMsgPath string
	Timeout         time.Duration
}

// Client is the production Notifier, posting JSON webhooks to the bridge.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a bridge client. A zero timeout defaults to 10s.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: slog.Default().With("component", "automation"),
	}
}

// ForwardUserMessage posts an end-user message to the inbound webhook.
func (c *Client) ForwardUserMessage(ctx context.Context, msg *UserMessage) error {
	return c.post(ctx, c.cfg.InboundPath, msg)
}

// ForwardOperatorMessage posts an operator reply to the operator-message webhook.
func (c *Client) ForwardOperatorMessage(ctx context.Context, msg *OperatorMessage) error {
	return c.post(ctx, c.cfg.OperatorMsgPath, msg)
}

// NotifyTakeover posts a takeover notification to the takeover webhook.
func (c *Client) NotifyTakeover(ctx context.Context, sessionID, operatorID string) error {
	payload := map[string]string{
		"session_id":  sessionID,
		"operator_id": operatorID,
		"event":       "human_takeover",
	}
	return c.post(ctx, c.cfg.TakeoverPath, payload)
}

// PauseReplies posts a pause notification to the takeover webhook.
func (c *Client) PauseReplies(ctx context.Context, sessionID string) error {
	payload := map[string]string{
		"session_id": sessionID,
		"event":      "pause_replies",
	}
	return c.post(ctx, c.cfg.TakeoverPath, payload)
}

// post sends one JSON webhook and maps failures to ErrUpstreamUnavailable.
func (c *Client) post(ctx context.Context, path string, payload any) error {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, path)
	if err != nil {
		return fmt.Errorf("building webhook URL: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("webhook delivery failed", "path", path, "error", err)
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("webhook rejected", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	c.logger.Debug("webhook delivered", "path", path, "status", resp.StatusCode)
	return nil
}

// Ensure Client implements the interface.
var _ Notifier = (*Client)(nil)
