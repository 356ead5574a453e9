// ABOUTME: Gateway orchestrator wiring the registry, coordinator, store, and HTTP server
// ABOUTME: Manages startup, route registration, health endpoints, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/automation"
	"github.com/2389/support-gateway/internal/config"
	"github.com/2389/support-gateway/internal/coordinator"
	"github.com/2389/support-gateway/internal/dedupe"
	"github.com/2389/support-gateway/internal/registry"
	"github.com/2389/support-gateway/internal/store"
)

// Gateway orchestrates the support-gateway server components: the live
// connection registry, the session coordinator, storage, and the HTTP
// server carrying both the REST API and the websocket endpoints.
type Gateway struct {
	config     *config.Config
	store      store.Store
	costs      store.CostStore
	registry   *registry.Registry
	coord      *coordinator.Coordinator
	verifier   auth.TokenVerifier
	httpServer *http.Server
	logger     *slog.Logger

	// writeTimeout bounds each websocket write so one dead peer cannot
	// stall a broadcast.
	writeTimeout time.Duration

	// limiters tracks per-user rate limiters for the inbound web webhook.
	limiters *userLimiters

	// deliveries drops retried webhook deliveries from the bridge.
	deliveries *dedupe.Cache
}

// New creates a Gateway from configuration, opening the SQLite store and
// constructing the automation bridge client.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	notifier := automation.NewClient(automation.Config{
		BaseURL:         cfg.Automation.WebhookBaseURL,
		InboundPath:     cfg.Automation.InboundPath,
		TakeoverPath:    cfg.Automation.TakeoverPath,
		OperatorMsgPath: cfg.Automation.OperatorMsgPath,
		Timeout:         cfg.Automation.Timeout,
	})

	gw := assemble(cfg, sqlStore, sqlStore, notifier, logger)
	return gw, nil
}

// assemble wires the components together. Tests call this directly with a
// mock store and a fake notifier.
func assemble(cfg *config.Config, st store.Store, costs store.CostStore, notifier automation.Notifier, logger *slog.Logger) *Gateway {
	reg := registry.New(logger)
	coord := coordinator.New(st, reg, notifier, cfg.Realtime.PauseBotOnEscalation, logger)

	gw := &Gateway{
		config:       cfg,
		store:        st,
		costs:        costs,
		registry:     reg,
		coord:        coord,
		verifier:     auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		logger:       logger.With("component", "gateway"),
		writeTimeout: cfg.Realtime.WriteTimeout,
		limiters:     newUserLimiters(cfg.Realtime.WebhookRateLimit, cfg.Realtime.WebhookBurst),
		deliveries:   dedupe.New(5*time.Minute, 10_000),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Inbound from the automation bridge and the web widget - no operator auth
	mux.HandleFunc("POST /escalations", gw.handleEscalations)
	mux.HandleFunc("POST /bot-message", gw.handleBotMessage)
	mux.HandleFunc("POST /webhook/web-message", gw.handleWebMessage)
	mux.HandleFunc("POST /api/costs", gw.handleSaveCost)

	// Operator API - JWT required
	authMW := auth.HTTPAuthMiddleware(st, gw.verifier)
	mux.Handle("POST /human-takeover", authMW(http.HandlerFunc(gw.handleTakeover)))
	mux.Handle("POST /send-message", authMW(http.HandlerFunc(gw.handleSendMessage)))
	mux.Handle("GET /api/operators", authMW(http.HandlerFunc(gw.handleListOperators)))
	mux.Handle("GET /api/sessions/active", authMW(http.HandlerFunc(gw.handleActiveSessions)))
	mux.Handle("GET /api/sessions/{id}", authMW(http.HandlerFunc(gw.handleSessionDetail)))
	mux.Handle("GET /api/stats/usage", authMW(http.HandlerFunc(gw.handleUsageStats)))

	// Websocket endpoints. The operator endpoint authenticates during the
	// handshake via a token query parameter.
	mux.HandleFunc("GET /ws/operator/{id}", gw.handleOperatorWS)
	mux.HandleFunc("GET /ws/chat/{sessionID}", gw.handleUserWS)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw
}

// Run starts the HTTP server and blocks until the context is canceled or
// the server fails, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("HTTP shutdown: %w", err)
	}

	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}

	g.logger.Info("gateway shutdown complete")
	return firstErr
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once storage is reachable. Operator presence is
// reported but not required: the gateway serves end users either way.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListOperators(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("storage unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d operators online)", g.registry.OnlineCount())
}
