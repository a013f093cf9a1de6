// ABOUTME: Gateway orchestrator that wires the store, inflight registry, hub, and runner together
// ABOUTME: Owns the HTTP server lifecycle, route registration, and health endpoints

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/parley-gateway/internal/adapter"
	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/hub"
	"github.com/2389/parley-gateway/internal/inflight"
	"github.com/2389/parley-gateway/internal/mcp"
	"github.com/2389/parley-gateway/internal/runlock"
	"github.com/2389/parley-gateway/internal/runner"
	"github.com/2389/parley-gateway/internal/store"
)

// Gateway orchestrates the parley-gateway server components. It manages the
// HTTP server for the REST API and WebSocket push, the inflight registry,
// and the persistence store.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *inflight.Registry
	locks      *runlock.Lock
	hub        *hub.Hub
	runner     *runner.Runner
	canceler   *runner.Coordinator
	chat       adapter.ChatAdapter
	mcpServer  *mcp.Server
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PARLEY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// registerAPIRoutes registers API routes on the mux with or without auth
// middleware, depending on whether a JWT secret is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	var verifier auth.TokenVerifier
	if g.config.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	authMiddleware := auth.HTTPAuthMiddleware(verifier)

	mux.Handle("/api/run", authMiddleware(http.HandlerFunc(g.handleRun)))
	mux.Handle("/api/cancel", authMiddleware(http.HandlerFunc(g.handleCancel)))
	mux.Handle("/api/conversations", authMiddleware(http.HandlerFunc(g.handleConversations)))
	mux.Handle("/api/conversations/", authMiddleware(http.HandlerFunc(g.handleConversationRoutes)))
	mux.Handle("/ws", authMiddleware(http.HandlerFunc(g.hub.HandleWebSocket)))
}

// New creates a new Gateway instance with the given configuration. chat is
// the backend adapter every run is driven against.
func New(cfg *config.Config, chat adapter.ChatAdapter, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := inflight.NewRegistry(logger)
	locks := runlock.New()
	h := hub.New(registry, hub.Options{
		SendBuffer:     cfg.Hub.SendBuffer,
		WriteTimeout:   cfg.Hub.WriteTimeout,
		OriginPatterns: cfg.Hub.OriginPatterns,
	}, logger)

	run := runner.New(registry, locks, h, s, logger)
	canceler := runner.NewCoordinator(registry, h, s, logger)
	h.SetCanceler(canceler)

	g := &Gateway{
		config:   cfg,
		store:    s,
		registry: registry,
		locks:    locks,
		hub:      h,
		runner:   run,
		canceler: canceler,
		chat:     chat,
		logger:   logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	g.registerAPIRoutes(mux)

	// MCP endpoints let external agents (like Claude Code) drive turns.
	// The MCP server handles its own auth during the initialize handshake.
	var mcpVerifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		mcpVerifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	mcpServer, err := mcp.NewServer(mcp.Config{
		Runner:        run,
		Canceler:      canceler,
		Chat:          chat,
		Logger:        logger,
		TokenVerifier: mcpVerifier,
		RequireAuth:   cfg.Auth.JWTSecret != "",
	})
	if err != nil {
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}
	g.mcpServer = mcpServer
	g.mcpServer.RegisterRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Handler exposes the gateway's HTTP handler for in-process serving.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// startServer starts the HTTP server in a goroutine, returning an error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListConversations(r.Context(), 1); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
