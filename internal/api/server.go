package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pmgateway/gateway/internal/config"
	"github.com/pmgateway/gateway/internal/eventbus"
	"github.com/pmgateway/gateway/internal/store"
)

// Server runs the HTTP/WebSocket API for the operator dashboard.
type Server struct {
	cfg      config.DashboardConfig
	events   *eventbus.Bus
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server. bots/riskGate/st are the live
// components the dashboard reads; events is the shared bus it rebroadcasts
// over WebSocket to every connected client.
func NewServer(
	cfg config.Config,
	bots BotLister,
	riskGate RiskReporter,
	st *store.Store,
	events *eventbus.Bus,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(bots, riskGate, st, cfg, hub, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Dashboard.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg.Dashboard,
		events:   events,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the WebSocket hub, the eventbus consumer, and the HTTP
// listener. Blocks until the server is stopped.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents subscribes to the shared eventbus and forwards every event
// to connected WebSocket clients, generalizing the teacher's single
// provider-owned DashboardEvents channel into a subscription against the
// bus every other component (Scheduler, Store, WhaleTracker, CopyTrader,
// SwarmExecutor) already publishes to.
func (s *Server) consumeEvents() {
	if s.events == nil {
		return
	}

	ch, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	for evt := range ch {
		s.hub.BroadcastEvent(DashboardEvent{
			Type:      evt.Type,
			Timestamp: time.Now(),
			Data:      evt.Data,
		})
	}
}
