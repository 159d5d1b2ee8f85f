package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/pmgateway/gateway/internal/config"
	"github.com/pmgateway/gateway/internal/store"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	bots     BotLister
	riskGate RiskReporter
	store    *store.Store
	cfg      config.Config
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(bots BotLister, riskGate RiskReporter, st *store.Store, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		bots:     bots,
		riskGate: riskGate,
		store:    st,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleSnapshot returns the current dashboard state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := BuildSnapshot(r.Context(), h.bots, h.riskGate, h.store, h.cfg)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
}

// HandleWebSocket upgrades the connection, registers a new dashboard
// client, and pushes it an immediate snapshot so it doesn't have to wait
// for the next bus event to render anything.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	policy := newOriginPolicy(h.cfg.Dashboard)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return policy.allows(req.Header.Get("Origin"), req.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	snapshot := BuildSnapshot(r.Context(), h.bots, h.riskGate, h.store, h.cfg)
	evt := DashboardEvent{Type: "snapshot", Timestamp: snapshot.Timestamp, Data: snapshot}
	if err := client.SendInitialSnapshot(evt); err != nil {
		h.logger.Warn("failed to send initial snapshot to client", "error", err)
	}
}

// originPolicy decides whether a dashboard WebSocket's Origin header is
// acceptable for a given request host, per config.DashboardConfig's
// allowlist (or, absent one, same-host/localhost).
type originPolicy struct {
	allowed []string // lower-cased "scheme://host" entries from cfg.AllowedOrigins
}

func newOriginPolicy(cfg config.DashboardConfig) originPolicy {
	allowed := make([]string, 0, len(cfg.AllowedOrigins))
	for _, raw := range cfg.AllowedOrigins {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if normalized := normalizeOrigin(u.Scheme, u.Host); normalized != "" {
			allowed = append(allowed, normalized)
		}
	}
	return originPolicy{allowed: allowed}
}

func (p originPolicy) allows(origin, reqHost string) bool {
	if origin == "" {
		// Non-browser clients (curl, server-to-server health checks) often
		// omit Origin entirely; don't block them.
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}

	if len(p.allowed) > 0 {
		for _, allowed := range p.allowed {
			if normalized == allowed {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	reqHostname := normalizeHost(reqHost)
	return reqHostname != "" && host == reqHostname
}

// isOriginAllowed is a thin wrapper over originPolicy for callers (and
// tests) that don't otherwise need to build one.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	return newOriginPolicy(cfg).allows(origin, reqHost)
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}
