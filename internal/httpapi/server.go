package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/bridge"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/session"
)

type Server struct {
	cfg       config.Config
	registry  *session.Registry
	handler   *bridge.Handler
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
	startedAt time.Time
}

func New(cfg config.Config, registry *session.Registry, handler *bridge.Handler, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		registry:  registry,
		handler:   handler,
		metrics:   metrics,
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is enforced by the gate before the upgrade so the
			// checks run in a fixed order with distinct statuses.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/stream", s.handleStream(session.SubprotocolRelay))
	r.Get("/stream/stt", s.handleStream(session.SubprotocolSTT))

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.registry.Count(),
		"capacity": s.registry.Capacity(),
		"uptime_s": int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleStream is the connection gate: capacity, origin, credential,
// in that order, each with its own rejection status, then the upgrade.
// Gate failures never reach the application protocol.
func (s *Server) handleStream(sub session.Subprotocol) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.registry.Count() >= s.registry.Capacity() {
			s.metrics.ConnectionEvents.WithLabelValues("rejected_capacity").Inc()
			respondError(w, http.StatusServiceUnavailable, "capacity_exceeded", "connection capacity exceeded")
			return
		}

		if len(s.cfg.AllowedOrigins) > 0 && !originAllowed(r.Header.Get("Origin"), s.cfg.AllowedOrigins) {
			s.metrics.ConnectionEvents.WithLabelValues("rejected_origin").Inc()
			respondError(w, http.StatusForbidden, "origin_forbidden", "origin not allowed")
			return
		}

		if s.cfg.AuthToken != "" && !credentialValid(r, s.cfg.AuthToken) {
			s.metrics.ConnectionEvents.WithLabelValues("rejected_auth").Inc()
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credential")
			return
		}

		callID := strings.TrimSpace(r.URL.Query().Get("call_id"))
		if callID == "" {
			callID = "unknown"
		}

		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.handler.ServeConn(ws, callID, sub)
	}
}

func originAllowed(origin string, allowed []string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func credentialValid(r *http.Request, token string) bool {
	if r.URL.Query().Get("token") == token {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	return len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) && auth[len(prefix):] == token
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
