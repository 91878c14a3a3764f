package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2witstudios/pagespace/internal/auth"
	"github.com/2witstudios/pagespace/internal/config"
	"github.com/2witstudios/pagespace/internal/mcp"
	"github.com/2witstudios/pagespace/internal/observability"
	"github.com/2witstudios/pagespace/internal/quota"
	"github.com/2witstudios/pagespace/internal/ratelimit"
	"github.com/2witstudios/pagespace/internal/storage"
	"github.com/2witstudios/pagespace/internal/usage"
	"github.com/2witstudios/pagespace/pkg/models"
)

// Server is the HTTP surface of the chat service.
type Server struct {
	config     *config.Config
	logger     *observability.Logger
	metrics    *observability.Metrics
	stores     storage.StoreSet
	resolver   *Resolver
	gate       *quota.Gate
	tracker    *usage.Tracker
	limiter    *ratelimit.Limiter
	registry   *mcp.Registry
	authorizer auth.PageAuthorizer
	jwt        *auth.JWTService
	usageHub   *UsageHub

	httpServer *http.Server
}

// ServerDeps bundles the wired dependencies for NewServer.
type ServerDeps struct {
	Config     *config.Config
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Stores     storage.StoreSet
	Resolver   *Resolver
	Gate       *quota.Gate
	Tracker    *usage.Tracker
	Limiter    *ratelimit.Limiter
	Registry   *mcp.Registry
	Authorizer auth.PageAuthorizer
	JWT        *auth.JWTService
	UsageHub   *UsageHub
}

// NewServer assembles the HTTP server from pre-wired dependencies.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		config:     deps.Config,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		stores:     deps.Stores,
		resolver:   deps.Resolver,
		gate:       deps.Gate,
		tracker:    deps.Tracker,
		limiter:    deps.Limiter,
		registry:   deps.Registry,
		authorizer: deps.Authorizer,
		jwt:        deps.JWT,
		usageHub:   deps.UsageHub,
	}
	if s.usageHub == nil {
		s.usageHub = NewUsageHub()
	}
	return s
}

// Handler builds the route table. Health and metrics are unauthenticated;
// everything else sits behind the bearer-token middleware.
func (s *Server) Handler() http.Handler {
	authed := auth.Middleware(s.jwt)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/ai/chat", authed(s.instrument("/api/ai/chat", s.handleChat)))
	mux.Handle("/api/ai/settings", authed(s.instrument("/api/ai/settings", s.handleSettings)))
	mux.Handle("/ws/bridge", authed(http.HandlerFunc(s.handleBridge)))
	mux.Handle("/ws/usage", authed(http.HandlerFunc(s.usageHub.handleConnection)))

	return s.withLogger(mux)
}

// Start begins serving and blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.Server.ReadHeaderTimeout,
	}
	s.logger.Info(context.Background(), "http server starting", "addr", s.config.Server.Addr)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleBridge accepts an agent websocket. The agent identifies itself with
// the agentId query parameter; the user comes from the token.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}
	if err := s.registry.HandleConnection(w, r, user.ID, agentID); err != nil {
		s.logger.Warn(r.Context(), "bridge connection failed", "error", err)
	}
}

// withLogger attaches the server logger to every request context so
// downstream code logs through one configured pipeline.
func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.WithLogger(r.Context(), s.logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// instrument records request latency by method, path, and status.
func (s *Server) instrument(path string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler(sw, r)
		s.metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).
			Observe(time.Since(start).Seconds())
	})
}

// statusWriter captures the response status for metrics while passing
// Flush through for streaming responses.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// UsageHub pushes quota updates to connected clients after each tracked
// turn. Implements the quota broadcaster; delivery is best effort.
type UsageHub struct {
	mu       sync.RWMutex
	conns    map[string][]*websocket.Conn
	upgrader websocket.Upgrader
}

// NewUsageHub creates an empty hub.
func NewUsageHub() *UsageHub {
	return &UsageHub{
		conns: make(map[string][]*websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// BroadcastUsage sends the updated quota to every connection of the user.
// Dead connections are dropped on write failure.
func (h *UsageHub) BroadcastUsage(userID string, q *models.UsageQuota) {
	h.mu.Lock()
	defer h.mu.Unlock()

	alive := h.conns[userID][:0]
	for _, conn := range h.conns[userID] {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(q); err != nil {
			conn.Close()
			continue
		}
		alive = append(alive, conn)
	}
	if len(alive) == 0 {
		delete(h.conns, userID)
		return
	}
	h.conns[userID] = alive
}

func (h *UsageHub) handleConnection(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.mu.Lock()
	h.conns[user.ID] = append(h.conns[user.ID], conn)
	h.mu.Unlock()

	// Reads are discarded; the socket exists for server pushes only.
	go func() {
		defer func() {
			h.mu.Lock()
			remaining := h.conns[user.ID][:0]
			for _, c := range h.conns[user.ID] {
				if c != conn {
					remaining = append(remaining, c)
				}
			}
			if len(remaining) == 0 {
				delete(h.conns, user.ID)
			} else {
				h.conns[user.ID] = remaining
			}
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
