package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/benteng/pkg/hotreload"
	"github.com/harun/benteng/pkg/registry"
)

// Reloader triggers reloads on behalf of API callers. The hot-reload
// manager implements it.
type Reloader interface {
	ReloadModule(ctx context.Context, name string, opts hotreload.ReloadOptions) error
	Status() hotreload.Status
}

// Server is the operator-facing HTTP gateway
type Server struct {
	host           string
	port           int
	server         *http.Server
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	auth           *AuthHandler
	broadcaster    *EventBroadcaster
	registry       *registry.Registry
	reloader       Reloader
	onToolInvoked  func(tool string, success bool)
	onClients      func(count int)
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
}

// Config holds server configuration
type Config struct {
	Host      string
	Port      int
	AuthToken string
	Registry  *registry.Registry
	Reloader  Reloader
	Logger    zerolog.Logger

	// OnToolInvoked fires after every invoke API call so the host can
	// count invocations.
	OnToolInvoked func(tool string, success bool)

	// OnClientsChanged fires with the new client count whenever a
	// websocket client connects or disconnects.
	OnClientsChanged func(count int)
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("auth token is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	clients := NewClientRegistry()

	s := &Server{
		host:          cfg.Host,
		port:          cfg.Port,
		clients:       clients,
		auth:          NewAuthHandler(cfg.AuthToken),
		broadcaster:   NewEventBroadcaster(clients, cfg.Logger),
		registry:      cfg.Registry,
		reloader:      cfg.Reloader,
		onToolInvoked: cfg.OnToolInvoked,
		onClients:     cfg.OnClientsChanged,
		logger:        cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Local operator API, origin is not meaningful
			},
		},
	}

	return s, nil
}

// Broadcaster returns the event broadcaster so the host can publish
// lifecycle events.
func (s *Server) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

// buildHandler assembles the route table. Everything under /api/ and the
// websocket endpoint require the bearer token; /healthz stays open for
// liveness probes.
func (s *Server) buildHandler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/status", s.handleStatus)
	api.HandleFunc("/api/modules", s.handleModules)
	api.HandleFunc("/api/modules/", s.handleModuleReload)
	api.HandleFunc("/api/tools", s.handleTools)
	api.HandleFunc("/api/tools/", s.handleToolInvoke)
	api.HandleFunc("/api/analytics", s.handleAnalytics)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.auth.Middleware(api))
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// Start starts the gateway server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: s.buildHandler(),
	}

	s.logger.Info().Str("host", s.host).Int("port", s.port).Msg("Starting gateway server")

	// Start server in goroutine so it doesn't block
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop gracefully stops the gateway server
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	// Broadcast shutdown event
	s.broadcaster.Broadcast(EventServerShutdown, map[string]interface{}{
		"message": "Server is shutting down",
	})

	// Close all client connections
	for _, client := range s.clients.GetAll() {
		client.Close()
		s.clients.Remove(client.ID)
	}
	s.notifyClientCount()

	// Shutdown HTTP server
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// handleWebSocket authenticates then upgrades a websocket connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	// Authenticate before the upgrade so unauthorized callers get a
	// proper 401 instead of a dropped socket.
	if !s.auth.Authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID := uuid.NewString()
	client := newClient(clientID, conn, r.RemoteAddr)
	s.clients.Add(client)
	s.notifyClientCount()

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.handleClient(client)
}

// handleClient reads from a client until it disconnects. The event stream
// is one-way; inbound frames only refresh the activity timestamp.
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Close()
		s.clients.Remove(client.ID)
		s.notifyClientCount()
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.UpdateActivity(client.ID)
	}
}

func (s *Server) notifyClientCount() {
	if s.onClients != nil {
		s.onClients(s.clients.Count())
	}
}
