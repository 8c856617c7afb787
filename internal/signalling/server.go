package signalling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/config"
	"github.com/irdkwmnsb/robolink/internal/hub"
	"github.com/irdkwmnsb/robolink/internal/sockets"
	"github.com/irdkwmnsb/robolink/internal/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// ICEServerSource hands out an extra ICE server per registration, e.g. a
// TURN relay with freshly minted credentials.
type ICEServerSource interface {
	ICEServer() (api.ICEServer, error)
}

// Server is the HTTP/WebSocket front of the hub. Every client, robot or
// operator, connects to /ws/signal; the connection is admitted, registered
// with the hub, and every message it sends afterwards is routed by the hub.
//
// The admin REST API under /api and the Prometheus endpoint /metrics are
// served from the same fiber app.
type Server struct {
	app *fiber.App
	hub *hub.Hub

	mu     sync.RWMutex
	config *config.AppConfig
	ice    ICEServerSource

	sockets  *sockets.SocketPool
	auth     *AuthHandler
	sessions *SessionHandler
	clients  *ClientHandler

	sweeperMu    sync.Mutex
	staleSweeper utils.IntervalTimer
	staleTimeout time.Duration
}

// NewServer wires the handlers and starts the stale client sweeper. The
// returned server must be closed with Close.
func NewServer(cfg *config.AppConfig, app *fiber.App, h *hub.Hub) *Server {
	server := &Server{
		app:     app,
		hub:     h,
		config:  cfg,
		sockets: sockets.NewSocketPool(),
		auth:    NewAuthHandler(cfg.Security),
	}
	server.sessions = NewSessionHandler(server.sockets)
	server.clients = NewClientHandler(server, h, server.auth, server.sessions)
	server.restartSweeper(cfg.Server.StaleTimeoutDuration())
	return server
}

// SetICEServerSource adds src's server to every registration reply.
func (s *Server) SetICEServerSource(src ICEServerSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ice = src
}

// ApplyConfig swaps in a reloaded configuration. New connections see it
// immediately; live clients keep the ICE servers they were given.
func (s *Server) ApplyConfig(cfg *config.AppConfig) {
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()

	s.auth.SetConfig(cfg.Security)
	s.restartSweeper(cfg.Server.StaleTimeoutDuration())
	slog.Info("server configuration applied")
}

func (s *Server) currentConfig() *config.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// registeredMessage builds the registration reply from the current config.
func (s *Server) registeredMessage() api.RegisteredMessage {
	s.mu.RLock()
	cfg, ice := s.config, s.ice
	s.mu.RUnlock()

	pcConfig := cfg.WebRTC.PeerConnectionConfig
	if ice != nil {
		server, err := ice.ICEServer()
		if err != nil {
			slog.Error("failed to get ice server", "error", err)
		} else {
			pcConfig = pcConfig.WithServers(server)
		}
	}
	return api.RegisteredMessage{
		PcConfig:     pcConfig,
		PingInterval: cfg.Server.PingInterval,
	}
}

func (s *Server) restartSweeper(timeout time.Duration) {
	s.sweeperMu.Lock()
	defer s.sweeperMu.Unlock()

	if s.staleSweeper != nil && timeout == s.staleTimeout {
		return
	}
	if s.staleSweeper != nil {
		s.staleSweeper.Stop()
		s.staleSweeper = nil
	}
	s.staleTimeout = timeout
	if timeout <= 0 {
		return
	}
	s.staleSweeper = utils.SetIntervalTimer(timeout/2, func() {
		if removed := s.hub.SweepStale(timeout); len(removed) > 0 {
			slog.Info("stale clients removed", "clients", removed)
		}
	})
}

// Close stops the sweeper, drops every client and closes all sockets.
// Safe to call more than once.
func (s *Server) Close() {
	s.sweeperMu.Lock()
	if s.staleSweeper != nil {
		s.staleSweeper.Stop()
		s.staleSweeper = nil
	}
	s.sweeperMu.Unlock()

	s.hub.Close()
	s.sockets.Close()
}

// SetupWebSocketsAndApi mounts every route. Call once before listening.
func (s *Server) SetupWebSocketsAndApi() {
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	s.app.Get(api.SignalPath, websocket.New(func(c *websocket.Conn) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic in signalling socket", "path", api.SignalPath, "error", err)
			}
		}()

		s.clients.HandleSocket(c)
	}))

	s.setupAdminApi()
	s.setupMetrics()
}

func (s *Server) setupMetrics() {
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s.app.Get("/metrics", func(c *fiber.Ctx) error {
		metricsHandler(c.Context())
		return nil
	})

	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"robots":  len(s.hub.Robots()),
			"clients": len(s.hub.Clients()),
			"sockets": s.sockets.Len(),
		})
	})
}
