package signalling

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/irdkwmnsb/robolink/internal/hub"
	"github.com/irdkwmnsb/robolink/internal/metrics"
)

const defaultRegisterTimeout = 10 * time.Second

// ClientHandler runs one signalling connection: registration, then the
// read loop that hands every message to the hub.
type ClientHandler struct {
	server   *Server
	hub      *hub.Hub
	auth     *AuthHandler
	sessions *SessionHandler
}

func NewClientHandler(server *Server, h *hub.Hub, auth *AuthHandler, sessions *SessionHandler) *ClientHandler {
	return &ClientHandler{
		server:   server,
		hub:      h,
		auth:     auth,
		sessions: sessions,
	}
}

func (h *ClientHandler) HandleSocket(c *websocket.Conn) {
	remoteAddr := c.NetConn().RemoteAddr().String()
	cfg := h.server.currentConfig()

	register, err := h.readRegistration(c, cfg.Server.RegisterTimeoutDuration())
	if err != nil {
		slog.Warn("registration rejected", "remoteAddr", remoteAddr, "error", err)
		metrics.RegistrationsRejectedTotal.WithLabelValues(string(api.CodeOf(err))).Inc()
		h.reject(c, err)
		return
	}
	if err := h.auth.Admit(register, remoteAddr); err != nil {
		metrics.RegistrationsRejectedTotal.WithLabelValues(string(api.CodeOf(err))).Inc()
		h.reject(c, err)
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	identity := register.Identity()
	session := h.sessions.Open(identity, c, cfg.Server.StaleTimeoutDuration())
	defer session.Cleanup()

	// The reply is queued before Register so it reaches the client ahead
	// of the robot list the hub sends on registration.
	registered := h.server.registeredMessage()
	if err := session.Socket.Send(api.Message{
		Event:      api.EventRegistered,
		ToID:       identity.ID,
		Registered: &registered,
	}); err != nil {
		slog.Error("failed to send registered", "clientID", identity.ID, "error", err)
		return
	}

	if err := h.hub.Register(identity, session.Socket, remoteAddr); err != nil {
		_ = session.Socket.Send(api.NewErrorMessage(api.EventRegisterClient, err))
		return
	}
	defer h.hub.Leave(identity.ID, session.Socket)

	if identity.Role == domain.RoleOperator && register.RobotID != "" {
		h.handle(session, api.Message{
			Event:   api.EventRequestConnection,
			Connect: &api.ConnectMessage{RobotID: register.RobotID},
		})
	}

	for {
		msg, err := session.Socket.Read()
		if err != nil {
			if !session.Socket.Closed() {
				slog.Debug("client disconnected", "clientID", identity.ID, "error", err)
			}
			return
		}
		if msg.Event == api.EventRegisterClient {
			_ = session.Socket.Send(api.NewErrorMessage(msg.Event,
				fmt.Errorf("%w: already registered as %s", domain.ErrBadRequest, identity.ID)))
			continue
		}
		h.handle(session, msg)
	}
}

func (h *ClientHandler) handle(session *Session, msg api.Message) {
	err := h.hub.Handle(session.Identity.ID, msg)
	if err == nil {
		return
	}
	slog.Debug("message rejected", "clientID", session.Identity.ID, "event", msg.Event, "error", err)
	if sendErr := session.Socket.Send(api.NewErrorMessage(msg.Event, err)); sendErr != nil {
		slog.Warn("failed to send error reply", "clientID", session.Identity.ID, "error", sendErr)
	}
}

// readRegistration waits for the first message, which must be a valid
// registerClient.
func (h *ClientHandler) readRegistration(c *websocket.Conn, timeout time.Duration) (api.RegisterMessage, error) {
	if timeout <= 0 {
		timeout = defaultRegisterTimeout
	}
	_ = c.SetReadDeadline(time.Now().Add(timeout))

	var msg api.Message
	if err := c.ReadJSON(&msg); err != nil {
		return api.RegisterMessage{}, fmt.Errorf("%w: read registration: %v", domain.ErrBadRequest, err)
	}
	if msg.Event != api.EventRegisterClient || msg.Register == nil {
		return api.RegisterMessage{}, fmt.Errorf("%w: expected registerClient, got %q", domain.ErrBadRequest, msg.Event)
	}
	if err := msg.Register.Identity().Validate(); err != nil {
		return api.RegisterMessage{}, err
	}
	return *msg.Register, nil
}

// reject answers a refused registration and lets the handler return, which
// closes the connection.
func (h *ClientHandler) reject(c *websocket.Conn, err error) {
	_ = c.SetWriteDeadline(time.Now().Add(flushTimeout))
	if writeErr := c.WriteJSON(api.NewErrorMessage(api.EventRegisterClient, err)); writeErr != nil {
		slog.Debug("failed to send registration error", "error", writeErr)
	}
}
