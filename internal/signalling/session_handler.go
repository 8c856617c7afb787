package signalling

import (
	"log/slog"
	"time"

	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/irdkwmnsb/robolink/internal/metrics"
	"github.com/irdkwmnsb/robolink/internal/sockets"
)

const flushTimeout = time.Second

// Session is one admitted websocket connection.
type Session struct {
	Identity domain.Identity
	Socket   *sockets.Socket
	Cleanup  func()
}

type SessionHandler struct {
	sockets *sockets.SocketPool
}

func NewSessionHandler(pool *sockets.SocketPool) *SessionHandler {
	return &SessionHandler{sockets: pool}
}

// Open wraps conn in a started socket tracked by the pool. readTimeout
// bounds how long the client may stay silent.
func (h *SessionHandler) Open(identity domain.Identity, conn sockets.Conn, readTimeout time.Duration) *Session {
	socket := sockets.NewSocket(sockets.SocketID(identity.ID), conn, sockets.Options{ReadTimeout: readTimeout})
	socket.Start()
	h.sockets.AddSocket(socket)

	metrics.ActiveWebSocketConnections.Inc()
	metrics.WebSocketConnectionsTotal.Inc()
	slog.Info("client session started", "clientID", identity.ID, "role", identity.Role)

	cleanup := func() {
		metrics.ActiveWebSocketConnections.Dec()
		metrics.WebSocketDisconnectionsTotal.Inc()
		socket.Flush(flushTimeout)
		h.sockets.RemoveSocket(socket)
		slog.Info("client session ended", "clientID", identity.ID, "role", identity.Role)
	}

	return &Session{
		Identity: identity,
		Socket:   socket,
		Cleanup:  cleanup,
	}
}
