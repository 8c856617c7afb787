package hub

import (
	"fmt"
	"time"

	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/domain"
)

// Handle routes one message received from the registered client fromID.
// The sender id is always taken from the connection, never from the message.
func (h *Hub) Handle(fromID string, msg api.Message) error {
	msg.FromID = fromID

	switch msg.Event {
	case api.EventRequestConnection:
		if msg.Connect == nil || msg.Connect.RobotID == "" {
			return fmt.Errorf("%w: requestConnection without robotId", domain.ErrBadRequest)
		}
		_, err := h.RequestConnection(fromID, msg.Connect.RobotID)
		return err
	case api.EventOffer, api.EventAnswer, api.EventIceCandidate:
		if msg.ToID == "" {
			return fmt.Errorf("%w: %s without toId", domain.ErrBadRequest, msg.Event)
		}
		return h.Relay(msg)
	case api.EventDisconnectSession:
		robotID := ""
		if msg.Connect != nil {
			robotID = msg.Connect.RobotID
		}
		if robotID == "" {
			return fmt.Errorf("%w: disconnectSession without robotId", domain.ErrBadRequest)
		}
		return h.disconnectSession(fromID, robotID, msg.SessionID)
	case api.EventPing:
		if err := h.Touch(fromID); err != nil {
			return err
		}
		return h.pong(fromID)
	case api.EventPong:
		return h.Touch(fromID)
	}
	return fmt.Errorf("%w: %s", domain.ErrUnsupportedEvent, msg.Event)
}

func (h *Hub) pong(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.transports[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotRegistered, id)
	}
	h.sendLocked(t, api.Message{
		Event: api.EventPong,
		ToID:  id,
		Ping:  &api.PingMessage{Timestamp: time.Now().Unix()},
	})
	return nil
}
