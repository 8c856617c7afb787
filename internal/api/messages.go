package api

import (
	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/pion/webrtc/v4"
)

// SignalPath is the hub websocket endpoint.
const SignalPath = "/ws/signal"

type Event string

const (
	EventRegisterClient    = Event("registerClient")
	EventRegistered        = Event("registered")
	EventUpdateRobotList   = Event("updateRobotList")
	EventRequestConnection = Event("requestConnection")
	EventBeginSession      = Event("beginSession")
	EventOffer             = Event("offer")
	EventAnswer            = Event("answer")
	EventIceCandidate      = Event("iceCandidate")
	EventDisconnectSession = Event("disconnectSession")
	EventPeerLeft          = Event("peerLeft")
	EventError             = Event("error")
	EventPing              = Event("ping")
	EventPong              = Event("pong")
)

// IsRelayed reports whether the hub forwards the event between bound peers
// without interpreting its payload.
func (e Event) IsRelayed() bool {
	switch e {
	case EventOffer, EventAnswer, EventIceCandidate:
		return true
	}
	return false
}

// Message is the single envelope used in both directions on the signalling
// socket. Exactly one payload pointer is set, matching Event.
type Message struct {
	Event     Event  `json:"event"`
	FromID    string `json:"fromId,omitempty"`
	ToID      string `json:"toId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	Register     *RegisterMessage           `json:"register,omitempty"`
	Registered   *RegisteredMessage         `json:"registered,omitempty"`
	RobotList    *RobotListMessage          `json:"robotList,omitempty"`
	Connect      *ConnectMessage            `json:"connect,omitempty"`
	Offer        *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer       *webrtc.SessionDescription `json:"answer,omitempty"`
	IceCandidate *webrtc.ICECandidateInit   `json:"iceCandidate,omitempty"`
	PeerLeft     *PeerLeftMessage           `json:"peerLeft,omitempty"`
	Error        *ErrorMessage              `json:"error,omitempty"`
	Ping         *PingMessage               `json:"ping,omitempty"`
}

type RegisterMessage struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Role domain.Role `json:"role"`
	// RobotID lets an operator ask for a session as part of registering.
	RobotID    string `json:"robotId,omitempty"`
	Credential string `json:"credential,omitempty"`
}

func (m RegisterMessage) Identity() domain.Identity {
	return domain.Identity{ID: m.ID, Name: m.Name, Role: m.Role}
}

type RegisteredMessage struct {
	PcConfig     PeerConnectionConfig `json:"pcConfig"`
	PingInterval int                  `json:"pingInterval"`
}

type RobotInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type RobotListMessage struct {
	Robots []RobotInfo `json:"robots"`
}

type ConnectMessage struct {
	RobotID string `json:"robotId"`
}

type PeerLeftReason string

const (
	PeerLeftDisconnected = PeerLeftReason("disconnected")
	PeerLeftSuperseded   = PeerLeftReason("superseded")
	PeerLeftEnded        = PeerLeftReason("ended")
)

type PeerLeftMessage struct {
	PeerID string         `json:"peerId"`
	Reason PeerLeftReason `json:"reason"`
}

type ErrorMessage struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Event   Event     `json:"event,omitempty"`
}

type PingMessage struct {
	Timestamp int64 `json:"timestamp"`
}
