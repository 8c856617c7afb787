package peer

import (
	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/media"
	"github.com/pion/webrtc/v4"
)

// Event is the closed set of inputs a Session reacts to.
type Event interface {
	isEvent()
}

// BeginSession starts a robot session: acquire media, then offer.
type BeginSession struct{}

// RemoteOffer starts (or renegotiates) an operator session.
type RemoteOffer struct {
	SDP webrtc.SessionDescription
}

type RemoteAnswer struct {
	SDP webrtc.SessionDescription
}

type RemoteCandidate struct {
	Candidate webrtc.ICECandidateInit
}

// PeerLeft is raised when the hub reports the other end gone.
type PeerLeft struct {
	Reason api.PeerLeftReason
}

// Hangup ends the session locally and tells the hub.
type Hangup struct{}

func (BeginSession) isEvent()    {}
func (RemoteOffer) isEvent()     {}
func (RemoteAnswer) isEvent()    {}
func (RemoteCandidate) isEvent() {}
func (PeerLeft) isEvent()        {}
func (Hangup) isEvent()          {}

// Raised by pion callbacks and background work.
type (
	localCandidate struct {
		candidate webrtc.ICECandidateInit
	}
	connectionStateChanged struct {
		state webrtc.PeerConnectionState
	}
	channelAttached struct {
		dc *webrtc.DataChannel
	}
	channelOpened struct {
		dc *webrtc.DataChannel
	}
	channelClosed struct {
		dc *webrtc.DataChannel
	}
	channelMessage struct {
		data []byte
	}
	trackAttached struct {
		track    *webrtc.TrackRemote
		receiver *webrtc.RTPReceiver
	}
	mediaAcquired struct {
		stream *media.Stream
		err    error
	}
)

func (localCandidate) isEvent()         {}
func (connectionStateChanged) isEvent() {}
func (channelAttached) isEvent()        {}
func (channelOpened) isEvent()          {}
func (channelClosed) isEvent()          {}
func (channelMessage) isEvent()         {}
func (trackAttached) isEvent()          {}
func (mediaAcquired) isEvent()          {}

// EventFromMessage maps a signalling message addressed to a session onto
// the session event it triggers.
func EventFromMessage(msg api.Message) (Event, bool) {
	switch msg.Event {
	case api.EventBeginSession:
		return BeginSession{}, true
	case api.EventOffer:
		if msg.Offer == nil {
			return nil, false
		}
		return RemoteOffer{SDP: *msg.Offer}, true
	case api.EventAnswer:
		if msg.Answer == nil {
			return nil, false
		}
		return RemoteAnswer{SDP: *msg.Answer}, true
	case api.EventIceCandidate:
		if msg.IceCandidate == nil {
			return nil, false
		}
		return RemoteCandidate{Candidate: *msg.IceCandidate}, true
	case api.EventPeerLeft:
		ev := PeerLeft{}
		if msg.PeerLeft != nil {
			ev.Reason = msg.PeerLeft.Reason
		}
		return ev, true
	}
	return nil, false
}
