package domain

import "errors"

var (
	// ErrNotFound means the hub has no robot with the requested id.
	ErrNotFound = errors.New("robot not found")
	// ErrUnknownPeer means a relay target is not connected.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrNotBound means the two ends of a relay are not paired by a binding,
	// or the message belongs to a session that was superseded.
	ErrNotBound = errors.New("peers are not bound")
	// ErrTransportBusy means the connection is up but its send queue is
	// full, so the message was dropped.
	ErrTransportBusy = errors.New("transport busy")
	// ErrNotRegistered is returned for requests from a client the hub does not know.
	ErrNotRegistered = errors.New("client not registered")

	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrUnsupportedEvent = errors.New("unsupported event")
	ErrForbidden        = errors.New("forbidden")
	ErrBadRequest       = errors.New("bad request")

	// ErrChannelNotOpen is returned by sends on a data channel that is not open.
	ErrChannelNotOpen = errors.New("data channel not open")
	// ErrNegotiationFailed means the description exchange could not complete.
	ErrNegotiationFailed = errors.New("negotiation failed")
	// ErrMediaUnavailable is recoverable: the session continues data-only.
	ErrMediaUnavailable = errors.New("local media unavailable")
	ErrConnectionLost   = errors.New("peer connection lost")
	ErrPeerLeft         = errors.New("peer left")
	ErrSessionClosed    = errors.New("session closed")
)
