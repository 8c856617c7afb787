package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/irdkwmnsb/robolink/internal/media"
	"github.com/irdkwmnsb/robolink/internal/metrics"
	"github.com/pion/webrtc/v4"
)

const eventQueueSize = 64

// Signaler carries a session's outgoing signalling messages to the hub.
type Signaler interface {
	Send(msg api.Message) error
}

type SignalerFunc func(msg api.Message) error

func (f SignalerFunc) Send(msg api.Message) error {
	return f(msg)
}

// Config describes one side of a pairing. Callbacks run on the session
// goroutine and must not block; they may call Send and Close.
type Config struct {
	Role      domain.Role
	Self      domain.Identity
	RemoteID  string
	SessionID string

	API    *webrtc.API
	WebRTC webrtc.Configuration
	// Media is only used by robots. Nil means no local media.
	Media    media.Source
	Signaler Signaler

	OnStateChange    func(State)
	OnRemoteIdentity func(domain.Identity)
	// OnMessage receives data frames. from is nil until the remote init
	// frame has arrived.
	OnMessage func(from *domain.Identity, payload json.RawMessage)
	OnTrack   func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

	Logger *slog.Logger
}

func (c *Config) validate() error {
	if err := c.Self.Validate(); err != nil {
		return err
	}
	if c.Role != c.Self.Role {
		return fmt.Errorf("%w: session role %q does not match identity role %q", domain.ErrInvalidIdentity, c.Role, c.Self.Role)
	}
	if c.RemoteID == "" {
		return fmt.Errorf("%w: empty remote id", domain.ErrInvalidIdentity)
	}
	if c.Signaler == nil {
		return errors.New("peer session requires a signaler")
	}
	return nil
}

// Session owns one peer connection. All transitions happen on a single
// goroutine fed by Dispatch and by pion callbacks.
type Session struct {
	cfg    Config
	log    *slog.Logger
	role   string
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.RWMutex
	state          State
	dcState        ChannelState
	dc             *webrtc.DataChannel
	remoteIdentity *domain.Identity
	localMedia     *media.Stream
	err            error

	// Owned by the session goroutine.
	pc                *webrtc.PeerConnection
	pendingCandidates []webrtc.ICECandidateInit
	remoteDescSet     bool
	initReceived      bool
	everConnected     bool
	startedAt         time.Time
}

func New(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.API == nil {
		cfg.API = webrtc.NewAPI()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:  cfg,
		role: string(cfg.Role),
		log: logger.With(
			"role", cfg.Role,
			"selfID", cfg.Self.ID,
			"remoteID", cfg.RemoteID,
			"sessionID", cfg.SessionID,
		),
		events:  make(chan Event, eventQueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateIdle,
		dcState: ChannelUnopened,
	}

	metrics.ActivePeerSessions.WithLabelValues(s.role).Inc()
	go s.run()
	return s, nil
}

func (s *Session) ID() string           { return s.cfg.SessionID }
func (s *Session) RemoteID() string     { return s.cfg.RemoteID }
func (s *Session) Self() domain.Identity { return s.cfg.Self }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) ChannelState() ChannelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dcState
}

// RemoteIdentity is nil until the remote init frame has been received.
func (s *Session) RemoteIdentity() *domain.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.remoteIdentity == nil {
		return nil
	}
	id := *s.remoteIdentity
	return &id
}

// LocalMedia is nil when the robot streams nothing.
func (s *Session) LocalMedia() *media.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localMedia
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session closed. Nil for local closes.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Dispatch feeds an event to the session goroutine.
func (s *Session) Dispatch(ev Event) error {
	if ev == nil {
		return nil
	}
	select {
	case <-s.ctx.Done():
		return domain.ErrSessionClosed
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.ctx.Done():
		return domain.ErrSessionClosed
	}
}

// Send writes an application payload to the data channel.
func (s *Session) Send(payload any) error {
	s.mu.RLock()
	dc, open := s.dc, s.dcState == ChannelOpen
	s.mu.RUnlock()
	if !open || dc == nil {
		return domain.ErrChannelNotOpen
	}

	frame, err := api.EncodeData(payload)
	if err != nil {
		return err
	}
	if err := dc.SendText(string(frame)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelNotOpen, err)
	}
	metrics.DataChannelMessagesTotal.WithLabelValues(string(api.ChannelMessageData), "out").Inc()
	return nil
}

// Close cancels any in-flight negotiation. It does not wait for teardown;
// use Done for that.
func (s *Session) Close() {
	s.mu.Lock()
	if s.dcState == ChannelOpen {
		s.dcState = ChannelClosed
	}
	s.mu.Unlock()
	s.cancel()
}

// post is used by callbacks running outside the session goroutine. It
// reports false once the session is closing.
func (s *Session) post(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.teardown(nil)
			return
		case ev := <-s.events:
			if s.ctx.Err() != nil {
				s.teardown(nil)
				return
			}
			if err := s.handle(ev); err != nil {
				s.fail(err)
				return
			}
			if s.stopping() {
				return
			}
		}
	}
}

func (s *Session) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) handle(ev Event) error {
	switch e := ev.(type) {
	case BeginSession:
		return s.onBeginSession()
	case mediaAcquired:
		return s.onMediaAcquired(e)
	case RemoteOffer:
		return s.onRemoteOffer(e)
	case RemoteAnswer:
		return s.onRemoteAnswer(e)
	case RemoteCandidate:
		s.onRemoteCandidate(e.Candidate)
	case localCandidate:
		s.sendSignal(api.Message{Event: api.EventIceCandidate, IceCandidate: &e.candidate})
		metrics.ICECandidatesTotal.WithLabelValues("local").Inc()
	case connectionStateChanged:
		return s.onConnectionState(e.state)
	case channelAttached:
		s.log.Debug("data channel attached", "label", e.dc.Label())
	case channelOpened:
		return s.onChannelOpened(e.dc)
	case channelClosed:
		return s.onChannelClosed(e.dc)
	case channelMessage:
		s.onChannelMessage(e.data)
	case trackAttached:
		s.onTrack(e)
	case PeerLeft:
		s.log.Info("remote peer left", "reason", e.Reason)
		s.teardown(domain.ErrPeerLeft)
	case Hangup:
		s.notifyDisconnect()
		s.teardown(nil)
	default:
		s.log.Warn("unhandled session event", "event", fmt.Sprintf("%T", ev))
	}
	return nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	metrics.PeerSessionStateChanges.WithLabelValues(s.role, state.String()).Inc()
	s.log.Debug("peer session state changed", "state", state)
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(state)
	}
}

func (s *Session) markConnected(signal string) {
	if !s.State().Negotiating() {
		return
	}
	s.everConnected = true
	if !s.startedAt.IsZero() {
		metrics.PeerSessionSetupDuration.WithLabelValues(s.role).Observe(time.Since(s.startedAt).Seconds())
	}
	s.log.Info("peer session connected", "signal", signal)
	s.setState(StateConnected)
}

func (s *Session) robotID() string {
	if s.cfg.Role == domain.RoleRobot {
		return s.cfg.Self.ID
	}
	return s.cfg.RemoteID
}

func (s *Session) sendSignal(msg api.Message) {
	msg.FromID = s.cfg.Self.ID
	msg.ToID = s.cfg.RemoteID
	msg.SessionID = s.cfg.SessionID
	err := s.cfg.Signaler.Send(msg)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrTransportBusy):
		s.log.Warn("signalling queue full, message dropped", "event", msg.Event)
	default:
		s.log.Warn("failed to send signalling message", "event", msg.Event, "error", err)
	}
}

// notifyDisconnect tells the hub the session is over, best effort.
func (s *Session) notifyDisconnect() {
	s.sendSignal(api.Message{
		Event:   api.EventDisconnectSession,
		Connect: &api.ConnectMessage{RobotID: s.robotID()},
	})
}

func (s *Session) fail(err error) {
	reason := "error"
	switch {
	case errors.Is(err, domain.ErrNegotiationFailed):
		reason = "negotiation_failed"
	case errors.Is(err, domain.ErrConnectionLost):
		reason = "connection_lost"
	}
	metrics.PeerSessionFailuresTotal.WithLabelValues(s.role, reason).Inc()
	s.log.Error("peer session failed", "error", err)
	s.notifyDisconnect()
	s.teardown(err)
}

func (s *Session) teardown(err error) {
	if s.stopping() {
		return
	}
	s.cancel()

	s.mu.Lock()
	s.err = err
	s.dcState = ChannelClosed
	dc := s.dc
	stream := s.localMedia
	s.mu.Unlock()

	if dc != nil {
		if cErr := dc.Close(); cErr != nil {
			s.log.Debug("failed to close data channel", "error", cErr)
		}
	}
	if s.pc != nil {
		if cErr := s.pc.Close(); cErr != nil {
			s.log.Debug("failed to close peer connection", "error", cErr)
		}
	}
	if stream != nil {
		stream.Close()
	}

	s.setState(StateClosed)
	metrics.ActivePeerSessions.WithLabelValues(s.role).Dec()
	close(s.done)
}
