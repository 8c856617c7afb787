package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/irdkwmnsb/robolink/internal/media"
	"github.com/irdkwmnsb/robolink/internal/peer"
	"github.com/irdkwmnsb/robolink/internal/utils"
	"github.com/pion/webrtc/v4"
)

// Conn is the agent's view of a registered hub connection.
type Conn interface {
	Identity() domain.Identity
	Registered() api.RegisteredMessage
	Incoming() <-chan api.Message
	Send(msg api.Message) error
}

type AgentOptions struct {
	API *webrtc.API
	// Media feeds robot sessions.
	Media media.Source
	// Recorder, when set, stores every remote track an operator receives.
	Recorder *media.Recorder

	OnRobots         func(robots []api.RobotInfo)
	OnSession        func(s *peer.Session)
	OnSessionClosed  func(s *peer.Session)
	OnRemoteIdentity func(s *peer.Session, remote domain.Identity)
	OnMessage        func(s *peer.Session, from *domain.Identity, payload json.RawMessage)
	OnError          func(err error)
}

// Agent is the client task of one robot or operator. It turns hub messages
// into peer sessions and routes signalling to them by session id.
type Agent struct {
	conn Conn
	opts AgentOptions
	self domain.Identity
	log  *slog.Logger

	sessions *utils.SyncMapWrapper[string, *peer.Session]
	// ended holds ids of recently closed sessions so late signalling for
	// them is dropped instead of starting a new session. The oldest ids are
	// evicted first.
	ended *lru.Cache[string, struct{}]

	mu     sync.RWMutex
	ctx    context.Context
	robots []api.RobotInfo
}

func NewAgent(conn Conn, opts AgentOptions) *Agent {
	self := conn.Identity()
	return &Agent{
		conn:     conn,
		opts:     opts,
		self:     self,
		log:      slog.With("role", self.Role, "selfID", self.ID),
		sessions: utils.NewSyncMapWrapper[string, *peer.Session](),
		ended:    newTombstones(),
		ctx:      context.Background(),
	}
}

// maxTombstones bounds the closed session ids an agent remembers.
const maxTombstones = 256

func newTombstones() *lru.Cache[string, struct{}] {
	cache, err := lru.New[string, struct{}](maxTombstones)
	if err != nil {
		panic(err)
	}
	return cache
}

// Run processes hub messages until ctx is done or the connection closes.
// All sessions are closed on return.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()
	defer a.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-a.conn.Incoming():
			if !ok {
				return domain.ErrConnectionLost
			}
			a.handle(msg)
		}
	}
}

func (a *Agent) handle(msg api.Message) {
	switch msg.Event {
	case api.EventUpdateRobotList:
		var robots []api.RobotInfo
		if msg.RobotList != nil {
			robots = msg.RobotList.Robots
		}
		a.mu.Lock()
		a.robots = robots
		a.mu.Unlock()
		a.log.Debug("robot list updated", "robots", len(robots))
		if a.opts.OnRobots != nil {
			a.opts.OnRobots(robots)
		}
	case api.EventBeginSession:
		a.onBeginSession(msg)
	case api.EventOffer, api.EventAnswer, api.EventIceCandidate:
		a.onRelayed(msg)
	case api.EventPeerLeft:
		a.onPeerLeft(msg)
	case api.EventError:
		err := errors.New("hub error")
		var event api.Event
		if msg.Error != nil {
			err, event = msg.Error.Err(), msg.Error.Event
		}
		a.log.Warn("hub reported an error", "event", event, "error", err)
		if a.opts.OnError != nil {
			a.opts.OnError(err)
		}
	case api.EventPong:
	default:
		a.log.Debug("ignoring hub message", "event", msg.Event)
	}
}

// onBeginSession supersedes whatever session the robot had.
func (a *Agent) onBeginSession(msg api.Message) {
	if a.self.Role != domain.RoleRobot {
		a.log.Warn("operator received beginSession", "fromID", msg.FromID)
		return
	}
	if _, ok := a.sessions.Load(msg.SessionID); ok {
		return
	}
	if a.ended.Contains(msg.SessionID) {
		return
	}
	a.sessions.Range(func(_ string, s *peer.Session) bool {
		a.log.Info("superseding session", "sessionID", s.ID(), "remoteID", s.RemoteID())
		s.Close()
		return true
	})

	s, err := a.newSession(msg.SessionID, msg.FromID)
	if err != nil {
		a.log.Error("failed to start session", "fromID", msg.FromID, "error", err)
		return
	}
	_ = s.Dispatch(peer.BeginSession{})
}

func (a *Agent) onRelayed(msg api.Message) {
	ev, ok := peer.EventFromMessage(msg)
	if !ok {
		a.log.Warn("dropping malformed signalling message", "event", msg.Event, "fromID", msg.FromID)
		return
	}

	s, ok := a.sessions.Load(msg.SessionID)
	if !ok {
		if a.ended.Contains(msg.SessionID) {
			a.log.Debug("dropping message for ended session", "event", msg.Event, "sessionID", msg.SessionID)
			return
		}
		// The first offer or candidate of a new session is the operator's
		// incoming call.
		if a.self.Role != domain.RoleOperator || msg.Event == api.EventAnswer {
			a.log.Debug("dropping message for unknown session", "event", msg.Event, "sessionID", msg.SessionID)
			return
		}
		a.closeSessionsWith(msg.FromID)
		var err error
		if s, err = a.newSession(msg.SessionID, msg.FromID); err != nil {
			a.log.Error("failed to accept session", "fromID", msg.FromID, "error", err)
			return
		}
	}
	if s.RemoteID() != msg.FromID {
		a.log.Warn("dropping message from unexpected peer", "fromID", msg.FromID, "sessionID", msg.SessionID)
		return
	}
	if err := s.Dispatch(ev); err != nil {
		a.log.Debug("session rejected message", "event", msg.Event, "error", err)
	}
}

func (a *Agent) onPeerLeft(msg api.Message) {
	if msg.PeerLeft == nil {
		return
	}
	ev := peer.PeerLeft{Reason: msg.PeerLeft.Reason}
	a.sessions.Range(func(id string, s *peer.Session) bool {
		if s.RemoteID() == msg.PeerLeft.PeerID && (msg.SessionID == "" || msg.SessionID == id) {
			_ = s.Dispatch(ev)
		}
		return true
	})
}

func (a *Agent) newSession(sessionID, remoteID string) (*peer.Session, error) {
	var holder struct {
		sync.Mutex
		s *peer.Session
	}
	current := func() *peer.Session {
		holder.Lock()
		defer holder.Unlock()
		return holder.s
	}

	cfg := peer.Config{
		Role:      a.self.Role,
		Self:      a.self,
		RemoteID:  remoteID,
		SessionID: sessionID,
		API:       a.opts.API,
		WebRTC:    a.conn.Registered().PcConfig.WebrtcConfiguration(),
		Signaler:  peer.SignalerFunc(a.conn.Send),
		Logger:    a.log,
	}
	if a.self.Role == domain.RoleRobot {
		cfg.Media = a.opts.Media
	}
	if a.opts.OnRemoteIdentity != nil {
		cfg.OnRemoteIdentity = func(remote domain.Identity) {
			a.opts.OnRemoteIdentity(current(), remote)
		}
	}
	if a.opts.OnMessage != nil {
		cfg.OnMessage = func(from *domain.Identity, payload json.RawMessage) {
			a.opts.OnMessage(current(), from, payload)
		}
	}
	if a.opts.Recorder != nil {
		cfg.OnTrack = func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			go a.record(remoteID, track)
		}
	}

	s, err := peer.New(cfg)
	if err != nil {
		return nil, err
	}
	holder.Lock()
	holder.s = s
	holder.Unlock()

	a.sessions.Store(sessionID, s)
	if a.opts.OnSession != nil {
		a.opts.OnSession(s)
	}
	go a.watch(s)
	return s, nil
}

func (a *Agent) watch(s *peer.Session) {
	<-s.Done()
	a.ended.Add(s.ID(), struct{}{})
	a.sessions.CompareAndDelete(s.ID(), s)
	a.log.Info("session closed", "sessionID", s.ID(), "remoteID", s.RemoteID(), "reason", s.Err())
	if a.opts.OnSessionClosed != nil {
		a.opts.OnSessionClosed(s)
	}
}

func (a *Agent) record(remoteID string, track *webrtc.TrackRemote) {
	a.mu.RLock()
	ctx := a.ctx
	a.mu.RUnlock()
	output, err := a.opts.Recorder.Record(ctx, fmt.Sprintf("%s_%s", remoteID, track.Kind()), track)
	if err != nil {
		a.log.Warn("recording stopped", "remoteID", remoteID, "error", err)
		return
	}
	a.log.Info("recording finished", "remoteID", remoteID, "file", output)
}

func (a *Agent) closeSessionsWith(remoteID string) {
	a.sessions.Range(func(_ string, s *peer.Session) bool {
		if s.RemoteID() == remoteID {
			s.Close()
		}
		return true
	})
}

func (a *Agent) closeAll() {
	a.sessions.Range(func(_ string, s *peer.Session) bool {
		s.Close()
		return true
	})
}

// Connect asks the hub for a session with robotID.
func (a *Agent) Connect(robotID string) error {
	if a.self.Role != domain.RoleOperator {
		return fmt.Errorf("%w: only operators request connections", domain.ErrForbidden)
	}
	return a.conn.Send(api.Message{
		Event:   api.EventRequestConnection,
		Connect: &api.ConnectMessage{RobotID: robotID},
	})
}

// Disconnect hangs up the session with remoteID, or asks the hub to clear
// the binding when there is no live session.
func (a *Agent) Disconnect(remoteID string) error {
	if s := a.Session(remoteID); s != nil {
		return s.Dispatch(peer.Hangup{})
	}
	robotID := remoteID
	if a.self.Role == domain.RoleRobot {
		robotID = a.self.ID
	}
	return a.conn.Send(api.Message{
		Event:   api.EventDisconnectSession,
		Connect: &api.ConnectMessage{RobotID: robotID},
	})
}

// Session returns the live session with remoteID, if any.
func (a *Agent) Session(remoteID string) *peer.Session {
	var found *peer.Session
	a.sessions.Range(func(_ string, s *peer.Session) bool {
		if s.RemoteID() == remoteID && s.State() != peer.StateClosed {
			found = s
			return false
		}
		return true
	})
	return found
}

func (a *Agent) Sessions() []*peer.Session {
	var out []*peer.Session
	a.sessions.Range(func(_ string, s *peer.Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Send writes payload to the data channel of the session with remoteID.
func (a *Agent) Send(remoteID string, payload any) error {
	s := a.Session(remoteID)
	if s == nil {
		return domain.ErrChannelNotOpen
	}
	return s.Send(payload)
}

// Broadcast sends payload to every open session and returns the first error.
func (a *Agent) Broadcast(payload any) error {
	var first error
	for _, s := range a.Sessions() {
		if err := s.Send(payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (a *Agent) Robots() []api.RobotInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]api.RobotInfo(nil), a.robots...)
}
