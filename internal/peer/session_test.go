package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/irdkwmnsb/robolink/internal/media"
	"github.com/irdkwmnsb/robolink/internal/metrics"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	robotID    = domain.Identity{ID: "r1", Name: "rover", Role: domain.RoleRobot}
	operatorID = domain.Identity{ID: "o1", Name: "console", Role: domain.RoleOperator}
)

// pipe delivers one side's signalling messages to the other session in
// order, optionally holding back offers.
type pipe struct {
	queue      chan api.Message
	delayOffer time.Duration

	mu     sync.Mutex
	target *Session
	sent   []api.Message
	closed bool
}

func newPipe(t *testing.T) *pipe {
	t.Helper()
	p := &pipe{queue: make(chan api.Message, 256)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range p.queue {
			if msg.Event == api.EventOffer && p.delayOffer > 0 {
				msg := msg
				time.AfterFunc(p.delayOffer, func() { p.deliver(msg) })
				continue
			}
			p.deliver(msg)
		}
	}()
	t.Cleanup(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		<-done
	})
	return p
}

func (p *pipe) Send(msg api.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("pipe closed")
	}
	p.sent = append(p.sent, msg)
	select {
	case p.queue <- msg:
		return nil
	default:
		return errors.New("pipe full")
	}
}

func (p *pipe) connect(target *Session) {
	p.mu.Lock()
	p.target = target
	p.mu.Unlock()
}

func (p *pipe) deliver(msg api.Message) {
	p.mu.Lock()
	target := p.target
	p.mu.Unlock()
	if target == nil {
		return
	}
	if ev, ok := EventFromMessage(msg); ok {
		_ = target.Dispatch(ev)
	}
}

func (p *pipe) events() []api.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := make([]api.Event, 0, len(p.sent))
	for _, msg := range p.sent {
		events = append(events, msg.Event)
	}
	return events
}

func (p *pipe) lastOf(event api.Event) (api.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.sent) - 1; i >= 0; i-- {
		if p.sent[i].Event == event {
			return p.sent[i], true
		}
	}
	return api.Message{}, false
}

type received struct {
	from    *domain.Identity
	payload json.RawMessage
}

type pair struct {
	robot, operator         *Session
	robotPipe, operatorPipe *pipe
	robotMessages           chan received
	operatorMessages        chan received
	tracks                  chan *webrtc.TrackRemote
}

func newTestAPI(t *testing.T, role domain.Role) *webrtc.API {
	t.Helper()
	a, err := NewAPI(APIOptions{Role: role, IncludeLoopback: true})
	if err != nil {
		t.Fatalf("NewAPI(%s): %v", role, err)
	}
	return a
}

func newPair(t *testing.T, source media.Source) *pair {
	t.Helper()
	return newPairWith(t, source, nil)
}

// newPairWith lets tweak adjust both configs before the sessions are built.
func newPairWith(t *testing.T, source media.Source, tweak func(robot, operator *Config)) *pair {
	t.Helper()
	p := &pair{
		robotPipe:        newPipe(t),
		operatorPipe:     newPipe(t),
		robotMessages:    make(chan received, 16),
		operatorMessages: make(chan received, 16),
		tracks:           make(chan *webrtc.TrackRemote, 4),
	}

	robotCfg := Config{
		Role:      domain.RoleRobot,
		Self:      robotID,
		RemoteID:  operatorID.ID,
		SessionID: "s1",
		API:       newTestAPI(t, domain.RoleRobot),
		Media:     source,
		Signaler:  p.robotPipe,
		OnMessage: func(from *domain.Identity, payload json.RawMessage) {
			p.robotMessages <- received{from: from, payload: payload}
		},
	}
	operatorCfg := Config{
		Role:      domain.RoleOperator,
		Self:      operatorID,
		RemoteID:  robotID.ID,
		SessionID: "s1",
		API:       newTestAPI(t, domain.RoleOperator),
		Signaler:  p.operatorPipe,
		OnMessage: func(from *domain.Identity, payload json.RawMessage) {
			p.operatorMessages <- received{from: from, payload: payload}
		},
		OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			select {
			case p.tracks <- track:
			default:
			}
		},
	}
	if tweak != nil {
		tweak(&robotCfg, &operatorCfg)
	}

	robot, err := New(robotCfg)
	if err != nil {
		t.Fatalf("New(robot): %v", err)
	}
	t.Cleanup(robot.Close)

	operator, err := New(operatorCfg)
	if err != nil {
		t.Fatalf("New(operator): %v", err)
	}
	t.Cleanup(operator.Close)

	p.robot, p.operator = robot, operator
	p.robotPipe.connect(operator)
	p.operatorPipe.connect(robot)
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (p *pair) waitOpen(t *testing.T) {
	t.Helper()
	waitFor(t, "robot connected", func() bool { return p.robot.State() == StateConnected })
	waitFor(t, "operator connected", func() bool { return p.operator.State() == StateConnected })
	waitFor(t, "robot channel open", func() bool { return p.robot.ChannelState() == ChannelOpen })
	waitFor(t, "operator channel open", func() bool { return p.operator.ChannelState() == ChannelOpen })
}

func nextMessage(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for data message")
	}
	return received{}
}

func TestSessionsConnectAndExchangeData(t *testing.T) {
	p := newPair(t, media.PatternSource{FPS: 30})

	if p.operator.RemoteIdentity() != nil {
		t.Fatalf("remote identity must be nil before init")
	}
	if err := p.robot.Dispatch(BeginSession{}); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	p.waitOpen(t)

	waitFor(t, "operator learns robot identity", func() bool { return p.operator.RemoteIdentity() != nil })
	if got := *p.operator.RemoteIdentity(); got != robotID {
		t.Fatalf("operator remote identity = %+v, want %+v", got, robotID)
	}
	waitFor(t, "robot learns operator identity", func() bool { return p.robot.RemoteIdentity() != nil })
	if got := *p.robot.RemoteIdentity(); got != operatorID {
		t.Fatalf("robot remote identity = %+v, want %+v", got, operatorID)
	}

	if err := p.operator.Send(map[string]string{"cmd": "forward"}); err != nil {
		t.Fatalf("operator Send: %v", err)
	}
	got := nextMessage(t, p.robotMessages)
	if string(got.payload) != `{"cmd":"forward"}` {
		t.Fatalf("robot got payload %s", got.payload)
	}
	if got.from == nil || got.from.ID != operatorID.ID {
		t.Fatalf("robot data sender = %+v, want %s", got.from, operatorID.ID)
	}

	if err := p.robot.Send(json.RawMessage(`{"battery":87}`)); err != nil {
		t.Fatalf("robot Send: %v", err)
	}
	got = nextMessage(t, p.operatorMessages)
	if string(got.payload) != `{"battery":87}` {
		t.Fatalf("operator got payload %s", got.payload)
	}

	select {
	case track := <-p.tracks:
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			t.Fatalf("unexpected track kind %s", track.Kind())
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("operator never received the robot video track")
	}

	if p.robot.LocalMedia() == nil {
		t.Fatalf("robot should hold its local media")
	}

	events := p.robotPipe.events()
	if len(events) == 0 || events[0] != api.EventOffer {
		t.Fatalf("robot must send the offer first, sent %v", events)
	}
	offer, _ := p.robotPipe.lastOf(api.EventOffer)
	if offer.ToID != operatorID.ID || offer.FromID != robotID.ID || offer.SessionID != "s1" {
		t.Fatalf("offer addressed wrong: %+v", offer)
	}
	if _, ok := p.operatorPipe.lastOf(api.EventAnswer); !ok {
		t.Fatalf("operator never answered")
	}
	if _, ok := p.robotPipe.lastOf(api.EventIceCandidate); !ok {
		t.Fatalf("robot sent no ICE candidates")
	}
}

func TestMediaUnavailableStillConnects(t *testing.T) {
	p := newPair(t, media.Unavailable("no camera"))

	if err := p.robot.Dispatch(BeginSession{}); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	p.waitOpen(t)

	if p.robot.LocalMedia() != nil {
		t.Fatalf("robot local media should be absent")
	}
	if err := p.robot.Send("status"); err != nil {
		t.Fatalf("robot Send: %v", err)
	}
	got := nextMessage(t, p.operatorMessages)
	if string(got.payload) != `"status"` {
		t.Fatalf("operator got payload %s", got.payload)
	}
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func TestCandidatesBeforeOfferAreApplied(t *testing.T) {
	p := newPair(t, media.Unavailable("data only"))
	p.robotPipe.delayOffer = 300 * time.Millisecond

	buffered := counterValue(metrics.ICECandidatesTotal.WithLabelValues("buffered"))
	if err := p.robot.Dispatch(BeginSession{}); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	p.waitOpen(t)

	if counterValue(metrics.ICECandidatesTotal.WithLabelValues("buffered")) <= buffered {
		t.Fatalf("expected early candidates to be buffered")
	}
}

func TestSlowOperatorStillReceivesInit(t *testing.T) {
	p := newPairWith(t, media.Unavailable("data only"), func(_, operator *Config) {
		operator.OnStateChange = func(state State) {
			if state == StateConnected {
				time.Sleep(300 * time.Millisecond)
			}
		}
	})

	if err := p.robot.Dispatch(BeginSession{}); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	p.waitOpen(t)

	waitFor(t, "operator learns robot identity", func() bool { return p.operator.RemoteIdentity() != nil })
	if got := *p.operator.RemoteIdentity(); got != robotID {
		t.Fatalf("operator remote identity = %+v, want %+v", got, robotID)
	}
}

type deliveredFrame struct {
	from    *domain.Identity
	remote  *domain.Identity
	payload json.RawMessage
}

// TestDataBeforeInitIsDelivered drives an operator session from a bare pion
// peer that sends a data frame before its init frame.
func TestDataBeforeInitIsDelivered(t *testing.T) {
	robotPC, err := newTestAPI(t, domain.RoleRobot).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = robotPC.Close() })

	dc, err := robotPC.CreateDataChannel(api.DataChannelLabel, nil)
	if err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	fromOperator := make(chan []byte, 8)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fromOperator <- msg.Data
	})
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	answerErr := make(chan error, 1)
	signaler := SignalerFunc(func(msg api.Message) error {
		switch msg.Event {
		case api.EventAnswer:
			answerErr <- robotPC.SetRemoteDescription(*msg.Answer)
		case api.EventIceCandidate:
			_ = robotPC.AddICECandidate(*msg.IceCandidate)
		}
		return nil
	})

	delivered := make(chan deliveredFrame, 8)
	var operator *Session
	operator, err = New(Config{
		Role:      domain.RoleOperator,
		Self:      operatorID,
		RemoteID:  robotID.ID,
		SessionID: "s1",
		API:       newTestAPI(t, domain.RoleOperator),
		Signaler:  signaler,
		OnMessage: func(from *domain.Identity, payload json.RawMessage) {
			delivered <- deliveredFrame{from: from, remote: operator.RemoteIdentity(), payload: payload}
		},
	})
	if err != nil {
		t.Fatalf("New(operator): %v", err)
	}
	t.Cleanup(operator.Close)

	offer, err := robotPC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(robotPC)
	if err := robotPC.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	<-gathered
	if err := operator.Dispatch(RemoteOffer{SDP: *robotPC.LocalDescription()}); err != nil {
		t.Fatalf("Dispatch offer: %v", err)
	}
	select {
	case err := <-answerErr:
		if err != nil {
			t.Fatalf("apply answer: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("operator never answered")
	}
	select {
	case <-opened:
	case <-time.After(15 * time.Second):
		t.Fatalf("data channel never opened")
	}

	select {
	case frame := <-fromOperator:
		msg, err := api.DecodeChannelMessage(frame)
		if err != nil || msg.Type != api.ChannelMessageInit {
			t.Fatalf("first operator frame = %s, want init", frame)
		}
		identity, err := msg.InitIdentity(domain.RoleOperator)
		if err != nil || identity != operatorID {
			t.Fatalf("init identity = %+v (%v), want %+v", identity, err, operatorID)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("operator sent no init frame")
	}

	early, _ := api.EncodeData(json.RawMessage(`{"early":true}`))
	if err := dc.SendText(string(early)); err != nil {
		t.Fatalf("send data: %v", err)
	}
	var got deliveredFrame
	select {
	case got = <-delivered:
	case <-time.After(10 * time.Second):
		t.Fatalf("data frame before init was not delivered")
	}
	if string(got.payload) != `{"early":true}` || got.from != nil || got.remote != nil {
		t.Fatalf("early frame = %+v, want payload with unknown sender", got)
	}
	if operator.RemoteIdentity() != nil {
		t.Fatalf("remote identity set before init")
	}

	initFrame, _ := api.EncodeInit(robotID)
	if err := dc.SendText(string(initFrame)); err != nil {
		t.Fatalf("send init: %v", err)
	}
	waitFor(t, "operator learns robot identity", func() bool { return operator.RemoteIdentity() != nil })

	late, _ := api.EncodeData(json.RawMessage(`{"late":true}`))
	if err := dc.SendText(string(late)); err != nil {
		t.Fatalf("send data: %v", err)
	}
	select {
	case got = <-delivered:
	case <-time.After(10 * time.Second):
		t.Fatalf("data frame after init was not delivered")
	}
	if got.from == nil || *got.from != robotID {
		t.Fatalf("sender after init = %+v, want %+v", got.from, robotID)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	p := newPair(t, media.Unavailable("data only"))
	if err := p.robot.Dispatch(BeginSession{}); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	p.waitOpen(t)

	p.operator.Close()
	if err := p.operator.Send("late"); !errors.Is(err, domain.ErrChannelNotOpen) {
		t.Fatalf("Send after Close = %v, want ErrChannelNotOpen", err)
	}
	select {
	case <-p.operator.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("operator session did not close")
	}
	if p.operator.State() != StateClosed {
		t.Fatalf("state = %s, want closed", p.operator.State())
	}
	if p.operator.Err() != nil {
		t.Fatalf("local close should not record an error, got %v", p.operator.Err())
	}
}

func TestSendBeforeOpenFails(t *testing.T) {
	s := newIdleSession(t, robotID, &pipe{queue: make(chan api.Message, 8)}, nil)
	if err := s.Send("hello"); !errors.Is(err, domain.ErrChannelNotOpen) {
		t.Fatalf("Send before open = %v, want ErrChannelNotOpen", err)
	}
}

func newIdleSession(t *testing.T, self domain.Identity, signaler Signaler, source media.Source) *Session {
	t.Helper()
	remote := operatorID.ID
	if self.Role == domain.RoleOperator {
		remote = robotID.ID
	}
	s, err := New(Config{
		Role:      self.Role,
		Self:      self,
		RemoteID:  remote,
		SessionID: "s1",
		API:       newTestAPI(t, self.Role),
		Media:     source,
		Signaler:  signaler,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not close")
	}
}

func TestClosedSessionRejectsEvents(t *testing.T) {
	s := newIdleSession(t, operatorID, &pipe{queue: make(chan api.Message, 8)}, nil)
	s.Close()
	waitDone(t, s)

	if err := s.Dispatch(RemoteCandidate{}); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("Dispatch after close = %v, want ErrSessionClosed", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
}

func TestPeerLeftClosesSession(t *testing.T) {
	s := newIdleSession(t, operatorID, &pipe{queue: make(chan api.Message, 8)}, nil)
	if err := s.Dispatch(PeerLeft{Reason: api.PeerLeftSuperseded}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitDone(t, s)
	if !errors.Is(s.Err(), domain.ErrPeerLeft) {
		t.Fatalf("Err() = %v, want ErrPeerLeft", s.Err())
	}
}

func TestHangupNotifiesHub(t *testing.T) {
	signaler := &pipe{queue: make(chan api.Message, 8)}
	s := newIdleSession(t, robotID, signaler, nil)
	if err := s.Dispatch(Hangup{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitDone(t, s)

	msg, ok := signaler.lastOf(api.EventDisconnectSession)
	if !ok {
		t.Fatalf("hangup did not send disconnectSession, sent %v", signaler.events())
	}
	if msg.Connect == nil || msg.Connect.RobotID != robotID.ID || msg.ToID != operatorID.ID {
		t.Fatalf("unexpected disconnect message %+v", msg)
	}
}

func TestCloseCancelsNegotiation(t *testing.T) {
	acquiring := make(chan struct{})
	source := media.SourceFunc(func(ctx context.Context) (*media.Stream, error) {
		close(acquiring)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	signaler := &pipe{queue: make(chan api.Message, 8)}
	s := newIdleSession(t, robotID, signaler, source)

	if err := s.Dispatch(BeginSession{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	<-acquiring
	if s.State() != StateOffering {
		t.Fatalf("state = %s, want offering", s.State())
	}
	s.Close()
	waitDone(t, s)

	if _, ok := signaler.lastOf(api.EventOffer); ok {
		t.Fatalf("closed session must not send an offer")
	}
}

func TestNewRejectsRoleMismatch(t *testing.T) {
	_, err := New(Config{
		Role:     domain.RoleOperator,
		Self:     robotID,
		RemoteID: "o1",
		Signaler: SignalerFunc(func(api.Message) error { return nil }),
	})
	if !errors.Is(err, domain.ErrInvalidIdentity) {
		t.Fatalf("New = %v, want ErrInvalidIdentity", err)
	}
}

func TestEventFromMessage(t *testing.T) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	ev, ok := EventFromMessage(api.Message{Event: api.EventOffer, Offer: &offer})
	if !ok {
		t.Fatalf("offer not mapped")
	}
	if got, ok := ev.(RemoteOffer); !ok || got.SDP.SDP != "v=0" {
		t.Fatalf("unexpected event %#v", ev)
	}

	if _, ok := EventFromMessage(api.Message{Event: api.EventAnswer}); ok {
		t.Fatalf("answer without payload must not map")
	}
	ev, ok = EventFromMessage(api.Message{Event: api.EventPeerLeft, PeerLeft: &api.PeerLeftMessage{Reason: api.PeerLeftEnded}})
	if !ok || ev.(PeerLeft).Reason != api.PeerLeftEnded {
		t.Fatalf("unexpected peerLeft mapping %#v", ev)
	}
	if _, ok := EventFromMessage(api.Message{Event: api.EventPong}); ok {
		t.Fatalf("pong is not a session event")
	}
}
