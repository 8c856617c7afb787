package hub

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/irdkwmnsb/robolink/internal/repository/memory"
	"github.com/pion/webrtc/v4"
)

type fakeTransport struct {
	mu       sync.Mutex
	messages []api.Message
	closed   bool
	busy     bool
}

func (f *fakeTransport) Send(msg api.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	if f.busy {
		return fmt.Errorf("queue full: %w", domain.ErrTransportBusy)
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) take() []api.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.messages
	f.messages = nil
	return out
}

func (f *fakeTransport) lastOf(event api.Event) (api.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].Event == event {
			return f.messages[i], true
		}
	}
	return api.Message{}, false
}

func newTestHub() *Hub {
	h := New(memory.NewClientRepository())
	var seq int
	h.newSessionID = func() string {
		seq++
		return fmt.Sprintf("s%d", seq)
	}
	base := time.Unix(1_700_000_000, 0)
	var tick int
	h.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return h
}

func robot(id string) domain.Identity {
	return domain.Identity{ID: id, Name: "robot " + id, Role: domain.RoleRobot}
}

func operator(id string) domain.Identity {
	return domain.Identity{ID: id, Name: "operator " + id, Role: domain.RoleOperator}
}

func mustRegister(t *testing.T, h *Hub, id domain.Identity) *fakeTransport {
	t.Helper()
	tr := &fakeTransport{}
	if err := h.Register(id, tr, "127.0.0.1:1"); err != nil {
		t.Fatalf("Register(%s): %v", id.ID, err)
	}
	return tr
}

func robotIDs(t *testing.T, tr *fakeTransport) []string {
	t.Helper()
	msg, ok := tr.lastOf(api.EventUpdateRobotList)
	if !ok {
		t.Fatalf("no updateRobotList received")
	}
	ids := make([]string, 0, len(msg.RobotList.Robots))
	for _, r := range msg.RobotList.Robots {
		ids = append(ids, r.ID)
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPresenceBroadcastTracksRegisteredRobots(t *testing.T) {
	h := newTestHub()
	o1 := mustRegister(t, h, operator("o1"))
	if got := robotIDs(t, o1); len(got) != 0 {
		t.Fatalf("initial list = %v", got)
	}

	mustRegister(t, h, robot("r1"))
	mustRegister(t, h, robot("r2"))
	o2 := mustRegister(t, h, operator("o2"))

	for name, tr := range map[string]*fakeTransport{"o1": o1, "o2": o2} {
		if got := robotIDs(t, tr); !equalIDs(got, []string{"r1", "r2"}) {
			t.Fatalf("%s sees %v", name, got)
		}
	}

	// Re-registering r1 must not duplicate it.
	mustRegister(t, h, robot("r1"))
	if got := robotIDs(t, o1); !equalIDs(got, []string{"r2", "r1"}) {
		t.Fatalf("after re-register o1 sees %v", got)
	}

	if err := h.Unregister("r2"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if got := robotIDs(t, o2); !equalIDs(got, []string{"r1"}) {
		t.Fatalf("after unregister o2 sees %v", got)
	}
	if got := h.Robots(); len(got) != 1 || got[0].ID != "r1" {
		t.Fatalf("Robots() = %+v", got)
	}
}

func TestRegisterOnClosedTransportIsIgnored(t *testing.T) {
	h := newTestHub()
	o1 := mustRegister(t, h, operator("o1"))
	o1.take()

	closed := &fakeTransport{closed: true}
	if err := h.Register(robot("r1"), closed, ""); err != nil {
		t.Fatalf("Register on closed transport: %v", err)
	}
	if len(h.Robots()) != 0 {
		t.Fatalf("closed transport should not register")
	}
	if msgs := o1.take(); len(msgs) != 0 {
		t.Fatalf("no broadcast expected, got %+v", msgs)
	}
}

func TestRegisterRejectsInvalidIdentity(t *testing.T) {
	h := newTestHub()
	err := h.Register(domain.Identity{ID: "", Role: domain.RoleRobot}, &fakeTransport{}, "")
	if !errors.Is(err, domain.ErrInvalidIdentity) {
		t.Fatalf("Register = %v", err)
	}
}

func TestReRegisterClosesPreviousTransport(t *testing.T) {
	h := newTestHub()
	first := mustRegister(t, h, robot("r1"))
	second := mustRegister(t, h, robot("r1"))

	if !first.Closed() {
		t.Fatalf("previous transport should be closed")
	}
	if second.Closed() {
		t.Fatalf("new transport should stay open")
	}

	// The old connection's handler ending must not evict the new one.
	h.Leave("r1", first)
	if len(h.Robots()) != 1 {
		t.Fatalf("stale Leave removed the live registration")
	}
	h.Leave("r1", second)
	if len(h.Robots()) != 0 {
		t.Fatalf("Leave should remove the live registration")
	}
}

func TestRequestConnectionBeginsSession(t *testing.T) {
	h := newTestHub()
	r1 := mustRegister(t, h, robot("r1"))
	mustRegister(t, h, operator("o1"))

	sessionID, err := h.RequestConnection("o1", "r1")
	if err != nil {
		t.Fatalf("RequestConnection: %v", err)
	}
	begin, ok := r1.lastOf(api.EventBeginSession)
	if !ok {
		t.Fatalf("robot did not receive beginSession")
	}
	if begin.FromID != "o1" || begin.SessionID != sessionID {
		t.Fatalf("beginSession = %+v", begin)
	}
	b, ok := h.Binding("r1")
	if !ok || b.OperatorID != "o1" {
		t.Fatalf("binding = %+v, %v", b, ok)
	}
}

func TestRequestConnectionOfflineRobot(t *testing.T) {
	h := newTestHub()
	mustRegister(t, h, operator("o1"))
	mustRegister(t, h, operator("o2"))

	if _, err := h.RequestConnection("o1", "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("RequestConnection(ghost) = %v", err)
	}
	// An operator id is not a robot.
	if _, err := h.RequestConnection("o1", "o2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("RequestConnection(o2) = %v", err)
	}
	if _, err := h.RequestConnection("nobody", "o2"); !errors.Is(err, domain.ErrNotRegistered) {
		t.Fatalf("RequestConnection from unknown = %v", err)
	}
}

func TestLastWriterWinsSendsPeerLeft(t *testing.T) {
	h := newTestHub()
	r1 := mustRegister(t, h, robot("r1"))
	o1 := mustRegister(t, h, operator("o1"))
	o2 := mustRegister(t, h, operator("o2"))

	first, err := h.RequestConnection("o1", "r1")
	if err != nil {
		t.Fatalf("RequestConnection(o1): %v", err)
	}
	second, err := h.RequestConnection("o2", "r1")
	if err != nil {
		t.Fatalf("RequestConnection(o2): %v", err)
	}
	if first == second {
		t.Fatalf("session ids must differ")
	}

	left, ok := o1.lastOf(api.EventPeerLeft)
	if !ok {
		t.Fatalf("o1 did not receive peerLeft")
	}
	if left.PeerLeft.PeerID != "r1" || left.PeerLeft.Reason != api.PeerLeftSuperseded || left.SessionID != first {
		t.Fatalf("peerLeft = %+v %+v", left, left.PeerLeft)
	}
	if _, ok := o2.lastOf(api.EventPeerLeft); ok {
		t.Fatalf("o2 should not receive peerLeft")
	}

	b, _ := h.Binding("r1")
	if b.OperatorID != "o2" || b.SessionID != second {
		t.Fatalf("binding = %+v", b)
	}
	begin, _ := r1.lastOf(api.EventBeginSession)
	if begin.FromID != "o2" {
		t.Fatalf("robot's last beginSession from %s", begin.FromID)
	}
	if len(h.Sessions()) != 1 {
		t.Fatalf("robot must have exactly one binding, got %+v", h.Sessions())
	}
}

func TestRelay(t *testing.T) {
	h := newTestHub()
	r1 := mustRegister(t, h, robot("r1"))
	o1 := mustRegister(t, h, operator("o1"))
	o2 := mustRegister(t, h, operator("o2"))
	sessionID, _ := h.RequestConnection("o1", "r1")

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	if err := h.Relay(api.Message{Event: api.EventOffer, FromID: "r1", ToID: "o1", Offer: &offer}); err != nil {
		t.Fatalf("Relay(offer): %v", err)
	}
	got, ok := o1.lastOf(api.EventOffer)
	if !ok || got.FromID != "r1" || got.SessionID != sessionID || got.Offer.SDP != "v=0" {
		t.Fatalf("relayed offer = %+v", got)
	}

	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"}
	if err := h.Relay(api.Message{Event: api.EventIceCandidate, FromID: "o1", ToID: "r1", SessionID: sessionID, IceCandidate: &candidate}); err != nil {
		t.Fatalf("Relay(candidate): %v", err)
	}
	if _, ok := r1.lastOf(api.EventIceCandidate); !ok {
		t.Fatalf("robot did not receive candidate")
	}

	if err := h.Relay(api.Message{Event: api.EventOffer, FromID: "r1", ToID: "ghost", Offer: &offer}); !errors.Is(err, domain.ErrUnknownPeer) {
		t.Fatalf("Relay to ghost = %v", err)
	}
	if err := h.Relay(api.Message{Event: api.EventOffer, FromID: "r1", ToID: "o2", Offer: &offer}); !errors.Is(err, domain.ErrNotBound) {
		t.Fatalf("Relay to unbound operator = %v", err)
	}
	if _, ok := o2.lastOf(api.EventOffer); ok {
		t.Fatalf("unbound operator received an offer")
	}
	if err := h.Relay(api.Message{Event: api.EventRequestConnection, FromID: "o1", ToID: "r1"}); !errors.Is(err, domain.ErrUnsupportedEvent) {
		t.Fatalf("Relay(requestConnection) = %v", err)
	}
}

func TestRelayToBusyPeerIsNotUnknown(t *testing.T) {
	h := newTestHub()
	mustRegister(t, h, robot("r1"))
	o1 := mustRegister(t, h, operator("o1"))
	if _, err := h.RequestConnection("o1", "r1"); err != nil {
		t.Fatalf("RequestConnection: %v", err)
	}

	o1.mu.Lock()
	o1.busy = true
	o1.mu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	err := h.Relay(api.Message{Event: api.EventOffer, FromID: "r1", ToID: "o1", Offer: &offer})
	if !errors.Is(err, domain.ErrTransportBusy) || errors.Is(err, domain.ErrUnknownPeer) {
		t.Fatalf("Relay to busy operator = %v, want ErrTransportBusy", err)
	}
	if code := api.CodeOf(err); code != api.ErrorCodeTransportBusy {
		t.Fatalf("error code = %s, want %s", code, api.ErrorCodeTransportBusy)
	}
}

func TestRelayRejectsSupersededSession(t *testing.T) {
	h := newTestHub()
	mustRegister(t, h, robot("r1"))
	o1 := mustRegister(t, h, operator("o1"))

	old, _ := h.RequestConnection("o1", "r1")
	current, _ := h.RequestConnection("o1", "r1")

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	if err := h.Relay(api.Message{Event: api.EventOffer, FromID: "r1", ToID: "o1", SessionID: old, Offer: &offer}); !errors.Is(err, domain.ErrNotBound) {
		t.Fatalf("stale relay = %v", err)
	}
	if err := h.Relay(api.Message{Event: api.EventAnswer, FromID: "o1", ToID: "r1", SessionID: current, Answer: &answer}); err != nil {
		t.Fatalf("current relay: %v", err)
	}
	if _, ok := o1.lastOf(api.EventOffer); ok {
		t.Fatalf("stale offer was delivered")
	}
}

func TestUnregisterNotifiesBoundPeer(t *testing.T) {
	h := newTestHub()
	mustRegister(t, h, robot("r1"))
	o1 := mustRegister(t, h, operator("o1"))
	sessionID, _ := h.RequestConnection("o1", "r1")

	if err := h.Unregister("r1"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	left, ok := o1.lastOf(api.EventPeerLeft)
	if !ok || left.PeerLeft.PeerID != "r1" || left.SessionID != sessionID {
		t.Fatalf("peerLeft = %+v", left)
	}
	if got := robotIDs(t, o1); len(got) != 0 {
		t.Fatalf("robot list after unregister = %v", got)
	}
	if _, ok := h.Binding("r1"); ok {
		t.Fatalf("binding should be dropped")
	}
	if err := h.Unregister("r1"); !errors.Is(err, domain.ErrNotRegistered) {
		t.Fatalf("second Unregister = %v", err)
	}
}

func TestOperatorLeavingNotifiesRobot(t *testing.T) {
	h := newTestHub()
	r1 := mustRegister(t, h, robot("r1"))
	o1 := mustRegister(t, h, operator("o1"))
	_, _ = h.RequestConnection("o1", "r1")

	h.Leave("o1", o1)
	left, ok := r1.lastOf(api.EventPeerLeft)
	if !ok || left.PeerLeft.PeerID != "o1" {
		t.Fatalf("robot peerLeft = %+v", left)
	}
}

func TestDisconnectSession(t *testing.T) {
	h := newTestHub()
	r1 := mustRegister(t, h, robot("r1"))
	o1 := mustRegister(t, h, operator("o1"))
	mustRegister(t, h, operator("o2"))
	_, _ = h.RequestConnection("o1", "r1")

	if err := h.DisconnectSession("o2", "r1"); !errors.Is(err, domain.ErrNotBound) {
		t.Fatalf("foreign disconnect = %v", err)
	}
	if err := h.DisconnectSession("o1", "r1"); err != nil {
		t.Fatalf("DisconnectSession: %v", err)
	}
	if r1.Closed() || o1.Closed() {
		t.Fatalf("transports must stay open")
	}
	if left, ok := r1.lastOf(api.EventPeerLeft); !ok || left.PeerLeft.Reason != api.PeerLeftEnded {
		t.Fatalf("robot peerLeft = %+v", left)
	}
	if _, ok := o1.lastOf(api.EventPeerLeft); ok {
		t.Fatalf("requesting operator should not be notified")
	}
	if err := h.DisconnectSession("o1", "r1"); !errors.Is(err, domain.ErrNotBound) {
		t.Fatalf("second DisconnectSession = %v", err)
	}
}

func TestAdminDisconnectNotifiesBothEnds(t *testing.T) {
	h := newTestHub()
	r1 := mustRegister(t, h, robot("r1"))
	o1 := mustRegister(t, h, operator("o1"))
	_, _ = h.RequestConnection("o1", "r1")

	if err := h.DisconnectSession("", "r1"); err != nil {
		t.Fatalf("admin DisconnectSession: %v", err)
	}
	for name, tr := range map[string]*fakeTransport{"r1": r1, "o1": o1} {
		if _, ok := tr.lastOf(api.EventPeerLeft); !ok {
			t.Fatalf("%s was not notified", name)
		}
	}
}

func TestSweepStale(t *testing.T) {
	h := newTestHub()
	r1 := mustRegister(t, h, robot("r1"))
	mustRegister(t, h, robot("r2"))
	h.now = time.Now
	if err := h.Touch("r2"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	removed := h.SweepStale(time.Minute)
	if len(removed) != 1 || removed[0] != "r1" {
		t.Fatalf("SweepStale = %v", removed)
	}
	if !r1.Closed() {
		t.Fatalf("stale transport should be closed")
	}
	if got := h.Robots(); len(got) != 1 || got[0].ID != "r2" {
		t.Fatalf("Robots() = %+v", got)
	}
}
