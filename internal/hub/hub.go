package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/irdkwmnsb/robolink/internal/api"
	"github.com/irdkwmnsb/robolink/internal/domain"
	"github.com/irdkwmnsb/robolink/internal/metrics"
)

// Transport is the hub's handle on one client connection. Send must not
// block: the hub calls it while holding its lock.
type Transport interface {
	Send(msg api.Message) error
	Close() error
	Closed() bool
}

// Hub owns the client registry and the session bindings. Every operation
// takes the same lock, so register, unregister, connection requests and
// relays are linearized.
type Hub struct {
	mu         sync.Mutex
	repo       domain.ClientRepository
	transports map[string]Transport
	bindings   map[string]domain.Binding // robot id -> binding

	newSessionID func() string
	now          func() time.Time
}

func New(repo domain.ClientRepository) *Hub {
	return &Hub{
		repo:         repo,
		transports:   make(map[string]Transport),
		bindings:     make(map[string]domain.Binding),
		newSessionID: uuid.NewString,
		now:          time.Now,
	}
}

// Register adds or replaces the entry for identity.ID. A replaced entry has
// its transport closed and its bindings dropped. Registering a transport
// that is already closed is a no-op.
func (h *Hub) Register(identity domain.Identity, transport Transport, remoteAddr string) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if transport == nil || transport.Closed() {
		slog.Debug("ignoring registration on closed transport", "clientID", identity.ID)
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	robotsChanged := identity.IsRobot()
	if old, ok := h.transports[identity.ID]; ok {
		prev, err := h.repo.GetByID(identity.ID)
		if err == nil {
			robotsChanged = robotsChanged || prev.IsRobot()
			metrics.RegisteredClients.WithLabelValues(prev.Role.String()).Dec()
		}
		h.dropBindingsLocked(identity.ID, api.PeerLeftDisconnected)
		if old != transport {
			_ = old.Close()
		}
		metrics.RegistrationsReplacedTotal.Inc()
		slog.Info("client re-registered, previous connection replaced", "clientID", identity.ID)
	}

	now := h.now()
	if err := h.repo.Save(domain.Client{
		Identity:    identity,
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		LastSeen:    now,
	}); err != nil {
		return fmt.Errorf("save client %s: %w", identity.ID, err)
	}
	h.transports[identity.ID] = transport

	metrics.RegisteredClients.WithLabelValues(identity.Role.String()).Inc()
	metrics.RegistrationsTotal.WithLabelValues(identity.Role.String()).Inc()
	slog.Info("client registered", "clientID", identity.ID, "name", identity.Name, "role", identity.Role)

	if robotsChanged {
		h.broadcastRobotsLocked()
	} else if identity.Role == domain.RoleOperator {
		h.sendLocked(transport, h.robotListLocked())
	}
	return nil
}

// Unregister removes id, closes its transport, drops its bindings and
// tells the bound peer it left.
func (h *Hub) Unregister(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	transport, ok := h.transports[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotRegistered, id)
	}
	h.unregisterLocked(id)
	_ = transport.Close()
	return nil
}

// Leave is called by a connection handler when its transport ends. It only
// removes the entry if it still belongs to that transport, so a stale
// connection cannot evict the one that replaced it.
func (h *Hub) Leave(id string, transport Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.transports[id]; !ok || current != transport {
		return
	}
	h.unregisterLocked(id)
}

func (h *Hub) unregisterLocked(id string) {
	client, err := h.repo.GetByID(id)
	delete(h.transports, id)
	_ = h.repo.Delete(id)
	h.dropBindingsLocked(id, api.PeerLeftDisconnected)

	if err != nil {
		return
	}
	metrics.RegisteredClients.WithLabelValues(client.Role.String()).Dec()
	slog.Info("client unregistered", "clientID", id, "role", client.Role)
	if client.IsRobot() {
		h.broadcastRobotsLocked()
	}
}

// RequestConnection binds robotID to operatorID and tells the robot to begin
// a session. A robot already bound to another operator is reassigned and the
// previous operator receives peerLeft.
func (h *Hub) RequestConnection(operatorID, robotID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	operator, err := h.repo.GetByID(operatorID)
	if err != nil || operator.Role != domain.RoleOperator {
		return "", h.routingError(fmt.Errorf("%w: %s", domain.ErrNotRegistered, operatorID))
	}
	robot, err := h.repo.GetByID(robotID)
	if err != nil || !robot.IsRobot() {
		return "", h.routingError(fmt.Errorf("%w: %s", domain.ErrNotFound, robotID))
	}
	robotTransport, ok := h.transports[robotID]
	if !ok {
		return "", h.routingError(fmt.Errorf("%w: %s", domain.ErrNotFound, robotID))
	}

	if prev, ok := h.bindings[robotID]; ok {
		delete(h.bindings, robotID)
		metrics.ActiveBindings.Dec()
		if prev.OperatorID != operatorID {
			metrics.BindingsSupersededTotal.Inc()
			slog.Info("binding superseded", "robotID", robotID, "previousOperator", prev.OperatorID, "operatorID", operatorID)
			h.notifyPeerLeftLocked(prev.OperatorID, robotID, prev.SessionID, api.PeerLeftSuperseded)
		}
	}

	binding := domain.Binding{
		RobotID:    robotID,
		OperatorID: operatorID,
		SessionID:  h.newSessionID(),
		CreatedAt:  h.now(),
	}

	if err := robotTransport.Send(api.Message{
		Event:     api.EventBeginSession,
		FromID:    operatorID,
		ToID:      robotID,
		SessionID: binding.SessionID,
	}); err != nil {
		return "", h.routingError(fmt.Errorf("%w: begin session on %s: %v", domain.ErrUnknownPeer, robotID, err))
	}

	h.bindings[robotID] = binding
	metrics.ActiveBindings.Inc()
	slog.Info("session bound", "robotID", robotID, "operatorID", operatorID, "sessionID", binding.SessionID)
	return binding.SessionID, nil
}

// Relay forwards an offer, answer or ICE candidate to msg.ToID. The sender
// and target must be the two ends of a current binding. A message that
// names an older session of that pair is rejected.
func (h *Hub) Relay(msg api.Message) error {
	if !msg.Event.IsRelayed() {
		return h.routingError(fmt.Errorf("%w: %s", domain.ErrUnsupportedEvent, msg.Event))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	target, ok := h.transports[msg.ToID]
	if !ok {
		return h.routingError(fmt.Errorf("%w: %s", domain.ErrUnknownPeer, msg.ToID))
	}

	binding, ok := h.bindingBetweenLocked(msg.FromID, msg.ToID)
	if !ok {
		return h.routingError(fmt.Errorf("%w: %s and %s", domain.ErrNotBound, msg.FromID, msg.ToID))
	}
	if msg.SessionID != "" && msg.SessionID != binding.SessionID {
		return h.routingError(fmt.Errorf("%w: stale session %s", domain.ErrNotBound, msg.SessionID))
	}

	msg.SessionID = binding.SessionID
	if err := target.Send(msg); err != nil {
		if errors.Is(err, domain.ErrTransportBusy) {
			return h.routingError(fmt.Errorf("relay %s to %s: %w", msg.Event, msg.ToID, err))
		}
		return h.routingError(fmt.Errorf("%w: %s: %v", domain.ErrUnknownPeer, msg.ToID, err))
	}
	metrics.RelayedMessagesTotal.WithLabelValues(string(msg.Event)).Inc()
	return nil
}

// DisconnectSession clears the binding of robotID without closing any
// transport. requesterID must be one end of the binding, or empty for an
// administrative disconnect. Every other end receives peerLeft.
func (h *Hub) DisconnectSession(requesterID, robotID string) error {
	return h.disconnectSession(requesterID, robotID, "")
}

// disconnectSession ignores requests naming a session other than the
// current one, so a superseded session cannot end its successor.
func (h *Hub) disconnectSession(requesterID, robotID, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	binding, ok := h.bindings[robotID]
	if !ok {
		return h.routingError(fmt.Errorf("%w: robot %s has no session", domain.ErrNotBound, robotID))
	}
	if sessionID != "" && sessionID != binding.SessionID {
		return h.routingError(fmt.Errorf("%w: stale session %s", domain.ErrNotBound, sessionID))
	}
	if requesterID != "" && !binding.Involves(requesterID) {
		return h.routingError(fmt.Errorf("%w: %s is not part of the session with %s", domain.ErrNotBound, requesterID, robotID))
	}

	delete(h.bindings, robotID)
	metrics.ActiveBindings.Dec()
	slog.Info("session disconnected", "robotID", robotID, "operatorID", binding.OperatorID, "requester", requesterID)

	if requesterID != binding.OperatorID {
		h.notifyPeerLeftLocked(binding.OperatorID, robotID, binding.SessionID, api.PeerLeftEnded)
	}
	if requesterID != binding.RobotID {
		h.notifyPeerLeftLocked(binding.RobotID, binding.OperatorID, binding.SessionID, api.PeerLeftEnded)
	}
	return nil
}

// Touch records a heartbeat from id.
func (h *Hub) Touch(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.transports[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrNotRegistered, id)
	}
	return h.repo.Touch(id, h.now())
}

// SweepStale unregisters clients that have not been seen for timeout and
// returns their ids.
func (h *Hub) SweepStale(timeout time.Duration) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	stale, err := h.repo.ListStale(timeout)
	if err != nil {
		slog.Error("failed to list stale clients", "error", err)
		return nil
	}
	removed := make([]string, 0, len(stale))
	for _, c := range stale {
		transport, ok := h.transports[c.ID]
		if !ok {
			_ = h.repo.Delete(c.ID)
			continue
		}
		slog.Warn("removing stale client", "clientID", c.ID, "lastSeen", c.LastSeen)
		h.unregisterLocked(c.ID)
		_ = transport.Close()
		metrics.StaleClientsRemovedTotal.Inc()
		removed = append(removed, c.ID)
	}
	return removed
}

// Robots returns the online robots in broadcast order.
func (h *Hub) Robots() []api.RobotInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.robotListLocked().RobotList.Robots
}

func (h *Hub) Clients() []domain.Client {
	clients, _ := h.repo.GetAll()
	return clients
}

func (h *Hub) Sessions() []domain.Binding {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions := make([]domain.Binding, 0, len(h.bindings))
	for _, b := range h.bindings {
		sessions = append(sessions, b)
	}
	return sessions
}

// Binding returns the current binding of robotID.
func (h *Hub) Binding(robotID string) (domain.Binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.bindings[robotID]
	return b, ok
}

// Close drops every client. Used at shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, t := range h.transports {
		_ = t.Close()
		_ = h.repo.Delete(id)
	}
	h.transports = make(map[string]Transport)
	h.bindings = make(map[string]domain.Binding)
	metrics.ActiveBindings.Set(0)
	metrics.RegisteredClients.Reset()
}

func (h *Hub) bindingBetweenLocked(a, b string) (domain.Binding, bool) {
	if binding, ok := h.bindings[a]; ok && binding.OperatorID == b {
		return binding, true
	}
	if binding, ok := h.bindings[b]; ok && binding.OperatorID == a {
		return binding, true
	}
	return domain.Binding{}, false
}

func (h *Hub) dropBindingsLocked(id string, reason api.PeerLeftReason) {
	for robotID, b := range h.bindings {
		if !b.Involves(id) {
			continue
		}
		delete(h.bindings, robotID)
		metrics.ActiveBindings.Dec()
		h.notifyPeerLeftLocked(b.Counterpart(id), id, b.SessionID, reason)
	}
}

func (h *Hub) notifyPeerLeftLocked(to, peerID, sessionID string, reason api.PeerLeftReason) {
	t, ok := h.transports[to]
	if !ok {
		return
	}
	h.sendLocked(t, api.Message{
		Event:     api.EventPeerLeft,
		FromID:    peerID,
		ToID:      to,
		SessionID: sessionID,
		PeerLeft:  &api.PeerLeftMessage{PeerID: peerID, Reason: reason},
	})
}

func (h *Hub) robotListLocked() api.Message {
	robots, err := h.repo.GetByRole(domain.RoleRobot)
	if err != nil {
		slog.Error("failed to list robots", "error", err)
	}
	online := robots[:0]
	for _, r := range robots {
		if _, ok := h.transports[r.ID]; ok {
			online = append(online, r)
		}
	}
	return api.Message{
		Event:     api.EventUpdateRobotList,
		RobotList: &api.RobotListMessage{Robots: api.RobotList(online)},
	}
}

func (h *Hub) broadcastRobotsLocked() {
	msg := h.robotListLocked()
	operators, _ := h.repo.GetByRole(domain.RoleOperator)
	for _, op := range operators {
		if t, ok := h.transports[op.ID]; ok {
			h.sendLocked(t, msg)
		}
	}
	metrics.PresenceBroadcastsTotal.Inc()
}

func (h *Hub) sendLocked(t Transport, msg api.Message) {
	if err := t.Send(msg); err != nil {
		slog.Warn("failed to deliver hub message", "event", msg.Event, "toID", msg.ToID, "error", err)
	}
}

func (h *Hub) routingError(err error) error {
	metrics.RoutingFailuresTotal.WithLabelValues(string(api.CodeOf(err))).Inc()
	slog.Warn("hub request failed", "error", err)
	return err
}
