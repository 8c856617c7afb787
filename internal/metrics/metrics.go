package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "robolink_active_websocket_connections",
		Help: "Number of active signalling WebSocket connections",
	})

	WebSocketConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "robolink_websocket_connections_total",
		Help: "Total number of signalling WebSocket connections",
	})

	WebSocketDisconnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "robolink_websocket_disconnections_total",
		Help: "Total number of signalling WebSocket disconnections",
	})

	RegisteredClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "robolink_registered_clients",
		Help: "Number of registered clients",
	}, []string{"role"}) // "robot" | "operator"

	RegistrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robolink_registrations_total",
		Help: "Total number of client registrations",
	}, []string{"role"})

	RegistrationsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robolink_registrations_rejected_total",
		Help: "Registrations refused before reaching the hub",
	}, []string{"code"})

	RegistrationsReplacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "robolink_registrations_replaced_total",
		Help: "Registrations that replaced a live entry with the same id",
	})

	ActiveBindings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "robolink_active_bindings",
		Help: "Number of robot to operator bindings",
	})

	BindingsSupersededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "robolink_bindings_superseded_total",
		Help: "Bindings reassigned to a newer operator",
	})

	PresenceBroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "robolink_presence_broadcasts_total",
		Help: "Robot list broadcasts sent to operators",
	})

	RelayedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robolink_relayed_messages_total",
		Help: "Signalling messages relayed between peers",
	}, []string{"event"})

	RoutingFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robolink_routing_failures_total",
		Help: "Hub requests that failed",
	}, []string{"code"})

	StaleClientsRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "robolink_stale_clients_removed_total",
		Help: "Clients unregistered after missing heartbeats",
	})

	SignallingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robolink_signalling_messages_total",
		Help: "Total signalling messages",
	}, []string{"type", "direction"}) // direction: "in" | "out"

	ActivePeerSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "robolink_active_peer_sessions",
		Help: "Number of live peer sessions",
	}, []string{"role"})

	PeerSessionStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robolink_peer_session_state_changes_total",
		Help: "Peer session state transitions",
	}, []string{"role", "state"})

	PeerSessionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robolink_peer_session_failures_total",
		Help: "Peer sessions closed by an error",
	}, []string{"role", "reason"})

	PeerSessionSetupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "robolink_peer_session_setup_seconds",
		Help:    "Time from session start to connected",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
	}, []string{"role"})

	ICECandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robolink_ice_candidates_total",
		Help: "ICE candidates handled by peer sessions",
	}, []string{"direction"}) // "local" | "remote" | "buffered"

	DataChannelMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "robolink_datachannel_messages_total",
		Help: "Data channel frames",
	}, []string{"type", "direction"})

	MediaUnavailableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "robolink_media_unavailable_total",
		Help: "Robot sessions that continued without local media",
	})

	NACKRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "robolink_nack_requests_total",
		Help: "Total NACK requests (indicates packet loss)",
	})

	PLIRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "robolink_pli_requests_total",
		Help: "Total PLI requests (indicates video quality issues)",
	})

	TURNAllocationsEnabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "robolink_turn_enabled",
		Help: "1 when the embedded TURN relay is running",
	})

	ConfigReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "robolink_config_reloads_total",
		Help: "Number of configuration reloads",
	})

	StartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "robolink_start_time_seconds",
		Help: "Server start time in Unix seconds",
	})
)
