package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the chat broker.
//
// Naming convention: namespace_subsystem_name
// - namespace: chat_broker (application-level grouping)
// - subsystem: handshake, relay, registry, reaper (feature-level grouping)
// - name: specific metric (rooms_active, datagrams_relayed_total, etc.)
//
// Metric Types:
// - Gauge: Current state (rooms, members)
// - Counter: Cumulative events (handshakes, datagrams, evictions)

var (
	// ActiveRooms tracks the current number of open rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat_broker",
		Subsystem: "registry",
		Name:      "rooms_active",
		Help:      "Current number of open chat rooms",
	})

	// RoomMembers tracks the number of members in each room (GaugeVec with room label)
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chat_broker",
		Subsystem: "registry",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room"})

	// Handshakes tracks the total number of handshake attempts (CounterVec - cumulative)
	Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_broker",
		Subsystem: "handshake",
		Name:      "requests_total",
		Help:      "Total handshake requests by operation and status",
	}, []string{"operation", "status"})

	// HandshakeFailures tracks handshakes aborted before completion, by reason
	// (read errors and invalid state before any ACK, registry faults, failed
	// return-port reads after COMPLETE)
	HandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_broker",
		Subsystem: "handshake",
		Name:      "failures_total",
		Help:      "Handshakes aborted before completion",
	}, []string{"reason"})

	// DatagramsRelayed tracks messages fanned out to room members
	DatagramsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_broker",
		Subsystem: "relay",
		Name:      "datagrams_relayed_total",
		Help:      "Total datagrams accepted and broadcast to room members",
	})

	// DatagramsDropped tracks inbound datagrams discarded without a broadcast
	DatagramsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat_broker",
		Subsystem: "relay",
		Name:      "datagrams_dropped_total",
		Help:      "Inbound datagrams discarded, by reason",
	}, []string{"reason"})

	// SendErrors tracks failed outbound datagram sends (other recipients still attempted)
	SendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_broker",
		Subsystem: "relay",
		Name:      "send_errors_total",
		Help:      "Outbound datagram send failures",
	})

	// ReaperEvictions tracks members evicted for inactivity
	ReaperEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_broker",
		Subsystem: "reaper",
		Name:      "evictions_total",
		Help:      "Members evicted for inactivity",
	})

	// ReaperRoomsClosed tracks rooms collapsed because their host went idle
	ReaperRoomsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat_broker",
		Subsystem: "reaper",
		Name:      "rooms_closed_total",
		Help:      "Rooms closed because the host exceeded the inactivity timeout",
	})
)
