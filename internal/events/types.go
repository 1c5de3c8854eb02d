// Package events defines the event types published by the relay and its
// connectivity components.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connectivity events
	EventProbeStage          EventType = "probe_stage"
	EventConnectivityChanged EventType = "connectivity_changed"
	EventTurnAllocated       EventType = "turn_allocated"
	EventTurnBlocked         EventType = "turn_blocked"
	EventPortMapped          EventType = "port_mapped"

	// Relay session events
	EventSessionStarted   EventType = "session_started"
	EventSessionClosed    EventType = "session_closed"
	EventGameStateChanged EventType = "game_state_changed"
	EventPeerResolved     EventType = "peer_resolved"
	EventPeerDropped      EventType = "peer_dropped"
	EventPeerForgotten    EventType = "peer_forgotten"

	// Upstream events
	EventLobbyConnected    EventType = "lobby_connected"
	EventLobbyDisconnected EventType = "lobby_disconnected"

	// System events
	EventHeartbeat     EventType = "heartbeat"
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType   `json:"type"`
	Source  string      `json:"source"`
	Payload interface{} `json:"payload,omitempty"`
}

// ProbeStagePayload reports the outcome of one connectivity probe stage.
type ProbeStagePayload struct {
	Stage    string        `json:"stage"`
	Outcome  string        `json:"outcome"`
	Duration time.Duration `json:"duration"`
}

// ConnectivityPayload carries a connectivity classification.
type ConnectivityPayload struct {
	State   string `json:"state"`
	Address string `json:"address,omitempty"`
}

// TurnPayload describes the TURN allocation.
type TurnPayload struct {
	Relayed string    `json:"relayed,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// PortMappedPayload describes a NAT-PMP mapping of the game port.
type PortMappedPayload struct {
	InternalPort int    `json:"internal_port"`
	ExternalPort int    `json:"external_port"`
	ExternalIP   string `json:"external_ip"`
}

// SessionPayload describes a relay session start or end.
type SessionPayload struct {
	SessionID    string        `json:"session_id"`
	GamePort     int           `json:"game_port"`
	Remote       string        `json:"remote,omitempty"`
	Connectivity string        `json:"connectivity,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// GameStatePayload is emitted whenever the game reports a new GameState.
type GameStatePayload struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// PeerPayload describes a resolved or forgotten peer mapping.
type PeerPayload struct {
	SessionID string `json:"session_id"`
	PeerID    int32  `json:"peer_id"`
	PeerName  string `json:"peer_name,omitempty"`
	Declared  string `json:"declared,omitempty"`
	Resolved  string `json:"resolved,omitempty"`
	Relayed   bool   `json:"relayed"`
}

// PeerDroppedPayload records an instruction that was not forwarded to the game.
type PeerDroppedPayload struct {
	SessionID string `json:"session_id"`
	PeerID    int32  `json:"peer_id"`
	Command   string `json:"command"`
	Reason    string `json:"reason"`
}

// LobbyPayload describes the lobby link state.
type LobbyPayload struct {
	Addr   string `json:"addr"`
	Reason string `json:"reason,omitempty"`
}

// HeartbeatPayload is the periodic system summary.
type HeartbeatPayload struct {
	Connectivity string  `json:"connectivity"`
	SessionOpen  bool    `json:"session_open"`
	Peers        int     `json:"peers"`
	CPUPercent   float64 `json:"cpu_percent"`
	MemoryUsedMB uint64  `json:"memory_used_mb"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
