// Package connectivity classifies the local network before a game session:
// reachable directly (Public), reachable after hole punching (Stun), only
// through a TURN relay (Turn), or not at all (Blocked).
package connectivity

import (
	"encoding/json"
	"errors"
	"strings"
)

// State is a connectivity classification.
type State int

const (
	Unknown State = iota
	Public
	Stun
	Turn
	Blocked
)

var (
	// ErrProbeTimeout marks a stage that ran out of time. The probe moves on to the next stage.
	ErrProbeTimeout = errors.New("connectivity probe stage timed out")

	// ErrBlocked is returned when no stage could classify the network.
	ErrBlocked = errors.New("connectivity blocked")

	// errNoPeer is reported by the server when it cannot run the echo test.
	errNoPeer = errors.New("server reported no echo peer")
)

var stateNames = map[State]string{
	Unknown: "UNKNOWN",
	Public:  "PUBLIC",
	Stun:    "STUN",
	Turn:    "TURN",
	Blocked: "BLOCKED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Resolved reports whether s permits reaching peers.
func (s State) Resolved() bool {
	return s == Public || s == Stun || s == Turn
}

// ParseState converts a server-reported state name. NO_PEER and unknown
// names map to Unknown.
func ParseState(name string) State {
	switch strings.ToUpper(name) {
	case "PUBLIC":
		return Public
	case "STUN":
		return Stun
	case "TURN":
		return Turn
	case "BLOCKED":
		return Blocked
	default:
		return Unknown
	}
}

// Result is a classification and the address other peers should use.
type Result struct {
	State State  `json:"state"`
	Addr  string `json:"address,omitempty"`
}
