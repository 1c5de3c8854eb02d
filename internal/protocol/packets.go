// Package protocol implements the GPG wire codec spoken between the relay
// and the local game process. Every frame is an action name followed by a
// list of type-tagged chunks; all integers are little-endian.
package protocol

import (
	"errors"
	"fmt"
)

// Client commands (game -> lobby server).
const (
	CmdGameState         = "GameState"
	CmdGameOption        = "GameOption"
	CmdGameMods          = "GameMods"
	CmdPlayerOption      = "PlayerOption"
	CmdAIOption          = "AIOption"
	CmdClearSlot         = "ClearSlot"
	CmdChat              = "Chat"
	CmdGameResult        = "GameResult"
	CmdStats             = "Stats"
	CmdDesync            = "Desync"
	CmdProcessNatPacket  = "ProcessNatPacket"
	CmdBottleneck        = "Bottleneck"
	CmdBottleneckCleared = "BottleneckCleared"
	CmdDisconnected      = "Disconnected"
	CmdConnected         = "Connected"
	CmdRehost            = "Rehost"
	CmdJSONStats         = "JsonStats"
)

// Server commands (lobby server -> game).
const (
	CmdHostGame           = "HostGame"
	CmdJoinGame           = "JoinGame"
	CmdConnectToPeer      = "ConnectToPeer"
	CmdDisconnectFromPeer = "DisconnectFromPeer"
	CmdSendNatPacket      = "SendNatPacket"
	CmdCreateLobby        = "CreateLobby"
	CmdConnectivityState  = "ConnectivityState"
)

// Connectivity-only commands exchanged with the lobby server during probing.
const (
	CmdInitiateTest = "InitiateTest"
)

// Lobby link targets.
const (
	TargetGame         = "game"
	TargetConnectivity = "connectivity"
)

// GameStateIdle is the GameState argument the game sends once it accepts lobby instructions.
const GameStateIdle = "Idle"

// Chunk type discriminators.
const (
	ChunkInt32   byte = 0
	ChunkString  byte = 1
	ChunkFloat32 byte = 2
)

// RawPrefix marks a string chunk whose remaining bytes are passed through verbatim.
const RawPrefix = '\b'

// Limits applied while decoding untrusted frames.
const (
	MaxStringSize = 1 << 20
	MaxChunks     = 4096
)

var (
	// ErrMalformedFrame is returned when a frame cannot be fully decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrWrongDirection is returned when a message is sent over the wrong stream.
	ErrWrongDirection = errors.New("command not valid in this direction")

	// ErrUnsupportedArg is returned when an argument has no wire representation.
	ErrUnsupportedArg = errors.New("unsupported argument type")
)

var clientCommands = map[string]struct{}{
	CmdGameState: {}, CmdGameOption: {}, CmdGameMods: {}, CmdPlayerOption: {},
	CmdAIOption: {}, CmdClearSlot: {}, CmdChat: {}, CmdGameResult: {},
	CmdStats: {}, CmdDesync: {}, CmdProcessNatPacket: {}, CmdBottleneck: {},
	CmdBottleneckCleared: {}, CmdDisconnected: {}, CmdConnected: {},
	CmdRehost: {}, CmdJSONStats: {},
}

var serverCommands = map[string]struct{}{
	CmdHostGame: {}, CmdJoinGame: {}, CmdConnectToPeer: {},
	CmdDisconnectFromPeer: {}, CmdSendNatPacket: {}, CmdCreateLobby: {},
	CmdConnectivityState: {},
}

// IsClientCommand reports whether cmd is a known game -> server command.
func IsClientCommand(cmd string) bool {
	_, ok := clientCommands[cmd]
	return ok
}

// IsServerCommand reports whether cmd is a known server -> game command.
func IsServerCommand(cmd string) bool {
	_, ok := serverCommands[cmd]
	return ok
}

// Raw is an argument carried byte for byte behind the RawPrefix marker.
type Raw []byte

// Message is a single GPG frame. Args hold string, int32, float32 or Raw
// values. Target is only meaningful on the lobby link.
//
// Verbatim is set on frames read by a Decoder. Their strings are already
// in wire form and are written back unescaped, so a decoded frame encodes
// to the same bytes.
type Message struct {
	Command  string `json:"command"`
	Target   string `json:"target,omitempty"`
	Args     []any  `json:"args"`
	Verbatim bool   `json:"-"`
}

// NewMessage creates a message for the game target.
func NewMessage(command string, args ...any) Message {
	return Message{Command: command, Target: TargetGame, Args: args}
}

// String returns argument i as a string. Raw arguments are returned as their bytes.
func (m Message) String(i int) (string, error) {
	if i >= len(m.Args) {
		return "", fmt.Errorf("%s: missing argument %d", m.Command, i)
	}
	switch v := m.Args[i].(type) {
	case string:
		return v, nil
	case Raw:
		return string(v), nil
	default:
		return "", fmt.Errorf("%s: argument %d is %T, not a string", m.Command, i, v)
	}
}

// Int returns argument i as an int32.
func (m Message) Int(i int) (int32, error) {
	if i >= len(m.Args) {
		return 0, fmt.Errorf("%s: missing argument %d", m.Command, i)
	}
	switch v := m.Args[i].(type) {
	case int32:
		return v, nil
	case int:
		return int32(v), nil
	case float32:
		if float32(int32(v)) == v {
			return int32(v), nil
		}
	}
	return 0, fmt.Errorf("%s: argument %d is %T, not an int", m.Command, i, m.Args[i])
}

// WithArgs returns a copy of m carrying args instead of the original arguments.
func (m Message) WithArgs(args ...any) Message {
	m.Args = args
	return m
}

// Clone returns a deep copy of the argument slice.
func (m Message) Clone() Message {
	args := make([]any, len(m.Args))
	for i, a := range m.Args {
		if r, ok := a.(Raw); ok {
			a = append(Raw(nil), r...)
		}
		args[i] = a
	}
	m.Args = args
	return m
}
