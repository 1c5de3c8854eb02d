// Package relay implements the local game relay: a loopback TCP listener
// the game process connects to, and the session that translates between
// the game's GPG stream and the lobby link.
package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpgrelay/internal/connectivity"
	"github.com/energizer-project/gpgrelay/internal/events"
	"github.com/energizer-project/gpgrelay/internal/lobby"
	"github.com/energizer-project/gpgrelay/internal/network"
	"github.com/energizer-project/gpgrelay/internal/resolver"
)

// DefaultQueueSize bounds each outbound queue and the pre-Idle backlog.
const DefaultQueueSize = 256

// Prober classifies connectivity. *connectivity.Probe implements it.
// Run is called at every session start; Expire at every session end, so
// a classification never outlives the session it was taken for.
type Prober interface {
	Run(ctx context.Context) (connectivity.Result, error)
	State() connectivity.Result
	Degrade(cause error)
	Expire()
}

// TurnRelay is the TURN client as used by the relay. *turn.Client implements it.
type TurnRelay interface {
	resolver.Relay
	Allocate(ctx context.Context) (net.Addr, error)
	Release() error
	OnBlocked(fn func(error))
}

// Config holds the relay settings.
type Config struct {
	ListenAddr  string // loopback host:port, port 0 picks one
	GamePort    int    // the game's UDP port, announced in CreateLobby
	LobbyMode   int32
	Username    string
	UserID      int32
	QueueSize   int
	ReadTimeout time.Duration // zero waits forever for the game
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Link  lobby.Link
	Probe Prober
	Relay TurnRelay      // nil without a TURN server
	Shims resolver.Shims // loopback shims for relayed peers, required with Relay
}

// ServerStatus summarizes the relay server.
type ServerStatus struct {
	Addr     string  `json:"addr"`
	Sessions int     `json:"sessions_served"`
	Active   *Status `json:"active,omitempty"`
}

// Server accepts one game connection at a time. Further connections are
// closed at once while a session is active; after the session ends the
// next launch is accepted.
type Server struct {
	cfg      Config
	deps     Deps
	eventBus *events.EventBus
	listener *network.TCPListener
	logger   zerolog.Logger

	mu     sync.Mutex
	active *Session
	served int

	stopped atomic.Bool
}

// NewServer creates the relay server. Nothing is bound until Listen or Start.
func NewServer(cfg Config, deps Deps, eventBus *events.EventBus) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		eventBus: eventBus,
		logger:   log.With().Str("component", "relay").Logger(),
	}
	s.listener = network.NewTCPListener(cfg.ListenAddr, s)

	if deps.Relay != nil {
		deps.Relay.OnBlocked(s.onRelayBlocked)
	}
	return s
}

// Listen binds the game port so Port is known before the game is launched.
func (s *Server) Listen(ctx context.Context) error {
	return s.listener.Listen(ctx)
}

// Start accepts game connections until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("starting relay server")
	return s.listener.Start(ctx)
}

// Port returns the TCP port the game should connect to.
func (s *Server) Port(ctx context.Context) (int, error) {
	addr, err := s.listener.Addr(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get relay port: %w", err)
	}
	return addr.Port, nil
}

// HandleConn serves one game connection. It implements network.ConnHandler.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	if s.active != nil || s.stopped.Load() {
		s.mu.Unlock()
		s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("rejecting game connection, a session is already active")
		conn.Close()
		return
	}
	sess := newSession(s.cfg, s.deps, network.NewConnection(conn), s.eventBus)
	s.active = sess
	s.served++
	s.mu.Unlock()

	err := sess.Run(ctx)
	s.deps.Probe.Expire()

	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("session", sess.ID()).Msg("relay session ended with error")
	}
}

// Active returns the status of the current session.
func (s *Server) Active() (Status, bool) {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil {
		return Status{}, false
	}
	return sess.Status(), true
}

// Status summarizes the server and its active session.
func (s *Server) Status(ctx context.Context) ServerStatus {
	st := ServerStatus{}
	if addr, err := s.listener.Addr(ctx); err == nil {
		st.Addr = addr.String()
	}
	s.mu.Lock()
	st.Sessions = s.served
	sess := s.active
	s.mu.Unlock()
	if sess != nil {
		active := sess.Status()
		st.Active = &active
	}
	return st
}

// Peers returns the peer mappings of the active session.
func (s *Server) Peers() []resolver.Mapping {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Peers()
}

// onRelayBlocked reports connectivity as Blocked and tears down relayed
// peers once the TURN allocation is lost.
func (s *Server) onRelayBlocked(err error) {
	s.deps.Probe.Degrade(err)

	s.eventBus.Emit(context.Background(), events.Event{
		Type:    events.EventTurnBlocked,
		Source:  "relay",
		Payload: events.TurnPayload{Reason: err.Error()},
	})

	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess != nil {
		sess.relayLost(err)
	}
}

// Stop closes the listener and the active session.
func (s *Server) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.logger.Info().Msg("stopping relay server")

	if err := s.listener.Stop(); err != nil {
		s.logger.Debug().Err(err).Msg("error closing relay listener")
	}

	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}
