package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/gpgrelay/internal/connectivity"
	"github.com/energizer-project/gpgrelay/internal/events"
	"github.com/energizer-project/gpgrelay/internal/network"
	"github.com/energizer-project/gpgrelay/internal/protocol"
	"github.com/energizer-project/gpgrelay/internal/resolver"
	"github.com/energizer-project/gpgrelay/internal/util"
)

var (
	errGameDisconnected = errors.New("game disconnected")
	errNoRelay          = errors.New("no relay configured")
)

// Status is a snapshot of a session.
type Status struct {
	ID           string              `json:"id"`
	Remote       string              `json:"remote"`
	StartedAt    time.Time           `json:"started_at"`
	Ready        bool                `json:"ready"`
	GameState    string              `json:"game_state,omitempty"`
	Idle         bool                `json:"idle"`
	Pending      int                 `json:"pending"`
	Dropped      int                 `json:"dropped"`
	Connectivity connectivity.Result `json:"connectivity"`
	Peers        []resolver.Mapping  `json:"peers"`
}

// Session relays one game process. It is the only owner of the peer
// mappings and the pre-Idle backlog, both guarded by mu. Only the lobby
// goroutine writes to toGame, and never while holding mu: instructions
// are decided under the lock into outbox and sent after it is released,
// so a game that stops reading stalls that goroutine alone.
type Session struct {
	id        string
	cfg       Config
	deps      Deps
	conn      *network.Connection
	resolver  *resolver.Resolver
	eventBus  *events.EventBus
	logger    zerolog.Logger
	startedAt time.Time

	fromLobby chan protocol.Message
	toGame    chan protocol.Message
	toLobby   chan protocol.Message
	idleCh    chan struct{}

	mu          sync.Mutex
	ready       bool
	gameState   string
	idle        bool
	hostPending bool
	pending     []protocol.Message
	outbox      []protocol.Message
	dropped     int
	relayed     bool // holds a TURN allocation that must be released
	unsubscribe func()

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSession(cfg Config, deps Deps, conn *network.Connection, eventBus *events.EventBus) *Session {
	id := uuid.NewString()

	var relay resolver.Relay
	var shims resolver.Shims
	if deps.Relay != nil {
		relay = deps.Relay
		shims = deps.Shims
	}

	return &Session{
		id:        id,
		cfg:       cfg,
		deps:      deps,
		conn:      conn,
		resolver:  resolver.New(deps.Probe, relay, shims),
		eventBus:  eventBus,
		logger:    util.SessionLogger(id, cfg.GamePort),
		startedAt: time.Now(),
		fromLobby: make(chan protocol.Message, cfg.QueueSize),
		toGame:    make(chan protocol.Message, cfg.QueueSize),
		toLobby:   make(chan protocol.Message, cfg.QueueSize),
		idleCh:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Run classifies connectivity, then relays until the game disconnects,
// a stream fails to decode, ctx is cancelled or Close is called. The
// session is closed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.logger.Info().Str("remote", s.conn.RemoteAddr().String()).Msg("game connected")

	unsubscribe := s.deps.Link.OnMessage(protocol.TargetGame, func(msg protocol.Message) {
		s.onLobbyMessage(ctx, msg)
	})
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	result, err := s.deps.Probe.Run(ctx)
	if ctx.Err() != nil {
		s.closeWith("cancelled during connectivity probe")
		return nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("connectivity blocked, peers cannot be reached")
	}
	if result.State == connectivity.Turn {
		s.ensureRelay(ctx)
		result = s.deps.Probe.State()
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()

	s.eventBus.Emit(ctx, events.Event{
		Type:   events.EventSessionStarted,
		Source: "relay",
		Payload: events.SessionPayload{
			SessionID:    s.id,
			GamePort:     s.cfg.GamePort,
			Remote:       s.conn.RemoteAddr().String(),
			Connectivity: result.State.String(),
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readGame(gctx) })
	g.Go(func() error { return s.processLobby(gctx) })
	g.Go(func() error { return s.writeGame(gctx) })
	g.Go(func() error { return s.writeLobby(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.conn.Close()
		return nil
	})

	err = g.Wait()
	s.closeWith(closeReason(err))

	switch {
	case err == nil, errors.Is(err, errGameDisconnected), errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

func closeReason(err error) string {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return "closed"
	case errors.Is(err, errGameDisconnected):
		return "game disconnected"
	case errors.Is(err, protocol.ErrMalformedFrame):
		return "malformed frame from game"
	default:
		return err.Error()
	}
}

// ensureRelay makes sure a TURN allocation exists for this session. A
// classification taken before the session started may have been followed
// by a release. Failure degrades connectivity to Blocked.
func (s *Session) ensureRelay(ctx context.Context) {
	if s.deps.Relay == nil {
		s.logger.Warn().Msg("connectivity requires a relay but none is configured")
		s.deps.Probe.Degrade(errNoRelay)
		return
	}
	addr, err := s.deps.Relay.Allocate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error().Err(err).Msg("turn allocation unavailable, relayed peers will be dropped")
		s.deps.Probe.Degrade(err)
		return
	}

	s.mu.Lock()
	s.relayed = true
	s.mu.Unlock()

	s.eventBus.Emit(ctx, events.Event{
		Type:    events.EventTurnAllocated,
		Source:  "relay",
		Payload: events.TurnPayload{Relayed: addr.String()},
	})
}

// onLobbyMessage runs on the link's dispatch goroutine, which also serves
// the connectivity target and keepalives, so it never waits for the game.
func (s *Session) onLobbyMessage(ctx context.Context, msg protocol.Message) {
	if ctx.Err() != nil {
		s.logger.Debug().Str("command", msg.Command).Msg("session closing, lobby message ignored")
		return
	}
	select {
	case s.fromLobby <- msg.Clone():
	default:
		peerID, _ := msg.Int(2)
		if msg.Command == protocol.CmdDisconnectFromPeer {
			peerID, _ = msg.Int(0)
		}
		s.mu.Lock()
		s.dropLocked(ctx, msg.Command, peerID, "game is not reading, lobby queue full")
		s.mu.Unlock()
	}
}

func (s *Session) readGame(ctx context.Context) error {
	for {
		msg, err := s.conn.ReadMessage(s.cfg.ReadTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var opErr *net.OpError
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.As(err, &opErr):
				s.logger.Info().Err(err).Msg("game connection closed")
				return errGameDisconnected
			case errors.Is(err, protocol.ErrMalformedFrame):
				s.logger.Error().Err(err).Msg("malformed frame from game, closing session")
				return fmt.Errorf("failed to decode game message: %w", err)
			default:
				return fmt.Errorf("failed to read from game: %w", err)
			}
		}

		s.logger.Trace().Str("command", msg.Command).Int("args", len(msg.Args)).Msg("game message")
		s.handleGame(ctx, msg)
	}
}

func (s *Session) handleGame(ctx context.Context, msg protocol.Message) {
	switch msg.Command {
	case protocol.CmdGameState:
		s.enqueueLobby(ctx, msg)

		state, _ := msg.String(0)
		s.mu.Lock()
		s.gameState = state
		s.mu.Unlock()
		if state == protocol.GameStateIdle {
			select {
			case s.idleCh <- struct{}{}:
			default:
			}
		}

		s.eventBus.Emit(ctx, events.Event{
			Type:    events.EventGameStateChanged,
			Source:  "relay",
			Payload: events.GameStatePayload{SessionID: s.id, State: state},
		})

	case protocol.CmdProcessNatPacket:
		if addr, err := msg.String(0); err == nil {
			s.mu.Lock()
			declared, ok := s.resolver.DeclaredFor(addr)
			s.mu.Unlock()
			if ok {
				args := append([]any(nil), msg.Args...)
				args[0] = declared
				msg = msg.WithArgs(args...)
			}
		}
		s.enqueueLobby(ctx, msg)

	default:
		s.enqueueLobby(ctx, msg)
	}
}

// becomeIdle queues our own CreateLobby and then everything held back
// until the game was ready, in arrival order. A CreateLobby the server
// sent along with HostGame is not repeated: the game already has ours.
func (s *Session) becomeIdle() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.idle || s.isClosed() {
		return nil
	}
	s.idle = true
	pending := s.pending
	s.pending = nil
	s.hostPending = false

	s.logger.Info().Int("pending", len(pending)).Msg("game is idle, creating lobby")

	s.outbox = append(s.outbox, protocol.NewMessage(protocol.CmdCreateLobby,
		s.cfg.LobbyMode,
		int32(s.cfg.GamePort),
		s.cfg.Username,
		s.cfg.UserID,
		int32(1),
	))
	for _, msg := range pending {
		if msg.Command == protocol.CmdCreateLobby {
			s.logger.Debug().Msg("server CreateLobby superseded by our own")
			continue
		}
		s.outbox = append(s.outbox, msg)
	}
	return s.takeOutboxLocked()
}

// processLobby handles server instructions and the game's Idle signal in
// one goroutine, then hands the result to the game writer with mu released.
func (s *Session) processLobby(ctx context.Context) error {
	for {
		var out []protocol.Message
		select {
		case <-ctx.Done():
			return nil
		case <-s.idleCh:
			out = s.becomeIdle()
		case msg := <-s.fromLobby:
			out = s.handleServer(ctx, msg)
		}

		for _, msg := range out {
			select {
			case s.toGame <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *Session) takeOutboxLocked() []protocol.Message {
	out := s.outbox
	s.outbox = nil
	return out
}

// handleServer applies one server instruction and returns what must be
// written to the game as a result.
func (s *Session) handleServer(ctx context.Context, msg protocol.Message) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed() {
		return nil
	}
	s.handleServerLocked(ctx, msg)
	return s.takeOutboxLocked()
}

func (s *Session) handleServerLocked(ctx context.Context, msg protocol.Message) {
	switch msg.Command {
	case protocol.CmdHostGame:
		if !s.idle {
			s.logger.Debug().Msg("game not idle yet, holding HostGame")
			s.hostPending = true
			s.queueLocked(msg)
			return
		}
		s.forwardLocked(msg)

	case protocol.CmdCreateLobby:
		if s.hostPending {
			s.queueLocked(msg)
			return
		}
		s.logger.Info().Msg("discarding CreateLobby without a pending HostGame")

	case protocol.CmdJoinGame, protocol.CmdConnectToPeer:
		s.connectPeerLocked(ctx, msg)

	case protocol.CmdSendNatPacket:
		s.natPacketLocked(ctx, msg)

	case protocol.CmdDisconnectFromPeer:
		s.forwardLocked(msg)
		uid, err := msg.Int(0)
		if err != nil {
			s.logger.Warn().Err(err).Msg("DisconnectFromPeer without peer id")
			return
		}
		if s.resolver.Forget(uid) {
			s.eventBus.Emit(ctx, events.Event{
				Type:    events.EventPeerForgotten,
				Source:  "relay",
				Payload: events.PeerPayload{SessionID: s.id, PeerID: uid},
			})
		}

	default:
		s.forwardLocked(msg)
	}
}

func (s *Session) connectPeerLocked(ctx context.Context, msg protocol.Message) {
	addr, err := msg.String(0)
	name, _ := msg.String(1)
	uid, uidErr := msg.Int(2)
	if err != nil || uidErr != nil {
		s.dropLocked(ctx, msg.Command, uid, "malformed arguments")
		return
	}

	resolved, err := s.resolver.Resolve(ctx, uid, name, addr)
	if err != nil {
		s.dropLocked(ctx, msg.Command, uid, err.Error())
		return
	}

	args := append([]any(nil), msg.Args...)
	args[0] = resolved
	s.forwardLocked(msg.WithArgs(args...))

	m, _ := s.resolver.Lookup(uid)
	s.eventBus.Emit(ctx, events.Event{
		Type:   events.EventPeerResolved,
		Source: "relay",
		Payload: events.PeerPayload{
			SessionID: s.id,
			PeerID:    uid,
			PeerName:  name,
			Declared:  addr,
			Resolved:  resolved,
			Relayed:   m.ChannelBound,
		},
	})
}

func (s *Session) natPacketLocked(ctx context.Context, msg protocol.Message) {
	addr, err := msg.String(0)
	payload, payloadErr := msg.String(1)
	if err != nil || payloadErr != nil {
		s.dropLocked(ctx, msg.Command, 0, "malformed arguments")
		return
	}

	if s.deps.Probe.State().State == connectivity.Turn {
		resolved, ok := s.resolver.ResolvedFor(addr)
		if !ok {
			s.dropLocked(ctx, msg.Command, 0, fmt.Sprintf("no relayed mapping for %s", addr))
			return
		}
		addr = resolved
	}

	s.forwardLocked(msg.WithArgs(addr, protocol.Raw(payload)))
}

// forwardLocked queues msg for the game, behind any instructions still
// held for Idle.
func (s *Session) forwardLocked(msg protocol.Message) {
	if len(s.pending) > 0 {
		s.queueLocked(msg)
		return
	}
	s.outbox = append(s.outbox, msg)
}

func (s *Session) queueLocked(msg protocol.Message) {
	if len(s.pending) >= s.cfg.QueueSize {
		s.logger.Warn().Str("command", msg.Command).Int("pending", len(s.pending)).Msg("pre-idle queue full, dropping instruction")
		s.dropped++
		return
	}
	s.pending = append(s.pending, msg)
}

func (s *Session) dropLocked(ctx context.Context, command string, peerID int32, reason string) {
	s.dropped++
	s.logger.Warn().
		Str("command", command).
		Int32("peer", peerID).
		Str("reason", reason).
		Msg("dropping peer instruction")

	s.eventBus.Emit(ctx, events.Event{
		Type:   events.EventPeerDropped,
		Source: "relay",
		Payload: events.PeerDroppedPayload{
			SessionID: s.id,
			PeerID:    peerID,
			Command:   command,
			Reason:    reason,
		},
	})
}

func (s *Session) enqueueLobby(ctx context.Context, msg protocol.Message) {
	select {
	case s.toLobby <- msg:
	case <-ctx.Done():
	}
}

func (s *Session) writeGame(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.toGame:
			if err := s.conn.WriteMessage(msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to write %s to game: %w", msg.Command, err)
			}
			s.logger.Trace().Str("command", msg.Command).Msg("sent to game")
		}
	}
}

func (s *Session) writeLobby(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.toLobby:
			if err := s.deps.Link.Send(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn().Err(err).Str("command", msg.Command).Msg("failed to forward to lobby server")
			}
		}
	}
}

// relayLost drops every peer that was reached through the relay.
func (s *Session) relayLost(cause error) {
	s.mu.Lock()
	ids := s.resolver.ForgetRelayed()
	s.relayed = false
	s.mu.Unlock()

	for _, id := range ids {
		s.logger.Warn().Err(cause).Int32("peer", id).Msg("relay lost, peer mapping removed")
		s.eventBus.Emit(context.Background(), events.Event{
			Type:    events.EventPeerForgotten,
			Source:  "relay",
			Payload: events.PeerPayload{SessionID: s.id, PeerID: id, Relayed: true},
		})
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close ends the session. Safe to call more than once.
func (s *Session) Close() error {
	return s.closeWith("closed")
}

// closeWith tears everything down: the lobby subscription, the game
// socket, peer mappings with their shims, and the TURN allocation.
func (s *Session) closeWith(reason string) error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		peers := s.resolver.Len()
		s.resolver.ForgetAll()
		relayed := s.relayed
		s.relayed = false
		s.mu.Unlock()

		err := s.conn.Close()
		if relayed {
			err = multierr.Append(err, s.deps.Relay.Release())
		}
		s.closeErr = err

		elapsed := time.Since(s.startedAt)
		s.logger.Info().
			Str("reason", reason).
			Int("peers", peers).
			Dur("duration", elapsed).
			Msg("relay session closed")

		s.eventBus.Emit(context.Background(), events.Event{
			Type:   events.EventSessionClosed,
			Source: "relay",
			Payload: events.SessionPayload{
				SessionID: s.id,
				GamePort:  s.cfg.GamePort,
				Reason:    reason,
				Duration:  elapsed,
			},
		})
	})
	return s.closeErr
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:           s.id,
		Remote:       s.conn.RemoteAddr().String(),
		StartedAt:    s.startedAt,
		Ready:        s.ready,
		GameState:    s.gameState,
		Idle:         s.idle,
		Pending:      len(s.pending),
		Dropped:      s.dropped,
		Connectivity: s.deps.Probe.State(),
		Peers:        s.resolver.Mappings(),
	}
}

// Peers returns the session's peer mappings.
func (s *Session) Peers() []resolver.Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolver.Mappings()
}
