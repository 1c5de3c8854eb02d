package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpgrelay/internal/events"
	"github.com/energizer-project/gpgrelay/internal/lobby"
	"github.com/energizer-project/gpgrelay/internal/network"
	"github.com/energizer-project/gpgrelay/internal/protocol"
)

// Defaults applied by NewProbe for zero config values.
const (
	DefaultPublicTimeout  = 5 * time.Second
	DefaultStunTimeout    = 10 * time.Second
	DefaultTurnTimeout    = 15 * time.Second
	DefaultBudget         = 30 * time.Second
	DefaultConfirmTimeout = time.Second

	publicTokenFormat = "Are you public? %d"
	inboxSize         = 16
)

// Allocator obtains a relayed address. *turn.Client implements it.
type Allocator interface {
	Allocate(ctx context.Context) (net.Addr, error)
}

// PortMapper asks the gateway to forward the game port.
type PortMapper interface {
	Map(ctx context.Context, port int) error
	Unmap() error
}

// Config holds the probe settings.
type Config struct {
	GamePort int
	PlayerID int32

	// EchoServer, when set, is greeted from the game port before the
	// public check so the server learns the socket's external mapping.
	EchoServer string

	PublicTimeout  time.Duration
	StunTimeout    time.Duration
	TurnTimeout    time.Duration
	Budget         time.Duration // shared by all stages
	ConfirmTimeout time.Duration // wait for the server's own verdict after a stage succeeds
}

// Probe runs the three classification stages in order: the public check,
// the echo through the lobby server and the TURN allocation. The first
// stage to succeed decides the result, which Run returns again until
// Expire or Reset.
type Probe struct {
	cfg       Config
	link      lobby.Link
	allocator Allocator
	mapper    PortMapper
	eventBus  *events.EventBus
	logger    zerolog.Logger

	runMu   sync.Mutex
	running atomic.Bool

	mu     sync.RWMutex
	result Result
	err    error
	done   bool
}

// NewProbe creates a probe. allocator may be nil when no TURN server is
// configured, in which case a failed echo stage yields Blocked.
func NewProbe(cfg Config, link lobby.Link, allocator Allocator, eventBus *events.EventBus) *Probe {
	if cfg.PublicTimeout <= 0 {
		cfg.PublicTimeout = DefaultPublicTimeout
	}
	if cfg.StunTimeout <= 0 {
		cfg.StunTimeout = DefaultStunTimeout
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	return &Probe{
		cfg:       cfg,
		link:      link,
		allocator: allocator,
		eventBus:  eventBus,
		logger:    log.With().Str("component", "probe").Int("port", cfg.GamePort).Logger(),
	}
}

// SetPortMapper enables gateway port mapping before the public check.
func (p *Probe) SetPortMapper(m PortMapper) {
	p.mapper = m
}

// State returns the last classification, Unknown before the first Run completes.
func (p *Probe) State() Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.result
}

// Running reports whether a probe is in progress.
func (p *Probe) Running() bool {
	return p.running.Load()
}

// Reset forgets the cached classification so the next Run probes again.
func (p *Probe) Reset() {
	p.mu.Lock()
	p.result = Result{}
	p.err = nil
	p.done = false
	p.mu.Unlock()
}

// Expire marks the classification stale. State keeps reporting it, but
// the next Run probes again. The relay calls it when a session ends.
func (p *Probe) Expire() {
	p.mu.Lock()
	p.done = false
	p.mu.Unlock()
}

// Degrade moves a resolved classification to Blocked after the relayed
// path was lost. It holds until the next Run.
func (p *Probe) Degrade(cause error) {
	p.mu.Lock()
	if p.result.State == Blocked {
		p.mu.Unlock()
		return
	}
	prev := p.result.State
	p.result = Result{State: Blocked}
	p.err = fmt.Errorf("%w: %w", ErrBlocked, cause)
	p.mu.Unlock()

	p.logger.Warn().Err(cause).Str("was", prev.String()).Msg("connectivity degraded to blocked")

	p.eventBus.Emit(context.Background(), events.Event{
		Type:    events.EventConnectivityChanged,
		Source:  "probe",
		Payload: events.ConnectivityPayload{State: Blocked.String()},
	})
}

// Close removes the gateway port mapping, if any.
func (p *Probe) Close() error {
	if p.mapper == nil {
		return nil
	}
	return p.mapper.Unmap()
}

// Run classifies the network. A Blocked result comes with an error
// wrapping ErrBlocked. If ctx is cancelled the probe stops, releases the
// game port and returns Unknown with ctx's error; nothing is cached then.
func (p *Probe) Run(ctx context.Context) (Result, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.mu.RLock()
	if p.done {
		result, err := p.result, p.err
		p.mu.RUnlock()
		return result, err
	}
	p.mu.RUnlock()

	p.running.Store(true)
	defer p.running.Store(false)

	start := time.Now()
	result, err := p.probe(ctx)
	if ctx.Err() != nil {
		p.logger.Info().Msg("connectivity probe cancelled")
		return Result{State: Unknown}, ctx.Err()
	}

	p.mu.Lock()
	p.result, p.err, p.done = result, err, true
	p.mu.Unlock()

	ev := p.logger.Info()
	if err != nil {
		ev = p.logger.Warn().Err(err)
	}
	ev.Str("state", result.State.String()).
		Str("address", result.Addr).
		Dur("elapsed", time.Since(start)).
		Msg("connectivity classified")

	p.eventBus.Emit(context.Background(), events.Event{
		Type:    events.EventConnectivityChanged,
		Source:  "probe",
		Payload: events.ConnectivityPayload{State: result.State.String(), Address: result.Addr},
	})
	return result, err
}

func (p *Probe) probe(ctx context.Context) (Result, error) {
	budget, cancel := context.WithTimeout(ctx, p.cfg.Budget)
	defer cancel()

	if p.mapper != nil {
		if err := p.mapper.Map(budget, p.cfg.GamePort); err != nil {
			p.logger.Warn().Err(err).Msg("gateway port mapping failed, probing without it")
		}
	}

	if result, ok := p.probeDirect(ctx, budget); ok {
		return result, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	result, err := p.runStage(budget, "turn", p.cfg.TurnTimeout, p.stageTurn)
	if err != nil {
		return Result{State: Blocked}, err
	}
	return result, nil
}

// probeDirect runs the public and echo stages on the game port. The
// socket is released before it returns.
func (p *Probe) probeDirect(ctx, budget context.Context) (Result, bool) {
	conn, err := network.ListenGameUDP(budget, p.cfg.GamePort)
	if err != nil {
		p.logger.Warn().Err(err).Msg("cannot bind game port, skipping direct stages")
		return Result{}, false
	}
	defer conn.Close()

	inbox := make(chan protocol.Message, inboxSize)
	unsubscribe := p.link.OnMessage(protocol.TargetConnectivity, func(msg protocol.Message) {
		select {
		case inbox <- msg:
		default:
			p.logger.Warn().Str("command", msg.Command).Msg("probe inbox full, dropping message")
		}
	})
	defer unsubscribe()

	token := string(protocol.RawPrefix) + fmt.Sprintf(publicTokenFormat, p.cfg.PlayerID)
	datagrams := make(chan network.Datagram, 1)
	readCtx, stopReading := context.WithCancel(budget)
	defer stopReading()
	go network.ReadDatagrams(readCtx, conn, []byte(token), datagrams)

	result, err := p.runStage(budget, "public", p.cfg.PublicTimeout, func(sctx context.Context) (Result, error) {
		return p.stagePublic(sctx, conn, token, inbox, datagrams)
	})
	if err == nil {
		return result, true
	}
	if ctx.Err() != nil {
		return Result{}, false
	}

	result, err = p.runStage(budget, "stun", p.cfg.StunTimeout, func(sctx context.Context) (Result, error) {
		return p.stageStun(sctx, conn, inbox)
	})
	return result, err == nil
}

func (p *Probe) runStage(budget context.Context, name string, timeout time.Duration, fn func(context.Context) (Result, error)) (Result, error) {
	ctx, cancel := context.WithTimeout(budget, timeout)
	defer cancel()

	p.logger.Debug().Str("stage", name).Dur("timeout", timeout).Msg("probe stage started")

	start := time.Now()
	result, err := fn(ctx)

	outcome := result.State.String()
	switch {
	case errors.Is(err, ErrProbeTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "failed"
	}
	p.logger.Debug().Str("stage", name).Str("outcome", outcome).Err(err).Msg("probe stage finished")

	p.eventBus.Emit(context.Background(), events.Event{
		Type:    events.EventProbeStage,
		Source:  "probe",
		Payload: events.ProbeStagePayload{Stage: name, Outcome: outcome, Duration: time.Since(start)},
	})
	return result, err
}

func (p *Probe) stagePublic(ctx context.Context, conn *net.UDPConn, token string, inbox <-chan protocol.Message, datagrams <-chan network.Datagram) (Result, error) {
	if p.cfg.EchoServer != "" {
		p.greet(conn, p.cfg.EchoServer)
	}
	if err := p.link.Send(ctx, p.initiateTest("public")); err != nil {
		return Result{}, fmt.Errorf("failed to request public check: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, stageErr(ctx)

		case dg := <-datagrams:
			if string(dg.Data) != token {
				continue
			}
			reply := protocol.Message{
				Command: protocol.CmdProcessNatPacket,
				Target:  protocol.TargetConnectivity,
				Args:    []any{dg.From.String(), token[1:]},
			}
			if err := p.link.Send(ctx, reply); err != nil {
				p.logger.Warn().Err(err).Msg("failed to acknowledge public check")
			}

			result := Result{State: Public, Addr: localEndpoint(conn)}
			if addr, ok := p.awaitVerdict(ctx, inbox, Public); ok {
				result.Addr = addr
			}
			return result, nil

		case msg := <-inbox:
			if state, addr, ok := verdict(msg); ok && state == Public && addr != "" {
				return Result{State: Public, Addr: addr}, nil
			}
		}
	}
}

func (p *Probe) stageStun(ctx context.Context, conn *net.UDPConn, inbox <-chan protocol.Message) (Result, error) {
	if err := p.link.Send(ctx, p.initiateTest("stun")); err != nil {
		return Result{}, fmt.Errorf("failed to request echo: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return Result{}, stageErr(ctx)

		case msg := <-inbox:
			switch msg.Command {
			case protocol.CmdSendNatPacket:
				addr, err := msg.String(0)
				if err != nil {
					p.logger.Warn().Err(err).Msg("ignoring malformed echo instruction")
					continue
				}
				message, _ := msg.String(1)
				peer, err := net.ResolveUDPAddr("udp4", addr)
				if err != nil {
					p.logger.Warn().Err(err).Str("address", addr).Msg("ignoring echo with bad address")
					continue
				}
				if _, err := conn.WriteToUDP([]byte(message), peer); err != nil {
					p.logger.Warn().Err(err).Str("address", addr).Msg("failed to punch towards echo peer")
				}

				result := Result{State: Stun, Addr: addr}
				if confirmed, ok := p.awaitVerdict(ctx, inbox, Stun); ok {
					result.Addr = confirmed
				}
				return result, nil

			case protocol.CmdConnectivityState:
				state, addr, _ := verdict(msg)
				switch {
				case state == Stun && addr != "":
					return Result{State: Stun, Addr: addr}, nil
				case state == Blocked || state == Unknown:
					return Result{}, errNoPeer
				}
			}
		}
	}
}

func (p *Probe) stageTurn(ctx context.Context) (Result, error) {
	if p.allocator == nil {
		return Result{State: Blocked}, fmt.Errorf("%w: no relay configured", ErrBlocked)
	}
	addr, err := p.allocator.Allocate(ctx)
	if err != nil {
		return Result{State: Blocked}, fmt.Errorf("%w: %w", ErrBlocked, err)
	}
	return Result{State: Turn, Addr: addr.String()}, nil
}

// awaitVerdict gives the server a short window to report the address it
// observed for the stage that just succeeded.
func (p *Probe) awaitVerdict(ctx context.Context, inbox <-chan protocol.Message, want State) (string, bool) {
	timer := time.NewTimer(p.cfg.ConfirmTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-timer.C:
			return "", false
		case msg := <-inbox:
			if state, addr, ok := verdict(msg); ok && state == want && addr != "" {
				return addr, true
			}
		}
	}
}

func (p *Probe) initiateTest(stage string) protocol.Message {
	return protocol.Message{
		Command: protocol.CmdInitiateTest,
		Target:  protocol.TargetConnectivity,
		Args:    []any{int32(p.cfg.GamePort), stage},
	}
}

func (p *Probe) greet(conn *net.UDPConn, server string) {
	addr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		p.logger.Warn().Err(err).Str("server", server).Msg("cannot resolve echo server")
		return
	}
	hello := fmt.Sprintf("%c/PLAYERID %d", protocol.RawPrefix, p.cfg.PlayerID)
	if _, err := conn.WriteToUDP([]byte(hello), addr); err != nil {
		p.logger.Warn().Err(err).Str("server", server).Msg("failed to greet echo server")
	}
}

// verdict extracts a ConnectivityState [state, address] message.
func verdict(msg protocol.Message) (State, string, bool) {
	if msg.Command != protocol.CmdConnectivityState {
		return Unknown, "", false
	}
	name, err := msg.String(0)
	if err != nil {
		return Unknown, "", false
	}
	addr, _ := msg.String(1)
	return ParseState(name), addr, true
}

func stageErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrProbeTimeout
	}
	return ctx.Err()
}

func localEndpoint(conn *net.UDPConn) string {
	la := conn.LocalAddr().(*net.UDPAddr)
	ip := la.IP
	if ip == nil || ip.IsUnspecified() {
		ip = network.OutboundIP()
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(la.Port))
}
