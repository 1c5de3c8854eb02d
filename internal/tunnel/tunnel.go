// Package tunnel bridges the game's UDP traffic to the TURN relay. Each
// relayed peer gets a loopback shim socket: the game is told to talk to
// the shim, and everything it sends there is relayed to the real peer.
// Data relayed back from the peer is written to the game from the same shim,
// so the game sees one stable address per opponent.
package tunnel

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/energizer-project/gpgrelay/internal/turn"
)

const (
	// DefaultMaxPacketsPerSec limits each shim so a runaway game cannot flood the relay.
	DefaultMaxPacketsPerSec = 300
	udpBufSize              = 4096
)

// Relay is the part of the TURN client the tunnel needs.
type Relay interface {
	Send(peer *net.UDPAddr, data []byte) error
	OnData(h turn.DataHandler)
}

// Config holds the tunnel configuration.
type Config struct {
	GamePort         int // game's local UDP port, data from peers is delivered here
	MaxPacketsPerSec int
}

type shim struct {
	peer    *net.UDPAddr
	conn    *net.UDPConn
	limiter *rate.Limiter

	// game endpoint, learned from the first datagram the game sends
	mu   sync.Mutex
	game *net.UDPAddr

	lastActive atomic.Int64
}

// Tunnel manages one shim per relayed peer.
type Tunnel struct {
	cfg    Config
	relay  Relay
	logger zerolog.Logger

	mu     sync.Mutex
	shims  map[string]*shim // peer host:port
	wg     sync.WaitGroup
	closed bool
}

// New creates a tunnel over relay and registers itself as the relay's data handler.
func New(cfg Config, relay Relay) *Tunnel {
	if cfg.MaxPacketsPerSec <= 0 {
		cfg.MaxPacketsPerSec = DefaultMaxPacketsPerSec
	}
	t := &Tunnel{
		cfg:    cfg,
		relay:  relay,
		logger: log.With().Str("component", "tunnel").Int("game_port", cfg.GamePort).Logger(),
		shims:  make(map[string]*shim),
	}
	relay.OnData(t.deliver)
	return t
}

// Open returns the loopback shim address for peer, creating the shim on
// first use.
func (t *Tunnel) Open(peer *net.UDPAddr) (*net.UDPAddr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errors.New("tunnel closed")
	}
	if s, ok := t.shims[peer.String()]; ok {
		return s.conn.LocalAddr().(*net.UDPAddr), nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("failed to open shim for %s: %w", peer, err)
	}

	s := &shim{
		peer:    peer,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(t.cfg.MaxPacketsPerSec), t.cfg.MaxPacketsPerSec),
	}
	if t.cfg.GamePort > 0 {
		s.game = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: t.cfg.GamePort}
	}
	s.lastActive.Store(time.Now().UnixNano())
	t.shims[peer.String()] = s

	t.wg.Add(1)
	go t.forward(s)

	local := conn.LocalAddr().(*net.UDPAddr)
	t.logger.Debug().Str("peer", peer.String()).Str("shim", local.String()).Msg("shim opened")
	return local, nil
}

// forward relays everything the game sends to the shim.
func (t *Tunnel) forward(s *shim) {
	defer t.wg.Done()

	buf := make([]byte, udpBufSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.game = from
		s.mu.Unlock()
		s.lastActive.Store(time.Now().UnixNano())

		if !s.limiter.Allow() {
			continue // silently drop
		}

		if err := t.relay.Send(s.peer, buf[:n]); err != nil {
			t.logger.Debug().Err(err).Str("peer", s.peer.String()).Msg("relay send failed")
		}
	}
}

// deliver writes data relayed from peer to the game through the peer's shim.
func (t *Tunnel) deliver(peer *net.UDPAddr, data []byte) {
	t.mu.Lock()
	s, ok := t.shims[peer.String()]
	t.mu.Unlock()
	if !ok {
		t.logger.Trace().Str("peer", peer.String()).Msg("data from unmapped peer")
		return
	}

	s.mu.Lock()
	game := s.game
	s.mu.Unlock()
	if game == nil {
		return
	}

	s.lastActive.Store(time.Now().UnixNano())
	if _, err := s.conn.WriteToUDP(data, game); err != nil {
		t.logger.Debug().Err(err).Str("peer", peer.String()).Msg("failed to deliver to game")
	}
}

// Close removes the shim for peer.
func (t *Tunnel) Close(peer *net.UDPAddr) {
	t.mu.Lock()
	s, ok := t.shims[peer.String()]
	delete(t.shims, peer.String())
	t.mu.Unlock()

	if ok {
		s.conn.Close()
		t.logger.Debug().Str("peer", peer.String()).Msg("shim closed")
	}
}

// Peer returns the relayed peer behind a shim address.
func (t *Tunnel) Peer(shimAddr string) (*net.UDPAddr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.shims {
		if s.conn.LocalAddr().String() == shimAddr {
			return s.peer, true
		}
	}
	return nil, false
}

// Count returns the number of open shims.
func (t *Tunnel) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.shims)
}

// IdleSince returns when the shim for peer last carried traffic.
func (t *Tunnel) IdleSince(peer *net.UDPAddr) (time.Time, bool) {
	t.mu.Lock()
	s, ok := t.shims[peer.String()]
	t.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, s.lastActive.Load()), true
}

// CloseAll closes every shim and waits for their goroutines. The tunnel
// cannot be reused afterwards.
func (t *Tunnel) CloseAll() {
	t.mu.Lock()
	t.closed = true
	shims := t.shims
	t.shims = make(map[string]*shim)
	t.mu.Unlock()

	for _, s := range shims {
		s.conn.Close()
	}
	t.wg.Wait()
}
