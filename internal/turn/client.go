// Package turn is a minimal TURN (RFC 5766) client used when the local
// network cannot be reached directly. It keeps one UDP allocation on the
// configured relay, installs permissions and channel bindings per peer and
// refreshes them on its own timer so a quiet game keeps its relay.
package turn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/stun/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Defaults applied by NewClient for zero config values.
const (
	DefaultLifetime       = 10 * time.Minute
	DefaultRefreshMargin  = time.Minute
	DefaultRequestTimeout = 2 * time.Second
	DefaultMaxAttempts    = 5
	DefaultBackoffBase    = 250 * time.Millisecond
	DefaultBackoffMax     = 4 * time.Second
	DefaultRefreshRetry   = 5 * time.Second

	// permissions expire after five minutes on the server
	permissionRefresh = 4 * time.Minute

	maxConsecutiveRefreshFailures = 2
	readBufSize                   = 64 * 1024
)

var (
	// ErrUnreachable is returned when allocation fails after all retries.
	ErrUnreachable = errors.New("turn server unreachable")

	// ErrNotAllocated is returned by peer operations before Allocate succeeds.
	ErrNotAllocated = errors.New("no turn allocation")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("turn client closed")

	// ErrBlocked is returned once refresh failures have invalidated the allocation.
	ErrBlocked = errors.New("turn allocation lost")
)

// ClientConfig holds the configuration for a TURN client.
type ClientConfig struct {
	Server         string // relay host:port
	LocalAddr      string // local bind address, "0.0.0.0:0" when empty
	Username       string
	Password       string
	Lifetime       time.Duration // requested allocation lifetime
	RefreshMargin  time.Duration // refresh this long before the lease expires
	RequestTimeout time.Duration // per transmission
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RefreshRetry   time.Duration // delay before retrying a failed refresh
	Clock          clock.Clock   // drives lease bookkeeping; real clock when nil
}

func (c *ClientConfig) applyDefaults() {
	if c.LocalAddr == "" {
		c.LocalAddr = "0.0.0.0:0"
	}
	if c.Lifetime <= 0 {
		c.Lifetime = DefaultLifetime
	}
	if c.RefreshMargin <= 0 || c.RefreshMargin >= c.Lifetime {
		c.RefreshMargin = DefaultRefreshMargin
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.RefreshRetry <= 0 {
		c.RefreshRetry = DefaultRefreshRetry
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// DataHandler receives payloads relayed from a peer.
type DataHandler func(peer *net.UDPAddr, data []byte)

// Client maintains a single TURN allocation.
type Client struct {
	cfg    ClientConfig
	conn   net.PacketConn
	server *net.UDPAddr
	logger zerolog.Logger

	allocMu sync.Mutex // serializes Allocate

	mu          sync.Mutex
	realm       stun.Realm
	nonce       stun.Nonce
	relayed     *net.UDPAddr
	leaseExpiry time.Time
	permissions map[string]struct{}          // peer IP
	channels    map[string]uint16            // peer host:port -> channel
	byChannel   map[uint16]*net.UDPAddr      // channel -> peer
	pending     map[[stun.TransactionIDSize]byte]chan *stun.Message
	nextChannel uint16
	onData      DataHandler
	onBlocked   func(error)
	blocked     bool
	allocDone   chan struct{} // closed when the current allocation is released

	closed  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewClient binds the local UDP socket and starts reading from it. No
// traffic is sent until Allocate is called.
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.applyDefaults()

	server, err := net.ResolveUDPAddr("udp4", cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve turn server %s: %w", cfg.Server, err)
	}

	conn, err := net.ListenPacket("udp4", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.LocalAddr, err)
	}

	c := &Client{
		cfg:         cfg,
		conn:        conn,
		server:      server,
		logger:      log.With().Str("component", "turn").Str("server", server.String()).Logger(),
		permissions: make(map[string]struct{}),
		channels:    make(map[string]uint16),
		byChannel:   make(map[uint16]*net.UDPAddr),
		pending:     make(map[[stun.TransactionIDSize]byte]chan *stun.Message),
		nextChannel: minChannelNumber,
		closed:      make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// OnData registers the handler for relayed inbound data.
func (c *Client) OnData(h DataHandler) {
	c.mu.Lock()
	c.onData = h
	c.mu.Unlock()
}

// OnBlocked registers a callback invoked once when refresh failures invalidate the allocation.
func (c *Client) OnBlocked(fn func(error)) {
	c.mu.Lock()
	c.onBlocked = fn
	c.mu.Unlock()
}

// RelayedAddr returns the allocated relay transport address, or nil.
func (c *Client) RelayedAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relayed
}

// LeaseExpiry returns when the current allocation expires.
func (c *Client) LeaseExpiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaseExpiry
}

// Blocked reports whether the allocation was lost to refresh failures.
func (c *Client) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// LocalAddr returns the client's local socket address.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Allocate requests a UDP relay allocation. Each attempt is retried with
// exponential backoff; after MaxAttempts the call fails with ErrUnreachable.
// Calling Allocate while an allocation exists returns the existing address.
func (c *Client) Allocate(ctx context.Context) (net.Addr, error) {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	if c.stopped.Load() {
		return nil, ErrClosed
	}
	if addr := c.RelayedAddr(); addr != nil {
		return addr, nil
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff(c.cfg.BackoffBase, c.cfg.BackoffMax, attempt-1)
			c.logger.Debug().Int("attempt", attempt+1).Dur("wait", wait).Err(lastErr).Msg("retrying allocation")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.closed:
				return nil, ErrClosed
			case <-time.After(wait):
			}
		}

		res, err := c.request(ctx, stun.MethodAllocate,
			requestedTransportUDP(),
			lifetimeAttr(c.cfg.Lifetime),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrClosed) {
				return nil, err
			}
			lastErr = err
			continue
		}

		var relayed stun.XORMappedAddress
		if err := relayed.GetFromAs(res, stun.AttrXORRelayedAddress); err != nil {
			lastErr = fmt.Errorf("allocate response without relayed address: %w", err)
			continue
		}

		lifetime := readLifetime(res, c.cfg.Lifetime)
		addr := &net.UDPAddr{IP: relayed.IP, Port: relayed.Port}

		done := make(chan struct{})
		c.mu.Lock()
		c.relayed = addr
		c.leaseExpiry = c.cfg.Clock.Now().Add(lifetime)
		c.blocked = false
		c.allocDone = done
		c.mu.Unlock()

		c.logger.Info().
			Str("relayed", addr.String()).
			Dur("lifetime", lifetime).
			Int("attempts", attempt+1).
			Msg("turn allocation created")

		c.wg.Add(1)
		go c.refreshLoop(done)

		return addr, nil
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrUnreachable, c.cfg.MaxAttempts, lastErr)
}

// CreatePermission installs a permission for the peer's IP. Repeated calls
// for an already permitted IP return immediately.
func (c *Client) CreatePermission(ctx context.Context, peer *net.UDPAddr) error {
	if err := c.ready(); err != nil {
		return err
	}

	key := peer.IP.String()
	c.mu.Lock()
	_, ok := c.permissions[key]
	c.mu.Unlock()
	if ok {
		return nil
	}

	if err := c.createPermission(ctx, peer); err != nil {
		return err
	}

	c.mu.Lock()
	c.permissions[key] = struct{}{}
	c.mu.Unlock()

	c.logger.Debug().Str("peer", peer.String()).Msg("permission created")
	return nil
}

func (c *Client) createPermission(ctx context.Context, peer *net.UDPAddr) error {
	_, err := c.request(ctx, stun.MethodCreatePermission, peerAddrAttr(peer))
	if err != nil {
		return fmt.Errorf("failed to create permission for %s: %w", peer, err)
	}
	return nil
}

// BindChannel binds a channel number to the peer and returns it. Repeated
// calls for a bound peer return the same channel without a new request.
func (c *Client) BindChannel(ctx context.Context, peer *net.UDPAddr) (uint16, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}

	key := peer.String()
	c.mu.Lock()
	if ch, ok := c.channels[key]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	ch := c.nextChannel
	if ch > maxChannelNumber {
		c.mu.Unlock()
		return 0, fmt.Errorf("no free channel numbers for %s", peer)
	}
	c.nextChannel++
	c.mu.Unlock()

	if err := c.bindChannel(ctx, peer, ch); err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.channels[key] = ch
	c.byChannel[ch] = peer
	c.mu.Unlock()

	c.logger.Debug().Str("peer", peer.String()).Uint16("channel", ch).Msg("channel bound")
	return ch, nil
}

func (c *Client) bindChannel(ctx context.Context, peer *net.UDPAddr, ch uint16) error {
	_, err := c.request(ctx, stun.MethodChannelBind, channelNumberAttr(ch), peerAddrAttr(peer))
	if err != nil {
		return fmt.Errorf("failed to bind channel %#x to %s: %w", ch, peer, err)
	}
	return nil
}

// Unbind forgets the channel and permission for peer. TURN has no explicit
// unbind request; the binding lapses on the server once it is no longer refreshed.
func (c *Client) Unbind(peer *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.channels[peer.String()]; ok {
		delete(c.channels, peer.String())
		delete(c.byChannel, ch)
	}

	ip := peer.IP.String()
	for _, p := range c.byChannel {
		if p.IP.String() == ip {
			return
		}
	}
	delete(c.permissions, ip)
}

// Send relays data to peer, using the bound channel when there is one.
func (c *Client) Send(peer *net.UDPAddr, data []byte) error {
	if err := c.ready(); err != nil {
		return err
	}

	c.mu.Lock()
	ch, bound := c.channels[peer.String()]
	c.mu.Unlock()

	var packet []byte
	if bound {
		packet = encodeChannelData(ch, data)
	} else {
		m, err := stun.Build(
			stun.TransactionID,
			stun.NewType(stun.MethodSend, stun.ClassIndication),
			peerAddrAttr(peer),
			rawAttr{stun.AttrData, data},
			stun.Fingerprint,
		)
		if err != nil {
			return fmt.Errorf("failed to build send indication: %w", err)
		}
		packet = m.Raw
	}

	if _, err := c.conn.WriteTo(packet, c.server); err != nil {
		return fmt.Errorf("failed to relay to %s: %w", peer, err)
	}
	return nil
}

// Release gives the allocation back to the server but keeps the client
// usable: a later Allocate creates a new one. Without an allocation it
// does nothing.
func (c *Client) Release() error {
	c.allocMu.Lock()
	defer c.allocMu.Unlock()

	if c.stopped.Load() || c.RelayedAddr() == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	_, err := c.request(ctx, stun.MethodRefresh, lifetimeAttr(0))
	cancel()

	c.mu.Lock()
	if c.allocDone != nil {
		close(c.allocDone)
		c.allocDone = nil
	}
	c.relayed = nil
	c.permissions = make(map[string]struct{})
	c.channels = make(map[string]uint16)
	c.byChannel = make(map[uint16]*net.UDPAddr)
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to release allocation")
		return fmt.Errorf("failed to release allocation: %w", err)
	}
	c.logger.Info().Msg("turn allocation released")
	return nil
}

// Close releases the allocation and stops background work. Safe to call more than once.
func (c *Client) Close() error {
	if c.stopped.Swap(true) {
		return nil
	}

	if c.RelayedAddr() != nil && !c.Blocked() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		if _, err := c.request(ctx, stun.MethodRefresh, lifetimeAttr(0)); err != nil {
			c.logger.Debug().Err(err).Msg("failed to release allocation")
		} else {
			c.logger.Info().Msg("turn allocation released")
		}
		cancel()
	}

	close(c.closed)
	err := c.conn.Close()
	c.wg.Wait()

	c.mu.Lock()
	c.relayed = nil
	c.permissions = make(map[string]struct{})
	c.channels = make(map[string]uint16)
	c.byChannel = make(map[uint16]*net.UDPAddr)
	c.mu.Unlock()

	return err
}

func (c *Client) ready() error {
	if c.stopped.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocked {
		return ErrBlocked
	}
	if c.relayed == nil {
		return ErrNotAllocated
	}
	return nil
}

// backoff returns base * 2^attempt, capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt > 16 {
		return max
	}
	d := base * time.Duration(1<<attempt)
	if d > max {
		return max
	}
	return d
}
