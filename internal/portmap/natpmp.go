// Package portmap asks the local gateway to forward the game's UDP port
// via NAT-PMP, so a client behind a cooperative home router can be
// classified as public.
package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpgrelay/internal/events"
	"github.com/energizer-project/gpgrelay/internal/network"
)

const (
	DefaultLifetime = 2 * time.Hour
	DefaultTimeout  = 2 * time.Second
)

// ErrNoGateway is returned when no gateway address can be determined.
var ErrNoGateway = errors.New("no nat-pmp gateway")

// client is the subset of *natpmp.Client the mapper uses.
type client interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// Config holds the port mapping settings.
type Config struct {
	Gateway  string // gateway IP, guessed from the outbound address when empty
	Lifetime time.Duration
	Timeout  time.Duration
}

// Mapping is an active gateway port mapping.
type Mapping struct {
	InternalPort int
	ExternalPort int
	ExternalIP   net.IP
	Expires      time.Time
}

// Mapper maps one UDP port at a time.
type Mapper struct {
	cfg       Config
	eventBus  *events.EventBus
	logger    zerolog.Logger
	newClient func(gateway net.IP, timeout time.Duration) client

	mu      sync.Mutex
	client  client
	mapping *Mapping
}

// NewMapper creates a mapper. Nothing is sent until Map.
func NewMapper(cfg Config, eventBus *events.EventBus) *Mapper {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Mapper{
		cfg:      cfg,
		eventBus: eventBus,
		logger:   log.With().Str("component", "portmap").Logger(),
		newClient: func(gateway net.IP, timeout time.Duration) client {
			return natpmp.NewClientWithTimeout(gateway, timeout)
		},
	}
}

// Map forwards the gateway's UDP port to the same local port. A previous
// mapping for another port is replaced.
func (m *Mapper) Map(ctx context.Context, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mapping != nil && m.mapping.InternalPort == port && time.Now().Before(m.mapping.Expires) {
		return nil
	}

	c, err := m.gatewayClient()
	if err != nil {
		return err
	}

	ext, err := withContext(ctx, c.GetExternalAddress)
	if err != nil {
		return fmt.Errorf("failed to query gateway external address: %w", err)
	}

	if m.mapping != nil && m.mapping.InternalPort != port {
		m.unmapLocked()
	}

	lifetime := int(m.cfg.Lifetime.Seconds())
	res, err := withContext(ctx, func() (*natpmp.AddPortMappingResult, error) {
		return c.AddPortMapping("udp", port, port, lifetime)
	})
	if err != nil {
		return fmt.Errorf("failed to map udp port %d: %w", port, err)
	}

	ip := ext.ExternalIPAddress
	m.mapping = &Mapping{
		InternalPort: port,
		ExternalPort: int(res.MappedExternalPort),
		ExternalIP:   net.IPv4(ip[0], ip[1], ip[2], ip[3]),
		Expires:      time.Now().Add(time.Duration(res.PortMappingLifetimeInSeconds) * time.Second),
	}

	m.logger.Info().
		Int("internal", port).
		Int("external", m.mapping.ExternalPort).
		Str("external_ip", m.mapping.ExternalIP.String()).
		Msg("gateway port mapped")

	m.eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventPortMapped,
		Source: "portmap",
		Payload: events.PortMappedPayload{
			InternalPort: port,
			ExternalPort: m.mapping.ExternalPort,
			ExternalIP:   m.mapping.ExternalIP.String(),
		},
	})
	return nil
}

// Unmap deletes the current mapping. Safe to call without one.
func (m *Mapper) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unmapLocked()
}

func (m *Mapper) unmapLocked() error {
	if m.mapping == nil || m.client == nil {
		return nil
	}
	port := m.mapping.InternalPort
	m.mapping = nil

	// lifetime 0 deletes the mapping
	if _, err := m.client.AddPortMapping("udp", port, 0, 0); err != nil {
		m.logger.Debug().Err(err).Int("port", port).Msg("failed to delete gateway mapping")
		return fmt.Errorf("failed to delete mapping for port %d: %w", port, err)
	}
	m.logger.Info().Int("port", port).Msg("gateway port mapping removed")
	return nil
}

// Current returns the active mapping.
func (m *Mapper) Current() (Mapping, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mapping == nil {
		return Mapping{}, false
	}
	return *m.mapping, true
}

func (m *Mapper) gatewayClient() (client, error) {
	if m.client != nil {
		return m.client, nil
	}
	gw, err := m.gateway()
	if err != nil {
		return nil, err
	}
	m.logger.Debug().Str("gateway", gw.String()).Msg("using nat-pmp gateway")
	m.client = m.newClient(gw, m.cfg.Timeout)
	return m.client, nil
}

func (m *Mapper) gateway() (net.IP, error) {
	if m.cfg.Gateway != "" {
		ip := net.ParseIP(m.cfg.Gateway).To4()
		if ip == nil {
			return nil, fmt.Errorf("%w: invalid gateway %q", ErrNoGateway, m.cfg.Gateway)
		}
		return ip, nil
	}
	return GuessGateway(network.OutboundIP())
}

// GuessGateway assumes the router sits at .1 of the local /24.
func GuessGateway(local net.IP) (net.IP, error) {
	ip := local.To4()
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
		return nil, ErrNoGateway
	}
	return net.IPv4(ip[0], ip[1], ip[2], 1), nil
}

// withContext runs a blocking NAT-PMP call and gives up when ctx is done.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
