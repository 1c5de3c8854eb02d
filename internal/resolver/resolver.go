// Package resolver decides which address the game should use for each
// opponent, given the local connectivity classification, and keeps the
// table of live peer mappings for the session.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpgrelay/internal/connectivity"
)

// ErrPeerUnreachable is returned when no usable address exists for a peer.
// The caller drops the instruction that named the peer.
var ErrPeerUnreachable = errors.New("peer unreachable")

// StateSource reports the current connectivity classification.
type StateSource interface {
	State() connectivity.Result
}

// Relay is the part of the TURN client needed to open a relayed path.
type Relay interface {
	CreatePermission(ctx context.Context, peer *net.UDPAddr) error
	BindChannel(ctx context.Context, peer *net.UDPAddr) (uint16, error)
	Unbind(peer *net.UDPAddr)
}

// Shims hands out loopback endpoints that forward into the relay.
type Shims interface {
	Open(peer *net.UDPAddr) (*net.UDPAddr, error)
	Close(peer *net.UDPAddr)
}

// Mapping is a peer's declared address and the address given to the game.
type Mapping struct {
	PeerID       int32  `json:"peer_id"`
	PeerName     string `json:"peer_name"`
	Declared     string `json:"declared"`
	Resolved     string `json:"resolved"`
	ChannelBound bool   `json:"channel_bound"`
	Channel      uint16 `json:"channel,omitempty"`

	peer *net.UDPAddr
}

// Resolver maps peers to addresses. It is not safe for concurrent use;
// the owning relay session serializes all calls.
type Resolver struct {
	state  StateSource
	relay  Relay
	shims  Shims
	logger zerolog.Logger

	mappings   map[int32]*Mapping
	byResolved map[string]int32
}

// New creates a resolver. relay and shims may be nil when no TURN server
// is configured; peers then cannot be resolved in the Turn state.
func New(state StateSource, relay Relay, shims Shims) *Resolver {
	return &Resolver{
		state:      state,
		relay:      relay,
		shims:      shims,
		logger:     log.With().Str("component", "resolver").Logger(),
		mappings:   make(map[int32]*Mapping),
		byResolved: make(map[string]int32),
	}
}

// Resolve returns the address the game should use for peerID. Public and
// Stun use the declared address as is; Turn installs a permission and a
// channel binding once per peer and returns a loopback shim address.
// Repeated calls with the same declared address return the cached result.
func (r *Resolver) Resolve(ctx context.Context, peerID int32, name, declared string) (string, error) {
	if m, ok := r.mappings[peerID]; ok {
		if m.Declared == declared {
			return m.Resolved, nil
		}
		r.logger.Debug().
			Int32("peer", peerID).
			Str("old", m.Declared).
			Str("new", declared).
			Msg("peer address changed, resolving again")
		r.Forget(peerID)
	}

	if declared == "" {
		return "", fmt.Errorf("%w: peer %d declared no address", ErrPeerUnreachable, peerID)
	}

	state := r.state.State()
	var m *Mapping
	var err error

	switch state.State {
	case connectivity.Public, connectivity.Stun:
		m = &Mapping{PeerID: peerID, PeerName: name, Declared: declared, Resolved: declared}
	case connectivity.Turn:
		m, err = r.resolveRelayed(ctx, peerID, name, declared)
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("%w: connectivity is %s", ErrPeerUnreachable, state.State)
	}

	r.mappings[peerID] = m
	r.byResolved[m.Resolved] = peerID

	r.logger.Info().
		Int32("peer", peerID).
		Str("name", name).
		Str("declared", declared).
		Str("resolved", m.Resolved).
		Bool("relayed", m.ChannelBound).
		Msg("peer resolved")
	return m.Resolved, nil
}

func (r *Resolver) resolveRelayed(ctx context.Context, peerID int32, name, declared string) (*Mapping, error) {
	if r.relay == nil || r.shims == nil {
		return nil, fmt.Errorf("%w: no relay available", ErrPeerUnreachable)
	}

	peer, err := net.ResolveUDPAddr("udp4", declared)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid address %q: %v", ErrPeerUnreachable, declared, err)
	}

	if err := r.relay.CreatePermission(ctx, peer); err != nil {
		return nil, fmt.Errorf("%w: failed to create permission for %s: %v", ErrPeerUnreachable, declared, err)
	}
	ch, err := r.relay.BindChannel(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to bind channel for %s: %v", ErrPeerUnreachable, declared, err)
	}
	shim, err := r.shims.Open(peer)
	if err != nil {
		r.relay.Unbind(peer)
		return nil, fmt.Errorf("%w: failed to open shim for %s: %v", ErrPeerUnreachable, declared, err)
	}

	return &Mapping{
		PeerID:       peerID,
		PeerName:     name,
		Declared:     declared,
		Resolved:     shim.String(),
		ChannelBound: true,
		Channel:      ch,
		peer:         peer,
	}, nil
}

// Forget removes the peer's mapping and releases its relay resources.
// It reports whether a mapping existed.
func (r *Resolver) Forget(peerID int32) bool {
	m, ok := r.mappings[peerID]
	if !ok {
		return false
	}
	delete(r.mappings, peerID)
	delete(r.byResolved, m.Resolved)

	if m.ChannelBound && m.peer != nil {
		if r.relay != nil {
			r.relay.Unbind(m.peer)
		}
		if r.shims != nil {
			r.shims.Close(m.peer)
		}
	}

	r.logger.Debug().Int32("peer", peerID).Str("declared", m.Declared).Msg("peer forgotten")
	return true
}

// ForgetAll removes every mapping.
func (r *Resolver) ForgetAll() {
	for id := range r.mappings {
		r.Forget(id)
	}
}

// ForgetRelayed removes the mappings that go through the relay and
// returns their peer ids.
func (r *Resolver) ForgetRelayed() []int32 {
	var ids []int32
	for id, m := range r.mappings {
		if m.ChannelBound {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		r.Forget(id)
	}
	return ids
}

// Lookup returns the mapping for peerID.
func (r *Resolver) Lookup(peerID int32) (Mapping, bool) {
	m, ok := r.mappings[peerID]
	if !ok {
		return Mapping{}, false
	}
	return *m, true
}

// DeclaredFor maps an address handed to the game back to the peer's
// declared address.
func (r *Resolver) DeclaredFor(resolved string) (string, bool) {
	id, ok := r.byResolved[resolved]
	if !ok {
		return "", false
	}
	return r.mappings[id].Declared, true
}

// ResolvedFor returns the game-facing address of the peer that declared addr.
func (r *Resolver) ResolvedFor(declared string) (string, bool) {
	for _, m := range r.mappings {
		if m.Declared == declared {
			return m.Resolved, true
		}
	}
	return "", false
}

// Mappings returns a snapshot ordered by peer id.
func (r *Resolver) Mappings() []Mapping {
	out := make([]Mapping, 0, len(r.mappings))
	for _, m := range r.mappings {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Len returns the number of mapped peers.
func (r *Resolver) Len() int {
	return len(r.mappings)
}
