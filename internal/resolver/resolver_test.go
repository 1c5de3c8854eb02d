package resolver

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gpgrelay/internal/connectivity"
	"github.com/energizer-project/gpgrelay/internal/tunnel"
	"github.com/energizer-project/gpgrelay/internal/turn"
)

type fixedState struct{ r connectivity.Result }

func (s fixedState) State() connectivity.Result { return s.r }

type fakeRelay struct {
	permissions map[string]int
	binds       map[string]int
	unbinds     map[string]int
	bindErr     error
	handler     turn.DataHandler
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		permissions: make(map[string]int),
		binds:       make(map[string]int),
		unbinds:     make(map[string]int),
	}
}

func (r *fakeRelay) CreatePermission(ctx context.Context, peer *net.UDPAddr) error {
	r.permissions[peer.String()]++
	return nil
}

func (r *fakeRelay) BindChannel(ctx context.Context, peer *net.UDPAddr) (uint16, error) {
	if r.bindErr != nil {
		return 0, r.bindErr
	}
	r.binds[peer.String()]++
	return 0x4000, nil
}

func (r *fakeRelay) Unbind(peer *net.UDPAddr) { r.unbinds[peer.String()]++ }

func (r *fakeRelay) Send(peer *net.UDPAddr, data []byte) error { return nil }

func (r *fakeRelay) OnData(h turn.DataHandler) { r.handler = h }

func newTurnResolver(t *testing.T) (*Resolver, *fakeRelay, *tunnel.Tunnel) {
	relay := newFakeRelay()
	tun := tunnel.New(tunnel.Config{}, relay)
	t.Cleanup(tun.CloseAll)
	return New(fixedState{r: connectivity.Result{State: connectivity.Turn, Addr: "10.0.0.1:49152"}}, relay, tun), relay, tun
}

func TestResolve_DirectStatesReturnDeclared(t *testing.T) {
	for _, state := range []connectivity.State{connectivity.Public, connectivity.Stun} {
		r := New(fixedState{r: connectivity.Result{State: state}}, nil, nil)
		addr, err := r.Resolve(context.Background(), 81655, "TechMonkey", "86.128.102.173:6112")
		require.NoError(t, err)
		assert.Equal(t, "86.128.102.173:6112", addr, state.String())
	}
}

func TestResolve_TurnBindsOnceAndReturnsLoopback(t *testing.T) {
	r, relay, tun := newTurnResolver(t)

	addr, err := r.Resolve(context.Background(), 1, "peerA", "1.2.3.4:6112")
	require.NoError(t, err)
	host, _, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)

	again, err := r.Resolve(context.Background(), 1, "peerA", "1.2.3.4:6112")
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	assert.Equal(t, 1, relay.permissions["1.2.3.4:6112"])
	assert.Equal(t, 1, relay.binds["1.2.3.4:6112"])
	assert.Equal(t, 1, tun.Count())

	m, ok := r.Lookup(1)
	require.True(t, ok)
	assert.True(t, m.ChannelBound)
	assert.Equal(t, uint16(0x4000), m.Channel)

	declared, ok := r.DeclaredFor(addr)
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4:6112", declared)

	resolved, ok := r.ResolvedFor("1.2.3.4:6112")
	require.True(t, ok)
	assert.Equal(t, addr, resolved)
}

func TestResolve_ChangedAddressResolvesAgain(t *testing.T) {
	r, relay, tun := newTurnResolver(t)

	_, err := r.Resolve(context.Background(), 1, "peerA", "1.2.3.4:6112")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), 1, "peerA", "1.2.3.4:6113")
	require.NoError(t, err)

	assert.Equal(t, 1, relay.unbinds["1.2.3.4:6112"])
	assert.Equal(t, 1, relay.binds["1.2.3.4:6113"])
	assert.Equal(t, 1, tun.Count())
	assert.Equal(t, 1, r.Len())
}

func TestResolve_Unreachable(t *testing.T) {
	for _, state := range []connectivity.State{connectivity.Blocked, connectivity.Unknown} {
		r := New(fixedState{r: connectivity.Result{State: state}}, nil, nil)
		addr, err := r.Resolve(context.Background(), 1, "peerA", "1.2.3.4:6112")
		assert.ErrorIs(t, err, ErrPeerUnreachable)
		assert.Empty(t, addr)
		assert.Zero(t, r.Len())
	}

	r := New(fixedState{r: connectivity.Result{State: connectivity.Public}}, nil, nil)
	_, err := r.Resolve(context.Background(), 1, "peerA", "")
	assert.ErrorIs(t, err, ErrPeerUnreachable)

	// Turn without a relay
	r = New(fixedState{r: connectivity.Result{State: connectivity.Turn}}, nil, nil)
	_, err = r.Resolve(context.Background(), 1, "peerA", "1.2.3.4:6112")
	assert.ErrorIs(t, err, ErrPeerUnreachable)

	tr, relay, _ := newTurnResolver(t)
	_, err = tr.Resolve(context.Background(), 1, "peerA", "not an address")
	assert.ErrorIs(t, err, ErrPeerUnreachable)

	relay.bindErr = errors.New("438 stale nonce")
	_, err = tr.Resolve(context.Background(), 2, "peerB", "1.2.3.5:6112")
	assert.ErrorIs(t, err, ErrPeerUnreachable)
	assert.Zero(t, tr.Len())
}

func TestForget(t *testing.T) {
	r, relay, tun := newTurnResolver(t)

	addr, err := r.Resolve(context.Background(), 1, "peerA", "1.2.3.4:6112")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), 2, "peerB", "1.2.3.5:6112")
	require.NoError(t, err)

	assert.True(t, r.Forget(1))
	assert.False(t, r.Forget(1))
	assert.Equal(t, 1, relay.unbinds["1.2.3.4:6112"])
	assert.Equal(t, 1, tun.Count())
	_, ok := r.DeclaredFor(addr)
	assert.False(t, ok)

	ids := r.ForgetRelayed()
	assert.Equal(t, []int32{2}, ids)
	assert.Zero(t, tun.Count())
	assert.Empty(t, r.Mappings())
}

func TestMappingsSnapshot(t *testing.T) {
	r := New(fixedState{r: connectivity.Result{State: connectivity.Public}}, nil, nil)
	for _, id := range []int32{3, 1, 2} {
		_, err := r.Resolve(context.Background(), id, "p", "1.2.3.4:6112")
		require.NoError(t, err)
	}
	got := r.Mappings()
	require.Len(t, got, 3)
	assert.Equal(t, []int32{1, 2, 3}, []int32{got[0].PeerID, got[1].PeerID, got[2].PeerID})

	r.ForgetAll()
	assert.Zero(t, r.Len())
}
