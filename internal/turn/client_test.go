package turn

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	pionturn "github.com/pion/turn/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRealm    = "faforever.test"
	testUser     = "junit"
	testPassword = "secret"
)

func newTestServer(t *testing.T) (string, *pionturn.Server) {
	t.Helper()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	srv, err := pionturn.NewServer(pionturn.ServerConfig{
		Realm: testRealm,
		AuthHandler: func(username, realm string, _ net.Addr) ([]byte, bool) {
			if username != testUser {
				return nil, false
			}
			return pionturn.GenerateAuthKey(testUser, realm, testPassword), true
		},
		LoggerFactory: logging.NewDefaultLoggerFactory(),
		PacketConnConfigs: []pionturn.PacketConnConfig{{
			PacketConn: conn,
			RelayAddressGenerator: &pionturn.RelayAddressGeneratorStatic{
				RelayAddress: net.ParseIP("127.0.0.1"),
				Address:      "127.0.0.1",
			},
		}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	return conn.LocalAddr().String(), srv
}

func testConfig(server string) ClientConfig {
	return ClientConfig{
		Server:         server,
		LocalAddr:      "127.0.0.1:0",
		Username:       testUser,
		Password:       testPassword,
		RequestTimeout: 200 * time.Millisecond,
		MaxAttempts:    3,
		BackoffBase:    10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}
}

func newPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrom(t *testing.T, conn *net.UDPConn) ([]byte, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	n, from, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n], from
}

func TestClient_AllocateAndRelayThroughChannel(t *testing.T) {
	server, _ := newTestServer(t)
	c, err := NewClient(testConfig(server))
	require.NoError(t, err)
	defer c.Close()

	received := make(chan string, 1)
	var from atomic.Value
	c.OnData(func(peer *net.UDPAddr, data []byte) {
		from.Store(peer.String())
		received <- string(data)
	})

	relayed, err := c.Allocate(context.Background())
	require.NoError(t, err)
	relayedAddr := relayed.(*net.UDPAddr)
	assert.True(t, relayedAddr.IP.Equal(net.ParseIP("127.0.0.1")))
	assert.NotZero(t, relayedAddr.Port)

	again, err := c.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relayed.String(), again.String())

	peer := newPeer(t)
	peerAddr := peer.LocalAddr().(*net.UDPAddr)

	require.NoError(t, c.CreatePermission(context.Background(), peerAddr))
	ch, err := c.BindChannel(context.Background(), peerAddr)
	require.NoError(t, err)
	assert.Equal(t, minChannelNumber, ch)

	require.NoError(t, c.CreatePermission(context.Background(), peerAddr))
	ch2, err := c.BindChannel(context.Background(), peerAddr)
	require.NoError(t, err)
	assert.Equal(t, ch, ch2)

	require.NoError(t, c.Send(peerAddr, []byte("hello")))
	data, src := readFrom(t, peer)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, relayedAddr.Port, src.Port)

	_, err = peer.WriteToUDP([]byte("world"), relayedAddr)
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "world", msg)
		assert.Equal(t, peerAddr.String(), from.Load())
	case <-time.After(3 * time.Second):
		t.Fatal("relayed data not received")
	}
}

func TestClient_SendIndicationWithoutChannel(t *testing.T) {
	server, _ := newTestServer(t)
	c, err := NewClient(testConfig(server))
	require.NoError(t, err)
	defer c.Close()

	received := make(chan string, 1)
	c.OnData(func(_ *net.UDPAddr, data []byte) { received <- string(data) })

	relayed, err := c.Allocate(context.Background())
	require.NoError(t, err)

	peer := newPeer(t)
	peerAddr := peer.LocalAddr().(*net.UDPAddr)
	require.NoError(t, c.CreatePermission(context.Background(), peerAddr))

	require.NoError(t, c.Send(peerAddr, []byte("ping")))
	data, _ := readFrom(t, peer)
	assert.Equal(t, "ping", string(data))

	_, err = peer.WriteToUDP([]byte("pong"), relayed.(*net.UDPAddr))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "pong", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("data indication not received")
	}
}

func TestClient_AllocateUnreachable(t *testing.T) {
	silent := newPeer(t)

	cfg := testConfig(silent.LocalAddr().String())
	cfg.RequestTimeout = 20 * time.Millisecond
	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Allocate(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Nil(t, c.RelayedAddr())
}

func TestClient_AllocateRejectedCredentials(t *testing.T) {
	server, _ := newTestServer(t)
	cfg := testConfig(server)
	cfg.Password = "wrong"
	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Allocate(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestClient_AllocateCancelled(t *testing.T) {
	silent := newPeer(t)
	c, err := NewClient(testConfig(silent.LocalAddr().String()))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Allocate(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_PeerOperationsRequireAllocation(t *testing.T) {
	server, _ := newTestServer(t)
	c, err := NewClient(testConfig(server))
	require.NoError(t, err)
	defer c.Close()

	peer := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6112}
	assert.ErrorIs(t, c.CreatePermission(context.Background(), peer), ErrNotAllocated)
	_, err = c.BindChannel(context.Background(), peer)
	assert.ErrorIs(t, err, ErrNotAllocated)
	assert.ErrorIs(t, c.Send(peer, []byte("x")), ErrNotAllocated)
}

func TestClient_RefreshExtendsLease(t *testing.T) {
	server, _ := newTestServer(t)
	mock := clock.NewMock()
	cfg := testConfig(server)
	cfg.Clock = mock
	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Allocate(context.Background())
	require.NoError(t, err)
	first := c.LeaseExpiry()

	assert.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return c.LeaseExpiry().After(first)
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, c.Blocked())
}

func TestClient_TwoRefreshFailuresBlock(t *testing.T) {
	server, srv := newTestServer(t)
	mock := clock.NewMock()
	cfg := testConfig(server)
	cfg.Clock = mock
	cfg.RequestTimeout = 20 * time.Millisecond
	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Close()

	var mu sync.Mutex
	var blockedErrs []error
	c.OnBlocked(func(err error) {
		mu.Lock()
		blockedErrs = append(blockedErrs, err)
		mu.Unlock()
	})

	_, err = c.Allocate(context.Background())
	require.NoError(t, err)
	require.NoError(t, srv.Close())

	assert.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return c.Blocked()
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, blockedErrs, 1)
	assert.ErrorIs(t, blockedErrs[0], ErrBlocked)
	assert.Nil(t, c.RelayedAddr())

	peer := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6112}
	assert.ErrorIs(t, c.CreatePermission(context.Background(), peer), ErrBlocked)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	server, _ := newTestServer(t)
	c, err := NewClient(testConfig(server))
	require.NoError(t, err)

	_, err = c.Allocate(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	_, err = c.Allocate(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClient_ReleaseAllowsNewAllocation(t *testing.T) {
	server, _ := newTestServer(t)
	c, err := NewClient(testConfig(server))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Release())

	_, err = c.Allocate(context.Background())
	require.NoError(t, err)
	peer := newPeer(t).LocalAddr().(*net.UDPAddr)
	_, err = c.BindChannel(context.Background(), peer)
	require.NoError(t, err)

	require.NoError(t, c.Release())
	assert.Nil(t, c.RelayedAddr())
	assert.ErrorIs(t, c.Send(peer, []byte("x")), ErrNotAllocated)
	require.NoError(t, c.Release())

	relayed, err := c.Allocate(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, relayed)
	assert.False(t, c.Blocked())
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, backoff(base, time.Second, 0))
	assert.Equal(t, 200*time.Millisecond, backoff(base, time.Second, 1))
	assert.Equal(t, 800*time.Millisecond, backoff(base, time.Second, 3))
	assert.Equal(t, time.Second, backoff(base, time.Second, 4))
	assert.Equal(t, time.Second, backoff(base, time.Second, 40))
}

func TestChannelData(t *testing.T) {
	packet := encodeChannelData(0x4001, []byte("abc"))
	assert.Equal(t, []byte{0x40, 0x01, 0x00, 0x03, 'a', 'b', 'c'}, packet)
	assert.True(t, isChannelData(packet))

	padded := append(packet, 0)
	ch, data, err := decodeChannelData(padded)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4001), ch)
	assert.Equal(t, []byte("abc"), data)

	_, _, err = decodeChannelData([]byte{0x40, 0x01, 0x00, 0x09, 'a'})
	assert.Error(t, err)

	assert.False(t, isChannelData([]byte{0x00, 0x01, 0x00, 0x00}))
}

// failingConn is a PacketConn whose reads fail until it is closed.
type failingConn struct {
	reads  atomic.Int32
	closed chan struct{}
	once   sync.Once
}

func (c *failingConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.reads.Add(1)
	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	default:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: errors.New("connection refused")}
	}
}

func (c *failingConn) WriteTo(b []byte, addr net.Addr) (int, error) { return len(b), nil }
func (c *failingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
func (c *failingConn) LocalAddr() net.Addr { return &net.UDPAddr{IP: net.IPv4zero} }
func (c *failingConn) SetDeadline(time.Time) error { return nil }
func (c *failingConn) SetReadDeadline(time.Time) error { return nil }
func (c *failingConn) SetWriteDeadline(time.Time) error { return nil }

func TestClient_ReadErrorsArePaced(t *testing.T) {
	conn := &failingConn{closed: make(chan struct{})}
	c := &Client{
		conn:   conn,
		server: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3478},
		closed: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()

	time.Sleep(300 * time.Millisecond)
	c.stopped.Store(true)
	close(c.closed)
	conn.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}
	assert.LessOrEqual(t, conn.reads.Load(), int32(8))
}
