package lobby

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gpgrelay/internal/protocol"
)

func TestBlock_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeBlock(&buf, `{"command":"GameState"}`, "junit", "42"))

	parts, err := readBlock(&buf)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"command":"GameState"}`, "junit", "42"}, parts)
}

func TestBlock_Layout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeBlock(&buf, "PING"))

	want := []byte{
		0, 0, 0, 12, // block size
		0, 0, 0, 8, // qstring byte length
		0, 'P', 0, 'I', 0, 'N', 0, 'G',
	}
	assert.Equal(t, want, buf.Bytes())
}

func TestBlock_NullStringAndErrors(t *testing.T) {
	block := []byte{0, 0, 0, 4, 0xFF, 0xFF, 0xFF, 0xFF}
	parts, err := readBlock(bytes.NewReader(block))
	require.NoError(t, err)
	assert.Equal(t, []string{""}, parts)

	_, err = readBlock(bytes.NewReader([]byte{0, 0, 0, 6, 0, 0, 0, 9, 0, 'a'}))
	assert.Error(t, err)

	huge := make([]byte, 4)
	binary.BigEndian.PutUint32(huge, maxBlockSize+1)
	_, err = readBlock(bytes.NewReader(huge))
	assert.Error(t, err)
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher()
	var got []string

	unsubscribeFirst := d.OnMessage(protocol.TargetGame, func(msg protocol.Message) { got = append(got, "first:"+msg.Command) })
	d.OnMessage(protocol.TargetGame, func(msg protocol.Message) { got = append(got, "second:"+msg.Command) })

	// the replaced handler's unsubscribe must not remove its successor
	unsubscribeFirst()

	assert.True(t, d.Dispatch(protocol.NewMessage(protocol.CmdHostGame)))
	assert.False(t, d.Dispatch(protocol.Message{Command: "x", Target: protocol.TargetConnectivity}))
	assert.Equal(t, []string{"second:HostGame"}, got)
}

func TestMemoryLink(t *testing.T) {
	link := NewMemoryLink()

	var delivered []protocol.Message
	unsubscribe := link.OnMessage(protocol.TargetGame, func(msg protocol.Message) { delivered = append(delivered, msg) })

	link.Respond(func(msg protocol.Message) {
		if msg.Command == protocol.CmdGameState {
			link.Deliver(protocol.NewMessage(protocol.CmdHostGame, "map"))
		}
	})

	require.NoError(t, link.Send(context.Background(), protocol.NewMessage(protocol.CmdGameState, "Idle")))
	assert.Equal(t, []string{protocol.CmdGameState}, link.SentCommands())
	require.Len(t, delivered, 1)
	assert.Equal(t, protocol.CmdHostGame, delivered[0].Command)

	unsubscribe()
	assert.False(t, link.Deliver(protocol.NewMessage(protocol.CmdHostGame, "map")))

	link.SetDown(true)
	assert.ErrorIs(t, link.Send(context.Background(), protocol.NewMessage(protocol.CmdGameState, "Idle")), ErrNotConnected)
}

func TestTCPLink_SendAndReceive(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	link := NewTCPLink(TCPLinkConfig{
		Addr:           ln.Addr().String(),
		Username:       "junit",
		Session:        "1234",
		ReconnectDelay: 50 * time.Millisecond,
	}, nil)

	received := make(chan protocol.Message, 1)
	link.OnMessage(protocol.TargetGame, func(msg protocol.Message) { received <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.ManageConnection(ctx)

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()
	server.SetDeadline(time.Now().Add(5 * time.Second))

	assert.Eventually(t, link.IsConnected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, link.Send(ctx, protocol.NewMessage(protocol.CmdGameState, "Idle")))
	parts, err := readBlock(server)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.JSONEq(t, `{"command":"GameState","target":"game","args":["Idle"]}`, parts[0])
	assert.Equal(t, "junit", parts[1])
	assert.Equal(t, "1234", parts[2])

	require.NoError(t, writeBlock(server, pingMessage))
	parts, err = readBlock(server)
	require.NoError(t, err)
	assert.Equal(t, []string{pongMessage}, parts)

	data, err := json.Marshal(protocol.NewMessage(protocol.CmdJoinGame, "1.2.3.4:6112", "peer", int32(7)))
	require.NoError(t, err)
	require.NoError(t, writeBlock(server, string(data)))

	select {
	case msg := <-received:
		assert.Equal(t, protocol.CmdJoinGame, msg.Command)
		assert.Equal(t, []any{"1.2.3.4:6112", "peer", int32(7)}, msg.Args)
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}

	server.Close()
	assert.Eventually(t, func() bool { return !link.IsConnected() }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, link.Send(ctx, protocol.NewMessage(protocol.CmdGameState, "Idle")), ErrNotConnected)
}

func TestTCPLink_SkipsUndecodableMessage(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	link := NewTCPLink(TCPLinkConfig{
		Addr:           ln.Addr().String(),
		Username:       "junit",
		Session:        "1234",
		ReconnectDelay: 50 * time.Millisecond,
	}, nil)

	received := make(chan protocol.Message, 1)
	link.OnMessage(protocol.TargetGame, func(msg protocol.Message) { received <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.ManageConnection(ctx)

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()
	assert.Eventually(t, link.IsConnected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, writeBlock(server, `{"command": "JoinGame", "args": [`))
	data, err := json.Marshal(protocol.NewMessage(protocol.CmdDisconnectFromPeer, int32(7)))
	require.NoError(t, err)
	require.NoError(t, writeBlock(server, string(data)))

	select {
	case msg := <-received:
		assert.Equal(t, protocol.CmdDisconnectFromPeer, msg.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("message after the undecodable one was not dispatched")
	}
	assert.True(t, link.IsConnected())
}
