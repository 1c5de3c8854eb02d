package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func le32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func cat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestMarshal_Layout(t *testing.T) {
	data, err := Marshal(NewMessage(CmdGameState, "Idle"))
	require.NoError(t, err)

	want := cat(
		le32(9), []byte("GameState"),
		le32(1),
		[]byte{ChunkString}, le32(4), []byte("Idle"),
	)
	assert.Equal(t, want, data)
}

func TestMarshal_IntAndFloat(t *testing.T) {
	data, err := Marshal(NewMessage(CmdGameOption, int32(-2), float32(1.5)))
	require.NoError(t, err)

	want := cat(
		le32(10), []byte("GameOption"),
		le32(2),
		[]byte{ChunkInt32}, le32(-2),
		[]byte{ChunkFloat32}, []byte{0x00, 0x00, 0xC0, 0x3F},
	)
	assert.Equal(t, want, data)
}

func TestMarshal_RawIsPrefixedAndUnescaped(t *testing.T) {
	data, err := Marshal(NewMessage(CmdSendNatPacket, "1.2.3.4:6112", Raw("a\tb")))
	require.NoError(t, err)

	want := cat(
		le32(13), []byte("SendNatPacket"),
		le32(2),
		[]byte{ChunkString}, le32(12), []byte("1.2.3.4:6112"),
		[]byte{ChunkString}, le32(4), []byte("\ba\tb"),
	)
	assert.Equal(t, want, data)
}

func TestMarshal_EscapesControlCharacters(t *testing.T) {
	data, err := Marshal(NewMessage(CmdChat, "a\tb\nc"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "a/tb/nc")
}

func TestMarshal_UnsupportedArg(t *testing.T) {
	_, err := Marshal(NewMessage(CmdChat, []int{1}))
	assert.ErrorIs(t, err, ErrUnsupportedArg)
}

func TestRoundTrip(t *testing.T) {
	messages := []Message{
		NewMessage(CmdGameState, "Idle"),
		NewMessage(CmdGameState, "Lobby"),
		NewMessage(CmdGameOption, "Victory", "demoralization"),
		NewMessage(CmdPlayerOption, int32(3), "Faction", int32(2)),
		NewMessage(CmdHostGame, "SCMP_007"),
		NewMessage(CmdJoinGame, "127.0.0.1:51234", "opponent", int32(42)),
		NewMessage(CmdConnectToPeer, "1.2.3.4:6112", "peer", int32(7)),
		NewMessage(CmdDisconnectFromPeer, int32(7)),
		NewMessage(CmdSendNatPacket, "1.2.3.4:6112", Raw("Hello 7")),
		NewMessage(CmdCreateLobby, int32(0), int32(6112), "me", int32(1), int32(1)),
		NewMessage(CmdBottleneck, float32(0.25), float32(-3.5)),
		NewMessage(CmdProcessNatPacket, "5.6.7.8:6112", Raw{}),
		NewMessage(CmdRehost),
	}

	for _, msg := range messages {
		t.Run(msg.Command, func(t *testing.T) {
			data, err := Marshal(msg)
			require.NoError(t, err)

			decoded, err := NewDecoder(bytes.NewReader(data)).ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, msg.Command, decoded.Command)
			assert.Equal(t, msg.Args, decoded.Args)

			again, err := Marshal(decoded)
			require.NoError(t, err)
			assert.Equal(t, data, again)
		})
	}
}

func TestRoundTrip_ControlCharactersFromTheWire(t *testing.T) {
	// the game may send a raw tab or newline; relaying must not rewrite it
	data := cat(
		le32(4), []byte("Chat"),
		le32(2),
		[]byte{ChunkString}, le32(3), []byte("a\tb"),
		[]byte{ChunkString}, le32(5), []byte("x/ty\n"),
	)

	decoded, err := NewDecoder(bytes.NewReader(data)).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []any{"a\tb", "x/ty\n"}, decoded.Args)
	assert.True(t, decoded.Verbatim)

	again, err := Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	// a rewritten message still goes through the escaper
	rewritten, err := Marshal(NewMessage(CmdChat, decoded.Args...))
	require.NoError(t, err)
	assert.Contains(t, string(rewritten), "a/tb")
}

func TestDecoder_MultipleFramesInOneBuffer(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.WriteMessage(NewMessage(CmdGameState, "Idle")))
	require.NoError(t, enc.WriteMessage(NewMessage(CmdGameOption, "Share", "no")))

	dec := NewDecoder(&buf)
	first, err := dec.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, CmdGameState, first.Command)

	second, err := dec.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []any{"Share", "no"}, second.Args)

	_, err = dec.ReadMessage()
	assert.Equal(t, io.EOF, err)
}

func TestDecoder_PartialFramesBlockUntilComplete(t *testing.T) {
	data, err := Marshal(NewMessage(CmdConnectToPeer, "1.2.3.4:6112", "peer", int32(7)))
	require.NoError(t, err)

	pr, pw := io.Pipe()
	go func() {
		for _, b := range data {
			pw.Write([]byte{b})
			time.Sleep(time.Millisecond)
		}
		pw.Close()
	}()

	msg, err := NewDecoder(pr).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []any{"1.2.3.4:6112", "peer", int32(7)}, msg.Args)
}

func TestDecoder_TruncatedFrame(t *testing.T) {
	data, err := Marshal(NewMessage(CmdJoinGame, "1.2.3.4:6112", "peer", int32(7)))
	require.NoError(t, err)

	for _, cut := range []int{2, 6, len(data) - 9, len(data) - 1} {
		_, err := NewDecoder(bytes.NewReader(data[:cut])).ReadMessage()
		assert.ErrorIs(t, err, ErrMalformedFrame, "cut at %d", cut)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "cut at %d", cut)
	}
}

func TestDecoder_CleanEOF(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader(nil)).ReadMessage()
	assert.Equal(t, io.EOF, err)
}

func TestDecoder_UnknownChunkType(t *testing.T) {
	data := cat(le32(4), []byte("Test"), le32(1), []byte{9}, le32(0))
	_, err := NewDecoder(bytes.NewReader(data)).ReadMessage()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecoder_InvalidLengths(t *testing.T) {
	t.Run("negative chunk count", func(t *testing.T) {
		data := cat(le32(4), []byte("Test"), le32(-1))
		_, err := NewDecoder(bytes.NewReader(data)).ReadMessage()
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("oversized string", func(t *testing.T) {
		data := cat(le32(MaxStringSize+1), []byte("x"))
		_, err := NewDecoder(bytes.NewReader(data)).ReadMessage()
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})
}

func TestDirection(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, EncodeClient(&buf, NewMessage(CmdHostGame, "map")), ErrWrongDirection)
	assert.ErrorIs(t, EncodeServer(&buf, NewMessage(CmdGameState, "Idle")), ErrWrongDirection)
	assert.Zero(t, buf.Len())

	require.NoError(t, EncodeClient(&buf, NewMessage(CmdGameState, "Idle")))
	_, err := NewDecoder(bytes.NewReader(buf.Bytes())).DecodeServer()
	assert.ErrorIs(t, err, ErrMalformedFrame)

	msg, err := NewDecoder(bytes.NewReader(buf.Bytes())).DecodeClient()
	require.NoError(t, err)
	assert.Equal(t, CmdGameState, msg.Command)
}

func TestMessage_Accessors(t *testing.T) {
	msg := NewMessage(CmdJoinGame, "1.2.3.4:6112", "peer", int32(7))

	addr, err := msg.String(0)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4:6112", addr)

	uid, err := msg.Int(2)
	require.NoError(t, err)
	assert.Equal(t, int32(7), uid)

	_, err = msg.Int(1)
	assert.Error(t, err)
	_, err = msg.String(5)
	assert.Error(t, err)
}

func TestMessage_JSON(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{"command":"JoinGame","target":"game","args":["1.2.3.4:6112","peer",42,1.5,"\bping"]}`), &msg)
	require.NoError(t, err)

	assert.Equal(t, CmdJoinGame, msg.Command)
	assert.Equal(t, TargetGame, msg.Target)
	assert.Equal(t, []any{"1.2.3.4:6112", "peer", int32(42), float32(1.5), Raw("ping")}, msg.Args)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"JoinGame","target":"game","args":["1.2.3.4:6112","peer",42,1.5,"\bping"]}`, string(data))
}
