package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// Decoder reads GPG frames from a byte stream. Reads block until a whole
// frame is available; a frame split across TCP segments is reassembled by
// the buffered reader rather than assumed to arrive in one read.
type Decoder struct {
	r   *bufio.Reader
	tmp [4]byte
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// ReadMessage reads the next frame. It returns io.EOF if the stream ends
// cleanly between frames and ErrMalformedFrame for anything else that
// cannot be decoded.
func (d *Decoder) ReadMessage() (Message, error) {
	command, err := d.readString()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, malformed("action", err)
	}

	count, err := d.readInt32()
	if err != nil {
		return Message{}, malformed(command+" chunk count", err)
	}
	if count < 0 || count > MaxChunks {
		return Message{}, fmt.Errorf("%w: %s declares %d chunks", ErrMalformedFrame, command, count)
	}

	msg := Message{Command: command, Target: TargetGame, Args: make([]any, 0, count), Verbatim: true}
	for i := int32(0); i < count; i++ {
		arg, err := d.readArg()
		if err != nil {
			return Message{}, malformed(fmt.Sprintf("%s chunk %d/%d", command, i+1, count), err)
		}
		msg.Args = append(msg.Args, arg)
	}
	return msg, nil
}

func (d *Decoder) readArg() (any, error) {
	kind, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch kind {
	case ChunkInt32:
		return d.readInt32()
	case ChunkFloat32:
		if _, err := io.ReadFull(d.r, d.tmp[:]); err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(d.tmp[:])), nil
	case ChunkString:
		s, err := d.readString()
		if err != nil {
			return nil, err
		}
		if len(s) > 0 && s[0] == RawPrefix {
			return Raw(s[1:]), nil
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown chunk type %d", kind)
	}
}

func (d *Decoder) readInt32() (int32, error) {
	if _, err := io.ReadFull(d.r, d.tmp[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(d.tmp[:])), nil
}

func (d *Decoder) readString() (string, error) {
	n, err := d.readInt32()
	if err != nil {
		return "", err
	}
	if n < 0 || n > MaxStringSize {
		return "", fmt.Errorf("invalid string length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", unexpected(err)
	}
	return string(buf), nil
}

// malformed wraps a decode failure. A clean EOF inside a frame means the
// stream was cut mid-frame.
func malformed(what string, err error) error {
	return fmt.Errorf("%w: failed to read %s: %w", ErrMalformedFrame, what, unexpected(err))
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Encoder writes GPG frames to a stream. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
	b  FrameBuilder
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteMessage encodes msg and writes it as a single write call.
func (e *Encoder) WriteMessage(msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.b.Reset()
	if err := e.b.WriteMessage(msg); err != nil {
		return err
	}
	if _, err := e.w.Write(e.b.Build()); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", msg.Command, err)
	}
	return nil
}

// EncodeClient writes a game -> server message.
func EncodeClient(w io.Writer, msg Message) error {
	if IsServerCommand(msg.Command) {
		return fmt.Errorf("%w: %s", ErrWrongDirection, msg.Command)
	}
	return NewEncoder(w).WriteMessage(msg)
}

// EncodeServer writes a server -> game message.
func EncodeServer(w io.Writer, msg Message) error {
	if IsClientCommand(msg.Command) {
		return fmt.Errorf("%w: %s", ErrWrongDirection, msg.Command)
	}
	return NewEncoder(w).WriteMessage(msg)
}

// DecodeClient reads a game -> server message.
func (d *Decoder) DecodeClient() (Message, error) {
	msg, err := d.ReadMessage()
	if err != nil {
		return msg, err
	}
	if IsServerCommand(msg.Command) {
		return Message{}, fmt.Errorf("%w: %w: %s", ErrMalformedFrame, ErrWrongDirection, msg.Command)
	}
	return msg, nil
}

// DecodeServer reads a server -> game message.
func (d *Decoder) DecodeServer() (Message, error) {
	msg, err := d.ReadMessage()
	if err != nil {
		return msg, err
	}
	if IsClientCommand(msg.Command) {
		return Message{}, fmt.Errorf("%w: %w: %s", ErrMalformedFrame, ErrWrongDirection, msg.Command)
	}
	return msg, nil
}
