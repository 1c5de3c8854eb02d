package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

var escaper = strings.NewReplacer("\t", "/t", "\n", "/n")

// FrameBuilder assembles a single GPG frame in memory so it can be written
// to the socket with one call.
type FrameBuilder struct {
	buf bytes.Buffer
}

// NewFrameBuilder creates a new FrameBuilder.
func NewFrameBuilder() *FrameBuilder {
	return &FrameBuilder{}
}

// Reset clears the builder for reuse.
func (b *FrameBuilder) Reset() {
	b.buf.Reset()
}

// WriteByte writes a single byte.
func (b *FrameBuilder) WriteByte(v byte) *FrameBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteInt32 writes an int32 in little-endian order.
func (b *FrameBuilder) WriteInt32(v int32) *FrameBuilder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	b.buf.Write(tmp[:])
	return b
}

// WriteFloat32 writes a float32 in little-endian order.
func (b *FrameBuilder) WriteFloat32(v float32) *FrameBuilder {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
	b.buf.Write(tmp[:])
	return b
}

// WriteString writes an int32 length-prefixed string without escaping.
func (b *FrameBuilder) WriteString(s string) *FrameBuilder {
	b.WriteInt32(int32(len(s)))
	b.buf.WriteString(s)
	return b
}

// WriteArg writes one type-tagged chunk. Strings are escaped.
func (b *FrameBuilder) WriteArg(arg any) error {
	return b.writeArg(arg, true)
}

func (b *FrameBuilder) writeArg(arg any, escape bool) error {
	switch v := arg.(type) {
	case int32:
		b.WriteByte(ChunkInt32).WriteInt32(v)
	case int:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("%w: int %d overflows int32", ErrUnsupportedArg, v)
		}
		b.WriteByte(ChunkInt32).WriteInt32(int32(v))
	case float32:
		b.WriteByte(ChunkFloat32).WriteFloat32(v)
	case float64:
		b.WriteByte(ChunkFloat32).WriteFloat32(float32(v))
	case string:
		if escape {
			v = escaper.Replace(v)
		}
		b.WriteByte(ChunkString).WriteString(v)
	case Raw:
		b.WriteByte(ChunkString).WriteInt32(int32(len(v) + 1))
		b.buf.WriteByte(RawPrefix)
		b.buf.Write(v)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedArg, arg)
	}
	return nil
}

// WriteMessage writes a complete frame for msg.
func (b *FrameBuilder) WriteMessage(msg Message) error {
	b.WriteString(msg.Command)
	b.WriteInt32(int32(len(msg.Args)))
	for i, arg := range msg.Args {
		if err := b.writeArg(arg, !msg.Verbatim); err != nil {
			return fmt.Errorf("failed to encode %s argument %d: %w", msg.Command, i, err)
		}
	}
	return nil
}

// Build returns the constructed frame bytes.
func (b *FrameBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the frame being built.
func (b *FrameBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current frame for debugging.
func (b *FrameBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("FrameBuilder[%d bytes]: %x", len(data), data)
}

// Marshal encodes msg into a standalone frame.
func Marshal(msg Message) ([]byte, error) {
	b := NewFrameBuilder()
	if err := b.WriteMessage(msg); err != nil {
		return nil, err
	}
	return b.Build(), nil
}
