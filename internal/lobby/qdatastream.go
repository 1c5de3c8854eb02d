package lobby

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
)

const (
	maxBlockSize = 1 << 20
	nullQString  = 0xFFFFFFFF
)

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// writeBlock writes strings as one QDataStream block:
// [block size:4 BE] then per string [byte length:4 BE][UTF-16BE bytes].
func writeBlock(w io.Writer, parts ...string) error {
	var body bytes.Buffer
	for _, p := range parts {
		encoded, err := utf16be.NewEncoder().String(p)
		if err != nil {
			return fmt.Errorf("failed to encode qstring: %w", err)
		}
		binary.Write(&body, binary.BigEndian, uint32(len(encoded)))
		body.WriteString(encoded)
	}

	frame := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(frame[:4], uint32(body.Len()))
	copy(frame[4:], body.Bytes())

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	return nil
}

// readBlock reads one block and returns the strings it contains.
func readBlock(r io.Reader) ([]string, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	if size > maxBlockSize {
		return nil, fmt.Errorf("block too large: %d bytes (max %d)", size, maxBlockSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read block payload (%d bytes): %w", size, err)
	}

	var parts []string
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("truncated qstring header")
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if n == nullQString {
			parts = append(parts, "")
			continue
		}
		if int(n) > len(data) || n%2 != 0 {
			return nil, fmt.Errorf("invalid qstring length %d", n)
		}
		s, err := utf16be.NewDecoder().Bytes(data[:n])
		if err != nil {
			return nil, fmt.Errorf("failed to decode qstring: %w", err)
		}
		parts = append(parts, string(s))
		data = data[n:]
	}
	return parts, nil
}
