package turn

import (
	"encoding/binary"
	"fmt"
)

// Channel numbers valid for ChannelBind.
const (
	minChannelNumber uint16 = 0x4000
	maxChannelNumber uint16 = 0x7FFE

	channelHeaderSize = 4
)

// isChannelData reports whether b starts with a ChannelData header.
// STUN messages always begin with two zero bits, channel numbers with 01.
func isChannelData(b []byte) bool {
	return len(b) >= channelHeaderSize && b[0]>>6 == 1
}

// encodeChannelData frames data for the channel. Padding is optional over
// UDP and is not added.
func encodeChannelData(ch uint16, data []byte) []byte {
	out := make([]byte, channelHeaderSize+len(data))
	binary.BigEndian.PutUint16(out[0:2], ch)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(data)))
	copy(out[channelHeaderSize:], data)
	return out
}

// decodeChannelData returns the channel and payload, ignoring any padding.
func decodeChannelData(b []byte) (uint16, []byte, error) {
	if !isChannelData(b) {
		return 0, nil, fmt.Errorf("not channel data")
	}
	ch := binary.BigEndian.Uint16(b[0:2])
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if n > len(b)-channelHeaderSize {
		return 0, nil, fmt.Errorf("channel data length %d exceeds packet size %d", n, len(b)-channelHeaderSize)
	}
	return ch, b[channelHeaderSize : channelHeaderSize+n], nil
}
