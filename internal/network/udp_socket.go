package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
)

const udpBufSize = 4096

// Datagram is a UDP payload and its sender.
type Datagram struct {
	From *net.UDPAddr
	Data []byte
}

// ListenGameUDP binds the game's UDP port on all interfaces with
// SO_REUSEADDR, so the game can take the port over once probing is done.
func ListenGameUDP(ctx context.Context, port int) (*net.UDPConn, error) {
	addr := &net.UDPAddr{
		IP:   net.IPv4zero,
		Port: port,
	}

	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP port %d: %w", port, err)
	}
	return pc.(*net.UDPConn), nil
}

// DatagramReader is the read side of a UDP socket.
type DatagramReader interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
}

// readFailureWarnAt is the run of failed reads after which the error is
// logged at warn level instead of debug.
const readFailureWarnAt = 10

// ReadDatagrams delivers datagrams starting with prefix to out until conn
// is closed or ctx is done. Datagrams that do not match are ignored. A
// read error that persists is retried with a growing pause.
func ReadDatagrams(ctx context.Context, conn DatagramReader, prefix []byte, out chan<- Datagram) {
	buf := make([]byte, udpBufSize)
	var pacer ReadPacer
	for {
		n, remoteAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			ev := log.Debug()
			if pacer.Failures()+1 == readFailureWarnAt {
				ev = log.Warn()
			}
			ev.Err(err).Int("failures", pacer.Failures()+1).Msg("UDP read error")
			if !pacer.Wait(ctx.Done()) {
				return
			}
			continue
		}
		pacer.Reset()

		if !bytes.HasPrefix(buf[:n], prefix) {
			log.Trace().Str("remote", remoteAddr.String()).Int("bytes", n).Msg("ignoring unexpected datagram")
			continue
		}

		dg := Datagram{From: remoteAddr, Data: append([]byte(nil), buf[:n]...)}
		select {
		case out <- dg:
		case <-ctx.Done():
			return
		}
	}
}

// OutboundIP returns the local IP used for outbound traffic, or loopback
// when there is no route. Dialing UDP sends nothing.
func OutboundIP() net.IP {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
