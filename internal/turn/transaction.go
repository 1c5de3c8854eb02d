package turn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v2"

	"github.com/energizer-project/gpgrelay/internal/network"
)

// transmissions per request before the attempt counts as timed out
const transmissions = 2

// failed reads in a row before the read error is logged at warn level
const readFailureWarnAt = 10

// request sends an authenticated request and returns the success response.
// 401 and 438 responses refresh the realm and nonce and the request is sent again.
func (c *Client) request(ctx context.Context, method stun.Method, attrs ...stun.Setter) (*stun.Message, error) {
	authRetries := 0
	for {
		c.mu.Lock()
		realm, nonce := c.realm, c.nonce
		c.mu.Unlock()

		setters := []stun.Setter{stun.TransactionID, stun.NewType(method, stun.ClassRequest)}
		setters = append(setters, attrs...)
		if len(realm) > 0 {
			setters = append(setters,
				stun.NewUsername(c.cfg.Username),
				realm,
				nonce,
				stun.NewLongTermIntegrity(c.cfg.Username, realm.String(), c.cfg.Password),
			)
		}
		setters = append(setters, stun.Fingerprint)

		msg, err := stun.Build(setters...)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s request: %w", method, err)
		}

		res, err := c.roundTrip(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		if res.Type.Class == stun.ClassSuccessResponse {
			return res, nil
		}

		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(res); err != nil {
			return nil, fmt.Errorf("%s: error response without error code: %w", method, err)
		}

		if (code.Code == stun.CodeUnauthorized || code.Code == stun.CodeStaleNonce) && authRetries < 2 {
			authRetries++
			var newRealm stun.Realm
			var newNonce stun.Nonce
			if err := newNonce.GetFrom(res); err != nil {
				return nil, fmt.Errorf("%s: %d response without nonce: %w", method, code.Code, err)
			}
			_ = newRealm.GetFrom(res)

			c.mu.Lock()
			if len(newRealm) > 0 {
				c.realm = newRealm
			}
			c.nonce = newNonce
			c.mu.Unlock()
			continue
		}

		return nil, fmt.Errorf("%s rejected: %d %s", method, code.Code, code.Reason)
	}
}

// roundTrip transmits msg and waits for the response with the same transaction id.
func (c *Client) roundTrip(ctx context.Context, msg *stun.Message) (*stun.Message, error) {
	ch := make(chan *stun.Message, 1)

	c.mu.Lock()
	c.pending[msg.TransactionID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.TransactionID)
		c.mu.Unlock()
	}()

	for i := 0; i < transmissions; i++ {
		if _, err := c.conn.WriteTo(msg.Raw, c.server); err != nil {
			if c.stopped.Load() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("failed to send request: %w", err)
		}

		timer := time.NewTimer(c.cfg.RequestTimeout)
		select {
		case res := <-ch:
			timer.Stop()
			return res, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.closed:
			timer.Stop()
			return nil, ErrClosed
		case <-timer.C:
		}
	}
	return nil, errors.New("request timed out")
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, readBufSize)
	var pacer network.ReadPacer
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if c.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			ev := c.logger.Debug()
			if pacer.Failures()+1 == readFailureWarnAt {
				ev = c.logger.Warn()
			}
			ev.Err(err).Int("failures", pacer.Failures()+1).Msg("read error")
			if !pacer.Wait(c.closed) {
				return
			}
			continue
		}
		pacer.Reset()

		if udp, ok := from.(*net.UDPAddr); !ok || !udp.IP.Equal(c.server.IP) || udp.Port != c.server.Port {
			continue
		}

		c.handlePacket(append([]byte(nil), buf[:n]...))
	}
}

func (c *Client) handlePacket(data []byte) {
	if isChannelData(data) {
		ch, payload, err := decodeChannelData(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("dropping channel data")
			return
		}
		c.mu.Lock()
		peer := c.byChannel[ch]
		handler := c.onData
		c.mu.Unlock()
		if peer != nil && handler != nil {
			handler(peer, payload)
		}
		return
	}

	if !stun.IsMessage(data) {
		return
	}

	msg := &stun.Message{Raw: data}
	if err := msg.Decode(); err != nil {
		c.logger.Debug().Err(err).Msg("dropping undecodable stun message")
		return
	}

	switch msg.Type.Class {
	case stun.ClassIndication:
		if msg.Type.Method != stun.MethodData {
			return
		}
		var peer stun.XORMappedAddress
		if err := peer.GetFromAs(msg, stun.AttrXORPeerAddress); err != nil {
			return
		}
		payload, err := msg.Get(stun.AttrData)
		if err != nil {
			return
		}
		c.mu.Lock()
		handler := c.onData
		c.mu.Unlock()
		if handler != nil {
			handler(&net.UDPAddr{IP: peer.IP, Port: peer.Port}, payload)
		}

	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		c.mu.Lock()
		ch, ok := c.pending[msg.TransactionID]
		c.mu.Unlock()
		if !ok {
			return
		}
		select {
		case ch <- msg:
		default:
		}
	}
}

// rawAttr adds an attribute with a pre-encoded value.
type rawAttr struct {
	t stun.AttrType
	v []byte
}

func (a rawAttr) AddTo(m *stun.Message) error {
	m.Add(a.t, a.v)
	return nil
}

// peerAddr adds an XOR-PEER-ADDRESS attribute.
type peerAddr struct {
	addr *net.UDPAddr
}

func (a peerAddr) AddTo(m *stun.Message) error {
	return stun.XORMappedAddress{IP: a.addr.IP, Port: a.addr.Port}.AddToAs(m, stun.AttrXORPeerAddress)
}

func peerAddrAttr(peer *net.UDPAddr) stun.Setter {
	return peerAddr{addr: peer}
}

const protoUDP = 17

func requestedTransportUDP() stun.Setter {
	return rawAttr{stun.AttrRequestedTransport, []byte{protoUDP, 0, 0, 0}}
}

func lifetimeAttr(d time.Duration) stun.Setter {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(d/time.Second))
	return rawAttr{stun.AttrLifetime, v}
}

func channelNumberAttr(ch uint16) stun.Setter {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v, ch)
	return rawAttr{stun.AttrChannelNumber, v}
}

func readLifetime(m *stun.Message, fallback time.Duration) time.Duration {
	v, err := m.Get(stun.AttrLifetime)
	if err != nil || len(v) != 4 {
		return fallback
	}
	return time.Duration(binary.BigEndian.Uint32(v)) * time.Second
}
