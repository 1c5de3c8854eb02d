package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpgrelay/internal/events"
	"github.com/energizer-project/gpgrelay/internal/protocol"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultReconnectDelay    = 10 * time.Second
	defaultConnectTimeout    = 30 * time.Second
	readTimeout              = 2 * defaultKeepAliveInterval

	pingMessage = "PING"
	pongMessage = "PONG"
)

// TCPLinkConfig holds the lobby server connection settings.
type TCPLinkConfig struct {
	Addr              string
	Username          string
	Session           string
	KeepAliveInterval time.Duration
	ReconnectDelay    time.Duration
	ConnectTimeout    time.Duration
}

// TCPLink is the lobby link over the server's QDataStream TCP protocol.
// Every block carries the JSON message followed by the username and
// session strings; inbound blocks are dispatched by target.
type TCPLink struct {
	mu sync.Mutex

	cfg        TCPLinkConfig
	eventBus   *events.EventBus
	dispatcher *Dispatcher
	logger     zerolog.Logger

	conn      net.Conn
	connected bool
}

// NewTCPLink creates a lobby link. Nothing is dialled until ManageConnection runs.
func NewTCPLink(cfg TCPLinkConfig, eventBus *events.EventBus) *TCPLink {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &TCPLink{
		cfg:        cfg,
		eventBus:   eventBus,
		dispatcher: NewDispatcher(),
		logger:     log.With().Str("component", "lobby").Str("addr", cfg.Addr).Logger(),
	}
}

// ManageConnection keeps the link connected until ctx is cancelled,
// reconnecting after every failure.
func (l *TCPLink) ManageConnection(ctx context.Context) error {
	l.logger.Info().Msg("starting lobby connection manager")

	for {
		if ctx.Err() != nil {
			l.disconnect("shutdown")
			return nil
		}

		if err := l.connect(ctx); err != nil {
			l.logger.Error().Err(err).Msg("lobby connection failed")
			if !sleep(ctx, l.cfg.ReconnectDelay) {
				return nil
			}
			continue
		}

		// Blocks until disconnected or error
		l.readLoop(ctx)

		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn().Msg("disconnected from lobby server, reconnecting...")
		if !sleep(ctx, l.cfg.ReconnectDelay) {
			return nil
		}
	}
}

func (l *TCPLink) connect(ctx context.Context) error {
	l.logger.Info().Msg("connecting to lobby server")

	dialer := net.Dialer{Timeout: l.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to lobby server at %s: %w", l.cfg.Addr, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.mu.Unlock()

	l.logger.Info().Msg("connected to lobby server")
	l.eventBus.Emit(ctx, events.Event{
		Type:    events.EventLobbyConnected,
		Source:  "lobby",
		Payload: events.LobbyPayload{Addr: l.cfg.Addr},
	})

	go l.keepAlive(ctx, conn)
	return nil
}

// keepAlive pings the server so idle links are not dropped by NAT boxes.
func (l *TCPLink) keepAlive(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(l.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			if !l.connected || l.conn != conn {
				l.mu.Unlock()
				return
			}
			err := writeBlock(conn, pingMessage)
			l.mu.Unlock()

			if err != nil {
				l.logger.Warn().Err(err).Msg("failed to send lobby keepalive")
				return
			}
			l.logger.Trace().Msg("lobby keepalive sent")
		}
	}
}

func (l *TCPLink) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		l.mu.Lock()
		conn := l.conn
		connected := l.connected
		l.mu.Unlock()

		if !connected || conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))

		parts, err := readBlock(conn)
		if err != nil {
			reason := err.Error()
			var netErr net.Error
			if errors.Is(err, io.EOF) {
				reason = "closed by server"
				l.logger.Info().Msg("lobby server closed connection")
			} else if errors.As(err, &netErr) && netErr.Timeout() {
				reason = "read timeout"
				l.logger.Warn().Msg("lobby server silent, dropping connection")
			} else {
				l.logger.Error().Err(err).Msg("error reading from lobby server")
			}
			l.disconnect(reason)
			return
		}
		if len(parts) == 0 {
			continue
		}

		l.handleBlock(parts[0])
	}
}

func (l *TCPLink) handleBlock(payload string) {
	switch payload {
	case pingMessage:
		l.mu.Lock()
		if l.conn != nil {
			writeBlock(l.conn, pongMessage)
		}
		l.mu.Unlock()
		return
	case pongMessage:
		return
	}

	// The link outlives relay sessions and also carries connectivity
	// traffic, so a bad message is skipped and the connection kept.
	var msg protocol.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		l.logger.Warn().Err(err).Msg("ignoring undecodable lobby message")
		return
	}
	if msg.Target == "" {
		l.logger.Trace().Str("command", msg.Command).Msg("ignoring lobby message without target")
		return
	}
	if !l.dispatcher.Dispatch(msg) {
		l.logger.Debug().Str("command", msg.Command).Str("target", msg.Target).Msg("no handler for lobby message")
	}
}

// Send writes msg upstream.
func (l *TCPLink) Send(ctx context.Context, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Command, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected || l.conn == nil {
		return ErrNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		l.conn.SetWriteDeadline(deadline)
		defer l.conn.SetWriteDeadline(time.Time{})
	}
	return writeBlock(l.conn, string(data), l.cfg.Username, l.cfg.Session)
}

// OnMessage registers the handler for messages addressed to target.
func (l *TCPLink) OnMessage(target string, h Handler) func() {
	return l.dispatcher.OnMessage(target, h)
}

func (l *TCPLink) disconnect(reason string) {
	l.mu.Lock()
	wasConnected := l.connected
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.connected = false
	l.mu.Unlock()

	if wasConnected {
		l.logger.Info().Str("reason", reason).Msg("disconnected from lobby server")
		l.eventBus.Emit(context.Background(), events.Event{
			Type:    events.EventLobbyDisconnected,
			Source:  "lobby",
			Payload: events.LobbyPayload{Addr: l.cfg.Addr, Reason: reason},
		})
	}
}

// IsConnected returns whether the link is up.
func (l *TCPLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
