// Package network implements the socket plumbing shared by the relay:
// the local game TCP listener, the framed game connection and the
// reusable UDP sockets used during connectivity probing.
package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpgrelay/internal/protocol"
)

// WriteTimeout bounds a single frame write to the game process.
const WriteTimeout = 10 * time.Second

// Connection wraps the TCP connection from the game process and speaks
// GPG frames on it.
type Connection struct {
	mu      sync.Mutex
	conn    net.Conn
	decoder *protocol.Decoder
	encoder *protocol.Encoder
	logger  zerolog.Logger

	// Timestamps
	connectedAt  time.Time
	lastActivity time.Time

	// State
	closed bool
}

// NewConnection wraps an existing net.Conn.
func NewConnection(conn net.Conn) *Connection {
	now := time.Now()
	return &Connection{
		conn:         conn,
		decoder:      protocol.NewDecoder(conn),
		encoder:      protocol.NewEncoder(conn),
		connectedAt:  now,
		lastActivity: now,
		logger:       log.With().Str("component", "connection").Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// ReadMessage reads the next frame sent by the game. It blocks until a
// whole frame arrived, the connection is closed or the optional timeout passes.
func (c *Connection) ReadMessage(timeout time.Duration) (protocol.Message, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	msg, err := c.decoder.DecodeClient()
	if err != nil {
		return msg, err
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	return msg, nil
}

// WriteMessage sends a server instruction to the game.
func (c *Connection) WriteMessage(msg protocol.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection is closed")
	}
	c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if protocol.IsClientCommand(msg.Command) {
		return fmt.Errorf("%w: %s", protocol.ErrWrongDirection, msg.Command)
	}
	if err := c.encoder.WriteMessage(msg); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
