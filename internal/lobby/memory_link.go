package lobby

import (
	"context"
	"sync"

	"github.com/energizer-project/gpgrelay/internal/protocol"
)

// MemoryLink is an in-process Link. Messages sent through it are recorded
// and handed to an optional responder, which plays the lobby server;
// Deliver injects server messages.
type MemoryLink struct {
	dispatcher *Dispatcher

	mu        sync.Mutex
	sent      []protocol.Message
	responder func(msg protocol.Message)
	down      bool
}

// NewMemoryLink creates a connected in-memory link.
func NewMemoryLink() *MemoryLink {
	return &MemoryLink{
		dispatcher: NewDispatcher(),
	}
}

// Respond installs fn as the simulated server. It runs on the sender's goroutine.
func (m *MemoryLink) Respond(fn func(msg protocol.Message)) {
	m.mu.Lock()
	m.responder = fn
	m.mu.Unlock()
}

// SetDown makes Send fail with ErrNotConnected while down is true.
func (m *MemoryLink) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

// Send records msg and passes it to the responder.
func (m *MemoryLink) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.sent = append(m.sent, msg.Clone())
	responder := m.responder
	m.mu.Unlock()

	if responder != nil {
		responder(msg)
	}
	return nil
}

// OnMessage registers the handler for messages addressed to target.
func (m *MemoryLink) OnMessage(target string, h Handler) func() {
	return m.dispatcher.OnMessage(target, h)
}

// Deliver dispatches msg as if the server had sent it.
func (m *MemoryLink) Deliver(msg protocol.Message) bool {
	return m.dispatcher.Dispatch(msg)
}

// Sent returns a copy of every message sent so far.
func (m *MemoryLink) Sent() []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Message(nil), m.sent...)
}

// SentCommands returns the commands sent so far, in order.
func (m *MemoryLink) SentCommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, msg := range m.sent {
		out[i] = msg.Command
	}
	return out
}
