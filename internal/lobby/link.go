// Package lobby connects the relay to the remote lobby server. The relay
// only needs a typed message channel: send GPG messages upstream and get
// called back for messages addressed to a target ("game" or "connectivity").
package lobby

import (
	"context"
	"errors"
	"sync"

	"github.com/energizer-project/gpgrelay/internal/protocol"
)

// ErrNotConnected is returned by Send while the link is down.
var ErrNotConnected = errors.New("lobby link not connected")

// Handler receives a message addressed to the target it was registered for.
type Handler func(msg protocol.Message)

// Link is a bidirectional typed message channel to the lobby server.
type Link interface {
	Send(ctx context.Context, msg protocol.Message) error
	OnMessage(target string, h Handler) (unsubscribe func())
}

// Dispatcher routes inbound messages to one handler per target. A second
// registration for the same target replaces the first.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]*entry
}

type entry struct {
	h Handler
}

// NewDispatcher creates an empty dispatch table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]*entry)}
}

// OnMessage registers h for target. The returned func removes it again,
// unless it has been replaced in the meantime.
func (d *Dispatcher) OnMessage(target string, h Handler) func() {
	e := &entry{h: h}

	d.mu.Lock()
	d.handlers[target] = e
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		if d.handlers[target] == e {
			delete(d.handlers, target)
		}
		d.mu.Unlock()
	}
}

// Dispatch calls the handler for msg.Target. It reports whether one was registered.
func (d *Dispatcher) Dispatch(msg protocol.Message) bool {
	d.mu.RLock()
	e, ok := d.handlers[msg.Target]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	e.h(msg)
	return true
}
