package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// ConnHandler serves one accepted connection. It owns conn and must close it.
type ConnHandler interface {
	HandleConn(ctx context.Context, conn net.Conn)
}

// TCPListener accepts game process connections on a loopback port and
// hands each one to the handler on its own goroutine.
type TCPListener struct {
	addr    string
	handler ConnHandler

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	wg       sync.WaitGroup
}

// NewTCPListener creates a listener for addr. Port 0 picks an ephemeral port.
func NewTCPListener(addr string, handler ConnHandler) *TCPListener {
	return &TCPListener{
		addr:    addr,
		handler: handler,
		ready:   make(chan struct{}),
	}
}

// Listen binds the socket without accepting yet, so Addr is known before Serve runs.
func (l *TCPListener) Listen(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener != nil {
		return nil
	}

	// Use SO_REUSEADDR so a relaunch can rebind the same port at once
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", l.addr, err)
	}
	l.listener = ln
	close(l.ready)

	log.Info().Str("addr", ln.Addr().String()).Msg("TCP listener started")
	return nil
}

// Start binds (if needed) and accepts connections until ctx is cancelled or Stop is called.
func (l *TCPListener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Info().Msg("TCP listener stopping")
				l.wg.Wait()
				return nil
			}
			log.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		log.Debug().
			Str("remote", conn.RemoteAddr().String()).
			Msg("new game connection")

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handler.HandleConn(ctx, conn)
		}()
	}
}

// Addr returns the bound address, waiting until Listen has succeeded.
func (l *TCPListener) Addr(ctx context.Context) (*net.TCPAddr, error) {
	select {
	case <-l.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listener.Addr().(*net.TCPAddr), nil
}

// Stop closes the listening socket.
func (l *TCPListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
