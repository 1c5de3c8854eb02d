package turn

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v2"
)

// refreshLoop keeps the allocation, its permissions and channel bindings
// alive until done is closed. It runs on the configured clock, independent
// of relayed traffic.
func (c *Client) refreshLoop(done <-chan struct{}) {
	defer c.wg.Done()

	failures := 0
	next := c.nextRefresh()
	for {
		timer := c.cfg.Clock.Timer(next)
		select {
		case <-c.closed:
			timer.Stop()
			return
		case <-done:
			timer.Stop()
			return
		case <-timer.C:
		}

		err := c.refresh()
		if err == nil {
			failures = 0
			next = c.nextRefresh()
			continue
		}

		select {
		case <-done:
			return
		default:
		}

		failures++
		c.logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("turn refresh failed")
		if failures >= maxConsecutiveRefreshFailures {
			c.markBlocked(err)
			return
		}
		next = c.cfg.RefreshRetry
	}
}

// nextRefresh returns the delay until the next refresh is due.
func (c *Client) nextRefresh() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.leaseExpiry.Sub(c.cfg.Clock.Now()) - c.cfg.RefreshMargin
	if len(c.permissions) > 0 && d > permissionRefresh {
		d = permissionRefresh
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (c *Client) refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout*(transmissions+1))
	defer cancel()

	res, err := c.request(ctx, stun.MethodRefresh, lifetimeAttr(c.cfg.Lifetime))
	if err != nil {
		return fmt.Errorf("failed to refresh allocation: %w", err)
	}

	lifetime := readLifetime(res, c.cfg.Lifetime)

	c.mu.Lock()
	c.leaseExpiry = c.cfg.Clock.Now().Add(lifetime)
	peers := make([]*net.UDPAddr, 0, len(c.byChannel))
	channels := make([]uint16, 0, len(c.byChannel))
	for ch, peer := range c.byChannel {
		peers = append(peers, peer)
		channels = append(channels, ch)
	}
	permitted := make([]string, 0, len(c.permissions))
	for ip := range c.permissions {
		permitted = append(permitted, ip)
	}
	c.mu.Unlock()

	for _, ip := range permitted {
		if err := c.createPermission(ctx, &net.UDPAddr{IP: net.ParseIP(ip)}); err != nil {
			c.logger.Warn().Err(err).Str("peer_ip", ip).Msg("permission refresh failed")
		}
	}
	for i, peer := range peers {
		if err := c.bindChannel(ctx, peer, channels[i]); err != nil {
			c.logger.Warn().Err(err).Str("peer", peer.String()).Msg("channel refresh failed")
		}
	}

	c.logger.Debug().Dur("lifetime", lifetime).Int("channels", len(peers)).Msg("turn allocation refreshed")
	return nil
}

func (c *Client) markBlocked(cause error) {
	err := fmt.Errorf("%w: %w", ErrBlocked, cause)

	c.mu.Lock()
	c.blocked = true
	c.relayed = nil
	c.permissions = make(map[string]struct{})
	c.channels = make(map[string]uint16)
	c.byChannel = make(map[uint16]*net.UDPAddr)
	fn := c.onBlocked
	c.mu.Unlock()

	c.logger.Error().Err(err).Msg("turn allocation lost, relayed peers are unreachable")
	if fn != nil {
		fn(err)
	}
}
