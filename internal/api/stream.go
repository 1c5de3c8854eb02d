package api

import (
	"context"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/energizer-project/gpgrelay/internal/events"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// handleEvents streams every bus event to a websocket client as JSON.
// Events are dropped for a client that falls behind.
func (s *Server) handleEvents(allowedOrigins []string) gin.HandlerFunc {
	opts := &websocket.AcceptOptions{}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			opts.InsecureSkipVerify = true
			break
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
		}
	}

	return func(c *gin.Context) {
		conn, err := websocket.Accept(c.Writer, c.Request, opts)
		if err != nil {
			s.logger.Debug().Err(err).Msg("event stream handshake failed")
			return
		}
		defer conn.CloseNow()

		// the client never sends; CloseRead cancels ctx when it goes away
		ctx := conn.CloseRead(s.ctx)

		name := "ws-" + uuid.NewString()
		ch := make(chan events.Event, streamBuffer)
		s.eventBus.Subscribe(events.EventAll, name, func(_ context.Context, event events.Event) error {
			select {
			case ch <- event:
			default:
			}
			return nil
		})
		defer s.eventBus.Unsubscribe(events.EventAll, name)

		s.logger.Debug().Str("client", c.ClientIP()).Msg("event stream opened")
		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusGoingAway, "closing")
				return
			case event := <-ch:
				wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
				err := wsjson.Write(wctx, conn, event)
				cancel()
				if err != nil {
					s.logger.Debug().Err(err).Msg("event stream closed")
					return
				}
			}
		}
	}
}
