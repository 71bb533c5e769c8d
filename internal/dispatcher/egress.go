package dispatcher

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/magestik247/sockethub/internal/protocol"
	"github.com/magestik247/sockethub/internal/queue"
)

// egressPump is the per-session blocking consumer of the outgoing channel.
// Payloads are forwarded verbatim as text frames; the disconnect sentinel is
// consumed silently and terminates the pump. Queue errors terminate the pump
// too - it is not restarted, the connection is considered lost.
func (c *Connection) egressPump(ctx context.Context) {
	channel := queue.ChannelOutgoing(c.d.sockethubID, c.sessionID)
	for {
		payload, err := c.d.queue.PopBlocking(ctx, channel)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error().Err(err).Msg("egress pop failed, stopping pump")
			}
			return
		}
		if payload == protocol.DisconnectSentinel {
			c.log.Debug().Msg("egress pump stopped")
			return
		}
		if err := c.writeMessage(websocket.TextMessage, []byte(payload)); err != nil {
			c.log.Debug().Err(err).Msg("egress write failed")
			return
		}
	}
}
