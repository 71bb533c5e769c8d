// Package listener implements a minimal platform listener: enough to answer
// the dispatcher's liveness pings and drain a platform's incoming channel.
// Real platform integrations run out of process and follow the same shape;
// this one echoes requests back as message frames for development and tests.
package listener

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/magestik247/sockethub/internal/protocol"
	"github.com/magestik247/sockethub/internal/queue"
	"github.com/magestik247/sockethub/internal/session"
)

// Queue is the slice of the queue client the listener needs.
type Queue interface {
	Push(ctx context.Context, channel, payload string) error
	PopBlocking(ctx context.Context, channel string) (string, error)
}

// Listener consumes one platform's incoming channel and answers subsystem
// pings on its behalf.
type Listener struct {
	log         zerolog.Logger
	platform    string
	sockethubID string
	queue       Queue
	bus         *session.Subsystem
}

// New wires a listener for a platform. The subsystem bus must share the
// dispatcher's control channel.
func New(log zerolog.Logger, platform, sockethubID string, q Queue, bus *session.Subsystem) *Listener {
	return &Listener{
		log:         log.With().Str("component", "listener").Str("platform", platform).Logger(),
		platform:    platform,
		sockethubID: sockethubID,
		queue:       q,
		bus:         bus,
	}
}

// Run answers pings and processes requests until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	l.bus.On(protocol.EventPing, func(ev session.Event) {
		l.handlePing(ctx, ev)
	})

	channel := queue.ChannelIncoming(l.sockethubID, l.platform)
	l.log.Info().Str("channel", channel).Msg("listener started")

	for {
		payload, err := l.queue.PopBlocking(ctx, channel)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.handleRequest(ctx, payload)
	}
}

// handlePing responds to a dispatcher liveness ping with a ping-response
// naming this platform.
func (l *Listener) handlePing(ctx context.Context, ev session.Event) {
	var ping protocol.PingPayload
	if err := ev.ParseObject(&ping); err != nil {
		l.log.Warn().Err(err).Msg("malformed ping event")
		return
	}

	resp, err := session.NewEvent(protocol.EventPingResponse, l.platform, protocol.PingPayload{
		Timestamp: ping.Timestamp,
		EncKey:    ping.EncKey,
	})
	if err == nil {
		err = l.bus.Broadcast(ctx, resp)
	}
	if err != nil {
		l.log.Error().Err(err).Msg("ping response failed")
	}
}

// handleRequest echoes a request back to its session as a message frame.
func (l *Listener) handleRequest(ctx context.Context, payload string) {
	var req protocol.Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		l.log.Warn().Err(err).Msg("dropping malformed request")
		return
	}

	sid, _ := req["sessionId"].(string)
	if sid == "" {
		l.log.Warn().Msg("dropping request without sessionId")
		return
	}

	rid, _ := req.RID()
	verb, _ := req.VerbName()
	l.log.Info().Interface("rid", rid).Str("verb", verb).Msg("request received")

	frame := protocol.MessageFrame{
		RID:      rid,
		Platform: l.platform,
		Verb:     verb,
		Status:   true,
		Object:   req.Object(),
		Target:   req.Target(),
	}
	data, err := json.Marshal(frame)
	if err == nil {
		err = l.queue.Push(ctx, queue.ChannelOutgoing(l.sockethubID, sid), string(data))
	}
	if err != nil {
		l.log.Error().Err(err).Str("sid", sid).Msg("failed to push response")
	}
}
