package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/magestik247/sockethub/internal/protocol"
	"github.com/magestik247/sockethub/internal/queue"
)

// handleFrame is the active-phase entry point for one inbound frame.
func (c *Connection) handleFrame(ctx context.Context, frame inboundFrame) {
	if c.d.inShutdown.Load() {
		c.log.Debug().Msg("in shutdown, dropping inbound frame")
		return
	}

	if frame.messageType == websocket.BinaryMessage {
		// Binary payloads are echoed back unchanged.
		if err := c.writeMessage(websocket.BinaryMessage, frame.data); err != nil {
			c.log.Debug().Err(err).Msg("binary echo failed")
		}
		return
	}

	var payload any
	if err := json.Unmarshal(frame.data, &payload); err != nil {
		c.sendError(ctx, nil, "confirm", "invalid JSON received")
		return
	}

	for _, entry := range protocol.SplitBatch(payload) {
		c.handleRequest(ctx, entry)
	}
}

// handleRequest runs the validation chain for one batch entry. The chain
// short-circuits: the first failing check emits its error frame and dispatch
// never runs.
func (c *Connection) handleRequest(ctx context.Context, entry any) {
	fields, _ := entry.(map[string]any)
	if fields == nil {
		fields = map[string]any{}
	}
	req := protocol.Request(fields)

	rid, ok := req.RID()
	if !ok {
		c.sendError(ctx, req, "confirm", "no rid (request ID) specified")
		return
	}
	platformName, ok := req.PlatformName()
	if !ok {
		c.sendError(ctx, req, "confirm", "no platform specified")
		return
	}
	verbName, ok := req.VerbName()
	if !ok {
		c.sendError(ctx, req, "confirm", "no verb (action) specified")
		return
	}

	platform, known := c.d.reg.Platform(platformName)
	if !known || (!platform.Local && platform.Ping.LastReceived() == 0) {
		c.sendError(ctx, req, "confirm", fmt.Sprintf("unknown platform received: %s", platformName))
		return
	}
	if platformName != "dispatcher" && !c.d.loaded[platformName] {
		c.sendError(ctx, req, "confirm", fmt.Sprintf("platform '%s' not loaded", platformName))
		return
	}

	route, ok := platform.Route(verbName)
	if !ok {
		c.sendError(ctx, req, "confirm", fmt.Sprintf("unknown verb received: %s", verbName))
		return
	}

	if req.HasSessionID() {
		c.sendError(ctx, req, "confirm", "cannot use name sessionId, reserved property")
		return
	}
	if !c.sess.IsRegistered() && verbName != "register" {
		c.sendError(ctx, req, "confirm", "session not registered, cannot process verb")
		return
	}

	req.Normalize()

	if err := platform.Verbs[verbName].Schema.Validate(map[string]any(req)); err != nil {
		c.sendError(ctx, req, verbName, fmt.Sprintf("unable to validate json against schema: %v", err))
		return
	}

	req.SetSessionID(c.sessionID)

	if err := c.sess.Send(ctx, protocol.NewConfirm(rid)); err != nil {
		c.log.Error().Err(err).Msg("failed to queue confirm frame")
	}

	switch route.Kind {
	case protocol.RouteLocal:
		route.Func(ctx, req, c.sess, c.responder(ctx, req))
	case protocol.RouteQueue:
		data, err := json.Marshal(req)
		if err == nil {
			channel := queue.ChannelIncoming(c.d.sockethubID, platformName)
			err = c.d.queue.Push(ctx, channel, string(data))
		}
		if err != nil {
			// The confirm already went out; the drop is only observable here.
			c.log.Error().
				Err(err).
				Str("platform", platformName).
				Interface("rid", rid).
				Msg("failed to forward request to listener")
		}
	}
}

// responder builds the response handler passed to local verb functions.
func (c *Connection) responder(ctx context.Context, req protocol.Request) protocol.ResponseHandler {
	rid, _ := req.RID()
	platformName, _ := req.PlatformName()
	verbName, _ := req.VerbName()
	target := req.Target()

	return func(err error, data any) {
		if err != nil {
			c.deliver(ctx, protocol.ErrorFrame{
				RID:      rid,
				Platform: platformName,
				Verb:     verbName,
				Status:   false,
				Message:  err.Error(),
				Target:   target,
			})
			return
		}
		c.deliver(ctx, protocol.MessageFrame{
			RID:      rid,
			Platform: platformName,
			Verb:     verbName,
			Status:   true,
			Object:   data,
			Target:   target,
		})
	}
}

// sendError emits an error frame preserving rid, platform and target as far
// as they were determined.
func (c *Connection) sendError(ctx context.Context, req protocol.Request, verb, message string) {
	frame := protocol.ErrorFrame{Verb: verb, Status: false, Message: message}
	if req != nil {
		if rid, ok := req.RID(); ok {
			frame.RID = rid
		}
		if platform, ok := req.PlatformName(); ok {
			frame.Platform = platform
		}
		if target := req.Target(); len(target) > 0 {
			frame.Target = target
		}
	}
	c.deliver(ctx, frame)
}

// deliver queues an outbound frame on the session's outgoing channel.
func (c *Connection) deliver(ctx context.Context, frame any) {
	if err := c.sess.Send(ctx, frame); err != nil {
		c.log.Error().Err(err).Msg("failed to queue outbound frame")
	}
}
