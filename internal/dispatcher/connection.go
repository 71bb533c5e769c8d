package dispatcher

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/magestik247/sockethub/internal/protocol"
	"github.com/magestik247/sockethub/internal/queue"
	"github.com/magestik247/sockethub/internal/session"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// Inbound frames queued between the socket reader and the worker.
	frameQueueSize = 64
)

// connState is the per-connection phase. Frames arriving while Buffering are
// held until the session resolves; Active frames run the ingress pipeline;
// Closing drops everything.
type connState int

const (
	stateBuffering connState = iota
	stateActive
	stateClosing
)

// inboundFrame is one raw frame off the socket.
type inboundFrame struct {
	messageType int
	data        []byte
}

// Connection owns one client socket: its session id, egress pump, and
// pre-session buffer. All ingress handling runs on the single worker
// goroutine, so state, pending and sess need no locking.
type Connection struct {
	d         *Dispatcher
	log       zerolog.Logger
	conn      *websocket.Conn
	sessionID string

	frames   chan inboundFrame
	resolved chan *session.Session

	// Owned by the worker goroutine.
	state   connState
	pending []inboundFrame
	sess    *session.Session

	writeMu sync.Mutex
}

// HandleConnection runs the full lifecycle of one client connection and
// blocks until the socket closes.
func (d *Dispatcher) HandleConnection(ctx context.Context, wsConn *websocket.Conn) {
	sid := strconv.FormatInt(d.nextSessionID(), 10)
	c := &Connection{
		d:         d,
		log:       d.log.With().Str("sid", sid).Logger(),
		conn:      wsConn,
		sessionID: sid,
		frames:    make(chan inboundFrame, frameQueueSize),
		resolved:  make(chan *session.Session, 1),
	}
	d.track(c)
	defer d.untrack(c)

	c.log.Debug().Msg("connection opened")

	workerDone := make(chan struct{})
	go c.egressPump(ctx)
	go func() {
		defer close(workerDone)
		c.run(ctx)
	}()
	go c.resolveSession(ctx)

	c.readLoop()

	close(c.frames)
	<-workerDone
	c.teardown()
}

// readLoop pulls frames off the socket and hands them to the worker. Returns
// when the peer disconnects.
func (c *Connection) readLoop() {
	c.conn.SetReadLimit(maxMessageSize)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		c.frames <- inboundFrame{messageType: messageType, data: data}
	}
}

// run is the per-connection worker: the single goroutine that observes the
// serialized event stream of this session.
func (c *Connection) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.state = stateClosing
			// Keep draining so the socket reader never blocks; frames are
			// dropped until the peer disconnects.
			for range c.frames {
			}
			return
		case sess := <-c.resolved:
			c.activate(ctx, sess)
		case frame, ok := <-c.frames:
			if !ok {
				c.state = stateClosing
				return
			}
			if c.state == stateBuffering {
				c.pending = append(c.pending, frame)
				continue
			}
			c.handleFrame(ctx, frame)
		}
	}
}

// resolveSession requests the session handle from the session manager and
// signals the worker. On failure the connection stays in the buffering phase;
// no inbound message can proceed.
func (c *Connection) resolveSession(ctx context.Context) {
	sess, err := c.d.sessions.Get(ctx, c.sessionID)
	if err != nil {
		c.log.Error().Err(err).Msg("session resolution failed")
		return
	}
	c.resolved <- sess
}

// activate transitions Buffering → Active and re-injects buffered frames in
// arrival order.
func (c *Connection) activate(ctx context.Context, sess *session.Session) {
	if c.state != stateBuffering {
		return
	}
	c.sess = sess
	c.state = stateActive
	buffered := c.pending
	c.pending = nil
	for _, frame := range buffered {
		c.handleFrame(ctx, frame)
	}
}

// writeMessage serializes writes to the socket across the egress pump and the
// binary echo path.
func (c *Connection) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// teardown broadcasts cleanup, unblocks the egress pump with the disconnect
// sentinel, and schedules the delayed session destroy. Failures here are
// logged and swallowed.
func (c *Connection) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	ev, err := session.NewEvent(protocol.EventCleanup, "dispatcher", protocol.CleanupPayload{
		SIDs: []string{c.sessionID},
	})
	if err == nil {
		err = c.d.sessions.Subsystem().Broadcast(ctx, ev)
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("cleanup broadcast failed")
	}

	channel := queue.ChannelOutgoing(c.d.sockethubID, c.sessionID)
	if err := c.d.queue.Push(ctx, channel, protocol.DisconnectSentinel); err != nil {
		c.log.Warn().Err(err).Msg("failed to push disconnect sentinel")
	}

	sid := c.sessionID
	d := c.d
	log := c.log
	time.AfterFunc(d.destroyDelay, func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("session destroy panicked")
			}
		}()
		d.sessions.Destroy(sid)
	})

	c.log.Debug().Msg("connection closed")
}
