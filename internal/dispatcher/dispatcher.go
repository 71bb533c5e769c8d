// Package dispatcher implements the request/response multiplexer at the core
// of the bus: per-connection session lifecycle, the ingress validation
// pipeline, egress fan-in from the queue, and the platform liveness protocol.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/magestik247/sockethub/internal/config"
	"github.com/magestik247/sockethub/internal/protocol"
	"github.com/magestik247/sockethub/internal/queue"
	"github.com/magestik247/sockethub/internal/session"
)

// Queue is the slice of the queue client the dispatcher needs: pushing to
// listener channels and blocking-popping per-session outgoing channels.
type Queue interface {
	Push(ctx context.Context, channel, payload string) error
	PopBlocking(ctx context.Context, channel string) (string, error)
}

// sessionSeqBits is how much of the session id is reserved for the
// per-process counter; the rest is the connect timestamp in milliseconds.
// Two connections in the same millisecond get distinct counters, so ids are
// strictly monotonic and collision-free within a process.
const sessionSeqBits = 20

// defaultDestroyDelay is the grace between connection close and session
// destruction, letting in-flight responses drain.
const defaultDestroyDelay = 5 * time.Second

// Dispatcher multiplexes client connections onto local handlers and platform
// listener queues.
type Dispatcher struct {
	log         zerolog.Logger
	reg         *protocol.Registry
	queue       Queue
	sessions    *session.Manager
	sockethubID string

	// loaded is the configured platform allow-list; dispatcher itself is
	// always implicitly allowed.
	loaded map[string]bool

	intervalTime  time.Duration
	intervalCount int
	destroyDelay  time.Duration

	encKey     string
	seq        atomic.Int64
	inShutdown atomic.Bool

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// New wires a dispatcher onto its collaborators and installs the built-in
// dispatcher platform with the register verb.
func New(cfg *config.Config, log zerolog.Logger, reg *protocol.Registry, q Queue, sessions *session.Manager) (*Dispatcher, error) {
	d := &Dispatcher{
		log:           log.With().Str("component", "dispatcher").Logger(),
		reg:           reg,
		queue:         q,
		sessions:      sessions,
		sockethubID:   cfg.SockethubID,
		loaded:        make(map[string]bool, len(cfg.Platforms)),
		intervalTime:  cfg.ListenerIntervalTime,
		intervalCount: cfg.ListenerIntervalCount,
		destroyDelay:  defaultDestroyDelay,
		conns:         make(map[*Connection]struct{}),
	}
	for _, name := range cfg.Platforms {
		d.loaded[name] = true
	}

	reg.AddPlatform("dispatcher", true)
	if err := reg.AddVerb("dispatcher", "register", []byte(registerSchema), d.handleRegister); err != nil {
		return nil, err
	}
	return d, nil
}

// nextSessionID allocates a strictly monotonic session id: connect time in
// milliseconds shifted left, low bits from the process-wide counter.
func (d *Dispatcher) nextSessionID() int64 {
	return time.Now().UnixMilli()<<sessionSeqBits | (d.seq.Add(1) & (1<<sessionSeqBits - 1))
}

func (d *Dispatcher) track(c *Connection) {
	d.mu.Lock()
	d.conns[c] = struct{}{}
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(c *Connection) {
	d.mu.Lock()
	delete(d.conns, c)
	d.mu.Unlock()
}

// Shutdown flips the in-shutdown flag so ingress drops new work, pushes the
// disconnect sentinel to every live session so egress pumps unblock, and
// unbinds the session manager from the subsystem bus.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	if d.inShutdown.Swap(true) {
		return
	}
	d.log.Info().Msg("dispatcher shutting down")

	d.mu.Lock()
	conns := make([]*Connection, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		channel := queue.ChannelOutgoing(d.sockethubID, c.sessionID)
		if err := d.queue.Push(ctx, channel, protocol.DisconnectSentinel); err != nil {
			d.log.Warn().Err(err).Str("sid", c.sessionID).Msg("failed to push disconnect sentinel")
		}
	}

	d.sessions.Shutdown()
}

// registerSchema shapes the opaque register verb: credentials travel in the
// activity object.
const registerSchema = `{
	"type": "object",
	"properties": {
		"object": { "type": "object" }
	}
}`

// handleRegister marks the session registered and keeps the supplied object
// in session storage for later verbs.
func (d *Dispatcher) handleRegister(ctx context.Context, req protocol.Request, sess protocol.Session, respond protocol.ResponseHandler) {
	sess.Set("register", req.Object())
	sess.SetRegistered(true)
	respond(nil, map[string]any{"registered": true})
}
