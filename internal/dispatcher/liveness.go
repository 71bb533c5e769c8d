package dispatcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/magestik247/sockethub/internal/protocol"
	"github.com/magestik247/sockethub/internal/session"
)

// newEncKey generates the ephemeral key that correlates a liveness round.
// It is an opaque token, not a secret, but comes from a CSPRNG anyway.
func newEncKey() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// Init binds the dispatcher to the subsystem bus, pings every remote platform
// it is responsible for, and blocks until all have responded or the retry
// budget runs out. A non-nil return is advisory: the dispatcher stays
// operational, and requests to unresponsive platforms are rejected at
// ingress.
func (d *Dispatcher) Init(ctx context.Context) error {
	d.encKey = newEncKey()

	bus := d.sessions.Subsystem()
	bus.On(protocol.EventPing, d.handlePingEvent)
	bus.On(protocol.EventPingResponse, d.handlePingEvent)

	remotes := d.ownedRemotes()
	if len(remotes) == 0 {
		d.log.Info().Msg("no remote platforms to ping, dispatcher ready")
		return nil
	}

	d.broadcastPing(ctx, remotes)

	ticker := time.NewTicker(d.intervalTime)
	defer ticker.Stop()

	for scan := 1; ; scan++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var pending []*protocol.Platform
		for _, p := range remotes {
			if p.Ping.Pending() {
				pending = append(pending, p)
			}
		}
		if len(pending) == 0 {
			d.log.Info().Int("platforms", len(remotes)).Msg("all platform listeners responsive, dispatcher ready")
			return nil
		}
		if scan >= d.intervalCount {
			return fmt.Errorf("platform listeners unresponsive after %d scans: %s", scan, strings.Join(platformNames(pending), ", "))
		}

		d.log.Debug().
			Strs("pending", platformNames(pending)).
			Int("scan", scan).
			Msg("platform listeners still pending, re-pinging")
		d.broadcastPing(ctx, pending)
	}
}

// ownedRemotes returns the remote platforms this dispatcher is responsible
// for, i.e. those on the configured allow-list. Local platforms are never
// pinged.
func (d *Dispatcher) ownedRemotes() []*protocol.Platform {
	var out []*protocol.Platform
	for _, p := range d.reg.Remotes() {
		if d.loaded[p.Name] {
			out = append(out, p)
		}
	}
	return out
}

// broadcastPing starts a new liveness round for the given platforms and
// sends one ping event on the subsystem bus.
func (d *Dispatcher) broadcastPing(ctx context.Context, platforms []*protocol.Platform) {
	now := time.Now().UnixMilli()
	for _, p := range platforms {
		p.Ping.MarkSent(now)
	}

	ev, err := session.NewEvent(protocol.EventPing, "dispatcher", protocol.PingPayload{
		Timestamp: now,
		EncKey:    d.encKey,
	})
	if err == nil {
		err = d.sessions.Subsystem().Broadcast(ctx, ev)
	}
	if err != nil {
		d.log.Error().Err(err).Msg("ping broadcast failed")
	}
}

// handlePingEvent records a ping or ping-response from a platform listener.
// Events from platforms this registry does not know (e.g. platforms hosted by
// another dispatcher instance) are logged and ignored.
func (d *Dispatcher) handlePingEvent(ev session.Event) {
	p, ok := d.reg.Platform(ev.Actor.Platform)
	if !ok || p.Local {
		d.log.Debug().Str("platform", ev.Actor.Platform).Msg("ping from unmanaged platform, ignoring")
		return
	}
	p.Ping.MarkReceived(time.Now().UnixMilli())
}

func platformNames(platforms []*protocol.Platform) []string {
	names := make([]string, len(platforms))
	for i, p := range platforms {
		names[i] = p.Name
	}
	return names
}
