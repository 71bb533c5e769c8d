package dispatcher

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/magestik247/sockethub/internal/protocol"
	"github.com/magestik247/sockethub/internal/session"
)

// fakeListener answers pings on the subsystem bus as the given platform.
func fakeListener(t *testing.T, env *testEnv, platform string) {
	t.Helper()
	bus := session.NewSubsystem(zerolog.Nop(), env.broker.NewTransport())
	t.Cleanup(bus.Close)
	bus.On(protocol.EventPing, func(ev session.Event) {
		var ping protocol.PingPayload
		if err := ev.ParseObject(&ping); err != nil {
			t.Errorf("malformed ping: %v", err)
			return
		}
		if ping.EncKey == "" {
			t.Error("ping without encKey")
		}
		resp, err := session.NewEvent(protocol.EventPingResponse, platform, ping)
		if err != nil {
			t.Error(err)
			return
		}
		_ = bus.Broadcast(context.Background(), resp)
	})
}

func TestInitReadyWhenListenersRespond(t *testing.T) {
	env := newTestEnv(t, []string{"xmpp"}, withXMPP)
	fakeListener(t, env, "xmpp")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := env.d.Init(ctx); err != nil {
		t.Fatalf("Init = %v, want ready", err)
	}

	p, _ := env.reg.Platform("xmpp")
	if p.Ping.LastReceived() == 0 {
		t.Error("ping response not recorded")
	}
	if p.Ping.Pending() {
		t.Error("platform still pending after readiness")
	}
}

func TestInitFailsWhenListenerSilent(t *testing.T) {
	env := newTestEnv(t, []string{"xmpp"}, withXMPP)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	err := env.d.Init(ctx)
	if err == nil {
		t.Fatal("Init succeeded with no listener")
	}
	if !strings.Contains(err.Error(), "xmpp") {
		t.Errorf("error does not name the pending platform: %v", err)
	}
	// Bounded retry budget: interval time x interval count, not the ctx
	// deadline.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Init took %v, budget is 3 x 20ms", elapsed)
	}

	// The failure is advisory: requests to the platform are rejected at
	// ingress, which TestNeverPingedPlatformRejected covers.
	p, _ := env.reg.Platform("xmpp")
	if p.Ping.LastReceived() != 0 {
		t.Error("silent platform has a received timestamp")
	}
}

func TestInitIgnoresUnknownPlatformResponses(t *testing.T) {
	env := newTestEnv(t, []string{"xmpp"}, withXMPP)
	// A listener for a platform hosted by some other dispatcher instance.
	fakeListener(t, env, "mars")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := env.d.Init(ctx); err == nil {
		t.Fatal("unknown platform response satisfied readiness")
	}

	p, _ := env.reg.Platform("xmpp")
	if p.Ping.LastReceived() != 0 {
		t.Error("xmpp marked responsive by a foreign ping response")
	}
}

func TestInitSkipsLocalPlatforms(t *testing.T) {
	env := newTestEnv(t, []string{"feeds"}, func(reg *protocol.Registry) {
		reg.AddPlatform("feeds", true)
		if err := reg.AddVerb("feeds", "fetch", []byte(`{}`), nil); err != nil {
			t.Fatal(err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// No listeners anywhere, but only local platforms: ready immediately.
	if err := env.d.Init(ctx); err != nil {
		t.Fatalf("Init = %v", err)
	}
}

func TestInitAbortsOnCancel(t *testing.T) {
	env := newTestEnv(t, []string{"xmpp"}, withXMPP)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.d.Init(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Init = %v, want context.Canceled", err)
	}
}

func TestInitOnlyPingsOwnedPlatforms(t *testing.T) {
	// irc is registered but not on the allow-list; readiness must not wait
	// for it.
	env := newTestEnv(t, []string{"xmpp"}, func(reg *protocol.Registry) {
		withXMPP(reg)
		reg.AddPlatform("irc", false)
	})
	fakeListener(t, env, "xmpp")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := env.d.Init(ctx); err != nil {
		t.Fatalf("Init = %v, want ready without irc", err)
	}
}
