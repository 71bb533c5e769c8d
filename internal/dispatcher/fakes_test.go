package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/magestik247/sockethub/internal/config"
	"github.com/magestik247/sockethub/internal/protocol"
	"github.com/magestik247/sockethub/internal/session"
)

// memQueue is an in-memory stand-in for the redis queue: one buffered channel
// per key, blocking pop with context cancellation.
type memQueue struct {
	mu       sync.Mutex
	channels map[string]chan string
}

func newMemQueue() *memQueue {
	return &memQueue{channels: make(map[string]chan string)}
}

func (q *memQueue) ch(name string) chan string {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.channels[name]
	if !ok {
		c = make(chan string, 256)
		q.channels[name] = c
	}
	return c
}

func (q *memQueue) Push(ctx context.Context, channel, payload string) error {
	select {
	case q.ch(channel) <- payload:
		return nil
	default:
		return errors.New("queue channel full")
	}
}

func (q *memQueue) PopBlocking(ctx context.Context, channel string) (string, error) {
	select {
	case v := <-q.ch(channel):
		return v, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *memQueue) tryPop(channel string) (string, bool) {
	select {
	case v := <-q.ch(channel):
		return v, true
	default:
		return "", false
	}
}

func (q *memQueue) size(channel string) int {
	return len(q.ch(channel))
}

// memBroker fans published payloads out to every open transport, the
// publisher included, like redis pub/sub.
type memBroker struct {
	mu   sync.Mutex
	subs map[*memTransport]bool
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[*memTransport]bool)}
}

func (b *memBroker) NewTransport() *memTransport {
	t := &memTransport{broker: b, out: make(chan []byte, 64)}
	b.mu.Lock()
	b.subs[t] = true
	b.mu.Unlock()
	return t
}

func (b *memBroker) publish(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t := range b.subs {
		select {
		case t.out <- payload:
		default:
		}
	}
}

type memTransport struct {
	broker *memBroker
	out    chan []byte
	once   sync.Once
}

func (t *memTransport) Publish(ctx context.Context, payload []byte) error {
	t.broker.publish(payload)
	return nil
}

func (t *memTransport) Messages() <-chan []byte { return t.out }

func (t *memTransport) Close() error {
	t.once.Do(func() {
		t.broker.mu.Lock()
		delete(t.broker.subs, t)
		t.broker.mu.Unlock()
		close(t.out)
	})
	return nil
}

// testEnv wires a dispatcher with in-memory collaborators behind a real
// websocket endpoint.
type testEnv struct {
	t        *testing.T
	q        *memQueue
	broker   *memBroker
	reg      *protocol.Registry
	sessions *session.Manager
	d        *Dispatcher
	ts       *httptest.Server
}

func newTestEnv(t *testing.T, platforms []string, setup func(reg *protocol.Registry)) *testEnv {
	t.Helper()
	log := zerolog.Nop()

	broker := newMemBroker()
	q := newMemQueue()
	sessions := session.NewManager(log, q, broker.NewTransport(), "testhub")

	reg := protocol.NewRegistry()
	if setup != nil {
		setup(reg)
	}

	cfg := &config.Config{
		ListenAddr:            ":0",
		SockethubID:           "testhub",
		RedisURL:              "redis://unused",
		Platforms:             platforms,
		ListenerIntervalTime:  20 * time.Millisecond,
		ListenerIntervalCount: 3,
	}
	d, err := New(cfg, log, reg, q, sessions)
	if err != nil {
		t.Fatal(err)
	}
	d.destroyDelay = 50 * time.Millisecond

	srv := NewServer(cfg.ListenAddr, log, d)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{t: t, q: q, broker: broker, reg: reg, sessions: sessions, d: d, ts: ts}
}

func (e *testEnv) dial() *websocket.Conn {
	e.t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/sockethub"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		e.t.Fatalf("dial failed: %v", err)
	}
	e.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// markLive simulates a completed liveness round for a remote platform.
func (e *testEnv) markLive(platform string) {
	e.t.Helper()
	p, ok := e.reg.Platform(platform)
	if !ok {
		e.t.Fatalf("platform %q not in registry", platform)
	}
	p.Ping.MarkReceived(time.Now().UnixMilli())
}

// waitForConn waits until the dispatcher tracks a connection and returns it.
func (e *testEnv) waitForConn() *Connection {
	e.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.d.mu.Lock()
		for c := range e.d.conns {
			e.d.mu.Unlock()
			return c
		}
		e.d.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	e.t.Fatal("no connection tracked")
	return nil
}

func sendText(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame is not JSON: %v (%s)", err, data)
	}
	return frame
}

func readRaw(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return messageType, data
}

func assertNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

// withXMPP registers a remote xmpp platform with a permissive send verb.
func withXMPP(reg *protocol.Registry) {
	reg.AddPlatform("xmpp", false)
	if err := reg.AddVerb("xmpp", "send", []byte(`{}`), nil); err != nil {
		panic(err)
	}
}
