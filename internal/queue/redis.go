// Package queue wraps the shared Redis instance the dispatcher and platform
// listeners communicate through: FIFO lists for requests and responses, and
// a pub/sub channel for subsystem control events.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// poolSize bounds the shared client pool. One blocking consumer per session
// plus concurrent producers.
const poolSize = 30

// ChannelOutgoing names the per-session response list the egress pump
// consumes.
func ChannelOutgoing(sockethubID, sessionID string) string {
	return fmt.Sprintf("sockethub:%s:dispatcher:outgoing:%s", sockethubID, sessionID)
}

// ChannelIncoming names a platform listener's request list.
func ChannelIncoming(sockethubID, platform string) string {
	return fmt.Sprintf("sockethub:%s:listener:%s:incoming", sockethubID, platform)
}

// ChannelSubsystem names the pub/sub control channel shared by the dispatcher
// and its listeners.
func ChannelSubsystem(sockethubID string) string {
	return fmt.Sprintf("sockethub:%s:subsystem", sockethubID)
}

// Redis is the queue client. Safe for concurrent use.
type Redis struct {
	client *redis.Client
}

// Dial connects to the Redis instance at the given URL
// (redis://[:password@]host:port/db) and verifies the connection.
func Dial(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.PoolSize = poolSize
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Redis{client: client}, nil
}

// Push appends a payload to a channel. Producers never block on consumers.
func (q *Redis) Push(ctx context.Context, channel, payload string) error {
	return q.client.LPush(ctx, channel, payload).Err()
}

// PopBlocking removes and returns the oldest payload on a channel, blocking
// until one is available or ctx is cancelled.
func (q *Redis) PopBlocking(ctx context.Context, channel string) (string, error) {
	res, err := q.client.BRPop(ctx, 0, channel).Result()
	if err != nil {
		return "", err
	}
	// BRPOP returns [key, value].
	return res[1], nil
}

// Publish sends a payload on a pub/sub channel.
func (q *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return q.client.Publish(ctx, channel, payload).Err()
}

// SubscribeTransport subscribes to a pub/sub channel and adapts it to the
// session manager's subsystem transport.
func (q *Redis) SubscribeTransport(ctx context.Context, channel string) *PubSubTransport {
	ps := q.client.Subscribe(ctx, channel)
	t := &PubSubTransport{
		queue:   q,
		channel: channel,
		pubsub:  ps,
		out:     make(chan []byte, 64),
	}
	go t.receive(ps.Channel())
	return t
}

// Close releases the underlying client pool.
func (q *Redis) Close() error {
	return q.client.Close()
}

// PubSubTransport carries subsystem events over a Redis pub/sub channel.
type PubSubTransport struct {
	queue   *Redis
	channel string
	pubsub  *redis.PubSub
	out     chan []byte
}

func (t *PubSubTransport) receive(in <-chan *redis.Message) {
	defer close(t.out)
	for msg := range in {
		t.out <- []byte(msg.Payload)
	}
}

// Publish broadcasts a subsystem event to every subscriber, this process
// included.
func (t *PubSubTransport) Publish(ctx context.Context, payload []byte) error {
	return t.queue.Publish(ctx, t.channel, payload)
}

// Messages returns the stream of received events. Closed when the transport
// closes.
func (t *PubSubTransport) Messages() <-chan []byte {
	return t.out
}

// Close unsubscribes and drains the receive loop.
func (t *PubSubTransport) Close() error {
	return t.pubsub.Close()
}
