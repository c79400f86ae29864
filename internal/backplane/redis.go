package backplane

import (
	"context"
	"fmt"
	"sync"

	"github.com/chatrelay/internal/logger"
	"github.com/redis/go-redis/v9"
)

// Redis broadcasts through redis Pub/Sub, one channel per room. Redis
// delivers only to currently subscribed instances, which is exactly the
// backplane contract: no backlog, no replay.
type Redis struct {
	*registry
	cli *redis.Client

	mu     sync.Mutex
	pubsub map[string]*redis.PubSub
	cancel context.CancelFunc
}

// NewRedis connects and pings before returning.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("backplane redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("backplane redis ping: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a := &Redis{
		registry: newRegistry(),
		cli:      cli,
		pubsub:   make(map[string]*redis.PubSub),
		cancel:   cancel,
	}
	a.joinTransport = func(room string) error { return a.join(runCtx, room) }
	a.leaveTransport = a.leave
	return a, nil
}

func channelName(room string) string { return "room:" + room }

func (a *Redis) join(ctx context.Context, room string) error {
	ps := a.cli.Subscribe(ctx, channelName(room))
	// Wait for the subscription to be confirmed so a publish racing the join
	// on another instance is not missed for longer than necessary.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", room, err)
	}

	a.mu.Lock()
	a.pubsub[room] = ps
	a.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			a.dispatchFrame([]byte(msg.Payload))
		}
	}()
	return nil
}

func (a *Redis) leave(room string) {
	a.mu.Lock()
	ps, ok := a.pubsub[room]
	delete(a.pubsub, room)
	a.mu.Unlock()
	if ok {
		if err := ps.Close(); err != nil {
			logger.Errorf("backplane redis unsubscribe %s: %v", room, err)
		}
	}
}

// Publish delivers locally, then pushes the origin-tagged frame through
// redis for other instances. Redis reports how many channel subscriptions
// received the frame, so remote delivery is visible here.
func (a *Redis) Publish(ctx context.Context, room string, data []byte) (int, error) {
	local := a.dispatch(room, data)

	f, err := a.encodeFrame(room, data)
	if err != nil {
		return local, fmt.Errorf("backplane redis encode: %w", err)
	}
	received, err := a.cli.Publish(ctx, channelName(room), f).Result()
	if err != nil {
		return local, fmt.Errorf("backplane redis publish %s: %w", room, err)
	}
	// Our own channel subscription is among the receivers when we have
	// local subscribers; do not count it twice.
	total := local + int(received)
	if local > 0 && received > 0 {
		total--
	}
	return total, nil
}

// Subscribe joins the room locally and on the transport for the room's first
// local subscriber.
func (a *Redis) Subscribe(_ context.Context, room string) (*Subscription, error) {
	return a.subscribe(room)
}

// Close tears down every pubsub and the client.
func (a *Redis) Close() error {
	a.cancel()
	a.mu.Lock()
	for room, ps := range a.pubsub {
		ps.Close()
		delete(a.pubsub, room)
	}
	a.mu.Unlock()
	return a.cli.Close()
}
