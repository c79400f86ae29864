// Package backplane makes "broadcast to room R" work across any number of
// relay instances. Same-process subscribers are notified directly; the
// pluggable transport is only crossed for other instances. An event published
// while a room has no subscriber is simply not delivered: delivery is
// at-least-once while connected, never durable.
//
// Ordering within one room holds in the common case but is not guaranteed
// under transport retries. Nothing is guaranteed across rooms.
package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chatrelay/internal/config"
	"github.com/google/uuid"
)

// Adapter broadcasts room-scoped payloads to every relay instance.
// Implementations must be safe for concurrent use by many connection
// handlers.
type Adapter interface {
	// Publish delivers data to every subscriber of room, local and remote.
	// Best effort, at least once. Publishing to a room with no subscribers
	// anywhere is a no-op, not an error.
	//
	// The returned count is the number of subscribers known to have been
	// reached: local ones always, remote ones only when the transport
	// reports them (redis does, the queue and capped-collection transports
	// cannot). Callers may rely on count > 0 meaning "someone got it",
	// never on the exact number.
	Publish(ctx context.Context, room string, data []byte) (int, error)

	// Subscribe joins the room's fan-out. The first local subscriber of a
	// room joins the transport; Leave on the last one exits it.
	Subscribe(ctx context.Context, room string) (*Subscription, error)

	Close() error
}

const subBufferSize = 256

// Subscription is one local membership in a room's fan-out.
type Subscription struct {
	room  string
	ch    chan []byte
	leave func(*Subscription)
	once  sync.Once
}

// C returns the stream of payloads published to the room. Closed on Leave.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Room returns the room this subscription belongs to.
func (s *Subscription) Room() string { return s.room }

// Leave exits the room. Safe to call more than once.
func (s *Subscription) Leave() {
	s.once.Do(func() { s.leave(s) })
}

// frame is the envelope crossing the transport. Origin lets an instance drop
// its own echo when the transport loops published messages back.
type frame struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Data   json.RawMessage `json:"data"`
}

// room holds the local subscriber set. Each room synchronizes independently
// so unrelated rooms never contend on one lock. dead is set when the last
// subscriber leaves and the room is removed from the registry; a subscriber
// that raced the teardown must not attach to it.
type room struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	dead bool
}

// registry is the shared local half of every adapter: the room membership
// table plus direct in-process dispatch.
type registry struct {
	origin string

	mu    sync.RWMutex
	rooms map[string]*room

	// Transport hooks, nil for the in-process adapter.
	joinTransport  func(room string) error
	leaveTransport func(room string)
}

func newRegistry() *registry {
	return &registry{
		origin: uuid.NewString(),
		rooms:  make(map[string]*room),
	}
}

// subscribe adds a local subscriber, joining the transport on the room's
// first one. Room creation and transport join happen together under g.mu so
// they stay ordered against the teardown in unsubscribe; a subscriber that
// finds a room already torn down retries until it attaches to a live one.
func (g *registry) subscribe(roomName string) (*Subscription, error) {
	sub := &Subscription{
		room:  roomName,
		ch:    make(chan []byte, subBufferSize),
		leave: g.unsubscribe,
	}

	for {
		g.mu.RLock()
		r, ok := g.rooms[roomName]
		g.mu.RUnlock()

		if !ok {
			g.mu.Lock()
			if r, ok = g.rooms[roomName]; !ok {
				if g.joinTransport != nil {
					if err := g.joinTransport(roomName); err != nil {
						g.mu.Unlock()
						close(sub.ch)
						return nil, fmt.Errorf("backplane join %s: %w", roomName, err)
					}
				}
				g.rooms[roomName] = &room{subs: map[*Subscription]struct{}{sub: {}}}
				g.mu.Unlock()
				return sub, nil
			}
			g.mu.Unlock()
		}

		r.mu.Lock()
		if r.dead {
			r.mu.Unlock()
			continue
		}
		r.subs[sub] = struct{}{}
		r.mu.Unlock()
		return sub, nil
	}
}

// unsubscribe removes a subscriber, leaving the transport on the room's last
// one. The room is marked dead and unmapped in one critical section, and the
// transport leave runs before g.mu is released, so a concurrent subscribe of
// the same room cannot observe a half-torn-down state.
func (g *registry) unsubscribe(sub *Subscription) {
	g.mu.Lock()
	r, ok := g.rooms[sub.room]
	if !ok {
		g.mu.Unlock()
		close(sub.ch)
		return
	}
	r.mu.Lock()
	delete(r.subs, sub)
	last := len(r.subs) == 0
	if last {
		r.dead = true
		delete(g.rooms, sub.room)
	}
	r.mu.Unlock()
	if last && g.leaveTransport != nil {
		g.leaveTransport(sub.room)
	}
	g.mu.Unlock()

	close(sub.ch)
}

// dispatch fans data out to the room's local subscribers and returns how
// many there were. A room nobody subscribes to drops the payload silently.
// Slow subscribers lose messages rather than block the dispatcher.
func (g *registry) dispatch(roomName string, data []byte) int {
	g.mu.RLock()
	r, ok := g.rooms[roomName]
	g.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub := range r.subs {
		select {
		case sub.ch <- data:
		default:
		}
	}
	return len(r.subs)
}

// dispatchFrame unwraps a transport frame, dropping this instance's own echo.
func (g *registry) dispatchFrame(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}
	if f.Origin == g.origin || f.Room == "" {
		return
	}
	g.dispatch(f.Room, f.Data)
}

// encodeFrame wraps data for the transport.
func (g *registry) encodeFrame(roomName string, data []byte) ([]byte, error) {
	return json.Marshal(frame{Origin: g.origin, Room: roomName, Data: data})
}

// New builds the adapter selected by cfg.Backplane.
func New(ctx context.Context, cfg *config.Config) (Adapter, error) {
	switch cfg.Backplane {
	case config.BackplaneInproc:
		return NewInproc(), nil
	case config.BackplaneRedis:
		return NewRedis(ctx, cfg.Redis.URL)
	case config.BackplaneMongo:
		return NewMongo(ctx, cfg.Mongo)
	case config.BackplaneAWS:
		return NewAWS(ctx, cfg.AWS)
	default:
		return nil, fmt.Errorf("backplane: unknown kind %q", cfg.Backplane)
	}
}
