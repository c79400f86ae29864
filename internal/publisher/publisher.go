// Package publisher hands persistence-worthy events to NSQ without ever
// blocking the gateway's routing path. It keeps itself connected with an
// unbounded fixed-delay reconnect loop: there is no backoff growth and no
// attempt cap, so a broker outage heals without operator intervention.
package publisher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatrelay/internal/logger"
)

// Broker topics, fixed per event category.
const (
	TopicSendMessage  = "send_message"
	TopicReadMessage  = "read_message"
	TopicUpdateUnread = "update_unread"
)

const defaultReconnectDelay = 5 * time.Second

// ErrNoEndpoints means the directory lookup found no live broker. The
// startup attempt terminates; process supervision restarts, not us.
var ErrNoEndpoints = errors.New("no broker endpoints discovered")

// State of the publisher's connection machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// writer is the broker transport. The real one wraps an nsq.Producer; tests
// substitute a fake to drive the reconnect machine.
type writer interface {
	Publish(topic string, body []byte) error
	// Closed fires once when the transport loses its connection for good.
	Closed() <-chan struct{}
	Stop()
}

// Publisher is the durable-publish relay. Publish is fire and forget; single
// publish failures go to the error channel and do not change connection
// state (the transport retries or raises connection loss itself).
type Publisher struct {
	lookupds []string

	state atomic.Int32

	mu sync.RWMutex
	w  writer

	errs chan error
	stop chan struct{}
	once sync.Once

	// Overridable in tests.
	reconnectDelay time.Duration
	newWriter      func(addr string) (writer, error)
	discover       func(lookupds []string) (string, error)
}

// New builds a publisher that discovers brokers through the given lookupd
// HTTP endpoints.
func New(lookupds []string) *Publisher {
	return &Publisher{
		lookupds:       lookupds,
		errs:           make(chan error, 64),
		stop:           make(chan struct{}),
		reconnectDelay: defaultReconnectDelay,
		newWriter:      newNSQWriter,
		discover:       discoverNSQD,
	}
}

// State returns the current connection state.
func (p *Publisher) State() State {
	return State(p.state.Load())
}

// Errors exposes failed single publishes for observation; the channel is
// never closed and is best effort.
func (p *Publisher) Errors() <-chan error {
	return p.errs
}

// Run drives the connection machine until Stop. Each (re)start attempt
// begins with a directory lookup; a lookup that finds no live broker ends
// the run with ErrNoEndpoints.
func (p *Publisher) Run() error {
	for {
		addr, err := p.discover(p.lookupds)
		if err != nil {
			p.state.Store(int32(StateDisconnected))
			logger.Errorf("publisher: %v", err)
			return err
		}

		p.state.Store(int32(StateConnecting))
		w, err := p.newWriter(addr)
		if err != nil {
			logger.Errorf("publisher: connect %s: %v", addr, err)
			if !p.waitReconnect() {
				return nil
			}
			continue
		}

		p.mu.Lock()
		p.w = w
		p.mu.Unlock()
		p.state.Store(int32(StateReady))
		logger.Infof("publisher: ready, broker %s", addr)

		select {
		case <-w.Closed():
			p.state.Store(int32(StateClosed))
			logger.Errorf("publisher: writer closed, reconnecting in %v", p.reconnectDelay)
		case <-p.stop:
			p.detach(w)
			return nil
		}

		p.detach(w)
		if !p.waitReconnect() {
			return nil
		}
	}
}

// waitReconnect schedules exactly one reconnect attempt after the fixed
// delay. Returns false when the publisher is stopping instead.
func (p *Publisher) waitReconnect() bool {
	timer := time.NewTimer(p.reconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.stop:
		return false
	}
}

func (p *Publisher) detach(w writer) {
	p.mu.Lock()
	if p.w == w {
		p.w = nil
	}
	p.mu.Unlock()
	w.Stop()
}

// Publish hands body to the broker on topic. Fire and forget: before Ready
// the event is dropped with a log line, and a failed publish is reported on
// the error channel without touching connection state.
func (p *Publisher) Publish(topic string, body []byte) {
	p.mu.RLock()
	w := p.w
	p.mu.RUnlock()

	if w == nil || p.State() != StateReady {
		logger.Debugf("publisher: dropping %s event, not ready (%s)", topic, p.State())
		return
	}

	if err := w.Publish(topic, body); err != nil {
		err = fmt.Errorf("publish %s: %w", topic, err)
		logger.Errorf("publisher: %v", err)
		select {
		case p.errs <- err:
		default:
		}
	}
}

// Stop ends the run loop. The only cancellation path is process shutdown.
func (p *Publisher) Stop() {
	p.once.Do(func() { close(p.stop) })
}
