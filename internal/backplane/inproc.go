package backplane

import "context"

// Inproc is the single-instance adapter: direct channel fan-out, no network
// hop, no transport to join.
type Inproc struct {
	*registry
}

// NewInproc builds the in-process adapter.
func NewInproc() *Inproc {
	return &Inproc{registry: newRegistry()}
}

// Publish fans out to local subscribers only.
func (a *Inproc) Publish(_ context.Context, room string, data []byte) (int, error) {
	return a.dispatch(room, data), nil
}

// Subscribe joins the local room table.
func (a *Inproc) Subscribe(_ context.Context, room string) (*Subscription, error) {
	return a.subscribe(room)
}

// Close is a no-op; subscriptions are owned by their subscribers.
func (a *Inproc) Close() error { return nil }
