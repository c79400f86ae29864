package backplane_test

import (
	"context"
	"testing"
	"time"

	"github.com/chatrelay/internal/backplane"
)

func recv(t *testing.T, sub *backplane.Subscription) []byte {
	t.Helper()
	select {
	case data := <-sub.C():
		return data
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for backplane delivery")
		return nil
	}
}

func TestInproc_PublishReachesSubscriber(t *testing.T) {
	a := backplane.NewInproc()
	ctx := context.Background()

	sub, err := a.Subscribe(ctx, "2")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Leave()

	n, err := a.Publish(ctx, "2", []byte("hello"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Publish() reached %d subscribers, want 1", n)
	}
	if got := string(recv(t, sub)); got != "hello" {
		t.Errorf("received %q, want %q", got, "hello")
	}
}

func TestInproc_PublishToEmptyRoomIsNoop(t *testing.T) {
	a := backplane.NewInproc()

	// No subscriber anywhere: must complete without error or side effect.
	n, err := a.Publish(context.Background(), "99", []byte("gone"))
	if err != nil {
		t.Errorf("Publish() to empty room error = %v, want nil", err)
	}
	if n != 0 {
		t.Errorf("Publish() to empty room reached %d subscribers, want 0", n)
	}
}

func TestInproc_RoomsAreIsolated(t *testing.T) {
	a := backplane.NewInproc()
	ctx := context.Background()

	sub1, _ := a.Subscribe(ctx, "1")
	sub2, _ := a.Subscribe(ctx, "2")
	defer sub1.Leave()
	defer sub2.Leave()

	if _, err := a.Publish(ctx, "1", []byte("for one")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := string(recv(t, sub1)); got != "for one" {
		t.Errorf("room 1 received %q", got)
	}
	select {
	case data := <-sub2.C():
		t.Errorf("room 2 received %q, want nothing", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInproc_MultiDeviceFanOut(t *testing.T) {
	a := backplane.NewInproc()
	ctx := context.Background()

	// Two connections of the same user share the room.
	subA, _ := a.Subscribe(ctx, "7")
	subB, _ := a.Subscribe(ctx, "7")
	defer subA.Leave()
	defer subB.Leave()

	n, err := a.Publish(ctx, "7", []byte("ping"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Publish() reached %d subscribers, want 2", n)
	}
	if got := string(recv(t, subA)); got != "ping" {
		t.Errorf("device A received %q", got)
	}
	if got := string(recv(t, subB)); got != "ping" {
		t.Errorf("device B received %q", got)
	}
}

func TestInproc_LeaveStopsDelivery(t *testing.T) {
	a := backplane.NewInproc()
	ctx := context.Background()

	sub, _ := a.Subscribe(ctx, "3")
	sub.Leave()
	sub.Leave() // idempotent

	if _, ok := <-sub.C(); ok {
		t.Error("subscription channel still open after Leave")
	}
	if _, err := a.Publish(ctx, "3", []byte("late")); err != nil {
		t.Errorf("Publish() after leave error = %v, want nil", err)
	}
}

func TestInproc_ConcurrentPublishSubscribe(t *testing.T) {
	a := backplane.NewInproc()
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				sub, err := a.Subscribe(ctx, "shared")
				if err != nil {
					t.Errorf("Subscribe() error = %v", err)
					return
				}
				a.Publish(ctx, "shared", []byte("x"))
				sub.Leave()
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent churn timed out")
		}
	}
}

// A subscriber that races the teardown of a room's last member must still
// land in the live room: its own publish right after Subscribe has to come
// back to it.
func TestInproc_ChurnNeverOrphansSubscriber(t *testing.T) {
	a := backplane.NewInproc()
	ctx := context.Background()

	const workers = 8
	const rounds = 2000

	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < rounds; j++ {
				sub, err := a.Subscribe(ctx, "churn")
				if err != nil {
					t.Errorf("worker %d: Subscribe() error = %v", w, err)
					return
				}
				n, err := a.Publish(ctx, "churn", []byte("ping"))
				if err != nil {
					t.Errorf("worker %d: Publish() error = %v", w, err)
					sub.Leave()
					return
				}
				if n == 0 {
					t.Errorf("worker %d round %d: Publish() reached 0 subscribers with own subscription live", w, j)
					sub.Leave()
					return
				}
				select {
				case <-sub.C():
				case <-time.After(2 * time.Second):
					t.Errorf("worker %d round %d: live subscriber missed publish", w, j)
					sub.Leave()
					return
				}
				sub.Leave()
			}
		}(i)
	}
	for i := 0; i < workers; i++ {
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			t.Fatal("churn workers timed out")
		}
	}
}
