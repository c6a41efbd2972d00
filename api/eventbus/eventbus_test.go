package eventbus

import (
	"testing"
	"time"

	"github.com/darkhz/bluedfu/api/dfu"
)

func receive(t *testing.T, sub Subscription) dfu.SessionState {
	t.Helper()

	select {
	case state, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription channel was closed")
		}

		return state

	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a state")
	}

	return nil
}

func TestPublishOrder(t *testing.T) {
	bus := New(0)
	defer bus.Close()

	first, second := bus.Subscribe(), bus.Subscribe()
	if !first.IsActive() || !second.IsActive() {
		t.Fatal("expected active subscriptions")
	}

	states := []dfu.SessionState{
		dfu.Starting{},
		dfu.Uploading{Percent: 10, CurrentPart: 1, TotalParts: 1},
		dfu.Completed{},
	}
	for _, state := range states {
		bus.Publish(state)
	}

	for _, sub := range []Subscription{first, second} {
		for i, want := range states {
			if got := receive(t, sub); got != want {
				t.Fatalf("state %d: expected %v, got %v", i, want, got)
			}
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(1)
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Unsubscribe()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("expected no states after unsubscribing")
		}

	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel was not closed")
	}
}

func TestClosedBus(t *testing.T) {
	bus := New(1)
	bus.Close()
	bus.Close()

	bus.Publish(dfu.Starting{})

	sub := bus.Subscribe()
	if sub.IsActive() {
		t.Fatal("expected an inactive subscription")
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("expected a closed channel")
	}
	sub.Unsubscribe()
}

func TestUnsubscribeUnblocksPublish(t *testing.T) {
	bus := New(1)
	defer bus.Close()

	idle, active := bus.Subscribe(), bus.Subscribe()

	published := make(chan struct{})
	go func() {
		defer close(published)

		for percent := range 10 {
			bus.Publish(dfu.Uploading{Percent: percent, CurrentPart: 1, TotalParts: 1})
		}
	}()

	time.Sleep(50 * time.Millisecond)
	idle.Unsubscribe()

	for percent := range 10 {
		want := dfu.Uploading{Percent: percent, CurrentPart: 1, TotalParts: 1}
		if got := receive(t, active); got != want {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing is blocked by an unsubscribed subscriber")
	}
}
