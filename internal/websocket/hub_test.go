package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/PushPalsDev/pushpals-sub001/internal/protocol"
)

func runHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func TestHubPublishDeliversToSubscriber(t *testing.T) {
	hub := runHub(t)
	ch, cancel := hub.Subscribe("dev")
	defer cancel()

	hub.Publish("dev", Message{Envelope: protocol.Event{SessionID: "dev"}, Cursor: 1})

	select {
	case msg := <-ch:
		if msg.Cursor != 1 {
			t.Fatalf("Cursor = %d, want 1", msg.Cursor)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the published message")
	}
}

func TestHubPublishDoesNotCrossSessions(t *testing.T) {
	hub := runHub(t)
	chA, cancelA := hub.Subscribe("session-a")
	defer cancelA()
	chB, cancelB := hub.Subscribe("session-b")
	defer cancelB()

	hub.Publish("session-a", Message{Cursor: 1})

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("session-a subscriber never received its message")
	}

	select {
	case msg := <-chB:
		t.Fatalf("session-b subscriber unexpectedly received a message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
		// expected: nothing delivered cross-session
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := runHub(t)
	ch, cancel := hub.Subscribe("dev")
	cancel()

	// Give the hub's single-writer loop a moment to process the unsubscribe.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel was never closed after cancel")
		}
	}
}

func TestHubSubscriberCount(t *testing.T) {
	hub := runHub(t)
	if hub.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0 before any subscription", hub.SubscriberCount())
	}

	_, cancelA := hub.Subscribe("session-a")
	_, cancelB := hub.Subscribe("session-b")
	defer cancelA()
	defer cancelB()

	// Subscribe is processed asynchronously by the hub's Run loop.
	deadline := time.Now().Add(time.Second)
	for hub.SubscriberCount() != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.SubscriberCount() != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", hub.SubscriberCount())
	}
}
