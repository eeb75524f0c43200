package bus

import (
	"context"
	"testing"
	"time"

	"github.com/relaybot/relay/internal/common/logger"
)

func waitForEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryEventBus(t *testing.T) {
	t.Run("publish reaches exact subscriber", func(t *testing.T) {
		b := NewMemoryEventBus(logger.Default())
		defer b.Close()

		received := make(chan *Event, 1)
		_, err := b.Subscribe("relay.session.dead", func(ctx context.Context, evt *Event) error {
			received <- evt
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}

		evt := NewEvent("session.dead", "test", map[string]interface{}{"conversation_id": "c1"})
		if err := b.Publish(context.Background(), "relay.session.dead", evt); err != nil {
			t.Fatalf("publish: %v", err)
		}

		got := waitForEvent(t, received)
		if got.ID != evt.ID {
			t.Errorf("event id = %q, want %q", got.ID, evt.ID)
		}
		if got.Data["conversation_id"] != "c1" {
			t.Errorf("data = %v", got.Data)
		}
	})

	t.Run("wildcard subscription matches token", func(t *testing.T) {
		b := NewMemoryEventBus(logger.Default())
		defer b.Close()

		received := make(chan *Event, 2)
		_, err := b.Subscribe("relay.session.*", func(ctx context.Context, evt *Event) error {
			received <- evt
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}

		_ = b.Publish(context.Background(), "relay.session.provisioned", NewEvent("session.provisioned", "test", nil))
		_ = b.Publish(context.Background(), "relay.command.executed", NewEvent("command.executed", "test", nil))

		got := waitForEvent(t, received)
		if got.Type != "session.provisioned" {
			t.Errorf("unexpected event %q", got.Type)
		}
		select {
		case evt := <-received:
			t.Errorf("wildcard matched unrelated subject, got %q", evt.Type)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		b := NewMemoryEventBus(logger.Default())
		defer b.Close()

		received := make(chan *Event, 1)
		sub, err := b.Subscribe("relay.session.stopped", func(ctx context.Context, evt *Event) error {
			received <- evt
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe: %v", err)
		}
		if sub.IsValid() {
			t.Error("subscription still valid after unsubscribe")
		}

		_ = b.Publish(context.Background(), "relay.session.stopped", NewEvent("session.stopped", "test", nil))
		select {
		case <-received:
			t.Error("received event after unsubscribe")
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("closed bus rejects publish", func(t *testing.T) {
		b := NewMemoryEventBus(logger.Default())
		b.Close()

		if b.IsConnected() {
			t.Error("closed bus reports connected")
		}
		if err := b.Publish(context.Background(), "relay.session.dead", NewEvent("session.dead", "test", nil)); err == nil {
			t.Error("expected error publishing to closed bus")
		}
	})
}
