package eventbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"maestro/internal/domain"
	"maestro/internal/infra/logger"
)

func waitForCount(t *testing.T, n *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n.Load() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("count = %d, want %d", n.Load(), want)
}

func TestTypedSubscription(t *testing.T) {
	b := New(logger.Discard())
	defer b.Close()

	var gates, tasks atomic.Int64
	b.Subscribe(domain.EventGateCompleted, func(_ context.Context, e domain.Event) {
		gates.Add(1)
	})
	b.Subscribe(domain.EventTaskCompleted, func(_ context.Context, e domain.Event) {
		tasks.Add(1)
	})

	b.Publish(context.Background(), domain.Event{Type: domain.EventGateCompleted})
	b.Publish(context.Background(), domain.Event{Type: domain.EventGateCompleted})
	b.Publish(context.Background(), domain.Event{Type: domain.EventTaskCompleted})

	waitForCount(t, &gates, 2)
	waitForCount(t, &tasks, 1)
	if got := b.Published(); got != 3 {
		t.Errorf("published = %d, want 3", got)
	}
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	b := New(logger.Discard())
	defer b.Close()

	var all atomic.Int64
	b.SubscribeAll(func(_ context.Context, e domain.Event) { all.Add(1) })

	b.Publish(context.Background(), domain.Event{Type: domain.EventGateCompleted})
	b.Publish(context.Background(), domain.Event{Type: domain.EventMessageDropped})

	waitForCount(t, &all, 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(logger.Discard())
	defer b.Close()

	var n atomic.Int64
	unsub := b.Subscribe(domain.EventGateCompleted, func(_ context.Context, e domain.Event) {
		n.Add(1)
	})

	b.Publish(context.Background(), domain.Event{Type: domain.EventGateCompleted})
	waitForCount(t, &n, 1)

	unsub()
	unsub() // second call is a no-op
	b.Publish(context.Background(), domain.Event{Type: domain.EventGateCompleted})

	time.Sleep(50 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Errorf("deliveries after unsubscribe = %d, want 1", got)
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := New(logger.Discard())
	defer b.Close()

	var n atomic.Int64
	b.Subscribe(domain.EventGateCompleted, func(_ context.Context, e domain.Event) {
		panic("bad subscriber")
	})
	b.Subscribe(domain.EventGateCompleted, func(_ context.Context, e domain.Event) {
		n.Add(1)
	})

	b.Publish(context.Background(), domain.Event{Type: domain.EventGateCompleted})
	waitForCount(t, &n, 1)
}

func TestCloseDropsNewPublishes(t *testing.T) {
	b := New(logger.Discard())

	var n atomic.Int64
	b.SubscribeAll(func(_ context.Context, e domain.Event) { n.Add(1) })

	b.Close()
	b.Close() // idempotent
	b.Publish(context.Background(), domain.Event{Type: domain.EventGateCompleted})

	time.Sleep(50 * time.Millisecond)
	if got := n.Load(); got != 0 {
		t.Errorf("deliveries after close = %d, want 0", got)
	}
	if got := b.Published(); got != 0 {
		t.Errorf("published = %d, want 0", got)
	}
}
