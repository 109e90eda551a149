package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"maestro/internal/domain"
	"maestro/internal/infra/logger"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(Options{QueueSize: 32, PollInterval: 10 * time.Millisecond}, logger.Discard())
	t.Cleanup(b.Close)
	return b
}

func waitFor(t *testing.T, ch <-chan domain.Message) domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return domain.Message{}
	}
}

func TestPublishDeliversToHandler(t *testing.T) {
	b := newTestBus(t)
	b.RegisterAgent("worker")

	got := make(chan domain.Message, 1)
	b.AddHandler("worker", Handler{
		Fn: func(_ context.Context, m domain.Message) (*domain.Message, error) {
			got <- m
			return nil, nil
		},
	})

	if err := b.Publish(domain.Message{
		Type:    domain.MessageRequest,
		Source:  "tester",
		Target:  "worker",
		Payload: map[string]any{"n": 1},
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg := waitFor(t, got)
	if msg.Target != "worker" || msg.Payload["n"] != 1 {
		t.Errorf("delivered message = %+v", msg)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Errorf("identity not stamped: %+v", msg)
	}
}

func TestPublishUnknownTarget(t *testing.T) {
	b := newTestBus(t)
	err := b.Publish(domain.Message{Type: domain.MessageRequest, Target: "ghost"})
	if !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("err = %v, want ErrAgentNotFound", err)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	b := newTestBus(t)
	received := make(chan string, 8)
	for _, agent := range []string{"a", "b", "c"} {
		b.RegisterAgent(agent)
		b.AddHandler(agent, Handler{
			Fn: func(_ context.Context, m domain.Message) (*domain.Message, error) {
				if m.Target != agent {
					t.Errorf("clone target = %q on agent %q", m.Target, agent)
				}
				received <- agent
				return nil, nil
			},
		})
	}

	if err := b.Publish(domain.Message{
		Type:   domain.MessageBroadcast,
		Source: "a",
		Target: domain.BroadcastTarget,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	seen := make(map[string]int)
	for range 2 {
		select {
		case agent := <-received:
			seen[agent]++
		case <-time.After(2 * time.Second):
			t.Fatalf("broadcast incomplete, saw %v", seen)
		}
	}
	if seen["b"] != 1 || seen["c"] != 1 {
		t.Errorf("deliveries = %v, want one each to b and c", seen)
	}

	// The sender must not hear its own broadcast.
	select {
	case agent := <-received:
		t.Errorf("unexpected extra delivery to %q", agent)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueuePriorityOrder(t *testing.T) {
	q := newAgentQueue(16)
	for _, p := range []domain.Priority{
		domain.PriorityLow,
		domain.PriorityNormal,
		domain.PriorityUrgent,
		domain.PriorityHigh,
	} {
		if err := q.put(domain.Message{ID: p.String(), Priority: p}); err != nil {
			t.Fatalf("put %s: %v", p, err)
		}
	}

	want := []string{"urgent", "high", "normal", "low"}
	for _, id := range want {
		msg, ok := q.tryGet()
		if !ok {
			t.Fatalf("queue exhausted before %s", id)
		}
		if msg.ID != id {
			t.Errorf("dequeued %s, want %s", msg.ID, id)
		}
	}
	if _, ok := q.tryGet(); ok {
		t.Error("queue should be empty")
	}
}

func TestQueueBoundRejectsOverflow(t *testing.T) {
	q := newAgentQueue(2)
	if err := q.put(domain.Message{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := q.put(domain.Message{ID: "2"}); err != nil {
		t.Fatal(err)
	}
	if err := q.put(domain.Message{ID: "3"}); !errors.Is(err, domain.ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	if q.len() != 2 {
		t.Errorf("len = %d, want 2", q.len())
	}
}

func TestOutOfRangePriorityFallsBackToNormal(t *testing.T) {
	if got := priorityIndex(domain.Priority(42)); got != int(domain.PriorityNormal) {
		t.Errorf("index = %d, want normal", got)
	}
	if got := priorityIndex(domain.Priority(-1)); got != int(domain.PriorityNormal) {
		t.Errorf("index = %d, want normal", got)
	}
}

func TestRequestResponse(t *testing.T) {
	b := newTestBus(t)
	b.RegisterAgent("client")
	b.RegisterAgent("server")
	b.AddHandler("server", Handler{
		Fn: func(_ context.Context, m domain.Message) (*domain.Message, error) {
			reply := m.Reply(map[string]any{"answer": "pong"})
			return &reply, nil
		},
	})

	req := domain.Message{
		Type:   domain.MessageRequest,
		Source: "client",
		Target: "server",
	}
	reply, err := b.RequestResponse(context.Background(), req, 2*time.Second)
	if err != nil {
		t.Fatalf("RequestResponse: %v", err)
	}
	if reply.Type != domain.MessageResponse || reply.Payload["answer"] != "pong" {
		t.Errorf("reply = %+v", reply)
	}
	if reply.CorrelationID == "" {
		t.Error("reply not correlated")
	}
	if n := b.HandlerCount("client"); n != 0 {
		t.Errorf("residual handlers on client = %d, want 0", n)
	}
}

func TestRequestResponseTimeout(t *testing.T) {
	b := newTestBus(t)
	b.RegisterAgent("client")
	b.RegisterAgent("server")
	b.AddHandler("server", Handler{
		Fn: func(_ context.Context, m domain.Message) (*domain.Message, error) {
			return nil, nil // never replies
		},
	})

	start := time.Now()
	_, err := b.RequestResponse(context.Background(), domain.Message{
		Type:   domain.MessageRequest,
		Source: "client",
		Target: "server",
	}, 100*time.Millisecond)
	if !errors.Is(err, domain.ErrNoResponse) {
		t.Fatalf("err = %v, want ErrNoResponse", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	if n := b.HandlerCount("client"); n != 0 {
		t.Errorf("residual handlers on client = %d, want 0", n)
	}
	if s := b.Stats(); s.Timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", s.Timeouts)
	}
}

func TestRequestResponseUnknownSender(t *testing.T) {
	b := newTestBus(t)
	b.RegisterAgent("server")
	_, err := b.RequestResponse(context.Background(), domain.Message{
		Source: "nobody",
		Target: "server",
	}, time.Second)
	if !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("err = %v, want ErrAgentNotFound", err)
	}
}

func TestHandlerErrorAnswersWithErrorMessage(t *testing.T) {
	b := newTestBus(t)
	b.RegisterAgent("client")
	b.RegisterAgent("server")
	b.AddHandler("server", Handler{
		Fn: func(_ context.Context, m domain.Message) (*domain.Message, error) {
			return nil, errors.New("disk on fire")
		},
	})

	reply, err := b.RequestResponse(context.Background(), domain.Message{
		Type:   domain.MessageRequest,
		Source: "client",
		Target: "server",
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("RequestResponse: %v", err)
	}
	if reply.Type != domain.MessageError {
		t.Errorf("reply type = %s, want error", reply.Type)
	}
	if reply.Payload["error"] != "disk on fire" {
		t.Errorf("payload = %v", reply.Payload)
	}
}

func TestHandlerPanicAnswersWithErrorMessage(t *testing.T) {
	b := newTestBus(t)
	b.RegisterAgent("client")
	b.RegisterAgent("server")
	b.AddHandler("server", Handler{
		Fn: func(_ context.Context, m domain.Message) (*domain.Message, error) {
			panic("boom")
		},
	})

	reply, err := b.RequestResponse(context.Background(), domain.Message{
		Type:   domain.MessageRequest,
		Source: "client",
		Target: "server",
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("RequestResponse: %v", err)
	}
	if reply.Type != domain.MessageError {
		t.Errorf("reply type = %s, want error", reply.Type)
	}
}

func TestHighPriorityHandlerWinsChain(t *testing.T) {
	b := newTestBus(t)
	b.RegisterAgent("client")
	b.RegisterAgent("server")

	lowCalled := make(chan struct{}, 1)
	b.AddHandler("server", Handler{
		Priority: 1,
		Fn: func(_ context.Context, m domain.Message) (*domain.Message, error) {
			lowCalled <- struct{}{}
			return nil, nil
		},
	})
	b.AddHandler("server", Handler{
		Priority: 10,
		Fn: func(_ context.Context, m domain.Message) (*domain.Message, error) {
			reply := m.Reply(map[string]any{"by": "high"})
			return &reply, nil
		},
	})

	reply, err := b.RequestResponse(context.Background(), domain.Message{
		Type:   domain.MessageRequest,
		Source: "client",
		Target: "server",
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("RequestResponse: %v", err)
	}
	if reply.Payload["by"] != "high" {
		t.Errorf("reply = %+v", reply)
	}
	select {
	case <-lowCalled:
		t.Error("low-priority handler ran despite a winning reply above it")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTypeFilteredHandler(t *testing.T) {
	b := newTestBus(t)
	b.RegisterAgent("worker")

	got := make(chan domain.Message, 2)
	b.AddHandler("worker", Handler{
		Types: []domain.MessageType{domain.MessageNotification},
		Fn: func(_ context.Context, m domain.Message) (*domain.Message, error) {
			got <- m
			return nil, nil
		},
	})

	for _, typ := range []domain.MessageType{domain.MessageRequest, domain.MessageNotification} {
		if err := b.Publish(domain.Message{Type: typ, Target: "worker"}); err != nil {
			t.Fatalf("Publish %s: %v", typ, err)
		}
	}

	msg := waitFor(t, got)
	if msg.Type != domain.MessageNotification {
		t.Errorf("handled type = %s, want notification only", msg.Type)
	}
	select {
	case extra := <-got:
		t.Errorf("unexpected extra delivery: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoveHandler(t *testing.T) {
	b := newTestBus(t)
	b.RegisterAgent("worker")

	remove := b.AddHandler("worker", Handler{
		Fn: func(_ context.Context, m domain.Message) (*domain.Message, error) { return nil, nil },
	})
	b.AddHandler("worker", Handler{
		Fn: func(_ context.Context, m domain.Message) (*domain.Message, error) { return nil, nil },
	})
	if n := b.HandlerCount("worker"); n != 2 {
		t.Fatalf("handlers = %d, want 2", n)
	}
	remove()
	remove() // second call is a no-op
	if n := b.HandlerCount("worker"); n != 1 {
		t.Errorf("handlers = %d, want 1", n)
	}
}

func TestCloseRejectsPublishes(t *testing.T) {
	b := New(Options{PollInterval: 10 * time.Millisecond}, logger.Discard())
	b.RegisterAgent("worker")
	b.Close()
	b.Close() // idempotent

	if err := b.Publish(domain.Message{Target: "worker"}); !errors.Is(err, domain.ErrBusClosed) {
		t.Errorf("Publish err = %v, want ErrBusClosed", err)
	}
	if _, err := b.RequestResponse(context.Background(), domain.Message{Source: "worker"}, time.Second); !errors.Is(err, domain.ErrBusClosed) {
		t.Errorf("RequestResponse err = %v, want ErrBusClosed", err)
	}
}

func TestStatsCountsTraffic(t *testing.T) {
	b := newTestBus(t)
	b.RegisterAgent("worker")

	done := make(chan struct{}, 4)
	b.AddHandler("worker", Handler{
		Fn: func(_ context.Context, m domain.Message) (*domain.Message, error) {
			done <- struct{}{}
			return nil, nil
		},
	})

	for range 3 {
		if err := b.Publish(domain.Message{Type: domain.MessageNotification, Target: "worker"}); err != nil {
			t.Fatal(err)
		}
	}
	for range 3 {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("deliveries incomplete")
		}
	}

	s := b.Stats()
	if s.Sent != 3 || s.Received != 3 {
		t.Errorf("sent/received = %d/%d, want 3/3", s.Sent, s.Received)
	}
	if a, ok := s.Agents["worker"]; !ok || a.HandlerCount != 1 {
		t.Errorf("agent stats = %+v", s.Agents)
	}
}
