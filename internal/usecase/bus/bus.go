package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"maestro/internal/domain"
)

// HandlerFunc processes one message for an agent. A non-nil reply stops the
// handler chain and is published back onto the bus.
type HandlerFunc func(ctx context.Context, msg domain.Message) (*domain.Message, error)

// Handler binds a HandlerFunc to the message types it accepts. Higher
// Priority handlers are tried first.
type Handler struct {
	Fn       HandlerFunc
	Types    []domain.MessageType
	Priority int

	id uint64
}

func (h *Handler) accepts(t domain.MessageType) bool {
	if len(h.Types) == 0 {
		return true
	}
	for _, mt := range h.Types {
		if mt == t {
			return true
		}
	}
	return false
}

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	Sent     uint64                `json:"sent"`
	Received uint64                `json:"received"`
	Dropped  uint64                `json:"dropped"`
	Timeouts uint64                `json:"timeouts"`
	Agents   map[string]AgentStats `json:"agents"`
}

// AgentStats describes one agent's queue.
type AgentStats struct {
	QueueDepth   int `json:"queue_depth"`
	HandlerCount int `json:"handler_count"`
}

// Options tune the bus.
type Options struct {
	QueueSize    int           // per-agent bound (default 1000)
	PollInterval time.Duration // worker idle tick (default 1s)
}

// Bus is the asynchronous priority-queued substrate agents exchange messages
// over. Each registered agent owns a worker goroutine that drains its queue
// in priority order and runs the agent's handler chain.
type Bus struct {
	mu        sync.RWMutex
	queues    map[string]*agentQueue
	handlers  map[string][]*Handler
	queueSize int
	pollEvery time.Duration
	nextID    atomic.Uint64

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
	timeouts atomic.Uint64

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup

	logger *slog.Logger
	events domain.EventBus // optional
}

// New creates a running message bus.
func New(opts Options, logger *slog.Logger) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	b := &Bus{
		queues:    make(map[string]*agentQueue),
		handlers:  make(map[string][]*Handler),
		queueSize: opts.QueueSize,
		pollEvery: opts.PollInterval,
		stop:      make(chan struct{}),
		logger:    logger,
	}
	b.running.Store(true)
	return b
}

// SetEventBus attaches an optional observability bus.
func (b *Bus) SetEventBus(events domain.EventBus) { b.events = events }

// RegisterAgent creates the agent's queue and starts its worker.
func (b *Bus) RegisterAgent(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.queues[agent]; exists {
		return
	}
	q := newAgentQueue(b.queueSize)
	b.queues[agent] = q
	b.handlers[agent] = nil

	b.wg.Add(1)
	go b.worker(agent, q)
	b.logger.Debug("agent registered with message bus", "agent", agent)
}

// UnregisterAgent discards the agent's queue and handlers. Its worker exits
// on the next wakeup.
func (b *Bus) UnregisterAgent(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, agent)
	delete(b.handlers, agent)
	b.logger.Debug("agent unregistered from message bus", "agent", agent)
}

func (b *Bus) worker(agent string, q *agentQueue) {
	defer b.wg.Done()
	timer := time.NewTimer(b.pollEvery)
	defer timer.Stop()

	for {
		// The queue map entry disappearing is the worker's exit signal.
		b.mu.RLock()
		current, alive := b.queues[agent]
		b.mu.RUnlock()
		if !alive || current != q {
			return
		}

		if msg, ok := q.tryGet(); ok {
			b.received.Add(1)
			b.process(agent, msg)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.pollEvery)

		select {
		case <-b.stop:
			return
		case <-q.notify:
		case <-timer.C:
		}
	}
}

// process runs the agent's handler chain: descending handler priority, first
// non-nil reply wins and is republished.
func (b *Bus) process(agent string, msg domain.Message) {
	b.mu.RLock()
	chain := make([]*Handler, len(b.handlers[agent]))
	copy(chain, b.handlers[agent])
	b.mu.RUnlock()

	if len(chain) == 0 {
		b.logger.Warn("no handlers for agent", "agent", agent, "message", msg.ID)
		return
	}

	ctx := context.Background()
	if msg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, msg.Timeout)
		defer cancel()
	}

	for _, h := range chain {
		if !h.accepts(msg.Type) {
			continue
		}
		reply, err := b.safeHandle(ctx, h, msg)
		if err != nil {
			// A failing handler answers the sender with an error message and
			// ends the chain, mirroring a successful reply.
			b.logger.Error("message handler error", "agent", agent, "message", msg.ID, "error", err)
			errMsg := msg.ErrorReply(err)
			errMsg.ID = domain.NewID()
			errMsg.CreatedAt = time.Now()
			if pubErr := b.Publish(errMsg); pubErr != nil {
				b.logger.Error("failed to publish error reply", "message", errMsg.ID, "error", pubErr)
			}
			break
		}
		if reply != nil {
			r := *reply
			if r.ID == "" {
				r.ID = domain.NewID()
			}
			if r.CreatedAt.IsZero() {
				r.CreatedAt = time.Now()
			}
			if err := b.Publish(r); err != nil {
				b.logger.Error("failed to publish reply", "message", r.ID, "error", err)
			}
			break
		}
	}
}

func (b *Bus) safeHandle(ctx context.Context, h *Handler, msg domain.Message) (reply *domain.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewDomainError("Bus.process", domain.ErrInvalidInput,
				"handler panicked")
			b.logger.Error("message handler panicked", "message", msg.ID, "panic", r)
		}
	}()
	return h.Fn(ctx, msg)
}

// Publish enqueues a message onto its target's queue, or fans a broadcast
// out to every other agent's queue. A full queue drops the message and
// counts it in statistics — redelivery is the sender's concern via the
// message's own retry fields.
func (b *Bus) Publish(msg domain.Message) error {
	if !b.running.Load() {
		return domain.ErrBusClosed
	}
	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if msg.Target == domain.BroadcastTarget {
		b.mu.RLock()
		targets := make(map[string]*agentQueue, len(b.queues))
		for agent, q := range b.queues {
			if agent != msg.Source {
				targets[agent] = q
			}
		}
		b.mu.RUnlock()

		for agent, q := range targets {
			clone := msg
			clone.Target = agent
			b.enqueue(agent, q, clone)
		}
		return nil
	}

	b.mu.RLock()
	q, ok := b.queues[msg.Target]
	b.mu.RUnlock()
	if !ok {
		b.logger.Error("target agent not found", "target", msg.Target, "message", msg.ID)
		return domain.NewDomainError("Bus.Publish", domain.ErrAgentNotFound, msg.Target)
	}
	b.enqueue(msg.Target, q, msg)
	return nil
}

func (b *Bus) enqueue(agent string, q *agentQueue, msg domain.Message) {
	if err := q.put(msg); err != nil {
		b.dropped.Add(1)
		b.logger.Error("queue full, message dropped", "agent", agent, "message", msg.ID)
		b.publishEvent(domain.EventMessageDropped, msg)
		return
	}
	b.sent.Add(1)
	b.publishEvent(domain.EventMessagePublished, msg)
}

// AddHandler registers a handler for an agent and returns a removal
// function.
func (b *Bus) AddHandler(agent string, h Handler) func() {
	h.id = b.nextID.Add(1)
	hp := &h

	b.mu.Lock()
	b.handlers[agent] = append(b.handlers[agent], hp)
	sort.SliceStable(b.handlers[agent], func(i, j int) bool {
		return b.handlers[agent][i].Priority > b.handlers[agent][j].Priority
	})
	b.mu.Unlock()

	id := hp.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chain := b.handlers[agent]
		for i, existing := range chain {
			if existing.id == id {
				b.handlers[agent] = append(chain[:i], chain[i+1:]...)
				return
			}
		}
	}
}

// RequestResponse publishes a request and waits for a reply whose
// correlation id matches, up to timeout. The temporary correlation handler
// is always removed afterward — success, timeout or error — so no handler
// leaks across unrelated calls. A timeout returns (nil, ErrNoResponse) and
// increments the timeout counter.
func (b *Bus) RequestResponse(ctx context.Context, msg domain.Message, timeout time.Duration) (*domain.Message, error) {
	if !b.running.Load() {
		return nil, domain.ErrBusClosed
	}
	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	b.mu.RLock()
	_, senderKnown := b.queues[msg.Source]
	b.mu.RUnlock()
	if !senderKnown {
		return nil, domain.NewDomainError("Bus.RequestResponse", domain.ErrAgentNotFound, msg.Source)
	}

	correlationID := msg.ID
	replyCh := make(chan domain.Message, 1)

	remove := b.AddHandler(msg.Source, Handler{
		Types:    []domain.MessageType{domain.MessageResponse, domain.MessageError},
		Priority: 100, // outrank regular handlers so replies never leak past
		Fn: func(_ context.Context, m domain.Message) (*domain.Message, error) {
			if m.CorrelationID != correlationID {
				return nil, nil
			}
			select {
			case replyCh <- m:
			default:
			}
			return nil, nil
		},
	})
	defer remove()

	if err := b.Publish(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return &reply, nil
	case <-timer.C:
		b.timeouts.Add(1)
		b.logger.Warn("request timed out", "message", msg.ID, "target", msg.Target)
		return nil, domain.ErrNoResponse
	case <-ctx.Done():
		b.timeouts.Add(1)
		return nil, ctx.Err()
	}
}

// HandlerCount reports the number of handlers registered for an agent.
func (b *Bus) HandlerCount(agent string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[agent])
}

// Stats returns a snapshot of bus activity.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	agents := make(map[string]AgentStats, len(b.queues))
	for agent, q := range b.queues {
		agents[agent] = AgentStats{
			QueueDepth:   q.len(),
			HandlerCount: len(b.handlers[agent]),
		}
	}
	return Stats{
		Sent:     b.sent.Load(),
		Received: b.received.Load(),
		Dropped:  b.dropped.Load(),
		Timeouts: b.timeouts.Load(),
		Agents:   agents,
	}
}

// Close stops accepting publishes, signals every worker and waits for them.
// Idempotent.
func (b *Bus) Close() {
	if !b.running.Swap(false) {
		return
	}
	close(b.stop)
	b.wg.Wait()

	b.mu.Lock()
	b.queues = make(map[string]*agentQueue)
	b.handlers = make(map[string][]*Handler)
	b.mu.Unlock()
	b.logger.Debug("message bus shut down")
}

func (b *Bus) publishEvent(t domain.EventType, msg domain.Message) {
	if b.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"id":     msg.ID,
		"type":   msg.Type,
		"source": msg.Source,
		"target": msg.Target,
	})
	if err != nil {
		return
	}
	b.events.Publish(context.Background(), domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
