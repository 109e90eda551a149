package bus

import (
	"sync/atomic"

	"maestro/internal/domain"
)

// agentQueue is one agent's mailbox: four channels drained in fixed priority
// order by the agent's worker, plus a wake signal so the worker reacts
// promptly without busy-polling.
type agentQueue struct {
	queues [4]chan domain.Message // indexed by domain.Priority
	size   atomic.Int64
	bound  int64
	notify chan struct{}
}

func newAgentQueue(bound int) *agentQueue {
	q := &agentQueue{
		bound:  int64(bound),
		notify: make(chan struct{}, 1),
	}
	for i := range q.queues {
		// Each sub-queue can hold the full bound so a put below the overall
		// bound never blocks.
		q.queues[i] = make(chan domain.Message, bound)
	}
	return q
}

// put enqueues a message, or returns ErrQueueFull when the per-agent bound
// is exceeded.
func (q *agentQueue) put(msg domain.Message) error {
	if q.size.Load() >= q.bound {
		return domain.ErrQueueFull
	}
	q.size.Add(1)
	q.queues[priorityIndex(msg.Priority)] <- msg

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// tryGet returns the highest-priority pending message, if any. Urgent is
// always drained before high, high before normal, normal before low.
func (q *agentQueue) tryGet() (domain.Message, bool) {
	for i := len(q.queues) - 1; i >= 0; i-- {
		select {
		case msg := <-q.queues[i]:
			q.size.Add(-1)
			return msg, true
		default:
		}
	}
	return domain.Message{}, false
}

func (q *agentQueue) len() int {
	return int(q.size.Load())
}

func priorityIndex(p domain.Priority) int {
	if p < domain.PriorityLow || p > domain.PriorityUrgent {
		return int(domain.PriorityNormal)
	}
	return int(p)
}
