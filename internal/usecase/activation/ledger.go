package activation

import (
	"sync"
	"time"
)

// Ledger tracks per-agent activation successes for the aggregator's
// historical boost. Counts decay by halving whenever the decay interval has
// elapsed, so an agent that stopped being useful loses its boost instead of
// keeping it forever.
type Ledger struct {
	mu        sync.Mutex
	counts    map[string]int
	decay     time.Duration
	lastDecay time.Time
	now       func() time.Time
}

// NewLedger creates a ledger with the given decay interval. A zero interval
// disables decay.
func NewLedger(decay time.Duration) *Ledger {
	return &Ledger{
		counts:    make(map[string]int),
		decay:     decay,
		lastDecay: time.Now(),
		now:       time.Now,
	}
}

// RecordSuccess increments an agent's success count.
func (l *Ledger) RecordSuccess(agent string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeDecay()
	l.counts[agent]++
}

// Boost returns the bounded historical boost for an agent:
// min(successes*0.02, 0.2).
func (l *Ledger) Boost(agent string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeDecay()
	boost := float64(l.counts[agent]) * 0.02
	return min(boost, 0.2)
}

// Reset clears all counts. Intended for tests and explicit teardown.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts = make(map[string]int)
	l.lastDecay = l.now()
}

// maybeDecay halves every count once per elapsed decay interval.
// Caller holds the lock.
func (l *Ledger) maybeDecay() {
	if l.decay <= 0 {
		return
	}
	now := l.now()
	for now.Sub(l.lastDecay) >= l.decay {
		for agent, n := range l.counts {
			if n <= 1 {
				delete(l.counts, agent)
			} else {
				l.counts[agent] = n / 2
			}
		}
		l.lastDecay = l.lastDecay.Add(l.decay)
		if len(l.counts) == 0 {
			l.lastDecay = now
			break
		}
	}
}
