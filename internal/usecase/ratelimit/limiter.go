// Package ratelimit implements per-endpoint request throttling: a sliding
// window for sustained rate, a token bucket for sub-second bursts, and a
// cooldown after violations.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"maestro/internal/domain"
)

// GlobalEndpoint is the shared budget every request counts against.
const GlobalEndpoint = "global"

// Deny reasons reported in Decision.Reason.
const (
	ReasonAllowed       = "allowed"
	ReasonCooldown      = "cooldown_active"
	ReasonBurstExceeded = "burst_limit_exceeded"
	ReasonRateExceeded  = "rate_limit_exceeded"
)

// burstCooldown is the short penalty applied when a request train exceeds
// the burst allowance.
const burstCooldown = 10 * time.Second

// Limit is one endpoint's budget.
type Limit struct {
	MaxRequests int
	Window      time.Duration
	BurstLimit  int
	Cooldown    time.Duration
}

// DefaultLimits mirrors the conservative shipped defaults.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		"anthropic_api": {MaxRequests: 50, Window: time.Minute, BurstLimit: 5, Cooldown: 2 * time.Minute},
		GlobalEndpoint:  {MaxRequests: 100, Window: time.Minute, BurstLimit: 15, Cooldown: 3 * time.Minute},
		"webhook":       {MaxRequests: 20, Window: time.Minute, BurstLimit: 3, Cooldown: time.Minute},
	}
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason"`
	RetryAfter time.Duration `json:"retry_after"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
}

// EndpointStats is a per-endpoint snapshot.
type EndpointStats struct {
	RequestsInWindow   int           `json:"current_requests_in_window"`
	MaxRequests        int           `json:"max_requests"`
	UtilizationPercent float64       `json:"utilization_percent"`
	TotalRequests      int64         `json:"total_requests"`
	TotalBlocked       int64         `json:"total_blocked"`
	InCooldown         bool          `json:"in_cooldown"`
	CooldownRemaining  time.Duration `json:"cooldown_remaining"`
}

// Stats is a snapshot across endpoints.
type Stats struct {
	Endpoints       map[string]EndpointStats `json:"endpoints"`
	ActiveCooldowns int                      `json:"active_cooldowns"`
}

// ledger is the mutable state of one endpoint. Guarded by the limiter mutex.
type ledger struct {
	requests      []time.Time
	burst         *rate.Limiter
	cooldownUntil time.Time
	totalRequests int64
	totalBlocked  int64
}

// Limiter tracks independent ledgers per endpoint plus the global one. An
// endpoint request counts against both its own ledger and the global ledger;
// the global budget is checked first, without recursion.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	ledgers map[string]*ledger
	logger  *slog.Logger
	events  domain.EventBus
	now     func() time.Time
}

// New builds a limiter. Endpoints absent from limits fall back to the global
// limit; a nil map gets the shipped defaults.
func New(limits map[string]Limit, logger *slog.Logger) *Limiter {
	if len(limits) == 0 {
		limits = DefaultLimits()
	}
	if _, ok := limits[GlobalEndpoint]; !ok {
		limits[GlobalEndpoint] = DefaultLimits()[GlobalEndpoint]
	}
	return &Limiter{
		limits:  limits,
		ledgers: make(map[string]*ledger),
		logger:  logger,
		now:     time.Now,
	}
}

// SetEventBus enables ratelimit.blocked events.
func (l *Limiter) SetEventBus(events domain.EventBus) { l.events = events }

// Check reports whether a request to endpoint would be allowed right now.
// It does not consume budget; pair with Record on actual use. A violation
// does activate the endpoint's cooldown.
func (l *Limiter) Check(ctx context.Context, endpoint string) Decision {
	l.mu.Lock()
	d := l.checkLocked(endpoint)
	l.mu.Unlock()

	if !d.Allowed {
		l.logger.Warn("request rate limited",
			"endpoint", endpoint, "reason", d.Reason, "retry_after", d.RetryAfter)
		l.publishBlocked(ctx, endpoint, d)
	}
	return d
}

func (l *Limiter) checkLocked(endpoint string) Decision {
	if endpoint != GlobalEndpoint {
		if d := l.checkOne(GlobalEndpoint); !d.Allowed {
			return d
		}
	}
	return l.checkOne(endpoint)
}

func (l *Limiter) checkOne(endpoint string) Decision {
	now := l.now()
	limit := l.limitFor(endpoint)
	led := l.ledgerFor(endpoint, limit)

	if now.Before(led.cooldownUntil) {
		return Decision{
			Reason:     ReasonCooldown,
			RetryAfter: led.cooldownUntil.Sub(now),
			ResetAt:    led.cooldownUntil,
		}
	}

	led.prune(now, limit.Window)

	if led.burst.TokensAt(now) < 1 {
		led.cooldownUntil = now.Add(burstCooldown)
		led.totalBlocked++
		return Decision{
			Reason:     ReasonBurstExceeded,
			RetryAfter: burstCooldown,
			ResetAt:    led.cooldownUntil,
		}
	}

	if len(led.requests) >= limit.MaxRequests {
		led.cooldownUntil = now.Add(limit.Cooldown)
		led.totalBlocked++
		return Decision{
			Reason:     ReasonRateExceeded,
			RetryAfter: limit.Cooldown,
			ResetAt:    led.cooldownUntil,
		}
	}

	resetAt := now
	if len(led.requests) > 0 {
		resetAt = led.requests[0].Add(limit.Window)
	}
	return Decision{
		Allowed:   true,
		Reason:    ReasonAllowed,
		Remaining: limit.MaxRequests - len(led.requests) - 1,
		ResetAt:   resetAt,
	}
}

// Record charges one request to the endpoint ledger and the global ledger.
func (l *Limiter) Record(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.recordOne(endpoint)
	if endpoint != GlobalEndpoint {
		l.recordOne(GlobalEndpoint)
	}
}

func (l *Limiter) recordOne(endpoint string) {
	now := l.now()
	limit := l.limitFor(endpoint)
	led := l.ledgerFor(endpoint, limit)
	led.requests = append(led.requests, now)
	led.totalRequests++
	led.burst.AllowN(now, 1)
}

// Allow is Check plus Record in one step: budget is only consumed when the
// request is admitted.
func (l *Limiter) Allow(ctx context.Context, endpoint string) Decision {
	l.mu.Lock()
	d := l.checkLocked(endpoint)
	if d.Allowed {
		l.recordOne(endpoint)
		if endpoint != GlobalEndpoint {
			l.recordOne(GlobalEndpoint)
		}
	}
	l.mu.Unlock()

	if !d.Allowed {
		l.logger.Warn("request rate limited",
			"endpoint", endpoint, "reason", d.Reason, "retry_after", d.RetryAfter)
		l.publishBlocked(ctx, endpoint, d)
	}
	return d
}

// UpdateLimit replaces an endpoint's budget. The ledger resets so the new
// window and burst take effect immediately.
func (l *Limiter) UpdateLimit(endpoint string, limit Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[endpoint] = limit
	delete(l.ledgers, endpoint)
}

// Stats snapshots every endpoint that has seen traffic.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	s := Stats{Endpoints: make(map[string]EndpointStats, len(l.ledgers))}
	for endpoint, led := range l.ledgers {
		limit := l.limitFor(endpoint)
		led.prune(now, limit.Window)

		inCooldown := now.Before(led.cooldownUntil)
		if inCooldown {
			s.ActiveCooldowns++
		}
		var remaining time.Duration
		if inCooldown {
			remaining = led.cooldownUntil.Sub(now)
		}
		s.Endpoints[endpoint] = EndpointStats{
			RequestsInWindow:   len(led.requests),
			MaxRequests:        limit.MaxRequests,
			UtilizationPercent: float64(len(led.requests)) / float64(limit.MaxRequests) * 100,
			TotalRequests:      led.totalRequests,
			TotalBlocked:       led.totalBlocked,
			InCooldown:         inCooldown,
			CooldownRemaining:  remaining,
		}
	}
	return s
}

func (l *Limiter) limitFor(endpoint string) Limit {
	if limit, ok := l.limits[endpoint]; ok {
		return limit
	}
	return l.limits[GlobalEndpoint]
}

func (l *Limiter) ledgerFor(endpoint string, limit Limit) *ledger {
	led, ok := l.ledgers[endpoint]
	if !ok {
		led = &ledger{
			burst: rate.NewLimiter(rate.Every(time.Second), max(limit.BurstLimit, 1)),
		}
		l.ledgers[endpoint] = led
	}
	return led
}

func (led *ledger) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(led.requests) && led.requests[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		led.requests = led.requests[i:]
	}
}

func (l *Limiter) publishBlocked(ctx context.Context, endpoint string, d Decision) {
	if l.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"endpoint":    endpoint,
		"reason":      d.Reason,
		"retry_after": d.RetryAfter.Seconds(),
	})
	if err != nil {
		return
	}
	l.events.Publish(ctx, domain.Event{
		Type:      domain.EventRateLimitBlocked,
		Timestamp: l.now(),
		Payload:   payload,
	})
}
