// Package llm wraps completion backends with the resilience layers the
// runtime expects: circuit breaking and rate limiting.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"maestro/internal/domain"
	"maestro/internal/usecase/ratelimit"
)

// CircuitBreakerProvider fails fast once the underlying provider has been
// failing consistently, instead of queueing doomed requests.
type CircuitBreakerProvider struct {
	inner  domain.LLMProvider
	cb     *gobreaker.CircuitBreaker[*domain.CompletionResponse]
	logger *slog.Logger
}

// BreakerOptions tunes the circuit breaker.
type BreakerOptions struct {
	ConsecutiveFailures uint32        // trip threshold (default 5)
	OpenTimeout         time.Duration // how long to stay open (default 30s)
}

// NewCircuitBreakerProvider wraps inner with a circuit breaker.
func NewCircuitBreakerProvider(inner domain.LLMProvider, opts BreakerOptions, logger *slog.Logger) *CircuitBreakerProvider {
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm circuit state changed", "provider", name, "from", from.String(), "to", to.String())
		},
	}
	return &CircuitBreakerProvider{
		inner:  inner,
		cb:     gobreaker.NewCircuitBreaker[*domain.CompletionResponse](settings),
		logger: logger,
	}
}

func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

func (p *CircuitBreakerProvider) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	resp, err := p.cb.Execute(func() (*domain.CompletionResponse, error) {
		return p.inner.Complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewDomainError("llm.Complete", domain.ErrLimitReached, "circuit open")
		}
		return nil, err
	}
	return resp, nil
}

// RateLimitedProvider charges every completion against a rate limit endpoint
// before delegating.
type RateLimitedProvider struct {
	inner    domain.LLMProvider
	limiter  *ratelimit.Limiter
	endpoint string
}

// NewRateLimitedProvider wraps inner; completions count against endpoint.
func NewRateLimitedProvider(inner domain.LLMProvider, limiter *ratelimit.Limiter, endpoint string) *RateLimitedProvider {
	return &RateLimitedProvider{inner: inner, limiter: limiter, endpoint: endpoint}
}

func (p *RateLimitedProvider) Name() string { return p.inner.Name() }

func (p *RateLimitedProvider) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	d := p.limiter.Allow(ctx, p.endpoint)
	if !d.Allowed {
		return nil, domain.NewDomainError("llm.Complete", domain.ErrRateLimit,
			fmt.Sprintf("%s, retry after %s", d.Reason, d.RetryAfter))
	}
	return p.inner.Complete(ctx, req)
}

// ScriptedProvider returns canned responses in order. Test double.
type ScriptedProvider struct {
	ProviderName string
	Responses    []*domain.CompletionResponse
	Errs         []error
	Calls        int
}

func (p *ScriptedProvider) Name() string {
	if p.ProviderName == "" {
		return "scripted"
	}
	return p.ProviderName
}

func (p *ScriptedProvider) Complete(_ context.Context, _ domain.CompletionRequest) (*domain.CompletionResponse, error) {
	i := p.Calls
	p.Calls++
	if i < len(p.Errs) && p.Errs[i] != nil {
		return nil, p.Errs[i]
	}
	if i < len(p.Responses) {
		return p.Responses[i], nil
	}
	return &domain.CompletionResponse{Content: "ok"}, nil
}
