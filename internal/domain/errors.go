package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Wrap these with fmt.Errorf("%w") or DomainError so
// callers can branch with errors.Is.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrLimitReached = fmt.Errorf("limit reached")
)

// Subsystem sentinels.
var (
	ErrAgentNotFound   = fmt.Errorf("agent not found")
	ErrAgentBusy       = fmt.Errorf("agent at max concurrent tasks")
	ErrQueueFull       = fmt.Errorf("message queue full")
	ErrBusClosed       = fmt.Errorf("message bus not running")
	ErrNoResponse      = fmt.Errorf("no response before deadline")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrGateUnknown     = fmt.Errorf("unknown quality gate")
	ErrContextNotFound = fmt.Errorf("context record not found")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrDefinitionParse = fmt.Errorf("agent definition parse failed")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Get")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is transient and may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrQueueFull)
}
