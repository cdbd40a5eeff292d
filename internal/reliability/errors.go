package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownState = errors.New("circuit breaker: unknown state")
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// CircuitBreakerError is returned when the breaker rejects an execution
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		return fmt.Sprintf("circuit breaker %s open: blocked (failures=%d/%d, retry after %s)",
			e.Name, e.Failures, e.FailureThreshold, e.NextRetry.Format(time.RFC3339))
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: trial limit reached", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s error in state %v", e.Name, e.State)
	}
}

// RetryError reports an operation that kept failing until the policy gave up
type RetryError struct {
	Attempts  int
	LastError error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// IsRetryable reports whether err may be retried. Errors wrapping
// ErrNonRetryable, or implementing IsRetryable() bool returning false, are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNonRetryable) {
		return false
	}

	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrNonRetryable, err)
}
