package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/prompter/internal/backend"
)

// RetryConfig configures the exponential backoff applied between failed
// attempts of a task with on_failure = "retry".
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry pacing.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// newBackoff builds a fresh backoff schedule for one task execution.
func (c RetryConfig) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.MaxInterval = c.MaxInterval
	bo.Multiplier = c.Multiplier
	bo.RandomizationFactor = c.RandomizationFactor
	bo.MaxElapsedTime = 0 // the attempt budget bounds the loop, not time
	bo.Reset()
	return bo
}

// newBreaker builds the circuit breaker guarding AI queries. Repeated
// transport failures open the circuit so a dead assistant fails tasks fast
// instead of burning every task's full attempt budget.
func newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ai-session",
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation and per-task timeouts say nothing about
			// assistant health.
			return errors.Is(err, backend.ErrCancelled) ||
				errors.Is(err, backend.ErrTimeout) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
	})
}

// queryThroughBreaker routes one AI query through the circuit breaker.
// An open circuit surfaces as a transport error.
func queryThroughBreaker(ctx context.Context, cb *gobreaker.CircuitBreaker, sess backend.Session, req backend.QueryRequest) (backend.QueryResult, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		return sess.Query(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backend.QueryResult{}, errors.Join(backend.ErrTransport, err)
		}
		return backend.QueryResult{}, err
	}
	return result.(backend.QueryResult), nil
}
