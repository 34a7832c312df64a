// Package backend adapts the streaming interface of an external AI coding
// assistant into a blocking query with timeout, cancellation, and session
// resumption.
package backend

import (
	"context"
	"errors"
)

// Session is the conversation interface to the AI assistant. A Query
// delivers one prompt, consumes the full reply stream, and returns the
// collected text plus the session identifier that was used.
type Session interface {
	Query(ctx context.Context, req QueryRequest) (QueryResult, error)
}

// Error sentinels. Callers classify failures with errors.Is.
var (
	// ErrTimeout means the per-task timeout elapsed before the assistant
	// finished.
	ErrTimeout = errors.New("ai query timed out")

	// ErrCancelled means the run's cancellation signal tripped mid-query.
	ErrCancelled = errors.New("ai query cancelled")

	// ErrTransport wraps every other failure surfaced by the underlying
	// interface: launch errors, malformed streams, nonzero exits.
	ErrTransport = errors.New("ai transport error")
)
