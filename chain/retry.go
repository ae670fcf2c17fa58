// chain/retry.go
package chain

import (
	"context"
	"errors"
	"strings"
	"time"
)

// withRetry runs fn up to attempts times with exponential backoff, retrying
// only when retryable(err) reports true. The approval and transfer steps
// share this; they differ only in the function body.
func withRetry(ctx context.Context, attempts int, base time.Duration, retryable func(error) bool, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(base << (attempt - 1)):
			}
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// transientErrorMarkers are node error fragments that a resubmission with a
// fresh nonce and a higher gas price can resolve.
var transientErrorMarkers = []string{
	"replacement transaction underpriced",
	"transaction underpriced",
	"fee too low",
	"max fee per gas less than block base fee",
	"nonce too low",
	"already known",
	"execution reverted",
	"connection",
	"timeout",
	"deadline exceeded",
	"EOF",
}

// IsTransient reports whether err belongs to the recognized transient set.
// Everything else is terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrReceiptTimeout) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientErrorMarkers {
		if strings.Contains(msg, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
