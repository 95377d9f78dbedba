package fallback

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
	"github.com/nulpointcorp/llm-costproxy/internal/upstream"
)

// isRetryable reports whether err should move the request to the next
// model in the fallback chain.
//
//   - timeout, connection failure, mid-stream disconnect → retryable
//   - 5xx (including 529 overloaded) → retryable
//   - 4xx, including 429 and auth failures → not retryable
//   - caller cancellation → not retryable
//   - unknown errors → retryable
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, upstream.ErrDisconnected) {
		return true
	}
	if errors.Is(err, providers.ErrMissingCredential) {
		return false
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	return true
}

// classifyError returns a short category used in logs and metric labels.
func classifyError(err error) string {
	var ne net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, upstream.ErrDisconnected):
		return "disconnect"
	case errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	if errors.As(err, &ne) {
		return "connection"
	}
	return "unknown"
}
