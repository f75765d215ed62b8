// Package resilience guards upstream calls with bounded, jittered retries
// and a consecutive-failure circuit breaker.
package resilience

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// classifier is implemented by errors that know whether a retry can help,
// such as munimoney.Error and the fetcher's status errors.
type classifier interface {
	Retryable() bool
}

// Retryable reports whether another attempt could succeed. A classifying
// error anywhere in the chain decides. Otherwise network timeouts and
// refused or reset connections are retryable; cancellation never is.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrBreakerOpen) {
		return false
	}

	var c classifier
	if errors.As(err, &c) {
		return c.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED):
		return true
	}
	return false
}
