package munimoney

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure.
type Kind int

const (
	// KindTransport covers network failures and timeouts.
	KindTransport Kind = iota + 1
	// KindClient is a 4xx response, usually a bad cut or drilldown.
	KindClient
	// KindServer is a 5xx response.
	KindServer
	// KindParse means the body did not match the aggregate response shape,
	// including non-2xx statuses below 400.
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Error is returned by Client for every failed call.
type Error struct {
	Kind       Kind
	StatusCode int
	Cube       string
	Body       string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("munimoney: %s error on cube %s", e.Kind, e.Cube)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed on a later attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindServer:
		return true
	case KindClient:
		return e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// IsKind reports whether err wraps an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRetryable reports whether err wraps a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// kindForStatus classifies a non-2xx status. Anything below 400 (an
// unfollowed redirect, 304, a stray 1xx) carries no aggregate body and is
// treated as a parse failure.
func kindForStatus(code int) Kind {
	switch {
	case code >= 500:
		return KindServer
	case code >= 400:
		return KindClient
	default:
		return KindParse
	}
}
