package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a typed outcome of one remote call. Status 0 means the call
// never got an HTTP response (network failure, timeout).
type Error struct {
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": remote call failed"
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying later could succeed: network
// failures, timeouts, 5xx, rate limits.
func (e *Error) Transient() bool {
	if e.Status == 0 {
		return true
	}
	return e.Status >= 500 ||
		e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusRequestTimeout
}

// FatalConfig reports a credential or target problem that no retry can
// fix; the whole batch run should stop.
func (e *Error) FatalConfig() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// IsTransient reports whether err is a retryable remote failure.
func IsTransient(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Transient()
}

// IsFatalConfig reports whether err means the configuration (credential,
// project) is unusable.
func IsFatalConfig(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.FatalConfig()
}
