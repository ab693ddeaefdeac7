package httpcall

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// DefaultRetryPredicate retries timeouts, aborts and network-class errors,
// plus responses with status >= 500 or 429.
func DefaultRetryPredicate(resp *http.Response, err error) bool {
	if err != nil {
		return isTransient(err)
	}
	if resp == nil {
		return false
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

func isTransient(err error) bool {
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// A canceled parent context is the caller giving up, not a network fault.
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
