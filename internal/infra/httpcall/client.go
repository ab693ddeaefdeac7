// Package httpcall wraps a single outbound HTTP request with a per-attempt
// deadline and a capped, jittered exponential backoff retry loop.
package httpcall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryPredicate reports whether an attempt outcome should be retried.
// Exactly one of resp and err is non-nil.
type RetryPredicate func(resp *http.Response, err error) bool

// Options defines retry behavior for one call.
type Options struct {
	Timeout         time.Duration // per-attempt deadline
	MaxRetries      int           // additional attempts after the first
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
	RetryPredicate  RetryPredicate // nil means DefaultRetryPredicate
}

// DefaultOptions provides sensible defaults.
var DefaultOptions = Options{
	Timeout:         10 * time.Second,
	MaxRetries:      3,
	BaseDelay:       500 * time.Millisecond,
	MaxDelay:        15 * time.Second,
	BackoffMultiple: 2.0,
}

// TimeoutError marks an attempt that hit the per-attempt deadline. The
// original cancellation error is preserved as the cause.
type TimeoutError struct {
	Timeout time.Duration
	Cause   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("attempt timed out after %v: %v", e.Timeout, e.Cause)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// Client executes HTTP requests with bounded retries. The zero value is not
// usable; construct with New.
type Client struct {
	hc  *http.Client
	log *slog.Logger
}

// New creates a Client on top of hc. A nil hc uses http.DefaultClient.
func New(hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{hc: hc, log: slog.Default()}
}

// Do executes req with up to opts.MaxRetries+1 attempts. Each attempt runs
// under its own deadline; ctx cancellation aborts the in-flight attempt and
// the whole loop. The final attempt's outcome is returned as-is, and the
// caller owns the response body on success.
//
// Requests with a body must carry GetBody so the body can be replayed
// (http.NewRequest sets it for the common reader types).
func (c *Client) Do(ctx context.Context, req *http.Request, opts Options) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil {
		return nil, errors.New("request body is not replayable (missing GetBody)")
	}
	predicate := opts.RetryPredicate
	if predicate == nil {
		predicate = DefaultRetryPredicate
	}

	attempts := opts.MaxRetries + 1
	var resp *http.Response
	var err error

	for attempt := 0; attempt < attempts; attempt++ {
		resp, err = c.attempt(ctx, req, opts.Timeout)

		// External cancellation wins over any retry decision.
		if ctx.Err() != nil {
			if err == nil {
				closeBody(resp)
			}
			return nil, ctx.Err()
		}

		if attempt == attempts-1 {
			break
		}
		if !predicate(resp, err) {
			break
		}

		closeBody(resp)
		delay := backoffDelay(attempt, opts)
		c.log.Debug("retrying request",
			"url", req.URL.String(),
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return resp, err
}

// attempt runs one request under its own deadline.
func (c *Client) attempt(ctx context.Context, req *http.Request, timeout time.Duration) (*http.Response, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r := req.Clone(attemptCtx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		r.Body = body
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		// Report the per-attempt deadline as a distinct error kind, keeping
		// the cancellation as its cause. Parent-ctx cancellation passes
		// through untouched.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Timeout: timeout, Cause: err}
		}
		return nil, err
	}
	return resp, nil
}

// backoffDelay computes min(base * multiple^attempt, max) with ±25% jitter.
func backoffDelay(attempt int, opts Options) time.Duration {
	mult := opts.BackoffMultiple
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(opts.BaseDelay) * math.Pow(mult, float64(attempt))
	if opts.MaxDelay > 0 && delay > float64(opts.MaxDelay) {
		delay = float64(opts.MaxDelay)
	}
	jitter := 0.75 + 0.5*rand.Float64()
	return time.Duration(delay * jitter)
}

func closeBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
