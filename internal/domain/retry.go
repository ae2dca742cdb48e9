package domain

import (
	"errors"
	"math/rand"
	"net/http"
	"time"
)

// StatusError is an error that carries the HTTP status code returned by the
// dispatcher. The worker's retry decision is computed from this code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string { return e.Message }

// HTTPStatus extracts the status code from err, or 0 when err carries none
// (connection errors, timeouts).
func HTTPStatus(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// RetryClass is the worker's decision for one failed dispatch attempt.
type RetryClass int

const (
	// RetryNone marks a permanent failure; the evaluation fails immediately.
	RetryNone RetryClass = iota
	// RetryDefault uses the default backoff policy, bounded by MaxRetries.
	RetryDefault
	// RetryQuota uses the quota policy, bounded by MaxQuotaRetries. Applied
	// to 429 responses and to capacity exhaustion.
	RetryQuota
)

// Retry budgets and backoff bounds.
const (
	MaxRetries      = 5
	MaxQuotaRetries = 10
)

// RetryPolicy computes exponential backoff delays with jitter.
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
	Max  int
}

// DefaultRetryPolicy covers transient dispatcher and transport failures.
var DefaultRetryPolicy = RetryPolicy{Base: time.Second, Cap: 10 * time.Minute, Max: MaxRetries}

// QuotaRetryPolicy covers transient capacity exhaustion, which recovers on
// the timescale of other evaluations finishing.
var QuotaRetryPolicy = RetryPolicy{Base: time.Second, Cap: 10 * time.Minute, Max: MaxQuotaRetries}

// Delay returns the backoff before attempt retry (0-based):
// min(cap, base * 2^retry) * uniform(0.5, 1.5).
func (p RetryPolicy) Delay(retry int) time.Duration {
	d := p.Base
	for i := 0; i < retry && d < p.Cap; i++ {
		d *= 2
	}
	if d > p.Cap {
		d = p.Cap
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// ClassifyDispatchError maps a dispatcher call failure to a retry class.
//
//   - 4xx except 408/429 is a validation failure and never retried
//   - 429 follows the quota policy
//   - 408, 5xx, connection errors and timeouts follow the default policy
func ClassifyDispatchError(err error) RetryClass {
	code := HTTPStatus(err)
	switch {
	case code == 0:
		return RetryDefault
	case code == http.StatusTooManyRequests:
		return RetryQuota
	case code == http.StatusRequestTimeout:
		return RetryDefault
	case code >= 400 && code < 500:
		return RetryNone
	default:
		return RetryDefault
	}
}
