package domain_test

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/evalgrid/evalgrid/internal/domain"
)

func statusErr(code int) error {
	return &domain.StatusError{Code: code, Message: http.StatusText(code)}
}

func TestClassifyDispatchError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.RetryClass
	}{
		{"connection error", errors.New("dial tcp: connection refused"), domain.RetryDefault},
		{"bad request", statusErr(400), domain.RetryNone},
		{"unprocessable", statusErr(422), domain.RetryNone},
		{"request timeout", statusErr(408), domain.RetryDefault},
		{"too many requests", statusErr(429), domain.RetryQuota},
		{"internal", statusErr(500), domain.RetryDefault},
		{"bad gateway", statusErr(502), domain.RetryDefault},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, domain.ClassifyDispatchError(tc.err))
		})
	}
}

func TestRetryPolicy_DelayBounds(t *testing.T) {
	p := domain.DefaultRetryPolicy
	for retry := 0; retry < 12; retry++ {
		d := p.Delay(retry)
		// base*2^retry capped at 10min, then jittered by uniform(0.5, 1.5)
		raw := time.Second << uint(retry)
		if raw > p.Cap {
			raw = p.Cap
		}
		assert.GreaterOrEqual(t, d, time.Duration(float64(raw)*0.5), "retry %d", retry)
		assert.LessOrEqual(t, d, time.Duration(float64(raw)*1.5), "retry %d", retry)
	}
}

func TestRetryPolicy_Budgets(t *testing.T) {
	assert.Equal(t, 5, domain.DefaultRetryPolicy.Max)
	assert.Equal(t, 10, domain.QuotaRetryPolicy.Max)
}

func TestHTTPStatus_Unwraps(t *testing.T) {
	wrapped := errorsJoin(statusErr(429))
	assert.Equal(t, 429, domain.HTTPStatus(wrapped))
	assert.Equal(t, 0, domain.HTTPStatus(errors.New("plain")))
}

func errorsJoin(err error) error { return errors.Join(errors.New("op=dispatch.execute"), err) }
