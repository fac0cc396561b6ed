package crawl

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"block", &BlockError{URL: "https://example.com", StatusCode: 403, Reason: "captcha"}, ClassBlocked},
		{"wrapped block", fmt.Errorf("fetch: %w", &BlockError{StatusCode: 429, Reason: "rate limited"}), ClassBlocked},
		{"parse", &ParseError{URL: "https://example.com", Err: errors.New("bad html")}, ClassParse},
		{"budget", &BudgetError{Reason: "max operations"}, ClassBudget},
		{"proxy", ErrProxyExhausted, ClassProxy},
		{"wrapped proxy", fmt.Errorf("lease: %w", ErrProxyExhausted), ClassProxy},
		{"transient", &TransientError{Op: "GET", Err: errors.New("connection reset")}, ClassTransient},
		{"plain error defaults to transient", errors.New("wat"), ClassTransient},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, Retryable(&TransientError{Err: errors.New("timeout")}))
	require.False(t, Retryable(nil))
	require.False(t, Retryable(&BlockError{StatusCode: 403, Reason: "forbidden"}))
	require.False(t, Retryable(&ParseError{URL: "u", Err: errors.New("x")}))
	require.False(t, Retryable(&BudgetError{Reason: "max operations"}))
	require.False(t, Retryable(context.Canceled))
	require.False(t, Retryable(fmt.Errorf("fetch: %w", context.DeadlineExceeded)))
}

func TestBudgetErrorMessage(t *testing.T) {
	t.Parallel()

	err := &BudgetError{Reason: "max consecutive failures"}
	require.Equal(t, "run budget exhausted: max consecutive failures", err.Error())
}

func TestTransientErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("dial tcp: i/o timeout")
	err := &TransientError{Op: "GET https://example.com", Err: inner}
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "GET https://example.com")
}
