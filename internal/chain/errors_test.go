package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jsonRPCError struct {
	code int
	msg  string
}

func (e jsonRPCError) Error() string  { return e.msg }
func (e jsonRPCError) ErrorCode() int { return e.code }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyError_Kinds(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  error
		want retry.Kind
	}{
		{name: "canceled", err: context.Canceled, want: retry.KindCanceled},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: retry.KindTimeout},
		{name: "not found", err: ethereum.NotFound, want: retry.KindNullResponse},
		{name: "http 429", err: rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}, want: retry.KindRateLimited},
		{name: "http 503", err: rpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}, want: retry.KindHTTPStatus},
		{name: "limit exceeded code", err: jsonRPCError{code: -32005, msg: "limit exceeded"}, want: retry.KindRateLimited},
		{name: "rate limit message", err: jsonRPCError{code: -32603, msg: "Rate limit reached"}, want: retry.KindRateLimited},
		{name: "internal error", err: jsonRPCError{code: -32603, msg: "internal error"}, want: retry.KindServer},
		{name: "server error range", err: jsonRPCError{code: -32010, msg: "header not found"}, want: retry.KindServer},
		{name: "parse error", err: jsonRPCError{code: -32700, msg: "parse error"}, want: retry.KindSerialization},
		{name: "method not found", err: jsonRPCError{code: -32601, msg: "method not found"}, want: retry.KindUnknown},
		{name: "json payload", err: json.Unmarshal([]byte("{"), &struct{}{}), want: retry.KindSerialization},
		{name: "net timeout", err: &net.OpError{Op: "read", Err: timeoutError{}}, want: retry.KindTimeout},
		{name: "refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), want: retry.KindConnect},
		{name: "eof", err: io.EOF, want: retry.KindConnect},
		{name: "refused text", err: errors.New("dial tcp 127.0.0.1:8546: connection refused"), want: retry.KindConnect},
		{name: "other", err: errors.New("execution reverted"), want: retry.KindUnknown},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := classifyError(tc.err)
			require.Error(t, got)
			assert.Equal(t, tc.want, retry.KindOf(got))
			assert.Equal(t, tc.err.Error(), got.Error())
		})
	}
}

func TestClassifyError_NilAndClassifiedPassThrough(t *testing.T) {
	t.Parallel()

	assert.NoError(t, classifyError(nil))

	already := retry.Wrap(retry.KindServer, errors.New("boom"))
	assert.Same(t, already, classifyError(already))
}

func TestClassifyError_CarriesHints(t *testing.T) {
	t.Parallel()

	err := classifyError(rpc.HTTPError{StatusCode: 429, Status: "429", Body: []byte("slow down, try again in 2s")})
	hint, ok := retry.HintOf(err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, hint)

	err = classifyError(jsonRPCError{code: -32005, msg: "daily limit, retry after 1500ms"})
	hint, ok = retry.HintOf(err)
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, hint)
}

func TestClassifiedErrors_RetryPredicate(t *testing.T) {
	t.Parallel()

	assert.True(t, retry.TransportRetryable(classifyError(syscall.ECONNREFUSED)))
	assert.True(t, retry.TransportRetryable(classifyError(ethereum.NotFound)))
	assert.True(t, retry.TransportRetryable(classifyError(jsonRPCError{code: -32000, msg: "busy"})))
	assert.False(t, retry.TransportRetryable(classifyError(json.Unmarshal([]byte("{"), &struct{}{}))))
	assert.False(t, retry.TransportRetryable(classifyError(jsonRPCError{code: -32602, msg: "invalid params"})))
}

func TestParseHint(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		msg  string
		want time.Duration
	}{
		{"try again in 3 seconds", 3 * time.Second},
		{"Retry after 250ms", 250 * time.Millisecond},
		{"retry in 0.5s", 500 * time.Millisecond},
		{"try again in 4", 4 * time.Second},
		{"too many requests", 0},
		{"", 0},
	}
	for _, tc := range testCases {
		assert.Equalf(t, tc.want, parseHint(tc.msg), "message %q", tc.msg)
	}
}
