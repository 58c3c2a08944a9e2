package chain

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

// JSON-RPC error codes with a meaning for retry decisions.
const (
	codeParseError     = -32700
	codeInternalError  = -32603
	codeLimitExceeded  = -32005
	codeServerErrorMin = -32099
	codeServerErrorMax = -32000
)

var hintPattern = regexp.MustCompile(`(?i)(?:try again in|retry after|retry in)\s*:?\s*(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|secs?|seconds?)?`)

// classifyError maps a go-ethereum client error onto the closed retry.Kind
// set. Errors that are already classified pass through unchanged.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var classified *retry.Error
	if errors.As(err, &classified) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return retry.Wrap(retry.KindCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return retry.Wrap(retry.KindTimeout, err)
	case errors.Is(err, ethereum.NotFound):
		return retry.Wrap(retry.KindNullResponse, err)
	}

	if status, body, ok := httpStatusOf(err); ok {
		kind := retry.KindHTTPStatus
		if status == http.StatusTooManyRequests {
			kind = retry.KindRateLimited
		}
		return &retry.Error{Kind: kind, StatusCode: status, Hint: parseHint(body), Err: err}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.ErrorCode()
		e := &retry.Error{Kind: kindForCode(code, rpcErr.Error()), Code: code, Err: err}
		if e.Kind == retry.KindRateLimited {
			e.Hint = parseHint(rpcErr.Error())
		}
		return e
	}

	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return retry.Wrap(retry.KindSerialization, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.Wrap(retry.KindTimeout, err)
	}
	if isConnectError(err) {
		return retry.Wrap(retry.KindConnect, err)
	}

	return retry.Wrap(retry.KindUnknown, err)
}

func httpStatusOf(err error) (int, string, bool) {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode, string(httpErr.Body), true
	}
	return 0, "", false
}

func kindForCode(code int, msg string) retry.Kind {
	lower := strings.ToLower(msg)
	switch {
	case code == codeLimitExceeded,
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"):
		return retry.KindRateLimited
	case code == codeParseError:
		return retry.KindSerialization
	case code == codeInternalError,
		code >= codeServerErrorMin && code <= codeServerErrorMax:
		return retry.KindServer
	default:
		return retry.KindUnknown
	}
}

func isConnectError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	lower := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "no such host", "broken pipe", "network is unreachable"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// parseHint extracts a wait duration from provider messages such as
// "rate limited, try again in 2s" or "retry after 1500ms".
func parseHint(msg string) time.Duration {
	m := hintPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v <= 0 {
		return 0
	}
	unit := time.Second
	if strings.HasPrefix(strings.ToLower(m[2]), "m") {
		unit = time.Millisecond
	}
	return time.Duration(v * float64(unit))
}
