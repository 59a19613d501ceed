package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Machine-readable exchange failure reasons
const (
	ReasonRejected              = "rejected"
	ReasonInsufficientLiquidity = "insufficient_liquidity"
	ReasonInsufficientBalance   = "insufficient_balance"
	ReasonRateLimited           = "rate_limited"
	ReasonUnavailable           = "unavailable"
	ReasonTimeout               = "timeout"
	ReasonNetwork               = "network"
	ReasonUnauthorized          = "unauthorized"
	ReasonNotFound              = "not_found"
	ReasonBadResponse           = "bad_response"
)

// ExchangeError is a tagged failure from the exchange boundary. Ambiguous
// means the request may have reached the exchange, so the outcome is unknown.
type ExchangeError struct {
	Reason     string
	StatusCode int
	Ambiguous  bool
	Err        error
}

func (e *ExchangeError) Error() string {
	msg := "exchange: " + e.Reason
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Retryable reports whether trying again later may succeed.
func (e *ExchangeError) Retryable() bool {
	switch e.Reason {
	case ReasonRateLimited, ReasonUnavailable, ReasonTimeout, ReasonNetwork, ReasonBadResponse:
		return true
	}
	return false
}

// AsExchangeError unwraps err into an *ExchangeError.
func AsExchangeError(err error) (*ExchangeError, bool) {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// classifyTransport tags a failure from http.Client.Do. Only a failed dial
// proves the request never left.
func classifyTransport(err error) *ExchangeError {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &ExchangeError{Reason: ReasonNetwork, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &ExchangeError{Reason: ReasonNetwork, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExchangeError{Reason: ReasonTimeout, Ambiguous: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ExchangeError{Reason: ReasonTimeout, Ambiguous: true, Err: err}
	}
	return &ExchangeError{Reason: ReasonNetwork, Ambiguous: true, Err: err}
}

// classifyStatus tags a non-2xx response. errorMsg is the exchange's own
// message; it is kept in Err for logs and never shown to users.
func classifyStatus(status int, errorMsg string) *ExchangeError {
	e := &ExchangeError{StatusCode: status, Err: fmt.Errorf("%s", truncate(errorMsg, 300))}
	switch {
	case status == http.StatusTooManyRequests:
		e.Reason = ReasonRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Reason = ReasonUnauthorized
	case status == http.StatusNotFound:
		e.Reason = ReasonNotFound
	case status >= 500:
		e.Reason = ReasonUnavailable
		e.Ambiguous = true
	default:
		e.Reason = classifyRejection(errorMsg)
	}
	return e
}

// classifyRejection maps the CLOB's free-text rejection messages.
func classifyRejection(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "not enough balance"), strings.Contains(m, "allowance"):
		return ReasonInsufficientBalance
	case strings.Contains(m, "no orders found to match"),
		strings.Contains(m, "couldn't be fully filled"),
		strings.Contains(m, "could not be fully filled"),
		strings.Contains(m, "no match"):
		return ReasonInsufficientLiquidity
	}
	return ReasonRejected
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
