package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"lims-eln-sync/internal/domain"
)

// Kind distinguishes the failure signals an adapter can raise.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindRateLimited Kind = "rate_limited"
	KindUnavailable Kind = "unavailable"
	KindTimeout     Kind = "timeout"
	KindRejected    Kind = "rejected"
)

// Error is the error signal of every adapter operation.
type Error struct {
	System     domain.System
	Op         string
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.System, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure may succeed on retry.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindRateLimited, KindUnavailable, KindTimeout:
		return true
	}
	return false
}

// IsNotFound reports whether err is a not-found signal from an adapter.
func IsNotFound(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == KindNotFound
}

// NotFound builds the not-found signal for a record.
func NotFound(system domain.System, recordID string) *Error {
	return &Error{System: system, Op: "fetch", Kind: KindNotFound, StatusCode: http.StatusNotFound,
		Err: fmt.Errorf("%w: %s", domain.ErrRecordNotFound, recordID)}
}

// statusError maps an HTTP response status onto the adapter taxonomy.
func statusError(system domain.System, op string, resp *http.Response, body string) *Error {
	e := &Error{System: system, Op: op, StatusCode: resp.StatusCode}
	if body != "" {
		e.Err = errors.New(body)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		e.Kind = KindNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	case resp.StatusCode >= 500:
		e.Kind = KindUnavailable
	default:
		e.Kind = KindRejected
	}
	return e
}

// transportError maps a failed round trip onto the adapter taxonomy.
func transportError(system domain.System, op string, err error) *Error {
	e := &Error{System: system, Op: op, Kind: KindUnavailable, Err: err}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		e.Kind = KindTimeout
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
