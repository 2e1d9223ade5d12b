package callx

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/Abraxas-365/craftable/errx"
)

var ErrRegistry = errx.NewRegistry("CALLX")

var (
	CodeMalformedSpec = ErrRegistry.Register("MALFORMED_SPEC", errx.TypeValidation, http.StatusBadRequest, "Malformed call spec")
	CodeNoBackend     = ErrRegistry.Register("NO_BACKEND", errx.TypeInternal, http.StatusServiceUnavailable, "Backend not configured")
)

func ErrMalformedSpec() *errx.Error {
	return ErrRegistry.New(CodeMalformedSpec)
}

func ErrNoBackend() *errx.Error {
	return ErrRegistry.New(CodeNoBackend)
}

type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
	KindExhausted ErrorKind = "exhausted"
)

// CallError is what Invoke returns when a call did not succeed.
type CallError struct {
	Kind       ErrorKind
	Backend    string
	Attempts   int
	StatusCode int
	Message    string
	Cause      error
}

func (e *CallError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Attempts > 0 {
		return fmt.Sprintf("%s call %s after %d attempt(s): %s", e.Backend, e.Kind, e.Attempts, msg)
	}
	return fmt.Sprintf("%s call %s: %s", e.Backend, e.Kind, msg)
}

func (e *CallError) Unwrap() error { return e.Cause }

// Transient marks err as retryable.
func Transient(err error) *CallError {
	return &CallError{Kind: KindTransient, Cause: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) *CallError {
	return &CallError{Kind: KindPermanent, Cause: err}
}

// KindOf returns the kind of a CallError, or classifies a raw error.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return classify(err)
}

func IsExhausted(err error) bool { return KindOf(err) == KindExhausted }

func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

// classify decides whether a raw attempt error is worth retrying: timeouts,
// connection resets and refusals, broken connections and truncated reads
// are transient, everything else is permanent.
func classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, driver.ErrBadConn):
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}
	return KindPermanent
}

// StatusKind classifies an HTTP status code: 5xx, 408 and 429 are transient.
func StatusKind(status int) ErrorKind {
	switch {
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return KindTransient
	case status >= 400:
		return KindPermanent
	}
	return ""
}
