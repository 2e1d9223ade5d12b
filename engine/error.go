package engine

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Abraxas-365/craftable/errx"
)

var ErrRegistry = errx.NewRegistry("ENGINE")

var (
	CodeConversationNotFound = ErrRegistry.Register("CONVERSATION_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Conversation not found")
	CodeStaleConversation    = ErrRegistry.Register("STALE_CONVERSATION", errx.TypeConflict, http.StatusConflict, "Conversation was modified concurrently")
	CodeInvalidTrigger       = ErrRegistry.Register("INVALID_TRIGGER", errx.TypeValidation, http.StatusBadRequest, "Invalid trigger")
	CodeResumeMismatch       = ErrRegistry.Register("RESUME_MISMATCH", errx.TypeBusiness, http.StatusConflict, "Trigger does not match what the conversation is waiting for")
	CodeNoActiveFlow         = ErrRegistry.Register("NO_ACTIVE_FLOW", errx.TypeBusiness, http.StatusConflict, "Conversation has no active flow")
	CodeNodeNotFound         = ErrRegistry.Register("NODE_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Node not found")
	CodeAdvanceFailed        = ErrRegistry.Register("ADVANCE_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Advance failed")
	CodeDispatcherStopped    = ErrRegistry.Register("DISPATCHER_STOPPED", errx.TypeInternal, http.StatusServiceUnavailable, "Dispatcher is not accepting triggers")
	CodeMailboxFull          = ErrRegistry.Register("MAILBOX_FULL", errx.TypeBusiness, http.StatusTooManyRequests, "Conversation mailbox is full")
	CodeInvalidCallback      = ErrRegistry.Register("INVALID_CALLBACK", errx.TypeAuthorization, http.StatusUnauthorized, "Invalid callback token")
)

func ErrConversationNotFound() *errx.Error {
	return ErrRegistry.New(CodeConversationNotFound)
}

func ErrStaleConversation() *errx.Error {
	return ErrRegistry.New(CodeStaleConversation)
}

func ErrInvalidTrigger() *errx.Error {
	return ErrRegistry.New(CodeInvalidTrigger)
}

func ErrResumeMismatch() *errx.Error {
	return ErrRegistry.New(CodeResumeMismatch)
}

func ErrNoActiveFlow() *errx.Error {
	return ErrRegistry.New(CodeNoActiveFlow)
}

func ErrNodeNotFound() *errx.Error {
	return ErrRegistry.New(CodeNodeNotFound)
}

func ErrAdvanceFailed() *errx.Error {
	return ErrRegistry.New(CodeAdvanceFailed)
}

func ErrDispatcherStopped() *errx.Error {
	return ErrRegistry.New(CodeDispatcherStopped)
}

func ErrMailboxFull() *errx.Error {
	return ErrRegistry.New(CodeMailboxFull)
}

func ErrInvalidCallback() *errx.Error {
	return ErrRegistry.New(CodeInvalidCallback)
}

// ============================================================================
// Runtime failure taxonomy
// ============================================================================

// ErrorKind classifies a node failure. It travels on Fail outcomes and on
// audit records.
type ErrorKind string

const (
	ErrorValidation          ErrorKind = "ValidationError"
	ErrorScriptTimeout       ErrorKind = "ScriptError.Timeout"
	ErrorScriptRuntime       ErrorKind = "ScriptError.Runtime"
	ErrorCallTransient       ErrorKind = "CallError.Transient"
	ErrorCallPermanent       ErrorKind = "CallError.Permanent"
	ErrorCallExhausted       ErrorKind = "CallExhausted"
	ErrorSessionWindowClosed ErrorKind = "SessionWindowClosed"
	ErrorLoopLimitExceeded   ErrorKind = "LoopLimitExceeded"
	ErrorResumeMismatch      ErrorKind = "ResumeMismatch"
	ErrorUnresolvableBranch  ErrorKind = "UnresolvableBranch"
	ErrorInvalidReply        ErrorKind = "InvalidReply"
	ErrorFlowNotFound        ErrorKind = "FlowNotFound"
	ErrorInternal            ErrorKind = "Internal"
)

// Retryable reports whether the scheduler may re-run the node. Call failures
// already went through the call adapter retries; permanent and exhausted
// calls fail the node right away.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorLoopLimitExceeded, ErrorResumeMismatch, ErrorValidation,
		ErrorSessionWindowClosed, ErrorUnresolvableBranch, ErrorInvalidReply, ErrorFlowNotFound,
		ErrorCallPermanent, ErrorCallExhausted:
		return false
	}
	return true
}

// ExecError is the error carried by a Fail outcome.
type ExecError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ExecError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecError) Unwrap() error { return e.Cause }

// NewExecError builds an ExecError from a cause.
func NewExecError(kind ErrorKind, cause error) *ExecError {
	e := &ExecError{Kind: kind, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// KindOf extracts the ErrorKind from err, or ErrorInternal.
func KindOf(err error) ErrorKind {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ErrorInternal
}
