package sandbox

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Abraxas-365/craftable/errx"
)

var ErrRegistry = errx.NewRegistry("SANDBOX")

var (
	CodeUnsupportedLanguage = ErrRegistry.Register("UNSUPPORTED_LANGUAGE", errx.TypeValidation, http.StatusBadRequest, "Unsupported script language")
	CodeEmptySource         = ErrRegistry.Register("EMPTY_SOURCE", errx.TypeValidation, http.StatusBadRequest, "Script source is empty")
)

func ErrUnsupportedLanguage() *errx.Error {
	return ErrRegistry.New(CodeUnsupportedLanguage)
}

func ErrEmptySource() *errx.Error {
	return ErrRegistry.New(CodeEmptySource)
}

type ErrorKind string

const (
	KindTimeout ErrorKind = "timeout"
	KindRuntime ErrorKind = "runtime"
)

// ScriptError is returned by Run when the script itself failed.
type ScriptError struct {
	Kind     ErrorKind
	Language Language
	Message  string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s script %s: %s", e.Language, e.Kind, e.Message)
}

func timeoutError(lang Language, after string) *ScriptError {
	return &ScriptError{Kind: KindTimeout, Language: lang, Message: "exceeded " + after}
}

func runtimeError(lang Language, msg string) *ScriptError {
	return &ScriptError{Kind: KindRuntime, Language: lang, Message: msg}
}

// IsTimeout reports whether err is a script timeout.
func IsTimeout(err error) bool {
	var se *ScriptError
	return errors.As(err, &se) && se.Kind == KindTimeout
}

// IsRuntime reports whether err is a script runtime failure.
func IsRuntime(err error) bool {
	var se *ScriptError
	return errors.As(err, &se) && se.Kind == KindRuntime
}
