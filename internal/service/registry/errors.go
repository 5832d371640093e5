package registry

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures for callers.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindPrecondition      Kind = "precondition_failed"
	KindNotFound          Kind = "not_found"
	KindResourceExhausted Kind = "resource_exhausted"
	KindRuntime           Kind = "runtime"
	KindAuthorization     Kind = "authorization"
	KindInternal          Kind = "internal"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrServiceNotFound    = errors.New("service not found")
	ErrEnvNotFound        = errors.New("environment not found")
	ErrAlreadyRunning     = errors.New("environment already running")
	ErrMissingImage       = errors.New("environment missing docker image")
	ErrMissingAppPort     = errors.New("environment missing app port")
	ErrRequiresAllStopped = errors.New("all environments must be stopped")
	ErrAppPortLocked      = errors.New("app port cannot change while running")
	ErrTargetNotRunning   = errors.New("target environment not running")
	ErrDeployActiveSlot   = errors.New("deployments must target the inactive slot")
	ErrServiceExists      = errors.New("service already exists")
	ErrNoPortAvailable    = errors.New("no host port available")
	ErrHostPortTaken      = errors.New("host port recorded by another environment")
	ErrRuntime            = errors.New("container runtime failure")
	ErrInsufficientRole   = errors.New("insufficient permissions")
)

// Error is returned by every engine operation that rejects or fails.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of an engine error, or KindInternal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func fail(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// internal wraps an unexpected dependency failure.
func internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Msg: fmt.Sprintf("%s: %v", op, err), Err: err}
}

// SideEffect is the outcome of a best-effort step. The step has already
// logged any failure; callers discard the value.
type SideEffect struct {
	Step string
	Err  error
}
