// Package errs defines the error kinds shared by the graph, cache and
// generation packages.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration marks an unknown model id, inconsistent variant row or
	// a tensor-parallel mismatch. Always fatal for the run.
	ErrConfiguration = errors.New("configuration error")

	// ErrShape marks a tensor whose dimensions do not match the declared contract.
	ErrShape = errors.New("shape error")

	// ErrResourceExhausted marks an empty paged pool or an exceeded hard capacity.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInvalidState marks a cache or request operation issued in the wrong state.
	ErrInvalidState = errors.New("invalid state")
)

// Error carries the failing operation and, when one applies, the request id.
type Error struct {
	Op        string
	RequestID string
	Kind      error
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.RequestID != "" {
		b.WriteString(" [")
		b.WriteString(e.RequestID)
		b.WriteString("]")
	}
	b.WriteString(": ")
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the wrapped cause to errors.Is.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func newf(kind error, op, reqID, format string, args ...interface{}) *Error {
	return &Error{Op: op, RequestID: reqID, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Configf returns a configuration error for op.
func Configf(op, format string, args ...interface{}) error {
	return newf(ErrConfiguration, op, "", format, args...)
}

// Shapef returns a shape error for op.
func Shapef(op, format string, args ...interface{}) error {
	return newf(ErrShape, op, "", format, args...)
}

// Exhausted returns a resource exhaustion error for op on request reqID.
func Exhausted(op, reqID, format string, args ...interface{}) error {
	return newf(ErrResourceExhausted, op, reqID, format, args...)
}

// InvalidStatef returns an invalid state error for op on request reqID.
func InvalidStatef(op, reqID, format string, args ...interface{}) error {
	return newf(ErrInvalidState, op, reqID, format, args...)
}

// WithRequest annotates err with a request id. A *Error that already names a
// request is returned unchanged.
func WithRequest(err error, reqID string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.RequestID != "" {
			return err
		}
		cp := *e
		cp.RequestID = reqID
		return &cp
	}
	return &Error{Op: "request", RequestID: reqID, Err: err}
}

// RequestID returns the request id attached to err, if any.
func RequestID(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.RequestID
	}
	return ""
}

// Kind returns a short label for the error kind, used as a metrics label.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrShape):
		return "shape"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	default:
		return "other"
	}
}
